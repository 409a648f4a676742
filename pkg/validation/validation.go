package validation

import (
	"fmt"
	"net/url"
)

// ValidateStreamID validates a stream identifier supplied on the command
// line or via the Config Store.
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > 100 {
		return fmt.Errorf("stream ID is too long (max 100 characters)")
	}
	return nil
}

// ValidatePeerID validates a peer identifier received from signaling before
// the Peer Manager registers a connection under it.
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	return nil
}

// ValidateURL validates a base URL or signaling URL's format and scheme.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateMaxPeers validates a configured max-active-peers value.
func ValidateMaxPeers(maxPeers int) error {
	if maxPeers < 1 {
		return fmt.Errorf("max peers must be at least 1")
	}
	if maxPeers > 1000 {
		return fmt.Errorf("max peers is too high (max 1000)")
	}
	return nil
}
