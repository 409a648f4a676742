package validation

import (
	"strings"
	"testing"
)

func TestValidateStreamID(t *testing.T) {
	tests := []struct {
		name     string
		streamID string
		wantErr  bool
	}{
		{"valid stream ID", "stream-123", false},
		{"valid with underscore", "stream_123", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStreamID(tt.streamID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStreamID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePeerID(t *testing.T) {
	tests := []struct {
		name    string
		peerID  string
		wantErr bool
	}{
		{"valid peer ID", "peer-abc123", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerID(tt.peerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid http", "http://example.com", false},
		{"valid https", "https://example.com", false},
		{"valid ws", "ws://example.com", false},
		{"valid wss", "wss://example.com", false},
		{"empty", "", true},
		{"invalid scheme", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMaxPeers(t *testing.T) {
	tests := []struct {
		name     string
		maxPeers int
		wantErr  bool
	}{
		{"valid", 6, false},
		{"minimum", 1, false},
		{"maximum", 1000, false},
		{"zero", 0, true},
		{"too high", 1001, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMaxPeers(tt.maxPeers)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMaxPeers() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
