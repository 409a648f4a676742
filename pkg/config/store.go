// Package config implements the Config Store (C1): a validated, observable
// mapping of tunables, plus the YAML bootstrap layer it sits on top of
// (bootstrap.go).
package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"swarmplayer/internal/core/ports"
	apperrors "swarmplayer/pkg/errors"
	"swarmplayer/pkg/utils"
	"swarmplayer/pkg/validation"
)

// Store is C1. Validation runs on every mutation; a rejected mutation
// leaves the prior state untouched. Observers run synchronously after a
// successful mutation. No I/O, no blocking primitives beyond a mutex.
type Store struct {
	mu        sync.RWMutex
	cfg       ports.Config
	observers []func(ports.Config)
}

// DefaultConfig returns the engine's baked-in tunables.
func DefaultConfig() ports.Config {
	return ports.Config{
		BaseURL:                "http://localhost:8080",
		MaxActivePeers:         6,
		MinActivePeers:         1,
		PeerConnectionTimeout:  2 * time.Second,
		PeerScoreThreshold:     0.3,
		StaggeredRequestDelay:  100 * time.Millisecond,
		RetryDelayBase:         250 * time.Millisecond,
		FetchTimeout:           3 * time.Second,
		MaxRetries:             3,
		MaxConcurrentFetches:   4,
		WhoHasTimeout:          2 * time.Second,
		CacheSizeLimit:         256 * 1024 * 1024,
		CacheSegmentTTL:        2 * time.Minute,
		BufferMinThreshold:     8,
		BufferMaxThreshold:     60,
		BufferTargetDuration:   30,
		PrefetchWindowAhead:    30,
		PrefetchWindowBehind:   10,
		AbrSwitchDownThreshold: 0.5,
		AbrSwitchUpThreshold:   0.9,
		SegmentRequestWaitMin:  500 * time.Millisecond,
		SegmentRequestWaitMax:  3 * time.Second,
	}
}

// NewStore constructs a Store from the given initial config, validating it.
func NewStore(initial ports.Config) (*Store, error) {
	if err := validate(initial); err != nil {
		return nil, err
	}
	return &Store{cfg: initial}, nil
}

// NewStoreFromFile layers a bootstrap File's tunable overrides onto
// DefaultConfig and constructs a Store.
func NewStoreFromFile(f *File) (*Store, error) {
	cfg := DefaultConfig()
	if f.BaseURL != "" {
		cfg.BaseURL = f.BaseURL
	}
	t := f.Tunables
	if t.MaxActivePeers != nil {
		cfg.MaxActivePeers = *t.MaxActivePeers
	}
	if t.MinActivePeers != nil {
		cfg.MinActivePeers = *t.MinActivePeers
	}
	if t.PeerScoreThreshold != nil {
		cfg.PeerScoreThreshold = *t.PeerScoreThreshold
	}
	if t.CacheSizeLimitBytes != nil {
		cfg.CacheSizeLimit = *t.CacheSizeLimitBytes
	}
	if t.BufferMinThreshold != nil {
		cfg.BufferMinThreshold = *t.BufferMinThreshold
	}
	if t.BufferMaxThreshold != nil {
		cfg.BufferMaxThreshold = *t.BufferMaxThreshold
	}
	if t.BufferTargetDuration != nil {
		cfg.BufferTargetDuration = *t.BufferTargetDuration
	}
	return NewStore(cfg)
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() ports.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Get reads a single named key out of a JSON rendering of the snapshot
// (asMap), so keys are the JSON-import/export key names.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := asMap(s.cfg)
	v, ok := m[key]
	return v, ok
}

// Set replaces the named keys wholesale (merge semantics identical to
// Merge — the spec draws no operational distinction between the two at the
// storage layer, only at the call-site intent).
func (s *Store) Set(partial map[string]interface{}) error {
	return s.Merge(partial)
}

// Merge applies a partial update, validates the result, and only commits
// if valid; observers fire synchronously on success.
func (s *Store) Merge(partial map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	if err := applyPartial(&next, partial); err != nil {
		return apperrors.NewConfigInvalidError(err.Error())
	}
	if err := validate(next); err != nil {
		return err
	}
	s.cfg = next
	s.notifyLocked()
	return nil
}

// Reset restores the baked-in defaults.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = DefaultConfig()
	s.notifyLocked()
}

// ExportJSON serializes the current configuration.
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.cfg)
}

// ImportJSON replaces the configuration from a JSON document, validating
// before committing.
func (s *Store) ImportJSON(data []byte) error {
	var next ports.Config
	if err := json.Unmarshal(data, &next); err != nil {
		return apperrors.NewConfigInvalidError(fmt.Sprintf("malformed config json: %v", err))
	}
	if err := validate(next); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = next
	s.notifyLocked()
	return nil
}

// Subscribe registers fn to be invoked synchronously after every successful
// mutation; it returns an unsubscribe function.
func (s *Store) Subscribe(fn func(ports.Config)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
	idx := len(s.observers) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < 0 || idx >= len(s.observers) {
			return
		}
		s.observers = append(s.observers[:idx], s.observers[idx+1:]...)
	}
}

func (s *Store) notifyLocked() {
	cfg := s.cfg
	for _, fn := range s.observers {
		fn(cfg)
	}
}

// validate enforces spec §7's config-invalid rules.
func validate(c ports.Config) error {
	switch {
	case utils.IsEmpty(c.BaseURL):
		return apperrors.NewConfigInvalidError("base_url must not be empty")
	case validation.ValidateURL(c.BaseURL) != nil:
		return apperrors.NewConfigInvalidError(validation.ValidateURL(c.BaseURL).Error())
	case validation.ValidateMaxPeers(c.MaxActivePeers) != nil:
		return apperrors.NewConfigInvalidError(validation.ValidateMaxPeers(c.MaxActivePeers).Error())
	case c.MaxActivePeers < c.MinActivePeers:
		return apperrors.NewConfigInvalidError("max_active_peers must be >= min_active_peers")
	case c.MinActivePeers < 0:
		return apperrors.NewConfigInvalidError("min_active_peers must be >= 0")
	case c.PeerScoreThreshold < 0 || c.PeerScoreThreshold > 1:
		return apperrors.NewConfigInvalidError("peer_score_threshold must be within [0,1]")
	case c.BufferMinThreshold >= c.BufferMaxThreshold:
		return apperrors.NewConfigInvalidError("buffer_min_threshold must be < buffer_max_threshold")
	case c.BufferTargetDuration >= c.BufferMaxThreshold:
		return apperrors.NewConfigInvalidError("buffer_target_duration must be < buffer_max_threshold")
	case c.CacheSizeLimit <= 0:
		return apperrors.NewConfigInvalidError("cache_size_limit must be > 0")
	case c.MaxConcurrentFetches <= 0:
		return apperrors.NewConfigInvalidError("max_concurrent_fetches must be > 0")
	case c.AbrSwitchUpThreshold <= c.AbrSwitchDownThreshold:
		return apperrors.NewConfigInvalidError("abr_switch_up_threshold must be > abr_switch_down_threshold")
	case c.SegmentRequestWaitMax < c.SegmentRequestWaitMin:
		return apperrors.NewConfigInvalidError("segment_request_wait_max must be >= segment_request_wait_min")
	case c.MaxRetries < 0:
		return apperrors.NewConfigInvalidError("max_retries must be >= 0")
	case c.FetchTimeout <= 0:
		return apperrors.NewConfigInvalidError("fetch_timeout must be > 0")
	}
	return nil
}

// Preset returns a partial configuration for one of the named network
// presets; callers merge it via Merge.
func Preset(name string) (map[string]interface{}, error) {
	switch name {
	case "high-bandwidth":
		return map[string]interface{}{
			"MaxActivePeers":       float64(10),
			"MaxConcurrentFetches": float64(8),
			"BufferTargetDuration": float64(45),
		}, nil
	case "low-bandwidth":
		return map[string]interface{}{
			"MaxActivePeers":       float64(3),
			"MaxConcurrentFetches": float64(2),
			"BufferTargetDuration": float64(20),
		}, nil
	case "balanced":
		d := DefaultConfig()
		return map[string]interface{}{
			"MaxActivePeers":       float64(d.MaxActivePeers),
			"MaxConcurrentFetches": float64(d.MaxConcurrentFetches),
			"BufferTargetDuration": d.BufferTargetDuration,
		}, nil
	default:
		return nil, apperrors.NewConfigInvalidError(fmt.Sprintf("unknown preset %q", name))
	}
}

// Profile returns a partial configuration for one of the named ABR
// performance profiles; callers merge it via Merge.
func Profile(name string) (map[string]interface{}, error) {
	switch name {
	case "aggressive":
		return map[string]interface{}{
			"AbrSwitchUpThreshold":   0.7,
			"AbrSwitchDownThreshold": 0.3,
		}, nil
	case "conservative":
		return map[string]interface{}{
			"AbrSwitchUpThreshold":   0.95,
			"AbrSwitchDownThreshold": 0.6,
		}, nil
	case "balanced":
		return map[string]interface{}{
			"AbrSwitchUpThreshold":   0.9,
			"AbrSwitchDownThreshold": 0.5,
		}, nil
	default:
		return nil, apperrors.NewConfigInvalidError(fmt.Sprintf("unknown performance profile %q", name))
	}
}
