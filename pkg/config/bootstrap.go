package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// File is the on-disk bootstrap shape loaded once at process start and
// merged into the runtime Config Store (store.go). Unlike the store's
// tunables, this layer is YAML, read once, and never mutated at runtime.
type File struct {
	BaseURL string `yaml:"base_url"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Signaling struct {
		URL             string        `yaml:"url"`
		HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
		ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	} `yaml:"signaling"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled   bool    `yaml:"enabled"`
		JaegerURL string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tunables Defaults `yaml:"tunables"`
}

// Defaults mirrors the subset of Config exposed for YAML overrides; applied
// on top of DefaultConfig() before the Config Store is constructed.
type Defaults struct {
	MaxActivePeers         *int     `yaml:"max_active_peers,omitempty"`
	MinActivePeers         *int     `yaml:"min_active_peers,omitempty"`
	PeerScoreThreshold     *float64 `yaml:"peer_score_threshold,omitempty"`
	CacheSizeLimitBytes    *int64   `yaml:"cache_size_limit_bytes,omitempty"`
	BufferMinThreshold     *float64 `yaml:"buffer_min_threshold,omitempty"`
	BufferMaxThreshold     *float64 `yaml:"buffer_max_threshold,omitempty"`
	BufferTargetDuration   *float64 `yaml:"buffer_target_duration,omitempty"`
}

// LoadFile reads the bootstrap YAML file, falling back to an empty File
// (and thus pure in-code defaults) if the file does not exist.
func LoadFile(path string) (*File, error) {
	f := &File{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return f, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	f.applyEnvOverrides()
	return f, nil
}

func (f *File) applyEnvOverrides() {
	if url := os.Getenv("SWARMPLAYER_BASE_URL"); url != "" {
		f.BaseURL = url
	}
	if url := os.Getenv("SWARMPLAYER_SIGNALING_URL"); url != "" {
		f.Signaling.URL = url
	}
	if level := os.Getenv("SWARMPLAYER_LOG_LEVEL"); level != "" {
		f.Logging.Level = level
	}
}
