package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Cache     CacheConfig     `yaml:"cache"`
	Chat      ChatConfig      `yaml:"chat"`
	Files     FilesConfig     `yaml:"files"`
	Presence  PresenceConfig  `yaml:"presence"`
	Preview   PreviewConfig   `yaml:"preview"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BackendConfig selects and tunes the remote data service.
type BackendConfig struct {
	Kind      string   `yaml:"kind"` // "memory" or "supabase"
	URL       string   `yaml:"url"`
	AnonKey   string   `yaml:"anon_key"`
	Timeout   Duration `yaml:"timeout"`
	Heartbeat Duration `yaml:"heartbeat"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// CacheConfig holds stale times for the entity cache.
type CacheConfig struct {
	ProfileStale  Duration `yaml:"profile_stale"`
	PeersStale    Duration `yaml:"peers_stale"`
	ChannelsStale Duration `yaml:"channels_stale"`
	// Persist keeps slot snapshots in the local store for warm starts.
	Persist       bool `yaml:"persist"`
	Announcements bool `yaml:"announcements"`
}

type ChatConfig struct {
	DefaultChannel  string   `yaml:"default_channel"`
	ReconcileWindow Duration `yaml:"reconcile_window"`
}

// FilesConfig controls the shared file library.
type FilesConfig struct {
	Bucket         string    `yaml:"bucket"`
	MaxSize        SizeBytes `yaml:"max_size"`
	URLTTL         Duration  `yaml:"url_ttl"`
	DeleteAttempts int       `yaml:"delete_attempts"`
	DeleteBackoff  Duration  `yaml:"delete_backoff"`
}

type PresenceConfig struct {
	Freshness Duration `yaml:"freshness"`
	Heartbeat Duration `yaml:"heartbeat"`
}

// PreviewConfig controls link preview fetching.
type PreviewConfig struct {
	Timeout     Duration  `yaml:"timeout"`
	UserAgent   string    `yaml:"user_agent"`
	MaxBodySize SizeBytes `yaml:"max_body_size"`
}

// OutboxConfig controls redelivery of failed sends.
type OutboxConfig struct {
	Cron        string `yaml:"cron"`
	MaxAttempts int    `yaml:"max_attempts"`
	BatchSize   int    `yaml:"batch_size"`
	Paused      bool   `yaml:"paused"`
}

type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig controls the metrics endpoint. An empty address disables
// it.
type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "50MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSizeBytes(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

func parseSizeBytes(v string) (SizeBytes, error) {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	if u, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(u), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", v)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(v string) (Duration, error) {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", v)
}
