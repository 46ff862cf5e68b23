// Package config loads client settings from a YAML file, CHILLSPACE_*
// environment variables and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chillspace/pkg/state/logger"
)

const (
	BackendMemory   = "memory"
	BackendSupabase = "supabase"

	defaultConfigFile = "chillspace.yaml"
	defaultDataDir    = ".chillspace"

	defaultBackendTimeout = 15 * time.Second
	defaultBackendRPS     = 20
	defaultBackendBurst   = 40
	defaultHeartbeat      = 25 * time.Second

	defaultProfileStale  = 5 * time.Minute
	defaultPeersStale    = 2 * time.Minute
	defaultChannelsStale = 5 * time.Minute

	defaultChannel         = "General"
	defaultReconcileWindow = 10 * time.Second

	defaultFilesBucket    = "space-files-v3"
	defaultFilesMaxSize   = 50 << 20 // 50 MiB
	defaultFilesURLTTL    = time.Hour
	defaultDeleteAttempts = 3
	defaultDeleteBackoff  = 200 * time.Millisecond

	defaultPresenceFreshness = 5 * time.Minute
	defaultPresenceHeartbeat = time.Minute

	defaultPreviewTimeout = 5 * time.Second
	defaultPreviewBody    = 2 << 20 // 2 MiB

	defaultOutboxCron        = "* * * * *" // every minute
	defaultOutboxMaxAttempts = 10
	defaultOutboxBatchSize   = 50

	defaultLogLevel = "info"
)

// Sources records where the effective config came from.
type Sources struct {
	File    string
	FileSet bool
	EnvUsed bool
}

// ResolvePath returns the config file path, preferring the flag, then
// CHILLSPACE_CONFIG, then chillspace.yaml in the working directory.
func ResolvePath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CHILLSPACE_CONFIG"); p != "" {
		return p
	}
	if flagPath != "" {
		return flagPath
	}
	return defaultConfigFile
}

// LoadFile reads and parses a config file.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Load builds the effective config: .env is loaded into the process
// environment, then the file (required only when explicit) and the
// environment overrides are merged. Validate is left to the caller so
// flag overrides can be applied first.
func Load(path string, explicit bool) (*Config, Sources, error) {
	_ = godotenv.Load(".env")

	src := Sources{File: path}
	cfg, err := LoadFile(path)
	switch {
	case err == nil:
		src.FileSet = true
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg = &Config{}
	case errors.Is(err, os.ErrNotExist):
		return nil, src, fmt.Errorf("config file not found: %s", path)
	default:
		return nil, src, err
	}

	used, err := ApplyEnv(cfg, os.LookupEnv)
	if err != nil {
		return nil, src, err
	}
	src.EnvUsed = used
	return cfg, src, nil
}

// Validate applies defaults and validates values in the config. It mutates
// the receiver to fill in missing defaults.
func (c *Config) Validate() error {
	b := &c.Backend
	b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
	if b.Kind == "" {
		if b.URL != "" {
			b.Kind = BackendSupabase
		} else {
			b.Kind = BackendMemory
		}
	}
	switch b.Kind {
	case BackendMemory:
	case BackendSupabase:
		if b.URL == "" || b.AnonKey == "" {
			return fmt.Errorf("backend.url and backend.anon_key are required for the %s backend", BackendSupabase)
		}
		if !strings.HasPrefix(b.URL, "http://") && !strings.HasPrefix(b.URL, "https://") {
			return fmt.Errorf("backend.url must be an http(s) URL: %q", b.URL)
		}
	default:
		return fmt.Errorf("unknown backend.kind %q: want %s or %s", b.Kind, BackendMemory, BackendSupabase)
	}
	setDuration(&b.Timeout, defaultBackendTimeout)
	setDuration(&b.Heartbeat, defaultHeartbeat)
	if b.RateLimit.RPS <= 0 {
		b.RateLimit.RPS = defaultBackendRPS
	}
	if b.RateLimit.Burst <= 0 {
		b.RateLimit.Burst = defaultBackendBurst
	}

	setDuration(&c.Cache.ProfileStale, defaultProfileStale)
	setDuration(&c.Cache.PeersStale, defaultPeersStale)
	setDuration(&c.Cache.ChannelsStale, defaultChannelsStale)

	if strings.TrimSpace(c.Chat.DefaultChannel) == "" {
		c.Chat.DefaultChannel = defaultChannel
	}
	setDuration(&c.Chat.ReconcileWindow, defaultReconcileWindow)

	f := &c.Files
	if f.Bucket == "" {
		f.Bucket = defaultFilesBucket
	}
	if f.MaxSize <= 0 {
		f.MaxSize = defaultFilesMaxSize
	}
	setDuration(&f.URLTTL, defaultFilesURLTTL)
	if f.DeleteAttempts <= 0 {
		f.DeleteAttempts = defaultDeleteAttempts
	}
	setDuration(&f.DeleteBackoff, defaultDeleteBackoff)

	setDuration(&c.Presence.Freshness, defaultPresenceFreshness)
	setDuration(&c.Presence.Heartbeat, defaultPresenceHeartbeat)
	if c.Presence.Heartbeat.Duration() >= c.Presence.Freshness.Duration() {
		logger.Warn("presence_heartbeat_exceeds_freshness", "heartbeat", c.Presence.Heartbeat.String(), "freshness", c.Presence.Freshness.String())
	}

	setDuration(&c.Preview.Timeout, defaultPreviewTimeout)
	if c.Preview.MaxBodySize <= 0 {
		c.Preview.MaxBodySize = defaultPreviewBody
	}

	o := &c.Outbox
	if o.Cron == "" {
		o.Cron = defaultOutboxCron
	}
	if !gronx.IsValid(o.Cron) {
		return fmt.Errorf("invalid outbox.cron expression: %s", o.Cron)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultOutboxMaxAttempts
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultOutboxBatchSize
	}

	if strings.TrimSpace(c.Store.DataDir) == "" {
		c.Store.DataDir = DefaultDataDir()
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch c.Logging.Level {
	case "":
		c.Logging.Level = defaultLogLevel
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	return nil
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration() <= 0 {
		*d = Duration(def)
	}
}

// DefaultDataDir is ~/.chillspace, or .chillspace when there is no home
// directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return defaultDataDir
	}
	return filepath.Join(home, defaultDataDir)
}
