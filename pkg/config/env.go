package config

import (
	"fmt"
	"strconv"
	"strings"
)

const envPrefix = "CHILLSPACE_"

// ApplyEnv overrides cfg with CHILLSPACE_* variables read through lookup.
// It reports whether any variable was set. A malformed value is an error
// rather than a silent fallback to the file value.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) (bool, error) {
	used := false
	var errs []string
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return "", false
		}
		used = true
		return v, true
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := get(name); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, envPrefix+name+": "+err.Error())
				return
			}
			*dst = d
		}
	}
	size := func(name string, dst *SizeBytes) {
		if v, ok := get(name); ok {
			s, err := parseSizeBytes(v)
			if err != nil {
				errs = append(errs, envPrefix+name+": "+err.Error())
				return
			}
			*dst = s
		}
	}
	num := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: invalid integer %q", envPrefix, name, v))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			*dst = parseBool(v)
		}
	}

	// backend
	str("BACKEND", &cfg.Backend.Kind)
	str("BACKEND_URL", &cfg.Backend.URL)
	str("ANON_KEY", &cfg.Backend.AnonKey)
	dur("BACKEND_TIMEOUT", &cfg.Backend.Timeout)
	dur("BACKEND_HEARTBEAT", &cfg.Backend.Heartbeat)
	if v, ok := get("RATE_RPS"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Backend.RateLimit.RPS = f
		} else {
			errs = append(errs, fmt.Sprintf("%sRATE_RPS: invalid number %q", envPrefix, v))
		}
	}
	num("RATE_BURST", &cfg.Backend.RateLimit.Burst)

	// cache
	dur("CACHE_PROFILE_STALE", &cfg.Cache.ProfileStale)
	dur("CACHE_PEERS_STALE", &cfg.Cache.PeersStale)
	dur("CACHE_CHANNELS_STALE", &cfg.Cache.ChannelsStale)
	flag("CACHE_PERSIST", &cfg.Cache.Persist)
	flag("ANNOUNCEMENTS", &cfg.Cache.Announcements)

	// chat
	str("DEFAULT_CHANNEL", &cfg.Chat.DefaultChannel)
	dur("RECONCILE_WINDOW", &cfg.Chat.ReconcileWindow)

	// files
	str("FILES_BUCKET", &cfg.Files.Bucket)
	size("FILES_MAX_SIZE", &cfg.Files.MaxSize)
	dur("FILES_URL_TTL", &cfg.Files.URLTTL)
	num("FILES_DELETE_ATTEMPTS", &cfg.Files.DeleteAttempts)
	dur("FILES_DELETE_BACKOFF", &cfg.Files.DeleteBackoff)

	// presence
	dur("PRESENCE_FRESHNESS", &cfg.Presence.Freshness)
	dur("PRESENCE_HEARTBEAT", &cfg.Presence.Heartbeat)

	// link previews
	dur("PREVIEW_TIMEOUT", &cfg.Preview.Timeout)
	str("PREVIEW_USER_AGENT", &cfg.Preview.UserAgent)
	size("PREVIEW_MAX_BODY_SIZE", &cfg.Preview.MaxBodySize)

	// outbox
	str("OUTBOX_CRON", &cfg.Outbox.Cron)
	num("OUTBOX_MAX_ATTEMPTS", &cfg.Outbox.MaxAttempts)
	num("OUTBOX_BATCH_SIZE", &cfg.Outbox.BatchSize)
	flag("OUTBOX_PAUSED", &cfg.Outbox.Paused)

	str("DATA_DIR", &cfg.Store.DataDir)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("METRICS_ADDR", &cfg.Telemetry.MetricsAddr)

	if len(errs) > 0 {
		return used, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return used, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
