package models

import "time"

// DefaultPresenceFreshness is how long an online flag is trusted without a
// newer heartbeat.
const DefaultPresenceFreshness = 5 * time.Minute

// PresenceEntry is a row of online_members. It is never persisted locally.
type PresenceEntry struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username,omitempty"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen"`
}

// OnlineAt reports whether the entry counts as online at now. A stale
// entry is offline regardless of its flag.
func (p PresenceEntry) OnlineAt(now time.Time, freshness time.Duration) bool {
	if !p.IsOnline {
		return false
	}
	if freshness <= 0 {
		freshness = DefaultPresenceFreshness
	}
	return now.Sub(p.LastSeenAt) < freshness
}
