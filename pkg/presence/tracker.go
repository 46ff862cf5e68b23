// Package presence tracks which members are online from the online_members
// feed. Nothing here is persisted.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chillspace/pkg/apperr"
	"chillspace/pkg/models"
	"chillspace/pkg/remote"
	"chillspace/pkg/state/logger"
	"chillspace/pkg/timeutil"
)

const DefaultHeartbeat = time.Minute

type Options struct {
	// Freshness is how long an online flag is trusted without a newer
	// heartbeat.
	Freshness time.Duration
	Clock     timeutil.Clock
	OnChange  func()
}

type Tracker struct {
	svc  remote.Service
	opts Options

	mu      sync.RWMutex
	entries map[string]models.PresenceEntry

	subMu sync.Mutex
	sub   remote.Subscription
	wg    sync.WaitGroup
}

func New(svc remote.Service, opts Options) *Tracker {
	if opts.Freshness <= 0 {
		opts.Freshness = models.DefaultPresenceFreshness
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Real
	}
	return &Tracker{svc: svc, opts: opts, entries: map[string]models.PresenceEntry{}}
}

// Start subscribes to presence changes and loads the current table. Live
// events received while the table loads are kept when they are newer.
func (t *Tracker) Start(ctx context.Context) error {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if t.sub != nil {
		return nil
	}
	sub, err := t.svc.Subscribe(ctx, remote.CollectionOnlineMembers, remote.Filter{})
	if err != nil {
		return apperr.Classify("subscribe presence", err)
	}
	t.sub = sub
	t.wg.Add(1)
	go t.pump(sub)

	recs, err := t.svc.Query(ctx, remote.CollectionOnlineMembers, remote.Filter{})
	if err != nil {
		logger.Warn("presence_load_failed", "error", err)
		return apperr.Classify("load presence", err)
	}
	entries, err := remote.DecodeAll[models.PresenceEntry](recs)
	if err != nil {
		return apperr.Wrap(apperr.ErrValidation, "decode presence", err)
	}
	t.mu.Lock()
	for _, e := range entries {
		t.mergeLocked(e, false)
	}
	t.mu.Unlock()
	t.notify()
	logger.Debug("presence_loaded", "entries", len(entries))
	return nil
}

func (t *Tracker) pump(sub remote.Subscription) {
	defer t.wg.Done()
	for ev := range sub.Events() {
		e, err := remote.Decode[models.PresenceEntry](ev.Row())
		if err != nil || e.UserID == "" {
			continue
		}
		t.mu.Lock()
		if ev.Type == remote.EventDelete {
			delete(t.entries, e.UserID)
		} else {
			t.mergeLocked(e, true)
		}
		t.mu.Unlock()
		t.notify()
	}
	if err := sub.Err(); err != nil {
		logger.Warn("presence_feed_closed", "error", err)
	}
}

// mergeLocked keeps the entry with the later heartbeat. live entries also
// win ties, since they are at least as recent as a snapshot.
func (t *Tracker) mergeLocked(e models.PresenceEntry, live bool) {
	cur, ok := t.entries[e.UserID]
	if ok && (cur.LastSeenAt.After(e.LastSeenAt) || (!live && cur.LastSeenAt.Equal(e.LastSeenAt))) {
		return
	}
	if e.Username == "" {
		e.Username = cur.Username
	}
	t.entries[e.UserID] = e
}

func (t *Tracker) notify() {
	if t.opts.OnChange != nil {
		t.opts.OnChange()
	}
}

// IsOnline applies the freshness window to the user's entry.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return ok && e.OnlineAt(t.opts.Clock.Now(), t.opts.Freshness)
}

// Online lists members currently online, ordered by name, leaving out
// exclude.
func (t *Tracker) Online(exclude string) []models.PresenceEntry {
	now := t.opts.Clock.Now()
	t.mu.RLock()
	out := make([]models.PresenceEntry, 0, len(t.entries))
	for id, e := range t.entries {
		if id != exclude && e.OnlineAt(now, t.opts.Freshness) {
			out = append(out, e)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Announce marks me online now.
func (t *Tracker) Announce(ctx context.Context, me models.Profile) error {
	return t.put(ctx, me, true)
}

// Leave marks me offline.
func (t *Tracker) Leave(ctx context.Context, me models.Profile) error {
	return t.put(ctx, me, false)
}

func (t *Tracker) put(ctx context.Context, me models.Profile, online bool) error {
	if me.ID == "" {
		return apperr.Authentication("presence", "not signed in")
	}
	now := t.opts.Clock.Now()
	patch := remote.Record{"is_online": online, "last_seen": remote.Timestamp(now)}
	if online {
		patch["username"] = me.DisplayName()
	}
	_, err := t.svc.Update(ctx, remote.CollectionOnlineMembers, me.ID, patch)
	if errors.Is(err, apperr.ErrNotFound) {
		row := patch.Clone()
		row["user_id"] = me.ID
		row["username"] = me.DisplayName()
		_, err = t.svc.Insert(ctx, remote.CollectionOnlineMembers, row)
		if errors.Is(err, apperr.ErrConflict) {
			// raced with another device of the same user
			_, err = t.svc.Update(ctx, remote.CollectionOnlineMembers, me.ID, patch)
		}
	}
	if err != nil {
		logger.Warn("presence_update_failed", "user_id", me.ID, "online", online, "error", err)
		return apperr.Classify("presence", err)
	}
	t.mu.Lock()
	t.mergeLocked(models.PresenceEntry{UserID: me.ID, Username: me.DisplayName(), IsOnline: online, LastSeenAt: now}, true)
	t.mu.Unlock()
	t.notify()
	return nil
}

// Heartbeat announces me every interval until ctx is done, then marks me
// offline. Failed beats are logged and retried on the next tick.
func (t *Tracker) Heartbeat(ctx context.Context, me models.Profile, every time.Duration) {
	if every <= 0 {
		every = DefaultHeartbeat
	}
	if err := t.Announce(ctx, me); err != nil {
		logger.Warn("presence_heartbeat_failed", "error", err)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := t.Leave(leaveCtx, me); err != nil {
				logger.Warn("presence_leave_failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := t.Announce(ctx, me); err != nil && ctx.Err() == nil {
				logger.Warn("presence_heartbeat_failed", "error", err)
			}
		}
	}
}

// Close stops the live feed and forgets every entry.
func (t *Tracker) Close() {
	t.subMu.Lock()
	sub := t.sub
	t.sub = nil
	t.subMu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
	t.wg.Wait()
	t.mu.Lock()
	t.entries = map[string]models.PresenceEntry{}
	t.mu.Unlock()
}
