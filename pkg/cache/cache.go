// Package cache is the process-wide entity cache: the signed-in profile,
// the peer list and the channel list, each held in a time-bounded slot.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chillspace/pkg/apperr"
	"chillspace/pkg/models"
	"chillspace/pkg/remote"
	"chillspace/pkg/state/logger"
	"chillspace/pkg/store"
	"chillspace/pkg/telemetry"
	"chillspace/pkg/timeutil"
)

// Fetchers load each slot from the backend.
type Fetchers struct {
	Profile  func(ctx context.Context) (models.Profile, error)
	Peers    func(ctx context.Context, me models.Profile) ([]models.Profile, error)
	Channels func(ctx context.Context) ([]models.Channel, error)
}

type Options struct {
	Clock      timeutil.Clock
	StaleTimes map[Slot]time.Duration
	// Store, when set, persists slot snapshots for warm starts.
	Store *store.Store
}

// dependents lists the slots invalidated when the profile identity
// changes.
var dependents = map[Slot][]Slot{
	SlotProfile: {SlotPeers, SlotChannels},
}

type Cache struct {
	clock timeutil.Clock
	fetch Fetchers
	store *store.Store

	profile  *slot[models.Profile]
	peers    *slot[[]models.Profile]
	channels *slot[[]models.Channel]

	// generation bumps on Reset; fetches started before a reset are
	// discarded.
	generation atomic.Uint64
	mu         sync.Mutex
}

func New(fetch Fetchers, opts Options) *Cache {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.Real
	}
	staleFor := func(s Slot, def time.Duration) time.Duration {
		if d, ok := opts.StaleTimes[s]; ok && d > 0 {
			return d
		}
		return def
	}
	c := &Cache{
		clock:    clock,
		fetch:    fetch,
		store:    opts.Store,
		profile:  newSlot[models.Profile](SlotProfile, staleFor(SlotProfile, DefaultProfileStale)),
		peers:    newSlot[[]models.Profile](SlotPeers, staleFor(SlotPeers, DefaultPeersStale)),
		channels: newSlot[[]models.Channel](SlotChannels, staleFor(SlotChannels, DefaultChannelsStale)),
	}
	c.warmStart()
	return c
}

func (c *Cache) record(s Slot, result string) {
	telemetry.CacheRequests.WithLabelValues(string(s), result).Inc()
}

// fail logs err, resets the cache on authentication errors and returns
// err.
func (c *Cache) fail(s Slot, err error) error {
	c.record(s, "error")
	logger.Warn("cache_fetch_failed", "slot", s, "kind", apperr.KindOf(err), "error", err)
	if errors.Is(err, apperr.ErrAuthentication) {
		c.Reset()
	}
	return err
}

// Profile returns the signed-in user's profile.
func (c *Cache) Profile(ctx context.Context, force bool) (models.Profile, error) {
	if !force {
		if p, ok := c.profile.fresh(c.clock.Now(), ""); ok {
			c.record(SlotProfile, "hit")
			return p, nil
		}
	}
	c.record(SlotProfile, "miss")
	gen := c.generation.Load()
	p, err := c.fetch.Profile(ctx)
	if err != nil {
		return models.Profile{}, c.fail(SlotProfile, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation.Load() != gen {
		return p, nil
	}
	prev, had := c.profile.load()
	c.profile.install(p, c.clock.Now(), "")
	if had && prev.ID != p.ID {
		logger.Info("cache_identity_changed", "from", prev.ID, "to", p.ID)
		c.invalidateDependentsLocked(SlotProfile)
	}
	c.persist(SlotProfile, p, "")
	return p, nil
}

// Peers returns every other user, ordered by username.
func (c *Cache) Peers(ctx context.Context, force bool) ([]models.Profile, error) {
	me, err := c.Profile(ctx, false)
	if err != nil {
		return nil, err
	}
	if !force {
		if ps, ok := c.peers.fresh(c.clock.Now(), me.ID); ok {
			c.record(SlotPeers, "hit")
			return clonePeers(ps), nil
		}
	}
	c.record(SlotPeers, "miss")
	gen := c.generation.Load()
	ps, err := c.fetch.Peers(ctx, me)
	if err != nil {
		return nil, c.fail(SlotPeers, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation.Load() == gen {
		c.peers.install(ps, c.clock.Now(), me.ID)
		c.persist(SlotPeers, ps, me.ID)
	}
	return clonePeers(ps), nil
}

// Channels returns the channel list.
func (c *Cache) Channels(ctx context.Context, force bool) ([]models.Channel, error) {
	if !force {
		if cs, ok := c.channels.fresh(c.clock.Now(), ""); ok {
			c.record(SlotChannels, "hit")
			return cloneChannels(cs), nil
		}
	}
	c.record(SlotChannels, "miss")
	gen := c.generation.Load()
	cs, err := c.fetch.Channels(ctx)
	if err != nil {
		return nil, c.fail(SlotChannels, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation.Load() == gen {
		c.channels.install(cs, c.clock.Now(), "")
		c.persist(SlotChannels, cs, "")
	}
	return cloneChannels(cs), nil
}

// Get is the slot-keyed form of the typed accessors.
func (c *Cache) Get(ctx context.Context, s Slot, force bool) (any, error) {
	switch s {
	case SlotProfile:
		return c.Profile(ctx, force)
	case SlotPeers:
		return c.Peers(ctx, force)
	case SlotChannels:
		return c.Channels(ctx, force)
	}
	return nil, apperr.Validationf("cache get", "unknown slot %q", s)
}

// Invalidate marks s stale. The old value stays readable until the next
// successful fetch replaces it.
func (c *Cache) Invalidate(s Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(s)
}

func (c *Cache) invalidateLocked(s Slot) {
	switch s {
	case SlotProfile:
		c.profile.invalidate()
	case SlotPeers:
		c.peers.invalidate()
	case SlotChannels:
		c.channels.invalidate()
	}
	logger.Debug("cache_invalidated", "slot", s)
}

func (c *Cache) invalidateDependentsLocked(s Slot) {
	for _, d := range dependents[s] {
		c.invalidateLocked(d)
	}
}

// Reset empties every slot and forgets persisted snapshots. It runs on
// sign-out and on authentication failures.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation.Add(1)
	c.profile.reset()
	c.peers.reset()
	c.channels.reset()
	if c.store != nil {
		if err := c.store.ClearSlots(); err != nil {
			logger.Warn("cache_snapshot_clear_failed", "error", err)
		}
	}
	logger.Info("cache_reset")
}

// Watch follows identity changes reported by svc: sign-out resets the
// cache, a different user invalidates the profile and its dependents.
func (c *Cache) Watch(svc remote.Service) (cancel func()) {
	return svc.OnIdentityChange(func(id *remote.Identity) {
		if id == nil {
			c.Reset()
			return
		}
		cur, ok := c.profile.load()
		if ok && cur.ID == id.ID {
			return
		}
		c.mu.Lock()
		c.invalidateLocked(SlotProfile)
		c.invalidateDependentsLocked(SlotProfile)
		c.mu.Unlock()
	})
}

// CachedProfile returns the last profile without fetching.
func (c *Cache) CachedProfile() (models.Profile, bool) {
	return c.profile.load()
}

// CachedPeer looks a user up in the last peer list (or the profile)
// without fetching.
func (c *Cache) CachedPeer(id string) (models.Profile, bool) {
	if me, ok := c.profile.load(); ok && me.ID == id {
		return me, true
	}
	ps, _ := c.peers.load()
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return models.Profile{}, false
}

// FetchedAt reports when s was last fetched; zero when stale or empty.
func (c *Cache) FetchedAt(s Slot) time.Time {
	switch s {
	case SlotProfile:
		return c.profile.fetchedAt()
	case SlotPeers:
		return c.peers.fetchedAt()
	case SlotChannels:
		return c.channels.fetchedAt()
	}
	return time.Time{}
}

func (c *Cache) persist(s Slot, v any, owner string) {
	if c.store == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		logger.Warn("cache_snapshot_encode_failed", "slot", s, "error", err)
		return
	}
	_ = c.store.SaveSlot(string(s), store.SlotSnapshot{Data: b, FetchedAt: c.clock.Now(), Owner: owner})
}

func (c *Cache) warmStart() {
	if c.store == nil {
		return
	}
	if err := loadSnapshot(c.store, c.profile); err != nil {
		logger.Debug("cache_warm_start_skipped", "slot", SlotProfile, "error", err)
	}
	if err := loadSnapshot(c.store, c.peers); err != nil {
		logger.Debug("cache_warm_start_skipped", "slot", SlotPeers, "error", err)
	}
	if err := loadSnapshot(c.store, c.channels); err != nil {
		logger.Debug("cache_warm_start_skipped", "slot", SlotChannels, "error", err)
	}
}

func loadSnapshot[T any](st *store.Store, s *slot[T]) error {
	snap, err := st.LoadSlot(string(s.name))
	if err != nil {
		return err
	}
	var v T
	if err := json.Unmarshal(snap.Data, &v); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	s.install(v, snap.FetchedAt, snap.Owner)
	return nil
}

func clonePeers(ps []models.Profile) []models.Profile {
	return append([]models.Profile(nil), ps...)
}

func cloneChannels(cs []models.Channel) []models.Channel {
	return append([]models.Channel(nil), cs...)
}
