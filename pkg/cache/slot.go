package cache

import (
	"sync/atomic"
	"time"
)

// Slot names one cached value.
type Slot string

const (
	SlotProfile  Slot = "profile"
	SlotPeers    Slot = "peers"
	SlotChannels Slot = "channels"
)

// Default stale times.
const (
	DefaultProfileStale  = 5 * time.Minute
	DefaultPeersStale    = 2 * time.Minute
	DefaultChannelsStale = 5 * time.Minute
)

// entry is immutable once published; slots swap whole entries.
type entry[T any] struct {
	data      T
	fetchedAt time.Time
	owner     string
}

type slot[T any] struct {
	name  Slot
	stale time.Duration
	cur   atomic.Pointer[entry[T]]
}

func newSlot[T any](name Slot, stale time.Duration) *slot[T] {
	return &slot[T]{name: name, stale: stale}
}

// fresh reports whether the current entry can be served at now. An entry
// owned by a different identity is never fresh.
func (s *slot[T]) fresh(now time.Time, owner string) (T, bool) {
	e := s.cur.Load()
	if e == nil || e.fetchedAt.IsZero() {
		var zero T
		return zero, false
	}
	if e.owner != owner {
		var zero T
		return zero, false
	}
	if now.Sub(e.fetchedAt) >= s.stale {
		var zero T
		return zero, false
	}
	return e.data, true
}

func (s *slot[T]) load() (T, bool) {
	e := s.cur.Load()
	if e == nil {
		var zero T
		return zero, false
	}
	return e.data, true
}

func (s *slot[T]) install(data T, at time.Time, owner string) {
	s.cur.Store(&entry[T]{data: data, fetchedAt: at, owner: owner})
}

// invalidate keeps the value for readers but forces the next get to fetch.
func (s *slot[T]) invalidate() {
	for {
		old := s.cur.Load()
		if old == nil || old.fetchedAt.IsZero() {
			return
		}
		next := &entry[T]{data: old.data, owner: old.owner}
		if s.cur.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *slot[T]) reset() {
	s.cur.Store(nil)
}

func (s *slot[T]) fetchedAt() time.Time {
	if e := s.cur.Load(); e != nil {
		return e.fetchedAt
	}
	return time.Time{}
}
