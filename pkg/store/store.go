// Package store persists client state that should survive a restart: cache
// slot snapshots for warm starts and the outbox of undelivered sends.
// Presence is never written here.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"chillspace/pkg/state/logger"
)

var ErrClaimed = errors.New("outbox entry already claimed")

type Store struct {
	db   *pebble.DB
	path string

	mu      sync.Mutex
	claimed map[string]struct{}
}

// Open opens or creates the pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}
	return &Store{db: db, path: path, claimed: map[string]struct{}{}}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		logger.Error("store_flush_failed", "error", err)
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) Path() string { return s.path }

func IsNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}

func (s *Store) get(key []byte, v any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not opened")
	}
	b, closer, err := s.db.Get(key)
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) put(key []byte, v any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not opened")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, b, pebble.Sync)
}

// SlotSnapshot is a persisted cache slot.
type SlotSnapshot struct {
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
	Owner     string          `json:"owner,omitempty"`
}

func (s *Store) SaveSlot(name string, snap SlotSnapshot) error {
	if err := s.put(slotKey(name), snap); err != nil {
		logger.Error("slot_save_failed", "slot", name, "error", err)
		return err
	}
	return nil
}

// LoadSlot returns pebble.ErrNotFound (see IsNotFound) when nothing was
// saved.
func (s *Store) LoadSlot(name string) (SlotSnapshot, error) {
	var snap SlotSnapshot
	err := s.get(slotKey(name), &snap)
	return snap, err
}

// ClearSlots drops every slot snapshot.
func (s *Store) ClearSlots() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not opened")
	}
	return s.db.DeleteRange([]byte(slotPrefix), prefixEnd(slotPrefix), pebble.Sync)
}
