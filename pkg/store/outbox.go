package store

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
)

// OutboxEntry is a send that failed and waits for redelivery. Row is the
// insert payload including its client_id.
type OutboxEntry struct {
	ClientID   string         `json:"client_id"`
	Collection string         `json:"collection"`
	Row        map[string]any `json:"row"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error,omitempty"`
	QueuedAt   time.Time      `json:"queued_at"`
	Parked     bool           `json:"parked,omitempty"`
}

func (s *Store) PutOutbox(e OutboxEntry) error {
	return s.put(outboxKey(e.ClientID), e)
}

func (s *Store) GetOutbox(clientID string) (OutboxEntry, error) {
	var e OutboxEntry
	err := s.get(outboxKey(clientID), &e)
	return e, err
}

func (s *Store) RemoveOutbox(clientID string) error {
	return s.db.Delete(outboxKey(clientID), pebble.Sync)
}

// ListOutbox returns every entry ordered by queue time.
func (s *Store) ListOutbox() ([]OutboxEntry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(outboxPrefix),
		UpperBound: prefixEnd(outboxPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []OutboxEntry
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasPrefix(string(iter.Key()), outboxPrefix) {
			continue
		}
		var e OutboxEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

// Claim reserves an entry for one delivery attempt so concurrent flushes
// never send it twice. Release must follow.
func (s *Store) Claim(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[clientID]; ok {
		return ErrClaimed
	}
	s.claimed[clientID] = struct{}{}
	return nil
}

func (s *Store) Release(clientID string) {
	s.mu.Lock()
	delete(s.claimed, clientID)
	s.mu.Unlock()
}
