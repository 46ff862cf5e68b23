// Package memremote is an in-process implementation of remote.Service. It
// backs the memory backend mode and every component test: rows, realtime
// feeds, blobs and identity all live in one goroutine-safe value.
package memremote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chillspace/pkg/apperr"
	"chillspace/pkg/remote"
	"chillspace/pkg/timeutil"
)

type row struct {
	seq  uint64
	data remote.Record
}

type subscriber struct {
	collection string
	filter     remote.Filter
	feed       *remote.Feed
}

type identityWatcher struct {
	id int
	fn func(*remote.Identity)
}

// Service is safe for concurrent use.
type Service struct {
	clock timeutil.Clock

	mu       sync.Mutex
	seq      uint64
	tables   map[string]map[string]*row
	unique   map[string][][]string
	blobs    map[string][]byte
	subs     map[int]*subscriber
	nextSub  int
	identity *remote.Identity
	watchers []identityWatcher
	nextW    int
	calls    map[string]int
	failures map[string][]error
	gates    map[string]chan struct{}
}

type Option func(*Service)

// WithClock sets the clock used for server-assigned timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// New returns an empty backend with the unique constraints of the hosted
// schema.
func New(opts ...Option) *Service {
	s := &Service{
		clock:    timeutil.Real,
		tables:   map[string]map[string]*row{},
		blobs:    map[string][]byte{},
		subs:     map[int]*subscriber{},
		calls:    map[string]int{},
		failures: map[string][]error{},
		gates:    map[string]chan struct{}{},
		unique: map[string][][]string{
			remote.CollectionMessages:         {{"client_id"}},
			remote.CollectionMessageReactions: {{"message_id", "user_id", "emoji"}},
			remote.CollectionFileReactions:    {{"file_id", "user_id", "emoji"}},
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func opKey(op, target string) string { return op + ":" + target }

// FailNext makes the next call of op ("insert", "query", ...) on target
// (a collection or bucket, or "*" for any) return err.
func (s *Service) FailNext(op, target string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := opKey(op, target)
	s.failures[k] = append(s.failures[k], err)
}

// Gate holds every call of op on target until the returned release func
// runs. Calls still honour ctx while held.
func (s *Service) Gate(op, target string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[opKey(op, target)] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gates[opKey(op, target)] == ch {
				delete(s.gates, opKey(op, target))
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Calls counts completed-or-failed calls of op on target.
func (s *Service) Calls(op, target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[opKey(op, target)]
}

// SubscriberCount reports open feeds on collection.
func (s *Service) SubscriberCount(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.collection == collection {
			n++
		}
	}
	return n
}

// enter counts the call, waits on any gate and pops an injected failure.
func (s *Service) enter(ctx context.Context, op, target string) error {
	s.mu.Lock()
	s.calls[opKey(op, target)]++
	gate := s.gates[opKey(op, target)]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return apperr.Classify(op+" "+target, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return apperr.Classify(op+" "+target, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range []string{opKey(op, target), opKey(op, "*")} {
		if q := s.failures[k]; len(q) > 0 {
			err := q[0]
			s.failures[k] = q[1:]
			return err
		}
	}
	return nil
}

func (s *Service) requireIdentity(op string) error {
	if s.identity == nil {
		return apperr.Authentication(op, "not signed in")
	}
	return nil
}

func (s *Service) table(collection string) map[string]*row {
	t, ok := s.tables[collection]
	if !ok {
		t = map[string]*row{}
		s.tables[collection] = t
	}
	return t
}

func (s *Service) Query(ctx context.Context, collection string, filter remote.Filter, order ...remote.Order) ([]remote.Record, error) {
	if err := s.enter(ctx, "query", collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*row
	for _, r := range s.tables[collection] {
		if filter.Match(r.data) {
			rows = append(rows, r)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := remote.CompareValues(rows[i].data[o.Column], rows[j].data[o.Column])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return rows[i].seq < rows[j].seq
	})
	out := make([]remote.Record, len(rows))
	for i, r := range rows {
		out[i] = r.data.Clone()
	}
	return out, nil
}

func (s *Service) violatesUnique(collection string, rec remote.Record, skipKey string) bool {
	for _, cols := range s.unique[collection] {
		for k, r := range s.tables[collection] {
			if k == skipKey {
				continue
			}
			same := true
			for _, c := range cols {
				if rec[c] == nil || r.data[c] == nil || rec.String(c) != r.data.String(c) {
					same = false
					break
				}
			}
			if same {
				return true
			}
		}
	}
	return false
}

func (s *Service) Insert(ctx context.Context, collection string, rec remote.Record) (remote.Record, error) {
	if err := s.enter(ctx, "insert", collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	keyCol := remote.KeyColumn(collection)
	data := rec.Clone()
	if data == nil {
		data = remote.Record{}
	}
	if data.String(keyCol) == "" {
		data[keyCol] = uuid.NewString()
	}
	if _, ok := data["created_at"]; !ok {
		data["created_at"] = remote.Timestamp(s.clock.Now())
	}
	key := data.String(keyCol)
	t := s.table(collection)
	if _, exists := t[key]; exists || s.violatesUnique(collection, data, "") {
		s.mu.Unlock()
		return nil, apperr.Conflict("insert "+collection, fmt.Errorf("duplicate key value violates unique constraint"))
	}
	s.seq++
	t[key] = &row{seq: s.seq, data: data}
	out := data.Clone()
	s.publishLocked(remote.Event{Type: remote.EventInsert, Collection: collection, New: data.Clone()})
	s.mu.Unlock()
	return out, nil
}

func (s *Service) Update(ctx context.Context, collection, id string, patch remote.Record) (remote.Record, error) {
	if err := s.enter(ctx, "update", collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	t := s.table(collection)
	r, ok := t[id]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFound("update "+collection, id)
	}
	old := r.data.Clone()
	next := r.data.Merge(patch)
	next[remote.KeyColumn(collection)] = id
	if s.violatesUnique(collection, next, id) {
		s.mu.Unlock()
		return nil, apperr.Conflict("update "+collection, fmt.Errorf("duplicate key value violates unique constraint"))
	}
	r.data = next
	out := next.Clone()
	s.publishLocked(remote.Event{Type: remote.EventUpdate, Collection: collection, New: next.Clone(), Old: old})
	s.mu.Unlock()
	return out, nil
}

// Delete of a missing row succeeds, like the hosted REST API.
func (s *Service) Delete(ctx context.Context, collection, id string) error {
	if err := s.enter(ctx, "delete", collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(collection)
	r, ok := t[id]
	if !ok {
		return nil
	}
	delete(t, id)
	s.publishLocked(remote.Event{Type: remote.EventDelete, Collection: collection, Old: r.data.Clone()})
	return nil
}

func (s *Service) publishLocked(ev remote.Event) {
	match := ev.Row()
	for _, sub := range s.subs {
		if sub.collection != ev.Collection || !sub.filter.Match(match) {
			continue
		}
		sub.feed.Publish(remote.Event{Type: ev.Type, Collection: ev.Collection, New: ev.New.Clone(), Old: ev.Old.Clone()})
	}
}

func (s *Service) Subscribe(ctx context.Context, collection string, filter remote.Filter) (remote.Subscription, error) {
	if err := s.enter(ctx, "subscribe", collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	feed := remote.NewFeed(func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})
	s.subs[id] = &subscriber{collection: collection, filter: filter, feed: feed}
	return feed, nil
}

func blobKey(bucket, path string) string { return bucket + "/" + strings.TrimPrefix(path, "/") }

func (s *Service) UploadBlob(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	if err := s.enter(ctx, "upload_blob", bucket); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireIdentity("upload " + bucket); err != nil {
		return "", err
	}
	k := blobKey(bucket, path)
	if _, ok := s.blobs[k]; ok {
		return "", apperr.Conflict("upload "+k, fmt.Errorf("object already exists"))
	}
	s.blobs[k] = append([]byte(nil), data...)
	return k, nil
}

func (s *Service) RemoveBlob(ctx context.Context, bucket, path string) error {
	if err := s.enter(ctx, "remove_blob", bucket); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, blobKey(bucket, path))
	return nil
}

func (s *Service) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if err := s.enter(ctx, "signed_url", bucket); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := blobKey(bucket, path)
	if _, ok := s.blobs[k]; !ok {
		return "", apperr.NotFound("sign "+k, "object not found")
	}
	return fmt.Sprintf("mem://%s?expires=%d", k, s.clock.Now().Add(ttl).Unix()), nil
}

// Blob returns the stored bytes, for tests.
func (s *Service) Blob(bucket, path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[blobKey(bucket, path)]
	return b, ok
}

func (s *Service) CurrentIdentity(ctx context.Context) (*remote.Identity, error) {
	if err := s.enter(ctx, "current_identity", "auth"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireIdentity("current identity"); err != nil {
		return nil, err
	}
	id := *s.identity
	return &id, nil
}

// SignIn switches the current identity and notifies watchers.
func (s *Service) SignIn(id, email string) {
	s.setIdentity(&remote.Identity{ID: id, Email: email})
}

// SignOut clears the identity and notifies watchers.
func (s *Service) SignOut() {
	s.setIdentity(nil)
}

func (s *Service) setIdentity(ident *remote.Identity) {
	s.mu.Lock()
	s.identity = ident
	watchers := append([]identityWatcher(nil), s.watchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		var cp *remote.Identity
		if ident != nil {
			c := *ident
			cp = &c
		}
		w.fn(cp)
	}
}

func (s *Service) OnIdentityChange(fn func(*remote.Identity)) func() {
	s.mu.Lock()
	id := s.nextW
	s.nextW++
	s.watchers = append(s.watchers, identityWatcher{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w.id == id {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				return
			}
		}
	}
}

// Put stores rows directly, bypassing failure injection and realtime
// events. Tests and the demo seed use it.
func (s *Service) Put(collection string, recs ...remote.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keyCol := remote.KeyColumn(collection)
	t := s.table(collection)
	for _, rec := range recs {
		data := rec.Clone()
		if data.String(keyCol) == "" {
			data[keyCol] = uuid.NewString()
		}
		s.seq++
		t[data.String(keyCol)] = &row{seq: s.seq, data: data}
	}
}

var _ remote.Service = (*Service)(nil)
