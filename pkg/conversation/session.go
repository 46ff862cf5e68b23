// Package conversation keeps the message list of the open channel, direct
// conversation or announcements feed in sync with the backend and applies
// the user's own writes optimistically.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"chillspace/pkg/apperr"
	"chillspace/pkg/cache"
	"chillspace/pkg/models"
	"chillspace/pkg/mutation"
	"chillspace/pkg/remote"
	"chillspace/pkg/state/logger"
	"chillspace/pkg/store"
	"chillspace/pkg/timeutil"
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateSynced
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

const (
	DefaultChannelName     = "General"
	DefaultReconcileWindow = 10 * time.Second
)

type Options struct {
	// DefaultChannel names the channel that also shows legacy messages
	// with neither channel nor recipient.
	DefaultChannel  string
	ReconcileWindow time.Duration
	Clock           timeutil.Clock
	// Outbox, when set, keeps failed sends for later redelivery.
	Outbox *store.Store
	// OnChange runs after every state change, outside the session lock.
	OnChange func(Snapshot)
}

// Snapshot is a copy of the session state. Version increases with every
// change so observers can drop snapshots that arrive out of order.
type Snapshot struct {
	Version  uint64
	Ref      models.ConversationRef
	State    State
	Err      error
	Messages []models.Message
}

// Session is safe for concurrent use. At most one conversation is open at
// a time.
type Session struct {
	svc    remote.Service
	cache  *cache.Cache
	opts   Options
	runner *mutation.Runner

	mu       sync.Mutex
	gen      uint64
	version  uint64
	ref      models.ConversationRef
	src      source
	state    State
	err      error
	messages []models.Message
	buffered []remote.Event
	subs     []remote.Subscription
	// reaction row id -> row, so deletes that carry only the id can be
	// applied
	reactionRows map[string]models.ReactionRow
	// messages taken out of the list by a delete still in flight; events
	// keep them current so a failed delete restores the latest state
	hidden map[string]models.Message
	wg     sync.WaitGroup
}

func New(svc remote.Service, c *cache.Cache, opts Options) *Session {
	if opts.DefaultChannel == "" {
		opts.DefaultChannel = DefaultChannelName
	}
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = DefaultReconcileWindow
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Real
	}
	return &Session{
		svc:          svc,
		cache:        c,
		opts:         opts,
		runner:       mutation.NewRunner(),
		reactionRows: map[string]models.ReactionRow{},
		hidden:       map[string]models.Message{},
	}
}

// Open switches to ref. The previous conversation is torn down first and
// its subscriptions are closed before the new ones are opened. Open
// returns once the history is loaded or loading failed.
func (s *Session) Open(ctx context.Context, ref models.ConversationRef) error {
	if ref.IsZero() {
		return apperr.Validation("open conversation", "no conversation given")
	}
	s.mu.Lock()
	old := s.teardownLocked()
	gen := s.gen
	s.ref = ref
	s.src = sourceFor(ref, s.opts.DefaultChannel)
	s.state = StateLoading
	s.changedLocked()
	src := s.src
	s.mu.Unlock()
	closeAll(old)
	s.notify()

	logger.Info("conversation_open", "conversation", ref.Key(), "generation", gen)

	if err := s.subscribe(ctx, gen, src); err != nil {
		return s.failLoad(gen, err)
	}

	history, rows, err := s.loadHistory(ctx, ref, src)
	if err != nil {
		return s.failLoad(gen, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	for _, r := range rows {
		if r.ID != "" {
			s.reactionRows[r.ID] = r
		}
	}
	list := history
	for _, ev := range s.buffered {
		list = s.applyEventLocked(list, ev)
	}
	s.buffered = nil
	s.messages = list
	s.state = StateSynced
	s.changedLocked()
	n := len(list)
	s.mu.Unlock()
	s.notify()

	logger.Info("conversation_synced", "conversation", ref.Key(), "messages", n)
	return nil
}

func (s *Session) subscribe(ctx context.Context, gen uint64, src source) error {
	sub, err := s.svc.Subscribe(ctx, src.collection, src.live)
	if err != nil {
		return err
	}
	subs := []remote.Subscription{sub}
	if src.collection == remote.CollectionMessages {
		rsub, err := s.svc.Subscribe(ctx, remote.CollectionMessageReactions, remote.Filter{})
		if err != nil {
			_ = sub.Close()
			return err
		}
		subs = append(subs, rsub)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		closeAll(subs)
		return nil
	}
	s.subs = subs
	for _, sub := range subs {
		s.wg.Add(1)
		go s.pump(gen, sub)
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) loadHistory(ctx context.Context, ref models.ConversationRef, src source) ([]models.Message, []models.ReactionRow, error) {
	recs, err := s.svc.Query(ctx, src.collection, src.filter, src.order)
	if err != nil {
		return nil, nil, err
	}

	list := make([]models.Message, 0, len(recs))
	var ids []string
	for _, r := range recs {
		m, ok, err := src.decode(r)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.ErrValidation, "decode "+src.collection, err)
		}
		if !ok || !ref.Contains(m, s.opts.DefaultChannel) {
			continue
		}
		m.AuthorRole = s.roleOf(m.AuthorID)
		list = append(list, m)
		ids = append(ids, m.ID)
	}

	var rows []models.ReactionRow
	if src.collection == remote.CollectionMessages {
		rows, err = loadReactions(ctx, s.svc, ids)
		if err != nil {
			return nil, nil, err
		}
		grouped := groupByMessage(rows)
		for i := range list {
			list[i].Reactions = grouped[list[i].ID]
		}
	}
	sortMessages(list)
	return list, rows, nil
}

func (s *Session) failLoad(gen uint64, err error) error {
	if errors.Is(err, apperr.ErrAuthentication) && s.cache != nil {
		s.cache.Reset()
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return err
	}
	subs := s.teardownLocked()
	s.state = StateError
	s.err = err
	s.changedLocked()
	ref := s.ref
	s.mu.Unlock()
	closeAll(subs)
	s.notify()
	logger.Error("conversation_load_failed", "conversation", ref.Key(), "error_kind", apperr.KindOf(err), "error", err)
	return err
}

// pump feeds one subscription's events to the reducer until the
// subscription closes.
func (s *Session) pump(gen uint64, sub remote.Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			continue
		}
		if s.state == StateLoading {
			s.buffered = append(s.buffered, ev)
			s.mu.Unlock()
			continue
		}
		next := s.applyVisibleLocked(ev)
		changed := !sameList(next, s.messages)
		if changed {
			s.messages = next
			s.changedLocked()
		}
		s.mu.Unlock()
		if changed {
			s.notify()
		}
	}
	if err := sub.Err(); err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state = StateError
			s.err = apperr.Classify("subscription", err)
			s.changedLocked()
		}
		s.mu.Unlock()
		s.notify()
		logger.Warn("conversation_subscription_failed", "error", err)
	}
}

func (s *Session) applyEventLocked(list []models.Message, ev remote.Event) []models.Message {
	if ev.Collection == remote.CollectionMessageReactions {
		return s.applyReactionLocked(list, ev)
	}
	row := ev.Row()
	if ev.Type == remote.EventDelete {
		return Reduce(list, Change{Type: remote.EventDelete, Message: models.Message{ID: row.ID()}}, s.opts.ReconcileWindow)
	}
	m, ok, err := s.src.decode(row)
	if err != nil {
		logger.Warn("conversation_event_decode_failed", "collection", ev.Collection, "error", err)
		return list
	}
	if !ok || !s.ref.Contains(m, s.opts.DefaultChannel) {
		// an update can move a row out of view
		return Reduce(list, Change{Type: remote.EventDelete, Message: models.Message{ID: m.ID}}, s.opts.ReconcileWindow)
	}
	m.AuthorRole = s.roleOf(m.AuthorID)
	return Reduce(list, Change{Type: ev.Type, Message: m}, s.opts.ReconcileWindow)
}

// applyVisibleLocked applies ev to the list and to hidden messages, and
// returns the new list. A hidden message the event removes is forgotten.
func (s *Session) applyVisibleLocked(ev remote.Event) []models.Message {
	if len(s.hidden) == 0 {
		return s.applyEventLocked(s.messages, ev)
	}
	list := s.messages
	for _, m := range s.hidden {
		list = insertOrdered(list, m)
	}
	list = s.applyEventLocked(list, ev)

	out := make([]models.Message, 0, len(s.messages))
	seen := make(map[string]bool, len(s.hidden))
	for _, m := range list {
		if _, ok := s.hidden[m.ID]; ok {
			s.hidden[m.ID] = m
			seen[m.ID] = true
			continue
		}
		out = append(out, m)
	}
	for id := range s.hidden {
		if !seen[id] {
			delete(s.hidden, id)
		}
	}
	return out
}

func (s *Session) applyReactionLocked(list []models.Message, ev remote.Event) []models.Message {
	var row models.ReactionRow
	switch ev.Type {
	case remote.EventDelete:
		id := ev.Old.ID()
		known, ok := s.reactionRows[id]
		if !ok {
			r, err := remote.Decode[models.ReactionRow](ev.Old)
			if err != nil || r.MessageID == "" {
				return list
			}
			known = r
		}
		delete(s.reactionRows, id)
		row = known
	default:
		r, err := remote.Decode[models.ReactionRow](ev.New)
		if err != nil {
			return list
		}
		row = r
		if r.ID != "" {
			s.reactionRows[r.ID] = r
		}
	}
	i := indexOf(list, row.MessageID)
	if i < 0 {
		return list
	}
	m := list[i].Clone()
	m.Reactions = setReaction(m.Reactions, row.UserID, row.Emoji, ev.Type != remote.EventDelete)
	return replaceAt(list, i, m)
}

// setReaction makes userID's presence in the emoji group match present.
func setReaction(rs []models.Reaction, userID, emoji string, present bool) []models.Reaction {
	if models.HasReacted(rs, userID, emoji) == present {
		return models.NormalizeReactions(rs)
	}
	return models.ToggleReaction(rs, userID, emoji)
}

func (s *Session) roleOf(userID string) string {
	if s.cache == nil {
		return ""
	}
	if me, ok := s.cache.CachedProfile(); ok && me.ID == userID {
		return me.Role
	}
	if p, ok := s.cache.CachedPeer(userID); ok {
		return p.Role
	}
	return ""
}

// teardownLocked resets the conversation state and hands back the
// subscriptions for the caller to close outside the lock.
func (s *Session) teardownLocked() []remote.Subscription {
	subs := s.subs
	s.subs = nil
	s.gen++
	s.messages = nil
	s.buffered = nil
	s.err = nil
	s.reactionRows = map[string]models.ReactionRow{}
	s.hidden = map[string]models.Message{}
	return subs
}

func closeAll(subs []remote.Subscription) {
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			logger.Warn("conversation_unsubscribe_failed", "error", err)
		}
	}
}

// Close tears down the open conversation and waits for its event pumps to
// exit.
func (s *Session) Close() {
	s.mu.Lock()
	subs := s.teardownLocked()
	s.ref = models.ConversationRef{}
	s.state = StateIdle
	s.changedLocked()
	s.mu.Unlock()
	closeAll(subs)
	s.wg.Wait()
	s.notify()
}

func (s *Session) changedLocked() { s.version++ }

func (s *Session) snapshotLocked() Snapshot {
	msgs := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		msgs[i] = m.Clone()
	}
	return Snapshot{Version: s.version, Ref: s.ref, State: s.state, Err: s.err, Messages: msgs}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Messages returns a copy of the current list.
func (s *Session) Messages() []models.Message {
	return s.Snapshot().Messages
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pinned returns the pinned messages of the open conversation, most
// recently pinned first.
func (s *Session) Pinned() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.Pinned {
			out = append(out, m.Clone())
		}
	}
	sortPinned(out)
	return out
}

func (s *Session) notify() {
	if s.opts.OnChange == nil {
		return
	}
	s.opts.OnChange(s.Snapshot())
}

func sameList(a, b []models.Message) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}
