package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"chillspace/pkg/apperr"
	"chillspace/pkg/models"
	"chillspace/pkg/remote"
	"chillspace/pkg/state/logger"
	"chillspace/pkg/store"
	"chillspace/pkg/telemetry"
)

// Send posts content to the open conversation.
func (s *Session) Send(ctx context.Context, content string) (models.Message, error) {
	return s.send(ctx, content, "")
}

// Reply posts content as a reply to the message replyToID.
func (s *Session) Reply(ctx context.Context, replyToID, content string) (models.Message, error) {
	if replyToID == "" {
		return models.Message{}, apperr.Validation("reply", "no message to reply to")
	}
	return s.send(ctx, content, replyToID)
}

// send appends an optimistic pending entry, writes it and reconciles the
// entry with the stored row. A failed write leaves the entry in the list
// marked failed.
func (s *Session) send(ctx context.Context, content, replyToID string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, apperr.Validation("send", "message is empty")
	}
	me, err := s.me(ctx)
	if err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	if s.state != StateSynced {
		s.mu.Unlock()
		return models.Message{}, apperr.Validation("send", "no conversation is loaded")
	}
	ref, gen := s.ref, s.gen
	if ref.Kind == models.ConversationAnnouncements && models.RoleRank(me.Role) < models.RoleRank(models.RoleAdmin) {
		s.mu.Unlock()
		return models.Message{}, apperr.Validation("send", "only admins can post announcements")
	}
	clientID := uuid.NewString()
	m := models.Message{
		ID:         models.TempIDPrefix + clientID,
		ClientID:   clientID,
		AuthorID:   me.ID,
		Username:   me.DisplayName(),
		AuthorRole: me.Role,
		Content:    content,
		SentAt:     s.opts.Clock.Now(),
		ReplyToID:  replyToID,
		Delivery:   models.DeliveryPending,
	}
	switch ref.Kind {
	case models.ConversationDirect:
		m.RecipientID = ref.Peer(me.ID)
	default:
		m.ChannelID = ref.ChannelID
	}
	s.messages = insertOrdered(s.messages, m)
	s.changedLocked()
	s.mu.Unlock()
	s.notify()

	collection, row := remote.CollectionMessages, messageRow(m)
	if ref.Kind == models.ConversationAnnouncements {
		collection, row = remote.CollectionAlerts, alertRow(m)
	}
	return s.deliver(ctx, gen, m, collection, row, 0)
}

func (s *Session) deliver(ctx context.Context, gen uint64, m models.Message, collection string, row remote.Record, attempts int) (models.Message, error) {
	rec, err := s.svc.Insert(ctx, collection, row)
	if errors.Is(err, apperr.ErrConflict) && collection == remote.CollectionMessages {
		// client_id is unique: an earlier attempt already landed
		rec, err = s.findByClientID(ctx, m.ClientID)
	}
	if err != nil {
		s.markFailed(gen, m.ClientID, err)
		s.queue(m.ClientID, collection, row, attempts+1, err)
		if errors.Is(err, apperr.ErrAuthentication) && s.cache != nil {
			s.cache.Reset()
		}
		logger.Warn("message_send_failed", "client_id", m.ClientID, "error_kind", apperr.KindOf(err), "error", err)
		return m, err
	}

	committed, _, derr := source{collection: collection}.decode(rec)
	if derr != nil {
		return m, apperr.Wrap(apperr.ErrValidation, "decode "+collection, derr)
	}
	if committed.ClientID == "" {
		committed.ClientID = m.ClientID
	}
	committed.AuthorRole = m.AuthorRole
	s.dequeue(m.ClientID)

	s.mu.Lock()
	if s.gen == gen {
		next := Reduce(s.messages, Change{Type: remote.EventInsert, Message: committed}, s.opts.ReconcileWindow)
		s.messages = next
		s.changedLocked()
	}
	s.mu.Unlock()
	s.notify()
	logger.Debug("message_sent", "id", committed.ID, "client_id", m.ClientID)
	return committed, nil
}

func (s *Session) findByClientID(ctx context.Context, clientID string) (remote.Record, error) {
	recs, err := s.svc.Query(ctx, remote.CollectionMessages, remote.Eq("client_id", clientID))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperr.Conflict("send", errors.New("client id taken by an unknown row"))
	}
	return recs[0], nil
}

func (s *Session) markFailed(gen uint64, clientID string, cause error) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.notify()
	}()
	if s.gen != gen {
		return
	}
	i := indexOfClient(s.messages, clientID)
	if i < 0 {
		return
	}
	m := s.messages[i].Clone()
	m.Delivery = models.DeliveryFailed
	m.DeliveryErr = cause.Error()
	s.messages = replaceAt(s.messages, i, m)
	s.changedLocked()
}

func (s *Session) queue(clientID, collection string, row remote.Record, attempts int, cause error) {
	if s.opts.Outbox == nil {
		return
	}
	if errors.Is(cause, apperr.ErrValidation) {
		return
	}
	e := store.OutboxEntry{
		ClientID:   clientID,
		Collection: collection,
		Row:        row,
		Attempts:   attempts,
		LastError:  cause.Error(),
		QueuedAt:   s.opts.Clock.Now(),
	}
	if prev, err := s.opts.Outbox.GetOutbox(clientID); err == nil {
		e.QueuedAt = prev.QueuedAt
		if prev.Attempts >= attempts {
			e.Attempts = prev.Attempts + 1
		}
	}
	if err := s.opts.Outbox.PutOutbox(e); err != nil {
		logger.Error("outbox_put_failed", "client_id", clientID, "error", err)
		return
	}
	s.refreshOutboxGauge()
}

func (s *Session) dequeue(clientID string) {
	if s.opts.Outbox == nil {
		return
	}
	if err := s.opts.Outbox.RemoveOutbox(clientID); err != nil {
		logger.Warn("outbox_remove_failed", "client_id", clientID, "error", err)
	}
	s.refreshOutboxGauge()
}

func (s *Session) refreshOutboxGauge() {
	entries, err := s.opts.Outbox.ListOutbox()
	if err != nil {
		return
	}
	pending := 0
	for _, e := range entries {
		if !e.Parked {
			pending++
		}
	}
	telemetry.OutboxPending.Set(float64(pending))
}

// Retry resends a failed entry.
func (s *Session) Retry(ctx context.Context, clientID string) (models.Message, error) {
	s.mu.Lock()
	i := indexOfClient(s.messages, clientID)
	if i < 0 {
		s.mu.Unlock()
		return models.Message{}, apperr.NotFound("retry", clientID)
	}
	m := s.messages[i].Clone()
	if m.Delivery != models.DeliveryFailed {
		s.mu.Unlock()
		return models.Message{}, apperr.Validation("retry", "message is not failed")
	}
	m.Delivery = models.DeliveryPending
	m.DeliveryErr = ""
	s.messages = replaceAt(s.messages, i, m)
	s.changedLocked()
	ref, gen := s.ref, s.gen
	s.mu.Unlock()
	s.notify()

	if s.opts.Outbox != nil {
		if err := s.opts.Outbox.Claim(clientID); err != nil {
			s.markFailed(gen, clientID, err)
			return m, apperr.Validation("retry", "delivery already in progress")
		}
		defer s.opts.Outbox.Release(clientID)
	}
	attempts := 0
	if s.opts.Outbox != nil {
		if e, err := s.opts.Outbox.GetOutbox(clientID); err == nil {
			attempts = e.Attempts
		}
	}
	collection, row := remote.CollectionMessages, messageRow(m)
	if ref.Kind == models.ConversationAnnouncements {
		collection, row = remote.CollectionAlerts, alertRow(m)
	}
	return s.deliver(ctx, gen, m, collection, row, attempts)
}

// Discard drops a failed entry and its queued redelivery.
func (s *Session) Discard(clientID string) error {
	s.mu.Lock()
	i := indexOfClient(s.messages, clientID)
	if i < 0 {
		s.mu.Unlock()
		return apperr.NotFound("discard", clientID)
	}
	if s.messages[i].Delivery != models.DeliveryFailed {
		s.mu.Unlock()
		return apperr.Validation("discard", "message is not failed")
	}
	s.messages = removeAt(s.messages, i)
	s.changedLocked()
	s.mu.Unlock()
	s.dequeue(clientID)
	s.notify()
	return nil
}

func (s *Session) me(ctx context.Context) (models.Profile, error) {
	if s.cache == nil {
		return models.Profile{}, apperr.Authentication("identity", "no identity source")
	}
	me, err := s.cache.Profile(ctx, false)
	if err != nil {
		return models.Profile{}, err
	}
	if me.ID == "" {
		return models.Profile{}, apperr.Authentication("identity", "not signed in")
	}
	return me, nil
}
