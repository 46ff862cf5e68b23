package conversation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"chillspace/pkg/apperr"
	"chillspace/pkg/models"
	"chillspace/pkg/mutation"
	"chillspace/pkg/remote"
)

// entry is what message mutations operate on. Removed drops the message
// from the list when published.
type entry struct {
	Msg     models.Message
	Removed bool
}

// store publishes mutation state into the list of generation gen. Writes
// for an older generation are ignored.
func (s *Session) store(gen uint64) mutation.Store[entry] {
	return mutation.Funcs[entry]{
		LoadFn: func(id string) (entry, bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.gen != gen {
				return entry{}, false
			}
			i := indexOf(s.messages, id)
			if i < 0 {
				if m, ok := s.hidden[id]; ok {
					return entry{Msg: m.Clone(), Removed: true}, true
				}
				return entry{}, false
			}
			return entry{Msg: s.messages[i].Clone()}, true
		},
		SwapFn: func(id string, e entry) {
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return
			}
			i := indexOf(s.messages, id)
			switch {
			case e.Removed && i >= 0:
				s.hidden[id] = s.messages[i]
				s.messages = removeAt(s.messages, i)
			case e.Removed:
			case i >= 0:
				delete(s.hidden, id)
				s.messages = replaceAt(s.messages, i, e.Msg)
			default:
				delete(s.hidden, id)
				s.messages = insertOrdered(s.messages, e.Msg)
			}
			s.changedLocked()
			s.mu.Unlock()
			s.notify()
		},
	}
}

// target resolves the identity and the generation a mutation runs in.
func (s *Session) target(ctx context.Context, op, id string) (models.Profile, uint64, error) {
	me, err := s.me(ctx)
	if err != nil {
		return models.Profile{}, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSynced {
		return models.Profile{}, 0, apperr.Validation(op, "no conversation is loaded")
	}
	if s.ref.Kind == models.ConversationAnnouncements {
		return models.Profile{}, 0, apperr.Validation(op, "announcements are read only")
	}
	i := indexOf(s.messages, id)
	if i < 0 {
		return models.Profile{}, 0, apperr.NotFound(op, id)
	}
	if s.messages[i].Optimistic() {
		return models.Profile{}, 0, apperr.Validation(op, "message is not delivered yet")
	}
	return me, s.gen, nil
}

func (s *Session) finish(res mutation.Result[entry]) (models.Message, error) {
	if errors.Is(res.Err, apperr.ErrAuthentication) && s.cache != nil {
		s.cache.Reset()
	}
	return res.Value.Msg, res.Err
}

// ToggleReaction adds the user's emoji reaction to a message or removes it
// if already present.
func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) (models.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if !models.IsEmoji(emoji) {
		return models.Message{}, apperr.Validation("react", "reaction must be an emoji")
	}
	me, gen, err := s.target(ctx, "react", messageID)
	if err != nil {
		return models.Message{}, err
	}
	var had bool
	res := mutation.Run(ctx, s.runner, s.store(gen), mutation.Mutation[entry]{
		Kind: "reaction",
		Key:  messageID,
		Apply: func(cur entry) (entry, error) {
			had = models.HasReacted(cur.Msg.Reactions, me.ID, emoji)
			cur.Msg.Reactions = models.ToggleReaction(cur.Msg.Reactions, me.ID, emoji)
			return cur, nil
		},
		Commit: func(ctx context.Context, _ entry) (*entry, error) {
			if !had {
				_, err := s.svc.Insert(ctx, remote.CollectionMessageReactions, remote.Record{
					"message_id": messageID,
					"user_id":    me.ID,
					"emoji":      emoji,
				})
				return nil, err
			}
			recs, err := s.svc.Query(ctx, remote.CollectionMessageReactions, remote.And(
				remote.Eq("message_id", messageID),
				remote.Eq("user_id", me.ID),
				remote.Eq("emoji", emoji),
			))
			if err != nil {
				return nil, err
			}
			for _, r := range recs {
				if err := s.svc.Delete(ctx, remote.CollectionMessageReactions, r.ID()); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
		Resolve: func(ctx context.Context) (entry, error) {
			rows, err := loadReactions(ctx, s.svc, []string{messageID})
			if err != nil {
				return entry{}, err
			}
			cur, ok := s.store(gen).Load(messageID)
			if !ok {
				return entry{}, apperr.NotFound("react", messageID)
			}
			cur.Msg.Reactions = models.GroupReactions(rows)
			return cur, nil
		},
		Revert: func(cur entry) entry {
			cur.Msg.Reactions = setReaction(cur.Msg.Reactions, me.ID, emoji, had)
			return cur
		},
	})
	return s.finish(res)
}

// Edit replaces the content of one of the user's own messages.
func (s *Session) Edit(ctx context.Context, messageID, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, apperr.Validation("edit", "message is empty")
	}
	me, gen, err := s.target(ctx, "edit", messageID)
	if err != nil {
		return models.Message{}, err
	}
	now := s.opts.Clock.Now()
	var (
		prevContent  string
		prevEditedAt *time.Time
	)
	res := mutation.Run(ctx, s.runner, s.store(gen), mutation.Mutation[entry]{
		Kind: "edit",
		Key:  messageID,
		Apply: func(cur entry) (entry, error) {
			if cur.Msg.AuthorID != me.ID {
				return cur, apperr.Validation("edit", "only the author can edit a message")
			}
			prevContent, prevEditedAt = cur.Msg.Content, cur.Msg.EditedAt
			cur.Msg.Content = content
			cur.Msg.EditedAt = &now
			return cur, nil
		},
		// a newer edit that arrived meanwhile is kept
		Revert: func(cur entry) entry {
			if cur.Msg.Content == content && cur.Msg.EditedAt != nil && cur.Msg.EditedAt.Equal(now) {
				cur.Msg.Content, cur.Msg.EditedAt = prevContent, prevEditedAt
			}
			return cur
		},
		Commit: func(ctx context.Context, optimistic entry) (*entry, error) {
			rec, err := s.svc.Update(ctx, remote.CollectionMessages, messageID, remote.Record{
				"content":   content,
				"edited_at": remote.Timestamp(now),
			})
			if err != nil {
				return nil, err
			}
			return confirmed(rec, optimistic)
		},
	})
	return s.finish(res)
}

// Pin marks a message as pinned by the user.
func (s *Session) Pin(ctx context.Context, messageID string) (models.Message, error) {
	return s.setPinned(ctx, messageID, true)
}

func (s *Session) Unpin(ctx context.Context, messageID string) (models.Message, error) {
	return s.setPinned(ctx, messageID, false)
}

func (s *Session) setPinned(ctx context.Context, messageID string, pinned bool) (models.Message, error) {
	op := "unpin"
	if pinned {
		op = "pin"
	}
	me, gen, err := s.target(ctx, op, messageID)
	if err != nil {
		return models.Message{}, err
	}
	now := s.opts.Clock.Now()
	patch := remote.Record{"pinned": false, "pinned_at": nil, "pinned_by": nil, "pinned_by_username": nil}
	if pinned {
		patch = remote.Record{
			"pinned":             true,
			"pinned_at":          remote.Timestamp(now),
			"pinned_by":          me.ID,
			"pinned_by_username": me.DisplayName(),
		}
	}
	var before models.Message
	res := mutation.Run(ctx, s.runner, s.store(gen), mutation.Mutation[entry]{
		Kind: op,
		Key:  messageID,
		Apply: func(cur entry) (entry, error) {
			before = cur.Msg
			cur.Msg.Pinned = pinned
			if pinned {
				cur.Msg.PinnedAt = &now
				cur.Msg.PinnedBy = me.ID
				cur.Msg.PinnedByUsername = me.DisplayName()
			} else {
				cur.Msg.PinnedAt = nil
				cur.Msg.PinnedBy = ""
				cur.Msg.PinnedByUsername = ""
			}
			return cur, nil
		},
		Commit: func(ctx context.Context, optimistic entry) (*entry, error) {
			rec, err := s.svc.Update(ctx, remote.CollectionMessages, messageID, patch)
			if err != nil {
				return nil, err
			}
			return confirmed(rec, optimistic)
		},
		Revert: func(cur entry) entry {
			if cur.Msg.Pinned == pinned && sameTime(cur.Msg.PinnedAt, optimisticPinnedAt(pinned, now)) {
				cur.Msg.Pinned = before.Pinned
				cur.Msg.PinnedAt = before.PinnedAt
				cur.Msg.PinnedBy = before.PinnedBy
				cur.Msg.PinnedByUsername = before.PinnedByUsername
			}
			return cur
		},
	})
	return s.finish(res)
}

// Delete removes a message. Admins delete anything, moderators delete
// messages of plain users, everyone deletes their own.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	me, gen, err := s.target(ctx, "delete", messageID)
	if err != nil {
		return err
	}
	if me.Role == models.RoleModerator && s.cache != nil {
		// the author's role decides; make sure peers are known
		if _, err := s.cache.Peers(ctx, false); err != nil {
			return err
		}
	}
	res := mutation.Run(ctx, s.runner, s.store(gen), mutation.Mutation[entry]{
		Kind: "delete",
		Key:  messageID,
		Apply: func(cur entry) (entry, error) {
			role := cur.Msg.AuthorRole
			if role == "" {
				role = s.roleOf(cur.Msg.AuthorID)
			}
			if !models.CanDelete(me, cur.Msg.AuthorID, role) {
				return cur, apperr.Validation("delete", "not allowed to delete this message")
			}
			cur.Removed = true
			return cur, nil
		},
		Commit: func(ctx context.Context, _ entry) (*entry, error) {
			return nil, s.svc.Delete(ctx, remote.CollectionMessages, messageID)
		},
		Revert: func(cur entry) entry {
			cur.Removed = false
			return cur
		},
	})
	if res.Status == mutation.StatusCommitted {
		s.mu.Lock()
		if s.gen == gen {
			delete(s.hidden, messageID)
		}
		s.mu.Unlock()
	}
	_, err = s.finish(res)
	return err
}

func optimisticPinnedAt(pinned bool, now time.Time) *time.Time {
	if pinned {
		return &now
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// confirmed decodes the row returned by an update, keeping the local-only
// fields of optimistic.
func confirmed(rec remote.Record, optimistic entry) (*entry, error) {
	m, err := remote.Decode[models.Message](rec)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, "decode message", err)
	}
	m.Reactions = optimistic.Msg.Reactions
	m.AuthorRole = optimistic.Msg.AuthorRole
	return &entry{Msg: m}, nil
}

func sortPinned(ms []models.Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i].PinnedAt, ms[j].PinnedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
}
