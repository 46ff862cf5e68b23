package conversation

import (
	"context"

	"chillspace/pkg/models"
	"chillspace/pkg/remote"
)

// source is where a conversation's history and live changes come from.
type source struct {
	collection string
	filter     remote.Filter
	live       remote.Filter
	order      remote.Order
}

func sourceFor(ref models.ConversationRef, defaultChannel string) source {
	switch ref.Kind {
	case models.ConversationAnnouncements:
		// Deactivation is an update that stops matching is_active, so the
		// live feed is unfiltered and inactive alerts are treated as removals.
		return source{
			collection: remote.CollectionAlerts,
			filter:     remote.Eq("is_active", true),
			order:      remote.Asc("created_at"),
		}
	case models.ConversationDirect:
		f := remote.Or(
			remote.And(remote.Eq("user_id", ref.UserA), remote.Eq("recipient_id", ref.UserB)),
			remote.And(remote.Eq("user_id", ref.UserB), remote.Eq("recipient_id", ref.UserA)),
		)
		return source{collection: remote.CollectionMessages, filter: f, live: f, order: remote.Asc("sent_at")}
	default:
		f := remote.Eq("channel_id", ref.ChannelID)
		if defaultChannel != "" && ref.ChannelName == defaultChannel {
			f = remote.Or(f, remote.And(remote.IsNull("channel_id"), remote.IsNull("recipient_id")))
		}
		return source{collection: remote.CollectionMessages, filter: f, live: f, order: remote.Asc("sent_at")}
	}
}

// decode turns a row of the source collection into a message. ok is false
// for rows that should not be displayed, such as inactive alerts.
func (src source) decode(r remote.Record) (models.Message, bool, error) {
	if src.collection == remote.CollectionAlerts {
		a, err := remote.Decode[models.Alert](r)
		if err != nil {
			return models.Message{}, false, err
		}
		return a.AsMessage(), a.IsActive, nil
	}
	m, err := remote.Decode[models.Message](r)
	if err != nil {
		return models.Message{}, false, err
	}
	return m, true, nil
}

// loadReactions fetches the reaction rows of ids.
func loadReactions(ctx context.Context, svc remote.Service, ids []string) ([]models.ReactionRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := svc.Query(ctx, remote.CollectionMessageReactions, remote.InStrings("message_id", ids))
	if err != nil {
		return nil, err
	}
	return remote.DecodeAll[models.ReactionRow](recs)
}

func groupByMessage(rows []models.ReactionRow) map[string][]models.Reaction {
	byMsg := map[string][]models.ReactionRow{}
	for _, r := range rows {
		byMsg[r.MessageID] = append(byMsg[r.MessageID], r)
	}
	out := make(map[string][]models.Reaction, len(byMsg))
	for id, rs := range byMsg {
		out[id] = models.GroupReactions(rs)
	}
	return out
}

// messageRow is the insert payload for a locally authored message.
func messageRow(m models.Message) remote.Record {
	r := remote.Record{
		"client_id": m.ClientID,
		"user_id":   m.AuthorID,
		"username":  m.Username,
		"content":   m.Content,
		"sent_at":   remote.Timestamp(m.SentAt),
	}
	if m.ChannelID != "" {
		r["channel_id"] = m.ChannelID
	}
	if m.RecipientID != "" {
		r["recipient_id"] = m.RecipientID
	}
	if m.ReplyToID != "" {
		r["reply_to_id"] = m.ReplyToID
	}
	return r
}

func alertRow(m models.Message) remote.Record {
	return remote.Record{
		"message":    m.Content,
		"type":       "info",
		"is_active":  true,
		"created_by": m.AuthorID,
		"created_at": remote.Timestamp(m.SentAt),
	}
}
