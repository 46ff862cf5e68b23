package models

import (
	"strings"
	"time"
)

// Delivery tracks a locally authored message through its remote write.
// Messages loaded from the backend are committed.
type Delivery int

const (
	DeliveryCommitted Delivery = iota
	DeliveryPending
	DeliveryFailed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliveryFailed:
		return "failed"
	default:
		return "committed"
	}
}

// TempIDPrefix marks ids assigned locally before the backend acknowledges a
// send.
const TempIDPrefix = "temp-"

type Message struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id,omitempty"`
	ChannelID   string     `json:"channel_id,omitempty"`
	RecipientID string     `json:"recipient_id,omitempty"`
	AuthorID    string     `json:"user_id"`
	Username    string     `json:"username,omitempty"`
	AuthorRole  string     `json:"-"`
	Content     string     `json:"content"`
	SentAt      time.Time  `json:"sent_at"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
	ReplyToID   string     `json:"reply_to_id,omitempty"`
	Pinned      bool       `json:"pinned,omitempty"`
	PinnedAt    *time.Time `json:"pinned_at,omitempty"`
	PinnedBy    string     `json:"pinned_by,omitempty"`

	PinnedByUsername string `json:"pinned_by_username,omitempty"`

	Reactions   []Reaction `json:"-"`
	Delivery    Delivery   `json:"-"`
	DeliveryErr string     `json:"-"`
}

// Optimistic reports whether the message still carries a local id.
func (m Message) Optimistic() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// IsDirect reports whether the message belongs to a DM pair.
func (m Message) IsDirect() bool {
	return m.RecipientID != ""
}

// Clone copies m including its reaction groups.
func (m Message) Clone() Message {
	out := m
	out.Reactions = CloneReactions(m.Reactions)
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.PinnedAt != nil {
		t := *m.PinnedAt
		out.PinnedAt = &t
	}
	return out
}

// Before orders messages by send time, then id for a stable total order.
func (m Message) Before(o Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.ID < o.ID
}

// Alert is a row of global_alerts. Active alerts are shown as messages in
// the announcements channel.
type Alert struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Type      string    `json:"type,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AsMessage renders the alert as a message of the announcements channel.
func (a Alert) AsMessage() Message {
	author := a.CreatedBy
	if author == "" {
		author = "system"
	}
	return Message{
		ID:        a.ID,
		ChannelID: AnnouncementsChannelID,
		AuthorID:  author,
		Username:  "Announcements",
		Content:   a.Message,
		SentAt:    a.CreatedAt,
	}
}
