package models

import "fmt"

type ConversationKind int

const (
	ConversationChannel ConversationKind = iota
	ConversationDirect
	ConversationAnnouncements
)

func (k ConversationKind) String() string {
	switch k {
	case ConversationDirect:
		return "direct"
	case ConversationAnnouncements:
		return "announcements"
	default:
		return "channel"
	}
}

// ConversationRef names a channel or an unordered pair of users.
type ConversationRef struct {
	Kind        ConversationKind
	ChannelID   string
	ChannelName string
	UserA       string
	UserB       string
}

// ChannelConversation refers to ch; the announcements channel maps onto the
// alerts source.
func ChannelConversation(ch Channel) ConversationRef {
	if ch.ID == AnnouncementsChannelID {
		return ConversationRef{Kind: ConversationAnnouncements, ChannelID: ch.ID, ChannelName: ch.Name}
	}
	return ConversationRef{Kind: ConversationChannel, ChannelID: ch.ID, ChannelName: ch.Name}
}

// DirectConversation refers to the pair {a, b}. Argument order does not
// matter.
func DirectConversation(a, b string) ConversationRef {
	if b < a {
		a, b = b, a
	}
	return ConversationRef{Kind: ConversationDirect, UserA: a, UserB: b}
}

// Key is a stable identifier for logs and maps.
func (r ConversationRef) Key() string {
	switch r.Kind {
	case ConversationDirect:
		return fmt.Sprintf("dm:%s:%s", r.UserA, r.UserB)
	case ConversationAnnouncements:
		return "announcements"
	default:
		return "channel:" + r.ChannelID
	}
}

func (r ConversationRef) IsZero() bool {
	return r.ChannelID == "" && r.UserA == "" && r.UserB == ""
}

// Peer returns the other participant of a direct conversation.
func (r ConversationRef) Peer(me string) string {
	if r.UserA == me {
		return r.UserB
	}
	return r.UserA
}

// Contains reports whether m belongs to the conversation. defaultChannel is
// the channel name that also owns legacy messages with no channel and no
// recipient.
func (r ConversationRef) Contains(m Message, defaultChannel string) bool {
	switch r.Kind {
	case ConversationDirect:
		if m.RecipientID == "" {
			return false
		}
		return (m.AuthorID == r.UserA && m.RecipientID == r.UserB) ||
			(m.AuthorID == r.UserB && m.RecipientID == r.UserA)
	case ConversationAnnouncements:
		return m.ChannelID == AnnouncementsChannelID
	default:
		if m.RecipientID != "" {
			return false
		}
		if m.ChannelID == r.ChannelID {
			return true
		}
		return m.ChannelID == "" && defaultChannel != "" && r.ChannelName == defaultChannel
	}
}
