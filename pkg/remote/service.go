// Package remote describes the hosted backend the client talks to: row
// collections, realtime change feeds, blob storage and identity.
package remote

import (
	"context"
	"time"
)

// Collections used by the client.
const (
	CollectionUsers            = "users"
	CollectionChannels         = "channels"
	CollectionMessages         = "messages"
	CollectionMessageReactions = "message_reactions"
	CollectionAlerts           = "global_alerts"
	CollectionFiles            = "files"
	CollectionFileReactions    = "file_reactions"
	CollectionFileComments     = "file_comments"
	CollectionOnlineMembers    = "online_members"
)

// Identity is the signed-in user as the backend's auth layer reports it.
type Identity struct {
	ID    string
	Email string
}

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one change pushed by a realtime subscription. Delete events
// carry the removed row in Old.
type Event struct {
	Type       EventType
	Collection string
	New        Record
	Old        Record
}

// Row returns New for inserts and updates and Old for deletes.
func (e Event) Row() Record {
	if e.Type == EventDelete {
		return e.Old
	}
	return e.New
}

// Subscription is a live change feed. Close unsubscribes; after Close the
// Events channel is closed and no further events are queued.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Service is the backend as seen by the cache, sessions and libraries.
// Every method may block on the network and honours ctx.
type Service interface {
	Query(ctx context.Context, collection string, filter Filter, order ...Order) ([]Record, error)
	Insert(ctx context.Context, collection string, row Record) (Record, error)
	Update(ctx context.Context, collection, id string, patch Record) (Record, error)
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection string, filter Filter) (Subscription, error)

	UploadBlob(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
	RemoveBlob(ctx context.Context, bucket, path string) error
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)

	CurrentIdentity(ctx context.Context) (*Identity, error)
	OnIdentityChange(fn func(*Identity)) (cancel func())
}

// KeyColumn names the primary-key column Update and Delete address rows
// by.
func KeyColumn(collection string) string {
	if collection == CollectionOnlineMembers {
		return "user_id"
	}
	return "id"
}
