package memremote

import (
	"time"

	"chillspace/pkg/remote"
)

// DemoUser is the identity the demo seed signs in as.
const DemoUser = "u-demo"

// SeedDemo fills s with a small community so the CLI is usable without a
// hosted backend.
func SeedDemo(s *Service, now time.Time) {
	s.Put(remote.CollectionUsers,
		remote.Record{"id": DemoUser, "username": "you", "email": "you@chill.space", "role": "user"},
		remote.Record{"id": "u-mika", "username": "mika", "email": "mika@chill.space", "role": "admin"},
		remote.Record{"id": "u-oren", "username": "oren", "email": "oren@chill.space", "role": "moderator"},
		remote.Record{"id": "u-sol", "username": "sol", "email": "sol@chill.space", "role": "user"},
	)
	s.Put(remote.CollectionChannels,
		remote.Record{"id": "c-general", "name": "General", "description": "Hang out", "type": "text"},
		remote.Record{"id": "c-focus", "name": "focus-room", "description": "Heads down", "type": "text"},
		remote.Record{"id": "c-random", "name": "random", "description": "Anything goes", "type": "text"},
	)
	at := func(d time.Duration) string { return remote.Timestamp(now.Add(-d)) }
	s.Put(remote.CollectionMessages,
		remote.Record{"id": "m-1", "user_id": "u-mika", "username": "mika", "content": "welcome to chill space", "sent_at": at(3 * time.Hour)},
		remote.Record{"id": "m-2", "channel_id": "c-general", "user_id": "u-oren", "username": "oren", "content": "morning all", "sent_at": at(2 * time.Hour)},
		remote.Record{"id": "m-3", "channel_id": "c-general", "user_id": "u-sol", "username": "sol", "content": "anyone up for a focus session?", "sent_at": at(90 * time.Minute)},
		remote.Record{"id": "m-4", "user_id": "u-sol", "recipient_id": DemoUser, "username": "sol", "content": "hey, got a sec?", "sent_at": at(time.Hour)},
	)
	s.Put(remote.CollectionMessageReactions,
		remote.Record{"message_id": "m-1", "user_id": "u-sol", "emoji": "👋"},
		remote.Record{"message_id": "m-1", "user_id": "u-oren", "emoji": "👋"},
	)
	s.Put(remote.CollectionAlerts,
		remote.Record{"id": "a-1", "message": "Focus marathon this Friday", "type": "info", "is_active": true, "created_at": at(24 * time.Hour)},
	)
	s.Put(remote.CollectionOnlineMembers,
		remote.Record{"user_id": "u-mika", "username": "mika", "is_online": true, "last_seen": at(time.Minute)},
		remote.Record{"user_id": "u-oren", "username": "oren", "is_online": true, "last_seen": at(20 * time.Minute)},
	)
	s.SignIn(DemoUser, "you@chill.space")
}
