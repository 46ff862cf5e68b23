package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chillspace/pkg/apperr"
	"chillspace/pkg/models"
	"chillspace/pkg/remote"
	"chillspace/pkg/remote/memremote"
	"chillspace/pkg/timeutil"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var ana = models.Profile{ID: "u1", Username: "ana"}

func newTracker(t *testing.T) (*Tracker, *memremote.Service, *timeutil.Fake) {
	t.Helper()
	clock := timeutil.NewFake(t0)
	svc := memremote.New(memremote.WithClock(clock))
	at := func(d time.Duration) string { return remote.Timestamp(t0.Add(d)) }
	svc.Put(remote.CollectionOnlineMembers,
		remote.Record{"user_id": "u2", "username": "bo", "is_online": true, "last_seen": at(-time.Minute)},
		remote.Record{"user_id": "u3", "username": "mo", "is_online": true, "last_seen": at(-20 * time.Minute)},
		remote.Record{"user_id": "u4", "username": "root", "is_online": false, "last_seen": at(0)},
	)
	tr := New(svc, Options{Clock: clock})
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Start(context.Background()))
	return tr, svc, clock
}

func names(es []models.PresenceEntry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Username
	}
	return out
}

func TestStartAppliesFreshnessWindow(t *testing.T) {
	tr, _, clock := newTracker(t)

	assert.Equal(t, []string{"bo"}, names(tr.Online("")))
	assert.True(t, tr.IsOnline("u2"))
	assert.False(t, tr.IsOnline("u3"), "stale flag counts as offline")
	assert.False(t, tr.IsOnline("u4"))
	assert.False(t, tr.IsOnline("nobody"))

	clock.Advance(5 * time.Minute)
	assert.Empty(t, tr.Online(""))
}

func TestLiveUpdates(t *testing.T) {
	tr, svc, _ := newTracker(t)

	_, err := svc.Update(context.Background(), remote.CollectionOnlineMembers, "u3", remote.Record{
		"last_seen": remote.Timestamp(t0),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.IsOnline("u3") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"bo", "mo"}, names(tr.Online("")))

	require.NoError(t, svc.Delete(context.Background(), remote.CollectionOnlineMembers, "u2"))
	require.Eventually(t, func() bool { return !tr.IsOnline("u2") }, 2*time.Second, 5*time.Millisecond)
}

func TestOlderEventDoesNotOverrideNewerEntry(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.mu.Lock()
	tr.mergeLocked(models.PresenceEntry{UserID: "u2", IsOnline: false, LastSeenAt: t0.Add(-time.Hour)}, true)
	tr.mu.Unlock()
	assert.True(t, tr.IsOnline("u2"))
}

func TestAnnounceAndLeave(t *testing.T) {
	tr, svc, clock := newTracker(t)

	require.NoError(t, tr.Announce(context.Background(), ana))
	assert.True(t, tr.IsOnline("u1"))
	assert.Equal(t, []string{"bo"}, names(tr.Online("u1")), "self is excluded")

	clock.Advance(time.Minute)
	require.NoError(t, tr.Announce(context.Background(), ana), "second announce updates the row")

	clock.Advance(time.Minute)
	require.NoError(t, tr.Leave(context.Background(), ana))
	assert.False(t, tr.IsOnline("u1"))

	recs, err := svc.Query(context.Background(), remote.CollectionOnlineMembers, remote.Eq("user_id", "u1"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, false, recs[0]["is_online"])
	assert.Equal(t, remote.Timestamp(t0.Add(2*time.Minute)), recs[0].String("last_seen"))
}

func TestAnnounceRequiresIdentity(t *testing.T) {
	tr, _, _ := newTracker(t)
	assert.ErrorIs(t, tr.Announce(context.Background(), models.Profile{}), apperr.ErrAuthentication)
}

func TestHeartbeatLeavesOnCancel(t *testing.T) {
	tr, svc, _ := newTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Heartbeat(ctx, ana, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return svc.Calls("update", remote.CollectionOnlineMembers) >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, tr.IsOnline("u1"))
	cancel()
	<-done

	recs, err := svc.Query(context.Background(), remote.CollectionOnlineMembers, remote.Eq("user_id", "u1"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, false, recs[0]["is_online"])
}

func TestCloseStopsFeed(t *testing.T) {
	tr, svc, _ := newTracker(t)
	assert.Equal(t, 1, svc.SubscriberCount(remote.CollectionOnlineMembers))
	tr.Close()
	assert.Zero(t, svc.SubscriberCount(remote.CollectionOnlineMembers))
	assert.Empty(t, tr.Online(""))
}
