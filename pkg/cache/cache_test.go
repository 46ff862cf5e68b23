package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chillspace/pkg/apperr"
	"chillspace/pkg/models"
	"chillspace/pkg/remote"
	"chillspace/pkg/remote/memremote"
	"chillspace/pkg/store"
	"chillspace/pkg/timeutil"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type countingFetchers struct {
	mu       sync.Mutex
	me       models.Profile
	profile  int
	peers    int
	channels int
	err      error
}

func (f *countingFetchers) fetchers() Fetchers {
	return Fetchers{
		Profile: func(context.Context) (models.Profile, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.profile++
			if f.err != nil {
				return models.Profile{}, f.err
			}
			return f.me, nil
		},
		Peers: func(_ context.Context, me models.Profile) ([]models.Profile, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.peers++
			if f.err != nil {
				return nil, f.err
			}
			return []models.Profile{{ID: "peer-of-" + me.ID}}, nil
		},
		Channels: func(context.Context) ([]models.Channel, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.channels++
			if f.err != nil {
				return nil, f.err
			}
			return []models.Channel{{ID: "c1", Name: "General"}}, nil
		},
	}
}

func (f *countingFetchers) set(me models.Profile, err error) {
	f.mu.Lock()
	f.me, f.err = me, err
	f.mu.Unlock()
}

func TestFreshnessWindow(t *testing.T) {
	clock := timeutil.NewFake(t0)
	f := &countingFetchers{me: models.Profile{ID: "u1"}}
	c := New(f.fetchers(), Options{Clock: clock})
	ctx := context.Background()

	_, err := c.Channels(ctx, false)
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)
	_, err = c.Channels(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.channels, "two gets inside the window fetch once")

	clock.Advance(2 * time.Minute)
	_, err = c.Channels(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.channels, "a get across the window fetches again")

	_, err = c.Channels(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 3, f.channels, "force always fetches")
}

func TestStaleTimesPerSlot(t *testing.T) {
	clock := timeutil.NewFake(t0)
	f := &countingFetchers{me: models.Profile{ID: "u1"}}
	c := New(f.fetchers(), Options{Clock: clock, StaleTimes: map[Slot]time.Duration{SlotProfile: time.Hour}})
	ctx := context.Background()

	_, err := c.Peers(ctx, false)
	require.NoError(t, err)
	clock.Advance(150 * time.Second)
	_, err = c.Peers(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.peers, "peers default to two minutes")
	assert.Equal(t, 1, f.profile, "profile uses the configured hour")
}

func TestInvalidate(t *testing.T) {
	clock := timeutil.NewFake(t0)
	f := &countingFetchers{me: models.Profile{ID: "u1"}}
	c := New(f.fetchers(), Options{Clock: clock})
	ctx := context.Background()

	_, err := c.Channels(ctx, false)
	require.NoError(t, err)
	c.Invalidate(SlotChannels)
	assert.True(t, c.FetchedAt(SlotChannels).IsZero())
	_, err = c.Channels(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.channels)
	assert.False(t, c.FetchedAt(SlotChannels).IsZero())
}

func TestFailedFetchKeepsPreviousValue(t *testing.T) {
	clock := timeutil.NewFake(t0)
	f := &countingFetchers{me: models.Profile{ID: "u1"}}
	c := New(f.fetchers(), Options{Clock: clock})
	ctx := context.Background()

	first, err := c.Channels(ctx, false)
	require.NoError(t, err)

	f.set(models.Profile{ID: "u1"}, apperr.Transient("channels", nil))
	_, err = c.Channels(ctx, true)
	assert.ErrorIs(t, err, apperr.ErrTransient)

	f.set(models.Profile{ID: "u1"}, nil)
	clock.Advance(time.Minute)
	again, err := c.Channels(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 2, f.channels, "the previous entry is still fresh after a failed forced fetch")
}

func TestIdentityChangeInvalidatesDependents(t *testing.T) {
	clock := timeutil.NewFake(t0)
	f := &countingFetchers{me: models.Profile{ID: "u1"}}
	c := New(f.fetchers(), Options{Clock: clock})
	ctx := context.Background()

	peers, err := c.Peers(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "peer-of-u1", peers[0].ID)
	_, err = c.Channels(ctx, false)
	require.NoError(t, err)

	f.set(models.Profile{ID: "u2"}, nil)
	_, err = c.Profile(ctx, true)
	require.NoError(t, err)

	peers, err = c.Peers(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "peer-of-u2", peers[0].ID)
	assert.Equal(t, 2, f.peers)

	_, err = c.Channels(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.channels)
}

func TestSameIdentityKeepsDependents(t *testing.T) {
	f := &countingFetchers{me: models.Profile{ID: "u1"}}
	c := New(f.fetchers(), Options{Clock: timeutil.NewFake(t0)})
	ctx := context.Background()

	_, err := c.Peers(ctx, false)
	require.NoError(t, err)
	_, err = c.Profile(ctx, true)
	require.NoError(t, err)
	_, err = c.Peers(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.peers)
}

func TestAuthenticationErrorResets(t *testing.T) {
	f := &countingFetchers{me: models.Profile{ID: "u1"}}
	c := New(f.fetchers(), Options{Clock: timeutil.NewFake(t0)})
	ctx := context.Background()

	_, err := c.Channels(ctx, false)
	require.NoError(t, err)
	_, err = c.Profile(ctx, false)
	require.NoError(t, err)

	f.set(models.Profile{}, apperr.Authentication("profile", "expired"))
	_, err = c.Channels(ctx, true)
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	_, ok := c.CachedProfile()
	assert.False(t, ok)
	assert.True(t, c.FetchedAt(SlotChannels).IsZero())
}

func TestGetUnknownSlot(t *testing.T) {
	c := New(Fetchers{}, Options{})
	_, err := c.Get(context.Background(), Slot("bogus"), false)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestConcurrentReadersSeeWholeValues(t *testing.T) {
	clock := timeutil.NewFake(t0)
	f := &countingFetchers{me: models.Profile{ID: "u1"}}
	c := New(f.fetchers(), Options{Clock: clock})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				cs, err := c.Channels(ctx, j%7 == 0)
				if err != nil || len(cs) != 1 || cs[0].ID != "c1" {
					t.Errorf("torn read: %v %v", cs, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestRemoteFetchersAndWatch(t *testing.T) {
	svc := memremote.New()
	svc.Put(remote.CollectionUsers,
		remote.Record{"id": "u1", "username": "zed", "role": "admin"},
		remote.Record{"id": "u2", "username": "amy"},
		remote.Record{"id": "u3", "username": "bea"},
	)
	svc.Put(remote.CollectionChannels,
		remote.Record{"id": "c2", "name": "random"},
		remote.Record{"id": "c1", "name": "General"},
	)
	svc.SignIn("u1", "u1@x")

	clock := timeutil.NewFake(t0)
	c := New(RemoteFetchers(svc, true), Options{Clock: clock})
	cancel := c.Watch(svc)
	defer cancel()
	ctx := context.Background()

	me, err := c.Profile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, me.Role)

	peers, err := c.Peers(ctx, false)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "amy", peers[0].Username)

	chans, err := c.Channels(ctx, false)
	require.NoError(t, err)
	require.Len(t, chans, 3)
	assert.Equal(t, models.AnnouncementsChannelID, chans[0].ID)
	assert.Equal(t, "General", chans[1].Name)

	p, ok := c.CachedPeer("u3")
	require.True(t, ok)
	assert.Equal(t, "bea", p.Username)

	svc.SignIn("u2", "u2@x")
	assert.True(t, c.FetchedAt(SlotPeers).IsZero())
	me, err = c.Profile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "u2", me.ID)
	assert.Equal(t, models.RoleUser, me.Role)

	svc.SignOut()
	_, ok = c.CachedProfile()
	assert.False(t, ok)
	_, err = c.Profile(ctx, false)
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestWarmStartFromStore(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	clock := timeutil.NewFake(t0)
	f := &countingFetchers{me: models.Profile{ID: "u1"}}
	c := New(f.fetchers(), Options{Clock: clock, Store: st})
	_, err = c.Peers(context.Background(), false)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	f2 := &countingFetchers{me: models.Profile{ID: "u1"}}
	warm := New(f2.fetchers(), Options{Clock: clock, Store: st})
	peers, err := warm.Peers(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "peer-of-u1", peers[0].ID)
	assert.Equal(t, 0, f2.peers)
	assert.Equal(t, 0, f2.profile)

	warm.Reset()
	cold := New(f2.fetchers(), Options{Clock: clock, Store: st})
	_, ok := cold.CachedProfile()
	assert.False(t, ok)
}
