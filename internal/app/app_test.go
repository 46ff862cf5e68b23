package app

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chillspace/pkg/config"
	"chillspace/pkg/files"
	"chillspace/pkg/models"
	"chillspace/pkg/remote"
	"chillspace/pkg/remote/memremote"
)

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Store.DataDir = t.TempDir()
	cfg.Outbox.Paused = true
	require.NoError(t, cfg.Validate())
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNewMemoryBackend(t *testing.T) {
	a := newApp(t, newConfig(t))
	require.NotNil(t, a.Memory())
	assert.Nil(t, a.Supabase())
	assert.DirExists(t, a.Paths().Store)

	me, err := a.Cache().Profile(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, memremote.DemoUser, me.ID)

	chans, err := a.Cache().Channels(context.Background(), false)
	require.NoError(t, err)
	assert.NotEmpty(t, chans)
}

func TestNewSupabaseBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.DataDir = t.TempDir()
	cfg.Backend.URL = "https://xyz.example.org"
	cfg.Backend.AnonKey = "anon"
	require.NoError(t, cfg.Validate())

	a := newApp(t, cfg)
	assert.NotNil(t, a.Supabase())
	assert.Nil(t, a.Memory())
}

func TestNewRejectsBadOutboxCron(t *testing.T) {
	cfg := newConfig(t)
	cfg.Outbox.Cron = "whenever"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestConversationUsesSharedCache(t *testing.T) {
	a := newApp(t, newConfig(t))
	ctx := context.Background()
	require.NoError(t, a.Run(ctx))

	s := a.Conversation(nil)
	defer s.Close()
	require.NoError(t, s.Open(ctx, models.ChannelConversation(models.Channel{ID: "c-general", Name: "General"})))
	snap := s.Snapshot()
	assert.NotEmpty(t, snap.Messages)

	_, err := s.Send(ctx, "hello from the app")
	require.NoError(t, err)
	rows, err := a.Remote().Query(ctx, remote.CollectionMessages, remote.Eq("content", "hello from the app"))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFilesLibraryUsesConfig(t *testing.T) {
	cfg := newConfig(t)
	cfg.Files.MaxSize = 4
	a := newApp(t, cfg)

	lib := a.Files("c-general", nil)
	defer lib.Close()
	_, err := lib.Upload(context.Background(), files.UploadRequest{Filename: "big.txt", Data: []byte("too big")})
	assert.ErrorContains(t, err, "file too large")
}

func TestPresenceMarksOfflineOnShutdown(t *testing.T) {
	a, err := New(newConfig(t))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Run(ctx))
	require.NoError(t, a.StartPresence(ctx))
	require.Eventually(t, func() bool { return a.Presence().IsOnline(memremote.DemoUser) }, 2*time.Second, 10*time.Millisecond)

	mem := a.Memory()
	require.NoError(t, a.Shutdown(ctx))
	rows, err := mem.Query(ctx, remote.CollectionOnlineMembers, remote.Eq("user_id", memremote.DemoUser))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, false, rows[0]["is_online"])

	assert.NoError(t, a.Shutdown(ctx), "second shutdown is a no-op")
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := newConfig(t)
	cfg.Telemetry.MetricsAddr = "127.0.0.1:0"
	a := newApp(t, cfg)
	ctx := context.Background()
	require.NoError(t, a.Run(ctx))
	_, _ = a.Cache().Profile(ctx, false)

	addr := a.MetricsAddr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "chillspace_cache_requests_total")

	resp, err = http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"status":"ok","backend":"memory"}`, string(body))

	resp, err = http.Get("http://" + addr + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
