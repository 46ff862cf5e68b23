package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chillspace/pkg/apperr"
	"chillspace/pkg/state"
	"chillspace/pkg/store"
)

func run(t *testing.T, dataDir, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--log-level", "debug"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func lineWith(t *testing.T, out, needle string) string {
	t.Helper()
	for _, l := range strings.Split(out, "\n") {
		if strings.Contains(l, needle) {
			return l
		}
	}
	t.Fatalf("no line contains %q in:\n%s", needle, out)
	return ""
}

func TestWhoamiMemoryBackend(t *testing.T) {
	out, err := run(t, t.TempDir(), "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "you\n")
	assert.Contains(t, out, "u-demo")
	assert.Contains(t, out, "backend: memory")
}

func TestChannels(t *testing.T) {
	out, err := run(t, t.TempDir(), "", "channels", "--refresh")
	require.NoError(t, err)
	assert.Contains(t, lineWith(t, out, "#General"), "Hang out")
	assert.Contains(t, out, "#focus-room")
	assert.Contains(t, out, "#random")
}

func TestPeersAndPresence(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "", "peers")
	require.NoError(t, err)
	assert.Contains(t, lineWith(t, out, "@mika"), "admin")
	assert.Contains(t, lineWith(t, out, "@mika"), "online")
	assert.Contains(t, lineWith(t, out, "@oren"), "offline")
	assert.NotContains(t, out, "@you")

	out, err = run(t, dir, "", "presence")
	require.NoError(t, err)
	assert.Contains(t, out, "@mika")
	assert.NotContains(t, out, "@oren")
}

func TestChatSendsAndQuits(t *testing.T) {
	out, err := run(t, t.TempDir(), "hello there\n/quit\nnot sent\n", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "== #General ==")
	assert.Contains(t, out, "morning all")
	assert.Contains(t, out, "welcome to chill space", "legacy messages belong to the default channel")
	assert.NotContains(t, out, "hey, got a sec?")
	assert.Contains(t, lineWith(t, out, "hello there"), "you (")
	assert.NotContains(t, out, "not sent")
}

func TestChatCommands(t *testing.T) {
	in := strings.Join([]string{
		"/react m-2 👍",
		"/pin m-3",
		"/pinned",
		"/edit m-2 rewritten",
		"/nope x",
		"/react m-9 👍",
		"//shrug",
		"/quit",
	}, "\n")
	out, err := run(t, t.TempDir(), in, "chat", "#general")
	require.NoError(t, err)
	assert.Contains(t, out, "m-2 reactions: 👍 1")
	assert.Contains(t, out, "* m-3 pinned")
	assert.Contains(t, lineWith(t, out, "* ["), "anyone up for a focus session?")
	assert.NotContains(t, out, "rewritten", "only the author edits")
	assert.Contains(t, out, "unknown command /nope")
	assert.Contains(t, lineWith(t, out, "! message"), "m-9")
	assert.Contains(t, out, "/shrug")
}

func TestChatUnknownChannel(t *testing.T) {
	_, err := run(t, t.TempDir(), "", "chat", "nowhere")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDirectMessage(t *testing.T) {
	out, err := run(t, t.TempDir(), "on my way\n", "dm", "sol")
	require.NoError(t, err)
	assert.Contains(t, out, "== @sol ==")
	assert.Contains(t, out, "hey, got a sec?")
	assert.NotContains(t, out, "morning all")
	assert.Contains(t, out, "on my way")
}

func TestDirectMessageErrors(t *testing.T) {
	_, err := run(t, t.TempDir(), "", "dm", "nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOutboxCommands(t *testing.T) {
	dir := t.TempDir()
	paths, err := state.EnsureDirs(dir)
	require.NoError(t, err)
	st, err := store.Open(paths.Store)
	require.NoError(t, err)
	require.NoError(t, st.PutOutbox(store.OutboxEntry{
		ClientID:   "k-queued",
		Collection: "messages",
		Row:        map[string]any{"client_id": "k-queued", "user_id": "u-demo", "channel_id": "c-general", "content": "late hello"},
		Attempts:   1,
		LastError:  "connection reset",
		QueuedAt:   time.Now().Add(-time.Minute),
	}))
	require.NoError(t, st.Close())

	out, err := run(t, dir, "", "outbox", "list")
	require.NoError(t, err)
	line := lineWith(t, out, "k-queued")
	assert.Contains(t, line, "queued")
	assert.Contains(t, line, "connection reset")

	out, err = run(t, dir, "", "outbox", "flush")
	require.NoError(t, err)
	assert.Contains(t, out, "delivered=1")

	out, err = run(t, dir, "", "outbox", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Outbox is empty")

	_, err = run(t, dir, "", "outbox", "drop", "k-queued")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFilesWorkflow(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("focus notes"), 0o600))

	out, err := run(t, dir, "", "files", "upload", src, "--channel", "general", "--description", "weekly")
	require.NoError(t, err)
	assert.Contains(t, out, "Uploaded notes.txt (11 B)")

	// the memory backend is rebuilt per command, so the upload is gone
	out, err = run(t, dir, "", "files", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No files")
}

func TestFilesUploadTooLarge(t *testing.T) {
	src := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("x"), 64), 0o600))
	t.Setenv("CHILLSPACE_FILES_MAX_SIZE", "16")

	_, err := run(t, t.TempDir(), "", "files", "upload", src)
	assert.ErrorContains(t, err, "file too large")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLoginRequiresHostedBackend(t *testing.T) {
	_, err := run(t, t.TempDir(), "ana@example.org\nsecret\n", "login")
	assert.ErrorContains(t, err, "has no accounts")
}

func TestInvalidFlags(t *testing.T) {
	_, err := run(t, t.TempDir(), "", "--backend", "carrier-pigeon", "whoami")
	assert.ErrorContains(t, err, "invalid configuration")

	_, err = run(t, t.TempDir(), "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "whoami")
	assert.ErrorContains(t, err, "config file not found")
}

// hosted is a minimal auth and rest backend.
type hosted struct {
	srv *httptest.Server

	mu      sync.Mutex
	logouts int
}

func newHosted(t *testing.T) *hosted {
	t.Helper()
	h := &hosted{}
	r := mux.NewRouter()
	r.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","refresh_token":"r-1","expires_in":3600,"user":{"id":"u1","email":"ana@example.org"}}`))
	}).Methods(http.MethodPost)
	r.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, req *http.Request) {
		h.mu.Lock()
		h.logouts++
		h.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	r.HandleFunc("/rest/v1/users", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"JWT expired"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"u1","username":"ana","email":"ana@example.org","role":"admin"}]`))
	}).Methods(http.MethodGet)
	h.srv = httptest.NewServer(r)
	t.Cleanup(h.srv.Close)
	t.Setenv("CHILLSPACE_BACKEND_URL", h.srv.URL)
	t.Setenv("CHILLSPACE_ANON_KEY", "anon")
	return h
}

func TestLoginWhoamiLogout(t *testing.T) {
	h := newHosted(t)
	dir := t.TempDir()
	sessionPath := state.PathsFor(dir).Session

	out, err := run(t, dir, "ana@example.org\nsecret\n", "login")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as ana@example.org")
	s, ok, err := loadSession(sessionPath, h.srv.URL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-1", s.AccessToken)
	assert.Equal(t, "u1", s.UserID)

	out, err = run(t, dir, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "ana\n")
	assert.Contains(t, out, "role:    admin")
	assert.Contains(t, out, "backend: supabase")

	out, err = run(t, dir, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out")
	assert.NoFileExists(t, sessionPath)
	h.mu.Lock()
	assert.Equal(t, 1, h.logouts)
	h.mu.Unlock()

	_, err = run(t, dir, "", "whoami")
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	out, err = run(t, dir, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Not signed in")
}

func TestLoginRejectsBadPassword(t *testing.T) {
	newHosted(t)
	dir := t.TempDir()
	_, err := run(t, dir, "", "login", "--email", "ana@example.org")
	assert.Error(t, err, "no password on stdin")

	_, err = run(t, dir, "wrong\n", "login", "--email", "ana@example.org")
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
	assert.NoFileExists(t, state.PathsFor(dir).Session)
}

func TestSessionFileIgnoresOtherBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	_, ok, err := loadSession(path, "https://a.example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	s, _, _ := loadSession(path, "")
	s.AccessToken, s.UserID = "tok", "u1"
	require.NoError(t, saveSession(path, "https://a.example.org", s))
	_, ok, err = loadSession(path, "https://b.example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := loadSession(path, "https://a.example.org")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1", got.UserID)

	require.NoError(t, removeSession(path))
	require.NoError(t, removeSession(path))
}
