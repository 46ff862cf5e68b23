package linkpreview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chillspace/pkg/apperr"
)

const ogPage = `<!doctype html>
<html><head>
<title>Plain title</title>
<meta property="og:title" content="Graph title">
<meta content="About the page" name="description">
<meta property="og:image" content="/img/cover.png">
<meta property="og:site_name" content="Example">
<link rel="shortcut icon" href="//cdn.example.org/fav.ico">
</head><body><meta property="og:title" content="ignored"></body></html>`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/og", func(w http.ResponseWriter, r *http.Request) {
		if r.UserAgent() != DefaultUserAgent {
			http.Error(w, "bad agent", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(ogPage))
	})
	r.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title> Just &amp; title </title><link rel="icon" href="icons/a.png"></head></html>`))
	})
	r.HandleFunc("/bare", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>nothing</body></html>`))
	})
	r.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/og", http.StatusFound)
	})
	r.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	r.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	r.HandleFunc("/huge", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 4096)))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func host(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Hostname()
}

func TestFetchOpenGraph(t *testing.T) {
	srv := newServer(t)
	p, err := New(Options{}).Fetch(context.Background(), srv.URL+"/og")
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/og", p.URL)
	assert.Equal(t, "Graph title", p.Title)
	assert.Equal(t, "About the page", p.Description)
	assert.Equal(t, srv.URL+"/img/cover.png", p.Image)
	assert.Equal(t, "Example", p.SiteName)
	assert.Equal(t, "https://cdn.example.org/fav.ico", p.Favicon)
}

func TestFetchFallbacks(t *testing.T) {
	srv := newServer(t)
	f := New(Options{})

	p, err := f.Fetch(context.Background(), srv.URL+"/plain")
	require.NoError(t, err)
	assert.Equal(t, "Just & title", p.Title)
	assert.Empty(t, p.Description)
	assert.Empty(t, p.Image)
	assert.Equal(t, host(t, srv), p.SiteName)
	assert.Equal(t, srv.URL+"/icons/a.png", p.Favicon)

	p, err = f.Fetch(context.Background(), srv.URL+"/bare")
	require.NoError(t, err)
	assert.Equal(t, host(t, srv), p.Title)
	assert.Equal(t, srv.URL+"/favicon.ico", p.Favicon)
}

func TestFetchFollowsRedirects(t *testing.T) {
	srv := newServer(t)
	p, err := New(Options{}).Fetch(context.Background(), srv.URL+"/moved")
	require.NoError(t, err)
	assert.Equal(t, "Graph title", p.Title)
	assert.Equal(t, srv.URL+"/moved", p.URL)
}

func TestFetchErrors(t *testing.T) {
	srv := newServer(t)
	f := New(Options{Timeout: 100 * time.Millisecond, MaxBodySize: 1024})

	cases := []struct {
		name string
		url  string
		kind error
	}{
		{"empty", "", apperr.ErrValidation},
		{"relative", "/og", apperr.ErrValidation},
		{"scheme", "ftp://example.org/x", apperr.ErrValidation},
		{"not found", srv.URL + "/missing", apperr.ErrTransient},
		{"timeout", srv.URL + "/slow", apperr.ErrTransient},
		{"too large", srv.URL + "/huge", apperr.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start := time.Now()
			_, err := f.Fetch(context.Background(), tc.url)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestFetchHonoursCancelledContext(t *testing.T) {
	srv := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{}).Fetch(ctx, srv.URL+"/og")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseKeepsFirstMetaValue(t *testing.T) {
	page, _ := url.Parse("https://example.org/a/b")
	doc := `<head><meta name="og:title" content="one"><meta name="og:title" content="two"><meta property="og:image" content="c.png"></head>`
	p := Parse(page, strings.NewReader(doc))
	assert.Equal(t, "one", p.Title)
	assert.Equal(t, "https://example.org/a/c.png", p.Image)
	assert.Equal(t, "example.org", p.SiteName)
}
