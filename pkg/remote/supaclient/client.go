// Package supaclient implements remote.Service against the hosted
// platform: PostgREST rows, storage objects, GoTrue auth and the Phoenix
// realtime socket.
package supaclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"chillspace/pkg/apperr"
	"chillspace/pkg/remote"
	"chillspace/pkg/state/logger"
)

const (
	DefaultTimeout = 15 * time.Second
	DefaultRPS     = 20
	DefaultBurst   = 40
)

type Config struct {
	// URL is the project base URL, e.g. https://xyz.supabase.co.
	URL     string
	AnonKey string
	Timeout time.Duration
	RPS     float64
	Burst   int
	// Heartbeat is the realtime socket heartbeat interval.
	Heartbeat time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *fasthttp.Client
	limiter *rate.Limiter

	auth *authState
	rt   *realtime

	closeOnce sync.Once
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("supaclient: url is required")
	}
	if cfg.AnonKey == "" {
		return nil, errors.New("supaclient: anon key is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("supaclient: invalid url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RPS <= 0 {
		cfg.RPS = DefaultRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	c := &Client{
		cfg:  cfg,
		base: base,
		http: &fasthttp.Client{
			Name:         "chillspace",
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
	c.auth = newAuthState(c)
	c.rt = newRealtime(c)
	return c, nil
}

// Close drops the realtime socket. Row and storage calls keep working.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { c.rt.shutdown() })
	return nil
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	raw     []byte
	ctype   string
	headers map[string]string
	// anon sends the anon key instead of the session token.
	anon bool
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do runs one HTTP exchange and maps failures onto the error kinds. out,
// when non-nil, receives the decoded JSON body.
func (c *Client) do(ctx context.Context, op string, r request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Classify(op, err)
	}
	token := c.cfg.AnonKey
	if !r.anon {
		t, err := c.auth.token(ctx)
		if err != nil {
			return err
		}
		if t != "" {
			token = t
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.endpoint(r.path, r.query))
	req.Header.SetMethod(r.method)
	req.Header.Set("apikey", c.cfg.AnonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	switch {
	case r.raw != nil:
		req.Header.SetContentType(r.ctype)
		req.SetBody(r.raw)
	case r.body != nil:
		b, err := json.Marshal(r.body)
		if err != nil {
			return apperr.Wrap(apperr.ErrValidation, op, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		logger.Debug("remote_http_failed", "op", op, "error", err)
		return apperr.Transient(op, err)
	}
	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return statusError(op, status, resp.Body())
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return apperr.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var _ remote.Service = (*Client)(nil)
