package supaclient

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"

	"chillspace/pkg/apperr"
	"chillspace/pkg/remote"
	"chillspace/pkg/state/logger"
)

// refreshMargin is how long before expiry an access token is refreshed.
const refreshMargin = 30 * time.Second

// Session is a signed-in auth session. It is what the CLI persists between
// runs.
type Session struct {
	AccessToken  string    `json:"access_token" yaml:"access_token"`
	RefreshToken string    `json:"refresh_token" yaml:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" yaml:"expires_at"`
	UserID       string    `json:"user_id" yaml:"user_id"`
	Email        string    `json:"email,omitempty" yaml:"email,omitempty"`
}

func (s *Session) expiring(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.Add(refreshMargin).After(s.ExpiresAt)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

type authState struct {
	c *Client

	mu      sync.Mutex
	session *Session

	wmu      sync.Mutex
	watchers map[int]func(*remote.Identity)
	nextW    int
	onSave   func(*Session)
}

func newAuthState(c *Client) *authState {
	return &authState{c: c, watchers: map[int]func(*remote.Identity){}}
}

// tokenClaims reads expiry and subject from an access token without
// verifying it; the backend verifies, the client only schedules refreshes.
func tokenClaims(token string) (exp time.Time, sub, email string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, "", ""
	}
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.Time
	}
	sub, _ = claims.GetSubject()
	email, _ = claims["email"].(string)
	return exp, sub, email
}

func sessionFrom(tr tokenResponse, now time.Time) (*Session, error) {
	if tr.AccessToken == "" {
		return nil, errors.New("token response without access token")
	}
	s := &Session{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken, UserID: tr.User.ID, Email: tr.User.Email}
	exp, sub, email := tokenClaims(tr.AccessToken)
	s.ExpiresAt = exp
	if s.ExpiresAt.IsZero() && tr.ExpiresIn > 0 {
		s.ExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if s.UserID == "" {
		s.UserID = sub
	}
	if s.Email == "" {
		s.Email = email
	}
	if s.UserID == "" {
		return nil, errors.New("token response without user id")
	}
	return s, nil
}

// token returns the access token to send, refreshing it first when it is
// about to expire. Without a session it returns "" and callers fall back
// to the anon key.
func (a *authState) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return "", nil
	}
	now := time.Now()
	if !a.session.expiring(now) {
		return a.session.AccessToken, nil
	}
	if err := a.refreshLocked(ctx); err != nil {
		if errors.Is(err, apperr.ErrAuthentication) {
			a.clearLocked()
			return "", err
		}
		if now.Before(a.session.ExpiresAt) {
			logger.Warn("auth_refresh_deferred", "error", err)
			return a.session.AccessToken, nil
		}
		return "", err
	}
	return a.session.AccessToken, nil
}

func (a *authState) refreshLocked(ctx context.Context) error {
	if a.session.RefreshToken == "" {
		return apperr.Authentication("refresh session", "no refresh token")
	}
	var tr tokenResponse
	err := a.c.do(ctx, "refresh session", request{
		method: fasthttp.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": a.session.RefreshToken},
		anon:   true,
	}, &tr)
	if errors.Is(err, apperr.ErrValidation) {
		// revoked or reused refresh tokens come back as 400
		return apperr.Authentication("refresh session", "refresh token rejected")
	}
	if err != nil {
		return err
	}
	s, err := sessionFrom(tr, time.Now())
	if err != nil {
		return apperr.Transient("refresh session", err)
	}
	changed := s.UserID != a.session.UserID
	a.session = s
	logger.Debug("auth_session_refreshed", "user_id", s.UserID, "expires_at", s.ExpiresAt)
	a.save(s)
	if changed {
		a.notify(s)
	}
	return nil
}

func (a *authState) clearLocked() {
	if a.session == nil {
		return
	}
	a.session = nil
	a.save(nil)
	a.notify(nil)
}

func (a *authState) save(s *Session) {
	if a.onSave == nil {
		return
	}
	if s == nil {
		a.onSave(nil)
		return
	}
	cp := *s
	a.onSave(&cp)
}

// notify runs watchers on their own goroutine so they may call back into
// the client.
func (a *authState) notify(s *Session) {
	var ident *remote.Identity
	if s != nil {
		ident = &remote.Identity{ID: s.UserID, Email: s.Email}
	}
	a.wmu.Lock()
	fns := make([]func(*remote.Identity), 0, len(a.watchers))
	for _, fn := range a.watchers {
		fns = append(fns, fn)
	}
	a.wmu.Unlock()
	for _, fn := range fns {
		var cp *remote.Identity
		if ident != nil {
			c := *ident
			cp = &c
		}
		go fn(cp)
	}
}

// SignInWithPassword starts a session for email.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (Session, error) {
	if email == "" || password == "" {
		return Session{}, apperr.Validation("sign in", "email and password are required")
	}
	var tr tokenResponse
	err := c.do(ctx, "sign in", request{
		method: fasthttp.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   map[string]string{"email": email, "password": password},
		anon:   true,
	}, &tr)
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			// invalid credentials come back as 400
			return Session{}, apperr.Authentication("sign in", "invalid credentials")
		}
		return Session{}, err
	}
	s, err := sessionFrom(tr, time.Now())
	if err != nil {
		return Session{}, apperr.Transient("sign in", err)
	}
	c.auth.set(s)
	logger.Info("auth_signed_in", "user_id", s.UserID)
	return *s, nil
}

func (a *authState) set(s *Session) {
	a.mu.Lock()
	prev := a.session
	a.session = s
	a.save(s)
	a.mu.Unlock()
	if prev == nil || s == nil || prev.UserID != s.UserID {
		a.notify(s)
	}
}

// SetSession restores a saved session.
func (c *Client) SetSession(s Session) error {
	if s.AccessToken == "" || s.UserID == "" {
		return apperr.Validation("restore session", "incomplete session")
	}
	c.auth.set(&s)
	return nil
}

// Session returns the current session, if any.
func (c *Client) Session() (Session, bool) {
	c.auth.mu.Lock()
	defer c.auth.mu.Unlock()
	if c.auth.session == nil {
		return Session{}, false
	}
	return *c.auth.session, true
}

// OnSessionSaved registers fn to receive every new or refreshed session,
// and nil on sign-out. Only one callback is kept. fn runs with the session
// lock held and must not call back into the client.
func (c *Client) OnSessionSaved(fn func(*Session)) {
	c.auth.mu.Lock()
	c.auth.onSave = fn
	c.auth.mu.Unlock()
}

// SignOut revokes the session server side when possible and forgets it.
func (c *Client) SignOut(ctx context.Context) error {
	c.auth.mu.Lock()
	s := c.auth.session
	c.auth.mu.Unlock()
	if s == nil {
		return nil
	}
	err := c.do(ctx, "sign out", request{method: fasthttp.MethodPost, path: "/auth/v1/logout"}, nil)
	if err != nil && !errors.Is(err, apperr.ErrAuthentication) {
		logger.Warn("auth_sign_out_failed", "error", err)
	}
	c.auth.mu.Lock()
	c.auth.clearLocked()
	c.auth.mu.Unlock()
	logger.Info("auth_signed_out", "user_id", s.UserID)
	return nil
}

func (c *Client) CurrentIdentity(ctx context.Context) (*remote.Identity, error) {
	if _, err := c.auth.token(ctx); err != nil {
		return nil, err
	}
	c.auth.mu.Lock()
	defer c.auth.mu.Unlock()
	if c.auth.session == nil {
		return nil, apperr.Authentication("current identity", "not signed in")
	}
	return &remote.Identity{ID: c.auth.session.UserID, Email: c.auth.session.Email}, nil
}

func (c *Client) OnIdentityChange(fn func(*remote.Identity)) func() {
	a := c.auth
	a.wmu.Lock()
	id := a.nextW
	a.nextW++
	a.watchers[id] = fn
	a.wmu.Unlock()
	return func() {
		a.wmu.Lock()
		delete(a.watchers, id)
		a.wmu.Unlock()
	}
}
