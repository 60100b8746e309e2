package gotrue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/indrasol/tmauth/provider"
	"github.com/indrasol/tmauth/session"
)

const refreshKey = "refresh"

type userResponse struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u *userResponse) toUser() provider.User {
	out := provider.User{ID: u.ID, Email: u.Email}
	if name, ok := u.UserMetadata["username"].(string); ok {
		out.Username = name
	}
	return out
}

type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	User         *userResponse `json:"user"`
}

// toSession builds a session from a token grant. Missing user and expiry
// fields fall back to the access token claims.
func (c *Client) toSession(resp *tokenResponse) (*provider.Session, error) {
	if resp == nil || resp.AccessToken == "" {
		return nil, ErrInvalidSession
	}

	claims, err := c.claims.Parse(resp.AccessToken)
	if err != nil && c.claims.Verifies() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	s := &provider.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	switch {
	case resp.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(resp.ExpiresAt, 0)
	case resp.ExpiresIn > 0:
		s.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	case claims != nil:
		s.ExpiresAt = claims.Expiry()
	}

	if resp.User != nil {
		s.User = resp.User.toUser()
	} else if claims != nil {
		s.User = provider.User{ID: claims.Subject, Email: claims.Email, Username: claims.Username()}
	}
	if s.User.ID == "" {
		return nil, fmt.Errorf("%w: no user id", ErrInvalidSession)
	}
	return s, nil
}

func toRecord(s *provider.Session, now time.Time) *session.Record {
	r := &session.Record{
		UserID:       s.User.ID,
		Email:        s.User.Email,
		Username:     s.User.Username,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		SavedAt:      now.Unix(),
	}
	if !s.ExpiresAt.IsZero() {
		r.ExpiresAt = s.ExpiresAt.Unix()
	}
	return r
}

func fromRecord(r *session.Record) *provider.Session {
	s := &provider.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		User:         provider.User{ID: r.UserID, Email: r.Email, Username: r.Username},
	}
	if r.ExpiresAt > 0 {
		s.ExpiresAt = time.Unix(r.ExpiresAt, 0)
	}
	return s
}

// load restores the persisted session once. Callers must not hold mu.
func (c *Client) load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}

	rec, err := c.store.Load(ctx)
	switch {
	case errors.Is(err, session.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load session: %w", err)
	default:
		if rec.AccessToken != "" && rec.UserID != "" {
			c.current = fromRecord(rec)
		}
	}
	c.loaded = true
	c.scheduleLocked(c.current)
	return nil
}

// commit installs s and publishes kind. When expectRefresh is set the commit
// only happens if the current session still carries that refresh token, so a
// refresh that raced a sign-out cannot resurrect the session.
func (c *Client) commit(ctx context.Context, s *provider.Session, kind provider.EventKind, expectRefresh string) bool {
	c.mu.Lock()
	if expectRefresh != "" && (c.current == nil || c.current.RefreshToken != expectRefresh) {
		c.mu.Unlock()
		return false
	}
	c.current = s.Clone()
	c.loaded = true
	if err := c.store.Save(ctx, toRecord(s, c.now())); err != nil {
		c.logger.WithError(err).Warn("persist session failed")
	}
	c.scheduleLocked(s)

	c.publishMu.Lock()
	c.mu.Unlock()
	defer c.publishMu.Unlock()
	c.events.Publish(context.WithoutCancel(ctx), provider.Event{Kind: kind, Session: s})
	return true
}

// clear removes the session and publishes SignedOut.
func (c *Client) clear(ctx context.Context) {
	c.mu.Lock()
	c.current = nil
	c.loaded = true
	if err := c.store.Delete(ctx); err != nil {
		c.logger.WithError(err).Warn("delete persisted session failed")
	}
	c.scheduleLocked(nil)

	c.publishMu.Lock()
	c.mu.Unlock()
	defer c.publishMu.Unlock()
	c.events.Publish(context.WithoutCancel(ctx), provider.Event{Kind: provider.SignedOut})
}

func (c *Client) snapshot() *provider.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

func (c *Client) scheduleLocked(s *provider.Session) {
	if c.scheduler == nil {
		return
	}
	if s == nil || s.RefreshToken == "" {
		c.scheduler.Cancel()
		return
	}
	c.scheduler.Schedule(s.ExpiresAt, c.autoRefresh)
}

func (c *Client) autoRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.WithError(err).Warn("scheduled session refresh failed")
	}
}

// GetSession returns the current session, restoring it from the store on the
// first call and refreshing it when expired. It returns nil, nil when signed
// out.
func (c *Client) GetSession(ctx context.Context) (*provider.Session, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	cur := c.snapshot()
	if cur == nil {
		return nil, nil
	}
	if !cur.Expired(c.now(), 0) {
		return cur, nil
	}
	return c.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new session. Concurrent calls
// share one request. A rejected refresh token signs the session out.
func (c *Client) Refresh(ctx context.Context) (*provider.Session, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	v, err, _ := c.refreshes.Do(refreshKey, func() (any, error) {
		cur := c.snapshot()
		if cur == nil || cur.RefreshToken == "" {
			return nil, ErrNoSession
		}

		var resp tokenResponse
		err := c.call(ctx, http.MethodPost, "token", url.Values{"grant_type": {"refresh_token"}}, "",
			map[string]string{"refresh_token": cur.RefreshToken}, &resp)
		if err != nil {
			if IsAuthError(err) {
				c.logger.WithError(err).Info("refresh token rejected, signing out")
				c.clear(ctx)
			}
			return nil, err
		}
		next, err := c.toSession(&resp)
		if err != nil {
			return nil, err
		}
		kind := provider.TokenRefreshed
		if next.User.ID != cur.User.ID {
			kind = provider.SignedIn
		}
		if !c.commit(ctx, next, kind, cur.RefreshToken) {
			return nil, ErrNoSession
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*provider.Session).Clone(), nil
}
