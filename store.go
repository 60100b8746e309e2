package tmauth

import (
	"context"
	"sync"
	"time"

	"github.com/indrasol/tmauth/tokencache"
	"github.com/sirupsen/logrus"
)

// reconcileResult describes what one reconcile changed.
type reconcileResult struct {
	Change    IdentityChange
	Changed   bool
	Refreshed bool
}

// sessionStore holds the single current session. Every write goes through
// reconcile, which keeps the token cache equal to the session's access token
// inside the same critical section.
type sessionStore struct {
	mu      sync.RWMutex
	session *Session
	tokens  *tokencache.Cache
	// signal is closed and replaced on every reconcile.
	signal chan struct{}

	// notifyMu is taken before mu is released so identity notifications are
	// delivered in reconcile order.
	notifyMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[uint64]func(IdentityChange)
	nextSub uint64

	logger logrus.FieldLogger
}

func newSessionStore(tokens *tokencache.Cache, logger logrus.FieldLogger) *sessionStore {
	if tokens == nil {
		tokens = tokencache.New(nil, "", logger)
	}
	return &sessionStore{
		tokens: tokens,
		signal: make(chan struct{}),
		subs:   make(map[uint64]func(IdentityChange)),
		logger: logger,
	}
}

func sameIdentity(prev, next *Session) bool {
	if (prev == nil) != (next == nil) {
		return false
	}
	return prev.UserID() == next.UserID()
}

// reconcile installs incoming as the current session. It is idempotent:
// applying the same payload twice leaves the store unchanged and notifies
// nobody the second time. Identity subscribers must not call reconcile
// synchronously.
func (s *sessionStore) reconcile(ctx context.Context, incoming *Session) reconcileResult {
	res, _ := s.install(ctx, incoming.Clone(), nil)
	return res
}

// clearIfToken clears the session only while its access token is still token.
// A rejection for a token that was already replaced changes nothing.
func (s *sessionStore) clearIfToken(ctx context.Context, token string) (reconcileResult, bool) {
	return s.install(ctx, nil, func(cur *Session) bool {
		return cur != nil && token != "" && cur.AccessToken == token
	})
}

// install swaps in next when guard (if any) accepts the current session.
func (s *sessionStore) install(ctx context.Context, next *Session, guard func(*Session) bool) (reconcileResult, bool) {
	s.mu.Lock()
	if guard != nil && !guard(s.session) {
		s.mu.Unlock()
		return reconcileResult{}, false
	}
	prev := s.session
	s.session = next

	if next != nil {
		if tok, ok := s.tokens.Get(); !ok || tok != next.AccessToken {
			_ = s.tokens.Set(ctx, next.AccessToken)
		}
	} else if _, ok := s.tokens.Get(); ok {
		_ = s.tokens.Clear(ctx)
	}

	close(s.signal)
	s.signal = make(chan struct{})

	res := reconcileResult{Changed: !sameIdentity(prev, next)}
	if res.Changed {
		res.Change = IdentityChange{Previous: userOf(prev), Current: userOf(next)}
	} else if next != nil && prev.AccessToken != next.AccessToken {
		res.Refreshed = true
	}

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	if res.Changed {
		s.notify(res.Change)
	}
	return res, true
}

func (s *sessionStore) notify(change IdentityChange) {
	s.subsMu.Lock()
	fns := make([]func(IdentityChange), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		s.deliver(fn, change)
	}
}

func (s *sessionStore) deliver(fn func(IdentityChange), change IdentityChange) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("identity subscriber panicked")
		}
	}()
	fn(change)
}

func userOf(s *Session) *User {
	if s == nil {
		return nil
	}
	u := s.User
	return &u
}

func (s *sessionStore) current() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

func (s *sessionStore) user() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return userOf(s.session)
}

// token reads the cache under the store lock so it never observes a token
// that disagrees with the session.
func (s *sessionStore) token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.Get()
}

func (s *sessionStore) subscribe(fn func(IdentityChange)) func() {
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// waitForUser reports whether the store holds userID before timeout. It
// returns as soon as a reconcile installs that user.
func (s *sessionStore) waitForUser(ctx context.Context, userID string, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.RLock()
		cur := s.session
		sig := s.signal
		s.mu.RUnlock()

		if cur != nil && cur.User.ID == userID {
			return true
		}
		select {
		case <-sig:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
