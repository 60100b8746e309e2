// Package resolver turns a user-typed login identifier into a canonical email.
//
// Identifiers containing "@" are treated as emails and returned unchanged
// without any I/O. Anything else is a username looked up through an
// [EmailLookup], typically the backend /get-email endpoint.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrResolution is returned when a username cannot be resolved.
var ErrResolution = errors.New("identifier resolution failed")

// EmailLookup resolves a username to its email.
type EmailLookup interface {
	LookupEmail(ctx context.Context, username string) (string, error)
}

// LookupFunc adapts a function to [EmailLookup].
type LookupFunc func(ctx context.Context, username string) (string, error)

func (f LookupFunc) LookupEmail(ctx context.Context, username string) (string, error) {
	return f(ctx, username)
}

// Config controls optional caching of successful lookups.
type Config struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver resolves identifiers. It is safe for concurrent use.
type Resolver struct {
	lookup EmailLookup
	cache  *expirable.LRU[string, string]
}

// New returns a Resolver. Caching is enabled when cfg.CacheSize > 0.
func New(lookup EmailLookup, cfg Config) *Resolver {
	r := &Resolver{lookup: lookup}
	if cfg.CacheSize > 0 {
		r.cache = expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return r
}

// IsEmail reports whether identifier is used verbatim.
func IsEmail(identifier string) bool {
	return strings.Contains(identifier, "@")
}

// Resolve returns the email for identifier.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrResolution)
	}
	if IsEmail(identifier) {
		return identifier, nil
	}
	if r == nil || r.lookup == nil {
		return "", fmt.Errorf("%w: no lookup configured", ErrResolution)
	}

	key := strings.ToLower(identifier)
	if r.cache != nil {
		if email, ok := r.cache.Get(key); ok {
			return email, nil
		}
	}

	email, err := r.lookup.LookupEmail(ctx, identifier)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolution, err)
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("%w: empty email for %q", ErrResolution, identifier)
	}

	if r.cache != nil {
		r.cache.Add(key, email)
	}
	return email, nil
}

// Forget drops a cached username, for example after an email change.
func (r *Resolver) Forget(username string) {
	if r == nil || r.cache == nil {
		return
	}
	r.cache.Remove(strings.ToLower(strings.TrimSpace(username)))
}
