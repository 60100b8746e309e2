package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingLookup struct {
	calls atomic.Int32
	email string
	err   error
}

func (c *countingLookup) LookupEmail(_ context.Context, _ string) (string, error) {
	c.calls.Add(1)
	return c.email, c.err
}

func TestResolveEmailPassesThroughWithoutLookup(t *testing.T) {
	lookup := &countingLookup{email: "never@used"}
	r := New(lookup, Config{})

	got, err := r.Resolve(context.Background(), "a@b.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "a@b.com" {
		t.Fatalf("expected a@b.com, got %q", got)
	}
	if n := lookup.calls.Load(); n != 0 {
		t.Fatalf("expected zero lookups, got %d", n)
	}
}

func TestResolveUsernamePerformsExactlyOneLookup(t *testing.T) {
	lookup := &countingLookup{email: "a@b.com"}
	r := New(lookup, Config{})

	got, err := r.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "a@b.com" {
		t.Fatalf("expected a@b.com, got %q", got)
	}
	if n := lookup.calls.Load(); n != 1 {
		t.Fatalf("expected one lookup, got %d", n)
	}
}

func TestResolveLookupFailureWrapsResolutionError(t *testing.T) {
	r := New(&countingLookup{err: errors.New("boom")}, Config{})
	if _, err := r.Resolve(context.Background(), "alice"); !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
}

func TestResolveEmptyEmailIsFailure(t *testing.T) {
	r := New(&countingLookup{email: "  "}, Config{})
	if _, err := r.Resolve(context.Background(), "alice"); !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
}

func TestResolveEmptyIdentifier(t *testing.T) {
	lookup := &countingLookup{email: "a@b.com"}
	r := New(lookup, Config{})
	if _, err := r.Resolve(context.Background(), "   "); !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
	if lookup.calls.Load() != 0 {
		t.Fatal("empty identifier must not hit the backend")
	}
}

func TestResolveCacheServesRepeatLookups(t *testing.T) {
	lookup := &countingLookup{email: "a@b.com"}
	r := New(lookup, Config{CacheSize: 8, CacheTTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, "Alice"); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if n := lookup.calls.Load(); n != 1 {
		t.Fatalf("expected cached lookups to hit backend once, got %d", n)
	}

	r.Forget("alice")
	if _, err := r.Resolve(ctx, "alice"); err != nil {
		t.Fatalf("resolve after forget: %v", err)
	}
	if n := lookup.calls.Load(); n != 2 {
		t.Fatalf("expected forget to force a lookup, got %d calls", n)
	}
}

func TestResolveFailuresAreNotCached(t *testing.T) {
	lookup := &countingLookup{err: errors.New("down")}
	r := New(lookup, Config{CacheSize: 8, CacheTTL: time.Minute})
	ctx := context.Background()

	_, _ = r.Resolve(ctx, "alice")
	lookup.err = nil
	lookup.email = "a@b.com"
	got, err := r.Resolve(ctx, "alice")
	if err != nil || got != "a@b.com" {
		t.Fatalf("expected recovery after failure, got %q %v", got, err)
	}
}
