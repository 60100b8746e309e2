package provider

import (
	"context"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBroadcasterDeliversInPublishOrder(t *testing.T) {
	b := NewBroadcaster(8)
	ch, cancel := b.Subscribe()
	defer cancel()

	ctx := context.Background()
	b.Publish(ctx, Event{Kind: SignedIn, Session: &Session{AccessToken: "a1", User: User{ID: "u1"}}})
	b.Publish(ctx, Event{Kind: TokenRefreshed, Session: &Session{AccessToken: "a2", User: User{ID: "u1"}}})
	b.Publish(ctx, Event{Kind: SignedOut})

	want := []EventKind{SignedIn, TokenRefreshed, SignedOut}
	for i, kind := range want {
		ev := recvEvent(t, ch)
		if ev.Kind != kind {
			t.Fatalf("event %d: expected %s, got %s", i, kind, ev.Kind)
		}
		if ev.At.IsZero() {
			t.Fatalf("event %d: expected timestamp", i)
		}
	}
}

func TestBroadcasterClonesSessionPerSubscriber(t *testing.T) {
	b := NewBroadcaster(1)
	first, cancelFirst := b.Subscribe()
	defer cancelFirst()
	second, cancelSecond := b.Subscribe()
	defer cancelSecond()

	sess := &Session{AccessToken: "tok", User: User{ID: "u1"}}
	b.Publish(context.Background(), Event{Kind: SignedIn, Session: sess})

	a := recvEvent(t, first)
	c := recvEvent(t, second)
	if a.Session == sess || c.Session == sess || a.Session == c.Session {
		t.Fatal("expected each subscriber to receive its own session copy")
	}
	a.Session.AccessToken = "mutated"
	if c.Session.AccessToken != "tok" || sess.AccessToken != "tok" {
		t.Fatal("mutation leaked across subscribers")
	}
}

func TestBroadcasterUnsubscribeUnblocksPublisher(t *testing.T) {
	b := NewBroadcaster(1)
	_, cancel := b.Subscribe()

	ctx := context.Background()
	b.Publish(ctx, Event{Kind: SignedIn})

	done := make(chan struct{})
	go func() {
		b.Publish(ctx, Event{Kind: SignedOut})
		close(done)
	}()

	cancel()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish stayed blocked after unsubscribe")
	}
	if n := b.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestSessionHelpers(t *testing.T) {
	var nilSession *Session
	if nilSession.Clone() != nil || nilSession.UserID() != "" || nilSession.Expired(time.Now(), 0) {
		t.Fatal("nil session helpers misbehave")
	}

	now := time.Now()
	s := &Session{ExpiresAt: now.Add(30 * time.Second), User: User{ID: "u1"}}
	if s.Expired(now, 0) {
		t.Fatal("session should not be expired yet")
	}
	if !s.Expired(now, time.Minute) {
		t.Fatal("session should be expired inside skew window")
	}
	if s.UserID() != "u1" {
		t.Fatalf("unexpected user id %q", s.UserID())
	}
}
