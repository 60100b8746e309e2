package provider

import (
	"context"
	"slices"
	"sync"
	"time"
)

// EventKind is the closed set of session-change notifications.
type EventKind uint8

const (
	// SignedIn is emitted when a new session is established.
	SignedIn EventKind = iota + 1
	// SignedOut is emitted when the session is removed.
	SignedOut
	// TokenRefreshed is emitted when the access token rotates for the same user.
	TokenRefreshed
	// PasswordRecovery is emitted when a recovery session is established.
	PasswordRecovery
)

func (k EventKind) String() string {
	switch k {
	case SignedIn:
		return "SIGNED_IN"
	case SignedOut:
		return "SIGNED_OUT"
	case TokenRefreshed:
		return "TOKEN_REFRESHED"
	case PasswordRecovery:
		return "PASSWORD_RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// Event is one session-change notification. Session is nil for SignedOut.
type Event struct {
	Kind    EventKind
	Session *Session
	At      time.Time
}

const defaultSubscriberBuffer = 16

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) cancel() {
	s.once.Do(func() { close(s.done) })
}

// Broadcaster fans events out to subscribers. Publish calls are serialized so
// every subscriber observes the same order.
type Broadcaster struct {
	buffer int

	publishMu sync.Mutex

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// NewBroadcaster creates a Broadcaster whose subscriber channels hold buffer
// events before Publish blocks.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers a new subscriber. The returned function cancels the
// subscription; it is safe to call more than once. The channel is never
// closed, consumers stop reading once they cancel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.cancel()
	}
}

// Publish delivers ev to every current subscriber. It blocks on a full
// subscriber until the subscriber drains, cancels, or ctx is done.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) {
	if b == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		targets = append(targets, b.subs[id])
	}
	b.mu.Unlock()

	for _, sub := range targets {
		out := ev
		out.Session = ev.Session.Clone()
		select {
		case sub.ch <- out:
		case <-sub.done:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
