package refresh

import (
	"sync"
	"time"
)

// MinDelay bounds how soon a refresh may fire, so an already-expired session
// does not spin.
const MinDelay = 50 * time.Millisecond

// Scheduler runs at most one pending callback. A new Schedule supersedes the
// previous one; a superseded callback never runs.
type Scheduler struct {
	margin time.Duration
	now    func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewScheduler returns a Scheduler that fires margin before expiry.
func NewScheduler(margin time.Duration) *Scheduler {
	if margin < 0 {
		margin = 0
	}
	return &Scheduler{margin: margin, now: time.Now}
}

// Schedule arranges for fn to run margin before expiresAt. A zero expiresAt
// cancels any pending callback.
func (s *Scheduler) Schedule(expiresAt time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	if s.stopped || expiresAt.IsZero() || fn == nil {
		return
	}

	delay := expiresAt.Add(-s.margin).Sub(s.now())
	if delay < MinDelay {
		delay = MinDelay
	}

	gen := s.gen
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current := gen == s.gen && !s.stopped
		if current {
			s.timer = nil
		}
		s.mu.Unlock()
		if current {
			fn()
		}
	})
}

// Cancel drops the pending callback, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
}

// Pending reports whether a callback is scheduled.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Stop cancels the pending callback and rejects future schedules.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cancelLocked()
	s.mu.Unlock()
}

func (s *Scheduler) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
