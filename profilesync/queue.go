package profilesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueClosed is returned by Enqueue and Retry after Close.
	ErrQueueClosed = errors.New("profile queue closed")
	// ErrInvalidProfile is returned for profiles without a user id.
	ErrInvalidProfile = errors.New("invalid profile")
	// ErrNotRetryable is returned by Retry for tasks that have not failed.
	ErrNotRetryable = errors.New("profile task not in failed state")
)

// Creator performs the backend profile creation.
type Creator interface {
	CreateProfile(ctx context.Context, p Profile) error
}

// CreatorFunc adapts a function to [Creator].
type CreatorFunc func(ctx context.Context, p Profile) error

func (f CreatorFunc) CreateProfile(ctx context.Context, p Profile) error {
	return f(ctx, p)
}

// Config tunes workers and retries.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	// SweepSpec is a cron spec for re-dispatching due tasks, e.g. "@every 30s".
	// Empty disables the sweep.
	SweepSpec  string
	SweepBatch int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        2,
		QueueSize:      64,
		MaxAttempts:    5,
		BaseBackoff:    time.Second,
		MaxBackoff:     time.Minute,
		AttemptTimeout: 10 * time.Second,
		SweepSpec:      "@every 30s",
		SweepBatch:     100,
	}
}

// Stats counts attempt outcomes since the queue was created.
type Stats struct {
	Enqueued  uint64
	Attempts  uint64
	Succeeded uint64
	Retried   uint64
	Failed    uint64
}

// Queue delivers profiles to a Creator.
type Queue struct {
	cfg     Config
	creator Creator
	store   TaskStore
	logger  logrus.FieldLogger
	now     func() time.Time

	ch   chan string
	stop chan struct{}
	wg   sync.WaitGroup
	cron *cron.Cron

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	subMu  sync.Mutex
	subID  uint64
	subs   map[uint64]chan Task
	timers map[string]*time.Timer

	enqueued, attempts, succeeded, retried, failed atomic.Uint64
}

// New returns a Queue. Workers do not run until Start.
func New(creator Creator, store TaskStore, cfg Config, logger logrus.FieldLogger) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if store == nil {
		store = NewMemoryTaskStore()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Queue{
		cfg:      cfg,
		creator:  creator,
		store:    store,
		logger:   logger.WithField("component", "profilesync"),
		now:      time.Now,
		ch:       make(chan string, cfg.QueueSize),
		stop:     make(chan struct{}),
		inflight: make(map[string]struct{}),
		subs:     make(map[uint64]chan Task),
		timers:   make(map[string]*time.Timer),
	}
}

// Start launches the workers and the sweep schedule, then runs one sweep so
// tasks persisted before a restart are picked up.
func (q *Queue) Start(ctx context.Context) error {
	var err error
	q.startOnce.Do(func() {
		if q.closed.Load() {
			err = ErrQueueClosed
			return
		}
		for i := 0; i < q.cfg.Workers; i++ {
			q.wg.Add(1)
			go q.worker()
		}

		if spec := strings.TrimSpace(q.cfg.SweepSpec); spec != "" {
			q.cron = cron.New()
			if _, cerr := q.cron.AddFunc(spec, func() {
				if serr := q.Sweep(context.Background()); serr != nil {
					q.logger.WithError(serr).Warn("profile sweep failed")
				}
			}); cerr != nil {
				err = fmt.Errorf("invalid sweep spec %q: %w", spec, cerr)
				return
			}
			q.cron.Start()
		}

		if serr := q.Sweep(ctx); serr != nil {
			q.logger.WithError(serr).Warn("initial profile sweep failed")
		}
	})
	return err
}

// Enqueue persists p as a pending task and hands it to a worker without
// waiting for delivery.
func (q *Queue) Enqueue(ctx context.Context, p Profile) (string, error) {
	if q.closed.Load() {
		return "", ErrQueueClosed
	}
	if strings.TrimSpace(p.UserID) == "" {
		return "", ErrInvalidProfile
	}

	now := q.now()
	task := Task{
		ID:          uuid.NewString(),
		Profile:     p,
		Status:      StatusPending,
		NextAttempt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Put(ctx, task); err != nil {
		return "", err
	}
	q.enqueued.Add(1)
	q.publish(task)
	q.dispatch(task.ID)
	return task.ID, nil
}

// Task returns the current state of id.
func (q *Queue) Task(ctx context.Context, id string) (Task, error) {
	return q.store.Get(ctx, id)
}

// Retry re-arms a failed task with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	task, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != StatusFailed {
		return ErrNotRetryable
	}

	task.Status = StatusPending
	task.Attempts = 0
	task.NextAttempt = q.now()
	task.UpdatedAt = task.NextAttempt
	if err := q.store.Put(ctx, task); err != nil {
		return err
	}
	q.publish(task)
	q.dispatch(id)
	return nil
}

// Subscribe streams every task state change. Slow subscribers miss updates
// once their buffer is full; the store stays authoritative.
func (q *Queue) Subscribe() (<-chan Task, func()) {
	ch := make(chan Task, q.cfg.QueueSize)
	q.subMu.Lock()
	q.subID++
	id := q.subID
	q.subs[id] = ch
	q.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.subMu.Lock()
			delete(q.subs, id)
			q.subMu.Unlock()
		})
	}
}

// Sweep dispatches every due pending task and every running task whose
// lease expired.
func (q *Queue) Sweep(ctx context.Context) error {
	due, err := q.store.Due(ctx, q.now(), q.cfg.SweepBatch)
	if err != nil {
		return err
	}
	for _, task := range due {
		q.dispatch(task.ID)
	}
	return nil
}

// Stats returns attempt counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Attempts:  q.attempts.Load(),
		Succeeded: q.succeeded.Load(),
		Retried:   q.retried.Load(),
		Failed:    q.failed.Load(),
	}
}

// Close stops the sweep and waits for in-flight attempts. Pending tasks stay
// in the store for the next process.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		if q.cron != nil {
			<-q.cron.Stop().Done()
		}
		q.subMu.Lock()
		for id, t := range q.timers {
			t.Stop()
			delete(q.timers, id)
		}
		q.subMu.Unlock()
		close(q.stop)
		q.wg.Wait()
	})
}

func (q *Queue) dispatch(id string) {
	if q.closed.Load() {
		return
	}
	select {
	case q.ch <- id:
	default:
		// Full; the next sweep picks it up.
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case id := <-q.ch:
			q.process(id)
		}
	}
}

func (q *Queue) claim(id string) bool {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	if _, busy := q.inflight[id]; busy {
		return false
	}
	q.inflight[id] = struct{}{}
	return true
}

func (q *Queue) release(id string) {
	q.inflightMu.Lock()
	delete(q.inflight, id)
	q.inflightMu.Unlock()
}

func (q *Queue) process(id string) {
	if !q.claim(id) {
		return
	}
	defer q.release(id)

	ctx := context.Background()
	log := q.logger.WithField("task_id", id)

	task, err := q.store.Get(ctx, id)
	if err != nil {
		log.WithError(err).Warn("load profile task")
		return
	}
	if !task.dueAt(q.now()) {
		return
	}
	if task.Status == StatusRunning {
		log.WithField("attempts", task.Attempts).Warn("reclaiming profile task with expired lease")
	}

	task.Status = StatusRunning
	task.Attempts++
	task.UpdatedAt = q.now()
	lease := task.UpdatedAt.Add(q.cfg.AttemptTimeout)
	task.NextAttempt = lease
	if err := q.store.Put(ctx, task); err != nil {
		log.WithError(err).Warn("mark profile task running")
		return
	}
	q.publish(task)
	q.attempts.Add(1)

	err = q.attempt(task.Profile)
	task.UpdatedAt = q.now()
	switch {
	case err == nil:
		task.Status = StatusSucceeded
		task.LastError = ""
		q.succeeded.Add(1)
	case task.Attempts >= q.cfg.MaxAttempts:
		task.Status = StatusFailed
		task.LastError = err.Error()
		q.failed.Add(1)
		log.WithError(err).WithField("attempts", task.Attempts).Error("profile creation failed permanently")
	default:
		wait := q.backoff(task.Attempts)
		task.Status = StatusPending
		task.LastError = err.Error()
		task.NextAttempt = task.UpdatedAt.Add(wait)
		q.retried.Add(1)
		log.WithError(err).WithField("retry_in", wait).Warn("profile creation failed, retrying")
	}

	if perr := q.store.Put(ctx, task); perr != nil {
		// The stored copy is still Running; try again once its lease expires.
		log.WithError(perr).Error("persist profile task outcome")
		q.scheduleRetry(task.ID, lease.Sub(q.now()))
		return
	}
	q.publish(task)

	if task.Status == StatusPending {
		q.scheduleRetry(task.ID, task.NextAttempt.Sub(task.UpdatedAt))
	}
}

func (q *Queue) attempt(p Profile) (err error) {
	if q.creator == nil {
		return errors.New("no profile creator configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("profile creator panicked: %v", r)
		}
	}()
	return q.creator.CreateProfile(ctx, p)
}

func (q *Queue) scheduleRetry(id string, wait time.Duration) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	if q.closed.Load() {
		return
	}
	if t, ok := q.timers[id]; ok {
		t.Stop()
	}
	q.timers[id] = time.AfterFunc(wait, func() {
		q.subMu.Lock()
		delete(q.timers, id)
		q.subMu.Unlock()
		q.dispatch(id)
	})
}

func (q *Queue) backoff(attempts int) time.Duration {
	wait := q.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return wait
}

func (q *Queue) publish(task Task) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for _, ch := range q.subs {
		select {
		case ch <- task:
		default:
		}
	}
}
