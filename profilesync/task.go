package profilesync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("profile task not found")

// Profile is the backend profile row keyed by the provider user id.
type Profile struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Status is the lifecycle state of a [Task].
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further attempts will be made without Retry.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Task is one profile creation and its delivery state. While a task is
// Running, NextAttempt is its lease expiry: a Running task past its lease
// belongs to an attempt that died or lost its outcome and is due again.
type Task struct {
	ID          string    `json:"id"`
	Profile     Profile   `json:"profile"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	NextAttempt time.Time `json:"next_attempt"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (t Task) dueAt(now time.Time) bool {
	return (t.Status == StatusPending || t.Status == StatusRunning) && !t.NextAttempt.After(now)
}

// TaskStore persists tasks.
type TaskStore interface {
	Put(ctx context.Context, task Task) error
	Get(ctx context.Context, id string) (Task, error)
	// Due returns pending tasks and running tasks with an expired lease whose
	// NextAttempt is not after now, oldest first, at most limit.
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
}

// MemoryTaskStore is a process-local TaskStore.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewMemoryTaskStore returns an empty MemoryTaskStore.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

func (m *MemoryTaskStore) Put(_ context.Context, task Task) error {
	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()
	return nil
}

func (m *MemoryTaskStore) Get(_ context.Context, id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return task, nil
}

func (m *MemoryTaskStore) Due(_ context.Context, now time.Time, limit int) ([]Task, error) {
	m.mu.RLock()
	out := make([]Task, 0)
	for _, task := range m.tasks {
		if task.dueAt(now) {
			out = append(out, task)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Task) int {
		return a.NextAttempt.Compare(b.NextAttempt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
