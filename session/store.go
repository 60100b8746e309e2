package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no session record is stored.
var ErrNotFound = errors.New("session record not found")

// ErrRedisUnavailable wraps Redis transport failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

const defaultVerifierTTL = 10 * time.Minute

// Store persists one session record and one pending code verifier.
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, r *Record) error
	Delete(ctx context.Context) error
	SaveCodeVerifier(ctx context.Context, verifier string) error
	// TakeCodeVerifier returns and removes the pending verifier. It returns
	// "" with a nil error when none is pending.
	TakeCodeVerifier(ctx context.Context) (string, error)
}

// RedisStore keeps the record under "<prefix>:session" and the verifier under
// "<prefix>:code-verifier".
type RedisStore struct {
	redis       redis.UniversalClient
	prefix      string
	verifierTTL time.Duration
}

// NewRedisStore returns a RedisStore. verifierTTL <= 0 uses ten minutes.
func NewRedisStore(client redis.UniversalClient, prefix string, verifierTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "tmauth"
	}
	if verifierTTL <= 0 {
		verifierTTL = defaultVerifierTTL
	}
	return &RedisStore{redis: client, prefix: prefix, verifierTTL: verifierTTL}
}

func (s *RedisStore) sessionKey() string  { return s.prefix + ":session" }
func (s *RedisStore) verifierKey() string { return s.prefix + ":code-verifier" }

func (s *RedisStore) Load(ctx context.Context) (*Record, error) {
	data, err := s.redis.Get(ctx, s.sessionKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return Decode(data)
}

func (s *RedisStore) Save(ctx context.Context, r *Record) error {
	encoded, err := Encode(r)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.sessionKey(), encoded, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Delete is idempotent.
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.sessionKey()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) SaveCodeVerifier(ctx context.Context, verifier string) error {
	if err := s.redis.Set(ctx, s.verifierKey(), verifier, s.verifierTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) TakeCodeVerifier(ctx context.Context) (string, error) {
	v, err := s.redis.GetDel(ctx, s.verifierKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return v, nil
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.Mutex
	record   []byte
	verifier string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return nil, ErrNotFound
	}
	return Decode(m.record)
}

func (m *MemoryStore) Save(_ context.Context, r *Record) error {
	encoded, err := Encode(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.record = encoded
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context) error {
	m.mu.Lock()
	m.record = nil
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SaveCodeVerifier(_ context.Context, verifier string) error {
	m.mu.Lock()
	m.verifier = verifier
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) TakeCodeVerifier(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.verifier
	m.verifier = ""
	return v, nil
}
