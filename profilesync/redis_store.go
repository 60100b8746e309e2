package profilesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps Redis transport failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

// RedisTaskStore keeps each task as JSON under "<prefix>:profile-task:<id>"
// and indexes pending and running tasks in the sorted set "<prefix>:profile-due"
// scored by NextAttempt (the lease expiry while running) in unix milliseconds.
type RedisTaskStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisTaskStore returns a RedisTaskStore. Terminal tasks expire after
// retention; retention <= 0 keeps them forever.
func NewRedisTaskStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisTaskStore {
	if prefix == "" {
		prefix = "tmauth"
	}
	return &RedisTaskStore{redis: client, prefix: prefix, retention: retention}
}

func (s *RedisTaskStore) taskKey(id string) string { return s.prefix + ":profile-task:" + id }
func (s *RedisTaskStore) dueKey() string          { return s.prefix + ":profile-due" }

func (s *RedisTaskStore) Put(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode profile task: %w", err)
	}

	var ttl time.Duration
	if task.Status.Terminal() && s.retention > 0 {
		ttl = s.retention
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.taskKey(task.ID), data, ttl)
		if !task.Status.Terminal() {
			pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(task.NextAttempt.UnixMilli()), Member: task.ID})
		} else {
			pipe.ZRem(ctx, s.dueKey(), task.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisTaskStore) Get(ctx context.Context, id string) (Task, error) {
	data, err := s.redis.Get(ctx, s.taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, fmt.Errorf("decode profile task %s: %w", id, err)
	}
	return task, nil
}

func (s *RedisTaskStore) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.redis.ZRangeByScore(ctx, s.dueKey(), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			// Index entry outlived its task; drop it.
			_ = s.redis.ZRem(ctx, s.dueKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if task.dueAt(now) {
			out = append(out, task)
		}
	}
	return out, nil
}
