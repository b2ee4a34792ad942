package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
)

const (
	recentKey = "task:recent"

	// maxTxRetries bounds optimistic transaction retries under contention.
	maxTxRetries = 5
)

func recordKey(taskID string) string { return "task:record:" + taskID }

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// TaskStore keeps task records as JSON documents and indexes them by creation
// time in a sorted set. Writes use WATCH/MULTI so each record changes atomically.
type TaskStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Option configures a TaskStore.
type Option func(*TaskStore)

// WithRecordTTL expires records after ttl. Zero keeps them forever.
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *TaskStore) { s.ttl = ttl }
}

// NewTaskStore creates a Redis-backed task store.
func NewTaskStore(client *redis.Client, opts ...Option) *TaskStore {
	s := &TaskStore{client: client}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *TaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *TaskStore) Create(ctx context.Context, rec *domain.TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", rec.ID, err)
	}
	key := recordKey(rec.ID)
	score := float64(rec.CreatedAt.UnixNano())

	return s.withRetry(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis exists %s: %w", rec.ID, err)
		}
		if n > 0 {
			return &domain.DuplicateTaskError{TaskID: rec.ID}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			pipe.ZAdd(ctx, recentKey, redis.Z{Score: score, Member: rec.ID})
			if s.ttl > 0 {
				// Index entries older than the record TTL point at expired keys.
				cutoff := rec.CreatedAt.Add(-s.ttl).UnixNano()
				pipe.ZRemRangeByScore(ctx, recentKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
			}
			return nil
		})
		return err
	})
}

func (s *TaskStore) Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) (*domain.TaskRecord, error) {
	return s.transition(ctx, id, func(r *domain.TaskRecord) error {
		return r.Complete(result, at)
	})
}

func (s *TaskStore) Fail(ctx context.Context, id string, taskErr *domain.TaskError, at time.Time) (*domain.TaskRecord, error) {
	return s.transition(ctx, id, func(r *domain.TaskRecord) error {
		return r.Fail(taskErr, at)
	})
}

func (s *TaskStore) transition(ctx context.Context, id string, fn func(*domain.TaskRecord) error) (*domain.TaskRecord, error) {
	key := recordKey(id)
	var out *domain.TaskRecord

	err := s.withRetry(ctx, key, func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	return s.load(ctx, s.client, id)
}

// ListRecent returns the newest records first. Entries whose document expired
// or cannot be decoded are skipped.
func (s *TaskStore) ListRecent(ctx context.Context, limit int) ([]*domain.TaskRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, recentKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list recent: %w", err)
	}
	out := make([]*domain.TaskRecord, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget records: %w", err)
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.TaskRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *TaskStore) load(ctx context.Context, c redis.Cmdable, id string) (*domain.TaskRecord, error) {
	data, err := c.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("redis get task %s: %w", id, err)
	}
	var rec domain.TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &rec, nil
}

// withRetry runs fn in a WATCH on key and retries when another client
// modified the key before EXEC.
func (s *TaskStore) withRetry(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %s: %w", key, redis.TxFailedErr)
}
