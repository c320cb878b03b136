package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisQueueKey = "trustgate:analysis:pending"
	processingSuffix     = ":processing"
)

// Compile-time check that RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// RedisQueue is a reliable list queue: producers LPUSH onto the pending list,
// consumers BRPOPLPUSH into a processing list and LREM on Ack. Tasks left in
// the processing list by a crashed worker are moved back by Recover.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	wait       time.Duration
}

// NewRedisQueue creates a queue under key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisQueueKey
	}
	return &RedisQueue{
		client:     client,
		pending:    key,
		processing: key + processingSuffix,
		wait:       5 * time.Second,
	}
}

// WithPollWait sets how long Dequeue blocks on an empty queue.
func (q *RedisQueue) WithPollWait(d time.Duration) *RedisQueue {
	q.wait = d
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, t *Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	raw, err := q.client.BRPopLPush(ctx, q.pending, q.processing, q.wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dequeue task: %w", err)
	}

	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// Drop undecodable payloads so they cannot wedge the processing list.
		_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
		return nil, fmt.Errorf("decode task: %w", err)
	}
	t.raw = raw
	return &t, nil
}

func (q *RedisQueue) Ack(ctx context.Context, t *Task) error {
	if t.raw == "" {
		return fmt.Errorf("ack task %s: not dequeued from redis", t.ID)
	}
	if err := q.client.LRem(ctx, q.processing, 1, t.raw).Err(); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Recover moves every task left in the processing list back to pending.
// Call once at startup before workers run.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.pending).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover tasks: %w", err)
		}
		moved++
	}
}
