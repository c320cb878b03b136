package trust

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned by MemoryQueue when its buffer is exhausted.
var ErrQueueFull = errors.New("analysis queue full")

// Trigger names what caused a task to be queued.
type Trigger string

const (
	TriggerLogin  Trigger = "login"
	TriggerManual Trigger = "manual"
)

// Task asks the worker to analyze one account.
type Task struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"accountId"`
	Trigger    Trigger   `json:"trigger"`
	RequestID  string    `json:"requestId,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`

	raw string // encoded form held in the processing list
}

// Queue is a durable FIFO of analysis tasks. Dequeue blocks until a task is
// available, the backend's poll window elapses (nil, nil), or ctx ends. A
// dequeued task stays reserved until Ack.
type Queue interface {
	Enqueue(ctx context.Context, t *Task) error
	Dequeue(ctx context.Context) (*Task, error)
	Ack(ctx context.Context, t *Task) error
	Len(ctx context.Context) (int64, error)
}

// MemoryQueue is a process-local Queue for development and tests. Tasks do
// not survive a restart.
type MemoryQueue struct {
	ch   chan *Task
	wait time.Duration

	mu       sync.Mutex
	inFlight map[string]*Task
}

// NewMemoryQueue creates a queue buffering up to size tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	if size < 1 {
		size = 1
	}
	return &MemoryQueue{
		ch:       make(chan *Task, size),
		wait:     time.Second,
		inFlight: make(map[string]*Task),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, t *Task) error {
	select {
	case q.ch <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	timer := time.NewTimer(q.wait)
	defer timer.Stop()
	select {
	case t := <-q.ch:
		q.mu.Lock()
		q.inFlight[t.ID] = t
		q.mu.Unlock()
		return t, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, t *Task) error {
	q.mu.Lock()
	delete(q.inFlight, t.ID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// InFlight reports how many tasks are dequeued but not yet acknowledged.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}
