package trust

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/retry"
)

// Analyzer is the part of Service the queue worker drives.
type Analyzer interface {
	Analyze(ctx context.Context, accountID string) (*Analysis, error)
}

// Worker consumes the analysis queue.
type Worker struct {
	queue    Queue
	analyzer Analyzer
	policy   retry.Policy
	timeout  time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a queue worker using retry.DefaultPolicy.
func NewWorker(queue Queue, analyzer Analyzer, logger *slog.Logger) *Worker {
	return &Worker{
		queue:    queue,
		analyzer: analyzer,
		policy:   retry.DefaultPolicy,
		timeout:  30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithPolicy overrides the per-task retry policy.
func (w *Worker) WithPolicy(p retry.Policy) *Worker {
	w.policy = p
	return w
}

// Start consumes tasks until ctx is done or Stop is called. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("analysis worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("analysis queue dequeue failed", "error", err)
			if w.pause(ctx, time.Second) {
				return
			}
			continue
		}
		if n, err := w.queue.Len(ctx); err == nil {
			metrics.QueueDepth.Set(float64(n))
		}
		if task == nil {
			continue
		}
		w.process(ctx, task)
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) process(ctx context.Context, task *Task) {
	tctx := logging.WithLogger(ctx, w.logger)
	tctx = logging.WithRequestID(tctx, task.RequestID)
	tctx, cancel := context.WithTimeout(tctx, w.timeout)
	defer cancel()

	policy := w.policy
	policy.OnRetry = func(attempt int, err error) {
		metrics.QueueTasksTotal.WithLabelValues("retried").Inc()
		w.logger.Debug("retrying analysis task", "task_id", task.ID, "attempt", attempt, "error", err)
	}

	err := retry.Do(tctx, policy, func(ctx context.Context) error {
		_, err := w.analyzer.Analyze(ctx, task.AccountID)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthenticated) {
			return retry.Permanent(err)
		}
		return err
	})

	result := "ok"
	if err != nil {
		result = "dropped"
		w.logger.Warn("analysis task dropped",
			"task_id", task.ID,
			"account_id", task.AccountID,
			"trigger", task.Trigger,
			"error", err,
		)
	}
	metrics.QueueTasksTotal.WithLabelValues(result).Inc()

	if err := w.queue.Ack(ctx, task); err != nil {
		w.logger.Warn("failed to ack analysis task", "task_id", task.ID, "error", err)
	}
}

// pause sleeps for d and reports whether the worker was told to exit meanwhile.
func (w *Worker) pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-w.stop:
		return true
	case <-t.C:
		return false
	}
}
