package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/internal/metrics"
)

// BreakerKey is the circuit breaker key the relay reports publish outcomes under.
const BreakerKey = "audit-publisher"

// Relay polls the outbox and hands pending entries to a Publisher.
type Relay struct {
	store        Store
	publisher    Publisher
	batchSize    int
	pollInterval time.Duration
	retention    time.Duration
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
	now          func() time.Time
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewRelay creates a relay with a 1s poll interval and 7 day retention of
// processed entries.
func NewRelay(store Store, publisher Publisher, logger *slog.Logger) *Relay {
	return &Relay{
		store:        store,
		publisher:    publisher,
		batchSize:    100,
		pollInterval: time.Second,
		retention:    7 * 24 * time.Hour,
		logger:       logger,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
}

// WithPollInterval overrides the poll interval.
func (r *Relay) WithPollInterval(d time.Duration) *Relay {
	if d > 0 {
		r.pollInterval = d
	}
	return r
}

// WithBatchSize overrides the per-poll batch size.
func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// WithBreaker stops publish attempts while the broker keeps failing.
func (r *Relay) WithBreaker(b *circuitbreaker.Breaker) *Relay {
	r.breaker = b
	return r
}

// WithRetention sets how long processed entries are kept. Zero disables cleanup.
func (r *Relay) WithRetention(d time.Duration) *Relay {
	r.retention = d
	return r
}

// Start polls until ctx is done or Stop is called. Call in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case <-r.stop:
			r.drain()
			return
		case <-ticker.C:
			r.Poll(ctx)
		case <-cleanup.C:
			r.cleanup(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Poll publishes one batch and returns how many entries were delivered.
func (r *Relay) Poll(ctx context.Context) int {
	entries, err := r.store.FetchUnprocessed(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("failed to fetch outbox entries", "error", err)
		metrics.OutboxFailedTotal.Inc()
		return 0
	}

	if len(entries) > 0 && r.breaker != nil && !r.breaker.Allow(BreakerKey) {
		return 0
	}

	published := 0
	for _, e := range entries {
		if err := r.publisher.Publish(ctx, e); err != nil {
			r.recordPublish(err)
			r.logger.Warn("failed to publish outbox entry",
				"id", e.ID,
				"event_type", e.EventType,
				"error", err,
			)
			metrics.OutboxFailedTotal.Inc()
			// Stop the batch; later entries for the same aggregate must not overtake this one.
			break
		}
		r.recordPublish(nil)
		if err := r.store.MarkProcessed(ctx, e.ID, r.now()); err != nil {
			// Published but unmarked: it will be re-published and deduped downstream.
			r.logger.Warn("failed to mark outbox entry processed", "id", e.ID, "error", err)
			continue
		}
		metrics.OutboxPublishedTotal.Inc()
		published++
	}

	if n, err := r.store.CountPending(ctx); err == nil {
		metrics.OutboxPending.Set(float64(n))
	}
	return published
}

func (r *Relay) recordPublish(err error) {
	if r.breaker == nil {
		return
	}
	if err != nil {
		r.breaker.RecordFailure(BreakerKey)
		return
	}
	r.breaker.RecordSuccess(BreakerKey)
}

func (r *Relay) cleanup(ctx context.Context) {
	if r.retention <= 0 {
		return
	}
	n, err := r.store.DeleteProcessedBefore(ctx, r.now().Add(-r.retention))
	if err != nil {
		r.logger.Warn("outbox cleanup failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("outbox cleanup completed", "deleted", n)
	}
}

// drain makes a best-effort final pass on shutdown.
func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for r.Poll(ctx) > 0 {
		if ctx.Err() != nil {
			return
		}
	}
}
