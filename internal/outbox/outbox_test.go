package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
)

type recordingPublisher struct {
	mu      sync.Mutex
	got     []*Entry
	failIDs map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, e *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failIDs[e.AggregateID] {
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, e)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.got))
	for i, e := range p.got {
		ids[i] = e.AggregateID
	}
	return ids
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func appendAt(t *testing.T, s Store, aggregateID string, at time.Time) *Entry {
	t.Helper()
	e := NewEntry("trust_profile", aggregateID, "BEHAVIOR_ANALYSIS", []byte(`{"ok":true}`))
	e.CreatedAt = at
	require.NoError(t, s.Append(context.Background(), e))
	return e
}

func TestMemoryStore_FetchOldestFirst(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	appendAt(t, s, "b", base.Add(2*time.Second))
	appendAt(t, s, "a", base.Add(time.Second))
	appendAt(t, s, "c", base.Add(3*time.Second))

	got, err := s.FetchUnprocessed(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].AggregateID)
	assert.Equal(t, "b", got[1].AggregateID)
}

func TestMemoryStore_MarkProcessedTwice(t *testing.T) {
	s := NewMemoryStore()
	e := appendAt(t, s, "a", time.Now())

	require.NoError(t, s.MarkProcessed(context.Background(), e.ID, time.Now()))
	assert.ErrorIs(t, s.MarkProcessed(context.Background(), e.ID, time.Now()), ErrEntryNotFound)

	n, err := s.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemoryStore_DeleteProcessedBefore(t *testing.T) {
	s := NewMemoryStore()
	old := appendAt(t, s, "old", time.Now())
	appendAt(t, s, "pending", time.Now())
	require.NoError(t, s.MarkProcessed(context.Background(), old.ID, time.Now().Add(-48*time.Hour)))

	n, err := s.DeleteProcessedBefore(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := s.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestRelay_PublishesAndMarks(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	appendAt(t, s, "a", base)
	appendAt(t, s, "b", base.Add(time.Millisecond))

	pub := &recordingPublisher{}
	r := NewRelay(s, pub, quietLogger())

	assert.Equal(t, 2, r.Poll(context.Background()))
	assert.Equal(t, []string{"a", "b"}, pub.published())

	// Nothing left on the next poll.
	assert.Equal(t, 0, r.Poll(context.Background()))
}

func TestRelay_FailureStopsBatchAndRetries(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	appendAt(t, s, "a", base)
	appendAt(t, s, "bad", base.Add(time.Millisecond))
	appendAt(t, s, "c", base.Add(2*time.Millisecond))

	pub := &recordingPublisher{failIDs: map[string]bool{"bad": true}}
	r := NewRelay(s, pub, quietLogger())

	assert.Equal(t, 1, r.Poll(context.Background()))
	assert.Equal(t, []string{"a"}, pub.published())

	pub.mu.Lock()
	pub.failIDs = nil
	pub.mu.Unlock()

	assert.Equal(t, 2, r.Poll(context.Background()))
	assert.Equal(t, []string{"a", "bad", "c"}, pub.published())
}

func TestRelay_BreakerSkipsPollsWhileOpen(t *testing.T) {
	s := NewMemoryStore()
	appendAt(t, s, "bad", time.Now())

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	breaker := circuitbreaker.New(2, time.Minute).WithClock(func() time.Time { return now })
	pub := &recordingPublisher{failIDs: map[string]bool{"bad": true}}
	r := NewRelay(s, pub, quietLogger()).WithBreaker(breaker)

	assert.Equal(t, 0, r.Poll(context.Background()))
	assert.Equal(t, 0, r.Poll(context.Background()))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(BreakerKey))

	// Broker recovers, but the circuit stays open until the window passes.
	pub.mu.Lock()
	pub.failIDs = nil
	pub.mu.Unlock()
	assert.Equal(t, 0, r.Poll(context.Background()))
	assert.Empty(t, pub.published())

	now = now.Add(time.Minute)
	assert.Equal(t, 1, r.Poll(context.Background()))
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(BreakerKey))
}

func TestRelay_BreakerIgnoresEmptyPolls(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	breaker := circuitbreaker.New(1, time.Minute).WithClock(func() time.Time { return now })
	breaker.RecordFailure(BreakerKey)
	now = now.Add(time.Minute)

	s := NewMemoryStore()
	pub := &recordingPublisher{}
	r := NewRelay(s, pub, quietLogger()).WithBreaker(breaker)

	// Nothing pending: the half-open probe is not spent.
	assert.Equal(t, 0, r.Poll(context.Background()))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(BreakerKey))

	appendAt(t, s, "a", time.Now())
	assert.Equal(t, 1, r.Poll(context.Background()))
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(BreakerKey))
}

func TestRelay_StartDrainsOnStop(t *testing.T) {
	s := NewMemoryStore()
	appendAt(t, s, "a", time.Now())

	pub := &recordingPublisher{}
	r := NewRelay(s, pub, quietLogger()).WithPollInterval(time.Hour)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()
	r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, []string{"a"}, pub.published())
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), NewEntry("x", "y", "z", nil)))
	p.Close()
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, splitBrokers(""))
}

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{}, quietLogger())
	assert.Error(t, err)
}
