package trust

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/retry"
)

type scriptedAnalyzer struct {
	mu    sync.Mutex
	calls map[string]int
	errs  []error // returned in order, then nil
}

func (s *scriptedAnalyzer) Analyze(_ context.Context, accountID string) (*Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[accountID]++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Analysis{AccountID: accountID}, nil
}

func (s *scriptedAnalyzer) callCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[accountID]
}

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func runWorker(t *testing.T, q Queue, a Analyzer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(q, a, discardLogger()).WithPolicy(fastPolicy)
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		w.Stop()
		cancel()
		<-done
	})
}

func TestWorker_ProcessesTask(t *testing.T) {
	q := NewMemoryQueue(4)
	a := &scriptedAnalyzer{}
	require.NoError(t, q.Enqueue(context.Background(), &Task{ID: "t1", AccountID: "acct_1", Trigger: TriggerLogin}))

	runWorker(t, q, a)

	require.Eventually(t, func() bool {
		return a.callCount("acct_1") == 1 && q.InFlight() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	q := NewMemoryQueue(4)
	a := &scriptedAnalyzer{errs: []error{ErrConflict, errors.New("db timeout")}}
	require.NoError(t, q.Enqueue(context.Background(), &Task{ID: "t1", AccountID: "acct_2"}))

	runWorker(t, q, a)

	require.Eventually(t, func() bool {
		return a.callCount("acct_2") == 3 && q.InFlight() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_DropsMissingAccountWithoutRetry(t *testing.T) {
	q := NewMemoryQueue(4)
	a := &scriptedAnalyzer{errs: []error{ErrNotFound}}
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &Task{ID: "t1", AccountID: "ghost"}))
	require.NoError(t, q.Enqueue(ctx, &Task{ID: "t2", AccountID: "acct_3"}))

	runWorker(t, q, a)

	require.Eventually(t, func() bool {
		return a.callCount("acct_3") == 1 && q.InFlight() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, a.callCount("ghost"))
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(4)
	boom := errors.New("boom")
	a := &scriptedAnalyzer{errs: []error{boom, boom, boom, boom}}
	require.NoError(t, q.Enqueue(context.Background(), &Task{ID: "t1", AccountID: "acct_4"}))

	runWorker(t, q, a)

	require.Eventually(t, func() bool {
		return a.callCount("acct_4") == 3 && q.InFlight() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	w := NewWorker(NewMemoryQueue(1), &scriptedAnalyzer{}, discardLogger())
	w.Stop()
	w.Stop()

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after Stop")
	}
}

func TestWorker_EndToEndWithService(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, "acct_5")
	q := NewMemoryQueue(8)
	f.svc.WithQueue(q).WithAnalyzeEveryNLogins(1)

	_, err := f.svc.RecordLogin(context.Background(), "acct_5")
	require.NoError(t, err)

	runWorker(t, q, f.svc)

	require.Eventually(t, func() bool {
		records, err := f.store.ListAudit(context.Background(), "acct_5", "", 10)
		return err == nil && len(records) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// syncBuffer is a bytes.Buffer safe for a worker goroutine to write while the
// test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWorker_AnalysisLogsThroughWorkerLogger(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, "acct_log")

	var out syncBuffer
	q := NewMemoryQueue(4)
	w := NewWorker(q, f.svc, logging.NewWithWriter(&out, "info", "json")).WithPolicy(fastPolicy)
	require.NoError(t, q.Enqueue(context.Background(), &Task{
		ID:        "t-log",
		AccountID: "acct_log",
		Trigger:   TriggerLogin,
		RequestID: "req-login-5",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		w.Stop()
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "trust analysis committed")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), `"request_id":"req-login-5"`)
}
