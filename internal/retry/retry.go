// Package retry runs operations with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means uncapped
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy is three attempts starting at 200ms.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, exhausts
// p.MaxAttempts, or ctx ends. The delay doubles per attempt with ±25% jitter.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(jittered(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := d / 4
	return d - j + time.Duration(rand.Int64N(int64(2*j+1)))
}
