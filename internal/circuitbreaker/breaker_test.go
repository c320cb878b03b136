package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const key = "audit-publisher"

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newBreaker(threshold int, open time.Duration) (*Breaker, *clock) {
	c := &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	return New(threshold, open).WithClock(c.Now), c
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newBreaker(3, time.Second)
	assert.True(t, b.Allow(key))
	assert.Equal(t, StateClosed, b.State(key))
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newBreaker(3, time.Second)

	b.RecordFailure(key)
	b.RecordFailure(key)
	assert.True(t, b.Allow(key))

	b.RecordFailure(key)
	assert.False(t, b.Allow(key))
	assert.Equal(t, StateOpen, b.State(key))
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, c := newBreaker(2, time.Second)
	b.RecordFailure(key)
	b.RecordFailure(key)

	c.Advance(999 * time.Millisecond)
	assert.False(t, b.Allow(key))

	c.Advance(time.Millisecond)
	assert.True(t, b.Allow(key))
	assert.Equal(t, StateHalfOpen, b.State(key))
	assert.False(t, b.Allow(key), "second call while probing")
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, c := newBreaker(2, time.Second)
	b.RecordFailure(key)
	b.RecordFailure(key)
	c.Advance(time.Second)
	require.True(t, b.Allow(key))

	b.RecordSuccess(key)
	assert.Equal(t, StateClosed, b.State(key))
	assert.True(t, b.Allow(key))
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, c := newBreaker(2, time.Second)
	b.RecordFailure(key)
	b.RecordFailure(key)
	c.Advance(time.Second)
	require.True(t, b.Allow(key))

	b.RecordFailure(key)
	assert.Equal(t, StateOpen, b.State(key))
	assert.False(t, b.Allow(key))

	// The open window restarts from the failed probe.
	c.Advance(time.Second)
	assert.True(t, b.Allow(key))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newBreaker(3, time.Second)

	b.RecordFailure(key)
	b.RecordFailure(key)
	b.RecordSuccess(key)
	b.RecordFailure(key)
	assert.True(t, b.Allow(key))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newBreaker(2, time.Second)

	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	assert.False(t, b.Allow("kafka"))
	assert.True(t, b.Allow("redis"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, c := newBreaker(2, time.Second)

	type change struct{ from, to State }
	var got []change
	b.OnTransition(func(_ string, from, to State) {
		got = append(got, change{from, to})
	})

	b.RecordFailure(key)
	b.RecordFailure(key)
	c.Advance(time.Second)
	b.Allow(key)
	b.RecordSuccess(key)

	assert.Equal(t, []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, got)
}

func TestNew_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, DefaultThreshold, b.threshold)
	assert.Equal(t, DefaultOpenDuration, b.openDuration)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
