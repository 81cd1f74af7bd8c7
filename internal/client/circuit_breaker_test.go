package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	cb.now = func() time.Time { return now }

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow(), "closed allows requests")

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "remains closed after 2 failures")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State(), "trips after 3 failures")
	assert.False(t, cb.Allow())

	now = now.Add(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "one probe at a time")

	// Probe fails: open again, with a fresh timeout.
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	now = now.Add(50 * time.Millisecond)
	assert.False(t, cb.Allow())

	now = now.Add(100 * time.Millisecond)
	assert.True(t, cb.Allow())

	// Probe succeeds: closed, failures reset.
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.failures)

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(7).String())
}
