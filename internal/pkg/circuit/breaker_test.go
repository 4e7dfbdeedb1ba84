package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker("binance", 5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
		assert.True(t, b.Allow())
	}

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("binance", 5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	assert.Zero(t, b.Failures())

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerRecovery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker("backup", 2, time.Minute)
	b.SetClock(func() time.Time { return now })

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// Still inside the recovery window.
	now = now.Add(59 * time.Second)
	assert.False(t, b.Allow())

	t.Run("probe success closes", func(t *testing.T) {
		now = now.Add(2 * time.Second)
		assert.True(t, b.Allow())
		assert.Equal(t, StateHalfOpen, b.State())

		b.RecordSuccess()
		assert.Equal(t, StateClosed, b.State())
		assert.Zero(t, b.Failures())
	})
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker("backup", 1, time.Minute)
	b.SetClock(func() time.Time { return now })

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(61 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF-OPEN", StateHalfOpen.String())
}
