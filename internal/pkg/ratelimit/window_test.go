package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedWindowBudget(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewFixedWindow(3, time.Minute)
	w.SetClock(func() time.Time { return now })

	assert.True(t, w.Allow())
	assert.True(t, w.Allow())
	assert.Equal(t, 1, w.Remaining())
	assert.True(t, w.Allow())

	assert.False(t, w.Allow())
	assert.Zero(t, w.Remaining())
}

func TestFixedWindowResetsOnBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewFixedWindow(1, time.Minute)
	w.SetClock(func() time.Time { return now })

	assert.True(t, w.Allow())
	assert.False(t, w.Allow())

	now = now.Add(time.Minute)
	assert.True(t, w.Allow())
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewFixedWindow(1, time.Minute)
	w.SetClock(func() time.Time { return now })

	assert.Zero(t, w.RetryAfter())
	assert.True(t, w.Allow())

	now = now.Add(40 * time.Second)
	assert.Equal(t, 20*time.Second, w.RetryAfter())

	now = now.Add(20 * time.Second)
	assert.Zero(t, w.RetryAfter())
}
