package ratelimit

import (
	"sync"
	"time"
)

// FixedWindow is a per-source request budget over a fixed interval.
// Exceeding the budget is a soft condition: callers skip the source for
// the rest of the window rather than counting a breaker failure.
type FixedWindow struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	count       int
	windowStart time.Time

	nowFn func() time.Time
}

func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		limit:  limit,
		window: window,
		nowFn:  time.Now,
	}
}

// Allow consumes one slot from the current window. It returns false
// when the budget is exhausted; the window resets on its boundary, not
// on a sliding basis.
func (w *FixedWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFn()
	if w.windowStart.IsZero() || now.Sub(w.windowStart) >= w.window {
		w.windowStart = now
		w.count = 0
	}
	if w.count >= w.limit {
		return false
	}
	w.count++
	return true
}

// Remaining reports unused slots in the current window.
func (w *FixedWindow) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.windowStart.IsZero() || w.nowFn().Sub(w.windowStart) >= w.window {
		return w.limit
	}
	left := w.limit - w.count
	if left < 0 {
		return 0
	}
	return left
}

// RetryAfter reports how long until the window resets. Zero means a
// slot is available now.
func (w *FixedWindow) RetryAfter() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFn()
	if w.windowStart.IsZero() || now.Sub(w.windowStart) >= w.window || w.count < w.limit {
		return 0
	}
	return w.windowStart.Add(w.window).Sub(now)
}

func (w *FixedWindow) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now != nil {
		w.nowFn = now
	}
}
