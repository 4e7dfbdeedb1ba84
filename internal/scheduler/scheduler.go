package scheduler

import (
	"context"
	"time"

	"margind/internal/logger"
)

// Aligned fires a task at every boundary of a UTC-aligned interval,
// for example every 8h at 00:00, 08:00, 16:00. Offset delays the wake
// past the boundary; the boundary passed to the task is unaffected.
type Aligned struct {
	Interval time.Duration
	Offset   time.Duration

	ctx   context.Context
	nowFn func() time.Time
}

func NewAligned(ctx context.Context, interval, offset time.Duration) *Aligned {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Aligned{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Aligned) SetClock(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Start blocks, invoking task with each boundary time until the
// context is canceled. A wake that arrives late still reports the
// boundary it belongs to, never the wall clock.
func (s *Aligned) Start(task func(boundary time.Time)) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	logger.Infof("scheduler: aligned interval=%s offset=%s started", s.Interval, s.Offset)

	for {
		now := s.nowFn().UTC()
		boundary := now.Truncate(s.Interval).Add(s.Interval)
		wait := boundary.Add(s.Offset).Sub(now)
		if wait <= 0 {
			task(boundary)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler: ctx done, exit")
			return
		case <-timer.C:
		}
		task(boundary)
	}
}
