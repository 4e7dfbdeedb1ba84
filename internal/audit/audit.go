package audit

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"margind/internal/logger"
	"margind/internal/store/archive"

	"github.com/google/uuid"
)

// Context identifies who and what an event concerns.
type Context struct {
	UserID     string `json:"user_id,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	PositionID string `json:"position_id,omitempty"`
}

// Sink receives compliance events for every open, close, liquidation,
// suspension and funding settlement. Calls are fire-and-forget: the
// ledger never blocks or fails on the sink.
type Sink interface {
	Record(eventType string, details map[string]any, ctx Context) string
}

// NopSink drops everything; used in tests.
type NopSink struct{}

func (NopSink) Record(string, map[string]any, Context) string { return "" }

// LogSink logs each event and hands it to the archive on a buffered
// queue. When the queue is full the event is counted and dropped
// rather than applying backpressure to trading paths.
type LogSink struct {
	archive *archive.Archive
	queue   chan archive.AuditEvent
	dropped int64
	done    chan struct{}
}

func NewLogSink(arc *archive.Archive, depth int) *LogSink {
	if depth <= 0 {
		depth = 256
	}
	s := &LogSink{
		archive: arc,
		queue:   make(chan archive.AuditEvent, depth),
		done:    make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *LogSink) Record(eventType string, details map[string]any, ctx Context) string {
	eventID := uuid.NewString()
	logger.Infof("audit: %s user=%s symbol=%s position=%s", eventType, ctx.UserID, ctx.Symbol, ctx.PositionID)

	if s.archive == nil {
		return eventID
	}
	payload := map[string]any{"context": ctx}
	for k, v := range details {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Warnf("audit: marshal %s failed: %v", eventType, err)
		return eventID
	}
	evt := archive.AuditEvent{
		EventID:   eventID,
		EventType: eventType,
		UserID:    ctx.UserID,
		Details:   raw,
		CreatedAt: time.Now(),
	}
	select {
	case s.queue <- evt:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
	return eventID
}

func (s *LogSink) drain() {
	for {
		select {
		case evt := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.archive.SaveEvent(ctx, evt); err != nil {
				logger.Warnf("audit: persist %s failed: %v", evt.EventType, err)
			}
			cancel()
		case <-s.done:
			return
		}
	}
}

// Dropped reports events shed due to a full queue.
func (s *LogSink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

func (s *LogSink) Close() {
	close(s.done)
}

var _ Sink = (*LogSink)(nil)
var _ Sink = NopSink{}
