package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"margind/internal/store/archive"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSinkPersistsEvents(t *testing.T) {
	arc, err := archive.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = arc.Close() })

	sink := NewLogSink(arc, 16)
	t.Cleanup(sink.Close)

	id := sink.Record("position_opened", map[string]any{"size": 1000.0}, Context{
		UserID: "alice", Symbol: "BTCUSDT", PositionID: "pos-1",
	})
	assert.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		events, err := arc.ListEvents(context.Background(), "alice", 10)
		return err == nil && len(events) == 1 && events[0].EventID == id
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLogSinkWithoutArchive(t *testing.T) {
	sink := NewLogSink(nil, 1)
	t.Cleanup(sink.Close)

	id := sink.Record("position_closed", nil, Context{UserID: "alice"})
	assert.NotEmpty(t, id)
	assert.Zero(t, sink.Dropped())
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	assert.Empty(t, s.Record("anything", nil, Context{}))
}
