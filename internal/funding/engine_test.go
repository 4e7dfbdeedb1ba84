package funding

import (
	"context"
	"testing"
	"time"

	"margind/internal/market"
	"margind/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	symbols []string
	price   float64

	rates  map[string]float64
	nextAt map[string]time.Time
}

func newFakeFeed(price float64, symbols ...string) *fakeFeed {
	return &fakeFeed{
		symbols: symbols,
		price:   price,
		rates:   make(map[string]float64),
		nextAt:  make(map[string]time.Time),
	}
}

func (f *fakeFeed) SetFunding(symbol string, rate float64, nextAt time.Time) {
	f.rates[symbol] = rate
	f.nextAt[symbol] = nextAt
}

func (f *fakeFeed) GetPrice(ctx context.Context, symbol string) (market.Data, error) {
	return market.Data{Symbol: symbol, Price: f.price, MarkPrice: f.price}, nil
}

func (f *fakeFeed) Tracked() []string { return f.symbols }

func TestPeriodBoundaries(t *testing.T) {
	at := time.Date(2026, 3, 1, 13, 37, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), PeriodStart(at))
	assert.Equal(t, time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC), NextPeriod(at))
}

func TestSettlePeriodIsIdempotent(t *testing.T) {
	feed := newFakeFeed(45000, "BTCUSDT")
	e, err := NewEngine(store.NewMemory(), feed)
	require.NoError(t, err)
	e.SetSeed(1)

	boundary := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	e.SettlePeriod(context.Background(), boundary)
	require.Len(t, e.History("BTCUSDT", 0), 1)

	e.SettlePeriod(context.Background(), boundary)
	assert.Len(t, e.History("BTCUSDT", 0), 1)

	pt := e.History("BTCUSDT", 0)[0]
	assert.Equal(t, boundary, pt.At)
	assert.LessOrEqual(t, pt.Rate, MaxRate)
	assert.GreaterOrEqual(t, pt.Rate, -MaxRate)

	// The settled rate reaches the feed with the next boundary attached.
	assert.Equal(t, pt.Rate, feed.rates["BTCUSDT"])
	assert.Equal(t, boundary.Add(Period), feed.nextAt["BTCUSDT"])
}

func TestSettlePeriodPublishesEvent(t *testing.T) {
	feed := newFakeFeed(45000, "BTCUSDT")
	e, err := NewEngine(store.NewMemory(), feed)
	require.NoError(t, err)
	e.SetSeed(1)

	boundary := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	e.SettlePeriod(context.Background(), boundary)

	select {
	case evt := <-e.Events():
		assert.Equal(t, "BTCUSDT", evt.Symbol)
		assert.Equal(t, boundary, evt.PeriodAt)
	default:
		t.Fatal("no funding event published")
	}
}

func TestRateClampedOnLargeMove(t *testing.T) {
	feed := newFakeFeed(45000, "BTCUSDT")
	e, err := NewEngine(store.NewMemory(), feed)
	require.NoError(t, err)
	e.SetSeed(1)

	boundary := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	e.SettlePeriod(context.Background(), boundary)

	// A 40% period move drives the drift past the clamp.
	feed.price = 63000
	e.SettlePeriod(context.Background(), boundary.Add(Period))

	pts := e.History("BTCUSDT", 0)
	require.Len(t, pts, 2)
	assert.Equal(t, MaxRate, pts[1].Rate)
}

func TestHistoryCapTrimsOldest(t *testing.T) {
	feed := newFakeFeed(45000, "BTCUSDT")
	e, err := NewEngine(store.NewMemory(), feed)
	require.NoError(t, err)
	e.SetSeed(1)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	pts := make([]market.FundingPoint, 0, HistoryCap)
	for i := 0; i < HistoryCap; i++ {
		pts = append(pts, market.FundingPoint{
			Symbol: "BTCUSDT",
			At:     start.Add(time.Duration(i) * Period),
		})
	}
	e.mu.Lock()
	e.history["BTCUSDT"] = pts
	e.mu.Unlock()

	next := start.Add(time.Duration(HistoryCap) * Period)
	e.SettlePeriod(context.Background(), next)

	got := e.History("BTCUSDT", 0)
	require.Len(t, got, HistoryCap)
	assert.Equal(t, start.Add(Period), got[0].At)
	assert.Equal(t, next, got[len(got)-1].At)
}

func TestHistoryLimit(t *testing.T) {
	e, err := NewEngine(store.NewMemory(), newFakeFeed(45000, "BTCUSDT"))
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var pts []market.FundingPoint
	for i := 0; i < 10; i++ {
		pts = append(pts, market.FundingPoint{Symbol: "BTCUSDT", At: start.Add(time.Duration(i) * Period)})
	}
	e.mu.Lock()
	e.history["BTCUSDT"] = pts
	e.mu.Unlock()

	assert.Len(t, e.History("BTCUSDT", 3), 3)
	assert.Len(t, e.History("BTCUSDT", 0), 10)
	assert.Empty(t, e.History("ETHUSDT", 0))
}

func TestPredictExtrapolatesMeanDelta(t *testing.T) {
	e, err := NewEngine(store.NewMemory(), newFakeFeed(45000, "BTCUSDT"))
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var pts []market.FundingPoint
	for i := 0; i < 7; i++ {
		pts = append(pts, market.FundingPoint{
			Symbol: "BTCUSDT",
			Rate:   0.0001 * float64(i),
			At:     start.Add(time.Duration(i) * Period),
		})
	}
	e.mu.Lock()
	e.history["BTCUSDT"] = pts
	e.mu.Unlock()

	pred := e.Predict("BTCUSDT")
	require.Len(t, pred, 3)

	last := pts[len(pts)-1]
	for i, p := range pred {
		assert.InDelta(t, last.Rate+0.0001*float64(i+1), p.Rate, 1e-9)
		assert.Equal(t, last.At.Add(time.Duration(i+1)*Period), p.At)
	}
}

func TestPredictWithoutHistory(t *testing.T) {
	e, err := NewEngine(store.NewMemory(), newFakeFeed(45000, "BTCUSDT"))
	require.NoError(t, err)
	assert.Nil(t, e.Predict("BTCUSDT"))
}

func TestPredictSinglePointCarriesFlat(t *testing.T) {
	e, err := NewEngine(store.NewMemory(), newFakeFeed(45000, "BTCUSDT"))
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e.mu.Lock()
	e.history["BTCUSDT"] = []market.FundingPoint{{Symbol: "BTCUSDT", Rate: 0.0002, At: at}}
	e.mu.Unlock()

	pred := e.Predict("BTCUSDT")
	require.Len(t, pred, 3)
	for _, p := range pred {
		assert.InDelta(t, 0.0002, p.Rate, 1e-9)
	}
}

func TestHistorySurvivesRestart(t *testing.T) {
	kv := store.NewMemory()
	feed := newFakeFeed(45000, "BTCUSDT")

	e, err := NewEngine(kv, feed)
	require.NoError(t, err)
	e.SetSeed(1)
	boundary := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	e.SettlePeriod(context.Background(), boundary)

	reborn, err := NewEngine(kv, feed)
	require.NoError(t, err)
	got := reborn.History("BTCUSDT", 0)
	require.Len(t, got, 1)
	assert.Equal(t, boundary, got[0].At)
}
