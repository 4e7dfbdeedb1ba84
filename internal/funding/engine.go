package funding

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"margind/internal/logger"
	"margind/internal/market"
	"margind/internal/scheduler"
	"margind/internal/store"
)

const (
	// Period is the funding interval; boundaries are aligned to it in
	// UTC (00:00, 08:00, 16:00).
	Period = 8 * time.Hour
	// MaxRate clamps the per-period rate to +-0.3%.
	MaxRate = 0.003
	// HistoryCap bounds retained history per symbol, oldest trimmed.
	HistoryCap = 1000

	predictionWindow  = 6
	predictionPeriods = 3

	historyKeyPrefix = "funding/history/"
)

// rateSetter is what the engine writes each settled rate into,
// satisfied by the feed gateway.
type rateSetter interface {
	SetFunding(symbol string, rate float64, nextAt time.Time)
	GetPrice(ctx context.Context, symbol string) (market.Data, error)
	Tracked() []string
}

// Engine derives a synthetic funding rate per tracked instrument every
// period: the previous rate pulled toward recent price drift plus
// bounded noise, clamped. Settled rates are published once per period
// boundary; the boundary sequence is strictly monotonic even when the
// engine wakes late.
type Engine struct {
	kv    store.Store
	feed  rateSetter
	out   chan market.FundingEvent
	rng   *rand.Rand
	nowFn func() time.Time

	mu      sync.Mutex
	history map[string][]market.FundingPoint
	lastPx  map[string]float64
}

func NewEngine(kv store.Store, feed rateSetter) (*Engine, error) {
	if feed == nil {
		return nil, errors.New("funding: feed is required")
	}
	e := &Engine{
		kv:      kv,
		feed:    feed,
		out:     make(chan market.FundingEvent, 16),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:   time.Now,
		history: make(map[string][]market.FundingPoint),
		lastPx:  make(map[string]float64),
	}
	if kv != nil {
		if err := e.recover(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) recover() error {
	entries, err := e.kv.List(historyKeyPrefix)
	if err != nil {
		return err
	}
	for key, raw := range entries {
		var pts []market.FundingPoint
		if err := json.Unmarshal(raw, &pts); err != nil {
			logger.Warnf("funding: skipping corrupt history %s: %v", key, err)
			continue
		}
		e.history[key[len(historyKeyPrefix):]] = pts
	}
	if len(e.history) > 0 {
		logger.Infof("funding: recovered history for %d symbols", len(e.history))
	}
	return nil
}

// Events is the settlement stream consumed by the ledger.
func (e *Engine) Events() <-chan market.FundingEvent { return e.out }

// PeriodStart floors t to the containing funding period in UTC.
func PeriodStart(t time.Time) time.Time {
	return t.UTC().Truncate(Period)
}

// NextPeriod is the first boundary strictly after t.
func NextPeriod(t time.Time) time.Time {
	return PeriodStart(t).Add(Period)
}

// Run settles funding on every period boundary until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	s := scheduler.NewAligned(ctx, Period, 0)
	s.SetClock(e.nowFn)
	s.Start(func(boundary time.Time) {
		e.SettlePeriod(ctx, boundary)
	})
	return ctx.Err()
}

// SettlePeriod computes and publishes the rate for every tracked symbol
// at one period boundary. A boundary already settled for a symbol is
// skipped, so calling twice with the same boundary is harmless.
func (e *Engine) SettlePeriod(ctx context.Context, boundary time.Time) {
	for _, symbol := range e.feed.Tracked() {
		e.settleSymbol(ctx, symbol, boundary)
	}
}

func (e *Engine) settleSymbol(ctx context.Context, symbol string, boundary time.Time) {
	e.mu.Lock()
	pts := e.history[symbol]
	if n := len(pts); n > 0 && !pts[n-1].At.Before(boundary) {
		e.mu.Unlock()
		return
	}
	prevRate := 0.0
	if n := len(pts); n > 0 {
		prevRate = pts[n-1].Rate
	}
	prevPx := e.lastPx[symbol]
	e.mu.Unlock()

	d, err := e.feed.GetPrice(ctx, symbol)
	if err != nil {
		logger.Warnf("funding: no price for %s at %s: %v", symbol, boundary.Format(time.RFC3339), err)
		return
	}

	rate := e.nextRate(prevRate, prevPx, d.Price)
	pt := market.FundingPoint{Symbol: symbol, Rate: rate, At: boundary}

	e.mu.Lock()
	pts = append(e.history[symbol], pt)
	if len(pts) > HistoryCap {
		pts = pts[len(pts)-HistoryCap:]
	}
	e.history[symbol] = pts
	e.lastPx[symbol] = d.Price
	e.persistLocked(symbol, pts)
	e.mu.Unlock()

	e.feed.SetFunding(symbol, rate, boundary.Add(Period))
	select {
	case e.out <- market.FundingEvent{Symbol: symbol, Rate: rate, PeriodAt: boundary}:
	default:
		logger.Warnf("funding: settlement channel full, dropping %s @ %s", symbol, boundary.Format(time.RFC3339))
	}
	logger.Infof("funding: settled %s rate=%+.5f%% for period %s", symbol, rate*100, boundary.Format(time.RFC3339))
}

// nextRate drifts the previous rate toward recent price momentum with
// bounded noise, then clamps.
func (e *Engine) nextRate(prev, prevPx, px float64) float64 {
	drift := 0.0
	if prevPx > 0 && px > 0 {
		// A 1% period move contributes 0.01% of rate pressure.
		drift = (px - prevPx) / prevPx * 0.01
	}
	noise := (e.rng.Float64()*2 - 1) * 0.0001
	return clampRate(prev*0.8 + drift + noise)
}

func clampRate(r float64) float64 {
	if r > MaxRate {
		return MaxRate
	}
	if r < -MaxRate {
		return -MaxRate
	}
	return r
}

func (e *Engine) persistLocked(symbol string, pts []market.FundingPoint) {
	if e.kv == nil {
		return
	}
	raw, err := json.Marshal(pts)
	if err != nil {
		logger.Errorf("funding: marshal history %s: %v", symbol, err)
		return
	}
	if err := e.kv.Put(historyKeyPrefix+symbol, raw); err != nil {
		logger.Errorf("funding: persist history %s: %v", symbol, err)
	}
}

// History returns the most recent points for a symbol, newest last,
// capped at limit (0 means all retained).
func (e *Engine) History(symbol string, limit int) []market.FundingPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	pts := e.history[symbol]
	if limit > 0 && len(pts) > limit {
		pts = pts[len(pts)-limit:]
	}
	out := make([]market.FundingPoint, len(pts))
	copy(out, pts)
	return out
}

// Predict extrapolates the next few period rates from the mean delta of
// the recent history. With fewer than two points the current rate is
// carried flat.
func (e *Engine) Predict(symbol string) []market.FundingPoint {
	e.mu.Lock()
	pts := e.history[symbol]
	var recent []market.FundingPoint
	if len(pts) > predictionWindow+1 {
		recent = pts[len(pts)-predictionWindow-1:]
	} else {
		recent = pts
	}
	recent = append([]market.FundingPoint(nil), recent...)
	e.mu.Unlock()

	if len(recent) == 0 {
		return nil
	}
	last := recent[len(recent)-1]
	meanDelta := 0.0
	if len(recent) >= 2 {
		var sum float64
		for i := 1; i < len(recent); i++ {
			sum += recent[i].Rate - recent[i-1].Rate
		}
		meanDelta = sum / float64(len(recent)-1)
	}

	out := make([]market.FundingPoint, 0, predictionPeriods)
	rate := last.Rate
	at := last.At
	for i := 0; i < predictionPeriods; i++ {
		rate = clampRate(rate + meanDelta)
		at = at.Add(Period)
		out = append(out, market.FundingPoint{Symbol: symbol, Rate: rate, At: at})
	}
	return out
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now != nil {
		e.nowFn = now
	}
}

// SetSeed makes the noise deterministic for tests.
func (e *Engine) SetSeed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rng = rand.New(rand.NewSource(seed))
}
