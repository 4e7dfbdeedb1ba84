package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"margind/internal/logger"
	"margind/internal/market"
	"margind/internal/pkg/circuit"
	"margind/internal/pkg/ratelimit"

	"golang.org/x/sync/singleflight"
)

// ErrUnknownSymbol is returned for instruments the gateway does not track.
var ErrUnknownSymbol = errors.New("unknown symbol")

// errAllSourcesFailed stays inside the gateway; callers get last-known
// data flagged stale instead.
var errAllSourcesFailed = errors.New("all price sources failed")

const (
	DefaultCacheTTL         = 5 * time.Second
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultRateLimit        = 100
	DefaultRateWindow       = time.Minute
	DefaultFetchTimeout     = 10 * time.Second
)

// Config tunes the resilience layers around every upstream source.
type Config struct {
	CacheTTL         time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
	RateLimit        int
	RateWindow       time.Duration
	FetchTimeout     time.Duration
	BusDepth         int
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

type rankedSource struct {
	src      market.Source
	priority int
	breaker  *circuit.Breaker
	limiter  *ratelimit.FixedWindow
}

// Gateway maintains the best available price per tracked instrument.
// Sources are ranked by priority (lower is preferred); each sits behind
// its own circuit breaker and fixed-window rate limiter, and a short
// TTL cache shields all of them from duplicate lookups.
//
// The gateway prefers staleness to unavailability: when every source
// fails it serves the last known price flagged stale.
type Gateway struct {
	cfg     Config
	sources []*rankedSource
	bus     *Bus

	sf singleflight.Group

	mu      sync.RWMutex
	data    map[string]*market.Data
	fetched map[string]time.Time
	current string

	onFetch   func(source, outcome string)
	onBreaker func(source string, state circuit.State)

	nowFn func() time.Time
}

// SourceEntry pairs a source with its priority rank.
type SourceEntry struct {
	Source   market.Source
	Priority int
}

func NewGateway(cfg Config, sources []SourceEntry) *Gateway {
	final := cfg.withDefaults()
	g := &Gateway{
		cfg:     final,
		bus:     NewBus(final.BusDepth),
		data:    make(map[string]*market.Data),
		fetched: make(map[string]time.Time),
		nowFn:   time.Now,
	}
	for _, entry := range sources {
		if entry.Source == nil {
			continue
		}
		rs := &rankedSource{
			src:      entry.Source,
			priority: entry.Priority,
			breaker:  circuit.NewBreaker(entry.Source.Name(), final.FailureThreshold, final.RecoveryTimeout),
			limiter:  ratelimit.NewFixedWindow(final.RateLimit, final.RateWindow),
		}
		rs.breaker.SetStateChangeHandler(g.breakerChanged)
		g.sources = append(g.sources, rs)
	}
	sort.SliceStable(g.sources, func(i, j int) bool {
		return g.sources[i].priority < g.sources[j].priority
	})
	return g
}

// Track registers an instrument with its trading rules. Untracked
// symbols return ErrUnknownSymbol from every query.
func (g *Gateway) Track(symbol string, rules market.TradingRules) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.data[symbol]; !ok {
		g.data[symbol] = &market.Data{Symbol: symbol, Rules: rules}
	}
}

func (g *Gateway) Tracked() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.data))
	for sym := range g.data {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// SetHooks installs metrics callbacks for fetch outcomes and breaker
// transitions.
func (g *Gateway) SetHooks(onFetch func(source, outcome string), onBreaker func(source string, state circuit.State)) {
	g.onFetch = onFetch
	g.onBreaker = onBreaker
}

func (g *Gateway) breakerChanged(name string, from, to circuit.State) {
	logger.Warnf("feed: source %s breaker %s -> %s", name, from, to)
	if g.onBreaker != nil {
		g.onBreaker(name, to)
	}
}

// GetPrice returns the current market data for symbol, refreshing it
// through the source chain when the cached value has aged out.
func (g *Gateway) GetPrice(ctx context.Context, symbol string) (market.Data, error) {
	symbol = normalizeSymbol(symbol)

	// Snapshot while the read lock is held: applyQuote mutates the
	// cached struct in place under the write lock.
	g.mu.RLock()
	d, tracked := g.data[symbol]
	var cached market.Data
	if tracked {
		cached = *d
	}
	fetchedAt := g.fetched[symbol]
	g.mu.RUnlock()
	if !tracked {
		return market.Data{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	if cached.Price > 0 && g.nowFn().Sub(fetchedAt) < g.cfg.CacheTTL {
		return cached, nil
	}

	// Collapse concurrent refreshes of the same symbol into one upstream
	// round trip.
	_, err, _ := g.sf.Do(symbol, func() (any, error) {
		quote, err := g.fetchQuote(ctx, symbol)
		if err != nil {
			return nil, err
		}
		g.applyQuote(quote)
		return nil, nil
	})
	if err != nil {
		// Degrade to the last known value rather than failing the read.
		g.mu.Lock()
		d := g.data[symbol]
		if d == nil || d.Price <= 0 {
			g.mu.Unlock()
			return market.Data{}, fmt.Errorf("%w: %s has no price yet", ErrUnknownSymbol, symbol)
		}
		d.Stale = true
		snapshot := *d
		g.mu.Unlock()
		logger.Warnf("feed: serving stale price for %s: %v", symbol, err)
		return snapshot, nil
	}

	g.mu.RLock()
	snapshot := *g.data[symbol]
	g.mu.RUnlock()
	return snapshot, nil
}

// Tick injects a price observation. With price > 0 the value is applied
// directly (simulated or externally verified ticks look identical to
// fetched ones); otherwise the source chain is consulted.
func (g *Gateway) Tick(ctx context.Context, symbol string, price float64) error {
	symbol = normalizeSymbol(symbol)

	g.mu.RLock()
	_, tracked := g.data[symbol]
	g.mu.RUnlock()
	if !tracked {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	if price > 0 {
		g.applyQuote(market.Quote{
			Symbol:    symbol,
			Price:     price,
			MarkPrice: price,
			Source:    "manual",
			At:        g.nowFn(),
		})
		return nil
	}

	quote, err := g.fetchQuote(ctx, symbol)
	if err != nil {
		return err
	}
	g.applyQuote(quote)
	return nil
}

// fetchQuote walks the ranked sources. An open breaker skips the source
// without an attempt; an exhausted rate window is a soft skip that does
// not count against the breaker. The first success wins and that source
// is adopted as current.
//
// No gateway lock is held across the network call.
func (g *Gateway) fetchQuote(ctx context.Context, symbol string) (market.Quote, error) {
	var lastErr error
	for _, rs := range g.sources {
		if !rs.breaker.Allow() {
			continue
		}
		if !rs.limiter.Allow() {
			logger.Debugf("feed: source %s rate limited for %s, retry in %s",
				rs.src.Name(), symbol, rs.limiter.RetryAfter().Round(time.Millisecond))
			g.recordFetch(rs.src.Name(), "rate_limited")
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
		quote, err := rs.src.FetchQuote(fetchCtx, symbol)
		cancel()

		if err != nil {
			// Timeouts count the same as hard failures.
			rs.breaker.RecordFailure()
			g.recordFetch(rs.src.Name(), "failure")
			lastErr = err
			logger.Debugf("feed: source %s failed for %s: %v", rs.src.Name(), symbol, err)
			continue
		}
		if quote.Price <= 0 {
			rs.breaker.RecordFailure()
			g.recordFetch(rs.src.Name(), "failure")
			lastErr = fmt.Errorf("source %s returned non-positive price", rs.src.Name())
			continue
		}

		rs.breaker.RecordSuccess()
		g.recordFetch(rs.src.Name(), "success")
		g.adoptSource(rs.src.Name())
		return quote, nil
	}

	if lastErr == nil {
		lastErr = errAllSourcesFailed
	}
	return market.Quote{}, fmt.Errorf("%w: %v", errAllSourcesFailed, lastErr)
}

func (g *Gateway) recordFetch(source, outcome string) {
	if g.onFetch != nil {
		g.onFetch(source, outcome)
	}
}

func (g *Gateway) adoptSource(name string) {
	g.mu.Lock()
	if g.current != name {
		if g.current != "" {
			logger.Infof("feed: current source %s -> %s", g.current, name)
		}
		g.current = name
	}
	g.mu.Unlock()
}

// CurrentSource reports which source served the most recent successful
// fetch.
func (g *Gateway) CurrentSource() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

func (g *Gateway) applyQuote(q market.Quote) {
	now := q.At
	if now.IsZero() {
		now = g.nowFn()
	}
	mark := q.MarkPrice
	if mark <= 0 {
		mark = q.Price
	}

	g.mu.Lock()
	d, ok := g.data[q.Symbol]
	if !ok {
		d = &market.Data{Symbol: q.Symbol}
		g.data[q.Symbol] = d
	}
	if d.Price > 0 {
		if q.Price > d.High24h || d.High24h == 0 {
			d.High24h = q.Price
		}
		if q.Price < d.Low24h || d.Low24h == 0 {
			d.Low24h = q.Price
		}
		if d.Price != 0 {
			d.Change24hPct = (q.Price - d.Price) / d.Price * 100
		}
	} else {
		d.High24h = q.Price
		d.Low24h = q.Price
	}
	d.Price = q.Price
	d.MarkPrice = mark
	if q.IndexPrice > 0 {
		d.IndexPrice = q.IndexPrice
	}
	d.UpdatedAt = now
	d.Stale = false
	g.fetched[q.Symbol] = g.nowFn()
	g.mu.Unlock()

	g.bus.Publish(market.PriceEvent{
		Symbol:    q.Symbol,
		Price:     q.Price,
		MarkPrice: mark,
		Source:    q.Source,
		At:        now,
	})
}

// SetFunding lets the funding engine write its rate into the market
// data it owns jointly with the gateway.
func (g *Gateway) SetFunding(symbol string, rate float64, nextAt time.Time) {
	symbol = normalizeSymbol(symbol)
	g.mu.Lock()
	if d, ok := g.data[symbol]; ok {
		d.FundingRate = rate
		d.NextFundingAt = nextAt
	}
	g.mu.Unlock()
}

func (g *Gateway) Subscribe() (string, <-chan market.PriceEvent) {
	return g.bus.Subscribe()
}

func (g *Gateway) Unsubscribe(id string) {
	g.bus.Unsubscribe(id)
}

// Stats summarizes gateway health for the status endpoint.
type Stats struct {
	CurrentSource string                  `json:"current_source"`
	Subscribers   int                     `json:"subscribers"`
	DroppedEvents int64                   `json:"dropped_events"`
	Sources       map[string]SourceStatus `json:"sources"`
	Tracked       int                     `json:"tracked"`
}

type SourceStatus struct {
	Priority     int                `json:"priority"`
	BreakerState string             `json:"breaker_state"`
	Failures     int                `json:"failures"`
	RateLeft     int                `json:"rate_remaining"`
	Upstream     market.SourceStats `json:"upstream"`
}

func (g *Gateway) Stats() Stats {
	st := Stats{
		CurrentSource: g.CurrentSource(),
		Subscribers:   g.bus.Subscribers(),
		DroppedEvents: g.bus.Dropped(),
		Sources:       make(map[string]SourceStatus, len(g.sources)),
	}
	g.mu.RLock()
	st.Tracked = len(g.data)
	g.mu.RUnlock()
	for _, rs := range g.sources {
		st.Sources[rs.src.Name()] = SourceStatus{
			Priority:     rs.priority,
			BreakerState: rs.breaker.State().String(),
			Failures:     rs.breaker.Failures(),
			RateLeft:     rs.limiter.Remaining(),
			Upstream:     rs.src.Stats(),
		}
	}
	return st
}

func (g *Gateway) Close() error {
	g.bus.Close()
	var firstErr error
	for _, rs := range g.sources {
		if err := rs.src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
