package market

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SimSource is a deterministic-enough random-walk price source used for
// paper trading and tests. It implements the same Source interface as
// real feeds, so the gateway never depends on simulation timing.
type SimSource struct {
	mu     sync.Mutex
	prices map[string]float64
	drift  float64
	vol    float64
	rng    *rand.Rand

	requests int64
}

// NewSimSource seeds the walk with base prices per symbol. vol is the
// per-fetch relative step bound, e.g. 0.002 for ±0.2%.
func NewSimSource(base map[string]float64, vol float64, seed int64) *SimSource {
	prices := make(map[string]float64, len(base))
	for sym, p := range base {
		prices[strings.ToUpper(strings.TrimSpace(sym))] = p
	}
	if vol <= 0 {
		vol = 0.002
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimSource{
		prices: prices,
		vol:    vol,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (s *SimSource) Name() string { return "sim" }

func (s *SimSource) FetchQuote(_ context.Context, symbol string) (Quote, error) {
	atomic.AddInt64(&s.requests, 1)
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("sim: unknown symbol %s", symbol)
	}

	step := (s.rng.Float64()*2 - 1) * s.vol
	price = price * (1 + step + s.drift)
	if price <= 0 {
		price = s.prices[symbol]
	}
	s.prices[symbol] = price

	return Quote{
		Symbol:    symbol,
		Price:     price,
		MarkPrice: price,
		Source:    s.Name(),
		At:        time.Now(),
	}, nil
}

// SetPrice pins the walk to an exact value, used by the simulate-price
// operation and tests.
func (s *SimSource) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(strings.TrimSpace(symbol))] = price
}

func (s *SimSource) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.prices))
	for sym := range s.prices {
		out = append(out, sym)
	}
	return out
}

func (s *SimSource) Stats() SourceStats {
	return SourceStats{Requests: atomic.LoadInt64(&s.requests)}
}

func (s *SimSource) Close() error { return nil }
