package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// BinanceConfig configures the Binance USD-M futures source.
type BinanceConfig struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	if strings.TrimSpace(c.RESTBaseURL) == "" {
		c.RESTBaseURL = "https://fapi.binance.com"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}

// BinanceSource serves quotes from the Binance futures premium index,
// which carries mark and index price alongside the last price.
type BinanceSource struct {
	cfg    BinanceConfig
	client *futures.Client

	requests int64
	failures int64

	errMu   sync.Mutex
	lastErr string
}

func NewBinanceSource(cfg BinanceConfig) *BinanceSource {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &BinanceSource{cfg: final, client: client}
}

func (s *BinanceSource) Name() string { return "binance" }

func (s *BinanceSource) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	atomic.AddInt64(&s.requests, 1)
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Quote{}, fmt.Errorf("symbol is required")
	}

	idx, err := s.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		s.recordFailure(err)
		return Quote{}, err
	}
	if len(idx) == 0 || idx[0] == nil {
		err := fmt.Errorf("premium index empty for %s", symbol)
		s.recordFailure(err)
		return Quote{}, err
	}

	mark, err := strconv.ParseFloat(idx[0].MarkPrice, 64)
	if err != nil || mark <= 0 {
		err := fmt.Errorf("invalid mark price %q for %s", idx[0].MarkPrice, symbol)
		s.recordFailure(err)
		return Quote{}, err
	}
	index, _ := strconv.ParseFloat(idx[0].IndexPrice, 64)

	return Quote{
		Symbol:     symbol,
		Price:      mark,
		MarkPrice:  mark,
		IndexPrice: index,
		Source:     s.Name(),
		At:         time.Now(),
	}, nil
}

func (s *BinanceSource) recordFailure(err error) {
	atomic.AddInt64(&s.failures, 1)
	s.errMu.Lock()
	s.lastErr = err.Error()
	s.errMu.Unlock()
}

func (s *BinanceSource) Stats() SourceStats {
	s.errMu.Lock()
	lastErr := s.lastErr
	s.errMu.Unlock()
	return SourceStats{
		Requests:  atomic.LoadInt64(&s.requests),
		Failures:  atomic.LoadInt64(&s.failures),
		LastError: lastErr,
	}
}

func (s *BinanceSource) Close() error { return nil }
