package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// RESTConfig describes a generic JSON price endpoint. The URL template
// substitutes {symbol}; PricePath is a gjson path into the response
// body. This covers most exchange ticker endpoints without a dedicated
// SDK per venue.
type RESTConfig struct {
	Name        string
	URLTemplate string
	PricePath   string
	MarkPath    string
	HTTPTimeout time.Duration
	Headers     map[string]string
}

func (c RESTConfig) withDefaults() RESTConfig {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "rest"
	}
	return c
}

type RESTSource struct {
	cfg    RESTConfig
	client *http.Client

	requests int64
	failures int64

	errMu   sync.Mutex
	lastErr string
}

func NewRESTSource(cfg RESTConfig) (*RESTSource, error) {
	final := cfg.withDefaults()
	if strings.TrimSpace(final.URLTemplate) == "" {
		return nil, fmt.Errorf("rest source %s: url template is required", final.Name)
	}
	if strings.TrimSpace(final.PricePath) == "" {
		return nil, fmt.Errorf("rest source %s: price path is required", final.Name)
	}
	return &RESTSource{
		cfg:    final,
		client: &http.Client{Timeout: final.HTTPTimeout},
	}, nil
}

func (s *RESTSource) Name() string { return s.cfg.Name }

func (s *RESTSource) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	atomic.AddInt64(&s.requests, 1)
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Quote{}, fmt.Errorf("symbol is required")
	}

	url := strings.ReplaceAll(s.cfg.URLTemplate, "{symbol}", symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.recordFailure(err)
		return Quote{}, err
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.recordFailure(err)
		return Quote{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s: unexpected status %d", s.cfg.Name, resp.StatusCode)
		s.recordFailure(err)
		return Quote{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		s.recordFailure(err)
		return Quote{}, err
	}

	price := gjson.GetBytes(body, s.cfg.PricePath)
	if !price.Exists() || price.Float() <= 0 {
		err := fmt.Errorf("%s: no price at path %q for %s", s.cfg.Name, s.cfg.PricePath, symbol)
		s.recordFailure(err)
		return Quote{}, err
	}

	q := Quote{
		Symbol: symbol,
		Price:  price.Float(),
		Source: s.Name(),
		At:     time.Now(),
	}
	if s.cfg.MarkPath != "" {
		if mark := gjson.GetBytes(body, s.cfg.MarkPath); mark.Exists() && mark.Float() > 0 {
			q.MarkPrice = mark.Float()
		}
	}
	return q, nil
}

func (s *RESTSource) recordFailure(err error) {
	atomic.AddInt64(&s.failures, 1)
	s.errMu.Lock()
	s.lastErr = err.Error()
	s.errMu.Unlock()
}

func (s *RESTSource) Stats() SourceStats {
	s.errMu.Lock()
	lastErr := s.lastErr
	s.errMu.Unlock()
	return SourceStats{
		Requests:  atomic.LoadInt64(&s.requests),
		Failures:  atomic.LoadInt64(&s.failures),
		LastError: lastErr,
	}
}

func (s *RESTSource) Close() error { return nil }
