package config

import "strings"

// Config is the root configuration carrier.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Feed    FeedConfig    `yaml:"feed"`
	Market  MarketConfig  `yaml:"market"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Risk    RiskConfig    `yaml:"risk"`
	Funding FundingConfig `yaml:"funding"`
	Storage StorageConfig `yaml:"storage"`
}

type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`
	LogPath  string `yaml:"log_path"`
}

// FeedConfig tunes the resilience layers around upstream price sources.
type FeedConfig struct {
	CacheTTLSeconds     int `yaml:"cache_ttl_seconds"`
	FailureThreshold    int `yaml:"failure_threshold"`
	RecoverySeconds     int `yaml:"recovery_seconds"`
	RateLimit           int `yaml:"rate_limit"`
	RateWindowSeconds   int `yaml:"rate_window_seconds"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	BusDepth            int `yaml:"bus_depth"`
}

// MarketConfig lists tracked instruments and the ranked source chain.
type MarketConfig struct {
	Symbols             []string       `yaml:"symbols"`
	TickIntervalSeconds int            `yaml:"tick_interval_seconds"`
	Sources             []MarketSource `yaml:"sources"`
}

// MarketSource describes one upstream. Type selects the implementation:
// "binance" (futures premium index), "rest" (generic JSON endpoint) or
// "sim" (random walk for paper trading).
type MarketSource struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Enabled  bool   `yaml:"enabled"`
	Priority int    `yaml:"priority"`

	RESTBaseURL string            `yaml:"rest_base_url"`
	URLTemplate string            `yaml:"url_template"`
	PricePath   string            `yaml:"price_path"`
	MarkPath    string            `yaml:"mark_path"`
	Headers     map[string]string `yaml:"headers"`

	BasePrices map[string]float64 `yaml:"base_prices"`
	Volatility float64            `yaml:"volatility"`
	Seed       int64              `yaml:"seed"`
}

type LedgerConfig struct {
	InitialBalance float64 `yaml:"initial_balance"`
	AutoAssignStop bool    `yaml:"auto_assign_stop"`
}

type RiskConfig struct {
	TiersPath  string `yaml:"tiers_path"`
	WatchTiers bool   `yaml:"watch_tiers"`
}

type FundingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type StorageConfig struct {
	ArchivePath     string `yaml:"archive_path"`
	AuditQueueDepth int    `yaml:"audit_queue_depth"`
}

// EnabledSources returns the configured sources that are switched on,
// in declaration order.
func (m MarketConfig) EnabledSources() []MarketSource {
	out := make([]MarketSource, 0, len(m.Sources))
	for _, src := range m.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

// keySet tracks which field paths were explicitly set in config files.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault is one field's defaulting rule.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
