package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Feed.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Ledger.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	return nil
}

func (f *FeedConfig) validate() error {
	if f.FailureThreshold < 1 {
		return fmt.Errorf("feed.failure_threshold must be >= 1")
	}
	if f.RateLimit < 1 {
		return fmt.Errorf("feed.rate_limit must be >= 1")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Symbols) == 0 {
		return fmt.Errorf("market.symbols requires at least one instrument")
	}
	enabled := m.EnabledSources()
	if len(enabled) == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	for _, src := range enabled {
		switch src.Type {
		case "binance":
			if strings.TrimSpace(src.RESTBaseURL) == "" {
				return fmt.Errorf("market source %s missing rest_base_url", src.Name)
			}
		case "rest":
			if strings.TrimSpace(src.URLTemplate) == "" {
				return fmt.Errorf("market source %s missing url_template", src.Name)
			}
			if strings.TrimSpace(src.PricePath) == "" {
				return fmt.Errorf("market source %s missing price_path", src.Name)
			}
		case "sim":
		default:
			return fmt.Errorf("market source %s has unknown type %q", src.Name, src.Type)
		}
	}
	return nil
}

func (l *LedgerConfig) validate() error {
	if l.InitialBalance <= 0 {
		return fmt.Errorf("ledger.initial_balance must be > 0")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if strings.TrimSpace(r.TiersPath) == "" {
		return fmt.Errorf("risk.tiers_path cannot be empty")
	}
	return nil
}
