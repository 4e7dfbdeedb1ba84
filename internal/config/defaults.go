package config

import (
	"fmt"
	"strings"
)

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9980"
	defaultAppLogPath  = "/data/logs/margind.log"

	defaultFeedCacheTTL     = 5
	defaultFeedFailures     = 5
	defaultFeedRecovery     = 60
	defaultFeedRateLimit    = 100
	defaultFeedRateWindow   = 60
	defaultFeedFetchTimeout = 10
	defaultFeedBusDepth     = 64

	defaultTickInterval = 2
	defaultSourceName   = "binance"
	defaultBinanceREST  = "https://fapi.binance.com"

	defaultInitialBalance = 10000
	defaultTiersPath      = "configs/tiers.yaml"
	defaultArchivePath    = "/data/db/margind.db"
	defaultAuditQueue     = 256
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Feed.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (f *FeedConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("feed.cache_ttl_seconds", &f.CacheTTLSeconds, defaultFeedCacheTTL),
		intFieldDefault("feed.failure_threshold", &f.FailureThreshold, defaultFeedFailures),
		intFieldDefault("feed.recovery_seconds", &f.RecoverySeconds, defaultFeedRecovery),
		intFieldDefault("feed.rate_limit", &f.RateLimit, defaultFeedRateLimit),
		intFieldDefault("feed.rate_window_seconds", &f.RateWindowSeconds, defaultFeedRateWindow),
		intFieldDefault("feed.fetch_timeout_seconds", &f.FetchTimeoutSeconds, defaultFeedFetchTimeout),
		intFieldDefault("feed.bus_depth", &f.BusDepth, defaultFeedBusDepth),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("market.tick_interval_seconds", &m.TickIntervalSeconds, defaultTickInterval),
	)
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	for i, sym := range m.Symbols {
		m.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultSourceName,
			Type:        "binance",
			Enabled:     true,
			RESTBaseURL: defaultBinanceREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Type = strings.ToLower(strings.TrimSpace(src.Type))
		if src.Type == "" {
			src.Type = "binance"
		}
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultSourceName
			} else {
				src.Name = fmt.Sprintf("source_%d", i)
			}
		}
		if src.Type == "binance" && src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultBinanceREST
		}
		if src.Priority <= 0 {
			src.Priority = i + 1
		}
	}
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "ledger.initial_balance",
			need:  func() bool { return l.InitialBalance <= 0 },
			apply: func() { l.InitialBalance = defaultInitialBalance },
		},
		boolFieldDefault("ledger.auto_assign_stop", &l.AutoAssignStop, true),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("risk.tiers_path", &r.TiersPath, defaultTiersPath),
		boolFieldDefault("risk.watch_tiers", &r.WatchTiers, true),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.archive_path", &s.ArchivePath, defaultArchivePath),
		intFieldDefault("storage.audit_queue_depth", &s.AuditQueueDepth, defaultAuditQueue),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
