package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"margind/internal/audit"
	mcfg "margind/internal/config"
	"margind/internal/feed"
	"margind/internal/funding"
	"margind/internal/ledger"
	"margind/internal/logger"
	"margind/internal/market"
	"margind/internal/metrics"
	"margind/internal/pkg/circuit"
	"margind/internal/risk"
	"margind/internal/store"
	"margind/internal/store/archive"
	httpapi "margind/internal/transport/http"
)

// AppBuilder assembles the application graph from configuration. Each
// buildFn can be overridden in tests to swap a component for a fake.
type AppBuilder struct {
	cfg *mcfg.Config

	sourcesFn func(mcfg.MarketConfig) ([]feed.SourceEntry, *market.SimSource, error)
	archiveFn func(string) (*archive.Archive, error)
	tiersFn   func(mcfg.RiskConfig) ([]risk.Tier, error)

	storeOverride store.Store
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *mcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		sourcesFn: buildSources,
		archiveFn: archive.Open,
		tiersFn:   loadTiers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func WithStore(kv store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		if kv != nil {
			b.storeOverride = kv
		}
	}
}

func WithSources(fn func(mcfg.MarketConfig) ([]feed.SourceEntry, *market.SimSource, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.sourcesFn = fn
		}
	}
}

func WithArchiveOpener(fn func(string) (*archive.Archive, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.archiveFn = fn
		}
	}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	sources, sim, err := b.sourcesFn(cfg.Market)
	if err != nil {
		return nil, err
	}
	gateway := feed.NewGateway(feed.Config{
		CacheTTL:         seconds(cfg.Feed.CacheTTLSeconds),
		FailureThreshold: cfg.Feed.FailureThreshold,
		RecoveryTimeout:  seconds(cfg.Feed.RecoverySeconds),
		RateLimit:        cfg.Feed.RateLimit,
		RateWindow:       seconds(cfg.Feed.RateWindowSeconds),
		FetchTimeout:     seconds(cfg.Feed.FetchTimeoutSeconds),
		BusDepth:         cfg.Feed.BusDepth,
	}, sources)
	gateway.SetHooks(
		func(source, outcome string) {
			metrics.FeedFetches.WithLabelValues(source, outcome).Inc()
		},
		func(source string, state circuit.State) {
			metrics.BreakerState.WithLabelValues(source).Set(float64(state))
		},
	)
	for _, symbol := range cfg.Market.Symbols {
		gateway.Track(symbol, market.TradingRules{})
	}
	logger.Infof("feed: tracking %d instruments across %d sources", len(cfg.Market.Symbols), len(sources))

	kv := b.storeOverride
	if kv == nil {
		kv = store.NewMemory()
	}
	arc, err := b.archiveFn(cfg.Storage.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	tiers, err := b.tiersFn(cfg.Risk)
	if err != nil {
		return nil, err
	}
	provider, err := risk.NewProvider(tiers, kv)
	if err != nil {
		return nil, err
	}
	guard, err := risk.NewGuard(kv)
	if err != nil {
		return nil, err
	}

	sink := audit.NewLogSink(arc, cfg.Storage.AuditQueueDepth)
	book, err := ledger.New(ledger.Config{
		InitialBalance: cfg.Ledger.InitialBalance,
		AutoAssignStop: cfg.Ledger.AutoAssignStop,
	}, kv, provider, guard, sink, arc)
	if err != nil {
		return nil, err
	}

	engine, err := funding.NewEngine(kv, gateway)
	if err != nil {
		return nil, err
	}

	api := &httpapi.Router{
		Feed:    gateway,
		Ledger:  book,
		Funding: engine,
		Risk:    provider,
		Guard:   guard,
		Archive: arc,
		Sim:     sim,
	}
	server, err := httpapi.NewServer(cfg.App.HTTPAddr, api)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		gateway: gateway,
		ledger:  book,
		engine:  engine,
		risk:    provider,
		sink:    sink,
		archive: arc,
		server:  server,
	}, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// buildSources instantiates the configured source chain. At most one
// sim source is kept for the simulate-price operation.
func buildSources(cfg mcfg.MarketConfig) ([]feed.SourceEntry, *market.SimSource, error) {
	var entries []feed.SourceEntry
	var sim *market.SimSource
	for _, src := range cfg.EnabledSources() {
		var built market.Source
		switch src.Type {
		case "binance":
			built = market.NewBinanceSource(market.BinanceConfig{RESTBaseURL: src.RESTBaseURL})
		case "rest":
			rs, err := market.NewRESTSource(market.RESTConfig{
				Name:        src.Name,
				URLTemplate: src.URLTemplate,
				PricePath:   src.PricePath,
				MarkPath:    src.MarkPath,
				Headers:     src.Headers,
			})
			if err != nil {
				return nil, nil, err
			}
			built = rs
		case "sim":
			base := src.BasePrices
			if len(base) == 0 {
				base = make(map[string]float64, len(cfg.Symbols))
				for _, sym := range cfg.Symbols {
					base[sym] = 1000
				}
			}
			s := market.NewSimSource(base, src.Volatility, src.Seed)
			if sim == nil {
				sim = s
			}
			built = s
		default:
			return nil, nil, fmt.Errorf("unknown source type %q", src.Type)
		}
		entries = append(entries, feed.SourceEntry{Source: built, Priority: src.Priority})
	}
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("no enabled market sources")
	}
	return entries, sim, nil
}

// loadTiers reads the configured ladder, falling back to the built-in
// one when the file does not exist yet.
func loadTiers(cfg mcfg.RiskConfig) ([]risk.Tier, error) {
	path := strings.TrimSpace(cfg.TiersPath)
	if path == "" {
		return risk.DefaultTiers(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("risk: tiers file %s not found, using built-in ladder", path)
		return risk.DefaultTiers(), nil
	}
	return risk.LoadTiers(path)
}
