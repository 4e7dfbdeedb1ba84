package app

import (
	"context"
	"fmt"
	"time"

	"margind/internal/audit"
	mcfg "margind/internal/config"
	"margind/internal/feed"
	"margind/internal/funding"
	"margind/internal/ledger"
	"margind/internal/logger"
	"margind/internal/risk"
	"margind/internal/store/archive"
	httpapi "margind/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App owns the assembled components and orchestrates their lifecycles:
// the tick loop feeds the gateway, the gateway feeds the ledger event
// loop, the funding engine settles periods, and the HTTP server fronts
// it all.
type App struct {
	cfg     *mcfg.Config
	gateway *feed.Gateway
	ledger  *ledger.Ledger
	engine  *funding.Engine
	risk    *risk.Provider
	sink    *audit.LogSink
	archive *archive.Archive
	server  *httpapi.Server
}

// NewApp builds the application object without starting it.
func NewApp(cfg *mcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts all services and blocks until ctx is canceled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	subID, prices := a.gateway.Subscribe()
	defer a.gateway.Unsubscribe(subID)

	group.Go(func() error {
		a.ledger.Run(ctx, prices, a.engine.Events())
		return nil
	})

	if a.cfg.Funding.Enabled {
		group.Go(func() error {
			if err := a.engine.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("funding engine error: %w", err)
			}
			return nil
		})
	} else {
		logger.Infof("funding: settlement disabled")
	}

	group.Go(func() error {
		a.tickLoop(ctx)
		return nil
	})

	if a.cfg.Risk.WatchTiers {
		if err := risk.WatchTiers(ctx, a.cfg.Risk.TiersPath, a.risk); err != nil {
			logger.Warnf("risk: tiers watch unavailable: %v", err)
		}
	}

	group.Go(func() error {
		logger.Infof("http: listening on %s", a.server.Addr())
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	err := group.Wait()
	a.shutdown()
	return err
}

// tickLoop pulls fresh quotes for every tracked symbol at the
// configured cadence. Failures are absorbed by the gateway's breakers
// and stale fallback; the loop itself never stops on error.
func (a *App) tickLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.Market.TickIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range a.gateway.Tracked() {
				if err := a.gateway.Tick(ctx, symbol, 0); err != nil {
					logger.Debugf("tick: %s: %v", symbol, err)
				}
			}
		}
	}
}

func (a *App) shutdown() {
	if a.sink != nil {
		a.sink.Close()
	}
	if a.gateway != nil {
		_ = a.gateway.Close()
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			logger.Warnf("archive close: %v", err)
		}
	}
	logger.Infof("shutdown complete")
}

// Ledger exposes the ledger instance for test and replay harnesses.
func (a *App) Ledger() *ledger.Ledger {
	if a == nil {
		return nil
	}
	return a.ledger
}

// Gateway exposes the feed gateway instance.
func (a *App) Gateway() *feed.Gateway {
	if a == nil {
		return nil
	}
	return a.gateway
}
