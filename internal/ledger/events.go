package ledger

import (
	"context"
	"time"

	"margind/internal/audit"
	"margind/internal/logger"
	"margind/internal/market"
	"margind/internal/metrics"
	"margind/internal/risk"
)

// Run consumes price and funding events until ctx is canceled. It is
// the single writer for tick-driven state: all repricing, trigger
// execution and funding settlement flows through this loop, so a burst
// of ticks can never race a user-initiated close.
func (l *Ledger) Run(ctx context.Context, prices <-chan market.PriceEvent, funding <-chan market.FundingEvent) {
	logger.Infof("ledger: event loop started")
	for {
		select {
		case <-ctx.Done():
			logger.Infof("ledger: event loop stopped: %v", ctx.Err())
			return
		case evt, ok := <-prices:
			if !ok {
				prices = nil
				continue
			}
			start := time.Now()
			l.ApplyPrice(evt)
			metrics.TickLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
		case evt, ok := <-funding:
			if !ok {
				funding = nil
				continue
			}
			l.ApplyFunding(evt)
		}
		if prices == nil && funding == nil {
			logger.Warnf("ledger: all event channels closed, stopping")
			return
		}
	}
}

// triggered is a position that crossed a trigger on this tick, pulled
// out of the lock for settlement.
type triggered struct {
	pos      Position
	realized float64
	limits   risk.Limits
	outcome  string
	event    string
}

// ApplyPrice reprices every open position on the event's symbol and
// executes crossed triggers. Liquidation takes precedence over
// stop-loss, stop-loss over take-profit: a tick that crosses both the
// liquidation and stop price liquidates.
func (l *Ledger) ApplyPrice(evt market.PriceEvent) {
	mark := evt.MarkPrice
	if mark <= 0 {
		mark = evt.Price
	}
	if mark <= 0 {
		return
	}
	symbol := normalizeSymbol(evt.Symbol)

	l.mu.Lock()
	var fired []triggered
	touched := make(map[string]*Portfolio)
	now := l.nowFn()

	for id := range l.openBySym[symbol] {
		pos := l.positions[id]
		if pos == nil || pos.Status != StatusOpen {
			continue
		}
		pos.reprice(mark)

		switch {
		case pos.liquidationHit(mark):
			fired = append(fired, l.liquidateLocked(pos, mark, now))
		case pos.stopLossHit(mark):
			fired = append(fired, l.executeTriggerLocked(pos, mark, now, "stop_loss"))
			metrics.StopLossExecutions.WithLabelValues(pos.Symbol).Inc()
		case pos.takeProfitHit(mark):
			fired = append(fired, l.executeTriggerLocked(pos, mark, now, "take_profit"))
		default:
			l.persistPosition(pos)
			if pf := l.portfolios[portfolioKey(pos.UserID, pos.Paper)]; pf != nil {
				touched[portfolioKey(pos.UserID, pos.Paper)] = pf
			}
		}
	}
	for _, pf := range touched {
		pf.recompute(l.openForPortfolioLocked(pf.UserID, pf.Paper), now)
		l.persistPortfolio(pf)
	}
	l.mu.Unlock()

	for _, t := range fired {
		l.sink.Record(t.event, map[string]any{
			"price": t.pos.ClosePrice, "realized_pnl": t.realized,
		}, audit.Context{UserID: t.pos.UserID, Symbol: t.pos.Symbol, PositionID: t.pos.ID})
		l.settleClosed(t.pos.UserID, t.pos, t.realized, t.limits, t.outcome, t.pos.ClosedAt)
	}
}

// liquidateLocked force-closes a position whose mark crossed the
// liquidation price. The full margin is forfeited: it leaves used
// margin and total balance together, and nothing returns to available
// balance. The crossing tick is recorded as the close price.
func (l *Ledger) liquidateLocked(pos *Position, mark float64, now time.Time) triggered {
	realized := -pos.Margin
	pos.Status = StatusLiquidated
	pos.ClosedAt = now
	pos.ClosePrice = mark
	pos.MarkPrice = mark
	pos.RealizedPnL += realized
	pos.UnrealizedPnL = 0

	pf := l.portfolioLocked(pos.UserID, pos.Paper)
	pf.UsedMargin -= pos.Margin
	pf.TotalBalance += realized
	pf.addDailyPnL(realized, now)

	l.unindexOpen(pos)
	pf.recompute(l.openForPortfolioLocked(pos.UserID, pos.Paper), now)
	l.persistPosition(pos)
	l.persistPortfolio(pf)
	metrics.OpenPositions.WithLabelValues(pos.Symbol).Dec()
	metrics.Liquidations.WithLabelValues(pos.Symbol).Inc()
	logger.Warnf("ledger: liquidated %s %s %s at %.2f, margin %.2f forfeited",
		pos.UserID, pos.Side, pos.Symbol, pos.ClosePrice, pos.Margin)

	return triggered{
		pos:      *pos,
		realized: realized,
		limits:   l.risk.TierFor(pos.UserID).Limits,
		outcome:  "liquidated",
		event:    "position_liquidated",
	}
}

// executeTriggerLocked closes a position at the tick's mark price. A
// tick that gaps through the stop or target fills at the mark, so the
// realized loss or gain reflects the price actually observed.
func (l *Ledger) executeTriggerLocked(pos *Position, mark float64, now time.Time, event string) triggered {
	realized := pos.pnlAt(mark)
	pos.Status = StatusClosed
	pos.ClosedAt = now
	pos.ClosePrice = mark
	pos.MarkPrice = mark
	pos.RealizedPnL += realized
	pos.UnrealizedPnL = 0

	pf := l.portfolioLocked(pos.UserID, pos.Paper)
	pf.AvailableBalance += pos.Margin + realized
	pf.UsedMargin -= pos.Margin
	pf.TotalBalance += realized
	pf.addDailyPnL(realized, now)

	l.unindexOpen(pos)
	pf.recompute(l.openForPortfolioLocked(pos.UserID, pos.Paper), now)
	l.persistPosition(pos)
	l.persistPortfolio(pf)
	metrics.OpenPositions.WithLabelValues(pos.Symbol).Dec()
	logger.Infof("ledger: %s executed for %s %s at %.2f pnl=%+.2f",
		event, pos.UserID, pos.Symbol, mark, realized)

	return triggered{
		pos:      *pos,
		realized: realized,
		limits:   l.risk.TierFor(pos.UserID).Limits,
		outcome:  "closed",
		event:    event + "_executed",
	}
}

// ApplyFunding charges every open position on the symbol for one
// funding period. Longs pay when the rate is positive, shorts receive,
// and vice versa. A period already settled on a position (LastFundingAt
// at or past the period boundary) is skipped, so replays are harmless.
func (l *Ledger) ApplyFunding(evt market.FundingEvent) {
	symbol := normalizeSymbol(evt.Symbol)

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()

	for id := range l.openBySym[symbol] {
		pos := l.positions[id]
		if pos == nil || pos.Status != StatusOpen {
			continue
		}
		if !pos.LastFundingAt.Before(evt.PeriodAt) {
			continue
		}
		charge := pos.Size * evt.Rate
		if pos.IsShort() {
			charge = -charge
		}
		pos.FundingPaid += charge
		pos.LastFundingAt = evt.PeriodAt

		pf := l.portfolioLocked(pos.UserID, pos.Paper)
		pf.AvailableBalance -= charge
		pf.TotalBalance -= charge
		pf.TotalFunding += charge
		pf.recompute(l.openForPortfolioLocked(pos.UserID, pos.Paper), now)

		l.persistPosition(pos)
		l.persistPortfolio(pf)
		metrics.FundingSettlements.WithLabelValues(pos.Symbol).Inc()
	}
}
