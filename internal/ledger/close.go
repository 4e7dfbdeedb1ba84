package ledger

import (
	"context"
	"fmt"
	"time"

	"margind/internal/audit"
	"margind/internal/logger"
	"margind/internal/metrics"
	"margind/internal/risk"
	"margind/internal/store/archive"
)

// CloseRequest closes a position fully or partially at the given
// reference price. Size <= 0 means full close; a size larger than the
// position is rejected.
type CloseRequest struct {
	PositionID string  `json:"position_id"`
	Size       float64 `json:"size,omitempty"`
}

// ClosePosition realizes PnL at the reference price. On a partial
// close the margin share proportional to the closed size is released
// and the position stays open; a full close is terminal and feeds the
// risk profile.
func (l *Ledger) ClosePosition(userID string, req CloseRequest, referencePrice float64) (Position, error) {
	if req.PositionID == "" {
		return Position{}, &ValidationError{Field: "position_id", Reason: "is required"}
	}
	if referencePrice <= 0 {
		return Position{}, &ValidationError{Field: "price", Reason: "reference price unavailable"}
	}

	l.mu.Lock()
	pos, ok := l.positions[req.PositionID]
	if !ok || pos.UserID != userID {
		l.mu.Unlock()
		return Position{}, notFoundf("position %s", req.PositionID)
	}
	if pos.Status != StatusOpen {
		l.mu.Unlock()
		return Position{}, &ValidationError{Field: "position", Reason: "is not open"}
	}
	closeSize := req.Size
	if closeSize > pos.Size {
		l.mu.Unlock()
		return Position{}, &ValidationError{
			Field:  "size",
			Reason: fmt.Sprintf("%.2f exceeds position size %.2f", closeSize, pos.Size),
		}
	}
	if closeSize <= 0 {
		closeSize = pos.Size
	}

	now := l.nowFn()
	full := closeSize == pos.Size
	fraction := closeSize / pos.Size
	realized := pos.pnlAt(referencePrice) * fraction
	marginShare := pos.Margin * fraction

	pf := l.portfolioLocked(userID, pos.Paper)
	pf.AvailableBalance += marginShare + realized
	pf.UsedMargin -= marginShare
	pf.TotalBalance += realized
	pf.addDailyPnL(realized, now)

	pos.RealizedPnL += realized
	if full {
		pos.Status = StatusClosed
		pos.ClosedAt = now
		pos.ClosePrice = referencePrice
		pos.MarkPrice = referencePrice
		pos.UnrealizedPnL = 0
		l.unindexOpen(pos)
		metrics.OpenPositions.WithLabelValues(pos.Symbol).Dec()
	} else {
		pos.Size -= closeSize
		pos.Margin -= marginShare
		pos.reprice(referencePrice)
	}
	pf.recompute(l.openForPortfolioLocked(userID, pos.Paper), now)
	l.persistPosition(pos)
	l.persistPortfolio(pf)
	snapshot := *pos
	tierLimits := l.risk.TierFor(userID).Limits
	l.mu.Unlock()

	l.sink.Record("position_closed", map[string]any{
		"size": closeSize, "price": referencePrice, "realized_pnl": realized, "full": full,
	}, audit.Context{UserID: userID, Symbol: snapshot.Symbol, PositionID: snapshot.ID})
	logger.Infof("ledger: closed %s %s size=%.2f at %.2f pnl=%+.2f (full=%v)",
		userID, snapshot.Symbol, closeSize, referencePrice, realized, full)

	if full {
		l.settleClosed(userID, snapshot, realized, tierLimits, "closed", now)
	}
	return snapshot, nil
}

// settleClosed handles the aftermath of any terminal close (user close,
// stop-loss, take-profit, liquidation): risk profile update, daily-loss
// accounting, loss-streak cooling-off, daily-cap suspension, archive.
func (l *Ledger) settleClosed(userID string, pos Position, realized float64, limits risk.Limits, outcome string, now time.Time) {
	win := realized > 0
	prof, promoted := l.risk.RecordTrade(userID, risk.TradeOutcome{
		PnL:          realized,
		Volume:       pos.Size,
		Win:          win,
		HoldDuration: now.Sub(pos.OpenedAt),
	})
	if promoted {
		l.sink.Record("tier_promoted", map[string]any{"tier_level": prof.TierLevel},
			audit.Context{UserID: userID})
	}

	if realized < 0 {
		daily := l.guard.RecordRealizedLoss(userID, -realized)
		if limits.MaxDailyLoss > 0 && daily >= limits.MaxDailyLoss {
			susp := l.guard.Suspend(userID, risk.SuspensionDailyLoss,
				fmt.Sprintf("daily loss %.2f reached cap %.2f", daily, limits.MaxDailyLoss),
				risk.NextUTCDayStart(now))
			metrics.Suspensions.WithLabelValues(string(risk.SuspensionDailyLoss)).Inc()
			l.sink.Record("trading_suspended", map[string]any{
				"type": susp.Type, "until": susp.Until, "reason": susp.Reason,
			}, audit.Context{UserID: userID, Symbol: pos.Symbol})
		}
		if susp, tripped := l.guard.NoteLossStreak(userID, prof.ConsecutiveLosses); tripped {
			metrics.Suspensions.WithLabelValues(string(risk.SuspensionConsecutiveLoss)).Inc()
			l.sink.Record("trading_suspended", map[string]any{
				"type": susp.Type, "until": susp.Until, "reason": susp.Reason,
			}, audit.Context{UserID: userID, Symbol: pos.Symbol})
		}
	}

	l.archiveTrade(pos, outcome, now)
}

// archiveTrade writes the durable history row. Best effort: an archive
// failure never unwinds ledger state.
func (l *Ledger) archiveTrade(pos Position, outcome string, now time.Time) {
	if l.arc == nil {
		return
	}
	if outcome == "closed" {
		outcome = "loss"
		if pos.RealizedPnL > 0 {
			outcome = "win"
		}
	}
	rec := archive.TradeRecord{
		PositionID:   pos.ID,
		UserID:       pos.UserID,
		Symbol:       pos.Symbol,
		Side:         string(pos.Side),
		EntryPrice:   pos.EntryPrice,
		ClosePrice:   pos.ClosePrice,
		Size:         pos.Size,
		Leverage:     pos.Leverage,
		Margin:       pos.Margin,
		RealizedPnL:  pos.RealizedPnL,
		FundingPaid:  pos.FundingPaid,
		Outcome:      outcome,
		OpenedAt:     pos.OpenedAt,
		ClosedAt:     pos.ClosedAt,
		HoldDuration: int64(pos.ClosedAt.Sub(pos.OpenedAt).Seconds()),
		CreatedAt:    now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.arc.SaveTrade(ctx, rec); err != nil {
		logger.Warnf("ledger: archive trade %s: %v", pos.ID, err)
	}
}
