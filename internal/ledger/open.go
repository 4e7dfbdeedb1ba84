package ledger

import (
	"fmt"

	"margind/internal/audit"
	"margind/internal/logger"
	"margind/internal/metrics"
	"margind/internal/pkg/pricemath"
	"margind/internal/risk"
)

// OpenRequest describes a new position. ReferencePrice is resolved by
// the caller (feed gateway lookup) before the ledger lock is taken.
type OpenRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Size       float64 `json:"size"`
	Leverage   float64 `json:"leverage"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Paper      bool    `json:"paper"`
}

func (r *OpenRequest) validate() error {
	r.Symbol = normalizeSymbol(r.Symbol)
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "is required"}
	}
	if r.Side != SideLong && r.Side != SideShort {
		return &ValidationError{Field: "side", Reason: "must be long or short"}
	}
	if r.Size <= 0 {
		return &ValidationError{Field: "size", Reason: "must be positive"}
	}
	if r.Leverage < 1 {
		return &ValidationError{Field: "leverage", Reason: "must be at least 1"}
	}
	return nil
}

// OpenPosition runs the precondition chain in strict order, so the first
// failing check determines the reported error, then commits position
// and portfolio together under the ledger lock.
func (l *Ledger) OpenPosition(userID string, req OpenRequest, referencePrice float64) (Position, error) {
	if userID == "" {
		return Position{}, &ValidationError{Field: "user", Reason: "is required"}
	}
	if err := req.validate(); err != nil {
		return Position{}, err
	}
	if referencePrice <= 0 {
		return Position{}, &ValidationError{Field: "price", Reason: "reference price unavailable"}
	}

	// The precondition chain and the commit share one critical section:
	// concurrent opens must not observe a stale position count or
	// balance. The reference price is already resolved, so nothing
	// blocking runs under the lock.
	l.mu.Lock()
	defer l.mu.Unlock()

	// 1. No unexpired suspension.
	if susp, active := l.guard.Active(userID); active {
		return Position{}, &SuspendedError{
			Reason:    susp.Reason,
			Type:      string(susp.Type),
			Remaining: susp.Remaining(l.nowFn()),
		}
	}

	tier := l.risk.TierFor(userID)
	limits := tier.Limits

	// 2. Leverage cap. Equality is allowed; anything above is not.
	if req.Leverage > limits.MaxLeverage {
		return Position{}, &PolicyViolation{Rule: "max_leverage", Limit: limits.MaxLeverage, Current: req.Leverage}
	}

	// 3. Size and order-value caps.
	if limits.MaxPositionSize > 0 && req.Size > limits.MaxPositionSize {
		return Position{}, &PolicyViolation{Rule: "max_position_size", Limit: limits.MaxPositionSize, Current: req.Size}
	}
	if limits.MaxOrderValue > 0 && req.Size > limits.MaxOrderValue {
		return Position{}, &PolicyViolation{Rule: "max_order_value", Limit: limits.MaxOrderValue, Current: req.Size}
	}

	// 4. Open-position count.
	if openCount := l.openCountLocked(userID, req.Paper); openCount >= limits.MaxOpenPositions {
		return Position{}, &PolicyViolation{
			Rule:  "max_open_positions",
			Limit: float64(limits.MaxOpenPositions), Current: float64(openCount),
		}
	}

	margin := req.Size / req.Leverage

	// 5. Daily-loss projection with the actual requested leverage: the
	// worst case for this order is the margin forfeited at liquidation.
	if limits.MaxDailyLoss > 0 {
		projected := l.guard.DailyLoss(userID) + margin*0.9
		if projected > limits.MaxDailyLoss {
			until := risk.NextUTCDayStart(l.nowFn())
			susp := l.guard.Suspend(userID, risk.SuspensionDailyLoss,
				fmt.Sprintf("projected daily loss %.2f exceeds cap %.2f", projected, limits.MaxDailyLoss), until)
			metrics.Suspensions.WithLabelValues(string(risk.SuspensionDailyLoss)).Inc()
			l.sink.Record("trading_suspended", map[string]any{
				"type": susp.Type, "until": susp.Until, "reason": susp.Reason,
			}, audit.Context{UserID: userID, Symbol: req.Symbol})
			return Position{}, &SuspendedError{
				Reason:    susp.Reason,
				Type:      string(susp.Type),
				Remaining: susp.Remaining(l.nowFn()),
			}
		}
	}

	// 6. Instrument allow-list.
	if !limits.AllowsInstrument(req.Symbol) {
		return Position{}, &PolicyViolation{
			Rule:   "instrument_not_allowed",
			Detail: fmt.Sprintf("%s is not tradable at tier %s", req.Symbol, tier.Name),
		}
	}

	// 7. Mandatory stop-loss. Auto-assignment and rejection use the
	// same mandated-percentage computation.
	if limits.RequireStopLoss && req.StopLoss <= 0 {
		mandated := pricemath.RelativePrice(referencePrice, limits.StopLossPct, req.Side == SideShort)
		if !l.cfg.AutoAssignStop {
			return Position{}, &PolicyViolation{
				Rule:   "stop_loss_required",
				Detail: fmt.Sprintf("tier %s mandates a stop-loss within %.1f%% (e.g. %.2f)", tier.Name, limits.StopLossPct*100, mandated),
			}
		}
		req.StopLoss = mandated
		logger.Infof("ledger: auto-assigned stop-loss %.2f for %s %s", mandated, userID, req.Symbol)
	}

	now := l.nowFn()
	pos := &Position{
		ID:               l.idFn(),
		UserID:           userID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		EntryPrice:       referencePrice,
		MarkPrice:        referencePrice,
		Size:             req.Size,
		Leverage:         req.Leverage,
		Margin:           margin,
		LiquidationPrice: pricemath.LiquidationPrice(referencePrice, req.Leverage, req.Side == SideShort),
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		Status:           StatusOpen,
		OpenedAt:         now,
		Paper:            req.Paper,
	}

	pf := l.portfolioLocked(userID, req.Paper)
	if pf.AvailableBalance < margin {
		return Position{}, &PolicyViolation{
			Rule: "insufficient_balance", Limit: pf.AvailableBalance, Current: margin,
		}
	}

	pf.AvailableBalance -= margin
	pf.UsedMargin += margin
	l.positions[pos.ID] = pos
	l.indexOpen(pos)
	pf.recompute(l.openForPortfolioLocked(userID, req.Paper), now)

	l.persistPosition(pos)
	l.persistPortfolio(pf)
	metrics.OpenPositions.WithLabelValues(pos.Symbol).Inc()

	l.sink.Record("position_opened", map[string]any{
		"side": pos.Side, "size": pos.Size, "leverage": pos.Leverage,
		"entry_price": pos.EntryPrice, "liquidation_price": pos.LiquidationPrice,
		"stop_loss": pos.StopLoss, "paper": pos.Paper,
	}, audit.Context{UserID: userID, Symbol: pos.Symbol, PositionID: pos.ID})

	logger.Infof("ledger: opened %s %s %s size=%.2f lev=%.0fx entry=%.2f liq=%.2f",
		userID, pos.Side, pos.Symbol, pos.Size, pos.Leverage, pos.EntryPrice, pos.LiquidationPrice)
	return *pos, nil
}

// UpdateStops changes stop-loss/take-profit on an open position. A
// tier-mandated stop cannot be removed, only moved.
func (l *Ledger) UpdateStops(userID, positionID string, stopLoss, takeProfit float64) (Position, error) {
	tier := l.risk.TierFor(userID)

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[positionID]
	if !ok || pos.UserID != userID {
		return Position{}, notFoundf("position %s", positionID)
	}
	if pos.Status != StatusOpen {
		return Position{}, &ValidationError{Field: "position", Reason: "is not open"}
	}
	if tier.Limits.RequireStopLoss && stopLoss <= 0 {
		mandated := pricemath.RelativePrice(pos.EntryPrice, tier.Limits.StopLossPct, pos.IsShort())
		return Position{}, &PolicyViolation{
			Rule:   "stop_loss_required",
			Detail: fmt.Sprintf("tier %s mandates a stop-loss within %.1f%% (e.g. %.2f)", tier.Name, tier.Limits.StopLossPct*100, mandated),
		}
	}

	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	l.persistPosition(pos)
	return *pos, nil
}
