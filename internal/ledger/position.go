package ledger

import (
	"time"

	"margind/internal/pkg/pricemath"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusLiquidated Status = "liquidated"
)

// Position is one leveraged exposure. Owned exclusively by the ledger:
// it is created on open-request acceptance, mutated on every matching
// price or funding tick, and its status transitions open -> closed or
// open -> liquidated are terminal.
type Position struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`

	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`

	// Size is notional in quote currency; Margin = Size / Leverage,
	// fixed at open.
	Size     float64 `json:"size"`
	Leverage float64 `json:"leverage"`
	Margin   float64 `json:"margin"`

	MarginRatio   float64 `json:"margin_ratio"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`

	// LiquidationPrice is fixed at open from entry, side and leverage
	// and never recomputed.
	LiquidationPrice float64 `json:"liquidation_price"`

	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`

	Status     Status    `json:"status"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at,omitempty"`
	ClosePrice float64   `json:"close_price,omitempty"`

	FundingPaid   float64   `json:"funding_paid"`
	LastFundingAt time.Time `json:"last_funding_at,omitempty"`

	Paper bool `json:"paper"`
}

func (p *Position) IsShort() bool { return p.Side == SideShort }

// pnlAt applies the directional PnL formula at the given mark price:
// (delta / entry) * size * leverage, delta signed by side.
func (p *Position) pnlAt(mark float64) float64 {
	if p.EntryPrice <= 0 || mark <= 0 {
		return 0
	}
	delta := mark - p.EntryPrice
	if p.IsShort() {
		delta = p.EntryPrice - mark
	}
	return delta / p.EntryPrice * p.Size * p.Leverage
}

// reprice updates mark price and unrealized PnL.
func (p *Position) reprice(mark float64) {
	p.MarkPrice = mark
	p.UnrealizedPnL = p.pnlAt(mark)
	if p.Margin > 0 {
		p.MarginRatio = -p.UnrealizedPnL / p.Margin
	}
}

// liquidationHit reports whether mark crossed the fixed liquidation
// price in the adverse direction.
func (p *Position) liquidationHit(mark float64) bool {
	return pricemath.CrossedAdverse(mark, p.LiquidationPrice, p.IsShort())
}

// stopLossHit reports whether mark crossed the stop price adversely.
func (p *Position) stopLossHit(mark float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	return pricemath.CrossedAdverse(mark, p.StopLoss, p.IsShort())
}

// takeProfitHit reports whether mark crossed the target favorably.
func (p *Position) takeProfitHit(mark float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	return pricemath.CrossedFavorable(mark, p.TakeProfit, p.IsShort())
}
