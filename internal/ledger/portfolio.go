package ledger

import "time"

// Portfolio aggregates one user's positions per paper/live mode.
// Total equity and margin ratio are pure functions of current position
// state: recompute is the only way they change.
type Portfolio struct {
	UserID string `json:"user_id"`
	Paper  bool   `json:"paper"`

	TotalBalance     float64 `json:"total_balance"`
	AvailableBalance float64 `json:"available_balance"`
	UsedMargin       float64 `json:"used_margin"`

	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalEquity   float64 `json:"total_equity"`
	MarginRatio   float64 `json:"margin_ratio"`

	TotalFees    float64 `json:"total_fees"`
	TotalFunding float64 `json:"total_funding"`

	DailyPnL     float64   `json:"daily_pnl"`
	DailyPnLDate string    `json:"daily_pnl_date,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// recompute derives unrealized PnL, equity and margin ratio from the
// open positions backing this portfolio. Aggregates are never mutated
// independently of position state.
func (pf *Portfolio) recompute(open []*Position, now time.Time) {
	var unrealized float64
	for _, pos := range open {
		unrealized += pos.UnrealizedPnL
	}
	pf.UnrealizedPnL = unrealized
	pf.TotalEquity = pf.TotalBalance + unrealized
	if pf.TotalEquity > 0 {
		pf.MarginRatio = pf.UsedMargin / pf.TotalEquity
	} else if pf.UsedMargin > 0 {
		pf.MarginRatio = 1
	} else {
		pf.MarginRatio = 0
	}
	pf.UpdatedAt = now
}

// addDailyPnL folds a realized result into the UTC-day counter,
// resetting it across day boundaries.
func (pf *Portfolio) addDailyPnL(pnl float64, now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if pf.DailyPnLDate != day {
		pf.DailyPnLDate = day
		pf.DailyPnL = 0
	}
	pf.DailyPnL += pnl
}
