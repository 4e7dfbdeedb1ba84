package market

import "time"

// Quote is one price observation from an upstream source.
type Quote struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	MarkPrice  float64   `json:"mark_price,omitempty"`
	IndexPrice float64   `json:"index_price,omitempty"`
	Source     string    `json:"source"`
	At         time.Time `json:"at"`
}

// TradingRules carries per-instrument order constraints.
type TradingRules struct {
	MinSize  float64 `json:"min_size"`
	TickSize float64 `json:"tick_size"`
	StepSize float64 `json:"step_size"`
}

// Data is the per-instrument market state the gateway maintains. The
// feed gateway and funding engine are the only writers; everyone else
// reads copies.
type Data struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	IndexPrice   float64 `json:"index_price"`
	MarkPrice    float64 `json:"mark_price"`
	Change24hPct float64 `json:"change_24h_pct"`
	High24h      float64 `json:"high_24h"`
	Low24h       float64 `json:"low_24h"`
	Volume24h    float64 `json:"volume_24h"`

	FundingRate   float64   `json:"funding_rate"`
	NextFundingAt time.Time `json:"next_funding_at"`

	OpenInterest float64      `json:"open_interest"`
	Rules        TradingRules `json:"rules"`

	UpdatedAt time.Time `json:"updated_at"`
	// Stale marks data served from the last known value after every
	// upstream source failed.
	Stale bool `json:"stale,omitempty"`
}

// FundingPoint is one funding-rate history entry.
type FundingPoint struct {
	Symbol string    `json:"symbol"`
	Rate   float64   `json:"rate"`
	At     time.Time `json:"at"`
}

// PriceEvent is published on every accepted tick.
type PriceEvent struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	MarkPrice float64   `json:"mark_price"`
	Source    string    `json:"source"`
	At        time.Time `json:"at"`
}

// FundingEvent is published on every funding period boundary.
type FundingEvent struct {
	Symbol   string    `json:"symbol"`
	Rate     float64   `json:"rate"`
	PeriodAt time.Time `json:"period_at"`
}
