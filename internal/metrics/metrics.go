package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FeedFetches counts upstream lookups by source and outcome
// (success | failure | rate_limited).
var FeedFetches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "margind",
		Subsystem: "feed",
		Name:      "fetches_total",
		Help:      "Total upstream price fetches by source and outcome",
	},
	[]string{"source", "outcome"},
)

// BreakerState exposes the circuit state per source
// (0=closed, 1=open, 2=half-open).
var BreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "margind",
		Subsystem: "feed",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per source (0=closed,1=open,2=half-open)",
	},
	[]string{"source"},
)

// OpenPositions tracks currently open positions per symbol.
var OpenPositions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "margind",
		Subsystem: "ledger",
		Name:      "open_positions",
		Help:      "Open positions per symbol",
	},
	[]string{"symbol"},
)

// Liquidations counts forced closes per symbol.
var Liquidations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "margind",
		Subsystem: "ledger",
		Name:      "liquidations_total",
		Help:      "Total liquidated positions per symbol",
	},
	[]string{"symbol"},
)

// StopLossExecutions counts stop-loss triggered closes per symbol.
var StopLossExecutions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "margind",
		Subsystem: "ledger",
		Name:      "stop_loss_executions_total",
		Help:      "Total stop-loss executions per symbol",
	},
	[]string{"symbol"},
)

// FundingSettlements counts funding charges applied to positions.
var FundingSettlements = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "margind",
		Subsystem: "ledger",
		Name:      "funding_settlements_total",
		Help:      "Total funding settlements applied per symbol",
	},
	[]string{"symbol"},
)

// Suspensions counts trading suspensions by type.
var Suspensions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "margind",
		Subsystem: "risk",
		Name:      "suspensions_total",
		Help:      "Total trading suspensions by type",
	},
	[]string{"type"},
)

// TickLatency measures the time to reprice all positions on one tick.
var TickLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "margind",
		Subsystem: "ledger",
		Name:      "tick_latency_ms",
		Help:      "Time to apply one price tick to all matching positions in milliseconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 25, 50},
	},
)
