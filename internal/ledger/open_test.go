package ledger

import (
	"sync"
	"testing"

	"margind/internal/risk"
	"margind/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// permissiveTiers lifts every limit so economics can be tested without
// tripping policy checks. MaxDailyLoss 0 disables the daily cap.
func permissiveTiers() []risk.Tier {
	return []risk.Tier{{
		Level: 1,
		Name:  "unrestricted",
		Limits: risk.Limits{
			MaxLeverage:      100,
			MaxPositionSize:  1e9,
			MaxOpenPositions: 100,
			Instruments:      []string{"*"},
		},
	}}
}

func newTestLedger(t *testing.T, tiers []risk.Tier, cfg Config) *Ledger {
	t.Helper()
	kv := store.NewMemory()
	provider, err := risk.NewProvider(tiers, kv)
	require.NoError(t, err)
	guard, err := risk.NewGuard(kv)
	require.NoError(t, err)
	l, err := New(cfg, kv, provider, guard, nil, nil)
	require.NoError(t, err)
	return l
}

func TestOpenPositionEconomics(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{InitialBalance: 10000})

	pos, err := l.OpenPosition("alice", OpenRequest{
		Symbol: "btcusdt", Side: SideLong, Size: 1000, Leverage: 10, Paper: true,
	}, 45000)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.Equal(t, 100.0, pos.Margin)
	assert.InDelta(t, 40950.0, pos.LiquidationPrice, 1e-6)
	assert.Equal(t, StatusOpen, pos.Status)
	assert.Equal(t, 45000.0, pos.EntryPrice)

	pf := l.Portfolio("alice", true)
	assert.Equal(t, 9900.0, pf.AvailableBalance)
	assert.Equal(t, 100.0, pf.UsedMargin)
	assert.Equal(t, 10000.0, pf.TotalBalance)
	assert.Equal(t, 10000.0, pf.TotalEquity)
}

func TestOpenPositionShortLiquidationPrice(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{})

	pos, err := l.OpenPosition("alice", OpenRequest{
		Symbol: "BTCUSDT", Side: SideShort, Size: 1000, Leverage: 10, Paper: true,
	}, 45000)
	require.NoError(t, err)
	assert.InDelta(t, 49050.0, pos.LiquidationPrice, 1e-6)
}

func TestOpenPositionValidation(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{})

	cases := []struct {
		name string
		user string
		req  OpenRequest
		ref  float64
	}{
		{"missing user", "", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 2}, 45000},
		{"missing symbol", "alice", OpenRequest{Side: SideLong, Size: 100, Leverage: 2}, 45000},
		{"bad side", "alice", OpenRequest{Symbol: "BTCUSDT", Side: "sideways", Size: 100, Leverage: 2}, 45000},
		{"zero size", "alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Leverage: 2}, 45000},
		{"leverage below one", "alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 0.5}, 45000},
		{"no reference price", "alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 2}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.OpenPosition(tc.user, tc.req, tc.ref)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestOpenPositionPolicyChecks(t *testing.T) {
	l := newTestLedger(t, risk.DefaultTiers(), Config{AutoAssignStop: true})

	t.Run("leverage over tier cap", func(t *testing.T) {
		_, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 10, Paper: true}, 45000)
		var pv *PolicyViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "max_leverage", pv.Rule)
	})

	t.Run("size over position cap", func(t *testing.T) {
		_, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 1500, Leverage: 5, Paper: true}, 45000)
		var pv *PolicyViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "max_position_size", pv.Rule)
	})

	t.Run("size over order value cap", func(t *testing.T) {
		_, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 800, Leverage: 5, Paper: true}, 45000)
		var pv *PolicyViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "max_order_value", pv.Rule)
	})

	t.Run("instrument not allowed", func(t *testing.T) {
		_, err := l.OpenPosition("alice", OpenRequest{Symbol: "SOLUSDT", Side: SideLong, Size: 100, Leverage: 5, Paper: true}, 100)
		var pv *PolicyViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "instrument_not_allowed", pv.Rule)
	})

	t.Run("open position count cap", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			_, err := l.OpenPosition("bob", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 5, Paper: true}, 45000)
			require.NoError(t, err)
		}
		_, err := l.OpenPosition("bob", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 5, Paper: true}, 45000)
		var pv *PolicyViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "max_open_positions", pv.Rule)
	})
}

func TestConcurrentOpensRespectPositionCap(t *testing.T) {
	tiers := permissiveTiers()
	tiers[0].Limits.MaxOpenPositions = 2
	l := newTestLedger(t, tiers, Config{InitialBalance: 100000})

	// The count check and the commit share one critical section, so
	// racing opens can never all observe the same stale count.
	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.OpenPosition("alice", OpenRequest{
				Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 2, Paper: true,
			}, 45000)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var opened, rejected int
	for err := range errs {
		if err == nil {
			opened++
			continue
		}
		var pv *PolicyViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "max_open_positions", pv.Rule)
		rejected++
	}
	assert.Equal(t, 2, opened)
	assert.Equal(t, attempts-2, rejected)
	assert.Len(t, l.OpenPositions("alice"), 2)
}

func TestOpenPositionDailyLossProjectionSuspends(t *testing.T) {
	l := newTestLedger(t, risk.DefaultTiers(), Config{AutoAssignStop: true})

	// Margin 500; 90% of it projected lost exceeds village's 100 cap.
	_, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 500, Leverage: 1, Paper: true}, 45000)
	var serr *SuspendedError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, string(risk.SuspensionDailyLoss), serr.Type)

	// The suspension now blocks even a harmless open.
	_, err = l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 5, Paper: true}, 45000)
	assert.ErrorAs(t, err, &serr)
}

func TestMandatoryStopLossAutoAssign(t *testing.T) {
	l := newTestLedger(t, risk.DefaultTiers(), Config{AutoAssignStop: true})

	pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 5, Paper: true}, 45000)
	require.NoError(t, err)
	assert.InDelta(t, 42750.0, pos.StopLoss, 1e-6)

	short, err := l.OpenPosition("alice", OpenRequest{Symbol: "ETHUSDT", Side: SideShort, Size: 100, Leverage: 5, Paper: true}, 2500)
	require.NoError(t, err)
	assert.InDelta(t, 2625.0, short.StopLoss, 1e-6)
}

func TestMandatoryStopLossRejectedWithoutAutoAssign(t *testing.T) {
	l := newTestLedger(t, risk.DefaultTiers(), Config{AutoAssignStop: false})

	_, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 5, Paper: true}, 45000)
	var pv *PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, "stop_loss_required", pv.Rule)

	// An explicit stop satisfies the mandate.
	pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 5, StopLoss: 43000, Paper: true}, 45000)
	require.NoError(t, err)
	assert.Equal(t, 43000.0, pos.StopLoss)
}

func TestOpenPositionInsufficientBalance(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{InitialBalance: 10000})

	_, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 2000000, Leverage: 10, Paper: true}, 45000)
	var pv *PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, "insufficient_balance", pv.Rule)

	// Nothing was committed.
	pf := l.Portfolio("alice", true)
	assert.Equal(t, 10000.0, pf.AvailableBalance)
	assert.Zero(t, pf.UsedMargin)
	assert.Empty(t, l.OpenPositions("alice"))
}

func TestUpdateStops(t *testing.T) {
	l := newTestLedger(t, risk.DefaultTiers(), Config{AutoAssignStop: true})

	pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 5, Paper: true}, 45000)
	require.NoError(t, err)

	t.Run("move both levels", func(t *testing.T) {
		updated, err := l.UpdateStops("alice", pos.ID, 43000, 48000)
		require.NoError(t, err)
		assert.Equal(t, 43000.0, updated.StopLoss)
		assert.Equal(t, 48000.0, updated.TakeProfit)
	})

	t.Run("mandated stop cannot be removed", func(t *testing.T) {
		_, err := l.UpdateStops("alice", pos.ID, 0, 48000)
		var pv *PolicyViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "stop_loss_required", pv.Rule)
	})

	t.Run("unknown position", func(t *testing.T) {
		_, err := l.UpdateStops("alice", "nope", 43000, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("not the owner", func(t *testing.T) {
		_, err := l.UpdateStops("mallory", pos.ID, 43000, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestResetPortfolioDropsOpenPositions(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{InitialBalance: 10000})

	_, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 1000, Leverage: 10, Paper: true}, 45000)
	require.NoError(t, err)

	pf := l.ResetPortfolio("alice", true)
	assert.Equal(t, 10000.0, pf.AvailableBalance)
	assert.Zero(t, pf.UsedMargin)
	assert.Empty(t, l.OpenPositions("alice"))
}

func TestLedgerStateSurvivesRestart(t *testing.T) {
	kv := store.NewMemory()
	provider, err := risk.NewProvider(permissiveTiers(), kv)
	require.NoError(t, err)
	guard, err := risk.NewGuard(kv)
	require.NoError(t, err)

	l, err := New(Config{InitialBalance: 10000}, kv, provider, guard, nil, nil)
	require.NoError(t, err)
	pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 1000, Leverage: 10, Paper: true}, 45000)
	require.NoError(t, err)

	reborn, err := New(Config{InitialBalance: 10000}, kv, provider, guard, nil, nil)
	require.NoError(t, err)

	got, err := reborn.GetPosition("alice", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, 100.0, got.Margin)

	pf := reborn.Portfolio("alice", true)
	assert.Equal(t, 9900.0, pf.AvailableBalance)
	assert.Equal(t, 100.0, pf.UsedMargin)
}
