package ledger

import (
	"testing"

	"margind/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosePositionFullWithProfit(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{InitialBalance: 10000})

	pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 1000, Leverage: 10, Paper: true}, 45000)
	require.NoError(t, err)

	// 2% move with 10x leverage on 1000 notional realizes +200.
	closed, err := l.ClosePosition("alice", CloseRequest{PositionID: pos.ID}, 45900)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, 45900.0, closed.ClosePrice)
	assert.InDelta(t, 200.0, closed.RealizedPnL, 1e-6)
	assert.Zero(t, closed.UnrealizedPnL)

	pf := l.Portfolio("alice", true)
	assert.InDelta(t, 10200.0, pf.AvailableBalance, 1e-6)
	assert.InDelta(t, 10200.0, pf.TotalBalance, 1e-6)
	assert.Zero(t, pf.UsedMargin)
	assert.InDelta(t, 200.0, pf.DailyPnL, 1e-6)
	assert.Empty(t, l.OpenPositions("alice"))
}

func TestClosePositionShortWithProfit(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{InitialBalance: 10000})

	pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideShort, Size: 1000, Leverage: 10, Paper: true}, 45000)
	require.NoError(t, err)

	closed, err := l.ClosePosition("alice", CloseRequest{PositionID: pos.ID}, 44100)
	require.NoError(t, err)
	assert.InDelta(t, 200.0, closed.RealizedPnL, 1e-6)
}

func TestClosePositionPartial(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{InitialBalance: 10000})

	pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 1000, Leverage: 10, Paper: true}, 45000)
	require.NoError(t, err)

	partial, err := l.ClosePosition("alice", CloseRequest{PositionID: pos.ID, Size: 400}, 45900)
	require.NoError(t, err)

	// 40% closed: 80 realized, 40 margin released, position stays open.
	assert.Equal(t, StatusOpen, partial.Status)
	assert.InDelta(t, 600.0, partial.Size, 1e-6)
	assert.InDelta(t, 60.0, partial.Margin, 1e-6)
	assert.InDelta(t, 80.0, partial.RealizedPnL, 1e-6)

	pf := l.Portfolio("alice", true)
	assert.InDelta(t, 10020.0, pf.AvailableBalance, 1e-6)
	assert.InDelta(t, 60.0, pf.UsedMargin, 1e-6)
	assert.InDelta(t, 10080.0, pf.TotalBalance, 1e-6)

	// Remaining exposure still marks to 45900.
	assert.InDelta(t, 120.0, partial.UnrealizedPnL, 1e-6)
	assert.InDelta(t, 10200.0, pf.TotalEquity, 1e-6)
}

func TestClosePositionOversizedRejected(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{InitialBalance: 10000})

	pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 1000, Leverage: 10, Paper: true}, 45000)
	require.NoError(t, err)

	_, err = l.ClosePosition("alice", CloseRequest{PositionID: pos.ID, Size: 5000}, 45000)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "size", verr.Field)

	// Nothing was applied: the position is still open at full size.
	got, err := l.GetPosition("alice", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, 1000.0, got.Size)
}

func TestClosePositionErrors(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{InitialBalance: 10000})

	pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 1000, Leverage: 10, Paper: true}, 45000)
	require.NoError(t, err)

	t.Run("missing id", func(t *testing.T) {
		_, err := l.ClosePosition("alice", CloseRequest{}, 45000)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := l.ClosePosition("alice", CloseRequest{PositionID: "nope"}, 45000)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("not the owner", func(t *testing.T) {
		_, err := l.ClosePosition("mallory", CloseRequest{PositionID: pos.ID}, 45000)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("already closed", func(t *testing.T) {
		_, err := l.ClosePosition("alice", CloseRequest{PositionID: pos.ID}, 45000)
		require.NoError(t, err)
		_, err = l.ClosePosition("alice", CloseRequest{PositionID: pos.ID}, 45000)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestDailyLossCapSuspendsAfterClose(t *testing.T) {
	l := newTestLedger(t, risk.DefaultTiers(), Config{AutoAssignStop: true, InitialBalance: 10000})

	open := func(t *testing.T) Position {
		t.Helper()
		pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 5, Paper: true}, 45000)
		require.NoError(t, err)
		return pos
	}

	// First losing close: -50, under village's 100 cap.
	pos := open(t)
	closed, err := l.ClosePosition("alice", CloseRequest{PositionID: pos.ID}, 40500)
	require.NoError(t, err)
	assert.InDelta(t, -50.0, closed.RealizedPnL, 1e-6)

	// Second loss pushes the day to 150 and trips the cap.
	pos = open(t)
	_, err = l.ClosePosition("alice", CloseRequest{PositionID: pos.ID}, 36000)
	require.NoError(t, err)

	_, err = l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 5, Paper: true}, 45000)
	var serr *SuspendedError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, string(risk.SuspensionDailyLoss), serr.Type)
}

func TestLossStreakCoolingOff(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{InitialBalance: 100000})

	// Five losing closes in a row trigger the cooling-off suspension.
	for i := 0; i < 5; i++ {
		pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 2, Paper: true}, 45000)
		require.NoError(t, err)
		_, err = l.ClosePosition("alice", CloseRequest{PositionID: pos.ID}, 44900)
		require.NoError(t, err)
	}

	_, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 2, Paper: true}, 45000)
	var serr *SuspendedError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, string(risk.SuspensionConsecutiveLoss), serr.Type)
}

func TestWinResetsLossStreak(t *testing.T) {
	l := newTestLedger(t, permissiveTiers(), Config{InitialBalance: 100000})

	trade := func(t *testing.T, closeAt float64) {
		t.Helper()
		pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 2, Paper: true}, 45000)
		require.NoError(t, err)
		_, err = l.ClosePosition("alice", CloseRequest{PositionID: pos.ID}, closeAt)
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		trade(t, 44900)
	}
	trade(t, 45100) // win
	for i := 0; i < 4; i++ {
		trade(t, 44900)
	}

	// Never five in a row, so no suspension.
	pos, err := l.OpenPosition("alice", OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Size: 100, Leverage: 2, Paper: true}, 45000)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, pos.Status)
}
