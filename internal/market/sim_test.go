package market

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimSourceWalk(t *testing.T) {
	s := NewSimSource(map[string]float64{"btcusdt": 45000}, 0.002, 42)

	q, err := s.FetchQuote(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.Equal(t, "sim", q.Source)
	assert.Greater(t, q.Price, 0.0)
	// One step stays inside the volatility bound.
	assert.InDelta(t, 45000, q.Price, 45000*0.002)

	_, err = s.FetchQuote(context.Background(), "DOGEUSDT")
	assert.Error(t, err)
}

func TestSimSourceDeterministicWithSeed(t *testing.T) {
	a := NewSimSource(map[string]float64{"BTCUSDT": 45000}, 0.002, 7)
	b := NewSimSource(map[string]float64{"BTCUSDT": 45000}, 0.002, 7)

	for i := 0; i < 5; i++ {
		qa, err := a.FetchQuote(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		qb, err := b.FetchQuote(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, qa.Price, qb.Price)
	}
}

func TestSimSourceSetPrice(t *testing.T) {
	s := NewSimSource(map[string]float64{"BTCUSDT": 45000}, 0.002, 42)
	s.SetPrice("btcusdt", 50000)

	q, err := s.FetchQuote(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 50000, q.Price, 50000*0.002)
	assert.EqualValues(t, 1, s.Stats().Requests)
}
