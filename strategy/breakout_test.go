package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

func bar(high, low, close float64) market.Candle {
	return market.Candle{Symbol: "BTCUSDT", Open: close, High: high, Low: low, Close: close}
}

func TestBreakoutSignals(t *testing.T) {
	b, err := NewBreakout(BreakoutConfig{Lookback: 3, Volume: 0.5, TakeProfitPct: 0.1, StopLossPct: 0.05})
	require.NoError(t, err)
	b.Warmup([]market.Candle{bar(101, 99, 100), bar(102, 98, 100), bar(103, 97, 100)})

	flat := inventory.OpenedPosition{}
	assert.Equal(t, Hold, b.OnCandle(bar(103, 99, 102), flat, false).Action)

	s := b.OnCandle(bar(110, 100, 110), flat, false)
	require.Equal(t, Open, s.Action)
	assert.Equal(t, market.Buy, s.Side)
	assert.Equal(t, 0.5, s.Volume.Float())
	assert.InDelta(t, 121, s.TakeProfit, 1e-9)
	assert.InDelta(t, 104.5, s.StopLoss, 1e-9)

	s = b.OnCandle(bar(100, 90, 90), flat, false)
	require.Equal(t, Open, s.Action)
	assert.Equal(t, market.Sell, s.Side)
	assert.InDelta(t, 81, s.TakeProfit, 1e-9)
	assert.InDelta(t, 94.5, s.StopLoss, 1e-9)
}

func TestBreakoutNeedsFullWindow(t *testing.T) {
	b, err := NewBreakout(BreakoutConfig{Lookback: 5, Volume: 1})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.Equal(t, Hold, b.OnCandle(bar(200, 1, 300), inventory.OpenedPosition{}, false).Action)
	}
	s := b.OnCandle(bar(400, 350, 400), inventory.OpenedPosition{}, false)
	assert.Equal(t, Open, s.Action)
	assert.Zero(t, s.TakeProfit)
}

func TestBreakoutMaxHold(t *testing.T) {
	b, err := NewBreakout(BreakoutConfig{Lookback: 1, Volume: 1, MaxHold: 2})
	require.NoError(t, err)
	pos := inventory.OpenedPosition{Symbol: "BTCUSDT", Volume: -2}
	assert.Equal(t, Hold, b.OnCandle(bar(1, 1, 1), pos, true).Action)
	s := b.OnCandle(bar(1, 1, 1), pos, true)
	assert.Equal(t, Close, s.Action)
	assert.Equal(t, market.Buy, s.Side)
	assert.Equal(t, 2.0, s.Volume.Float())
}

func TestStrategyFactory(t *testing.T) {
	f := NewStrategyFactory()
	s, err := f.CreateStrategy("breakout", BreakoutConfig{Lookback: 2, Volume: 1})
	require.NoError(t, err)
	assert.Equal(t, "breakout", s.Name())

	_, err = f.CreateStrategy("breakout", 42)
	assert.Error(t, err)
	_, err = f.CreateStrategy("grid", BreakoutConfig{})
	assert.Error(t, err)
	_, err = f.CreateStrategy("breakout", BreakoutConfig{Lookback: 0, Volume: 1})
	assert.Error(t, err)
}
