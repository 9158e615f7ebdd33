package strategy

import (
	"errors"
	"fmt"

	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

// BreakoutConfig 通道突破参数。
type BreakoutConfig struct {
	Lookback      int     // 通道长度（K 线根数）
	Volume        float64 // 每次开仓数量
	TakeProfitPct float64 // 止盈距离，如 0.02 表示 2%
	StopLossPct   float64
	MaxHold       int // 持仓超过该根数主动平仓，0 表示不限
}

func (c BreakoutConfig) Validate() error {
	if c.Lookback < 1 {
		return errors.New("lookback must be >= 1")
	}
	if c.Volume <= 0 {
		return fmt.Errorf("volume must be positive, got %v", c.Volume)
	}
	if c.TakeProfitPct < 0 || c.StopLossPct < 0 || c.StopLossPct >= 1 {
		return errors.New("take profit / stop loss pct out of range")
	}
	if c.MaxHold < 0 {
		return errors.New("maxHold must be >= 0")
	}
	return nil
}

// Breakout 收盘价突破前 Lookback 根的最高/最低价时顺势开仓，并附带止盈止损。
type Breakout struct {
	cfg    BreakoutConfig
	volume market.UnsignedVolume
	window []market.Candle
	held   int
}

func NewBreakout(cfg BreakoutConfig) (*Breakout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Breakout{cfg: cfg, volume: market.MustUnsigned(cfg.Volume)}, nil
}

func (b *Breakout) Name() string { return string(BreakoutStrategy) }

func (b *Breakout) Warmup(history []market.Candle) {
	b.window = b.window[:0]
	for _, c := range history {
		b.push(c)
	}
}

func (b *Breakout) OnCandle(c market.Candle, pos inventory.OpenedPosition, ok bool) Signal {
	defer b.push(c)
	if ok {
		b.held++
		if b.cfg.MaxHold > 0 && b.held >= b.cfg.MaxHold {
			return Signal{Action: Close, Side: pos.Volume.Side().Opposite(), Volume: pos.Volume.Abs(), Reason: "max hold"}
		}
		return Signal{}
	}
	b.held = 0
	if len(b.window) < b.cfg.Lookback {
		return Signal{}
	}
	hi, lo := b.window[0].High, b.window[0].Low
	for _, w := range b.window[1:] {
		if w.High > hi {
			hi = w.High
		}
		if w.Low < lo {
			lo = w.Low
		}
	}
	switch {
	case c.Close > hi:
		return b.open(market.Buy, c.Close, "breakout high")
	case c.Close < lo:
		return b.open(market.Sell, c.Close, "breakout low")
	}
	return Signal{}
}

func (b *Breakout) open(side market.Side, price float64, reason string) Signal {
	s := Signal{Action: Open, Side: side, Volume: b.volume, Reason: reason}
	dir := side.Sign()
	if b.cfg.TakeProfitPct > 0 {
		s.TakeProfit = price * (1 + dir*b.cfg.TakeProfitPct)
	}
	if b.cfg.StopLossPct > 0 {
		s.StopLoss = price * (1 - dir*b.cfg.StopLossPct)
	}
	return s
}

func (b *Breakout) push(c market.Candle) {
	b.window = append(b.window, c)
	if len(b.window) > b.cfg.Lookback {
		copy(b.window, b.window[1:])
		b.window = b.window[:b.cfg.Lookback]
	}
}
