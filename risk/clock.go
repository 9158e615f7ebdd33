package risk

import (
	"time"

	"trading-engine-go/market"
)

// Clock 抽象时间便于测试。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// NowUTC 默认使用 UTC 时间。
var NowUTC Clock = realClock{}

// CandleClock 以最近一根 K 线的时间为当前时间，回测与实时行情下行为一致。
type CandleClock struct {
	now time.Time
}

func (c *CandleClock) OnCandle(candle market.Candle) {
	if candle.Ts.After(c.now) {
		c.now = candle.Ts
	}
}

func (c *CandleClock) Now() time.Time { return c.now }
