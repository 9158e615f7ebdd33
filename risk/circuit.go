package risk

import (
	"errors"
	"fmt"
	"time"

	"trading-engine-go/market"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// Tick 依赖 minimal 行情信息。
type Tick struct {
	Price float64
	Ts    time.Time
}

// CircuitBreaker 基于近期波动率触发熔断；触发后 Cooldown 内拒绝开仓。
// 时间取自行情本身。
type CircuitBreaker struct {
	// 阈值：1m、5m 相对涨跌幅
	OneMinuteThresh  float64
	FiveMinuteThresh float64
	Cooldown         time.Duration

	window1m  []Tick
	window5m  []Tick
	openUntil time.Time
	last      time.Time
	span      string
}

func NewCircuitBreaker(one, five float64, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		OneMinuteThresh:  one,
		FiveMinuteThresh: five,
		Cooldown:         cooldown,
		window1m:         make([]Tick, 0, 128),
		window5m:         make([]Tick, 0, 512),
	}
}

// OnTick 返回 (是否触发, 触发窗口 "1m"/"5m"/"")
func (c *CircuitBreaker) OnTick(t Tick) (bool, string) {
	c.last = t.Ts
	c.window1m = append(c.window1m, t)
	c.window5m = append(c.window5m, t)
	c.trim(&c.window1m, t.Ts.Add(-1*time.Minute))
	c.trim(&c.window5m, t.Ts.Add(-5*time.Minute))

	span := ""
	switch {
	case c.check(c.window1m, c.OneMinuteThresh):
		span = "1m"
	case c.check(c.window5m, c.FiveMinuteThresh):
		span = "5m"
	default:
		return false, ""
	}
	c.openUntil = t.Ts.Add(c.Cooldown)
	c.span = span
	return true, span
}

// OnCandle 以收盘价作为一次 tick。
func (c *CircuitBreaker) OnCandle(candle market.Candle) {
	c.OnTick(Tick{Price: candle.Close, Ts: candle.Ts})
}

func (c *CircuitBreaker) PreOrder(string, float64) error {
	if c.Open() {
		return fmt.Errorf("%w: %s move, until %s", ErrCircuitOpen, c.span, c.openUntil.Format(time.RFC3339))
	}
	return nil
}

// Open 熔断中。冷却为 0 时只在触发的那根行情上生效。
func (c *CircuitBreaker) Open() bool {
	return c.span != "" && !c.last.After(c.openUntil)
}

func (c *CircuitBreaker) trim(buf *[]Tick, cutoff time.Time) {
	i := 0
	for ; i < len(*buf); i++ {
		if (*buf)[i].Ts.After(cutoff) {
			break
		}
	}
	if i > 0 {
		*buf = (*buf)[i:]
	}
}

func (c *CircuitBreaker) check(buf []Tick, thresh float64) bool {
	if thresh <= 0 || len(buf) == 0 {
		return false
	}
	first := buf[0].Price
	last := buf[len(buf)-1].Price
	if first == 0 {
		return false
	}
	change := (last - first) / first
	return change > thresh || change < -thresh
}
