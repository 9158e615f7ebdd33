// Package risk 开仓前的风控校验。只约束新开仓，平仓与止盈止损不经过这里。
// Guard 不是并发安全的，由持有它的引擎在自己的循环上调用。
package risk

import "trading-engine-go/market"

// Guard 是通用接口，数量限制、熔断等都可实现。deltaQty 正买负卖。
type Guard interface {
	PreOrder(symbol string, deltaQty float64) error
}

// CandleObserver 需要行情的 Guard 额外实现它。
type CandleObserver interface {
	OnCandle(c market.Candle)
}

// Recorder 需要知道实际成交量的 Guard 额外实现它。
type Recorder interface {
	OnFill(symbol string, qty float64)
}

// MultiGuard 顺序执行多个 Guard，只要有一个返回错误则中止。
type MultiGuard struct {
	Guards []Guard
}

func (m MultiGuard) PreOrder(symbol string, deltaQty float64) error {
	for _, g := range m.Guards {
		if g == nil {
			continue
		}
		if err := g.PreOrder(symbol, deltaQty); err != nil {
			return err
		}
	}
	return nil
}

// OnCandle 转发给实现了 CandleObserver 的 Guard。
func (m MultiGuard) OnCandle(c market.Candle) {
	for _, g := range m.Guards {
		if o, ok := g.(CandleObserver); ok {
			o.OnCandle(c)
		}
	}
}

// OnFill 转发给实现了 Recorder 的 Guard。
func (m MultiGuard) OnFill(symbol string, qty float64) {
	for _, g := range m.Guards {
		if r, ok := g.(Recorder); ok {
			r.OnFill(symbol, qty)
		}
	}
}
