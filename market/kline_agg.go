package market

import "time"

// CandleAggregator 把细粒度 K 线合成为固定周期的 K 线（例如 1m → 15m）。
// 非并发安全，由持有者在自己的循环上调用。
type CandleAggregator struct {
	Interval time.Duration
	current  *Candle
}

func NewCandleAggregator(interval time.Duration) *CandleAggregator {
	return &CandleAggregator{Interval: interval}
}

// OnCandle 合并一根输入 K 线；跨入新周期时返回已闭合的上一根，否则返回 nil。
func (a *CandleAggregator) OnCandle(c Candle) *Candle {
	start := c.Ts.Truncate(a.Interval)
	if a.current == nil || !start.Equal(a.current.Ts) {
		closed := a.current
		next := c
		next.Ts = start
		a.current = &next
		return closed
	}
	if c.High > a.current.High {
		a.current.High = c.High
	}
	if c.Low < a.current.Low {
		a.current.Low = c.Low
	}
	a.current.Close = c.Close
	a.current.Volume += c.Volume
	return nil
}

// Flush 取出尚未闭合的当前 K 线。
func (a *CandleAggregator) Flush() *Candle {
	c := a.current
	a.current = nil
	return c
}

// Resample 批量重采样，保留末尾未满周期的那一根。
func Resample(in []Candle, interval time.Duration) []Candle {
	if interval <= 0 {
		return in
	}
	agg := NewCandleAggregator(interval)
	out := make([]Candle, 0, len(in))
	for _, c := range in {
		if closed := agg.OnCandle(c); closed != nil {
			out = append(out, *closed)
		}
	}
	if last := agg.Flush(); last != nil {
		out = append(out, *last)
	}
	return out
}
