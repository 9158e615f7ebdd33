package market

import "time"

// Candle 一根 OHLCV K 线；行情推送以收盘价作为最新价。
type Candle struct {
	Symbol string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Ts     time.Time
}

// Price 最新价（收盘价）。
func (c Candle) Price() float64 { return c.Close }

// Valid 基本一致性检查：高低价包住开收盘且价格为正。
func (c Candle) Valid() bool {
	if c.Low <= 0 || c.High < c.Low || c.Volume < 0 {
		return false
	}
	return c.Open >= c.Low && c.Open <= c.High && c.Close >= c.Low && c.Close <= c.High
}
