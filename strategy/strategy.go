// Package strategy 策略接口与参考策略。策略只产出信号，下单与持仓由引擎负责。
package strategy

import (
	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

// Action 信号动作。
type Action int

const (
	Hold Action = iota
	Open
	Close
)

func (a Action) String() string {
	switch a {
	case Open:
		return "open"
	case Close:
		return "close"
	default:
		return "hold"
	}
}

// Signal 策略对一根 K 线的决策。TakeProfit/StopLoss 为 0 表示不挂。
type Signal struct {
	Action     Action
	Side       market.Side
	Volume     market.UnsignedVolume
	TakeProfit float64
	StopLoss   float64
	Reason     string
}

// Strategy 由引擎在自己的循环上调用，无需并发安全。
type Strategy interface {
	Name() string
	// Warmup 用历史快照初始化内部状态。
	Warmup(history []market.Candle)
	// OnCandle pos 为当前持仓，空仓时 ok 为 false。
	OnCandle(c market.Candle, pos inventory.OpenedPosition, ok bool) Signal
}
