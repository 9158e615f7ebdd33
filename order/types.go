// Package order 订单生命周期：市价单的请求/回报关联与重试，以及止盈止损条件单状态机。
//
// Manager 与 ConditionalManager 都不是并发安全的：它们属于某个 actor，
// 只能在该 actor 的工作循环上调用，网关回报也经由同一循环投递。
package order

import (
	"time"

	"trading-engine-go/guid"
	"trading-engine-go/market"
)

// Status 条件单状态，由字段实时推导，不单独存储。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSuspended Status = "SUSPENDED"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

// Kind 条件单类型。
type Kind string

const (
	TakeProfit Kind = "TAKE_PROFIT"
	StopLoss   Kind = "STOP_LOSS"
)

// MarketOrder 市价单。由 Manager 创建后不再修改，重试时只换 ID。
type MarketOrder struct {
	ID     guid.GUID
	Symbol string
	// Price 请求时的参考价，实盘不作为成交价。
	Price        float64
	Volume       market.SignedVolume
	Side         market.Side
	Created      time.Time
	Filled       market.UnsignedVolume
	RejectReason string
	ReduceOnly   bool
}

// Target 目标数量（无符号）。
func (o MarketOrder) Target() market.UnsignedVolume { return o.Volume.Abs() }

// ConditionalOrder 止盈/止损条件单。Side 为平仓方向。
type ConditionalOrder struct {
	MarketOrder
	Trigger float64
	Kind    Kind

	target          market.UnsignedVolume
	suspended       market.UnsignedVolume
	cancelRequested bool
	settled         bool
}

func newConditional(base MarketOrder, trigger float64, kind Kind) *ConditionalOrder {
	return &ConditionalOrder{
		MarketOrder: base,
		Trigger:     trigger,
		Kind:        kind,
		target:      base.Volume.Abs(),
	}
}

// NewConditionalOrder 以 base 的数量为初始目标构造条件单请求，供网关实现与测试使用。
func NewConditionalOrder(base MarketOrder, trigger float64, kind Kind) ConditionalOrder {
	return *newConditional(base, trigger, kind)
}

// Target 当前目标数量；撤单后收缩为已成交数量。
func (c ConditionalOrder) Target() market.UnsignedVolume { return c.target }

// Suspended 交易所侧挂起待触发的数量。
func (c ConditionalOrder) Suspended() market.UnsignedVolume { return c.suspended }

func (c ConditionalOrder) CancelRequested() bool { return c.cancelRequested }

// Status 按 拒绝 > 成交 > 撤单完成 > 挂起 > 待确认 的顺序推导。
// 撤单请求之后原始数量仍全部成交的，视为成交；撤单只有在交易所报告失效后才算完成。
func (c ConditionalOrder) Status() Status {
	requested := c.MarketOrder.Target()
	switch {
	case c.RejectReason != "":
		return StatusRejected
	case !requested.IsZero() && c.Filled.GreaterOrEqual(requested):
		return StatusFilled
	case c.cancelRequested && c.settled:
		return StatusCancelled
	case !c.suspended.IsZero():
		return StatusSuspended
	default:
		return StatusPending
	}
}

// arm 交易所确认挂单。
func (c *ConditionalOrder) arm() {
	c.suspended = c.target
}

// fill 成交：挂起量减少，成交量增加。
func (c *ConditionalOrder) fill(v market.UnsignedVolume) {
	c.suspended = c.suspended.SaturatingSub(v)
	c.Filled = c.Filled.Add(v)
	if c.cancelRequested {
		c.target = c.Filled
	}
}

// cancel 标记撤单并把目标收缩到已成交数量，等待交易所确认。
func (c *ConditionalOrder) cancel() {
	c.cancelRequested = true
	c.target = c.Filled
}

// settle 交易所报告该单已失效（触发成交后或撤单后）。
func (c *ConditionalOrder) settle() {
	if !c.cancelRequested && c.Filled.Less(c.target) {
		// 交易所单方面撤销
		c.cancel()
	}
	c.suspended = market.UnsignedVolume{}
	c.settled = true
}

func (c *ConditionalOrder) reject(reason string) {
	if reason == "" {
		reason = "rejected"
	}
	c.RejectReason = reason
	c.suspended = market.UnsignedVolume{}
}
