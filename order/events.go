package order

import (
	"time"

	"trading-engine-go/eventbus"
	"trading-engine-go/guid"
	"trading-engine-go/market"
)

// Response 网关对请求的回报，按 ID 关联。
type Response struct {
	ID       guid.GUID
	Rejected bool
	Reason   string
	Retry    bool
}

// Trade 成交事件。
type Trade struct {
	Timestamp time.Time
	Symbol    string
	OrderID   guid.GUID
	Price     float64
	Volume    market.UnsignedVolume
	Side      market.Side
	Fee       float64
}

// Signed 带符号成交量。
func (t Trade) Signed() market.SignedVolume { return t.Volume.Signed(t.Side) }

// ConditionalUpdate 条件单在交易所侧的激活状态变化；Active=true 即挂单确认。
type ConditionalUpdate struct {
	ID     guid.GUID
	Kind   Kind
	Active bool
}

// Gateway 交易网关边界。所有请求都是发出即返回，结果经 Channels 异步回到调用方。
type Gateway interface {
	PushOrderRequest(o MarketOrder)
	PushTakeProfitRequest(o ConditionalOrder)
	PushStopLossRequest(o ConditionalOrder)
	CancelTakeProfitRequest(id guid.GUID)
	CancelStopLossRequest(id guid.GUID)
}

// Channels 网关发布、订单层订阅的一组通道。
type Channels struct {
	Responses            *eventbus.Channel[Response]
	ConditionalResponses *eventbus.Channel[Response]
	Updates              *eventbus.Channel[ConditionalUpdate]
	Trades               *eventbus.Channel[Trade]
	// Errors 人类可读的运行错误，由日志层消费。
	Errors *eventbus.Channel[string]
}

func NewChannels() *Channels {
	return &Channels{
		Responses:            eventbus.NewChannel[Response](),
		ConditionalResponses: eventbus.NewChannel[Response](),
		Updates:              eventbus.NewChannel[ConditionalUpdate](),
		Trades:               eventbus.NewChannel[Trade](),
		Errors:               eventbus.NewChannel[string](),
	}
}

func (c *Channels) Close() {
	c.Responses.Close()
	c.ConditionalResponses.Close()
	c.Updates.Close()
	c.Trades.Close()
	c.Errors.Close()
}

// Metrics 订单层埋点，nil 时不记录。
type Metrics interface {
	OrderSent(symbol string)
	OrderRetried(symbol string)
	OrderRejected(symbol string)
	VolumeRejected(symbol string)
	ConditionalStatus(symbol string, kind Kind, st Status)
}

type nopMetrics struct{}

func (nopMetrics) OrderSent(string) {}
func (nopMetrics) OrderRetried(string) {}
func (nopMetrics) OrderRejected(string) {}
func (nopMetrics) VolumeRejected(string) {}
func (nopMetrics) ConditionalStatus(string, Kind, Status) {}
