// Package sim 回测撮合：按最近观测价格即时全量成交市价单，并按触发规则撮合止盈止损。
package sim

import (
	"math"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/eventbus"
	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
	"trading-engine-go/market"
	"trading-engine-go/order"
)

const (
	// DefaultTakerFee 吃单费率 0.055%。
	DefaultTakerFee = 0.00055

	ReasonZeroPosition = "can not set tp/sl/ts for zero position"
	ReasonNoPrice      = "no price for symbol"
	ReasonReduceOnly   = "reduce only order would increase position"
)

// GatewayConfig 撮合网关配置。
type GatewayConfig struct {
	TakerFee float64
	Logger   *zap.Logger
	// LoopOptions 透传给网关自己的工作循环。
	LoopOptions []eventloop.Option
}

type watch struct {
	order order.ConditionalOrder
}

// Gateway 回测交易网关。运行在自己的工作循环上，全部状态只在该循环内修改；
// Position/Price 等查询需在 Quiesce 之后调用。
type Gateway struct {
	loop     *eventloop.Loop
	guard    *eventbus.Guard
	ch       *order.Channels
	feed     market.Feed
	takerFee float64
	logger   *zap.Logger

	prices    map[string]float64
	times     map[string]time.Time
	positions map[string]float64
	// watches 按挂单顺序保存，触发顺序确定。
	watches []watch
}

// NewGateway 创建网关。需对每个交易对调用 Watch 订阅行情。
func NewGateway(feed market.Feed, ch *order.Channels, cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fee := cfg.TakerFee
	if fee < 0 {
		fee = 0
	}
	loop := eventloop.New("sim-gateway", append([]eventloop.Option{eventloop.WithLogger(logger)}, cfg.LoopOptions...)...)
	return &Gateway{
		loop:      loop,
		guard:     eventbus.NewGuard(loop),
		ch:        ch,
		feed:      feed,
		takerFee:  fee,
		logger:    logger.With(zap.String("component", "sim_gateway")),
		prices:    make(map[string]float64),
		times:     make(map[string]time.Time),
		positions: make(map[string]float64),
	}
}

// Loop 网关的工作循环，回测驱动方用它做 Quiesce。
func (g *Gateway) Loop() *eventloop.Loop { return g.loop }

// Watch 订阅交易对的 K 线；历史快照只用最后一根作为当前价。
// 行情与请求同在 High 层，按到达顺序处理：对行情作出反应的订单一定在该行情之后撮合。
// 因此网关应先于策略订阅行情。
func (g *Gateway) Watch(symbol string) {
	eventbus.ListenSeries(g.guard, g.feed.Candles(symbol), eventloop.High,
		func(history []market.Candle) {
			if n := len(history); n > 0 {
				g.onPrice(history[n-1])
			}
		},
		g.onPrice)
}

// Close 退订行情并停止工作循环。
func (g *Gateway) Close() {
	g.guard.Close()
	g.loop.Stop()
}

func (g *Gateway) PushOrderRequest(o order.MarketOrder) {
	g.post(func() { g.executeMarket(o) })
}

func (g *Gateway) PushTakeProfitRequest(o order.ConditionalOrder) {
	g.post(func() { g.arm(o) })
}

func (g *Gateway) PushStopLossRequest(o order.ConditionalOrder) {
	g.post(func() { g.arm(o) })
}

func (g *Gateway) CancelTakeProfitRequest(id guid.GUID) {
	g.post(func() { g.cancel(id, order.TakeProfit) })
}

func (g *Gateway) CancelStopLossRequest(id guid.GUID) {
	g.post(func() { g.cancel(id, order.StopLoss) })
}

// Position 交易对净持仓。
func (g *Gateway) Position(symbol string) float64 { return g.positions[symbol] }

// Price 交易对最近观测价格。
func (g *Gateway) Price(symbol string) (float64, bool) {
	p, ok := g.prices[symbol]
	return p, ok
}

// Watches 当前挂起的条件单数量。
func (g *Gateway) Watches() int { return len(g.watches) }

func (g *Gateway) post(fn func()) {
	if err := g.loop.Post(g.guard.Owner(), eventloop.High, fn); err != nil {
		g.logger.Warn("request dropped", zap.Error(err))
	}
}

func (g *Gateway) onPrice(c market.Candle) {
	g.prices[c.Symbol] = c.Close
	g.times[c.Symbol] = c.Ts
	g.evaluate(c.Symbol, c.Close)
}

func (g *Gateway) executeMarket(o order.MarketOrder) {
	price, ok := g.prices[o.Symbol]
	if !ok {
		g.reject(g.ch.Responses, o.ID, ReasonNoPrice)
		return
	}
	volume := o.Volume.Float()
	if o.ReduceOnly {
		pos := g.positions[o.Symbol]
		if isFlat(pos) {
			g.reject(g.ch.Responses, o.ID, ReasonZeroPosition)
			return
		}
		if math.Signbit(pos) == math.Signbit(volume) {
			g.reject(g.ch.Responses, o.ID, ReasonReduceOnly)
			return
		}
		if math.Abs(volume) > math.Abs(pos) {
			volume = -pos
		}
	}
	g.fill(o.ID, o.Symbol, price, volume)
	g.ch.Responses.Push(order.Response{ID: o.ID})
}

func (g *Gateway) arm(o order.ConditionalOrder) {
	if isFlat(g.positions[o.Symbol]) {
		g.reject(g.ch.ConditionalResponses, o.ID, ReasonZeroPosition)
		return
	}
	g.watches = append(g.watches, watch{order: o})
	g.logger.Debug("conditional armed",
		zap.String("order_id", o.ID.String()),
		zap.String("kind", string(o.Kind)),
		zap.Float64("trigger", o.Trigger))
	g.ch.Updates.Push(order.ConditionalUpdate{ID: o.ID, Kind: o.Kind, Active: true})
	if price, ok := g.prices[o.Symbol]; ok {
		g.evaluate(o.Symbol, price)
	}
}

func (g *Gateway) cancel(id guid.GUID, kind order.Kind) {
	for i, w := range g.watches {
		if w.order.ID == id && w.order.Kind == kind {
			g.removeWatch(i)
			g.ch.Updates.Push(order.ConditionalUpdate{ID: id, Kind: kind, Active: false})
			return
		}
	}
	g.logger.Debug("cancel for unknown conditional", zap.String("order_id", id.String()))
}

// evaluate 按挂单顺序检查触发条件，触发的单按触发价全量成交。
func (g *Gateway) evaluate(symbol string, price float64) {
	for i := 0; i < len(g.watches); {
		w := g.watches[i]
		if w.order.Symbol != symbol || !Triggered(w.order.Side, w.order.Kind, w.order.Trigger, price) {
			i++
			continue
		}
		g.removeWatch(i)
		g.trigger(w)
		if isFlat(g.positions[symbol]) {
			g.clearWatches(symbol)
			return
		}
	}
}

func (g *Gateway) trigger(w watch) {
	o := w.order
	pos := g.positions[o.Symbol]
	volume := o.Target().Signed(o.Side).Float()
	if math.Abs(volume) > math.Abs(pos) {
		volume = -pos
	}
	g.logger.Debug("conditional triggered",
		zap.String("order_id", o.ID.String()),
		zap.String("kind", string(o.Kind)),
		zap.Float64("trigger", o.Trigger))
	if !isFlat(volume) && math.Signbit(volume) != math.Signbit(pos) {
		g.fill(o.ID, o.Symbol, o.Trigger, volume)
	}
	g.ch.Updates.Push(order.ConditionalUpdate{ID: o.ID, Kind: o.Kind, Active: false})
}

// clearWatches 持仓归零后交易对剩余的止盈止损随之失效。
func (g *Gateway) clearWatches(symbol string) {
	kept := g.watches[:0]
	for _, w := range g.watches {
		if w.order.Symbol == symbol {
			g.ch.Updates.Push(order.ConditionalUpdate{ID: w.order.ID, Kind: w.order.Kind, Active: false})
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(g.watches); i++ {
		g.watches[i] = watch{}
	}
	g.watches = kept
}

func (g *Gateway) removeWatch(i int) {
	copy(g.watches[i:], g.watches[i+1:])
	g.watches[len(g.watches)-1] = watch{}
	g.watches = g.watches[:len(g.watches)-1]
}

func (g *Gateway) fill(id guid.GUID, symbol string, price, signed float64) {
	side := market.Buy
	if signed < 0 {
		side = market.Sell
	}
	qty := math.Abs(signed)
	fee := price * qty * g.takerFee
	g.positions[symbol] += signed
	if isFlat(g.positions[symbol]) {
		g.positions[symbol] = 0
	}
	g.ch.Trades.Push(order.Trade{
		Timestamp: g.times[symbol],
		Symbol:    symbol,
		OrderID:   id,
		Price:     price,
		Volume:    market.MustUnsigned(qty),
		Side:      side,
		Fee:       fee,
	})
}

func (g *Gateway) reject(ch *eventbus.Channel[order.Response], id guid.GUID, reason string) {
	g.logger.Debug("request rejected", zap.String("order_id", id.String()), zap.String("reason", reason))
	ch.Push(order.Response{ID: id, Rejected: true, Reason: reason})
}

// Triggered side 为条件单的平仓方向：卖出止盈在价格 ≥ 触发价时触发、卖出止损在 ≤ 时触发，买方向相反。
func Triggered(side market.Side, kind order.Kind, trigger, price float64) bool {
	up := price >= trigger
	down := price <= trigger
	switch {
	case side == market.Sell && kind == order.TakeProfit:
		return up
	case side == market.Sell && kind == order.StopLoss:
		return down
	case side == market.Buy && kind == order.TakeProfit:
		return down
	default:
		return up
	}
}

func isFlat(v float64) bool { return math.Abs(v) < 1e-12 }

var _ order.Gateway = (*Gateway)(nil)
