package order

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/eventbus"
	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
	"trading-engine-go/market"
)

var ErrUnknownOrder = errors.New("unknown order")

// Callback 市价单的最终结果，每个逻辑订单恰好调用一次。
// order.ID 为 SendMarketOrder 返回的逻辑 ID，即使线上已换过 ID 重试。
type Callback func(o MarketOrder, ok bool)

// ManagerConfig 市价单管理器配置。
type ManagerConfig struct {
	Constraints Constraints
	// MaxRetries 可重试拒单的最大重发次数，0 表示不限。
	MaxRetries int
	Logger     *zap.Logger
	Metrics    Metrics
}

type pendingOrder struct {
	order   MarketOrder
	logical guid.GUID
	cb      Callback
	retries int
}

type tradeTracker struct {
	fn        func(Trade)
	remaining market.UnsignedVolume
}

// Manager 维护待回报的市价单，把网关回报转换为回调，并处理可重试拒单。
type Manager struct {
	gw      Gateway
	ch      *Channels
	logger  *zap.Logger
	metrics Metrics
	guard   *eventbus.Guard

	constraints Constraints
	maxRetries  int

	pending  map[guid.GUID]*pendingOrder
	aliases  map[guid.GUID]guid.GUID
	trackers map[guid.GUID]*tradeTracker
}

type sendOptions struct {
	reduceOnly bool
}

// SendOption 下单选项。
type SendOption func(*sendOptions)

// ReduceOnly 只减仓；空仓时网关会拒绝。
func ReduceOnly() SendOption {
	return func(o *sendOptions) { o.reduceOnly = true }
}

// NewManager 在 loop 上订阅网关回报与成交。
func NewManager(loop eventbus.Loop, gw Gateway, ch *Channels, cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	m := &Manager{
		gw:          gw,
		ch:          ch,
		logger:      logger.With(zap.String("component", "order_manager")),
		metrics:     metrics,
		guard:       eventbus.NewGuard(loop),
		constraints: cfg.Constraints,
		maxRetries:  cfg.MaxRetries,
		pending:     make(map[guid.GUID]*pendingOrder),
		aliases:     make(map[guid.GUID]guid.GUID),
		trackers:    make(map[guid.GUID]*tradeTracker),
	}
	eventbus.Listen[Response](m.guard, ch.Responses, eventloop.High, m.onResponse)
	eventbus.Listen[Trade](m.guard, ch.Trades, eventloop.High, m.onTrade)
	return m
}

// SetConstraints 热更新交易对限制，只影响之后的下单。
func (m *Manager) SetConstraints(c Constraints) {
	m.constraints = c
}

// SendMarketOrder 取整数量后异步下单，返回逻辑订单 ID。
// 取整失败或结果为零时不发请求、不调用 cb，错误同时推送到错误通道。
func (m *Manager) SendMarketOrder(symbol string, price float64, volume market.SignedVolume, ts time.Time, cb Callback, opts ...SendOption) (guid.GUID, error) {
	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}
	floored, err := m.constraints.For(symbol).Normalize(volume)
	if err != nil {
		m.metrics.VolumeRejected(symbol)
		msg := fmt.Sprintf("market order %s %s rejected locally: %v", symbol, volume, err)
		m.logger.Warn("market order rejected locally",
			zap.String("symbol", symbol),
			zap.Float64("volume", volume.Float()),
			zap.Error(err))
		m.ch.Errors.Push(msg)
		return guid.Nil, err
	}

	o := MarketOrder{
		ID:         guid.New(),
		Symbol:     symbol,
		Price:      price,
		Volume:     floored,
		Side:       floored.Side(),
		Created:    ts,
		ReduceOnly: so.reduceOnly,
	}
	m.pending[o.ID] = &pendingOrder{order: o, logical: o.ID, cb: cb}
	m.aliases[o.ID] = o.ID
	m.metrics.OrderSent(symbol)
	m.logger.Debug("market order sent",
		zap.String("order_id", o.ID.String()),
		zap.String("symbol", symbol),
		zap.String("side", string(o.Side)),
		zap.Float64("volume", floored.Float()))
	m.gw.PushOrderRequest(o)
	return o.ID, nil
}

// TrackTrades 把逻辑订单 id 的成交转发给 fn，直到累计成交达到目标数量。
func (m *Manager) TrackTrades(id guid.GUID, fn func(Trade)) error {
	var target market.UnsignedVolume
	found := false
	for _, p := range m.pending {
		if p.logical == id {
			target = p.order.Target()
			found = true
			break
		}
	}
	if !found {
		return ErrUnknownOrder
	}
	m.trackers[id] = &tradeTracker{fn: fn, remaining: target}
	return nil
}

// Pending 等待回报的订单数量。
func (m *Manager) Pending() int { return len(m.pending) }

// Close 退订并丢弃已排队的回报。
func (m *Manager) Close() { m.guard.Close() }

func (m *Manager) onResponse(r Response) {
	p, ok := m.pending[r.ID]
	if !ok {
		m.logger.Warn("unsolicited response", zap.String("order_id", r.ID.String()))
		m.ch.Errors.Push(fmt.Sprintf("unsolicited response for order %s", r.ID))
		return
	}
	delete(m.pending, r.ID)

	if !r.Rejected {
		m.finish(p, r.ID, true)
		return
	}

	if r.Retry && (m.maxRetries == 0 || p.retries < m.maxRetries) {
		p.retries++
		p.order.ID = guid.New()
		m.pending[p.order.ID] = p
		m.aliases[p.order.ID] = p.logical
		delete(m.aliases, r.ID)
		m.metrics.OrderRetried(p.order.Symbol)
		m.logger.Info("market order retry",
			zap.String("order_id", p.logical.String()),
			zap.String("wire_id", p.order.ID.String()),
			zap.Int("attempt", p.retries),
			zap.String("reason", r.Reason))
		m.gw.PushOrderRequest(p.order)
		return
	}

	p.order.RejectReason = r.Reason
	if p.order.RejectReason == "" {
		p.order.RejectReason = "rejected"
	}
	m.metrics.OrderRejected(p.order.Symbol)
	m.logger.Warn("market order rejected",
		zap.String("order_id", p.logical.String()),
		zap.String("symbol", p.order.Symbol),
		zap.String("reason", p.order.RejectReason))
	m.ch.Errors.Push(fmt.Sprintf("order %s %s rejected: %s", p.order.Symbol, p.logical, p.order.RejectReason))
	m.finish(p, r.ID, false)
}

func (m *Manager) finish(p *pendingOrder, wireID guid.GUID, ok bool) {
	if !ok {
		delete(m.trackers, p.logical)
	}
	if _, tracked := m.trackers[p.logical]; !tracked {
		delete(m.aliases, wireID)
	}
	o := p.order
	o.ID = p.logical
	if p.cb != nil {
		p.cb(o, ok)
	}
}

func (m *Manager) onTrade(t Trade) {
	logical, ok := m.aliases[t.OrderID]
	if !ok {
		return
	}
	tr, ok := m.trackers[logical]
	if !ok {
		return
	}
	tr.fn(t)
	tr.remaining = tr.remaining.SaturatingSub(t.Volume)
	if tr.remaining.IsZero() {
		delete(m.trackers, logical)
		if _, stillPending := m.pending[t.OrderID]; !stillPending {
			delete(m.aliases, t.OrderID)
		}
	}
}
