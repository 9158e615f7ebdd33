package order

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/eventbus"
	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
	"trading-engine-go/market"
)

// ConditionalCallback 条件单每次状态变化时调用，o 为当前快照。
type ConditionalCallback func(o ConditionalOrder, st Status)

type conditionalEntry struct {
	order *ConditionalOrder
	cb    ConditionalCallback
	last  Status
}

// ConditionalManager 止盈止损条件单管理器。终态订单在回调后移除。
type ConditionalManager struct {
	gw      Gateway
	ch      *Channels
	logger  *zap.Logger
	metrics Metrics
	guard   *eventbus.Guard
	sm      *StateMachine

	constraints Constraints
	orders      map[guid.GUID]*conditionalEntry
}

// NewConditionalManager 在 loop 上订阅条件单回报、激活状态与成交。
func NewConditionalManager(loop eventbus.Loop, gw Gateway, ch *Channels, cfg ManagerConfig) *ConditionalManager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	m := &ConditionalManager{
		gw:          gw,
		ch:          ch,
		logger:      logger.With(zap.String("component", "conditional_manager")),
		metrics:     metrics,
		guard:       eventbus.NewGuard(loop),
		sm:          NewStateMachine(),
		constraints: cfg.Constraints,
		orders:      make(map[guid.GUID]*conditionalEntry),
	}
	eventbus.Listen[Response](m.guard, ch.ConditionalResponses, eventloop.High, m.onResponse)
	eventbus.Listen[ConditionalUpdate](m.guard, ch.Updates, eventloop.High, m.onUpdate)
	eventbus.Listen[Trade](m.guard, ch.Trades, eventloop.High, m.onTrade)
	return m
}

func (m *ConditionalManager) SetConstraints(c Constraints) {
	m.constraints = c
}

// PlaceTakeProfit 挂止盈单。volume 为平仓方向的带符号数量。
func (m *ConditionalManager) PlaceTakeProfit(symbol string, trigger float64, volume market.SignedVolume, ts time.Time, cb ConditionalCallback) (guid.GUID, error) {
	return m.place(TakeProfit, symbol, trigger, volume, ts, cb)
}

// PlaceStopLoss 挂止损单。
func (m *ConditionalManager) PlaceStopLoss(symbol string, trigger float64, volume market.SignedVolume, ts time.Time, cb ConditionalCallback) (guid.GUID, error) {
	return m.place(StopLoss, symbol, trigger, volume, ts, cb)
}

func (m *ConditionalManager) place(kind Kind, symbol string, trigger float64, volume market.SignedVolume, ts time.Time, cb ConditionalCallback) (guid.GUID, error) {
	if trigger <= 0 {
		err := fmt.Errorf("invalid trigger price %v", trigger)
		m.ch.Errors.Push(fmt.Sprintf("%s %s rejected locally: %v", kind, symbol, err))
		return guid.Nil, err
	}
	floored, err := m.constraints.For(symbol).Normalize(volume)
	if err != nil {
		m.metrics.VolumeRejected(symbol)
		m.logger.Warn("conditional order rejected locally",
			zap.String("symbol", symbol),
			zap.String("kind", string(kind)),
			zap.Float64("volume", volume.Float()),
			zap.Error(err))
		m.ch.Errors.Push(fmt.Sprintf("%s %s %s rejected locally: %v", kind, symbol, volume, err))
		return guid.Nil, err
	}
	o := newConditional(MarketOrder{
		ID:      guid.New(),
		Symbol:  symbol,
		Price:   trigger,
		Volume:  floored,
		Side:    floored.Side(),
		Created: ts,
	}, trigger, kind)
	m.orders[o.ID] = &conditionalEntry{order: o, cb: cb, last: StatusPending}
	m.metrics.ConditionalStatus(symbol, kind, StatusPending)
	m.logger.Debug("conditional order sent",
		zap.String("order_id", o.ID.String()),
		zap.String("kind", string(kind)),
		zap.String("side", string(o.Side)),
		zap.Float64("trigger", trigger),
		zap.Float64("volume", floored.Float()))

	if kind == TakeProfit {
		m.gw.PushTakeProfitRequest(*o)
	} else {
		m.gw.PushStopLossRequest(*o)
	}
	return o.ID, nil
}

// Cancel 请求撤单。目标数量立即收缩到已成交数量；交易所报告失效（或拒单）之前订单保留，
// 期间到达的成交照常计入。
func (m *ConditionalManager) Cancel(id guid.GUID) error {
	e, ok := m.orders[id]
	if !ok {
		return ErrUnknownOrder
	}
	if !m.sm.CanCancel(e.order.Status()) || e.order.cancelRequested {
		return nil
	}
	e.order.cancel()
	if e.order.Kind == TakeProfit {
		m.gw.CancelTakeProfitRequest(id)
	} else {
		m.gw.CancelStopLossRequest(id)
	}
	m.apply(id, e)
	return nil
}

// CancelAll 撤销某个交易对的全部条件单，返回请求撤销的数量。
func (m *ConditionalManager) CancelAll(symbol string) int {
	var ids []guid.GUID
	for id, e := range m.orders {
		if e.order.Symbol == symbol && !e.order.cancelRequested {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		_ = m.Cancel(id)
	}
	return len(ids)
}

// Order 返回快照。
func (m *ConditionalManager) Order(id guid.GUID) (ConditionalOrder, bool) {
	e, ok := m.orders[id]
	if !ok {
		return ConditionalOrder{}, false
	}
	return *e.order, true
}

// Active 未终结的条件单数量。
func (m *ConditionalManager) Active() int { return len(m.orders) }

func (m *ConditionalManager) Close() { m.guard.Close() }

func (m *ConditionalManager) onResponse(r Response) {
	e, ok := m.orders[r.ID]
	if !ok {
		m.logger.Warn("unsolicited response", zap.String("order_id", r.ID.String()))
		m.ch.Errors.Push(fmt.Sprintf("unsolicited conditional response for order %s", r.ID))
		return
	}
	if !r.Rejected {
		return
	}
	e.order.reject(r.Reason)
	m.logger.Warn("conditional order rejected",
		zap.String("order_id", r.ID.String()),
		zap.String("kind", string(e.order.Kind)),
		zap.String("reason", e.order.RejectReason))
	m.ch.Errors.Push(fmt.Sprintf("%s %s %s rejected: %s", e.order.Kind, e.order.Symbol, r.ID, e.order.RejectReason))
	m.apply(r.ID, e)
}

func (m *ConditionalManager) onUpdate(u ConditionalUpdate) {
	e, ok := m.orders[u.ID]
	if !ok {
		// 终态移除后交易所仍可能补发失效通知
		m.logger.Debug("update for unknown conditional order", zap.String("order_id", u.ID.String()))
		return
	}
	if u.Active {
		e.order.arm()
	} else {
		e.order.settle()
	}
	m.apply(u.ID, e)
}

func (m *ConditionalManager) onTrade(t Trade) {
	e, ok := m.orders[t.OrderID]
	if !ok {
		return
	}
	e.order.fill(t.Volume)
	m.apply(t.OrderID, e)
}

// apply 重新推导状态，变化时校验转换并回调。
func (m *ConditionalManager) apply(id guid.GUID, e *conditionalEntry) {
	st := e.order.Status()
	if st == e.last {
		return
	}
	if err := m.sm.ValidateTransition(e.last, st); err != nil {
		m.logger.Error("conditional order transition",
			zap.String("order_id", id.String()),
			zap.String("from", m.sm.GetStateDescription(e.last)),
			zap.String("to", m.sm.GetStateDescription(st)),
			zap.Error(err))
		m.ch.Errors.Push(fmt.Sprintf("%s %s: %v", e.order.Kind, id, err))
	}
	e.last = st
	m.metrics.ConditionalStatus(e.order.Symbol, e.order.Kind, st)
	if m.sm.IsFinalState(st) {
		delete(m.orders, id)
	}
	if e.cb != nil {
		e.cb(*e.order, st)
	}
}
