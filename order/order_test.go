package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
	"trading-engine-go/market"
)

type mockGateway struct {
	mu        sync.Mutex
	orders    []MarketOrder
	tps       []ConditionalOrder
	sls       []ConditionalOrder
	cancelTPs []guid.GUID
	cancelSLs []guid.GUID
}

func (m *mockGateway) PushOrderRequest(o MarketOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
}

func (m *mockGateway) PushTakeProfitRequest(o ConditionalOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tps = append(m.tps, o)
}

func (m *mockGateway) PushStopLossRequest(o ConditionalOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sls = append(m.sls, o)
}

func (m *mockGateway) CancelTakeProfitRequest(id guid.GUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTPs = append(m.cancelTPs, id)
}

func (m *mockGateway) CancelStopLossRequest(id guid.GUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelSLs = append(m.cancelSLs, id)
}

func (m *mockGateway) sent() []MarketOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MarketOrder(nil), m.orders...)
}

type harness struct {
	t      *testing.T
	loop   *eventloop.Loop
	gw     *mockGateway
	ch     *Channels
	errors []string
}

var testConstraints = Constraints{"BTCUSDT": {StepSize: 0.001}}

func newHarness(t *testing.T) *harness {
	t.Helper()
	loop := eventloop.New(t.Name())
	t.Cleanup(loop.Stop)
	h := &harness{t: t, loop: loop, gw: &mockGateway{}, ch: NewChannels()}
	sub := h.ch.Errors.Subscribe(loop, guid.New(), eventloop.Low, func(msg string) { h.errors = append(h.errors, msg) })
	t.Cleanup(sub.Close)
	return h
}

// run 在循环上执行 fn 并等待队列排空。
func (h *harness) run(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Post(guid.Nil, eventloop.Normal, fn))
	h.sync()
}

func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.loop.Barrier(context.Background()))
}

type result struct {
	order MarketOrder
	ok    bool
}

func TestManagerAccepted(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var results []result
	var id guid.GUID
	h.run(func() {
		var err error
		id, err = m.SendMarketOrder("BTCUSDT", 100, 0.0157, time.Unix(1, 0), func(o MarketOrder, ok bool) {
			results = append(results, result{o, ok})
		})
		require.NoError(t, err)
	})
	sent := h.gw.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].ID)
	assert.InDelta(t, 0.015, sent[0].Volume.Float(), 1e-12)
	assert.Equal(t, market.Buy, sent[0].Side)

	h.ch.Responses.Push(Response{ID: id})
	h.sync()
	require.Len(t, results, 1)
	assert.True(t, results[0].ok)
	assert.Equal(t, id, results[0].order.ID)
	assert.Zero(t, m.Pending())
}

func TestManagerRetryUsesExactlyOneNewID(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var results []result
	var id guid.GUID
	h.run(func() {
		id, _ = m.SendMarketOrder("BTCUSDT", 100, -0.002, time.Unix(1, 0), func(o MarketOrder, ok bool) {
			results = append(results, result{o, ok})
		})
	})
	h.ch.Responses.Push(Response{ID: id, Rejected: true, Reason: "rate limited", Retry: true})
	h.sync()

	sent := h.gw.sent()
	require.Len(t, sent, 2)
	assert.NotEqual(t, id, sent[1].ID)
	assert.Equal(t, sent[0].Volume, sent[1].Volume)
	assert.Equal(t, sent[0].Created, sent[1].Created)
	assert.Empty(t, results, "retry is invisible to the caller")
	assert.Equal(t, 1, m.Pending())

	// 旧 ID 的回报已经失效
	h.ch.Responses.Push(Response{ID: id})
	h.ch.Responses.Push(Response{ID: sent[1].ID})
	h.sync()
	require.Len(t, results, 1)
	assert.True(t, results[0].ok)
	assert.Equal(t, id, results[0].order.ID)
	assert.Len(t, h.gw.sent(), 2)
	require.Len(t, h.errors, 1)
	assert.Contains(t, h.errors[0], "unsolicited")
}

func TestManagerFinalReject(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var results []result
	var id guid.GUID
	h.run(func() {
		id, _ = m.SendMarketOrder("BTCUSDT", 100, 1, time.Unix(1, 0), func(o MarketOrder, ok bool) {
			results = append(results, result{o, ok})
		})
	})
	h.ch.Responses.Push(Response{ID: id, Rejected: true, Reason: "insufficient margin"})
	h.ch.Responses.Push(Response{ID: id, Rejected: true, Reason: "insufficient margin"})
	h.sync()

	require.Len(t, results, 1)
	assert.False(t, results[0].ok)
	assert.Equal(t, "insufficient margin", results[0].order.RejectReason)
	assert.Len(t, h.gw.sent(), 1, "no resend")
	require.Len(t, h.errors, 2)
	assert.Contains(t, h.errors[0], "insufficient margin")
	assert.Contains(t, h.errors[1], "unsolicited")
}

func TestManagerMaxRetries(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints, MaxRetries: 1})
	defer m.Close()

	var results []result
	h.run(func() {
		_, _ = m.SendMarketOrder("BTCUSDT", 100, 1, time.Unix(1, 0), func(o MarketOrder, ok bool) {
			results = append(results, result{o, ok})
		})
	})
	for i := 0; i < 2; i++ {
		sent := h.gw.sent()
		h.ch.Responses.Push(Response{ID: sent[len(sent)-1].ID, Rejected: true, Reason: "busy", Retry: true})
		h.sync()
	}
	assert.Len(t, h.gw.sent(), 2)
	require.Len(t, results, 1)
	assert.False(t, results[0].ok)
}

func TestManagerLocalVolumeFailure(t *testing.T) {
	cases := []struct {
		name   string
		symbol string
		volume market.SignedVolume
		want   error
	}{
		{"取整后为零", "BTCUSDT", 0.0004, ErrZeroVolume},
		{"未配置步长", "ETHUSDT", 1, market.ErrZeroStep},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			m := NewManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
			defer m.Close()

			called := false
			var err error
			h.run(func() {
				_, err = m.SendMarketOrder(tc.symbol, 100, tc.volume, time.Unix(1, 0), func(MarketOrder, bool) { called = true })
			})
			h.sync()
			assert.ErrorIs(t, err, tc.want)
			assert.False(t, called)
			assert.Empty(t, h.gw.sent())
			assert.Len(t, h.errors, 1)
		})
	}
}

func TestManagerTrackTradesAcrossRetry(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var trades []Trade
	var id guid.GUID
	h.run(func() {
		id, _ = m.SendMarketOrder("BTCUSDT", 100, 2, time.Unix(1, 0), nil, ReduceOnly())
		require.NoError(t, m.TrackTrades(id, func(tr Trade) { trades = append(trades, tr) }))
		assert.ErrorIs(t, m.TrackTrades(guid.New(), func(Trade) {}), ErrUnknownOrder)
	})
	assert.True(t, h.gw.sent()[0].ReduceOnly)

	h.ch.Responses.Push(Response{ID: id, Rejected: true, Retry: true})
	h.sync()
	wire := h.gw.sent()[1].ID

	h.ch.Trades.Push(Trade{OrderID: wire, Symbol: "BTCUSDT", Price: 100, Volume: market.MustUnsigned(2), Side: market.Buy})
	h.ch.Responses.Push(Response{ID: wire})
	h.ch.Trades.Push(Trade{OrderID: wire, Symbol: "BTCUSDT", Price: 100, Volume: market.MustUnsigned(1), Side: market.Buy})
	h.sync()

	require.Len(t, trades, 1, "tracker stops once the target volume is reached")
	assert.Equal(t, wire, trades[0].OrderID)
	assert.Empty(t, m.aliases)
	assert.Empty(t, m.trackers)
}

func TestConditionalStatusDerivation(t *testing.T) {
	base := MarketOrder{Volume: -2, Side: market.Sell}
	cases := []struct {
		name  string
		apply func(c *ConditionalOrder)
		want  Status
	}{
		{"新建", func(*ConditionalOrder) {}, StatusPending},
		{"确认", func(c *ConditionalOrder) { c.arm() }, StatusSuspended},
		{"部分成交", func(c *ConditionalOrder) { c.arm(); c.fill(market.MustUnsigned(1)) }, StatusSuspended},
		{"全部成交", func(c *ConditionalOrder) { c.arm(); c.fill(market.MustUnsigned(2)) }, StatusFilled},
		{"撤单待确认", func(c *ConditionalOrder) { c.arm(); c.cancel() }, StatusSuspended},
		{"撤单完成", func(c *ConditionalOrder) { c.arm(); c.cancel(); c.settle() }, StatusCancelled},
		{"确认前撤单", func(c *ConditionalOrder) { c.cancel() }, StatusPending},
		{"确认前撤单后失效", func(c *ConditionalOrder) { c.cancel(); c.settle() }, StatusCancelled},
		{"撤单后仍全部成交", func(c *ConditionalOrder) { c.arm(); c.cancel(); c.fill(market.MustUnsigned(2)) }, StatusFilled},
		{"撤单后拒绝", func(c *ConditionalOrder) { c.cancel(); c.reject("no") }, StatusRejected},
		{"拒绝", func(c *ConditionalOrder) { c.reject("no") }, StatusRejected},
		{"交易所单方面撤销", func(c *ConditionalOrder) { c.arm(); c.settle() }, StatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newConditional(base, 90, StopLoss)
			tc.apply(c)
			assert.Equal(t, tc.want, c.Status())
		})
	}
}

type statusLog struct {
	statuses []Status
	last     ConditionalOrder
}

func (s *statusLog) cb(o ConditionalOrder, st Status) {
	s.statuses = append(s.statuses, st)
	s.last = o
}

func TestConditionalAckThenFill(t *testing.T) {
	h := newHarness(t)
	m := NewConditionalManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var log statusLog
	var id guid.GUID
	h.run(func() {
		var err error
		id, err = m.PlaceTakeProfit("BTCUSDT", 110, -1, time.Unix(1, 0), log.cb)
		require.NoError(t, err)
	})
	require.Len(t, h.gw.tps, 1)
	assert.Equal(t, market.Sell, h.gw.tps[0].Side)
	assert.Equal(t, 110.0, h.gw.tps[0].Trigger)

	h.ch.Updates.Push(ConditionalUpdate{ID: id, Kind: TakeProfit, Active: true})
	h.sync()
	o, ok := m.Order(id)
	require.True(t, ok)
	assert.Equal(t, StatusSuspended, o.Status())
	assert.Equal(t, 1.0, o.Suspended().Float())

	h.ch.Trades.Push(Trade{OrderID: id, Price: 110, Volume: market.MustUnsigned(1), Side: market.Sell})
	h.ch.Updates.Push(ConditionalUpdate{ID: id, Kind: TakeProfit, Active: false})
	h.sync()

	assert.Equal(t, []Status{StatusSuspended, StatusFilled}, log.statuses)
	assert.Equal(t, 1.0, log.last.Filled.Float())
	assert.Zero(t, m.Active())
	assert.Empty(t, h.errors)
}

func TestConditionalCancelAfterAck(t *testing.T) {
	h := newHarness(t)
	m := NewConditionalManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var log statusLog
	var id guid.GUID
	h.run(func() { id, _ = m.PlaceStopLoss("BTCUSDT", 90, -1, time.Unix(1, 0), log.cb) })
	h.ch.Updates.Push(ConditionalUpdate{ID: id, Kind: StopLoss, Active: true})
	h.sync()

	h.run(func() { require.NoError(t, m.Cancel(id)) })
	assert.Equal(t, []guid.GUID{id}, h.gw.cancelSLs)
	o, _ := m.Order(id)
	assert.Equal(t, StatusSuspended, o.Status(), "waits for venue confirmation")
	assert.True(t, o.Target().IsZero())

	h.ch.Updates.Push(ConditionalUpdate{ID: id, Kind: StopLoss, Active: false})
	h.sync()
	assert.Equal(t, []Status{StatusSuspended, StatusCancelled}, log.statuses)
	assert.True(t, log.last.Suspended().IsZero())
	assert.Equal(t, log.last.Filled, log.last.Target())
	assert.Zero(t, m.Active())
}

func TestConditionalPartialFillThenCancel(t *testing.T) {
	h := newHarness(t)
	m := NewConditionalManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var log statusLog
	var id guid.GUID
	h.run(func() { id, _ = m.PlaceStopLoss("BTCUSDT", 90, 1, time.Unix(1, 0), log.cb) })
	h.ch.Updates.Push(ConditionalUpdate{ID: id, Active: true})
	h.ch.Trades.Push(Trade{OrderID: id, Price: 90, Volume: market.MustUnsigned(0.4), Side: market.Buy})
	h.sync()
	h.run(func() { require.NoError(t, m.Cancel(id)) })
	h.ch.Updates.Push(ConditionalUpdate{ID: id, Active: false})
	h.sync()

	assert.Equal(t, StatusCancelled, log.last.Status())
	assert.Equal(t, 0.4, log.last.Filled.Float())
	assert.Equal(t, 0.4, log.last.Target().Float())
}

func TestConditionalCancelBeforeAck(t *testing.T) {
	h := newHarness(t)
	m := NewConditionalManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var log statusLog
	var id guid.GUID
	h.run(func() {
		id, _ = m.PlaceTakeProfit("BTCUSDT", 110, -1, time.Unix(1, 0), log.cb)
		require.NoError(t, m.Cancel(id))
		require.NoError(t, m.Cancel(id))
	})
	assert.Empty(t, log.statuses, "waits for venue confirmation")
	assert.Equal(t, 1, m.Active())
	assert.Len(t, h.gw.cancelTPs, 1)

	h.ch.Updates.Push(ConditionalUpdate{ID: id, Kind: TakeProfit, Active: true})
	h.ch.Updates.Push(ConditionalUpdate{ID: id, Kind: TakeProfit, Active: false})
	h.sync()
	assert.Equal(t, []Status{StatusCancelled}, log.statuses)
	assert.Zero(t, m.Active())
	assert.Empty(t, h.errors)
	h.run(func() { assert.ErrorIs(t, m.Cancel(id), ErrUnknownOrder) })
}

func TestConditionalFillAfterCancelBeforeAck(t *testing.T) {
	h := newHarness(t)
	m := NewConditionalManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var log statusLog
	var id guid.GUID
	h.run(func() {
		id, _ = m.PlaceTakeProfit("BTCUSDT", 110, -1, time.Unix(1, 0), log.cb)
		require.NoError(t, m.Cancel(id))
	})
	// 撤单请求到达交易所前已触发成交
	h.ch.Trades.Push(Trade{OrderID: id, Price: 110, Volume: market.MustUnsigned(1), Side: market.Sell})
	h.sync()

	assert.Equal(t, []Status{StatusFilled}, log.statuses)
	assert.Equal(t, 1.0, log.last.Filled.Float())
	assert.Zero(t, m.Active())
	assert.Empty(t, h.errors)

	// 随后的失效通知只记调试日志
	h.ch.Updates.Push(ConditionalUpdate{ID: id, Kind: TakeProfit, Active: false})
	h.sync()
	assert.Len(t, log.statuses, 1)
}

func TestConditionalReject(t *testing.T) {
	h := newHarness(t)
	m := NewConditionalManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var log statusLog
	var id guid.GUID
	h.run(func() { id, _ = m.PlaceStopLoss("BTCUSDT", 90, -1, time.Unix(1, 0), log.cb) })
	h.ch.ConditionalResponses.Push(Response{ID: id, Rejected: true, Reason: "can not set tp/sl/ts for zero position"})
	h.sync()

	assert.Equal(t, []Status{StatusRejected}, log.statuses)
	assert.Equal(t, "can not set tp/sl/ts for zero position", log.last.RejectReason)
	require.Len(t, h.errors, 1)
	assert.Contains(t, h.errors[0], "zero position")
}

func TestConditionalIllegalTransitionIsReported(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zapcore.ErrorLevel)
	m := NewConditionalManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints, Logger: zap.New(core)})
	defer m.Close()

	var log statusLog
	var id guid.GUID
	h.run(func() { id, _ = m.PlaceStopLoss("BTCUSDT", 90, -1, time.Unix(1, 0), log.cb) })
	h.ch.Updates.Push(ConditionalUpdate{ID: id, Active: true})
	h.ch.ConditionalResponses.Push(Response{ID: id, Rejected: true, Reason: "late"})
	h.sync()

	assert.Equal(t, []Status{StatusSuspended, StatusRejected}, log.statuses)
	require.Len(t, h.errors, 2)
	assert.Contains(t, h.errors[1], "illegal state transition: SUSPENDED -> REJECTED (allowed [CANCELLED FILLED])")

	entries := logs.FilterMessage("conditional order transition").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "已挂单待触发", fields["from"])
	assert.Equal(t, "被拒绝", fields["to"])
}

func TestConditionalLocalValidation(t *testing.T) {
	h := newHarness(t)
	m := NewConditionalManager(h.loop, h.gw, h.ch, ManagerConfig{Constraints: testConstraints})
	defer m.Close()

	var errs []error
	h.run(func() {
		_, err := m.PlaceStopLoss("BTCUSDT", 0, -1, time.Unix(1, 0), nil)
		errs = append(errs, err)
		_, err = m.PlaceStopLoss("BTCUSDT", 90, -0.0001, time.Unix(1, 0), nil)
		errs = append(errs, err)
	})
	h.sync()
	require.Len(t, errs, 2)
	assert.Error(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrZeroVolume)
	assert.Empty(t, h.gw.sls)
	assert.Len(t, h.errors, 2)
}

func TestStateMachine(t *testing.T) {
	sm := NewStateMachine()
	assert.NoError(t, sm.ValidateTransition(StatusPending, StatusSuspended))
	assert.NoError(t, sm.ValidateTransition(StatusSuspended, StatusSuspended))
	assert.Error(t, sm.ValidateTransition(StatusFilled, StatusCancelled))
	assert.Error(t, sm.ValidateTransition(StatusSuspended, StatusRejected))
	assert.True(t, sm.IsFinalState(StatusRejected))
	assert.Equal(t, []Status{StatusCancelled, StatusFilled}, sm.AllowedTransitions(StatusSuspended))
	assert.Empty(t, sm.AllowedTransitions(StatusFilled))
	assert.Equal(t, "已撤销", sm.GetStateDescription(StatusCancelled))
}
