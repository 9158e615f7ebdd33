package engine_test

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

	"trading-engine-go/config"
	"trading-engine-go/eventbus"
	"trading-engine-go/eventloop"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/internal/engine"
	"trading-engine-go/market"
	"trading-engine-go/order"
	"trading-engine-go/risk"
	"trading-engine-go/scheduler"
	"trading-engine-go/sim"
	"trading-engine-go/strategy"
)

const sym = "BTCUSDT"

type recordingMetrics struct {
	mu       sync.Mutex
	sent     int
	trades   int
	position float64
	pnl      float64
	last     float64
	statuses []order.Status
}

func (m *recordingMetrics) OrderSent(string) { m.mu.Lock(); m.sent++; m.mu.Unlock() }
func (m *recordingMetrics) OrderRetried(string) {}
func (m *recordingMetrics) OrderRejected(string) {}
func (m *recordingMetrics) VolumeRejected(string) {}
func (m *recordingMetrics) ConditionalStatus(_ string, _ order.Kind, st order.Status) {
	m.mu.Lock()
	m.statuses = append(m.statuses, st)
	m.mu.Unlock()
}
func (m *recordingMetrics) TradeExecuted(string, market.Side, float64, float64, float64) {
	m.mu.Lock()
	m.trades++
	m.mu.Unlock()
}
func (m *recordingMetrics) SetPosition(_ string, net float64) { m.mu.Lock(); m.position = net; m.mu.Unlock() }
func (m *recordingMetrics) SetRealizedPnL(_ string, v float64) { m.mu.Lock(); m.pnl = v; m.mu.Unlock() }
func (m *recordingMetrics) SetLastPrice(_ string, p float64) { m.mu.Lock(); m.last = p; m.mu.Unlock() }
func (m *recordingMetrics) SetQueueDepth(string, int, int, int) {}

type fixture struct {
	bt      *sim.Backtest
	eng     *engine.TradingEngine
	metrics *recordingMetrics
}

func newFixture(t *testing.T, mutate func(*engine.Config, *engine.Components)) *fixture {
	t.Helper()
	bt := sim.BuildBacktest(sim.RunnerConfig{Symbols: []string{sym}})
	strat, err := strategy.NewBreakout(strategy.BreakoutConfig{Lookback: 3, Volume: 1, TakeProfitPct: 0.1, StopLossPct: 0.05})
	require.NoError(t, err)
	m := &recordingMetrics{}
	cfg := engine.Config{Symbol: sym, Constraints: order.Constraints{sym: {StepSize: 0.001}}}
	comp := engine.Components{
		Strategy: strat,
		Gateway:  bt.Gateway,
		Channels: bt.Channels,
		Feed:     bt.Publisher,
		Metrics:  m,
	}
	if mutate != nil {
		mutate(&cfg, &comp)
	}
	eng, err := engine.New(cfg, comp)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = eng.Stop()
		bt.Close()
	})
	return &fixture{bt: bt, eng: eng, metrics: m}
}

func (f *fixture) run(t *testing.T, cs ...market.Candle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := f.bt.Runner(cs, f.eng.Loop()).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, len(cs), n)
}

var t0 = time.Unix(1700000000, 0).UTC()

func candle(i int, close float64) market.Candle {
	return market.Candle{Symbol: sym, Open: close, High: close, Low: close, Close: close, Ts: t0.Add(time.Duration(i) * time.Minute)}
}

// roundTrip 三根平盘后向上突破开多，第六根触发止盈。
// 第五根的高点抬高通道，止盈后的第六根不再构成突破。
func roundTrip() []market.Candle {
	c5 := candle(4, 110)
	c5.High = 120
	return []market.Candle{candle(0, 100), candle(1, 100), candle(2, 100), candle(3, 105), c5, candle(5, 116)}
}

func TestBreakoutRoundTripThroughSimulator(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.eng.Start(context.Background()))
	assert.Equal(t, engine.StateRunning, f.eng.GetState())

	f.run(t, roundTrip()...)

	stats := f.eng.Analyzer().Stats()
	require.Equal(t, 1, stats.Trades)
	fees := 105*sim.DefaultTakerFee + 115.5*sim.DefaultTakerFee
	assert.InDelta(t, 10.5-fees, stats.NetPnL, 1e-9)
	assert.InDelta(t, fees, stats.FeesPaid, 1e-9)

	res := f.eng.Analyzer().Results()[0]
	assert.Equal(t, market.Buy, res.Side)
	assert.InDelta(t, 105, res.EntryPrice, 1e-9)
	assert.InDelta(t, 115.5, res.ExitPrice, 1e-9)
	assert.Equal(t, 2*time.Minute, res.OpenedTime)

	s := f.eng.GetStatistics()
	assert.EqualValues(t, 6, s.TotalCandles)
	assert.EqualValues(t, 1, s.TotalSignals)
	assert.EqualValues(t, 1, s.TotalOrders)
	assert.EqualValues(t, 2, s.TotalFills)
	assert.EqualValues(t, 1, s.ClosedTrades)
	assert.Zero(t, s.TotalErrors)

	assert.Zero(t, f.eng.GetInventory())
	assert.Zero(t, f.bt.Gateway.Position(sym))
	assert.Zero(t, f.bt.Gateway.Watches())

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	assert.Equal(t, 1, f.metrics.sent)
	assert.Equal(t, 2, f.metrics.trades)
	assert.Zero(t, f.metrics.position)
	assert.InDelta(t, stats.NetPnL, f.metrics.pnl, 1e-9)
	assert.Equal(t, 116.0, f.metrics.last)
	assert.Contains(t, f.metrics.statuses, order.StatusFilled)
	assert.Contains(t, f.metrics.statuses, order.StatusCancelled)
}

func TestPausedEngineIgnoresSignals(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.eng.Start(context.Background()))
	require.NoError(t, f.eng.Pause())
	assert.Error(t, f.eng.Pause())

	f.run(t, roundTrip()[:4]...)
	s := f.eng.GetStatistics()
	assert.EqualValues(t, 4, s.TotalCandles)
	assert.Zero(t, s.TotalOrders)
	assert.Zero(t, f.bt.Gateway.Position(sym))

	require.NoError(t, f.eng.Resume())
	assert.Error(t, f.eng.Resume())
	assert.Equal(t, engine.StateRunning, f.eng.GetState())
}

func TestRiskLimitBlocksEntry(t *testing.T) {
	f := newFixture(t, func(cfg *engine.Config, _ *engine.Components) {
		cfg.Risk = risk.Config{Limits: risk.Limits{SingleMax: 0.5}}
	})
	require.NoError(t, f.eng.Start(context.Background()))
	f.run(t, roundTrip()[:4]...)

	s := f.eng.GetStatistics()
	assert.EqualValues(t, 1, s.TotalSignals)
	assert.EqualValues(t, 1, s.TotalRejects)
	assert.Zero(t, s.TotalOrders)
	assert.Zero(t, f.bt.Gateway.Position(sym))
}

func TestStopCancelsProtectiveOrders(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.eng.Start(context.Background()))
	f.run(t, roundTrip()[:5]...)
	require.Equal(t, 1.0, f.bt.Gateway.Position(sym))
	require.Equal(t, 2, f.bt.Gateway.Watches())

	require.NoError(t, f.eng.Stop())
	assert.Equal(t, engine.StateStopped, f.eng.GetState())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eventloop.Quiesce(ctx, f.bt.Gateway.Loop()))
	assert.Zero(t, f.bt.Gateway.Watches())

	assert.Error(t, f.eng.Stop())
	assert.Error(t, f.eng.Start(context.Background()))
}

func TestContextCancelStopsEngine(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.eng.Start(ctx))
	cancel()
	select {
	case <-f.eng.Loop().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine loop still running")
	}
	assert.Equal(t, engine.StateStopped, f.eng.GetState())
}

func TestSettingsReplaceConstraints(t *testing.T) {
	settings := eventbus.NewValueChannel[config.AppConfig]()
	f := newFixture(t, func(_ *engine.Config, c *engine.Components) {
		c.Settings = settings
	})
	errs := make(chan string, 8)
	g := eventbus.NewGuard(f.eng.Loop())
	defer g.Close()
	eventbus.Listen[string](g, f.bt.Channels.Errors, eventloop.Low, func(s string) { errs <- s })
	require.NoError(t, f.eng.Start(context.Background()))

	next := config.Default()
	next.Engine.Symbol = sym
	// 步长大于开仓数量，下单量向下取整为 0
	next.Symbols = map[string]config.SymbolConfig{sym: {LotStep: 2}}
	settings.Push(next)

	f.run(t, roundTrip()[:4]...)
	s := f.eng.GetStatistics()
	assert.Zero(t, s.TotalOrders)
	assert.EqualValues(t, 1, s.TotalErrors)
	assert.Zero(t, f.bt.Gateway.Position(sym))
	select {
	case msg := <-errs:
		assert.Contains(t, msg, sym)
	default:
		t.Fatal("expected an operational error")
	}
}

func TestApplyConstraints(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.eng.Start(context.Background()))
	require.NoError(t, f.eng.ApplyConstraints(order.Constraints{sym: {StepSize: 1, MinQty: 5}}))
	f.run(t, roundTrip()[:4]...)
	assert.EqualValues(t, 1, f.eng.GetStatistics().TotalErrors)
}

func TestStatusTimerLogsPeriodically(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sched := scheduler.New(nil)
	defer sched.Stop()
	f := newFixture(t, func(cfg *engine.Config, c *engine.Components) {
		cfg.StatusInterval = 10 * time.Millisecond
		c.Scheduler = sched
		c.Logger = logger.Wrap(zap.New(core))
	})
	require.NoError(t, f.eng.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("engine status").Len() >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStatusReportsUnrealizedPnL(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sched := scheduler.New(nil)
	defer sched.Stop()
	f := newFixture(t, func(cfg *engine.Config, c *engine.Components) {
		cfg.StatusInterval = 10 * time.Millisecond
		c.Scheduler = sched
		c.Logger = logger.Wrap(zap.New(core))
	})
	require.NoError(t, f.eng.Start(context.Background()))
	// 105 开多 1 手，最后收盘 110，止盈止损都未触发
	f.run(t, roundTrip()[:5]...)
	require.Equal(t, 1.0, f.eng.GetInventory())

	assert.Eventually(t, func() bool {
		for _, e := range logs.FilterMessage("engine status").All() {
			fields := e.ContextMap()
			if fields["mark_price"] == 110.0 && fields["net_exposure"] == 1.0 && fields["unrealized_pnl"] == 5.0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewValidation(t *testing.T) {
	bt := sim.BuildBacktest(sim.RunnerConfig{Symbols: []string{sym}})
	defer bt.Close()
	strat, err := strategy.NewBreakout(strategy.BreakoutConfig{Lookback: 1, Volume: 1})
	require.NoError(t, err)
	full := engine.Components{Strategy: strat, Gateway: bt.Gateway, Channels: bt.Channels, Feed: bt.Publisher}

	cases := []struct {
		name string
		cfg  engine.Config
		comp func(engine.Components) engine.Components
	}{
		{"缺少交易对", engine.Config{}, nil},
		{"重试次数为负", engine.Config{Symbol: sym, MaxRetries: -1}, nil},
		{"缺少策略", engine.Config{Symbol: sym}, func(c engine.Components) engine.Components { c.Strategy = nil; return c }},
		{"缺少网关", engine.Config{Symbol: sym}, func(c engine.Components) engine.Components { c.Gateway = nil; return c }},
		{"缺少通道", engine.Config{Symbol: sym}, func(c engine.Components) engine.Components { c.Channels = nil; return c }},
		{"缺少行情", engine.Config{Symbol: sym}, func(c engine.Components) engine.Components { c.Feed = nil; return c }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			comp := full
			if tc.comp != nil {
				comp = tc.comp(full)
			}
			_, err := engine.New(tc.cfg, comp)
			assert.Error(t, err)
		})
	}
}

func TestEngineStateString(t *testing.T) {
	assert.Equal(t, "IDLE", engine.StateIdle.String())
	assert.Equal(t, "PAUSED", engine.StatePaused.String())
	assert.Equal(t, "UNKNOWN", engine.EngineState(42).String())
}
