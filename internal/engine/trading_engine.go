package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/config"
	"trading-engine-go/eventbus"
	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
	"trading-engine-go/order"
	"trading-engine-go/posttrade"
	"trading-engine-go/risk"
	"trading-engine-go/scheduler"
	"trading-engine-go/strategy"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StatePaused 暂停状态：继续记账与维护条件单，不执行新信号
	StatePaused
	// StateStopped 停止状态，不可再启动
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	Symbol      string
	Constraints order.Constraints
	MaxRetries  int
	// StatusInterval 周期输出运行统计，需要 Components.Scheduler，0 表示关闭
	StatusInterval time.Duration
	// Risk 开仓前校验，全部为 0 时不启用
	Risk        risk.Config
	LoopOptions []eventloop.Option
}

// Metrics 引擎需要的埋点，infrastructure/monitor 实现该接口
type Metrics interface {
	order.Metrics
	TradeExecuted(symbol string, side market.Side, volume, price, fee float64)
	SetPosition(symbol string, net float64)
	SetRealizedPnL(symbol string, pnl float64)
	SetLastPrice(symbol string, price float64)
	SetQueueDepth(loop string, high, normal, low int)
}

// Components 引擎依赖组件
type Components struct {
	Strategy strategy.Strategy
	Gateway  order.Gateway
	Channels *order.Channels
	Feed     market.Feed
	Logger   *logger.Logger
	Metrics  Metrics
	// Scheduler 可选，用于周期统计
	Scheduler *scheduler.Scheduler
	// Settings 可选，热更新后的配置在引擎循环上应用
	Settings eventbus.Source[config.AppConfig]
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime      time.Time
	TotalCandles   int64
	TotalSignals   int64
	TotalOrders    int64
	TotalFills     int64
	TotalRejects   int64
	TotalErrors    int64
	ClosedTrades   int64
	LastCandleTime time.Time
	LastPrice      float64
	LastSignal     string
}

// TradingEngine 单交易对的策略编排 actor。
// 行情、成交与回报都在自己的循环上处理，订单与持仓状态只在该循环内修改。
type TradingEngine struct {
	config Config

	loop      *eventloop.Loop
	guard     *eventbus.Guard
	strategy  strategy.Strategy
	feed      market.Feed
	settings  eventbus.Source[config.AppConfig]
	orders    *order.Manager
	conds     *order.ConditionalManager
	positions *inventory.Manager
	analyzer  *posttrade.Analyzer
	risk      risk.Guard
	logger    *logger.Logger
	metrics   Metrics
	status    *scheduler.Delayed[time.Time]

	// 以下字段只在 loop 上访问
	entryPending bool
	closePending bool
	tp, sl       guid.GUID

	state EngineState
	mu    sync.RWMutex

	stats   Statistics
	statsMu sync.RWMutex
}

// New 创建交易引擎，订单管理器在此时挂到引擎循环的回报通道上
func New(cfg Config, components Components) (*TradingEngine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	log := components.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Component("engine")
	var metrics Metrics = nopMetrics{}
	if components.Metrics != nil {
		metrics = components.Metrics
	}

	loop := eventloop.New("engine-"+cfg.Symbol, cfg.LoopOptions...)
	mcfg := order.ManagerConfig{
		Constraints: cfg.Constraints,
		MaxRetries:  cfg.MaxRetries,
		Logger:      log.Logger,
		Metrics:     metrics,
	}
	e := &TradingEngine{
		config:    cfg,
		loop:      loop,
		guard:     eventbus.NewGuard(loop),
		strategy:  components.Strategy,
		feed:      components.Feed,
		settings:  components.Settings,
		orders:    order.NewManager(loop, components.Gateway, components.Channels, mcfg),
		conds:     order.NewConditionalManager(loop, components.Gateway, components.Channels, mcfg),
		positions: inventory.NewManager(),
		analyzer:  posttrade.NewAnalyzer(),
		logger:    log,
		metrics:   metrics,
		state:     StateIdle,
	}
	e.risk = risk.BuildGuards(cfg.Risk, e.positions)
	if components.Scheduler != nil && cfg.StatusInterval > 0 {
		e.status = scheduler.NewDelayed[time.Time](components.Scheduler, e.guard.Owner())
	}
	eventbus.Listen[order.Trade](e.guard, components.Channels.Trades, eventloop.Normal, e.onTrade)
	return e, nil
}

// Start 订阅行情并开始执行信号。快照到达时用于策略预热。
func (e *TradingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	e.state = StateRunning
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats.StartTime = time.Now()
	e.statsMu.Unlock()

	e.logger.Info("Trading engine starting",
		zap.String("symbol", e.config.Symbol),
		zap.String("strategy", e.strategy.Name()),
		zap.Int("max_retries", e.config.MaxRetries),
		zap.Duration("status_interval", e.config.StatusInterval))

	eventbus.ListenSeries(e.guard, e.feed.Candles(e.config.Symbol), eventloop.Low, e.onSnapshot, e.onCandle)
	if e.settings != nil {
		eventbus.Listen[config.AppConfig](e.guard, e.settings, eventloop.Normal, e.onSettings)
	}
	if e.status != nil {
		eventbus.Listen[time.Time](e.guard, e.status, eventloop.Low, e.onStatus)
		if err := e.status.After(e.config.StatusInterval, time.Now()); err != nil {
			e.logger.Warn("status timer not armed", zap.Error(err))
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			e.logger.Info("Context done, stopping engine")
			if err := e.Stop(); err != nil {
				e.logger.Debug("stop after context done", zap.Error(err))
			}
		case <-e.loop.Done():
		}
	}()

	e.logger.Info("Trading engine started")
	return nil
}

// Stop 撤销条件单，解除全部订阅并停止循环
func (e *TradingEngine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePaused {
		e.mu.Unlock()
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	e.state = StateStopped
	e.mu.Unlock()

	e.logger.Info("Trading engine stopping...")

	if err := e.loop.Post(e.guard.Owner(), eventloop.High, func() {
		if n := e.conds.CancelAll(e.config.Symbol); n > 0 {
			e.logger.Info("cancelled conditional orders on stop", zap.Int("count", n))
		}
	}); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.loop.Barrier(ctx); err != nil {
			e.logger.Warn("Timeout waiting for engine to drain", zap.Error(err))
		}
		cancel()
	}

	if e.status != nil {
		e.status.Close()
	}
	e.guard.Close()
	e.orders.Close()
	e.conds.Close()
	e.loop.Stop()

	e.logger.Info("Trading engine stopped")
	return nil
}

// Pause 暂停引擎
func (e *TradingEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	e.state = StatePaused
	e.logger.Info("Trading engine paused")
	return nil
}

// Resume 恢复引擎
func (e *TradingEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("engine not paused (state: %s)", e.state)
	}
	e.state = StateRunning
	e.logger.Info("Trading engine resumed")
	return nil
}

// ApplyConstraints 在引擎循环上替换数量约束
func (e *TradingEngine) ApplyConstraints(c order.Constraints) error {
	return e.loop.Post(e.guard.Owner(), eventloop.Normal, func() {
		e.orders.SetConstraints(c)
		e.conds.SetConstraints(c)
	})
}

func (e *TradingEngine) onSnapshot(history []market.Candle) {
	e.strategy.Warmup(history)
	e.logger.Info("strategy warmed up", zap.Int("candles", len(history)))
}

func (e *TradingEngine) onCandle(c market.Candle) {
	e.statsMu.Lock()
	e.stats.TotalCandles++
	e.stats.LastCandleTime = c.Ts
	e.stats.LastPrice = c.Close
	e.statsMu.Unlock()
	e.metrics.SetLastPrice(c.Symbol, c.Close)
	high, normal, low := e.loop.Depth()
	e.metrics.SetQueueDepth(e.loop.Name(), high, normal, low)
	if obs, ok := e.risk.(risk.CandleObserver); ok {
		obs.OnCandle(c)
	}

	pos, ok := e.positions.Position(e.config.Symbol)
	sig := e.strategy.OnCandle(c, pos, ok)
	if sig.Action == strategy.Hold || e.GetState() != StateRunning {
		return
	}

	e.statsMu.Lock()
	e.stats.TotalSignals++
	e.stats.LastSignal = fmt.Sprintf("%s %s %s", sig.Action, sig.Side, sig.Reason)
	e.statsMu.Unlock()

	switch sig.Action {
	case strategy.Open:
		e.open(c, sig, ok)
	case strategy.Close:
		e.close(c, pos, ok, sig.Reason)
	}
}

func (e *TradingEngine) open(c market.Candle, sig strategy.Signal, holding bool) {
	if holding || e.entryPending || e.closePending {
		return
	}
	// 上一轮残留的条件单
	e.conds.CancelAll(e.config.Symbol)

	volume := sig.Volume.Signed(sig.Side)
	if e.risk != nil {
		if err := e.risk.PreOrder(e.config.Symbol, volume.Float()); err != nil {
			e.recordReject()
			e.logger.Warn("entry blocked by risk", zap.String("symbol", e.config.Symbol), zap.Error(err))
			return
		}
	}
	id, err := e.orders.SendMarketOrder(e.config.Symbol, c.Close, volume, c.Ts, func(o order.MarketOrder, ok bool) {
		e.entryPending = false
		if !ok {
			e.recordReject()
			e.logger.LogOrder("entry_rejected", o.ID.String(), zap.String("reason", o.RejectReason))
			return
		}
		e.logger.LogOrder("entry_accepted", o.ID.String(),
			zap.String("side", string(o.Side)), zap.Stringer("volume", o.Volume))
		e.protect(o, sig, c.Ts)
	})
	if err != nil {
		e.recordError()
		return
	}
	e.entryPending = true
	e.recordOrder()
	e.logger.LogOrder("entry_sent", id.String(),
		zap.String("side", string(sig.Side)),
		zap.Stringer("volume", volume),
		zap.Float64("ref_price", c.Close),
		zap.String("reason", sig.Reason))
}

// protect 开仓成功后挂止盈止损，数量为开仓数量的反向。
func (e *TradingEngine) protect(entry order.MarketOrder, sig strategy.Signal, ts time.Time) {
	exit := -entry.Volume
	if sig.TakeProfit > 0 {
		id, err := e.conds.PlaceTakeProfit(e.config.Symbol, sig.TakeProfit, exit, ts, e.onConditional)
		if err != nil {
			e.recordError()
		} else {
			e.tp = id
		}
	}
	if sig.StopLoss > 0 {
		id, err := e.conds.PlaceStopLoss(e.config.Symbol, sig.StopLoss, exit, ts, e.onConditional)
		if err != nil {
			e.recordError()
		} else {
			e.sl = id
		}
	}
}

func (e *TradingEngine) onConditional(o order.ConditionalOrder, st order.Status) {
	fields := []zap.Field{
		zap.String("kind", string(o.Kind)),
		zap.String("status", string(st)),
		zap.Float64("trigger", o.Trigger),
		zap.Stringer("filled", o.Filled),
	}
	switch st {
	case order.StatusRejected:
		e.recordReject()
		fields = append(fields, zap.String("reason", o.RejectReason))
		e.logger.LogOrder("conditional_rejected", o.ID.String(), fields...)
	default:
		e.logger.LogOrder("conditional_"+string(st), o.ID.String(), fields...)
	}
	if st == order.StatusSuspended || st == order.StatusPending {
		return
	}
	if o.ID == e.tp {
		e.tp = guid.GUID{}
	}
	if o.ID == e.sl {
		e.sl = guid.GUID{}
	}
}

func (e *TradingEngine) close(c market.Candle, pos inventory.OpenedPosition, holding bool, reason string) {
	if !holding || e.closePending {
		return
	}
	e.conds.CancelAll(e.config.Symbol)
	volume := -pos.Volume
	id, err := e.orders.SendMarketOrder(e.config.Symbol, c.Close, volume, c.Ts, func(o order.MarketOrder, ok bool) {
		e.closePending = false
		if !ok {
			e.recordReject()
			e.logger.LogOrder("close_rejected", o.ID.String(), zap.String("reason", o.RejectReason))
		}
	}, order.ReduceOnly())
	if err != nil {
		e.recordError()
		return
	}
	e.closePending = true
	e.recordOrder()
	e.logger.LogOrder("close_sent", id.String(), zap.Stringer("volume", volume), zap.String("reason", reason))
}

func (e *TradingEngine) onTrade(t order.Trade) {
	if t.Symbol != e.config.Symbol {
		return
	}
	e.statsMu.Lock()
	e.stats.TotalFills++
	e.statsMu.Unlock()
	e.metrics.TradeExecuted(t.Symbol, t.Side, t.Volume.Float(), t.Price, t.Fee)

	if rec, ok := e.risk.(risk.Recorder); ok {
		rec.OnFill(t.Symbol, t.Volume.Float())
	}
	res, closed := e.positions.OnTrade(t)
	e.metrics.SetPosition(t.Symbol, e.positions.NetExposure(t.Symbol))
	e.logger.LogTrade("fill",
		zap.String("order_id", t.OrderID.String()),
		zap.String("side", string(t.Side)),
		zap.Stringer("volume", t.Volume),
		zap.Float64("price", t.Price),
		zap.Float64("fee", t.Fee))
	if !closed {
		return
	}
	e.analyzer.OnResult(res)
	e.statsMu.Lock()
	e.stats.ClosedTrades++
	e.statsMu.Unlock()
	e.metrics.SetRealizedPnL(t.Symbol, e.analyzer.Stats().NetPnL)
	e.logger.LogTrade("position_closed",
		zap.String("side", string(res.Side)),
		zap.Stringer("volume", res.Volume),
		zap.Float64("entry", res.EntryPrice),
		zap.Float64("exit", res.ExitPrice),
		zap.Float64("pnl_with_fee", res.PnLWithFee),
		zap.Duration("held", res.OpenedTime))

	if _, holding := e.positions.Position(t.Symbol); !holding {
		e.closePending = false
		// 交易所未自动撤销的另一腿
		e.conds.CancelAll(t.Symbol)
	}
}

func (e *TradingEngine) onSettings(cfg config.AppConfig) {
	if err := config.Validate(cfg); err != nil {
		e.logger.Warn("ignored invalid settings", zap.Error(err))
		return
	}
	e.orders.SetConstraints(cfg.Constraints())
	e.conds.SetConstraints(cfg.Constraints())
	if err := e.logger.SetLevel(cfg.Log.Level); err != nil {
		e.logger.Warn("log level not applied", zap.Error(err))
	}
	e.logger.Info("settings applied", zap.Int("symbols", len(cfg.Symbols)), zap.String("log_level", cfg.Log.Level))
}

func (e *TradingEngine) onStatus(time.Time) {
	s := e.GetStatistics()
	ps := e.analyzer.Stats()
	// 以最近收盘价作标记价
	net, upnl := e.positions.Valuation(e.config.Symbol, s.LastPrice)
	e.logger.Info("engine status",
		zap.String("state", e.GetState().String()),
		zap.Int64("candles", s.TotalCandles),
		zap.Int64("orders", s.TotalOrders),
		zap.Int64("fills", s.TotalFills),
		zap.Int64("rejects", s.TotalRejects),
		zap.Int("closed", ps.Trades),
		zap.Float64("net_pnl", ps.NetPnL),
		zap.Float64("unrealized_pnl", upnl),
		zap.Float64("mark_price", s.LastPrice),
		zap.Float64("net_exposure", net),
		zap.Int("pending_orders", e.orders.Pending()),
		zap.Int("active_conditionals", e.conds.Active()))
	if err := e.status.After(e.config.StatusInterval, time.Now()); err != nil {
		e.logger.Debug("status timer stopped", zap.Error(err))
	}
}

func (e *TradingEngine) recordOrder() {
	e.statsMu.Lock()
	e.stats.TotalOrders++
	e.statsMu.Unlock()
}

func (e *TradingEngine) recordReject() {
	e.statsMu.Lock()
	e.stats.TotalRejects++
	e.statsMu.Unlock()
}

// recordError 记录错误
func (e *TradingEngine) recordError() {
	e.statsMu.Lock()
	e.stats.TotalErrors++
	e.statsMu.Unlock()
}

// Loop 引擎循环，回测时与网关循环一起静止
func (e *TradingEngine) Loop() *eventloop.Loop { return e.loop }

// Analyzer 已实现结果统计
func (e *TradingEngine) Analyzer() *posttrade.Analyzer { return e.analyzer }

// Positions 持仓管理器，可跨 goroutine 读取
func (e *TradingEngine) Positions() *inventory.Manager { return e.positions }

// GetState 获取引擎状态
func (e *TradingEngine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息
func (e *TradingEngine) GetStatistics() Statistics {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

// GetInventory 获取当前净仓位
func (e *TradingEngine) GetInventory() float64 {
	return e.positions.NetExposure(e.config.Symbol)
}

// validateConfig 验证配置
func validateConfig(cfg Config) error {
	if cfg.Symbol == "" {
		return errors.New("symbol is required")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if cfg.StatusInterval < 0 {
		return errors.New("status_interval must be >= 0")
	}
	return nil
}

// validateComponents 验证组件
func validateComponents(comp Components) error {
	if comp.Strategy == nil {
		return errors.New("strategy is required")
	}
	if comp.Gateway == nil {
		return errors.New("gateway is required")
	}
	if comp.Channels == nil {
		return errors.New("channels are required")
	}
	if comp.Feed == nil {
		return errors.New("feed is required")
	}
	return nil
}

type nopMetrics struct{}

func (nopMetrics) OrderSent(string) {}
func (nopMetrics) OrderRetried(string) {}
func (nopMetrics) OrderRejected(string) {}
func (nopMetrics) VolumeRejected(string) {}
func (nopMetrics) ConditionalStatus(string, order.Kind, order.Status) {}
func (nopMetrics) TradeExecuted(string, market.Side, float64, float64, float64) {}
func (nopMetrics) SetPosition(string, float64) {}
func (nopMetrics) SetRealizedPnL(string, float64) {}
func (nopMetrics) SetLastPrice(string, float64) {}
func (nopMetrics) SetQueueDepth(string, int, int, int) {}
