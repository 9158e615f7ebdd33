// Package container 组合根：按运行模式装配配置、日志、指标、调度器、撮合网关与交易引擎，
// 并通过 LifecycleManager 统一启动、停止与健康检查。
package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/config"
	"trading-engine-go/eventbus"
	"trading-engine-go/eventloop"
	"trading-engine-go/gateway"
	"trading-engine-go/infrastructure/alert"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/infrastructure/monitor"
	"trading-engine-go/internal/engine"
	"trading-engine-go/internal/store"
	"trading-engine-go/market"
	"trading-engine-go/metrics"
	"trading-engine-go/scheduler"
	"trading-engine-go/sim"
	"trading-engine-go/strategy"
)

// Mode 运行模式
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg     config.AppConfig
	cfgPath string
	mode    Mode

	// 基础设施
	logger    *logger.Logger
	monitor   *monitor.Monitor
	alerts    *alert.Manager
	scheduler *scheduler.Scheduler
	service   *eventloop.Loop
	guard     *eventbus.Guard
	settings  *eventbus.ValueChannel[config.AppConfig]
	store     *store.Store

	// 行情与撮合
	venue  *sim.Backtest
	stream *gateway.KlineStream

	// 核心服务
	engine *engine.TradingEngine

	lifecycle *LifecycleManager
}

// New 加载并按模式校验配置
func New(configPath string, mode Mode) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath, mode)
}

// NewWithConfig 使用已加载的配置；configPath 为空时不启用热更新
func NewWithConfig(cfg config.AppConfig, configPath string, mode Mode) (*Container, error) {
	if err := config.ValidateParams(cfg, string(mode)); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", mode, err)
	}
	return &Container{
		cfg:       cfg,
		cfgPath:   configPath,
		mode:      mode,
		lifecycle: NewLifecycleManager(),
	}, nil
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildVenue(); err != nil {
		return fmt.Errorf("build venue failed: %w", err)
	}
	// 指标服务最先启动、最后停止
	if c.mode == ModePaper {
		if err := c.buildMetricsServer(); err != nil {
			return fmt.Errorf("build metrics server failed: %w", err)
		}
	}
	if err := c.buildEngine(); err != nil {
		return fmt.Errorf("build engine failed: %w", err)
	}
	if c.mode == ModePaper {
		if err := c.buildFeed(); err != nil {
			return fmt.Errorf("build live feed failed: %w", err)
		}
	}
	c.logger.Info("container built", zap.String("mode", string(c.mode)), zap.Strings("components", c.lifecycle.Names()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(monitor.DefaultConfig())
	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Logger)}
	if url := c.cfg.Alert.Webhook; url != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", url))
	}
	c.alerts = alert.NewManager(channels, time.Duration(c.cfg.Alert.ThrottleSec)*time.Second, c.logger.Logger)
	c.scheduler = scheduler.New(c.logger.Logger)
	c.service = eventloop.New("service", c.loopOptions()...)
	c.guard = eventbus.NewGuard(c.service)
	c.settings = eventbus.NewValueChannel[config.AppConfig]()
	c.settings.Push(c.cfg)

	if path := c.cfg.Backtest.CacheFile; path != "" {
		if c.store, err = store.Open(path); err != nil {
			return fmt.Errorf("open candle cache: %w", err)
		}
	}
	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) loopOptions() []eventloop.Option {
	return []eventloop.Option{
		eventloop.WithLogger(c.logger.Logger),
		eventloop.WithPanicHandler(c.monitor.RecordPanic),
	}
}

// buildVenue 两种模式都使用撮合网关，纸面交易只把行情来源换成实时流
func (c *Container) buildVenue() error {
	c.venue = sim.BuildBacktest(sim.RunnerConfig{
		Symbols:      []string{c.cfg.Engine.Symbol},
		TakerFee:     c.cfg.Engine.TakerFee,
		HistoryLimit: c.cfg.Engine.HistoryLimit,
		Logger:       c.logger.Logger,
		LoopOptions:  c.loopOptions(),
	})
	c.alerts.Watch(c.guard, "venue", c.venue.Channels.Errors)
	return nil
}

func (c *Container) buildEngine() error {
	strat, err := strategy.NewStrategyFactory().CreateStrategy(c.cfg.Strategy.Type, c.cfg.BreakoutConfig())
	if err != nil {
		return fmt.Errorf("create strategy: %w", err)
	}
	comp := engine.Components{
		Strategy:  strat,
		Gateway:   c.venue.Gateway,
		Channels:  c.venue.Channels,
		Feed:      c.venue.Publisher,
		Logger:    c.logger,
		Metrics:   c.monitor,
		Scheduler: c.scheduler,
	}
	if c.mode == ModePaper {
		comp.Settings = c.settings
	}
	c.engine, err = engine.New(engine.Config{
		Symbol:         c.cfg.Engine.Symbol,
		Constraints:    c.cfg.Constraints(),
		MaxRetries:     c.cfg.Engine.MaxRetries,
		StatusInterval: time.Duration(c.cfg.Engine.StatusIntervalSec) * time.Second,
		Risk:           c.cfg.RiskGuards(),
		LoopOptions:    c.loopOptions(),
	}, comp)
	if err != nil {
		return err
	}
	c.lifecycle.Register(&engineComponent{engine: c.engine, queueWarn: c.cfg.Engine.QueueWarn})
	return nil
}

func (c *Container) buildMetricsServer() error {
	srv, err := metrics.NewServer(c.cfg.Metrics.Addr, c.monitor.Handler(), c.HealthCheck)
	if err != nil {
		return err
	}
	c.lifecycle.Register(&httpServerComponent{server: srv, logger: c.logger})
	return nil
}

func (c *Container) buildFeed() error {
	c.stream = gateway.NewKlineStream(c.cfg.Feed.Endpoint, c.cfg.Feed.Interval, c.venue.Publisher, c.logger.Logger)
	c.stream.Metrics = c.monitor
	if err := c.stream.Subscribe(c.cfg.Engine.Symbol); err != nil {
		return err
	}
	c.lifecycle.Register(newRunComponent("kline_stream", c.logger, c.stream.Run))

	if c.store != nil {
		c.store.Record(c.guard, c.venue.Publisher.Candles(c.cfg.Engine.Symbol), func(err error) {
			c.logger.LogError(err, zap.String("component", "candle_cache"))
		})
	}

	if c.cfgPath != "" {
		w, err := config.NewWatcher(c.cfgPath, c.settings, c.logger.Logger)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		c.lifecycle.Register(newRunComponent("config_watcher", c.logger, w.Run))
	}
	return nil
}

// LoadCandles 回测数据：缓存中有该交易对时直接读取，否则读 CSV 并写入缓存
func (c *Container) LoadCandles(ctx context.Context) ([]market.Candle, error) {
	symbol := c.cfg.Engine.Symbol
	if c.store != nil {
		n, err := c.store.Count(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			c.logger.Info("candles loaded from cache", zap.String("symbol", symbol), zap.Int("count", n))
			candles, err := c.store.LoadAll(ctx, symbol)
			if err != nil {
				return nil, err
			}
			return c.resample(candles), nil
		}
	}
	if c.cfg.Backtest.DataFile == "" {
		return nil, errors.New("no cached candles and no data file")
	}
	candles, err := market.LoadCandlesCSV(c.cfg.Backtest.DataFile, symbol)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		if err := c.store.SaveCandles(ctx, candles); err != nil {
			return nil, fmt.Errorf("cache candles: %w", err)
		}
	}
	c.logger.Info("candles loaded from csv", zap.String("file", c.cfg.Backtest.DataFile), zap.Int("count", len(candles)))
	return c.resample(candles), nil
}

// 缓存中保存的是原始周期，重采样只作用于回放
func (c *Container) resample(candles []market.Candle) []market.Candle {
	if c.cfg.Backtest.ResampleMin <= 0 {
		return candles
	}
	out := market.Resample(candles, time.Duration(c.cfg.Backtest.ResampleMin)*time.Minute)
	c.logger.Info("candles resampled", zap.Int("minutes", c.cfg.Backtest.ResampleMin), zap.Int("count", len(out)))
	return out
}

// RunBacktest 顺序回放 K 线，每根之后等待网关与引擎静止
func (c *Container) RunBacktest(ctx context.Context, candles []market.Candle) (int, error) {
	if c.mode != ModeBacktest {
		return 0, fmt.Errorf("container built for %s", c.mode)
	}
	return c.venue.Runner(candles, c.engine.Loop()).Run(ctx)
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件后释放网关、缓存、调度器与日志
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, zap.String("action", "stop"))
	}
	if c.venue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if berr := c.venue.Gateway.Loop().Barrier(ctx); berr != nil {
			c.logger.Warn("venue did not drain", zap.Error(berr))
		}
		cancel()
		if pos := c.venue.Gateway.Position(c.cfg.Engine.Symbol); pos != 0 {
			_ = c.alerts.SendWarning("position left open", map[string]any{"symbol": c.cfg.Engine.Symbol, "net": pos})
		}
		c.venue.Close()
	}
	if c.store != nil {
		if cerr := c.store.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	c.guard.Close()
	c.service.Stop()
	c.scheduler.Stop()
	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Config() config.AppConfig { return c.cfg }

func (c *Container) Engine() *engine.TradingEngine { return c.engine }

func (c *Container) Venue() *sim.Backtest { return c.venue }

func (c *Container) Logger() *logger.Logger { return c.logger }

func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

func (c *Container) Alerts() *alert.Manager { return c.alerts }

// Settings 热更新后的配置；回测模式下只有初始值
func (c *Container) Settings() *eventbus.ValueChannel[config.AppConfig] { return c.settings }
