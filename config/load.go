package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/order"
	"trading-engine-go/risk"
	"trading-engine-go/strategy"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env      string                  `yaml:"env"`
	Log      logger.Config           `yaml:"log"`
	Metrics  MetricsConfig           `yaml:"metrics"`
	Engine   EngineConfig            `yaml:"engine"`
	Symbols  map[string]SymbolConfig `yaml:"symbols"`
	Backtest BacktestConfig          `yaml:"backtest"`
	Feed     FeedConfig              `yaml:"feed"`
	Strategy StrategyConfig          `yaml:"strategy"`
	Risk     RiskConfig              `yaml:"risk"`
	Alert    AlertConfig             `yaml:"alert"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type EngineConfig struct {
	Symbol     string  `yaml:"symbol"`
	TakerFee   float64 `yaml:"takerFee"`
	MaxRetries int     `yaml:"maxRetries"` // 0 表示不限
	// QueueWarn 任一循环积压超过该值时告警，0 关闭
	QueueWarn         int `yaml:"queueWarn"`
	StatusIntervalSec int `yaml:"statusIntervalSec"`
	HistoryLimit      int `yaml:"historyLimit"`
}

// SymbolConfig 交易对的下单数量约束。
type SymbolConfig struct {
	LotStep float64 `yaml:"lotStep"`
	MinQty  float64 `yaml:"minQty"`
	MaxQty  float64 `yaml:"maxQty"`
}

type BacktestConfig struct {
	DataFile  string `yaml:"dataFile"`
	CacheFile string `yaml:"cacheFile"`
	// ResampleMin 回放前按该周期（分钟）重采样，0 表示原样回放
	ResampleMin int `yaml:"resampleMin"`
}

type FeedConfig struct {
	Endpoint string `yaml:"endpoint"`
	Interval string `yaml:"interval"`
}

type StrategyConfig struct {
	Type          string  `yaml:"type"`
	Lookback      int     `yaml:"lookback"`
	Volume        float64 `yaml:"volume"`
	TakeProfitPct float64 `yaml:"takeProfitPct"`
	StopLossPct   float64 `yaml:"stopLossPct"`
	MaxHold       int     `yaml:"maxHold"`
}

// RiskConfig 开仓前的风控限制，各项为 0 时关闭。
type RiskConfig struct {
	SingleMax   float64 `yaml:"singleMax"`
	DailyMax    float64 `yaml:"dailyMax"`
	NetMax      float64 `yaml:"netMax"`
	Circuit1m   float64 `yaml:"circuit1m"`
	Circuit5m   float64 `yaml:"circuit5m"`
	CooldownSec int     `yaml:"cooldownSec"`
}

// AlertConfig 告警输出；Webhook 为空时只写日志。
type AlertConfig struct {
	ThrottleSec int    `yaml:"throttleSec"`
	Webhook     string `yaml:"webhook"`
}

// Default 未出现在文件中的字段保留这些值。
func Default() AppConfig {
	return AppConfig{
		Env:     "backtest",
		Log:     logger.DefaultConfig(),
		Metrics: MetricsConfig{Addr: ":9100"},
		Engine: EngineConfig{
			TakerFee:          0.00055,
			QueueWarn:         10000,
			StatusIntervalSec: 60,
		},
		Feed:     FeedConfig{Endpoint: "wss://fstream.binance.com", Interval: "1m"},
		Alert:    AlertConfig{ThrottleSec: 300},
		Strategy: StrategyConfig{Type: string(strategy.BreakoutStrategy), Lookback: 20},
	}
}

// Constraints 转换为订单层使用的数量约束。
func (c AppConfig) Constraints() order.Constraints {
	out := make(order.Constraints, len(c.Symbols))
	for sym, sc := range c.Symbols {
		out[sym] = order.SymbolConstraints{StepSize: sc.LotStep, MinQty: sc.MinQty, MaxQty: sc.MaxQty}
	}
	return out
}

// BreakoutConfig 转换为参考策略参数。
func (c AppConfig) BreakoutConfig() strategy.BreakoutConfig {
	return strategy.BreakoutConfig{
		Lookback:      c.Strategy.Lookback,
		Volume:        c.Strategy.Volume,
		TakeProfitPct: c.Strategy.TakeProfitPct,
		StopLossPct:   c.Strategy.StopLossPct,
		MaxHold:       c.Strategy.MaxHold,
	}
}

// RiskGuards 转换为 risk.BuildGuards 的参数。
func (c AppConfig) RiskGuards() risk.Config {
	return risk.Config{
		Limits: risk.Limits{
			SingleMax: c.Risk.SingleMax,
			DailyMax:  c.Risk.DailyMax,
			NetMax:    c.Risk.NetMax,
		},
		OneMinuteThresh:  c.Risk.Circuit1m,
		FiveMinuteThresh: c.Risk.Circuit5m,
		Cooldown:         time.Duration(c.Risk.CooldownSec) * time.Second,
	}
}

// Load reads YAML config from path on top of Default and applies validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads the .env next to the config file (if any), then the config,
// then overrides selected fields from TE_* env vars.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return AppConfig{}, err
	}
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, Validate(cfg)
}

// LoadDotEnv 加载 .env 文件，不存在的文件忽略，已有环境变量不被覆盖。
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("TE_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("TE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("TE_FEED_ENDPOINT"); v != "" {
		cfg.Feed.Endpoint = v
	}
	if v := os.Getenv("TE_ALERT_WEBHOOK"); v != "" {
		cfg.Alert.Webhook = v
	}
}
