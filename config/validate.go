package config

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Validate ensures required fields are present and numeric ranges are sane.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.Engine.Symbol == "" {
		return errors.New("engine.symbol is required")
	}
	if cfg.Engine.TakerFee < 0 {
		return errors.New("engine.takerFee must be >= 0")
	}
	if cfg.Engine.MaxRetries < 0 || cfg.Engine.QueueWarn < 0 || cfg.Engine.StatusIntervalSec < 0 || cfg.Engine.HistoryLimit < 0 {
		return errors.New("engine counters must be >= 0")
	}
	if cfg.Backtest.ResampleMin < 0 {
		return errors.New("backtest.resampleMin must be >= 0")
	}
	r := cfg.Risk
	if r.SingleMax < 0 || r.DailyMax < 0 || r.NetMax < 0 || r.Circuit1m < 0 || r.Circuit5m < 0 || r.CooldownSec < 0 {
		return errors.New("risk limits must be >= 0")
	}
	if cfg.Alert.ThrottleSec < 0 {
		return errors.New("alert.throttleSec must be >= 0")
	}
	if w := cfg.Alert.Webhook; w != "" && !strings.HasPrefix(w, "http://") && !strings.HasPrefix(w, "https://") {
		return errors.New("alert.webhook must be an http(s) url")
	}
	if len(cfg.Symbols) == 0 {
		return errors.New("symbols config is required")
	}
	if _, ok := cfg.Symbols[cfg.Engine.Symbol]; !ok {
		return fmt.Errorf("engine.symbol %s missing from symbols", cfg.Engine.Symbol)
	}
	for sym, sc := range cfg.Symbols {
		if sc.LotStep <= 0 {
			return fmt.Errorf("symbol %s lotStep must be > 0", sym)
		}
		if sc.MinQty < 0 || sc.MaxQty < 0 {
			return fmt.Errorf("symbol %s qty bounds must be >= 0", sym)
		}
		if sc.MaxQty > 0 && sc.MaxQty < sc.MinQty {
			return fmt.Errorf("symbol %s maxQty below minQty", sym)
		}
	}
	return nil
}
