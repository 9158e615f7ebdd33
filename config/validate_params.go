package config

import (
	"fmt"
	"strings"

	"trading-engine-go/strategy"
)

// ValidateParams 按运行模式额外校验该模式必需的参数。
func ValidateParams(cfg AppConfig, mode string) error {
	switch mode {
	case "backtest":
		if cfg.Backtest.DataFile == "" && cfg.Backtest.CacheFile == "" {
			return ErrInvalid("backtest.dataFile or backtest.cacheFile is required")
		}
	case "paper":
		if !strings.HasPrefix(cfg.Feed.Endpoint, "ws://") && !strings.HasPrefix(cfg.Feed.Endpoint, "wss://") {
			return ErrInvalid("feed.endpoint must be a ws:// or wss:// url")
		}
		if cfg.Feed.Interval == "" {
			return ErrInvalid("feed.interval is required")
		}
	default:
		return ErrInvalid(fmt.Sprintf("unknown mode %q", mode))
	}
	if cfg.Strategy.Type != string(strategy.BreakoutStrategy) {
		return ErrInvalid(fmt.Sprintf("unsupported strategy.type %q", cfg.Strategy.Type))
	}
	if err := cfg.BreakoutConfig().Validate(); err != nil {
		return ErrInvalid("strategy: " + err.Error())
	}
	return nil
}

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }
