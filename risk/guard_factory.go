package risk

import "time"

// Config 风控参数，全部为 0 时不启用任何 Guard。
type Config struct {
	Limits           Limits
	OneMinuteThresh  float64
	FiveMinuteThresh float64
	Cooldown         time.Duration
}

// BuildGuards 组装常用的风控组合；日累计按行情时间切日。
// 没有可用的 Guard 时返回 nil。
func BuildGuards(cfg Config, inv Inventory) Guard {
	var guards []Guard
	if cfg.Limits != (Limits{}) {
		guards = append(guards, NewLimitChecker(cfg.Limits, inv, &CandleClock{}))
	}
	if cfg.OneMinuteThresh > 0 || cfg.FiveMinuteThresh > 0 {
		guards = append(guards, NewCircuitBreaker(cfg.OneMinuteThresh, cfg.FiveMinuteThresh, cfg.Cooldown))
	}
	if len(guards) == 0 {
		return nil
	}
	return MultiGuard{Guards: guards}
}
