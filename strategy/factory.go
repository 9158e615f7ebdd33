package strategy

import "errors"

// StrategyType 策略类型
type StrategyType string

const (
	BreakoutStrategy StrategyType = "breakout"
)

// StrategyFactory creates strategy instances based on configuration.
type StrategyFactory struct{}

// NewStrategyFactory creates a new StrategyFactory.
func NewStrategyFactory() *StrategyFactory {
	return &StrategyFactory{}
}

// CreateStrategy creates a strategy instance based on the type and configuration.
func (f *StrategyFactory) CreateStrategy(strategyType string, config any) (Strategy, error) {
	switch StrategyType(strategyType) {
	case BreakoutStrategy, "":
		cfg, ok := config.(BreakoutConfig)
		if !ok {
			return nil, errors.New("invalid breakout strategy config")
		}
		b, err := NewBreakout(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, errors.New("unknown strategy type: " + strategyType)
	}
}
