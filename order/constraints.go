package order

import (
	"errors"
	"fmt"
	"math"

	"trading-engine-go/market"
)

var ErrZeroVolume = errors.New("order: volume floors to zero")

// SymbolConstraints 交易对的数量步长与限制。
type SymbolConstraints struct {
	StepSize float64
	MinQty   float64
	MaxQty   float64
}

// Normalize 把请求数量向零取整到 StepSize，并检查上下限。
// StepSize 为零（未配置）时返回 market.ErrZeroStep。
func (c SymbolConstraints) Normalize(v market.SignedVolume) (market.SignedVolume, error) {
	floored, err := v.Floor(c.StepSize)
	if err != nil {
		return 0, err
	}
	if floored.IsZero() {
		return 0, fmt.Errorf("%w: %s with step %v", ErrZeroVolume, v, c.StepSize)
	}
	qty := math.Abs(floored.Float())
	if c.MinQty > 0 && qty < c.MinQty {
		return 0, fmt.Errorf("qty %v < minQty %v", qty, c.MinQty)
	}
	if c.MaxQty > 0 && qty > c.MaxQty {
		return 0, fmt.Errorf("qty %v > maxQty %v", qty, c.MaxQty)
	}
	return floored, nil
}

// Constraints 按交易对查找限制。
type Constraints map[string]SymbolConstraints

func (c Constraints) For(symbol string) SymbolConstraints {
	return c[symbol]
}
