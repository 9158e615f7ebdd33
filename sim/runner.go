package sim

import (
	"context"
	"errors"
	"fmt"

	"trading-engine-go/eventloop"
	"trading-engine-go/market"
)

// Runner 回放历史 K 线：每推送一根后等待所有参与的循环静止，
// 保证下一根行情到达前上一根引发的订单、成交与回报都已处理完。
type Runner struct {
	Publisher *market.Publisher
	Candles   []market.Candle
	// Loops 参与回测的全部 actor 循环（网关、策略等）。
	Loops []*eventloop.Loop
	// OnStep 每根 K 线处理完成后回调（在调用方 goroutine 上）。
	OnStep func(i int, c market.Candle)
}

// Run 顺序回放，返回已回放的 K 线数量。ctx 取消时提前结束。
func (r *Runner) Run(ctx context.Context) (int, error) {
	if r.Publisher == nil {
		return 0, errors.New("runner not initialized")
	}
	if err := eventloop.Quiesce(ctx, r.Loops...); err != nil {
		return 0, fmt.Errorf("initial quiesce: %w", err)
	}
	for i, c := range r.Candles {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		r.Publisher.Publish(c)
		if err := eventloop.Quiesce(ctx, r.Loops...); err != nil {
			return i, fmt.Errorf("quiesce after candle %d: %w", i, err)
		}
		if r.OnStep != nil {
			r.OnStep(i, c)
		}
	}
	return len(r.Candles), nil
}
