package sim

import (
	"go.uber.org/zap"

	"trading-engine-go/eventloop"
	"trading-engine-go/market"
	"trading-engine-go/order"
)

// RunnerConfig 描述回测环境的可选参数。
type RunnerConfig struct {
	Symbols  []string
	TakerFee float64
	// HistoryLimit 每个交易对保留的 K 线数量，0 表示不限。
	HistoryLimit int
	Logger       *zap.Logger
	LoopOptions  []eventloop.Option
}

// Backtest 组装好的回测环境：行情发布器、网关通道与撮合网关。
type Backtest struct {
	Publisher *market.Publisher
	Channels  *order.Channels
	Gateway   *Gateway
}

// BuildBacktest 基于配置组装回测环境（全部为内存组件）。
func BuildBacktest(cfg RunnerConfig) *Backtest {
	fee := cfg.TakerFee
	if fee == 0 {
		fee = DefaultTakerFee
	}
	pub := market.NewPublisher(cfg.HistoryLimit)
	ch := order.NewChannels()
	gw := NewGateway(pub, ch, GatewayConfig{TakerFee: fee, Logger: cfg.Logger, LoopOptions: cfg.LoopOptions})
	for _, s := range cfg.Symbols {
		gw.Watch(s)
	}
	return &Backtest{Publisher: pub, Channels: ch, Gateway: gw}
}

// Runner 为给定 K 线创建回放器；extra 为策略等其他参与者的循环。
func (b *Backtest) Runner(candles []market.Candle, extra ...*eventloop.Loop) *Runner {
	loops := append([]*eventloop.Loop{b.Gateway.Loop()}, extra...)
	return &Runner{Publisher: b.Publisher, Candles: candles, Loops: loops}
}

// Close 停止网关并关闭全部通道。
func (b *Backtest) Close() {
	b.Gateway.Close()
	b.Channels.Close()
	b.Publisher.Close()
}
