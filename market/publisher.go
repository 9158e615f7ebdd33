package market

import (
	"sync"

	"trading-engine-go/eventbus"
)

// Feed 行情网关：按交易对提供 K 线时序通道。回测与实盘各有一个实现。
type Feed interface {
	Candles(symbol string) *eventbus.TimeseriesChannel[Candle]
}

// Publisher 按交易对维护 K 线时序通道，行情来源（回放、websocket）通过 Publish 写入。
type Publisher struct {
	limit int

	mu     sync.Mutex
	series map[string]*eventbus.TimeseriesChannel[Candle]
}

// NewPublisher limit 为每个交易对保留的历史长度，0 表示不限。
func NewPublisher(limit int) *Publisher {
	return &Publisher{
		limit:  limit,
		series: make(map[string]*eventbus.TimeseriesChannel[Candle]),
	}
}

// Candles 返回交易对的通道，不存在则创建。
func (p *Publisher) Candles(symbol string) *eventbus.TimeseriesChannel[Candle] {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.series[symbol]
	if !ok {
		ch = eventbus.NewTimeseriesChannel[Candle](p.limit)
		p.series[symbol] = ch
	}
	return ch
}

// Publish 推送一根 K 线到对应交易对。
func (p *Publisher) Publish(c Candle) {
	p.Candles(c.Symbol).Push(c)
}

// Symbols 已出现的交易对。
func (p *Publisher) Symbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.series))
	for s := range p.series {
		out = append(out, s)
	}
	return out
}

// Close 关闭全部通道。
func (p *Publisher) Close() {
	p.mu.Lock()
	series := p.series
	p.series = make(map[string]*eventbus.TimeseriesChannel[Candle])
	p.mu.Unlock()
	for _, ch := range series {
		ch.Close()
	}
}

var _ Feed = (*Publisher)(nil)
