// Package gateway 实盘接入：kline 行情流、交易所 REST 客户端，以及把同步下单调用
// 封装成异步 order.Gateway 的 VenueGateway。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"trading-engine-go/guid"
	"trading-engine-go/market"
	"trading-engine-go/order"
)

// MarketFill 市价单的同步成交结果。Volume 为无符号成交量。
type MarketFill struct {
	Price  float64
	Volume float64
	Fee    float64
	Ts     time.Time
}

// VenueClient 交易所同步接口。
type VenueClient interface {
	PlaceMarket(ctx context.Context, o order.MarketOrder) (MarketFill, error)
	PlaceConditional(ctx context.Context, o order.ConditionalOrder) error
	CancelConditional(ctx context.Context, symbol string, id guid.GUID) error
}

// VenueError 交易所明确拒绝。Retryable 的拒单会由订单层换 ID 重发。
type VenueError struct {
	Code      int
	Reason    string
	Retryable bool
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Reason)
}

// LatencyMetrics 同步调用耗时埋点。
type LatencyMetrics interface {
	RecordVenueLatency(action string, seconds float64)
}

type VenueGatewayConfig struct {
	Limiter     RateLimiter
	Timeout     time.Duration
	MaxInFlight int64
	Logger      *zap.Logger
	Metrics     LatencyMetrics
}

// conditionalRef 下单调用返回前收到的撤单先记下，挂单成功后再发出。
type conditionalRef struct {
	symbol       string
	kind         order.Kind
	placed       bool
	cancelWanted bool
}

// VenueGateway 每个请求在独立 goroutine 中调用 VenueClient，并发数受信号量限制，
// 结果推送到 Channels。请求之间不保证完成顺序，回报按 ID 关联。
type VenueGateway struct {
	client  VenueClient
	ch      *order.Channels
	limiter RateLimiter
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *zap.Logger
	metrics LatencyMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conds map[guid.GUID]*conditionalRef
}

func NewVenueGateway(client VenueClient, ch *order.Channels, cfg VenueGatewayConfig) *VenueGateway {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &VenueGateway{
		client:  client,
		ch:      ch,
		limiter: cfg.Limiter,
		timeout: cfg.Timeout,
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		logger:  logger.With(zap.String("component", "venue_gateway")),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		conds:   make(map[guid.GUID]*conditionalRef),
	}
}

func (g *VenueGateway) PushOrderRequest(o order.MarketOrder) {
	g.dispatch("market_order", func(ctx context.Context, err error) {
		if err == nil {
			g.placeMarket(ctx, o)
			return
		}
		g.ch.Responses.Push(order.Response{ID: o.ID, Rejected: true, Reason: err.Error()})
	})
}

func (g *VenueGateway) PushTakeProfitRequest(o order.ConditionalOrder) { g.pushConditional(o) }

func (g *VenueGateway) PushStopLossRequest(o order.ConditionalOrder) { g.pushConditional(o) }

func (g *VenueGateway) CancelTakeProfitRequest(id guid.GUID) { g.cancelConditional(id, order.TakeProfit) }

func (g *VenueGateway) CancelStopLossRequest(id guid.GUID) { g.cancelConditional(id, order.StopLoss) }

// ReportTrade 用户数据流回报的成交（条件单触发等）。
func (g *VenueGateway) ReportTrade(t order.Trade) {
	g.ch.Trades.Push(t)
}

// ReportConditionalInactive 用户数据流报告条件单已在交易所侧失效。
func (g *VenueGateway) ReportConditionalInactive(id guid.GUID) {
	g.mu.Lock()
	ref, ok := g.conds[id]
	delete(g.conds, id)
	g.mu.Unlock()
	if !ok {
		g.logger.Debug("inactive report for unknown conditional", zap.String("order_id", id.String()))
		return
	}
	g.ch.Updates.Push(order.ConditionalUpdate{ID: id, Kind: ref.kind, Active: false})
}

// Close 取消排队中的请求并等待在途调用结束。
func (g *VenueGateway) Close() {
	g.cancel()
	g.wg.Wait()
}

// Conditionals 当前登记的条件单数量。
func (g *VenueGateway) Conditionals() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conds)
}

// dispatch 排队、限流后以带超时的 ctx 调用 fn；排队失败时 err 非空。
func (g *VenueGateway) dispatch(action string, fn func(ctx context.Context, err error)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.sem.Acquire(g.ctx, 1); err != nil {
			fn(g.ctx, fmt.Errorf("%s not sent: %w", action, err))
			return
		}
		defer g.sem.Release(1)
		if g.limiter != nil {
			if err := g.limiter.Wait(g.ctx); err != nil {
				fn(g.ctx, fmt.Errorf("%s not sent: %w", action, err))
				return
			}
		}
		ctx, cancel := context.WithTimeout(g.ctx, g.timeout)
		defer cancel()
		start := time.Now()
		fn(ctx, nil)
		if g.metrics != nil {
			g.metrics.RecordVenueLatency(action, time.Since(start).Seconds())
		}
	}()
}

func (g *VenueGateway) placeMarket(ctx context.Context, o order.MarketOrder) {
	fill, err := g.client.PlaceMarket(ctx, o)
	if err != nil {
		g.ch.Responses.Push(g.rejection(o.ID, o.Symbol, err))
		return
	}
	if fill.Volume > 0 {
		ts := fill.Ts
		if ts.IsZero() {
			ts = time.Now()
		}
		g.ch.Trades.Push(order.Trade{
			Timestamp: ts,
			Symbol:    o.Symbol,
			OrderID:   o.ID,
			Price:     fill.Price,
			Volume:    market.MustUnsigned(fill.Volume),
			Side:      o.Volume.Side(),
			Fee:       fill.Fee,
		})
	}
	g.ch.Responses.Push(order.Response{ID: o.ID})
}

func (g *VenueGateway) pushConditional(o order.ConditionalOrder) {
	g.mu.Lock()
	g.conds[o.ID] = &conditionalRef{symbol: o.Symbol, kind: o.Kind}
	g.mu.Unlock()
	g.dispatch("conditional_order", func(ctx context.Context, err error) {
		if err == nil {
			err = g.client.PlaceConditional(ctx, o)
		}
		if err != nil {
			g.mu.Lock()
			delete(g.conds, o.ID)
			g.mu.Unlock()
			r := g.rejection(o.ID, o.Symbol, err)
			r.Retry = false
			g.ch.ConditionalResponses.Push(r)
			return
		}
		g.mu.Lock()
		ref, ok := g.conds[o.ID]
		wanted := ok && ref.cancelWanted
		if ok {
			ref.placed = true
		}
		g.mu.Unlock()
		g.ch.Updates.Push(order.ConditionalUpdate{ID: o.ID, Kind: o.Kind, Active: true})
		if wanted {
			g.cancelConditional(o.ID, o.Kind)
		}
	})
}

func (g *VenueGateway) cancelConditional(id guid.GUID, kind order.Kind) {
	g.mu.Lock()
	ref, ok := g.conds[id]
	deferred := ok && ref.kind == kind && !ref.placed
	if deferred {
		ref.cancelWanted = true
	}
	g.mu.Unlock()
	if !ok || ref.kind != kind {
		g.logger.Debug("cancel for unknown conditional", zap.String("order_id", id.String()))
		return
	}
	if deferred {
		g.logger.Debug("cancel deferred until placed", zap.String("order_id", id.String()))
		return
	}
	symbol := ref.symbol
	g.dispatch("cancel_conditional", func(ctx context.Context, err error) {
		if err == nil {
			err = g.client.CancelConditional(ctx, symbol, id)
		}
		if err != nil {
			g.logger.Warn("cancel conditional failed", zap.String("order_id", id.String()), zap.Error(err))
			g.ch.Errors.Push(fmt.Sprintf("cancel %s %s %s failed: %v", kind, symbol, id, err))
			return
		}
		g.mu.Lock()
		_, still := g.conds[id]
		delete(g.conds, id)
		g.mu.Unlock()
		// 用户数据流可能已先报告失效
		if still {
			g.ch.Updates.Push(order.ConditionalUpdate{ID: id, Kind: kind, Active: false})
		}
	})
}

// rejection 交易所拒单按其可重试标记上报；网络错误与超时时下单结果未知，不重试。
func (g *VenueGateway) rejection(id guid.GUID, symbol string, err error) order.Response {
	var ve *VenueError
	if errors.As(err, &ve) {
		return order.Response{ID: id, Rejected: true, Reason: ve.Reason, Retry: ve.Retryable}
	}
	g.logger.Error("venue call failed", zap.String("order_id", id.String()), zap.String("symbol", symbol), zap.Error(err))
	return order.Response{ID: id, Rejected: true, Reason: err.Error()}
}

var _ order.Gateway = (*VenueGateway)(nil)
