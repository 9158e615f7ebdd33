package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-engine-go/market"
	"trading-engine-go/order"
)

// Monitor Prometheus监控指标收集器，使用私有 registry
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersSent     *prometheus.CounterVec
	ordersRetried  *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	volumeRejected *prometheus.CounterVec
	conditionals   *prometheus.CounterVec

	// 交易指标
	tradesTotal  *prometheus.CounterVec
	tradedVolume *prometheus.CounterVec
	feesPaid     *prometheus.CounterVec

	// 仓位指标
	position    *prometheus.GaugeVec
	realizedPnL *prometheus.GaugeVec

	// 市场指标
	lastPrice *prometheus.GaugeVec

	// 系统指标
	queueDepth     *prometheus.GaugeVec
	callbackPanics *prometheus.CounterVec
	wsConnections  prometheus.Counter
	wsDisconnects  prometheus.Counter
	venueLatency   *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "te",
		Subsystem: "engine",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		ordersSent:     counter("orders_sent_total", "市价单下单总数", "symbol"),
		ordersRetried:  counter("orders_retried_total", "可重试拒单后的重发次数", "symbol"),
		ordersRejected: counter("orders_rejected_total", "市价单最终拒绝总数", "symbol"),
		volumeRejected: counter("volume_rejected_total", "数量取整失败的本地拒单", "symbol"),
		conditionals:   counter("conditional_status_total", "条件单状态变化次数", "symbol", "kind", "status"),

		tradesTotal:  counter("trades_total", "成交笔数总数", "symbol", "side"),
		tradedVolume: counter("traded_volume_total", "累计成交量", "symbol"),
		feesPaid:     counter("fees_paid_total", "累计手续费", "symbol"),

		position:    gauge("position", "当前净仓位", "symbol"),
		realizedPnL: gauge("realized_pnl", "已实现盈亏（含手续费）", "symbol"),

		lastPrice: gauge("last_price", "最新成交价/收盘价", "symbol"),

		queueDepth:     gauge("queue_depth", "工作循环各层积压", "loop", "priority"),
		callbackPanics: counter("callback_panics_total", "回调 panic 次数", "loop"),
		wsConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_connections_total",
			Help:      "WebSocket连接次数",
		}),
		wsDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_disconnects_total",
			Help:      "WebSocket断开次数",
		}),
		venueLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "venue_latency_seconds",
			Help:      "交易所同步调用延迟（秒）",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"action"}),
	}
}

// 订单相关方法，实现 order.Metrics

func (m *Monitor) OrderSent(symbol string) { m.ordersSent.WithLabelValues(symbol).Inc() }

func (m *Monitor) OrderRetried(symbol string) { m.ordersRetried.WithLabelValues(symbol).Inc() }

func (m *Monitor) OrderRejected(symbol string) { m.ordersRejected.WithLabelValues(symbol).Inc() }

func (m *Monitor) VolumeRejected(symbol string) { m.volumeRejected.WithLabelValues(symbol).Inc() }

func (m *Monitor) ConditionalStatus(symbol string, kind order.Kind, st order.Status) {
	m.conditionals.WithLabelValues(symbol, string(kind), string(st)).Inc()
}

// 交易与仓位

func (m *Monitor) TradeExecuted(symbol string, side market.Side, volume, price, fee float64) {
	m.tradesTotal.WithLabelValues(symbol, string(side)).Inc()
	m.tradedVolume.WithLabelValues(symbol).Add(volume)
	if fee > 0 {
		m.feesPaid.WithLabelValues(symbol).Add(fee)
	}
	m.lastPrice.WithLabelValues(symbol).Set(price)
}

func (m *Monitor) SetPosition(symbol string, net float64) { m.position.WithLabelValues(symbol).Set(net) }

func (m *Monitor) SetRealizedPnL(symbol string, pnl float64) {
	m.realizedPnL.WithLabelValues(symbol).Set(pnl)
}

func (m *Monitor) SetLastPrice(symbol string, price float64) {
	m.lastPrice.WithLabelValues(symbol).Set(price)
}

// 系统相关方法

func (m *Monitor) SetQueueDepth(loop string, high, normal, low int) {
	m.queueDepth.WithLabelValues(loop, "high").Set(float64(high))
	m.queueDepth.WithLabelValues(loop, "normal").Set(float64(normal))
	m.queueDepth.WithLabelValues(loop, "low").Set(float64(low))
}

// RecordPanic 可直接作为 eventloop.WithPanicHandler 的回调
func (m *Monitor) RecordPanic(loop string, _ any) {
	m.callbackPanics.WithLabelValues(loop).Inc()
}

func (m *Monitor) RecordWSConnection() {
	m.wsConnections.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	m.wsDisconnects.Inc()
}

func (m *Monitor) RecordVenueLatency(action string, seconds float64) {
	m.venueLatency.WithLabelValues(action).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
