package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-engine-go/market"
)

// BinanceFuturesWSEndpoint U 本位合约行情入口。
const BinanceFuturesWSEndpoint = "wss://fstream.binance.com"

// StreamMetrics 连接埋点，monitor.Monitor 实现了它。
type StreamMetrics interface {
	RecordWSConnection()
	RecordWSDisconnect()
}

// KlineStream 组合订阅多个交易对的 kline 流，只把已收盘的 K 线写入 Publisher。
// 断线后按 ReconnectDelay 重连，直到 ctx 结束。
type KlineStream struct {
	Endpoint       string
	Symbols        []string
	Interval       string
	Dialer         *websocket.Dialer
	Publisher      *market.Publisher
	Logger         *zap.Logger
	Metrics        StreamMetrics
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration

	last map[string]time.Time
}

func NewKlineStream(endpoint, interval string, pub *market.Publisher, logger *zap.Logger) *KlineStream {
	if endpoint == "" {
		endpoint = BinanceFuturesWSEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineStream{
		Endpoint:       endpoint,
		Interval:       interval,
		Dialer:         websocket.DefaultDialer,
		Publisher:      pub,
		Logger:         logger.With(zap.String("component", "kline_stream")),
		ReconnectDelay: 3 * time.Second,
		ReadTimeout:    90 * time.Second,
	}
}

func (s *KlineStream) Subscribe(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol required")
	}
	s.Symbols = append(s.Symbols, symbol)
	return nil
}

// URL 构建 combined stream 地址。
func (s *KlineStream) URL() (string, error) {
	if len(s.Symbols) == 0 {
		return "", fmt.Errorf("no streams subscribed")
	}
	if s.Interval == "" {
		return "", fmt.Errorf("interval required")
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	streams := make([]string, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		streams = append(streams, strings.ToLower(sym)+"@kline_"+s.Interval)
	}
	u.Path = "/stream"
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run 阻塞读取行情；返回 ctx 的错误或不可恢复的配置错误。
func (s *KlineStream) Run(ctx context.Context) error {
	if s.Publisher == nil {
		return fmt.Errorf("publisher required")
	}
	endpoint, err := s.URL()
	if err != nil {
		return err
	}
	if s.last == nil {
		s.last = make(map[string]time.Time)
	}
	for {
		err := s.runOnce(ctx, endpoint)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Logger.Warn("kline stream disconnected", zap.Error(err), zap.Duration("retry_in", s.ReconnectDelay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.ReconnectDelay):
		}
	}
}

func (s *KlineStream) runOnce(ctx context.Context, endpoint string) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.RecordWSConnection()
		defer s.Metrics.RecordWSDisconnect()
	}
	s.Logger.Info("kline stream connected", zap.Strings("symbols", s.Symbols), zap.String("interval", s.Interval))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		if s.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("closed by server")
			}
			return err
		}
		s.handle(message)
	}
}

func (s *KlineStream) handle(message []byte) {
	c, closed, err := ParseCombinedKline(message)
	if err != nil {
		s.Logger.Warn("kline parse failed", zap.Error(err))
		return
	}
	if !closed {
		return
	}
	// 重连后交易所可能补推同一根 K 线
	if last, ok := s.last[c.Symbol]; ok && !c.Ts.After(last) {
		s.Logger.Debug("stale kline skipped", zap.String("symbol", c.Symbol), zap.Time("ts", c.Ts))
		return
	}
	s.last[c.Symbol] = c.Ts
	s.Publisher.Publish(c)
}
