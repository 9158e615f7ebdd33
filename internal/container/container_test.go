package container

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
env: test
log:
  level: error
  format: console
  outputs: [stdout]
metrics:
  addr: "127.0.0.1:0"
engine:
  symbol: BTCUSDT
  takerFee: 0.0005
  statusIntervalSec: 0
symbols:
  BTCUSDT:
    lotStep: 0.001
backtest:
  dataFile: %s
  cacheFile: %s
feed:
  endpoint: %s
  interval: 1m
strategy:
  lookback: 3
  volume: 1
  takeProfitPct: 0.1
  stopLossPct: 0.05
`

// 三根平盘后突破 105 开多，止盈价 115.5 在第六根触发
const roundTripCSV = `ts,open,high,low,close,volume
1700000000000,100,100,100,100,1
1700000060000,100,100,100,100,1
1700000120000,100,100,100,100,1
1700000180000,105,105,105,105,1
1700000240000,110,120,110,110,1
1700000300000,116,116,116,116,1
`

func writeConfig(t *testing.T, endpoint string) (cfgPath, csvPath string) {
	t.Helper()
	dir := t.TempDir()
	csvPath = filepath.Join(dir, "candles.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(roundTripCSV), 0o644))
	cfgPath = filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(testYAML, csvPath, filepath.Join(dir, "candles.db"), endpoint)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath, csvPath
}

func TestBacktestContainerRoundTripAndCache(t *testing.T) {
	cfgPath, csvPath := writeConfig(t, "wss://fstream.binance.com")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(cfgPath, ModeBacktest)
	require.NoError(t, err)
	require.NoError(t, c.Build())
	assert.Equal(t, []string{"engine"}, c.lifecycle.Names())
	assert.Equal(t, []string{"log"}, c.Alerts().Channels())
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.HealthCheck())

	candles, err := c.LoadCandles(ctx)
	require.NoError(t, err)
	require.Len(t, candles, 6)
	n, err := c.RunBacktest(ctx, candles)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	stats := c.Engine().Analyzer().Stats()
	assert.Equal(t, 1, stats.Trades)
	assert.Equal(t, 1, stats.Wins)
	assert.InDelta(t, 10.5-(105+115.5)*0.0005, stats.NetPnL, 1e-9)
	require.NoError(t, c.Stop())
	assert.Error(t, c.HealthCheck())

	// 第二次运行从缓存读取
	require.NoError(t, os.Remove(csvPath))
	c2, err := New(cfgPath, ModeBacktest)
	require.NoError(t, err)
	require.NoError(t, c2.Build())
	cached, err := c2.LoadCandles(ctx)
	require.NoError(t, err)
	assert.Equal(t, candles, cached)
	_, err = c2.RunBacktest(ctx, cached)
	require.NoError(t, err)
	require.NoError(t, c2.Stop())
}

func TestLoadCandlesResamples(t *testing.T) {
	cfgPath, _ := writeConfig(t, "wss://fstream.binance.com")
	c, err := New(cfgPath, ModeBacktest)
	require.NoError(t, err)
	c.cfg.Backtest.ResampleMin = 3
	require.NoError(t, c.Build())
	defer c.Stop()

	candles, err := c.LoadCandles(context.Background())
	require.NoError(t, err)
	// 按三分钟边界切分为 2 + 3 + 1 根
	require.Len(t, candles, 3)
	assert.Equal(t, 120.0, candles[1].High)
	assert.Equal(t, 110.0, candles[1].Close)
	assert.Equal(t, 3.0, candles[1].Volume)

	// 缓存保留原始周期
	n, err := c.store.Count(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestNewRejectsModeParams(t *testing.T) {
	cfgPath, _ := writeConfig(t, "https://not-a-websocket")
	_, err := New(cfgPath, ModePaper)
	assert.Error(t, err)
	_, err = New(cfgPath, Mode("live"))
	assert.Error(t, err)
}

func TestPaperContainerStreamsIntoEngine(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i, price := range []string{"100", "100", "100", "101"} {
			open := int64(1700000000000 + i*60000)
			frame := fmt.Sprintf(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":%d,"s":"BTCUSDT","k":{"t":%d,"s":"BTCUSDT","L":7,"o":"%s","c":"%s","h":"%s","l":"%s","v":"1","V":"0.5","x":true}}}`,
				open+60000, open, price, price, price, price)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfgPath, _ := writeConfig(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	c, err := New(cfgPath, ModePaper)
	require.NoError(t, err)
	require.NoError(t, c.Build())
	assert.Equal(t, []string{"metrics_server", "engine", "kline_stream", "config_watcher"}, c.lifecycle.Names())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))

	require.Eventually(t, func() bool {
		return c.Engine().GetStatistics().TotalCandles == 4
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := c.store.Count(ctx, "BTCUSDT")
		return err == nil && n == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, c.HealthCheck())
	// 第四根突破开多，纸面撮合按最新价成交
	require.Eventually(t, func() bool {
		return c.Engine().GetStatistics().TotalFills == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.Error(t, c.HealthCheck())
}
