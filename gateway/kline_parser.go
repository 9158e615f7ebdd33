package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"trading-engine-go/market"
)

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// klineEvent <symbol>@kline_<interval> 推送。
// encoding/json 按大小写不敏感匹配键名，大小写成对的字段（e/E、l/L、v/V、q/Q）必须都声明。
type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime      int64  `json:"t"`
		CloseTime     int64  `json:"T"`
		Symbol        string `json:"s"`
		Interval      string `json:"i"`
		FirstTradeID  int64  `json:"f"`
		LastTradeID   int64  `json:"L"`
		Open          string `json:"o"`
		Close         string `json:"c"`
		High          string `json:"h"`
		Low           string `json:"l"`
		Volume        string `json:"v"`
		Trades        int64  `json:"n"`
		Closed        bool   `json:"x"`
		QuoteVolume   string `json:"q"`
		TakerBuyBase  string `json:"V"`
		TakerBuyQuote string `json:"Q"`
	} `json:"k"`
}

// ParseCombinedKline 解析 combined stream 的 kline 消息。closed 表示该 K 线已收盘，
// 时间戳取开盘时间。
func ParseCombinedKline(raw []byte) (c market.Candle, closed bool, err error) {
	var msg CombinedMessage
	if err = json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if len(msg.Data) == 0 {
		err = fmt.Errorf("empty data for stream %q", msg.Stream)
		return
	}
	var ev klineEvent
	if err = json.Unmarshal(msg.Data, &ev); err != nil {
		return
	}
	if ev.EventType != "kline" {
		err = fmt.Errorf("unexpected event %q", ev.EventType)
		return
	}
	k := ev.Kline
	symbol := k.Symbol
	if symbol == "" {
		symbol = ev.Symbol
	}
	fields := [...]struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open", k.Open, &c.Open},
		{"high", k.High, &c.High},
		{"low", k.Low, &c.Low},
		{"close", k.Close, &c.Close},
		{"volume", k.Volume, &c.Volume},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.ParseFloat(f.raw, 64); err != nil {
			err = fmt.Errorf("kline %s %s: %w", symbol, f.name, err)
			return
		}
	}
	c.Symbol = symbol
	c.Ts = time.UnixMilli(k.OpenTime).UTC()
	if !c.Valid() {
		err = fmt.Errorf("kline %s at %s: inconsistent prices", symbol, c.Ts.Format(time.RFC3339))
		return
	}
	closed = k.Closed
	return
}
