package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine-go/guid"
	"trading-engine-go/order"
)

// BinanceFuturesRESTEndpoint U 本位合约 REST 入口。
const BinanceFuturesRESTEndpoint = "https://fapi.binance.com"

// 可重试的交易所错误码：连接中断与请求过多。
var retryableCodes = map[int]bool{-1001: true, -1003: true}

// BinanceRESTClient 签名的合约下单客户端，HTTPClient 可注入 httptest。
// 交易所不回报手续费，按 TakerFee 估算。
type BinanceRESTClient struct {
	BaseURL    string
	APIKey     string
	Secret     string
	TakerFee   float64
	RecvWindow int64
	HTTPClient *http.Client
}

type orderResult struct {
	OrderID     json.Number `json:"orderId"`
	Status      string      `json:"status"`
	ExecutedQty string      `json:"executedQty"`
	AvgPrice    string      `json:"avgPrice"`
	UpdateTime  int64       `json:"updateTime"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// PlaceMarket 调用 /fapi/v1/order 下 MARKET 单，RESULT 响应直接带回成交均价与数量。
func (c *BinanceRESTClient) PlaceMarket(ctx context.Context, o order.MarketOrder) (MarketFill, error) {
	params := map[string]string{
		"symbol":           o.Symbol,
		"side":             string(o.Volume.Side()),
		"type":             "MARKET",
		"quantity":         o.Target().String(),
		"newClientOrderId": o.ID.String(),
		"newOrderRespType": "RESULT",
	}
	if o.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	var res orderResult
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, &res); err != nil {
		return MarketFill{}, err
	}
	qty, err := decimal.NewFromString(res.ExecutedQty)
	if err != nil {
		return MarketFill{}, fmt.Errorf("executedQty %q: %w", res.ExecutedQty, err)
	}
	price, err := decimal.NewFromString(res.AvgPrice)
	if err != nil {
		return MarketFill{}, fmt.Errorf("avgPrice %q: %w", res.AvgPrice, err)
	}
	fee := price.Mul(qty).Mul(decimal.NewFromFloat(c.TakerFee))
	fill := MarketFill{
		Price:  price.InexactFloat64(),
		Volume: qty.InexactFloat64(),
		Fee:    fee.InexactFloat64(),
	}
	if res.UpdateTime > 0 {
		fill.Ts = time.UnixMilli(res.UpdateTime).UTC()
	}
	return fill, nil
}

// PlaceConditional 止盈下 TAKE_PROFIT_MARKET、止损下 STOP_MARKET，均为只减仓。
func (c *BinanceRESTClient) PlaceConditional(ctx context.Context, o order.ConditionalOrder) error {
	typ := "STOP_MARKET"
	if o.Kind == order.TakeProfit {
		typ = "TAKE_PROFIT_MARKET"
	}
	params := map[string]string{
		"symbol":           o.Symbol,
		"side":             string(o.Side),
		"type":             typ,
		"quantity":         o.Target().String(),
		"stopPrice":        decimal.NewFromFloat(o.Trigger).String(),
		"reduceOnly":       "true",
		"newClientOrderId": o.ID.String(),
	}
	return c.do(ctx, http.MethodPost, "/fapi/v1/order", params, nil)
}

// CancelConditional 按客户端订单号撤单。
func (c *BinanceRESTClient) CancelConditional(ctx context.Context, symbol string, id guid.GUID) error {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": id.String(),
	}
	return c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
}

func (c *BinanceRESTClient) do(ctx context.Context, method, path string, params map[string]string, out any) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if c.RecvWindow > 0 {
		params["recvWindow"] = fmt.Sprintf("%d", c.RecvWindow)
	}
	query, sig := SignParams(params, c.Secret)
	endpoint := c.BaseURL + path + "?" + query + "&signature=" + url.QueryEscape(sig)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func decodeAPIError(status int, body []byte) error {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Msg == "" {
		ae.Msg = fmt.Sprintf("status %d", status)
	}
	retry := retryableCodes[ae.Code] || status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
	return &VenueError{Code: ae.Code, Reason: ae.Msg, Retryable: retry}
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

var _ VenueClient = (*BinanceRESTClient)(nil)
