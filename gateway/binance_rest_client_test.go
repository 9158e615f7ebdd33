package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"trading-engine-go/guid"
	"trading-engine-go/market"
	"trading-engine-go/order"
)

func fixedClock(t *testing.T) {
	timeNowMillis = func() int64 { return 1234567890000 }
	t.Cleanup(func() { timeNowMillis = func() int64 { return time.Now().UnixMilli() } })
}

func TestSignParamsDeterministic(t *testing.T) {
	fixedClock(t)
	q1, s1 := SignParams(map[string]string{"symbol": "BTCUSDT", "side": "BUY"}, "secret")
	q2, s2 := SignParams(map[string]string{"side": "BUY", "symbol": "BTCUSDT"}, "secret")
	if q1 != q2 || s1 != s2 {
		t.Fatalf("signature depends on map order: %s/%s vs %s/%s", q1, s1, q2, s2)
	}
	if q1 != "side=BUY&symbol=BTCUSDT&timestamp=1234567890000" {
		t.Fatalf("unexpected query %s", q1)
	}
	if _, s3 := SignParams(map[string]string{"symbol": "BTCUSDT", "side": "BUY"}, "other"); s3 == s1 {
		t.Fatalf("signature must depend on secret")
	}
}

func TestBinanceRESTClientPlaceCancel(t *testing.T) {
	fixedClock(t)
	var seen []url.Values
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("missing api key header")
		}
		q := r.URL.Query()
		if q.Get("signature") == "" {
			t.Errorf("missing signature")
		}
		seen = append(seen, q)
		switch {
		case r.Method == http.MethodPost && q.Get("type") == "MARKET":
			io.WriteString(w, `{"orderId":1001,"status":"FILLED","executedQty":"0.5","avgPrice":"100.0","updateTime":1234567890123}`)
		case r.Method == http.MethodPost:
			io.WriteString(w, `{"orderId":1002,"status":"NEW"}`)
		case r.Method == http.MethodDelete:
			io.WriteString(w, `{"orderId":1002,"status":"CANCELED"}`)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer ts.Close()

	cli := &BinanceRESTClient{
		BaseURL:    ts.URL,
		APIKey:     "key",
		Secret:     "secret",
		TakerFee:   0.001,
		HTTPClient: ts.Client(),
	}
	mo := order.MarketOrder{ID: guid.New(), Symbol: "BTCUSDT", Volume: market.SignedVolume(-0.5), Side: market.Sell, ReduceOnly: true}
	fill, err := cli.PlaceMarket(context.Background(), mo)
	if err != nil {
		t.Fatalf("place err: %v", err)
	}
	if fill.Price != 100 || fill.Volume != 0.5 || fill.Fee != 0.05 {
		t.Fatalf("unexpected fill %+v", fill)
	}
	if !fill.Ts.Equal(time.UnixMilli(1234567890123)) {
		t.Fatalf("unexpected fill ts %s", fill.Ts)
	}

	tp := order.NewConditionalOrder(order.MarketOrder{ID: guid.New(), Symbol: "BTCUSDT", Volume: market.SignedVolume(-0.5), Side: market.Sell}, 110, order.TakeProfit)
	if err := cli.PlaceConditional(context.Background(), tp); err != nil {
		t.Fatalf("conditional err: %v", err)
	}
	if err := cli.CancelConditional(context.Background(), "BTCUSDT", tp.ID); err != nil {
		t.Fatalf("cancel err: %v", err)
	}

	if len(seen) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(seen))
	}
	if seen[0].Get("side") != "SELL" || seen[0].Get("quantity") != "0.5" || seen[0].Get("reduceOnly") != "true" || seen[0].Get("newClientOrderId") != mo.ID.String() {
		t.Fatalf("unexpected market params %v", seen[0])
	}
	if seen[1].Get("type") != "TAKE_PROFIT_MARKET" || seen[1].Get("stopPrice") != "110" || seen[1].Get("reduceOnly") != "true" {
		t.Fatalf("unexpected conditional params %v", seen[1])
	}
	if seen[2].Get("origClientOrderId") != tp.ID.String() {
		t.Fatalf("unexpected cancel params %v", seen[2])
	}
}

func TestBinanceRESTClientErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		reason    string
		retryable bool
	}{
		{"保证金不足", http.StatusBadRequest, `{"code":-2019,"msg":"Margin is insufficient."}`, "Margin is insufficient.", false},
		{"请求过多", http.StatusBadRequest, `{"code":-1003,"msg":"Too many requests."}`, "Too many requests.", true},
		{"限流状态码", http.StatusTooManyRequests, `{}`, "status 429", true},
		{"服务不可用", http.StatusServiceUnavailable, `oops`, "status 503", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer ts.Close()
			cli := &BinanceRESTClient{BaseURL: ts.URL, HTTPClient: ts.Client()}
			_, err := cli.PlaceMarket(context.Background(), order.MarketOrder{ID: guid.New(), Symbol: "BTCUSDT", Volume: 1})
			var ve *VenueError
			if !errors.As(err, &ve) {
				t.Fatalf("expected VenueError, got %v", err)
			}
			if ve.Reason != tc.reason || ve.Retryable != tc.retryable {
				t.Fatalf("unexpected error %+v", ve)
			}
		})
	}
}

func TestBinanceRESTClientWithoutHTTPClient(t *testing.T) {
	var cli BinanceRESTClient
	if err := cli.CancelConditional(context.Background(), "BTCUSDT", guid.New()); err == nil {
		t.Fatalf("expected error")
	}
}
