// Package market 行情与数量基础类型：方向、带符号/无符号数量、步长取整、K 线与行情源。
package market

import "fmt"

// Side 交易方向。
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 反方向。
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign 买为 +1，卖为 -1。
func (s Side) Sign() float64 {
	if s == Buy {
		return 1
	}
	return -1
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// ParseSide 解析大小写不敏感的 buy/sell。
func ParseSide(v string) (Side, error) {
	switch v {
	case "BUY", "buy", "Buy":
		return Buy, nil
	case "SELL", "sell", "Sell":
		return Sell, nil
	}
	return "", fmt.Errorf("unknown side %q", v)
}
