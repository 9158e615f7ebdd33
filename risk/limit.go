package risk

import (
	"errors"
	"fmt"
	"time"

	"trading-engine-go/market"
)

var (
	ErrSingleExceed = errors.New("single order exceed")
	ErrDailyExceed  = errors.New("daily volume exceed")
	ErrNetExceed    = errors.New("net exposure exceed")
)

// Limits 配置，0 表示不限。
type Limits struct {
	SingleMax float64
	DailyMax  float64
	NetMax    float64
}

// Inventory 提供净仓位，inventory.Manager 实现了它。
type Inventory interface {
	NetExposure(symbol string) float64
}

// LimitChecker 维护按 UTC 自然日累计的成交量与净敞口校验。
type LimitChecker struct {
	cfg    Limits
	inv    Inventory
	dayVol map[string]float64
	day    time.Time
	clock  Clock
}

func NewLimitChecker(cfg Limits, inv Inventory, clock Clock) *LimitChecker {
	if clock == nil {
		clock = NowUTC
	}
	return &LimitChecker{
		cfg:    cfg,
		inv:    inv,
		dayVol: make(map[string]float64),
		clock:  clock,
	}
}

// PreOrder 校验下单前约束，不改变累计量。
func (lc *LimitChecker) PreOrder(symbol string, deltaQty float64) error {
	lc.roll()
	absQty := abs(deltaQty)
	if lc.cfg.SingleMax > 0 && absQty > lc.cfg.SingleMax {
		return fmt.Errorf("%w: %g > single %g", ErrSingleExceed, absQty, lc.cfg.SingleMax)
	}
	if lc.cfg.DailyMax > 0 && lc.dayVol[symbol]+absQty > lc.cfg.DailyMax {
		return fmt.Errorf("%w: %g > daily %g", ErrDailyExceed, lc.dayVol[symbol]+absQty, lc.cfg.DailyMax)
	}
	if lc.inv != nil && lc.cfg.NetMax > 0 {
		net := lc.inv.NetExposure(symbol) + deltaQty
		if abs(net) > lc.cfg.NetMax {
			return fmt.Errorf("%w: %g > net %g", ErrNetExceed, net, lc.cfg.NetMax)
		}
	}
	return nil
}

// OnFill 计入当日成交量（含平仓）。
func (lc *LimitChecker) OnFill(symbol string, qty float64) {
	lc.roll()
	lc.dayVol[symbol] += abs(qty)
}

// OnCandle 时钟为 CandleClock 时推进时间。
func (lc *LimitChecker) OnCandle(c market.Candle) {
	if cc, ok := lc.clock.(*CandleClock); ok {
		cc.OnCandle(c)
	}
}

// DailyVolume 当日累计成交量。
func (lc *LimitChecker) DailyVolume(symbol string) float64 {
	lc.roll()
	return lc.dayVol[symbol]
}

func (lc *LimitChecker) roll() {
	now := lc.clock.Now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !day.Equal(lc.day) {
		lc.day = day
		clear(lc.dayVol)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
