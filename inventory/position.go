// Package inventory 持仓与已实现盈亏：成交量加权的开仓均价，平仓（含部分平仓）时产出结果。
package inventory

import (
	"math"
	"sync"
	"time"

	"trading-engine-go/market"
	"trading-engine-go/order"
)

// OpenedPosition 单个交易对的当前持仓。
type OpenedPosition struct {
	Symbol   string
	Volume   market.SignedVolume
	AvgPrice float64
	// EntryFee 尚未分摊到平仓结果中的开仓手续费。
	EntryFee float64
	Opened   time.Time
}

// PositionResult 一次全部或部分平仓的结果，只返回给调用方，不保留。
type PositionResult struct {
	Symbol     string
	Side       market.Side // 被平掉的持仓方向
	Volume     market.UnsignedVolume
	EntryPrice float64
	ExitPrice  float64
	// PnL 价差收益（未扣手续费）。
	PnL float64
	// PnLWithFee 扣除开仓分摊与本次平仓手续费后的收益。
	PnLWithFee float64
	FeesPaid   float64
	OpenedAt   time.Time
	ClosedAt   time.Time
	OpenedTime time.Duration
}

// Manager 按交易对维护持仓。
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*OpenedPosition
}

func NewManager() *Manager {
	return &Manager{positions: make(map[string]*OpenedPosition)}
}

// OnTrade 记入一笔成交。加仓只更新均价与手续费；反向成交产出平仓结果。
// 越过零点的成交拆成一次全平加一笔反向开仓，剩余手续费按数量比例归入新仓。
func (m *Manager) OnTrade(t order.Trade) (PositionResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	signed := t.Signed().Float()
	if signed == 0 {
		return PositionResult{}, false
	}
	pos, ok := m.positions[t.Symbol]
	if !ok || sameSign(pos.Volume.Float(), signed) {
		m.increase(t.Symbol, pos, signed, t.Price, t.Fee, t.Timestamp)
		return PositionResult{}, false
	}

	held := pos.Volume.Float()
	tradeQty := math.Abs(signed)
	closeQty := math.Min(tradeQty, math.Abs(held))
	exitFee := t.Fee * closeQty / tradeQty
	entryFee := pos.EntryFee * closeQty / math.Abs(held)

	closedSigned := math.Copysign(closeQty, held)
	raw := (t.Price - pos.AvgPrice) * closedSigned
	res := PositionResult{
		Symbol:     t.Symbol,
		Side:       pos.Volume.Side(),
		Volume:     market.MustUnsigned(closeQty),
		EntryPrice: pos.AvgPrice,
		ExitPrice:  t.Price,
		PnL:        raw,
		PnLWithFee: raw - exitFee - entryFee,
		FeesPaid:   entryFee + exitFee,
		OpenedAt:   pos.Opened,
		ClosedAt:   t.Timestamp,
		OpenedTime: t.Timestamp.Sub(pos.Opened),
	}

	remaining := held + signed
	switch {
	case market.SignedVolume(remaining).IsZero():
		delete(m.positions, t.Symbol)
	case sameSign(remaining, held):
		pos.Volume = market.SignedVolume(remaining)
		pos.EntryFee -= entryFee
	default:
		delete(m.positions, t.Symbol)
		m.increase(t.Symbol, nil, remaining, t.Price, t.Fee-exitFee, t.Timestamp)
	}
	return res, true
}

func (m *Manager) increase(symbol string, pos *OpenedPosition, signed, price, fee float64, ts time.Time) {
	if pos == nil {
		m.positions[symbol] = &OpenedPosition{
			Symbol:   symbol,
			Volume:   market.SignedVolume(signed),
			AvgPrice: price,
			EntryFee: fee,
			Opened:   ts,
		}
		return
	}
	prev := pos.Volume.Float()
	total := prev + signed
	pos.AvgPrice = (pos.AvgPrice*prev + price*signed) / total
	pos.Volume = market.SignedVolume(total)
	pos.EntryFee += fee
}

// Position 返回交易对持仓快照。
func (m *Manager) Position(symbol string) (OpenedPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return OpenedPosition{}, false
	}
	return *pos, true
}

// NetExposure 交易对净持仓，空仓为 0。
func (m *Manager) NetExposure(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pos, ok := m.positions[symbol]; ok {
		return pos.Volume.Float()
	}
	return 0
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
