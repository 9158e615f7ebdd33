package inventory

import "sort"

// Valuation 基于当前标记价计算未实现盈亏（不含手续费）。
func (m *Manager) Valuation(symbol string, mark float64) (net float64, pnl float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return 0, 0
	}
	net = pos.Volume.Float()
	pnl = (mark - pos.AvgPrice) * net
	return
}

// Snapshot 返回全部持仓快照，按交易对排序。
func (m *Manager) Snapshot() []OpenedPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OpenedPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
