package posttrade

import (
	"math"
	"sync"
	"time"

	"trading-engine-go/inventory"
)

// EquityPoint is one step of the realized equity curve
type EquityPoint struct {
	Time   time.Time
	Equity float64
}

// Stats contains statistics computed by the analyzer
type Stats struct {
	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	GrossProfit  float64
	GrossLoss    float64
	ProfitFactor float64
	NetPnL       float64
	FeesPaid     float64
	AvgHold      time.Duration
	MaxDrawdown  float64
	LargestWin   float64
	LargestLoss  float64
}

// Analyzer aggregates closed position results into performance statistics
type Analyzer struct {
	mu      sync.RWMutex
	results []inventory.PositionResult
	equity  []EquityPoint

	net  float64
	peak float64
	mdd  float64
}

// NewAnalyzer creates a new post-trade analyzer
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// OnResult records a closed (or partially closed) position
func (a *Analyzer) OnResult(res inventory.PositionResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.results = append(a.results, res)
	a.net += res.PnLWithFee
	a.equity = append(a.equity, EquityPoint{Time: res.ClosedAt, Equity: a.net})
	if a.net > a.peak {
		a.peak = a.net
	}
	if dd := a.peak - a.net; dd > a.mdd {
		a.mdd = dd
	}
}

// Stats computes and returns statistics
func (a *Analyzer) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Stats{Trades: len(a.results), NetPnL: a.net, MaxDrawdown: a.mdd}
	if len(a.results) == 0 {
		return stats
	}

	var hold time.Duration
	for _, r := range a.results {
		pnl := r.PnLWithFee
		switch {
		case pnl > 0:
			stats.Wins++
			stats.GrossProfit += pnl
		case pnl < 0:
			stats.Losses++
			stats.GrossLoss += -pnl
		}
		stats.LargestWin = math.Max(stats.LargestWin, pnl)
		stats.LargestLoss = math.Min(stats.LargestLoss, pnl)
		stats.FeesPaid += r.FeesPaid
		hold += r.OpenedTime
	}
	stats.WinRate = float64(stats.Wins) / float64(stats.Trades)
	stats.AvgHold = hold / time.Duration(stats.Trades)
	switch {
	case stats.GrossLoss > 0:
		stats.ProfitFactor = stats.GrossProfit / stats.GrossLoss
	case stats.GrossProfit > 0:
		stats.ProfitFactor = math.Inf(1)
	}
	return stats
}

// Equity returns a copy of the realized equity curve
func (a *Analyzer) Equity() []EquityPoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]EquityPoint, len(a.equity))
	copy(out, a.equity)
	return out
}

// Results returns a copy of every recorded result
func (a *Analyzer) Results() []inventory.PositionResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]inventory.PositionResult, len(a.results))
	copy(out, a.results)
	return out
}
