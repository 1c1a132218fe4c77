package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
)

// Metrics summarises a run. Ratios are fractions (0.05 is 5%). Undefined
// ratios are NaN rather than zero so they cannot be mistaken for a value.
type Metrics struct {
	InitialCapital   float64
	FinalEquity      float64
	TotalReturn      float64
	AnnualizedReturn float64
	Volatility       float64 // annualized stdev of per-step returns
	SharpeRatio      float64
	SortinoRatio     float64
	MaxDrawdown      float64
	WinRate          float64
	ProfitFactor     float64
	RealizedPnL      float64
	TotalTrades      int
	ClosedTrades     int
	Steps            int
	PeriodsPerYear   float64
}

// Map returns the metrics keyed by snake_case name.
func (m Metrics) Map() map[string]float64 {
	return map[string]float64{
		"initial_capital":   m.InitialCapital,
		"final_equity":      m.FinalEquity,
		"total_return":      m.TotalReturn,
		"annualized_return": m.AnnualizedReturn,
		"volatility":        m.Volatility,
		"sharpe_ratio":      m.SharpeRatio,
		"sortino_ratio":     m.SortinoRatio,
		"max_drawdown":      m.MaxDrawdown,
		"win_rate":          m.WinRate,
		"profit_factor":     m.ProfitFactor,
		"realized_pnl":      m.RealizedPnL,
		"total_trades":      float64(m.TotalTrades),
		"closed_trades":     float64(m.ClosedTrades),
		"steps":             float64(m.Steps),
		"periods_per_year":  m.PeriodsPerYear,
	}
}

// ComputeMetrics derives Metrics from an equity curve and transaction log.
// ppy is the number of steps per year and rf the annual risk-free rate.
func ComputeMetrics(initial decimal.Decimal, equity []domain.EquityPoint, txs []domain.Transaction, ppy, rf float64) Metrics {
	m := Metrics{
		InitialCapital: initial.InexactFloat64(),
		FinalEquity:    initial.InexactFloat64(),
		TotalTrades:    len(txs),
		Steps:          len(equity),
		PeriodsPerYear: ppy,
	}
	if len(equity) > 0 {
		final := equity[len(equity)-1].Equity
		m.FinalEquity = final.InexactFloat64()
		if initial.IsPositive() {
			m.TotalReturn = final.Div(initial).Sub(decimal.NewFromInt(1)).InexactFloat64()
		} else {
			m.TotalReturn = math.NaN()
		}
	}

	m.AnnualizedReturn = annualizedReturn(m.TotalReturn, m.Steps, ppy)
	returns := equityReturns(equity)
	m.Volatility = SampleStdDev(returns) * math.Sqrt(ppy)
	m.SharpeRatio = SharpeRatio(returns, rf, ppy)
	m.SortinoRatio = SortinoRatio(returns, rf, ppy)
	m.MaxDrawdown = MaxDrawdown(equity)
	m.WinRate, m.ProfitFactor, m.ClosedTrades, m.RealizedPnL = tradeStats(txs)
	return m
}

func annualizedReturn(total float64, steps int, ppy float64) float64 {
	if steps == 0 || ppy <= 0 || math.IsNaN(total) {
		return math.NaN()
	}
	if 1+total <= 0 {
		return -1
	}
	return math.Pow(1+total, ppy/float64(steps)) - 1
}

func equityReturns(equity []domain.EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev.IsZero() {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i].Equity.Div(prev).Sub(decimal.NewFromInt(1)).InexactFloat64())
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// SampleStdDev returns the n-1 standard deviation, or NaN for fewer than
// two values.
func SampleStdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	mu := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - mu) * (x - mu)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// SharpeRatio annualizes mean excess return over its sample stdev. It is NaN
// when volatility is zero or there are fewer than two returns.
func SharpeRatio(returns []float64, rf, ppy float64) float64 {
	sd := SampleStdDev(returns)
	if math.IsNaN(sd) || sd == 0 || ppy <= 0 {
		return math.NaN()
	}
	return (mean(returns) - rf/ppy) / sd * math.Sqrt(ppy)
}

// SortinoRatio is SharpeRatio with downside deviation below the per-step
// risk-free rate in the denominator. NaN when there is no downside.
func SortinoRatio(returns []float64, rf, ppy float64) float64 {
	if len(returns) < 2 || ppy <= 0 {
		return math.NaN()
	}
	target := rf / ppy
	var ss float64
	for _, r := range returns {
		if d := r - target; d < 0 {
			ss += d * d
		}
	}
	dd := math.Sqrt(ss / float64(len(returns)))
	if dd == 0 {
		return math.NaN()
	}
	return (mean(returns) - target) / dd * math.Sqrt(ppy)
}

// MaxDrawdown returns the largest peak-to-trough fall of the curve as a
// fraction of the peak. A non-decreasing curve has zero drawdown.
func MaxDrawdown(equity []domain.EquityPoint) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0].Equity
	worst := decimal.Zero
	for _, p := range equity {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if !peak.IsPositive() {
			continue
		}
		if dd := peak.Sub(p.Equity).Div(peak); dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst.InexactFloat64()
}

// tradeStats scores SELL transactions, the only ones that realize P&L.
func tradeStats(txs []domain.Transaction) (winRate, profitFactor float64, closed int, realized float64) {
	var wins int
	grossProfit, grossLoss, total := decimal.Zero, decimal.Zero, decimal.Zero
	for _, tx := range txs {
		if tx.Side != domain.SideSell {
			continue
		}
		closed++
		total = total.Add(tx.RealizedPnL)
		switch {
		case tx.RealizedPnL.IsPositive():
			wins++
			grossProfit = grossProfit.Add(tx.RealizedPnL)
		case tx.RealizedPnL.IsNegative():
			grossLoss = grossLoss.Sub(tx.RealizedPnL)
		}
	}
	if closed == 0 {
		return 0, 0, 0, 0
	}
	winRate = float64(wins) / float64(closed)
	switch {
	case grossLoss.IsPositive():
		profitFactor = grossProfit.Div(grossLoss).InexactFloat64()
	case grossProfit.IsPositive():
		profitFactor = math.Inf(1)
	}
	return winRate, profitFactor, closed, total.InexactFloat64()
}
