package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/portfolio"
)

// BacktestResult is the full output of one run: the equity curve, the
// transaction log, rejected orders, and summary metrics.
type BacktestResult struct {
	Strategy string
	Symbol   string
	Config   Config
	Start    time.Time
	End      time.Time

	Equity         []domain.EquityPoint
	Transactions   []domain.Transaction
	Rejections     []domain.Rejection
	FinalPositions []domain.Position
	Portfolio      portfolio.Summary

	Metrics Metrics
}

func (r *BacktestResult) reject(log *slog.Logger, bar domain.Bar, symbol string, side domain.Side, qty int64, or portfolio.OrderResult) {
	r.Rejections = append(r.Rejections, domain.Rejection{
		Timestamp: bar.Timestamp,
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     bar.Close,
		Reason:    or.Reason,
		Message:   or.Message,
	})
	log.Debug("order rejected",
		"time", bar.Timestamp,
		"side", side,
		"qty", qty,
		"reason", or.Reason,
		"message", or.Message,
	)
}

// Returns returns the per-step relative changes of the equity curve.
func (r *BacktestResult) Returns() []float64 {
	return equityReturns(r.Equity)
}

// Map returns the metrics keyed by name.
func (r *BacktestResult) Map() map[string]float64 {
	return r.Metrics.Map()
}

// Summary renders a human-readable report of the run.
func (r *BacktestResult) Summary() string {
	m := r.Metrics
	var b strings.Builder
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "BACKTEST RESULTS: %s on %s\n", r.Strategy, r.Symbol)
	fmt.Fprintln(&b, rule)
	if !r.Start.IsZero() {
		fmt.Fprintf(&b, "Period:            %s to %s (%d bars)\n",
			r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly), m.Steps)
	}
	fmt.Fprintf(&b, "Initial Capital:   $%s\n", decimal.NewFromFloat(m.InitialCapital).StringFixed(2))
	fmt.Fprintf(&b, "Final Equity:      $%s\n", decimal.NewFromFloat(m.FinalEquity).StringFixed(2))
	fmt.Fprintf(&b, "Total Return:      %s\n", pct(m.TotalReturn))
	fmt.Fprintf(&b, "Annualized Return: %s\n", pct(m.AnnualizedReturn))
	fmt.Fprintf(&b, "Sharpe Ratio:      %s\n", FormatRatio(m.SharpeRatio))
	fmt.Fprintf(&b, "Sortino Ratio:     %s\n", FormatRatio(m.SortinoRatio))
	fmt.Fprintf(&b, "Max Drawdown:      %s\n", pct(m.MaxDrawdown))
	fmt.Fprintf(&b, "Total Trades:      %d (%d closed)\n", m.TotalTrades, m.ClosedTrades)
	fmt.Fprintf(&b, "Win Rate:          %s\n", pct(m.WinRate))
	fmt.Fprintf(&b, "Profit Factor:     %s\n", FormatRatio(m.ProfitFactor))
	fmt.Fprintf(&b, "Realized P&L:      $%s\n", decimal.NewFromFloat(m.RealizedPnL).StringFixed(2))
	if len(r.Rejections) > 0 {
		fmt.Fprintf(&b, "Rejected Orders:   %d\n", len(r.Rejections))
	}
	fmt.Fprintln(&b, rule)
	return b.String()
}

func pct(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", v*100)
}

// FormatRatio renders a ratio metric to two places, with n/a for NaN and inf
// for +Inf.
func FormatRatio(v float64) string {
	switch {
	case math.IsNaN(v):
		return "n/a"
	case math.IsInf(v, 1):
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}
