package builtins

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/strategy"
)

var _ strategy.Strategy = (*RSI)(nil)

var hundred = decimal.NewFromInt(100)

// RSI is a mean-reversion strategy on the relative strength index. It buys
// when RSI falls below the oversold level and sells above overbought.
type RSI struct {
	period     int
	oversold   decimal.Decimal
	overbought decimal.Decimal
	prices     *window
}

// NewRSI creates an RSI strategy. RSI uses the simple average of the last
// period price changes.
func NewRSI(period int, oversold, overbought float64) (*RSI, error) {
	if period < 1 {
		return nil, fmt.Errorf("rsi: period %d must be positive", period)
	}
	if oversold < 0 || overbought > 100 || oversold >= overbought {
		return nil, fmt.Errorf("rsi: need 0 <= oversold < overbought <= 100, got %v/%v", oversold, overbought)
	}
	return &RSI{
		period:     period,
		oversold:   decimal.NewFromFloat(oversold),
		overbought: decimal.NewFromFloat(overbought),
		prices:     newWindow(period + 1),
	}, nil
}

// Name returns "rsi(period)".
func (s *RSI) Name() string { return fmt.Sprintf("rsi(%d)", s.period) }

// Init clears the price window.
func (s *RSI) Init(_ context.Context) error {
	s.prices.reset()
	return nil
}

// Value returns the current RSI and whether enough bars have been seen.
func (s *RSI) Value() (decimal.Decimal, bool) {
	if !s.prices.full() {
		return decimal.Zero, false
	}
	gain, loss := decimal.Zero, decimal.Zero
	for i := 1; i <= s.period; i++ {
		ch := s.prices.at(i).Sub(s.prices.at(i - 1))
		if ch.IsPositive() {
			gain = gain.Add(ch)
		} else {
			loss = loss.Sub(ch)
		}
	}
	if loss.IsZero() {
		return hundred, true
	}
	// The 1/period factors cancel in gain/loss.
	rs := gain.Div(loss)
	return hundred.Sub(hundred.Div(rs.Add(decimal.NewFromInt(1)))), true
}

// Decide feeds the current close and compares RSI to the thresholds.
func (s *RSI) Decide(h domain.History) (domain.Signal, error) {
	s.prices.push(h.Last().Close)
	rsi, ok := s.Value()
	if !ok {
		return domain.Hold, nil
	}
	switch {
	case rsi.LessThan(s.oversold):
		return domain.Signal{
			Action: domain.ActionBuy,
			Reason: fmt.Sprintf("RSI oversold: %s < %s", rsi.StringFixed(2), s.oversold),
		}, nil
	case rsi.GreaterThan(s.overbought):
		return domain.Signal{
			Action: domain.ActionSell,
			Reason: fmt.Sprintf("RSI overbought: %s > %s", rsi.StringFixed(2), s.overbought),
		}, nil
	}
	return domain.Hold, nil
}
