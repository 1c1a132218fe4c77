package builtins

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/strategy"
)

var _ strategy.Strategy = (*Momentum)(nil)

// Momentum buys once the lookback return has been positive for confirm
// consecutive bars and sells when it turns negative.
type Momentum struct {
	lookback int
	confirm  int

	prices *window
	streak int
}

// NewMomentum creates a Momentum strategy. confirm below 1 is treated as 1.
func NewMomentum(lookback, confirm int) (*Momentum, error) {
	if lookback < 1 {
		return nil, fmt.Errorf("momentum: lookback %d must be positive", lookback)
	}
	if confirm < 1 {
		confirm = 1
	}
	return &Momentum{
		lookback: lookback,
		confirm:  confirm,
		prices:   newWindow(lookback + 1),
	}, nil
}

// Name returns "momentum(lookback)".
func (s *Momentum) Name() string {
	if s.confirm > 1 {
		return fmt.Sprintf("momentum(%d,%d)", s.lookback, s.confirm)
	}
	return fmt.Sprintf("momentum(%d)", s.lookback)
}

// Init clears the price window and the streak.
func (s *Momentum) Init(_ context.Context) error {
	s.prices.reset()
	s.streak = 0
	return nil
}

// Decide computes the lookback return ending at the current bar.
func (s *Momentum) Decide(h domain.History) (domain.Signal, error) {
	s.prices.push(h.Last().Close)
	if !s.prices.full() {
		return domain.Hold, nil
	}
	base, cur := s.prices.at(0), s.prices.at(s.lookback)
	mom := cur.Div(base).Sub(decimal.NewFromInt(1)).Mul(hundred)

	switch {
	case mom.IsPositive():
		s.streak++
		if s.streak >= s.confirm {
			return domain.Signal{
				Action: domain.ActionBuy,
				Reason: fmt.Sprintf("Positive momentum: %s%%", mom.StringFixed(2)),
			}, nil
		}
	case mom.IsNegative():
		s.streak = 0
		return domain.Signal{
			Action: domain.ActionSell,
			Reason: fmt.Sprintf("Negative momentum: %s%%", mom.StringFixed(2)),
		}, nil
	default:
		s.streak = 0
	}
	return domain.Hold, nil
}
