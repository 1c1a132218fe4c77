package builtins

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It generates
// a buy signal when the short-period SMA crosses above the long-period SMA,
// and a sell signal when it crosses below.
type SMACross struct {
	shortPeriod int
	longPeriod  int

	prices    *window
	prevShort decimal.Decimal
	prevLong  decimal.Decimal
	havePrev  bool
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods.
func NewSMACross(short, long int) (*SMACross, error) {
	if short < 1 || long <= short {
		return nil, fmt.Errorf("sma-cross: need 1 <= short < long, got %d/%d", short, long)
	}
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		prices:      newWindow(long),
	}, nil
}

// Name returns "sma-cross(short/long)".
func (s *SMACross) Name() string {
	return fmt.Sprintf("sma-cross(%d/%d)", s.shortPeriod, s.longPeriod)
}

// Init clears the price window.
func (s *SMACross) Init(_ context.Context) error {
	s.prices.reset()
	s.prevShort, s.prevLong, s.havePrev = decimal.Zero, decimal.Zero, false
	return nil
}

// Decide feeds the current close into the window and signals on a cross.
func (s *SMACross) Decide(h domain.History) (domain.Signal, error) {
	s.prices.push(h.Last().Close)
	if !s.prices.full() {
		return domain.Hold, nil
	}

	short := s.prices.meanLast(s.shortPeriod)
	long := s.prices.mean()
	prevShort, prevLong, havePrev := s.prevShort, s.prevLong, s.havePrev
	s.prevShort, s.prevLong, s.havePrev = short, long, true
	if !havePrev {
		return domain.Hold, nil
	}

	switch {
	case prevShort.LessThanOrEqual(prevLong) && short.GreaterThan(long):
		return domain.Signal{
			Action: domain.ActionBuy,
			Reason: fmt.Sprintf("SMA crossover: buy signal (%s > %s)", short.StringFixed(2), long.StringFixed(2)),
		}, nil
	case prevShort.GreaterThanOrEqual(prevLong) && short.LessThan(long):
		return domain.Signal{
			Action: domain.ActionSell,
			Reason: fmt.Sprintf("SMA crossover: sell signal (%s < %s)", short.StringFixed(2), long.StringFixed(2)),
		}, nil
	}
	return domain.Hold, nil
}
