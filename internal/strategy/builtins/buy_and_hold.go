package builtins

import (
	"context"

	"backtester/internal/domain"
	"backtester/internal/strategy"
)

var _ strategy.Strategy = (*BuyAndHold)(nil)

// BuyAndHold signals BUY on every bar. With pyramiding disabled the
// backtester fills only the first one, so the position is bought once and
// held to the end.
type BuyAndHold struct{}

// NewBuyAndHold creates a BuyAndHold strategy.
func NewBuyAndHold() *BuyAndHold { return &BuyAndHold{} }

// Name returns "buy-and-hold".
func (s *BuyAndHold) Name() string { return "buy-and-hold" }

// Init is a no-op; the strategy is stateless.
func (s *BuyAndHold) Init(_ context.Context) error { return nil }

// Decide always returns BUY.
func (s *BuyAndHold) Decide(_ domain.History) (domain.Signal, error) {
	return domain.Signal{Action: domain.ActionBuy, Reason: "buy and hold"}, nil
}
