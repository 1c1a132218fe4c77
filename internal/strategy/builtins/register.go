// Package builtins provides the strategy implementations that ship with the
// backtester and registers them by name.
package builtins

import "backtester/internal/strategy"

// Register adds every built-in strategy to reg. Parameters missing from
// config take the defaults below.
func Register(reg *strategy.Registry) {
	reg.Register("buy-and-hold", func(_ strategy.Params) (strategy.Strategy, error) {
		return NewBuyAndHold(), nil
	})
	reg.Register("sma-cross", func(p strategy.Params) (strategy.Strategy, error) {
		return NewSMACross(p.Int("short", 20), p.Int("long", 50))
	})
	reg.Register("rsi", func(p strategy.Params) (strategy.Strategy, error) {
		return NewRSI(p.Int("period", 14), p.Float("oversold", 30), p.Float("overbought", 70))
	})
	reg.Register("momentum", func(p strategy.Params) (strategy.Strategy, error) {
		return NewMomentum(p.Int("lookback", 20), p.Int("confirm", 1))
	})
}

// NewRegistry returns a registry holding all built-in strategies.
func NewRegistry() *strategy.Registry {
	reg := strategy.NewRegistry()
	Register(reg)
	return reg
}
