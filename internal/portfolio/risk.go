package portfolio

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPositionLimit is returned by RiskManager.CheckBuy when an order would
// push a single position past the configured fraction of equity.
var ErrPositionLimit = errors.New("position size limit exceeded")

// LimitBasis selects which total equity the position-size limit is measured
// against.
type LimitBasis string

const (
	// LimitBasisPreTrade divides by total equity before the order.
	LimitBasisPreTrade LimitBasis = "pre_trade"
	// LimitBasisPostTrade divides by total equity after the order, which
	// differs from pre-trade equity only by the commission paid.
	LimitBasisPostTrade LimitBasis = "post_trade"
)

// ParseLimitBasis maps a config string to a LimitBasis. Empty selects
// LimitBasisPreTrade.
func ParseLimitBasis(s string) (LimitBasis, error) {
	switch LimitBasis(s) {
	case "", LimitBasisPreTrade:
		return LimitBasisPreTrade, nil
	case LimitBasisPostTrade:
		return LimitBasisPostTrade, nil
	default:
		return "", fmt.Errorf("%w: unknown limit basis %q", ErrInvalidConfig, s)
	}
}

// RiskManager enforces the pre-trade position sizing rule.
type RiskManager struct {
	maxPositionPct decimal.Decimal
	basis          LimitBasis
}

// NewRiskManager creates a RiskManager.
//
//   - maxPositionPct: maximum fraction of total equity allowed in a single
//     position (e.g. 0.25 for 25%).
//   - basis: whether the fraction is measured against pre- or post-trade
//     equity.
func NewRiskManager(maxPositionPct decimal.Decimal, basis LimitBasis) *RiskManager {
	return &RiskManager{
		maxPositionPct: maxPositionPct,
		basis:          basis,
	}
}

// MaxPositionValue is the largest value, commission included, a single
// position may reach given total equity before the trade.
func (rm *RiskManager) MaxPositionValue(equity, commission decimal.Decimal) decimal.Decimal {
	return rm.basisEquity(equity, commission).Mul(rm.maxPositionPct)
}

func (rm *RiskManager) basisEquity(equity, commission decimal.Decimal) decimal.Decimal {
	if rm.basis == LimitBasisPostTrade {
		return equity.Sub(commission)
	}
	return equity
}

// CheckBuy evaluates whether adding cost to a position currently worth
// existingValue stays within the limit, given total equity before the trade
// and the commission the trade pays.
func (rm *RiskManager) CheckBuy(existingValue, cost, equity, commission decimal.Decimal) error {
	newValue := existingValue.Add(cost)
	if !rm.basisEquity(equity, commission).IsPositive() {
		return fmt.Errorf("%w: position would be $%s with no equity to size against",
			ErrPositionLimit, newValue.StringFixed(2))
	}
	if maxAllowed := rm.MaxPositionValue(equity, commission); newValue.GreaterThan(maxAllowed) {
		return fmt.Errorf("%w: position would be $%s, max allowed $%s",
			ErrPositionLimit, newValue.StringFixed(2), maxAllowed.StringFixed(2))
	}
	return nil
}
