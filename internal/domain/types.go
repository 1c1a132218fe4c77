// Package domain defines the core value types shared across the backtester:
// bars, signals, positions, transactions, and equity snapshots.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Bar is one OHLCV record for a fixed time interval.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     int64
	TradeCount int64
	VWAP       decimal.Decimal
}

// Validate checks that every price is positive, the range is consistent, and
// the volume is non-negative. VWAP is optional.
func (b Bar) Validate() error {
	for _, f := range []struct {
		name string
		v    decimal.Decimal
	}{{"open", b.Open}, {"high", b.High}, {"low", b.Low}, {"close", b.Close}} {
		if !f.v.IsPositive() {
			return fmt.Errorf("%s price %s must be positive", f.name, f.v)
		}
	}
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("high %s below low %s", b.High, b.Low)
	}
	if b.Volume < 0 {
		return fmt.Errorf("volume %d is negative", b.Volume)
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("timestamp missing")
	}
	return nil
}

// Side is the direction of an executed trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Action is the decision a strategy takes on a bar.
type Action string

const (
	ActionHold Action = "HOLD"
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Signal is a strategy decision for the current bar. Quantity is a hint; zero
// lets the backtester size the order.
type Signal struct {
	Action   Action
	Quantity int64
	Reason   string
}

// Hold is the no-op signal.
var Hold = Signal{Action: ActionHold}

// Position is the current holding of one instrument. Positions are long-only,
// so Quantity is never negative.
type Position struct {
	Symbol       string
	Quantity     int64
	AverageCost  decimal.Decimal
	CurrentPrice decimal.Decimal
	RealizedPnL  decimal.Decimal
}

// MarketValue is Quantity × CurrentPrice.
func (p Position) MarketValue() decimal.Decimal {
	return p.CurrentPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// CostBasis is Quantity × AverageCost.
func (p Position) CostBasis() decimal.Decimal {
	return p.AverageCost.Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPnL is (CurrentPrice − AverageCost) × Quantity. It is zero for a
// flat position.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.Quantity == 0 {
		return decimal.Zero
	}
	return p.CurrentPrice.Sub(p.AverageCost).Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPnLPct is the unrealized P&L as a percentage of cost basis.
func (p Position) UnrealizedPnLPct() decimal.Decimal {
	basis := p.CostBasis()
	if basis.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL().Div(basis).Mul(decimal.NewFromInt(100))
}

// Transaction is an executed trade. RealizedPnL is only set on sells.
type Transaction struct {
	Timestamp   time.Time
	Symbol      string
	Side        Side
	Quantity    int64
	Price       decimal.Decimal
	Commission  decimal.Decimal
	CashAfter   decimal.Decimal
	RealizedPnL decimal.Decimal
}

// TotalValue is the cash impact of the trade: notional plus commission for a
// buy, notional minus commission for a sell.
func (t Transaction) TotalValue() decimal.Decimal {
	notional := t.Price.Mul(decimal.NewFromInt(t.Quantity))
	if t.Side == SideBuy {
		return notional.Add(t.Commission)
	}
	return notional.Sub(t.Commission)
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp      time.Time
	Equity         decimal.Decimal
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
}

// RejectReason classifies an order that failed validation.
type RejectReason string

const (
	RejectNone                  RejectReason = ""
	RejectInsufficientFunds     RejectReason = "insufficient_funds"
	RejectInsufficientShares    RejectReason = "insufficient_shares"
	RejectPositionLimitExceeded RejectReason = "position_limit_exceeded"
)

// Rejection records an order the portfolio refused during a run.
type Rejection struct {
	Timestamp time.Time
	Symbol    string
	Side      Side
	Quantity  int64
	Price     decimal.Decimal
	Reason    RejectReason
	Message   string
}
