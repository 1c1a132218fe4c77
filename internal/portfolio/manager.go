// Package portfolio tracks cash, positions, and the transaction log of a
// simulated account, validating and executing orders against them.
package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
)

var (
	// ErrInvalidOrder marks a malformed order: non-positive quantity or an
	// empty symbol.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrInvalidPrice marks a missing or non-positive price.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidConfig marks a Config that cannot back a portfolio.
	ErrInvalidConfig = errors.New("invalid portfolio config")
)

var hundred = decimal.NewFromInt(100)

// Config holds the portfolio parameters.
type Config struct {
	InitialCash        decimal.Decimal
	MaxPositionSize    decimal.Decimal // fraction of total equity, 0 < f <= 1
	CommissionPerTrade decimal.Decimal
	LimitBasis         LimitBasis
}

// OrderResult reports the outcome of a validated order. A rejected order is
// a normal outcome, not an error.
type OrderResult struct {
	Accepted bool
	Reason   domain.RejectReason
	Message  string
}

func rejected(reason domain.RejectReason, format string, args ...any) OrderResult {
	return OrderResult{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Summary is a point-in-time view of the portfolio.
type Summary struct {
	Cash            decimal.Decimal
	PositionsValue  decimal.Decimal
	PortfolioValue  decimal.Decimal
	BuyingPower     decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	RealizedPnL     decimal.Decimal
	TotalPnL        decimal.Decimal
	TotalPnLPct     decimal.Decimal
	NumPositions    int
	NumTransactions int
}

// Manager owns the cash balance, open positions, and transaction log. It is
// not safe for concurrent use; each backtest run owns its own Manager.
type Manager struct {
	initialCash  decimal.Decimal
	commission   decimal.Decimal
	risk         *RiskManager
	cash         decimal.Decimal
	realizedPnL  decimal.Decimal
	positions    map[string]*domain.Position
	transactions []domain.Transaction
}

// New validates cfg and returns an empty portfolio holding only cash.
func New(cfg Config) (*Manager, error) {
	if cfg.InitialCash.IsNegative() {
		return nil, fmt.Errorf("%w: initial cash %s is negative", ErrInvalidConfig, cfg.InitialCash)
	}
	if !cfg.MaxPositionSize.IsPositive() || cfg.MaxPositionSize.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: max position size %s not in (0, 1]", ErrInvalidConfig, cfg.MaxPositionSize)
	}
	if cfg.CommissionPerTrade.IsNegative() {
		return nil, fmt.Errorf("%w: commission %s is negative", ErrInvalidConfig, cfg.CommissionPerTrade)
	}
	basis, err := ParseLimitBasis(string(cfg.LimitBasis))
	if err != nil {
		return nil, err
	}

	return &Manager{
		initialCash: cfg.InitialCash,
		commission:  cfg.CommissionPerTrade,
		risk:        NewRiskManager(cfg.MaxPositionSize, basis),
		cash:        cfg.InitialCash,
		positions:   make(map[string]*domain.Position),
	}, nil
}

// cents rounds a money amount at a transaction boundary.
func cents(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

func validateOrder(symbol string, qty int64, price decimal.Decimal) error {
	if symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: quantity %d must be positive", ErrInvalidOrder, qty)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s price %s must be positive", ErrInvalidPrice, symbol, price)
	}
	return nil
}

// Buy purchases qty shares of symbol at price. Validation failures come back
// as a rejected OrderResult with state untouched; malformed input is an error.
func (m *Manager) Buy(ts time.Time, symbol string, qty int64, price decimal.Decimal) (OrderResult, error) {
	if err := validateOrder(symbol, qty, price); err != nil {
		return OrderResult{}, err
	}

	quantity := decimal.NewFromInt(qty)
	cost := cents(quantity.Mul(price).Add(m.commission))
	if cost.GreaterThan(m.cash) {
		return rejected(domain.RejectInsufficientFunds,
			"Insufficient funds: need $%s, have $%s", cost.StringFixed(2), m.cash.StringFixed(2)), nil
	}

	var existingValue decimal.Decimal
	if pos, ok := m.positions[symbol]; ok {
		existingValue = pos.MarketValue()
	}
	if err := m.risk.CheckBuy(existingValue, cost, m.Equity(), m.commission); err != nil {
		return rejected(domain.RejectPositionLimitExceeded, "%s", capitalize(err.Error())), nil
	}

	m.cash = m.cash.Sub(cost)

	pos, ok := m.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol}
		m.positions[symbol] = pos
	}
	totalQty := pos.Quantity + qty
	pos.AverageCost = pos.CostBasis().Add(quantity.Mul(price)).Div(decimal.NewFromInt(totalQty))
	pos.Quantity = totalQty
	pos.CurrentPrice = price

	m.transactions = append(m.transactions, domain.Transaction{
		Timestamp:  ts,
		Symbol:     symbol,
		Side:       domain.SideBuy,
		Quantity:   qty,
		Price:      price,
		Commission: m.commission,
		CashAfter:  m.cash,
	})

	return OrderResult{
		Accepted: true,
		Message:  fmt.Sprintf("Bought %d shares of %s @ $%s", qty, symbol, price.StringFixed(2)),
	}, nil
}

// Sell disposes of qty shares of symbol at price. Short selling is not
// allowed.
func (m *Manager) Sell(ts time.Time, symbol string, qty int64, price decimal.Decimal) (OrderResult, error) {
	if err := validateOrder(symbol, qty, price); err != nil {
		return OrderResult{}, err
	}

	pos, ok := m.positions[symbol]
	var held int64
	if ok {
		held = pos.Quantity
	}
	if qty > held {
		return rejected(domain.RejectInsufficientShares,
			"Insufficient shares: trying to sell %d %s, but only have %d", qty, symbol, held), nil
	}

	quantity := decimal.NewFromInt(qty)
	proceeds := cents(quantity.Mul(price).Sub(m.commission))
	cashAfter := m.cash.Add(proceeds)
	if cashAfter.IsNegative() {
		return rejected(domain.RejectInsufficientFunds,
			"Insufficient funds: commission $%s exceeds proceeds and cash", m.commission.StringFixed(2)), nil
	}
	realized := cents(price.Sub(pos.AverageCost).Mul(quantity))

	m.cash = cashAfter
	m.realizedPnL = m.realizedPnL.Add(realized)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Quantity -= qty
	if pos.Quantity == 0 {
		delete(m.positions, symbol)
	} else {
		pos.CurrentPrice = price
	}

	m.transactions = append(m.transactions, domain.Transaction{
		Timestamp:   ts,
		Symbol:      symbol,
		Side:        domain.SideSell,
		Quantity:    qty,
		Price:       price,
		Commission:  m.commission,
		CashAfter:   m.cash,
		RealizedPnL: realized,
	})

	return OrderResult{
		Accepted: true,
		Message: fmt.Sprintf("Sold %d shares of %s @ $%s, realized P&L: $%s",
			qty, symbol, price.StringFixed(2), realized.StringFixed(2)),
	}, nil
}

// ClosePosition sells the entire holding in symbol at price.
func (m *Manager) ClosePosition(ts time.Time, symbol string, price decimal.Decimal) (OrderResult, error) {
	pos, ok := m.positions[symbol]
	if !ok {
		return OrderResult{Message: fmt.Sprintf("No position in %s", symbol)}, nil
	}
	return m.Sell(ts, symbol, pos.Quantity, price)
}

// CloseAll closes every open position that has a price in prices, in symbol
// order. Positions without a price are left open.
func (m *Manager) CloseAll(ts time.Time, prices map[string]decimal.Decimal) ([]OrderResult, error) {
	symbols := make([]string, 0, len(m.positions))
	for sym := range m.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	results := make([]OrderResult, 0, len(symbols))
	for _, sym := range symbols {
		price, ok := prices[sym]
		if !ok {
			results = append(results, OrderResult{Message: fmt.Sprintf("No price provided for %s, skipping", sym)})
			continue
		}
		res, err := m.ClosePosition(ts, sym, price)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// UpdatePrices marks held positions to the given prices. Symbols without a
// quote keep their previous price. Either every price is applied or, if any
// is non-positive, none is.
func (m *Manager) UpdatePrices(prices map[string]decimal.Decimal) error {
	for sym, price := range prices {
		if !price.IsPositive() {
			return fmt.Errorf("%w: %s price %s must be positive", ErrInvalidPrice, sym, price)
		}
	}
	for sym, pos := range m.positions {
		if price, ok := prices[sym]; ok {
			pos.CurrentPrice = price
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Read-only queries
// ---------------------------------------------------------------------------

// InitialCash returns the starting cash balance.
func (m *Manager) InitialCash() decimal.Decimal { return m.initialCash }

// Commission returns the flat fee charged per trade.
func (m *Manager) Commission() decimal.Decimal { return m.commission }

// Cash returns the current cash balance.
func (m *Manager) Cash() decimal.Decimal { return m.cash }

// BuyingPower is the cash available for new purchases.
func (m *Manager) BuyingPower() decimal.Decimal { return m.cash }

// PositionHeadroom is how much more, commission included, can go into symbol
// before the position-size limit rejects the order. It can be negative when
// prices have moved a position past the limit.
func (m *Manager) PositionHeadroom(symbol string) decimal.Decimal {
	headroom := m.risk.MaxPositionValue(m.Equity(), m.commission)
	if pos, ok := m.positions[symbol]; ok {
		headroom = headroom.Sub(pos.MarketValue())
	}
	return headroom
}

// PositionsValue is the market value of all open positions.
func (m *Manager) PositionsValue() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range m.positions {
		total = total.Add(pos.MarketValue())
	}
	return total
}

// Equity is cash plus the market value of all open positions.
func (m *Manager) Equity() decimal.Decimal {
	return m.cash.Add(m.PositionsValue())
}

// RealizedPnL is the P&L locked in by sells so far.
func (m *Manager) RealizedPnL() decimal.Decimal { return m.realizedPnL }

// UnrealizedPnL is the P&L of open positions at their current prices.
func (m *Manager) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range m.positions {
		total = total.Add(pos.UnrealizedPnL())
	}
	return total
}

// Position returns a copy of the holding in symbol. The second return value
// is false when the position is flat.
func (m *Manager) Position(symbol string) (domain.Position, bool) {
	pos, ok := m.positions[symbol]
	if !ok {
		return domain.Position{Symbol: symbol}, false
	}
	return *pos, true
}

// Held returns the share count held in symbol.
func (m *Manager) Held(symbol string) int64 {
	if pos, ok := m.positions[symbol]; ok {
		return pos.Quantity
	}
	return 0
}

// Positions returns copies of all open positions sorted by symbol.
func (m *Manager) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Transactions returns a copy of the transaction log in execution order.
func (m *Manager) Transactions() []domain.Transaction {
	out := make([]domain.Transaction, len(m.transactions))
	copy(out, m.transactions)
	return out
}

// Summary returns the headline portfolio figures.
func (m *Manager) Summary() Summary {
	unrealized := m.UnrealizedPnL()
	total := m.realizedPnL.Add(unrealized)
	var pct decimal.Decimal
	if m.initialCash.IsPositive() {
		pct = total.Div(m.initialCash).Mul(hundred)
	}
	positionsValue := m.PositionsValue()
	return Summary{
		Cash:            m.cash,
		PositionsValue:  positionsValue,
		PortfolioValue:  m.cash.Add(positionsValue),
		BuyingPower:     m.cash,
		UnrealizedPnL:   unrealized,
		RealizedPnL:     m.realizedPnL,
		TotalPnL:        total,
		TotalPnLPct:     pct,
		NumPositions:    len(m.positions),
		NumTransactions: len(m.transactions),
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
