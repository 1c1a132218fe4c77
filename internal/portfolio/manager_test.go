package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/internal/domain"
)

var ts = time.Date(2024, 3, 1, 15, 59, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newManager(t *testing.T, cash, maxPos, commission string) *Manager {
	t.Helper()
	m, err := New(Config{
		InitialCash:        d(cash),
		MaxPositionSize:    d(maxPos),
		CommissionPerTrade: d(commission),
	})
	require.NoError(t, err)
	return m
}

type snapshot struct {
	cash         decimal.Decimal
	realized     decimal.Decimal
	positions    []domain.Position
	transactions []domain.Transaction
}

func takeSnapshot(m *Manager) snapshot {
	return snapshot{
		cash:         m.Cash(),
		realized:     m.RealizedPnL(),
		positions:    m.Positions(),
		transactions: m.Transactions(),
	}
}

func assertUnchanged(t *testing.T, before snapshot, m *Manager) {
	t.Helper()
	after := takeSnapshot(m)
	assert.True(t, before.cash.Equal(after.cash), "cash changed: %s -> %s", before.cash, after.cash)
	assert.True(t, before.realized.Equal(after.realized), "realized P&L changed")
	assert.Equal(t, before.positions, after.positions)
	assert.Equal(t, before.transactions, after.transactions)
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []Config{
		{InitialCash: d("-1"), MaxPositionSize: d("1")},
		{InitialCash: d("1000"), MaxPositionSize: d("0")},
		{InitialCash: d("1000"), MaxPositionSize: d("1.5")},
		{InitialCash: d("1000"), MaxPositionSize: d("1"), CommissionPerTrade: d("-0.01")},
		{InitialCash: d("1000"), MaxPositionSize: d("1"), LimitBasis: "sideways"},
	}
	for _, cfg := range cases {
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig, "config %+v", cfg)
	}
}

func TestExampleScenario(t *testing.T) {
	m := newManager(t, "100000", "1", "0")

	res, err := m.Buy(ts, "AAPL", 100, d("180.50"))
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Message)
	assert.True(t, m.Cash().Equal(d("81950.00")), "cash = %s", m.Cash())

	pos, ok := m.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, int64(100), pos.Quantity)
	assert.True(t, pos.AverageCost.Equal(d("180.50")), "average cost = %s", pos.AverageCost)

	require.NoError(t, m.UpdatePrices(map[string]decimal.Decimal{"AAPL": d("182.00")}))
	pos, _ = m.Position("AAPL")
	assert.True(t, pos.UnrealizedPnL().Equal(d("150.00")), "unrealized = %s", pos.UnrealizedPnL())

	res, err = m.Sell(ts.Add(time.Minute), "AAPL", 50, d("182.00"))
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Message)
	assert.True(t, m.RealizedPnL().Equal(d("75.00")), "realized = %s", m.RealizedPnL())
	assert.True(t, m.Cash().Equal(d("91050.00")), "cash = %s", m.Cash())
	assert.Equal(t, int64(50), m.Held("AAPL"))

	txns := m.Transactions()
	require.Len(t, txns, 2)
	assert.Equal(t, domain.SideBuy, txns[0].Side)
	assert.Equal(t, domain.SideSell, txns[1].Side)
	assert.True(t, txns[1].RealizedPnL.Equal(d("75")))
	assert.True(t, txns[1].CashAfter.Equal(d("91050")))
}

func TestRoundTripRestoresCash(t *testing.T) {
	m := newManager(t, "50000", "1", "0")
	before := m.Equity()

	res, err := m.Buy(ts, "MSFT", 37, d("403.17"))
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Message)
	res, err = m.Sell(ts, "MSFT", 37, d("403.17"))
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Message)

	assert.True(t, m.Cash().Equal(d("50000")), "cash = %s", m.Cash())
	assert.True(t, m.Equity().Equal(before), "equity = %s", m.Equity())
	_, ok := m.Position("MSFT")
	assert.False(t, ok, "closed position should be evicted")
	assert.True(t, m.RealizedPnL().IsZero())
}

func TestSellMoreThanHeld(t *testing.T) {
	m := newManager(t, "10000", "1", "1")
	_, err := m.Buy(ts, "AAPL", 10, d("100"))
	require.NoError(t, err)

	before := takeSnapshot(m)
	res, err := m.Sell(ts, "AAPL", 11, d("101"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, domain.RejectInsufficientShares, res.Reason)
	assertUnchanged(t, before, m)

	res, err = m.Sell(ts, "TSLA", 1, d("200"))
	require.NoError(t, err)
	assert.Equal(t, domain.RejectInsufficientShares, res.Reason)
	assertUnchanged(t, before, m)
}

func TestSellCommissionExceedsProceeds(t *testing.T) {
	m := newManager(t, "105", "1", "5")
	_, err := m.Buy(ts, "AAPL", 1, d("100"))
	require.NoError(t, err)
	require.True(t, m.Cash().IsZero())

	before := takeSnapshot(m)
	// 1 × 1 - 5 = -4 with no cash to absorb it.
	res, err := m.Sell(ts, "AAPL", 1, d("1"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, domain.RejectInsufficientFunds, res.Reason)
	assertUnchanged(t, before, m)
	assert.Equal(t, int64(1), m.Held("AAPL"))
}

func TestPositionHeadroom(t *testing.T) {
	m := newManager(t, "10000", "0.5", "0")
	assert.True(t, m.PositionHeadroom("AAPL").Equal(d("5000")))

	_, err := m.Buy(ts, "AAPL", 20, d("100"))
	require.NoError(t, err)
	assert.True(t, m.PositionHeadroom("AAPL").Equal(d("3000")))
	assert.True(t, m.PositionHeadroom("MSFT").Equal(d("5000")))
	assert.True(t, m.BuyingPower().Equal(d("8000")))
	assert.True(t, m.InitialCash().Equal(d("10000")))
}

func TestBuyInsufficientFunds(t *testing.T) {
	m := newManager(t, "1000", "1", "5")
	before := takeSnapshot(m)

	// 10 × 99.60 + 5 = 1001 > 1000.
	res, err := m.Buy(ts, "AAPL", 10, d("99.60"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, domain.RejectInsufficientFunds, res.Reason)
	assert.Contains(t, res.Message, "1001.00")
	assertUnchanged(t, before, m)

	// 10 × 99.50 + 5 = 1000 is allowed.
	res, err = m.Buy(ts, "AAPL", 10, d("99.50"))
	require.NoError(t, err)
	assert.True(t, res.Accepted, res.Message)
	assert.True(t, m.Cash().IsZero())
}

func TestBuyPositionLimit(t *testing.T) {
	m := newManager(t, "100000", "0.25", "0")
	before := takeSnapshot(m)

	res, err := m.Buy(ts, "AAPL", 200, d("130"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, domain.RejectPositionLimitExceeded, res.Reason)
	assertUnchanged(t, before, m)

	res, err = m.Buy(ts, "AAPL", 100, d("200"))
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Message)

	// Existing 20000 + 6000 = 26000 > 25000.
	before = takeSnapshot(m)
	res, err = m.Buy(ts, "AAPL", 30, d("200"))
	require.NoError(t, err)
	assert.Equal(t, domain.RejectPositionLimitExceeded, res.Reason)
	assertUnchanged(t, before, m)
}

func TestPositionLimitBasis(t *testing.T) {
	// 100 × 99.9 + 10 = 10000 exactly equals pre-trade equity; against
	// post-trade equity (9990) it is over the limit.
	pre, err := New(Config{InitialCash: d("10000"), MaxPositionSize: d("1"), CommissionPerTrade: d("10")})
	require.NoError(t, err)
	res, err := pre.Buy(ts, "AAPL", 100, d("99.9"))
	require.NoError(t, err)
	assert.True(t, res.Accepted, res.Message)

	post, err := New(Config{
		InitialCash:        d("10000"),
		MaxPositionSize:    d("1"),
		CommissionPerTrade: d("10"),
		LimitBasis:         LimitBasisPostTrade,
	})
	require.NoError(t, err)
	res, err = post.Buy(ts, "AAPL", 100, d("99.9"))
	require.NoError(t, err)
	assert.Equal(t, domain.RejectPositionLimitExceeded, res.Reason)
}

func TestPreconditionErrors(t *testing.T) {
	m := newManager(t, "1000", "1", "0")
	before := takeSnapshot(m)

	_, err := m.Buy(ts, "AAPL", 0, d("10"))
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = m.Buy(ts, "AAPL", -5, d("10"))
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = m.Buy(ts, "", 1, d("10"))
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = m.Buy(ts, "AAPL", 1, d("0"))
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = m.Sell(ts, "AAPL", 0, d("10"))
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.ErrorIs(t, m.UpdatePrices(map[string]decimal.Decimal{"AAPL": d("-1")}), ErrInvalidPrice)

	assertUnchanged(t, before, m)
}

func TestAverageCostWeighted(t *testing.T) {
	m := newManager(t, "100000", "1", "0")
	_, err := m.Buy(ts, "AAPL", 100, d("10"))
	require.NoError(t, err)
	_, err = m.Buy(ts, "AAPL", 300, d("14"))
	require.NoError(t, err)

	pos, ok := m.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, int64(400), pos.Quantity)
	assert.True(t, pos.AverageCost.Equal(d("13")), "average cost = %s", pos.AverageCost)

	_, err = m.Sell(ts, "AAPL", 400, d("12"))
	require.NoError(t, err)
	assert.True(t, m.RealizedPnL().Equal(d("-400")), "realized = %s", m.RealizedPnL())
	_, ok = m.Position("AAPL")
	assert.False(t, ok)
}

func TestUpdatePricesStaleTolerance(t *testing.T) {
	m := newManager(t, "100000", "1", "0")
	_, err := m.Buy(ts, "AAPL", 10, d("100"))
	require.NoError(t, err)
	_, err = m.Buy(ts, "MSFT", 10, d("300"))
	require.NoError(t, err)

	require.NoError(t, m.UpdatePrices(map[string]decimal.Decimal{"AAPL": d("110"), "GOOG": d("150")}))

	aapl, _ := m.Position("AAPL")
	msft, _ := m.Position("MSFT")
	assert.True(t, aapl.CurrentPrice.Equal(d("110")))
	assert.True(t, msft.CurrentPrice.Equal(d("300")), "MSFT price should be stale")
	_, ok := m.Position("GOOG")
	assert.False(t, ok, "UpdatePrices must not open positions")
}

func TestEquityIdentity(t *testing.T) {
	m := newManager(t, "25000", "1", "1.25")
	steps := []struct {
		buy   bool
		qty   int64
		price string
	}{
		{true, 10, "101.37"},
		{true, 5, "99.99"},
		{false, 7, "104.10"},
		{true, 20, "98.01"},
		{false, 28, "110.55"},
	}
	for _, s := range steps {
		var err error
		if s.buy {
			_, err = m.Buy(ts, "AAPL", s.qty, d(s.price))
		} else {
			_, err = m.Sell(ts, "AAPL", s.qty, d(s.price))
		}
		require.NoError(t, err)

		independent := m.Cash()
		for _, p := range m.Positions() {
			independent = independent.Add(p.CurrentPrice.Mul(decimal.NewFromInt(p.Quantity)))
		}
		assert.True(t, m.Equity().Equal(independent))
		assert.False(t, m.Cash().IsNegative())
	}
}

func TestCloseAll(t *testing.T) {
	m := newManager(t, "100000", "1", "0")
	_, err := m.Buy(ts, "AAPL", 10, d("100"))
	require.NoError(t, err)
	_, err = m.Buy(ts, "MSFT", 10, d("300"))
	require.NoError(t, err)

	results, err := m.CloseAll(ts, map[string]decimal.Decimal{"AAPL": d("105")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Accepted)
	assert.False(t, results[1].Accepted)
	assert.Contains(t, results[1].Message, "MSFT")

	assert.Equal(t, int64(0), m.Held("AAPL"))
	assert.Equal(t, int64(10), m.Held("MSFT"))
	assert.True(t, m.RealizedPnL().Equal(d("50")))

	res, err := m.ClosePosition(ts, "AAPL", d("1"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
}

func TestSummary(t *testing.T) {
	m := newManager(t, "100000", "1", "0")
	_, err := m.Buy(ts, "AAPL", 100, d("100"))
	require.NoError(t, err)
	require.NoError(t, m.UpdatePrices(map[string]decimal.Decimal{"AAPL": d("110")}))

	s := m.Summary()
	assert.True(t, s.Cash.Equal(d("90000")))
	assert.True(t, s.PositionsValue.Equal(d("11000")))
	assert.True(t, s.PortfolioValue.Equal(d("101000")))
	assert.True(t, s.UnrealizedPnL.Equal(d("1000")))
	assert.True(t, s.TotalPnLPct.Equal(d("1")))
	assert.Equal(t, 1, s.NumPositions)
	assert.Equal(t, 1, s.NumTransactions)

	// Queries must not mutate.
	assert.Equal(t, s, m.Summary())
}
