package strategy_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/internal/domain"
	"backtester/internal/portfolio"
	"backtester/internal/strategy"
	"backtester/internal/strategy/builtins"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func makeBars(closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		p := decimal.NewFromFloat(c)
		bars[i] = domain.Bar{
			Symbol: "TEST", Timestamp: day0.AddDate(0, 0, i),
			Open: p, High: p, Low: p, Close: p, Volume: 1000,
		}
	}
	return bars
}

// scripted returns a fixed signal per bar and records what it was shown.
type scripted struct {
	signals []domain.Signal
	seen    []int
}

func (s *scripted) Name() string { return "scripted" }
func (s *scripted) Init(_ context.Context) error {
	s.seen = nil
	return nil
}
func (s *scripted) Decide(h domain.History) (domain.Signal, error) {
	i := h.Len() - 1
	s.seen = append(s.seen, h.Len())
	if i < len(s.signals) {
		return s.signals[i], nil
	}
	return domain.Hold, nil
}

func newBacktester(t *testing.T, mutate func(*strategy.Config)) *strategy.Backtester {
	t.Helper()
	cfg := strategy.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	bt, err := strategy.NewBacktester(cfg, nil)
	require.NoError(t, err)
	return bt
}

func TestBuyAndHoldReturn(t *testing.T) {
	bt := newBacktester(t, func(c *strategy.Config) { c.PeriodsPerYear = 6 })
	res, err := bt.Run(context.Background(), builtins.NewBuyAndHold(), "TEST",
		makeBars(100, 110, 120, 130, 140, 150))
	require.NoError(t, err)

	require.Len(t, res.Transactions, 1)
	assert.Equal(t, int64(1000), res.Transactions[0].Quantity)
	assert.Len(t, res.Equity, 6)
	assert.True(t, res.Equity[5].Equity.Equal(decimal.NewFromInt(150000)))

	m := res.Metrics
	assert.InDelta(t, 0.5, m.TotalReturn, 1e-12)
	assert.InDelta(t, 0.5, m.AnnualizedReturn, 1e-9)
	assert.Equal(t, 0.0, m.MaxDrawdown)
	assert.Equal(t, 1, m.TotalTrades)
	assert.Equal(t, 0, m.ClosedTrades)
	assert.Equal(t, 0.0, m.WinRate)
	assert.Equal(t, 0.5, res.Map()["total_return"])

	// Position stays open; no automatic liquidation.
	require.Len(t, res.FinalPositions, 1)
	assert.Equal(t, int64(1000), res.FinalPositions[0].Quantity)
}

func TestLiquidateAtEnd(t *testing.T) {
	bt := newBacktester(t, func(c *strategy.Config) { c.LiquidateAtEnd = true })
	res, err := bt.Run(context.Background(), builtins.NewBuyAndHold(), "TEST",
		makeBars(100, 120, 150))
	require.NoError(t, err)

	assert.Empty(t, res.FinalPositions)
	require.Len(t, res.Transactions, 2)
	assert.Equal(t, domain.SideSell, res.Transactions[1].Side)
	assert.Equal(t, 1, res.Metrics.ClosedTrades)
	assert.Equal(t, 1.0, res.Metrics.WinRate)
	assert.Equal(t, 50000.0, res.Metrics.RealizedPnL)
	assert.True(t, math.IsInf(res.Metrics.ProfitFactor, 1))
	assert.True(t, res.Equity[2].Cash.Equal(decimal.NewFromInt(150000)))
}

func TestEquityIdentity(t *testing.T) {
	bt := newBacktester(t, func(c *strategy.Config) {
		c.CommissionPerTrade = decimal.RequireFromString("1.25")
		c.PositionSize = decimal.RequireFromString("0.95")
	})
	s, err := builtins.NewSMACross(2, 4)
	require.NoError(t, err)
	res, err := bt.Run(context.Background(), s, "TEST",
		makeBars(50, 49.5, 48.2, 47.9, 49.1, 51.3, 52.7, 51.9, 50.2, 48.8, 47.3, 49.9, 52.2, 53.4))
	require.NoError(t, err)
	require.NotEmpty(t, res.Transactions)

	for i, p := range res.Equity {
		assert.True(t, p.Equity.Equal(p.Cash.Add(p.PositionsValue)), "point %d", i)
		assert.False(t, p.Cash.IsNegative(), "point %d", i)
	}
}

func TestDeterministic(t *testing.T) {
	bars := makeBars(50, 49.5, 48.2, 47.9, 49.1, 51.3, 52.7, 51.9, 50.2, 48.8, 47.3, 49.9, 52.2, 53.4)
	bt := newBacktester(t, nil)
	s, err := builtins.NewSMACross(2, 4)
	require.NoError(t, err)

	first, err := bt.Run(context.Background(), s, "TEST", bars)
	require.NoError(t, err)
	second, err := bt.Run(context.Background(), s, "TEST", bars)
	require.NoError(t, err)

	assert.Equal(t, first.Equity, second.Equity)
	assert.Equal(t, first.Transactions, second.Transactions)
	assert.Equal(t, first.Rejections, second.Rejections)
	assert.Equal(t, first.Metrics.TotalReturn, second.Metrics.TotalReturn)
}

func TestWarmupDiscardsSignals(t *testing.T) {
	bt := newBacktester(t, func(c *strategy.Config) { c.WarmupPeriod = 3 })
	s := &scripted{signals: []domain.Signal{
		{Action: domain.ActionBuy}, {Action: domain.ActionBuy}, {Action: domain.ActionBuy},
		{Action: domain.ActionBuy},
	}}
	res, err := bt.Run(context.Background(), s, "TEST", makeBars(10, 11, 12, 13, 14))
	require.NoError(t, err)

	// Decide still sees every bar, with history growing one bar at a time.
	assert.Equal(t, []int{1, 2, 3, 4, 5}, s.seen)
	assert.Len(t, res.Equity, 2)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, day0.AddDate(0, 0, 3), res.Transactions[0].Timestamp)
	assert.Equal(t, day0.AddDate(0, 0, 3), res.Start)
}

func TestRejectionLogged(t *testing.T) {
	bt := newBacktester(t, nil)
	s := &scripted{signals: []domain.Signal{{Action: domain.ActionBuy, Quantity: 10000}}}
	res, err := bt.Run(context.Background(), s, "TEST", makeBars(100, 101, 102))
	require.NoError(t, err)

	require.Len(t, res.Rejections, 1)
	rj := res.Rejections[0]
	assert.Equal(t, domain.RejectInsufficientFunds, rj.Reason)
	assert.Equal(t, domain.SideBuy, rj.Side)
	assert.Equal(t, int64(10000), rj.Quantity)
	assert.NotEmpty(t, rj.Message)

	assert.Empty(t, res.Transactions)
	require.Len(t, res.Equity, 3)
	for _, p := range res.Equity {
		assert.True(t, p.Equity.Equal(decimal.NewFromInt(100000)))
	}
}

func TestPositionLimitSizing(t *testing.T) {
	bt := newBacktester(t, func(c *strategy.Config) {
		c.MaxPositionSize = decimal.RequireFromString("0.25")
	})
	res, err := bt.Run(context.Background(), builtins.NewBuyAndHold(), "TEST", makeBars(100, 100))
	require.NoError(t, err)

	require.Len(t, res.Transactions, 1)
	assert.Equal(t, int64(250), res.Transactions[0].Quantity)
	assert.Empty(t, res.Rejections)
}

func TestPositionLimitSizingPostTrade(t *testing.T) {
	for _, pyramid := range []bool{false, true} {
		bt := newBacktester(t, func(c *strategy.Config) {
			c.MaxPositionSize = decimal.RequireFromString("0.5")
			c.CommissionPerTrade = decimal.NewFromInt(10)
			c.LimitBasis = portfolio.LimitBasisPostTrade
			c.AllowPyramiding = pyramid
		})
		assert.Equal(t, portfolio.LimitBasisPostTrade, bt.Config().LimitBasis)

		buy := domain.Signal{Action: domain.ActionBuy}
		strat := &scripted{signals: []domain.Signal{buy, buy, buy}}
		res, err := bt.Run(context.Background(), strat, "TEST", makeBars(10, 11, 12))
		require.NoError(t, err)

		// (100000 - 10) × 0.5 = 49995 leaves room for 4998 shares plus commission.
		require.Len(t, res.Transactions, 1, "pyramiding=%v", pyramid)
		assert.Equal(t, int64(4998), res.Transactions[0].Quantity)
		assert.Empty(t, res.Rejections, "pyramiding=%v", pyramid)
	}
}

func TestSellCappedToHolding(t *testing.T) {
	bt := newBacktester(t, nil)
	s := &scripted{signals: []domain.Signal{
		{Action: domain.ActionSell}, // nothing held: skipped
		{Action: domain.ActionBuy, Quantity: 10},
		{Action: domain.ActionSell, Quantity: 50},
	}}
	res, err := bt.Run(context.Background(), s, "TEST", makeBars(10, 10, 12))
	require.NoError(t, err)

	require.Len(t, res.Transactions, 2)
	assert.Equal(t, int64(10), res.Transactions[1].Quantity)
	assert.Empty(t, res.Rejections)
	assert.Equal(t, 20.0, res.Metrics.RealizedPnL)
}

func TestPyramiding(t *testing.T) {
	signals := []domain.Signal{
		{Action: domain.ActionBuy, Quantity: 10},
		{Action: domain.ActionBuy, Quantity: 10},
	}
	bars := makeBars(10, 10)

	res, err := newBacktester(t, nil).Run(context.Background(), &scripted{signals: signals}, "TEST", bars)
	require.NoError(t, err)
	assert.Len(t, res.Transactions, 1)

	res, err = newBacktester(t, func(c *strategy.Config) { c.AllowPyramiding = true }).
		Run(context.Background(), &scripted{signals: signals}, "TEST", bars)
	require.NoError(t, err)
	assert.Len(t, res.Transactions, 2)
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newBacktester(t, nil).Run(ctx, builtins.NewBuyAndHold(), "TEST", makeBars(1, 2, 3))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidInput(t *testing.T) {
	bt := newBacktester(t, nil)
	ctx := context.Background()

	_, err := bt.Run(ctx, builtins.NewBuyAndHold(), "TEST", nil)
	assert.ErrorIs(t, err, strategy.ErrNoBars)

	outOfOrder := makeBars(1, 2, 3)
	outOfOrder[2].Timestamp = outOfOrder[1].Timestamp
	_, err = bt.Run(ctx, builtins.NewBuyAndHold(), "TEST", outOfOrder)
	assert.ErrorIs(t, err, strategy.ErrInvalidBar)

	badPrice := makeBars(1, 2, 3)
	badPrice[1].Close = decimal.Zero
	_, err = bt.Run(ctx, builtins.NewBuyAndHold(), "TEST", badPrice)
	assert.ErrorIs(t, err, strategy.ErrInvalidBar)

	_, err = bt.Run(ctx, builtins.NewBuyAndHold(), "OTHER", makeBars(1, 2))
	assert.ErrorIs(t, err, strategy.ErrInvalidBar)

	long := newBacktester(t, func(c *strategy.Config) { c.WarmupPeriod = 3 })
	_, err = long.Run(ctx, builtins.NewBuyAndHold(), "TEST", makeBars(1, 2, 3))
	assert.ErrorIs(t, err, strategy.ErrWarmupTooLong)
}

func TestStrategyErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	_, err := newBacktester(t, nil).Run(context.Background(), failing{boom}, "TEST", makeBars(1, 2))
	assert.ErrorIs(t, err, boom)
}

type failing struct{ err error }

func (f failing) Name() string                                   { return "failing" }
func (f failing) Init(_ context.Context) error                   { return nil }
func (f failing) Decide(_ domain.History) (domain.Signal, error) { return domain.Hold, f.err }

func TestNewBacktesterValidates(t *testing.T) {
	cfg := strategy.DefaultConfig()
	cfg.WarmupPeriod = -1
	_, err := strategy.NewBacktester(cfg, nil)
	assert.Error(t, err)

	cfg = strategy.DefaultConfig()
	cfg.PositionSize = decimal.RequireFromString("1.5")
	_, err = strategy.NewBacktester(cfg, nil)
	assert.Error(t, err)

	cfg = strategy.DefaultConfig()
	cfg.MaxPositionSize = decimal.Zero
	_, err = strategy.NewBacktester(cfg, nil)
	assert.Error(t, err)
}

func TestSummaryMentionsStrategy(t *testing.T) {
	res, err := newBacktester(t, nil).Run(context.Background(), builtins.NewBuyAndHold(), "TEST", makeBars(100, 150))
	require.NoError(t, err)
	out := res.Summary()
	assert.Contains(t, out, "buy-and-hold on TEST")
	assert.Contains(t, out, "Total Return:      50.00%")
}

func TestFormatRatio(t *testing.T) {
	assert.Equal(t, "1.50", strategy.FormatRatio(1.5))
	assert.Equal(t, "n/a", strategy.FormatRatio(math.NaN()))
	assert.Equal(t, "inf", strategy.FormatRatio(math.Inf(1)))
}
