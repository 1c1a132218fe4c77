package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/portfolio"
	"backtester/internal/util"
)

var (
	// ErrNoBars is returned when a run is given an empty bar series.
	ErrNoBars = errors.New("no bars")
	// ErrInvalidBar is returned for malformed or out-of-order bars.
	ErrInvalidBar = errors.New("invalid bar")
	// ErrWarmupTooLong is returned when the warmup consumes every bar.
	ErrWarmupTooLong = errors.New("warmup period covers all bars")
)

// Config holds the parameters of a backtest run.
type Config struct {
	InitialCapital     decimal.Decimal
	CommissionPerTrade decimal.Decimal
	MaxPositionSize    decimal.Decimal // fraction of equity, 0 < f <= 1
	LimitBasis         portfolio.LimitBasis

	// PositionSize is the fraction of cash committed when the backtester
	// sizes a BUY itself. Zero means 1.
	PositionSize decimal.Decimal

	// WarmupPeriod bars are shown to the strategy but their signals are
	// discarded and no equity is recorded.
	WarmupPeriod int

	LiquidateAtEnd  bool
	AllowPyramiding bool

	// PeriodsPerYear annualizes returns. Zero infers it from bar spacing
	// using the Market's calendar.
	PeriodsPerYear float64
	RiskFreeRate   float64 // annual
	Market         domain.Market
}

// DefaultConfig returns a 100k, commission-free configuration with no
// position limit.
func DefaultConfig() Config {
	return Config{
		InitialCapital:     decimal.NewFromInt(100000),
		CommissionPerTrade: decimal.Zero,
		MaxPositionSize:    decimal.NewFromInt(1),
		LimitBasis:         portfolio.LimitBasisPreTrade,
		PositionSize:       decimal.NewFromInt(1),
		Market:             domain.MarketUS,
	}
}

func (c Config) portfolioConfig() portfolio.Config {
	return portfolio.Config{
		InitialCash:        c.InitialCapital,
		MaxPositionSize:    c.MaxPositionSize,
		CommissionPerTrade: c.CommissionPerTrade,
		LimitBasis:         c.LimitBasis,
	}
}

// Backtester replays a bar series through a strategy against a simulated
// portfolio. A Backtester holds no per-run state and may run concurrently.
type Backtester struct {
	cfg          Config
	positionSize decimal.Decimal
	logger       *slog.Logger
}

// NewBacktester validates cfg and returns a Backtester. A nil logger uses
// slog.Default().
func NewBacktester(cfg Config, logger *slog.Logger) (*Backtester, error) {
	if _, err := portfolio.New(cfg.portfolioConfig()); err != nil {
		return nil, err
	}
	if cfg.WarmupPeriod < 0 {
		return nil, fmt.Errorf("%w: warmup period %d is negative", portfolio.ErrInvalidConfig, cfg.WarmupPeriod)
	}
	if cfg.PeriodsPerYear < 0 {
		return nil, fmt.Errorf("%w: periods per year %v is negative", portfolio.ErrInvalidConfig, cfg.PeriodsPerYear)
	}
	size := cfg.PositionSize
	if size.IsZero() {
		size = decimal.NewFromInt(1)
	}
	if !size.IsPositive() || size.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: position size %s not in (0, 1]", portfolio.ErrInvalidConfig, cfg.PositionSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backtester{
		cfg:          cfg,
		positionSize: size,
		logger:       logger.With("component", "backtester"),
	}, nil
}

// Config returns the backtester's configuration.
func (bt *Backtester) Config() Config { return bt.cfg }

// validateBars checks every bar before the run starts and resolves the
// symbol traded.
func validateBars(symbol string, bars []domain.Bar) (string, error) {
	if len(bars) == 0 {
		return "", ErrNoBars
	}
	if symbol == "" {
		symbol = bars[0].Symbol
	}
	if symbol == "" {
		return "", fmt.Errorf("%w: no symbol given and bars carry none", ErrInvalidBar)
	}
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			return "", fmt.Errorf("%w: bar %d (%s): %v", ErrInvalidBar, i, b.Timestamp.Format(time.DateOnly), err)
		}
		if b.Symbol != "" && b.Symbol != symbol {
			return "", fmt.Errorf("%w: bar %d has symbol %q, want %q", ErrInvalidBar, i, b.Symbol, symbol)
		}
		if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
			return "", fmt.Errorf("%w: bar %d at %s does not follow %s", ErrInvalidBar, i,
				b.Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return symbol, nil
}

// Run replays bars (oldest first) through strat and returns the result. The
// symbol may be empty when the bars carry one. Order rejections are recorded
// in the result; malformed input, strategy errors, and cancellation abort
// the run.
func (bt *Backtester) Run(ctx context.Context, strat Strategy, symbol string, bars []domain.Bar) (*BacktestResult, error) {
	symbol, err := validateBars(symbol, bars)
	if err != nil {
		return nil, err
	}
	if bt.cfg.WarmupPeriod >= len(bars) {
		return nil, fmt.Errorf("%w: warmup %d, bars %d", ErrWarmupTooLong, bt.cfg.WarmupPeriod, len(bars))
	}

	if err := strat.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing strategy %s: %w", strat.Name(), err)
	}
	pm, err := portfolio.New(bt.cfg.portfolioConfig())
	if err != nil {
		return nil, err
	}

	log := bt.logger.With("strategy", strat.Name(), "symbol", symbol)
	res := &BacktestResult{
		Strategy: strat.Name(),
		Symbol:   symbol,
		Config:   bt.cfg,
		Equity:   make([]domain.EquityPoint, 0, len(bars)-bt.cfg.WarmupPeriod),
	}

	last := len(bars) - 1
	for i := range bars {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("backtest %s/%s cancelled at bar %d: %w", strat.Name(), symbol, i, err)
		}
		bar := bars[i]

		sig, err := strat.Decide(domain.NewHistory(bars, i))
		if err != nil {
			return nil, fmt.Errorf("strategy %s at bar %d: %w", strat.Name(), i, err)
		}
		if i < bt.cfg.WarmupPeriod {
			continue
		}

		if err := bt.apply(pm, res, log, bar, symbol, sig); err != nil {
			return nil, err
		}

		prices := map[string]decimal.Decimal{symbol: bar.Close}
		if err := pm.UpdatePrices(prices); err != nil {
			return nil, err
		}
		if i == last && bt.cfg.LiquidateAtEnd {
			results, err := pm.CloseAll(bar.Timestamp, prices)
			if err != nil {
				return nil, err
			}
			for _, r := range results {
				if !r.Accepted && r.Reason != domain.RejectNone {
					res.reject(log, bar, symbol, domain.SideSell, 0, r)
				}
			}
		}

		res.Equity = append(res.Equity, domain.EquityPoint{
			Timestamp:      bar.Timestamp,
			Equity:         pm.Equity(),
			Cash:           pm.Cash(),
			PositionsValue: pm.PositionsValue(),
		})
	}

	res.Start = res.Equity[0].Timestamp
	res.End = res.Equity[len(res.Equity)-1].Timestamp
	res.Transactions = pm.Transactions()
	res.FinalPositions = pm.Positions()
	res.Portfolio = pm.Summary()

	ppy := bt.cfg.PeriodsPerYear
	if ppy == 0 {
		ts := make([]time.Time, len(bars))
		for i, b := range bars {
			ts[i] = b.Timestamp
		}
		ppy = util.NewTradingCalendar(bt.cfg.Market).PeriodsPerYear(util.InferInterval(ts))
	}
	res.Metrics = ComputeMetrics(pm.InitialCash(), res.Equity, res.Transactions, ppy, bt.cfg.RiskFreeRate)

	log.Info("backtest complete",
		"bars", len(bars),
		"trades", res.Metrics.TotalTrades,
		"rejections", len(res.Rejections),
		"final_equity", res.Metrics.FinalEquity,
		"total_return", res.Metrics.TotalReturn,
	)
	return res, nil
}

// apply turns a signal into at most one order at the bar close.
func (bt *Backtester) apply(pm *portfolio.Manager, res *BacktestResult, log *slog.Logger, bar domain.Bar, symbol string, sig domain.Signal) error {
	held := pm.Held(symbol)

	switch sig.Action {
	case domain.ActionBuy:
		if held > 0 && !bt.cfg.AllowPyramiding {
			return nil
		}
		qty := sig.Quantity
		if qty <= 0 {
			qty = bt.buyQuantity(pm, symbol, bar.Close)
		}
		if qty <= 0 {
			log.Debug("buy signal too small to fill", "time", bar.Timestamp, "cash", pm.Cash())
			return nil
		}
		r, err := pm.Buy(bar.Timestamp, symbol, qty, bar.Close)
		if err != nil {
			return fmt.Errorf("buy %s at bar %s: %w", symbol, bar.Timestamp.Format(time.RFC3339), err)
		}
		if !r.Accepted {
			res.reject(log, bar, symbol, domain.SideBuy, qty, r)
		}

	case domain.ActionSell:
		if held == 0 {
			return nil
		}
		qty := sig.Quantity
		if qty <= 0 || qty > held {
			qty = held
		}
		r, err := pm.Sell(bar.Timestamp, symbol, qty, bar.Close)
		if err != nil {
			return fmt.Errorf("sell %s at bar %s: %w", symbol, bar.Timestamp.Format(time.RFC3339), err)
		}
		if !r.Accepted {
			res.reject(log, bar, symbol, domain.SideSell, qty, r)
		}

	case domain.ActionHold, "":
	default:
		return fmt.Errorf("strategy returned unknown action %q", sig.Action)
	}
	return nil
}

// buyQuantity sizes an order from PositionSize of buying power, capped so the
// position stays within the position limit on the configured basis.
func (bt *Backtester) buyQuantity(pm *portfolio.Manager, symbol string, price decimal.Decimal) int64 {
	budget := pm.BuyingPower().Mul(bt.positionSize)
	if headroom := pm.PositionHeadroom(symbol); headroom.LessThan(budget) {
		budget = headroom
	}
	budget = budget.Sub(pm.Commission())
	if !budget.IsPositive() {
		return 0
	}
	qty := budget.Div(price).Floor().IntPart()
	// The manager rounds cost to cents, which can push it past a budget
	// carrying fractional cents.
	for qty > 0 && decimal.NewFromInt(qty).Mul(price).Round(2).GreaterThan(budget) {
		qty--
	}
	return qty
}
