package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"backtester/internal/config"
	"backtester/internal/domain"
	"backtester/internal/gather"
	"backtester/internal/gather/us"
	"backtester/internal/store"
	"backtester/internal/strategy"
	"backtester/internal/strategy/builtins"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "run the configured strategies over stored bars",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "symbols to test (overrides backtest.symbols)"},
		&cli.StringFlag{Name: "strategy", Usage: "run only this strategy (params from config if listed there)"},
		&cli.StringFlag{Name: "start", Usage: "start date, YYYY-MM-DD"},
		&cli.StringFlag{Name: "end", Usage: "end date, YYYY-MM-DD"},
		&cli.BoolFlag{Name: "no-save", Usage: "print results without persisting them"},
	},
	Action: runBacktests,
}

var fetchCommand = &cli.Command{
	Name:  "fetch",
	Usage: "download daily bars from Alpaca into the bar store",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "symbols to fetch (overrides gather.symbols)"},
		&cli.StringFlag{Name: "start", Usage: "start date, YYYY-MM-DD"},
		&cli.StringFlag{Name: "end", Usage: "end date, YYYY-MM-DD (default: latest finished trading day)"},
	},
	Action: fetchBars,
}

var strategiesCommand = &cli.Command{
	Name:  "strategies",
	Usage: "list the available strategies",
	Action: func(c *cli.Context) error {
		for _, name := range builtins.NewRegistry().List() {
			fmt.Fprintln(c.App.Writer, name)
		}
		return nil
	},
}

var runsCommand = &cli.Command{
	Name:  "runs",
	Usage: "list saved backtest runs, newest first",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "maximum runs to list (0 for all)"},
	},
	Action: listRuns,
}

var showCommand = &cli.Command{
	Name:      "show",
	Usage:     "show the metrics and transactions of a saved run",
	ArgsUsage: "<run-id>",
	Action:    showRun,
}

func runBacktests(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	bt := cfg.Backtest
	if c.IsSet("start") {
		bt.StartDate = c.String("start")
	}
	if c.IsSet("end") {
		bt.EndDate = c.String("end")
	}
	symbols := bt.Symbols
	if c.IsSet("symbol") {
		symbols = c.StringSlice("symbol")
	}
	if len(symbols) == 0 {
		return errors.New("no symbols: set backtest.symbols or pass --symbol")
	}
	strategies, err := selectStrategies(cfg.Strategies, c.String("strategy"))
	if err != nil {
		return err
	}

	start, end, err := bt.Range(time.Now())
	if err != nil {
		return err
	}
	scfg, err := bt.StrategyConfig()
	if err != nil {
		return err
	}
	backtester, err := strategy.NewBacktester(scfg, slog.Default())
	if err != nil {
		return err
	}

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	var jobs []strategy.Job
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		series, err := bars.ReadBars(c.Context, sym, bt.Market, start, end)
		if err != nil {
			return fmt.Errorf("reading bars for %s: %w", sym, err)
		}
		if len(series) == 0 {
			return fmt.Errorf("no bars for %s between %s and %s; run fetch first",
				sym, start.Format(time.DateOnly), end.Format(time.DateOnly))
		}
		for _, sc := range strategies {
			jobs = append(jobs, strategy.Job{Strategy: sc.Name, Params: sc.Params, Symbol: sym, Bars: series})
		}
	}

	ec := backtester.Config()
	slog.Info("running backtests",
		"jobs", len(jobs),
		"initial_capital", ec.InitialCapital.String(),
		"commission", ec.CommissionPerTrade.String(),
		"max_position", ec.MaxPositionSize.String(),
		"limit_basis", ec.LimitBasis,
	)
	runner := strategy.NewRunner(builtins.NewRegistry(), backtester, bt.Concurrency)
	results, err := runner.RunAll(c.Context, jobs)
	if err != nil {
		return err
	}

	for _, res := range results {
		fmt.Fprint(c.App.Writer, res.Summary())
	}
	printComparison(c, results)

	if c.Bool("no-save") {
		return nil
	}
	return saveResults(c, cfg, bars, results)
}

func selectStrategies(all []config.StrategyConfig, only string) ([]config.StrategyConfig, error) {
	if only == "" {
		if len(all) == 0 {
			return nil, errors.New("no strategies configured")
		}
		return all, nil
	}
	for _, sc := range all {
		if sc.Name == only {
			return []config.StrategyConfig{sc}, nil
		}
	}
	return []config.StrategyConfig{{Name: only}}, nil
}

func printComparison(c *cli.Context, results []*strategy.BacktestResult) {
	if len(results) < 2 {
		return
	}
	w := c.App.Writer
	fmt.Fprintf(w, "\n%-24s %-8s %10s %10s %8s %10s %7s\n", "STRATEGY", "SYMBOL", "RETURN", "ANNUAL", "SHARPE", "MAX DD", "TRADES")
	for _, r := range results {
		m := r.Metrics
		fmt.Fprintf(w, "%-24s %-8s %9.2f%% %9.2f%% %8s %9.2f%% %7d\n",
			r.Strategy, r.Symbol, m.TotalReturn*100, m.AnnualizedReturn*100, strategy.FormatRatio(m.SharpeRatio), m.MaxDrawdown*100, m.TotalTrades)
	}
}

func saveResults(c *cli.Context, cfg *config.Config, exporter store.ResultExporter, results []*strategy.BacktestResult) error {
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening result store: %w", err)
	}
	defer db.Close()

	for _, res := range results {
		id, err := db.SaveRun(c.Context, res)
		if err != nil {
			return fmt.Errorf("saving %s/%s: %w", res.Strategy, res.Symbol, err)
		}
		if err := exporter.WriteResult(c.Context, id, res); err != nil {
			return err
		}
		slog.Info("run saved", "id", id, "strategy", res.Strategy, "symbol", res.Symbol)
		fmt.Fprintf(c.App.Writer, "saved %s  %s on %s\n", id, res.Strategy, res.Symbol)
	}
	return nil
}

func fetchBars(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	g := cfg.Gather
	if c.IsSet("symbol") {
		g.Symbols = c.StringSlice("symbol")
	}
	if c.IsSet("start") {
		g.StartDate = c.String("start")
	}
	if c.IsSet("end") {
		g.EndDate = c.String("end")
	}

	now := time.Now()
	if g.EndDate == "" && cfg.Alpaca.BaseURL != "" {
		cal := us.NewCalendarClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
		day, err := us.LatestFinishedTradingDay(cal, now)
		if err != nil {
			slog.Warn("calendar lookup failed, fetching through now", "err", err)
		} else {
			g.EndDate = day.Format(config.DateLayout)
		}
	}
	start, end, err := g.Range(now)
	if err != nil {
		return err
	}

	var gatherer gather.Gatherer = us.NewDailyBarGatherer(us.DailyBarOptions{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		Symbols:         g.Symbols,
		Range:           gather.DateRange{Start: start, End: end},
		BatchSize:       g.BatchSize,
		MaxWorkers:      4,
		RateLimitPerMin: g.RateLimitPerMin,
		MaxAttempts:     g.MaxAttempts,
	}, store.NewParquetStore(cfg.Storage.DataDir))

	slog.Info("fetching", "gatherer", gatherer.Name(), "symbols", len(g.Symbols))
	return gatherer.Run(c.Context)
}

func listRuns(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "%-36s  %-16s  %-24s %-8s %10s %8s\n", "ID", "CREATED", "STRATEGY", "SYMBOL", "RETURN", "SHARPE")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s  %-16s  %-24s %-8s %9.2f%% %8s\n",
			r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Strategy, r.Symbol,
			r.Metrics["total_return"]*100, strategy.FormatRatio(r.Metrics["sharpe_ratio"]))
	}
	return nil
}

func showRun(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("usage: show <run-id>")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	run, err := db.GetRun(c.Context, id)
	if err != nil {
		return err
	}
	txs, err := db.ListTransactions(c.Context, id)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "%s on %s, %s to %s\n", run.Strategy, run.Symbol,
		run.Start.Format(time.DateOnly), run.End.Format(time.DateOnly))
	for _, k := range []string{"total_return", "annualized_return", "sharpe_ratio", "sortino_ratio", "max_drawdown", "win_rate", "profit_factor"} {
		fmt.Fprintf(w, "  %-18s %s\n", k, strategy.FormatRatio(run.Metrics[k]))
	}
	fmt.Fprintln(w)
	for _, tx := range txs {
		line := fmt.Sprintf("%s  %-4s %6d %-6s @ %s", tx.Timestamp.Format(time.DateOnly), tx.Side, tx.Quantity, tx.Symbol, tx.Price.StringFixed(2))
		if tx.Side == domain.SideSell {
			line += "  pnl " + tx.RealizedPnL.StringFixed(2)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
