// Package us gathers US equity market data from the Alpaca API.
package us

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/gather"
	"backtester/internal/store"
	"backtester/internal/util"
)

var _ gather.Gatherer = (*DailyBarGatherer)(nil)

// barsClient is the part of the Alpaca market-data client the gatherer uses.
type barsClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// DailyBarOptions configures a DailyBarGatherer.
type DailyBarOptions struct {
	APIKey    string
	APISecret string
	DataURL   string
	Feed      string // "iex" (default) or "sip"

	Symbols         []string
	Range           gather.DateRange
	BatchSize       int // symbols per API call
	MaxWorkers      int
	RateLimitPerMin int
	MaxAttempts     int
}

// DailyBarGatherer downloads daily bars for a fixed symbol list over a date
// range and writes them to a BarStore.
type DailyBarGatherer struct {
	client      barsClient
	store       store.BarStore
	symbols     []string
	rng         gather.DateRange
	feed        string
	batchSize   int
	maxWorkers  int
	maxAttempts int
	limiter     *util.RateLimiter
	log         *slog.Logger
}

// NewDailyBarGatherer creates a DailyBarGatherer using the Alpaca
// market-data client.
func NewDailyBarGatherer(opts DailyBarOptions, s store.BarStore) *DailyBarGatherer {
	clientOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	return newDailyBarGatherer(marketdata.NewClient(clientOpts), opts, s)
}

func newDailyBarGatherer(client barsClient, opts DailyBarOptions, s store.BarStore) *DailyBarGatherer {
	symbols := make([]string, 0, len(opts.Symbols))
	seen := make(map[string]struct{}, len(opts.Symbols))
	for _, sym := range opts.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if _, dup := seen[sym]; dup || sym == "" {
			continue
		}
		seen[sym] = struct{}{}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	return &DailyBarGatherer{
		client:      client,
		store:       s,
		symbols:     symbols,
		rng:         opts.Range,
		feed:        opts.Feed,
		batchSize:   max(opts.BatchSize, 1),
		maxWorkers:  max(opts.MaxWorkers, 1),
		maxAttempts: max(opts.MaxAttempts, 1),
		limiter:     util.NewRateLimiter(opts.RateLimitPerMin),
		log:         slog.Default().With("gatherer", "us-daily"),
	}
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "us-daily" }

// Run fetches all configured symbols in batches and writes the bars to the
// store. A batch that still fails after retries is logged and skipped; Run
// reports an error if any batch failed.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	if len(g.symbols) == 0 {
		return fmt.Errorf("us-daily: no symbols configured")
	}
	if err := g.rng.Validate(); err != nil {
		return fmt.Errorf("us-daily: %w", err)
	}

	var batches [][]string
	for i := 0; i < len(g.symbols); i += g.batchSize {
		batches = append(batches, g.symbols[i:min(i+g.batchSize, len(g.symbols))])
	}

	g.log.Info("starting us-daily",
		"symbols", len(g.symbols),
		"batches", len(batches),
		"start", g.rng.Start.Format(time.DateOnly),
		"end", g.rng.End.Format(time.DateOnly),
	)

	batchCh := make(chan int, len(batches))
	for i := range batches {
		batchCh <- i
	}
	close(batchCh)

	var (
		wg        sync.WaitGroup
		totalBars atomic.Int64
		failed    atomic.Int64
		runStart  = time.Now()
	)

	workers := min(g.maxWorkers, len(batches))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batchIdx := range batchCh {
				if ctx.Err() != nil {
					return
				}
				batch := batches[batchIdx]
				n, err := g.runBatch(ctx, batch)
				if err != nil {
					failed.Add(1)
					g.log.Error("batch failed",
						"batch", fmt.Sprintf("%d/%d", batchIdx+1, len(batches)),
						"err", err,
					)
					continue
				}
				totalBars.Add(int64(n))
				g.log.Info("batch done",
					"batch", fmt.Sprintf("%d/%d", batchIdx+1, len(batches)),
					"bars", n,
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	g.log.Info("complete", "bars", totalBars.Load(), "failed_batches", failed.Load(),
		"elapsed", time.Since(runStart).Round(time.Second))
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("us-daily: %d of %d batches failed", n, len(batches))
	}
	return nil
}

func (g *DailyBarGatherer) runBatch(ctx context.Context, batch []string) (int, error) {
	var bars []domain.Bar
	err := util.Retry(ctx, g.maxAttempts, time.Second, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		bars, err = g.fetchMultiBars(ctx, batch)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}
	if err := g.store.WriteBars(ctx, bars); err != nil {
		return 0, fmt.Errorf("writing bars: %w", err)
	}
	return len(bars), nil
}

// fetchMultiBars fetches daily bars for multiple symbols in a single API call.
func (g *DailyBarGatherer) fetchMultiBars(ctx context.Context, symbols []string) ([]domain.Bar, error) {
	if ctx.Err() != nil {
		return nil, util.Permanent(ctx.Err())
	}

	req := marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     g.rng.Start,
		End:       g.rng.End,
		Feed:      marketdata.IEX,
	}
	if strings.EqualFold(g.feed, "sip") {
		req.Feed = marketdata.SIP
	}

	multiBars, err := g.client.GetMultiBars(symbols, req)
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}
	return toDomainBars(multiBars), nil
}

// toDomainBars converts Alpaca bars to domain bars, ordered by symbol then
// time.
func toDomainBars(multiBars map[string][]marketdata.Bar) []domain.Bar {
	symbols := make([]string, 0, len(multiBars))
	for sym := range multiBars {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var bars []domain.Bar
	for _, symbol := range symbols {
		for _, ab := range multiBars[symbol] {
			bars = append(bars, domain.Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp.UTC(),
				Open:       decimal.NewFromFloat(ab.Open),
				High:       decimal.NewFromFloat(ab.High),
				Low:        decimal.NewFromFloat(ab.Low),
				Close:      decimal.NewFromFloat(ab.Close),
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       decimal.NewFromFloat(ab.VWAP),
			})
		}
	}
	return bars
}
