package strategy

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"backtester/internal/domain"
)

// Job is one independent backtest: a strategy built from the registry and
// the bars it runs on. Bars may be shared between jobs; runs never write to
// them.
type Job struct {
	Strategy string
	Params   Params
	Symbol   string
	Bars     []domain.Bar
}

// Runner executes independent backtests in parallel.
type Runner struct {
	registry    *Registry
	backtester  *Backtester
	concurrency int
}

// NewRunner creates a Runner. concurrency <= 0 uses GOMAXPROCS.
func NewRunner(registry *Registry, bt *Backtester, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	return &Runner{
		registry:    registry,
		backtester:  bt,
		concurrency: concurrency,
	}
}

// RunAll runs every job and returns results in job order. The first error
// cancels the remaining jobs and is returned.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) ([]*BacktestResult, error) {
	// Build every strategy first so a bad name fails before any work starts.
	strategies := make([]Strategy, len(jobs))
	for i, job := range jobs {
		s, err := r.registry.New(job.Strategy, job.Params)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		strategies[i] = s
	}

	results := make([]*BacktestResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			res, err := r.backtester.Run(gctx, strategies[i], job.Symbol, job.Bars)
			if err != nil {
				return fmt.Errorf("job %d (%s on %s): %w", i, job.Strategy, job.Symbol, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
