// Package store defines storage interfaces for market data and backtest
// results, with Parquet and SQLite implementations.
package store

import (
	"context"
	"errors"
	"time"

	"backtester/internal/domain"
	"backtester/internal/strategy"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// ResultExporter writes a run's equity curve and transaction log in a form a
// charting tool can load.
type ResultExporter interface {
	WriteResult(ctx context.Context, runID string, res *strategy.BacktestResult) error
}

// RunRecord is the stored summary of a backtest run.
type RunRecord struct {
	ID        string
	Strategy  string
	Symbol    string
	Start     time.Time
	End       time.Time
	CreatedAt time.Time
	Metrics   map[string]float64
}

// ResultStore persists and queries backtest runs.
type ResultStore interface {
	// SaveRun stores res and returns its new run ID.
	SaveRun(ctx context.Context, res *strategy.BacktestResult) (string, error)

	// GetRun returns a run's summary. Missing runs return ErrNotFound.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns the most recent runs, newest first, up to limit.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// ListTransactions returns a run's transactions in execution order.
	ListTransactions(ctx context.Context, id string) ([]domain.Transaction, error)
}
