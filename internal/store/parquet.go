package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/strategy"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ ResultExporter = (*ParquetStore)(nil)

// ParquetStore implements BarStore and ResultExporter using Parquet files on
// disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// EquityRecord is the Parquet schema for one equity-curve sample.
type EquityRecord struct {
	Timestamp      int64   `parquet:"timestamp,timestamp(millisecond)"`
	Equity         float64 `parquet:"equity"`
	Cash           float64 `parquet:"cash"`
	PositionsValue float64 `parquet:"positions_value"`
}

// TransactionRecord is the Parquet schema for an executed trade.
type TransactionRecord struct {
	Timestamp   int64   `parquet:"timestamp,timestamp(millisecond)"`
	Symbol      string  `parquet:"symbol"`
	Side        string  `parquet:"side"`
	Quantity    int64   `parquet:"quantity"`
	Price       float64 `parquet:"price"`
	Commission  float64 `parquet:"commission"`
	CashAfter   float64 `parquet:"cash_after"`
	RealizedPnL float64 `parquet:"realized_pnl"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year.
// Each symbol+year combination produces a separate file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	return s.WriteBarsForMarket(bars, string(domain.MarketUS))
}

// WriteBarsForMarket writes bars to Parquet grouped by symbol and year under
// the given market directory, merging with bars already on disk.
func (s *ParquetStore) WriteBarsForMarket(bars []domain.Bar, market string) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     k.symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open.InexactFloat64(),
			High:       b.High.InexactFloat64(),
			Low:        b.Low.InexactFloat64(),
			Close:      b.Close.InexactFloat64(),
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP.InexactFloat64(),
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, market, time.Date(k.year, 1, 1, 0, 0, 0, 0, time.UTC))

		// A missing file just means nothing to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time
// range, oldest first. Prices come back as decimals rounded from the stored
// floats.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := s.barPath(symbol, market, time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC))

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       decimal.NewFromFloat(r.Open),
				High:       decimal.NewFromFloat(r.High),
				Low:        decimal.NewFromFloat(r.Low),
				Close:      decimal.NewFromFloat(r.Close),
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       decimal.NewFromFloat(r.VWAP),
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	dir := filepath.Join(s.DataDir, market, "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Result export
// ---------------------------------------------------------------------------

// WriteResult writes the equity curve and transaction log of a run to
//
//	<DataDir>/backtests/<runID>/equity.parquet
//	<DataDir>/backtests/<runID>/transactions.parquet
func (s *ParquetStore) WriteResult(_ context.Context, runID string, res *strategy.BacktestResult) error {
	equity := make([]EquityRecord, len(res.Equity))
	for i, p := range res.Equity {
		equity[i] = EquityRecord{
			Timestamp:      p.Timestamp.UnixMilli(),
			Equity:         p.Equity.InexactFloat64(),
			Cash:           p.Cash.InexactFloat64(),
			PositionsValue: p.PositionsValue.InexactFloat64(),
		}
	}
	if err := writeParquetFile(s.resultPath(runID, "equity"), equity); err != nil {
		return fmt.Errorf("writing equity for run %s: %w", runID, err)
	}

	txs := make([]TransactionRecord, len(res.Transactions))
	for i, tx := range res.Transactions {
		txs[i] = TransactionRecord{
			Timestamp:   tx.Timestamp.UnixMilli(),
			Symbol:      tx.Symbol,
			Side:        string(tx.Side),
			Quantity:    tx.Quantity,
			Price:       tx.Price.InexactFloat64(),
			Commission:  tx.Commission.InexactFloat64(),
			CashAfter:   tx.CashAfter.InexactFloat64(),
			RealizedPnL: tx.RealizedPnL.InexactFloat64(),
		}
	}
	if err := writeParquetFile(s.resultPath(runID, "transactions"), txs); err != nil {
		return fmt.Errorf("writing transactions for run %s: %w", runID, err)
	}
	return nil
}

// ReadEquity reads back an exported equity curve.
func (s *ParquetStore) ReadEquity(runID string) ([]domain.EquityPoint, error) {
	records, err := readParquetFile[EquityRecord](s.resultPath(runID, "equity"))
	if err != nil {
		return nil, err
	}
	out := make([]domain.EquityPoint, len(records))
	for i, r := range records {
		out[i] = domain.EquityPoint{
			Timestamp:      time.UnixMilli(r.Timestamp).UTC(),
			Equity:         decimal.NewFromFloat(r.Equity),
			Cash:           decimal.NewFromFloat(r.Cash),
			PositionsValue: decimal.NewFromFloat(r.PositionsValue),
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol, market string, t time.Time) string {
	year := fmt.Sprintf("%d", t.Year())
	return filepath.Join(s.DataDir, market, "daily", strings.ToUpper(symbol), year+".parquet")
}

// resultPath returns the path of one exported table of a run.
// Layout: <dataDir>/backtests/<runID>/<name>.parquet
func (s *ParquetStore) resultPath(runID, name string) string {
	return filepath.Join(s.DataDir, "backtests", runID, name+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
