package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/strategy"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ ResultStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	strategy   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	start_ms   INTEGER NOT NULL,
	end_ms     INTEGER NOT NULL,
	created_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS run_metrics (
	run_id TEXT NOT NULL REFERENCES runs(id),
	name   TEXT NOT NULL,
	value  REAL,
	PRIMARY KEY (run_id, name)
);
CREATE TABLE IF NOT EXISTS transactions (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	seq          INTEGER NOT NULL,
	ts_ms        INTEGER NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	quantity     INTEGER NOT NULL,
	price        TEXT NOT NULL,
	commission   TEXT NOT NULL,
	cash_after   TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS equity (
	run_id          TEXT NOT NULL REFERENCES runs(id),
	seq             INTEGER NOT NULL,
	ts_ms           INTEGER NOT NULL,
	equity          TEXT NOT NULL,
	cash            TEXT NOT NULL,
	positions_value TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS rejections (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	seq      INTEGER NOT NULL,
	ts_ms    INTEGER NOT NULL,
	side     TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	price    TEXT NOT NULL,
	reason   TEXT NOT NULL,
	message  TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS runs_created ON runs(created_ms);
`

// SQLiteStore implements ResultStore backed by a SQLite database. Money
// columns are stored as decimal strings so they round-trip exactly.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun stores the run summary, metrics, transactions, equity curve, and
// rejections in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, res *strategy.BacktestResult) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, strategy, symbol, start_ms, end_ms, created_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		id, res.Strategy, res.Symbol, res.Start.UnixMilli(), res.End.UnixMilli(), s.now().UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}

	for name, v := range res.Map() {
		// SQLite has no NaN; undefined metrics are stored as NULL.
		var val sql.NullFloat64
		if !math.IsNaN(v) {
			val = sql.NullFloat64{Float64: v, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_metrics (run_id, name, value) VALUES (?, ?, ?)`, id, name, val,
		); err != nil {
			return "", fmt.Errorf("inserting metric %s: %w", name, err)
		}
	}

	for i, t := range res.Transactions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (run_id, seq, ts_ms, symbol, side, quantity, price, commission, cash_after, realized_pnl)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, t.Timestamp.UnixMilli(), t.Symbol, string(t.Side), t.Quantity,
			t.Price.String(), t.Commission.String(), t.CashAfter.String(), t.RealizedPnL.String(),
		); err != nil {
			return "", fmt.Errorf("inserting transaction %d: %w", i, err)
		}
	}

	for i, p := range res.Equity {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO equity (run_id, seq, ts_ms, equity, cash, positions_value) VALUES (?, ?, ?, ?, ?, ?)`,
			id, i, p.Timestamp.UnixMilli(), p.Equity.String(), p.Cash.String(), p.PositionsValue.String(),
		); err != nil {
			return "", fmt.Errorf("inserting equity point %d: %w", i, err)
		}
	}

	for i, r := range res.Rejections {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rejections (run_id, seq, ts_ms, side, quantity, price, reason, message) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, r.Timestamp.UnixMilli(), string(r.Side), r.Quantity, r.Price.String(), string(r.Reason), r.Message,
		); err != nil {
			return "", fmt.Errorf("inserting rejection %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// GetRun returns the summary and metrics of one run.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, strategy, symbol, start_ms, end_ms, created_ms FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if rec.Metrics, err = s.metrics(ctx, id); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns returns the most recent runs, newest first. limit <= 0 returns
// all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, strategy, symbol, start_ms, end_ms, created_ms FROM runs
		 ORDER BY created_ms DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Metrics, err = s.metrics(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListTransactions returns the transactions of a run in execution order.
func (s *SQLiteStore) ListTransactions(ctx context.Context, id string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts_ms, symbol, side, quantity, price, commission, cash_after, realized_pnl
		 FROM transactions WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t                                 domain.Transaction
			ts                                int64
			side, price, comm, cash, realized string
		)
		if err := rows.Scan(&ts, &t.Symbol, &side, &t.Quantity, &price, &comm, &cash, &realized); err != nil {
			return nil, err
		}
		t.Timestamp = time.UnixMilli(ts).UTC()
		t.Side = domain.Side(side)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("price %q: %w", price, err)
		}
		if t.Commission, err = decimal.NewFromString(comm); err != nil {
			return nil, fmt.Errorf("commission %q: %w", comm, err)
		}
		if t.CashAfter, err = decimal.NewFromString(cash); err != nil {
			return nil, fmt.Errorf("cash_after %q: %w", cash, err)
		}
		if t.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
			return nil, fmt.Errorf("realized_pnl %q: %w", realized, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) metrics(ctx context.Context, id string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM run_metrics WHERE run_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := make(map[string]float64)
	for rows.Next() {
		var (
			name string
			val  sql.NullFloat64
		)
		if err := rows.Scan(&name, &val); err != nil {
			return nil, err
		}
		if val.Valid {
			m[name] = val.Float64
		} else {
			m[name] = math.NaN()
		}
	}
	return m, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var (
		rec                       RunRecord
		startMs, endMs, createdMs int64
	)
	if err := sc.Scan(&rec.ID, &rec.Strategy, &rec.Symbol, &startMs, &endMs, &createdMs); err != nil {
		return RunRecord{}, err
	}
	rec.Start = time.UnixMilli(startMs).UTC()
	rec.End = time.UnixMilli(endMs).UTC()
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	return rec, nil
}
