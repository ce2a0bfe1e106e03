// Package ledger persists signals and order state transitions in SQLite.
// The transition log is append-only; the orders table is a snapshot cache
// rebuilt from the same transaction that wrote the record. If the two ever
// disagree, the record log wins.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"intent-trader/internal/model"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no order exists for the given id.
var ErrNotFound = errors.New("order not found")

// Config configures the SQLite ledger.
type Config struct {
	DBPath string // e.g. "data/ledger.db", ":memory:" for tests
}

// Ledger is a single-writer SQLite store. Implements model.Ledger.
type Ledger struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (l *Ledger) DB() *sql.DB { return l.db }

// Open opens the ledger database, enabling WAL mode and creating the
// schema if needed.
func Open(cfg Config) (*Ledger, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger open: %w", err)
	}

	// Single writer: serializes Append transactions at the pool level.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}

	slog.Info("ledger opened", "path", cfg.DBPath)
	return &Ledger{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_records (
			order_id    TEXT    NOT NULL,
			seq         INTEGER NOT NULL,
			ts          INTEGER NOT NULL,
			prev_state  TEXT    NOT NULL,
			new_state   TEXT    NOT NULL,
			reason      TEXT    NOT NULL DEFAULT '',
			backend_ref TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (order_id, seq)
		);

		CREATE TABLE IF NOT EXISTS orders (
			id              TEXT PRIMARY KEY,
			signal_id       TEXT NOT NULL,
			backend         TEXT NOT NULL,
			account         TEXT NOT NULL,
			instrument      TEXT NOT NULL,
			side            TEXT NOT NULL,
			qty             TEXT NOT NULL,
			limit_price     TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			state           TEXT NOT NULL,
			filled_qty      TEXT NOT NULL,
			avg_fill_price  TEXT NOT NULL,
			backend_ref     TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idem
			ON orders (idempotency_key);
		CREATE INDEX IF NOT EXISTS idx_orders_state
			ON orders (state);
	`)
	return err
}

// Append writes one transition record and upserts the order snapshot in
// the same transaction. The record's Seq is assigned here: one past the
// order's current maximum.
func (l *Ledger) Append(ctx context.Context, rec model.ExecutionRecord, snapshot model.Order) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger append: begin: %w", err)
	}

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM execution_records WHERE order_id = ?`, rec.OrderID,
	).Scan(&maxSeq)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("ledger append: seq: %w", err)
	}
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	ts := rec.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_records (order_id, seq, ts, prev_state, new_state, reason, backend_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.OrderID, seq, ts.UnixMilli(), string(rec.PrevState), string(rec.NewState),
		rec.Reason, rec.BackendRef,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("ledger append: record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, signal_id, backend, account, instrument, side, qty, limit_price,
			idempotency_key, state, filled_qty, avg_fill_price, backend_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			backend_ref = excluded.backend_ref,
			updated_at = excluded.updated_at`,
		snapshot.ID, snapshot.SignalID, snapshot.Backend, snapshot.Account,
		snapshot.Instrument, string(snapshot.Side), snapshot.Qty.String(),
		snapshot.LimitPrice.String(), snapshot.IdempotencyKey, string(snapshot.State),
		snapshot.FilledQty.String(), snapshot.AvgFillPrice.String(), snapshot.BackendRef,
		snapshot.CreatedAt.UnixMilli(), snapshot.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("ledger append: snapshot: %w", err)
	}

	return tx.Commit()
}

// CurrentState returns the latest snapshot for an order.
func (l *Ledger) CurrentState(ctx context.Context, orderID string) (model.Order, error) {
	row := l.db.QueryRowContext(ctx, selectOrder+` WHERE id = ?`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return o, err
}

// FindByIdempotencyKey returns the order created under key, if any.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string) (model.Order, bool, error) {
	row := l.db.QueryRowContext(ctx, selectOrder+` WHERE idempotency_key = ?`, key)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, false, nil
	}
	if err != nil {
		return model.Order{}, false, err
	}
	return o, true, nil
}

// NonTerminal lists orders whose snapshot is not in a terminal state,
// for the startup reconciliation pass.
func (l *Ledger) NonTerminal(ctx context.Context) ([]model.Order, error) {
	rows, err := l.db.QueryContext(ctx,
		selectOrder+` WHERE state IN (?, ?, ?) ORDER BY created_at`,
		string(model.OrderPending), string(model.OrderSubmitted), string(model.OrderPartiallyFilled),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger non-terminal: %w", err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Records returns the transition history for an order, oldest first.
func (l *Ledger) Records(ctx context.Context, orderID string) ([]model.ExecutionRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT order_id, seq, ts, prev_state, new_state, reason, backend_ref
		FROM execution_records WHERE order_id = ? ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("ledger records: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionRecord
	for rows.Next() {
		var (
			rec    model.ExecutionRecord
			tsMs   int64
			prev   string
			next   string
		)
		if err := rows.Scan(&rec.OrderID, &rec.Seq, &tsMs, &prev, &next, &rec.Reason, &rec.BackendRef); err != nil {
			return nil, fmt.Errorf("ledger records: scan: %w", err)
		}
		rec.TS = time.UnixMilli(tsMs)
		rec.PrevState = model.OrderState(prev)
		rec.NewState = model.OrderState(next)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

const selectOrder = `
	SELECT id, signal_id, backend, account, instrument, side, qty, limit_price,
		idempotency_key, state, filled_qty, avg_fill_price, backend_ref, created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (model.Order, error) {
	var (
		o                              model.Order
		side, state                    string
		qty, limitPrice, filled, avg   string
		createdMs, updatedMs           int64
	)
	err := row.Scan(&o.ID, &o.SignalID, &o.Backend, &o.Account, &o.Instrument,
		&side, &qty, &limitPrice, &o.IdempotencyKey, &state, &filled, &avg,
		&o.BackendRef, &createdMs, &updatedMs)
	if err != nil {
		return model.Order{}, err
	}
	o.Side = model.Direction(side)
	o.State = model.OrderState(state)
	o.CreatedAt = time.UnixMilli(createdMs)
	o.UpdatedAt = time.UnixMilli(updatedMs)

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
		col string
	}{
		{&o.Qty, qty, "qty"},
		{&o.LimitPrice, limitPrice, "limit_price"},
		{&o.FilledQty, filled, "filled_qty"},
		{&o.AvgFillPrice, avg, "avg_fill_price"},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return model.Order{}, fmt.Errorf("ledger: corrupt %s %q: %w", f.col, f.src, err)
		}
		*f.dst = d
	}
	return o, nil
}
