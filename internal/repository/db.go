package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Store wraps the SQLite handle shared by all aggregate repositories.
type Store struct {
	db *sql.DB
}

func NewStore(dsn string) (*Store, error) {
	// The pragmas ride on the DSN so the driver applies them to every
	// connection database/sql opens, not just the one a plain Exec lands on.
	db, err := sql.Open("sqlite",
		"file:"+dsn+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS merchants(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			webhook_url TEXT NOT NULL,
			webhook_secret TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS orders(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reference_no TEXT NOT NULL UNIQUE,
			merchant_id TEXT NOT NULL,
			amount_minor INTEGER NOT NULL CHECK(amount_minor > 0),
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			processor TEXT NOT NULL DEFAULT '',
			processor_order_id TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_orders_reference_no ON orders(reference_no);
		CREATE INDEX IF NOT EXISTS idx_orders_merchant_status ON orders(merchant_id, status);

		CREATE TABLE IF NOT EXISTS transactions(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			type TEXT NOT NULL,
			amount_minor INTEGER NOT NULL,
			status TEXT NOT NULL,
			processor_txn_id TEXT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS ux_txn_order_processor_type
			ON transactions(order_id, processor_txn_id, type);
		CREATE INDEX IF NOT EXISTS idx_txn_order ON transactions(order_id);

		CREATE TABLE IF NOT EXISTS webhook_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			merchant_id TEXT NOT NULL,
			order_id INTEGER NOT NULL DEFAULT 0,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			next_retry_at TEXT,
			delivered_at TEXT,
			processor_event_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS ux_webhook_natural_key
			ON webhook_events(order_id, event_type, processor_event_id);
		CREATE INDEX IF NOT EXISTS idx_webhook_due ON webhook_events(status, next_retry_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Tx exposes the repository methods that must run inside one atomic unit.
// Reconciliation uses it so that the order mutation, ledger append and outbox
// insert commit-or-abort together.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction. SQLite's single-writer lock serializes
// concurrent reconciliation of the same order here; busy_timeout makes the
// loser wait instead of failing fast.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type scanner interface {
	Scan(dest ...any) error
}
