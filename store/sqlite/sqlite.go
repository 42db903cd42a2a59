/*
Package sqlite provides a SQLite-backed implementation of core.TxStore.

PURPOSE:
  Implements every persistence interface the billing and governance
  services use. In production the same patterns apply to PostgreSQL -
  only minor SQL dialect differences.

KEY TABLES:
  companies, profiles, company_owners   Ownership
  employees, jobs                       Approval action targets
  invoices, invoice_lines               Invoices and their line items
  payments, payment_applications        Deposits, payments, allocations
  invoice_audit_logs                    Append-only before/after diffs
  approval_requests, approval_decisions Generic governance
  owner_change_requests,
  owner_change_approvals                Owner add/remove governance

INVARIANTS ENFORCED HERE:
  - One vote per approver per request (UNIQUE(request_id, approver_id))
  - One owner row per (company, profile)
  - Versioned rows are updated only when the caller's version matches
  - Audit rows are never updated or deleted

CONCURRENCY:
  The pool is limited to one connection, so transactions are serialized.
  A capacity check and the writes it guards always run inside one
  WithTx call and therefore cannot interleave with another request.
  Never call the root Store from inside a WithTx callback: the callback
  already holds the only connection.

MONEY:
  Decimal values are stored as TEXT and parsed back with
  decimal.NewFromString. Sums are computed in Go, not in SQL, so no value
  ever passes through a float.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: Interface definitions
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/core"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo implements core.Store against a querier. The root Store and every
// transaction share it.
type repo struct {
	q querier
}

// Store implements core.TxStore using SQLite.
type Store struct {
	repo
	db *sql.DB
}

var _ core.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{repo: repo{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx executes fn within a transaction bound to a single connection.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{repo: repo{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore is the core.Store handed to WithTx callbacks.
type txStore struct {
	repo
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS companies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		full_name TEXT NOT NULL,
		email TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS company_owners (
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		profile_id TEXT NOT NULL REFERENCES profiles(id),
		is_primary_owner BOOLEAN NOT NULL DEFAULT FALSE,
		ownership_percentage TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (company_id, profile_id)
	);

	CREATE INDEX IF NOT EXISTS idx_company_owners_profile
		ON company_owners(profile_id);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		profile_id TEXT,
		name TEXT NOT NULL,
		hourly_rate TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'scheduled',
		address TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		scheduled_start TEXT,
		scheduled_end TEXT,
		estimated_hours TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		customer_id TEXT NOT NULL,
		invoice_number TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		invoice_date TEXT NOT NULL,
		due_date TEXT,
		terms TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		subtotal TEXT NOT NULL DEFAULT '0',
		tax_amount TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(company_id, invoice_number)
	);

	CREATE TABLE IF NOT EXISTS invoice_lines (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		line_number INTEGER NOT NULL,
		line_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		tax_rate TEXT NOT NULL DEFAULT '0',
		job_id TEXT,
		applied_payment_id TEXT,
		UNIQUE(invoice_id, line_number)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		customer_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		received_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_applications (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		invoice_line_id TEXT,
		kind TEXT NOT NULL,
		applied_amount TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		applied_by TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payment_applications_payment
		ON payment_applications(payment_id);
	CREATE INDEX IF NOT EXISTS idx_payment_applications_invoice
		ON payment_applications(invoice_id);

	-- Append-only. invoice_id has no foreign key so rows outlive the invoice.
	CREATE TABLE IF NOT EXISTS invoice_audit_logs (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		diff_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoice_audit_logs_invoice
		ON invoice_audit_logs(invoice_id, created_at);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		action TEXT NOT NULL,
		entity_table TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		entity_label TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		required_approvals INTEGER NOT NULL,
		requested_by TEXT NOT NULL,
		apply_result_json TEXT,
		failure_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		approved_at TEXT,
		applied_at TEXT,
		rejected_at TEXT,
		cancelled_at TEXT,
		failed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_approval_requests_company_status
		ON approval_requests(company_id, status);
	CREATE INDEX IF NOT EXISTS idx_approval_requests_entity
		ON approval_requests(company_id, action, entity_id);

	CREATE TABLE IF NOT EXISTS approval_decisions (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES approval_requests(id) ON DELETE CASCADE,
		approver_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(request_id, approver_id)
	);

	CREATE TABLE IF NOT EXISTS owner_change_requests (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		action TEXT NOT NULL,
		target_profile_id TEXT NOT NULL,
		ownership_percentage TEXT,
		created_by TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		required_approvals INTEGER NOT NULL,
		cooldown_hours INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		approved_at TEXT,
		effective_at TEXT,
		executed_at TEXT,
		rejected_at TEXT,
		cancelled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_owner_change_requests_target
		ON owner_change_requests(company_id, target_profile_id, status);

	CREATE TABLE IF NOT EXISTS owner_change_approvals (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES owner_change_requests(id) ON DELETE CASCADE,
		approver_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(request_id, approver_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Helper functions

const dateLayout = "2006-01-02"

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func formatDatePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateLayout), Valid: true}
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

func parseDatePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseDate(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func decimalPtr(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d := core.MustParseDecimal(ns.String)
	return &d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// expectOneRow turns a conditional UPDATE that matched nothing into
// ErrConcurrentModification.
func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrConcurrentModification
	}
	return nil
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
