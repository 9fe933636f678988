package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubledgerService handles balance and ledger entry operations
type SubledgerService struct {
	db *sql.DB
}

func NewSubledgerService(db *sql.DB) *SubledgerService {
	return &SubledgerService{
		db: db,
	}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SubledgerService) InitSchema(ctx context.Context) error {
	schema := `
	-- Balances Table (Current State - Hot Data)
	CREATE TABLE IF NOT EXISTS balances (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		available TEXT NOT NULL DEFAULT '0',
		deposited TEXT NOT NULL DEFAULT '0',
		withdrawn TEXT NOT NULL DEFAULT '0',
		last_entry_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(account_id, asset)
	);

	-- Ledger Entries Table (Audit Trail - Cold Data)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		asset TEXT NOT NULL,
		method TEXT NOT NULL,
		amount TEXT NOT NULL,
		fee TEXT NOT NULL DEFAULT '0',
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		processing_key TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(processing_key, direction)
	);

	CREATE INDEX IF NOT EXISTS idx_balances_account_id ON balances(account_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_asset ON ledger_entries(account_id, asset);

	-- Journal Entries for Double-Entry Bookkeeping
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		account_type TEXT NOT NULL,
		account_id TEXT NOT NULL,
		debit_amount TEXT NOT NULL DEFAULT '0',
		credit_amount TEXT NOT NULL DEFAULT '0',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_entry_id ON journal_entries(entry_id);
	CREATE INDEX IF NOT EXISTS idx_journal_account ON journal_entries(account_type, account_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s '%s': %w", field, value, err)
	}
	return d, nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		zap.L().Error("Failed to rollback transaction", zap.Error(err))
	}
}
