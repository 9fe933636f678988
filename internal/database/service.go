/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Service)(nil)

type Service struct {
	db        *sql.DB
	subledger *SubledgerService
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	// Every transaction takes the write lock up front so read-check-write
	// sequences on a balance row cannot interleave.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_busy_timeout=%d&_txlock=immediate",
		cfg.Path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after ping failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := newServiceWithDb(db)
	if err := service.init(ctx, cfg.CreateDemoAccounts); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after schema failure", zap.Error(closeErr))
		}
		return nil, err
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func newServiceWithDb(db *sql.DB) *Service {
	return &Service{db: db, subledger: NewSubledgerService(db)}
}

func (s *Service) init(ctx context.Context, createDemoAccounts bool) error {
	if err := s.initSchema(ctx, createDemoAccounts); err != nil {
		return fmt.Errorf("unable to initialize schema: %w", err)
	}
	if err := s.subledger.InitSchema(ctx); err != nil {
		return fmt.Errorf("unable to initialize subledger schema: %w", err)
	}
	return nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) initSchema(ctx context.Context, createDemoAccounts bool) error {
	schema := `
	-- Custody customers
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email);

	-- Derived deposit address pool and lease state
	CREATE TABLE IF NOT EXISTS deposit_addresses (
		idx INTEGER PRIMARY KEY,
		address TEXT NOT NULL UNIQUE,
		lease_owner TEXT NOT NULL DEFAULT '',
		leased_at TIMESTAMP,
		in_use BOOLEAN NOT NULL DEFAULT 0,
		lease_version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_deposit_addresses_address ON deposit_addresses(LOWER(address));

	-- Bridge exchanges awaiting a terminal status
	CREATE TABLE IF NOT EXISTS pending_exchanges (
		external_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		from_ticker TEXT NOT NULL,
		to_ticker TEXT NOT NULL,
		asset TEXT NOT NULL,
		requested_amount TEXT NOT NULL,
		quoted_output TEXT NOT NULL DEFAULT '0',
		output_amount TEXT NOT NULL DEFAULT '0',
		payin_address TEXT NOT NULL DEFAULT '',
		destination_address TEXT NOT NULL DEFAULT '',
		payout_hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reconciled BOOLEAN NOT NULL DEFAULT 0,
		stale_reported BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_exchanges_open ON pending_exchanges(reconciled);
	CREATE INDEX IF NOT EXISTS idx_pending_exchanges_payout ON pending_exchanges(LOWER(payout_hash));

	-- One row per custodied NFT unit
	CREATE TABLE IF NOT EXISTS nft_holdings (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		network TEXT NOT NULL,
		contract_address TEXT NOT NULL,
		token_id TEXT NOT NULL,
		standard TEXT NOT NULL,
		price TEXT NOT NULL DEFAULT '0',
		deleted BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nft_holdings_account ON nft_holdings(account_id, deleted);
	CREATE INDEX IF NOT EXISTS idx_nft_holdings_token ON nft_holdings(LOWER(contract_address), token_id);

	CREATE TABLE IF NOT EXISTS nft_transfer_records (
		id TEXT PRIMARY KEY,
		holding_id TEXT NOT NULL,
		contract_address TEXT NOT NULL,
		token_id TEXT NOT NULL,
		before_owner TEXT NOT NULL DEFAULT '',
		after_owner TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL DEFAULT '0',
		note TEXT NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nft_transfer_records_before ON nft_transfer_records(before_owner);
	CREATE INDEX IF NOT EXISTS idx_nft_transfer_records_after ON nft_transfer_records(after_owner);

	-- Anomalies that need an operator decision
	CREATE TABLE IF NOT EXISTS reconciliation_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		asset TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL DEFAULT '0',
		reference TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		resolved BOOLEAN NOT NULL DEFAULT 0,
		resolution TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_items_resolved ON reconciliation_items(resolved);

	-- Last fully processed block per chain
	CREATE TABLE IF NOT EXISTS chain_cursors (
		chain TEXT PRIMARY KEY,
		height INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	// Insert 3 demo accounts for testing if configured to do so
	if createDemoAccounts {
		accounts := []struct {
			id    string
			name  string
			email string
		}{
			{uuid.New().String(), "Alice Johnson", "alice.johnson@example.com"},
			{uuid.New().String(), "Bob Smith", "bob.smith@example.com"},
			{uuid.New().String(), "Carol Williams", "carol.williams@example.com"},
		}

		now := time.Now().UTC()
		for _, account := range accounts {
			_, err := s.db.ExecContext(ctx, queryInsertAccount, account.id, account.name, account.email, now, now)
			if err != nil {
				zap.L().Error("Failed to insert demo account", zap.String("name", account.name), zap.Error(err))
			} else {
				zap.L().Info("Demo account created", zap.String("id", account.id), zap.String("name", account.name))
			}
		}
	} else {
		zap.L().Info("Skipping demo account creation (CREATE_DEMO_ACCOUNTS=false)")
	}

	return nil
}

// Subledger delegation

func (s *Service) Credit(ctx context.Context, params store.CreditParams) (*models.LedgerEntry, error) {
	return s.subledger.Credit(ctx, params)
}

func (s *Service) Debit(ctx context.Context, params store.DebitParams) (*models.LedgerEntry, error) {
	return s.subledger.Debit(ctx, params)
}

func (s *Service) GetBalance(ctx context.Context, accountId, asset string) (*models.Balance, error) {
	return s.subledger.GetBalance(ctx, accountId, asset)
}

func (s *Service) GetAllBalances(ctx context.Context, accountId string) ([]models.Balance, error) {
	return s.subledger.GetAllBalances(ctx, accountId)
}

func (s *Service) GetEntryByProcessingKey(ctx context.Context, processingKey string, direction models.Direction) (*models.LedgerEntry, error) {
	return s.subledger.GetEntryByProcessingKey(ctx, processingKey, direction)
}

func (s *Service) GetHistory(ctx context.Context, accountId string, offset, count int) ([]models.LedgerEntry, int, error) {
	return s.subledger.GetHistory(ctx, accountId, offset, count)
}

func (s *Service) ReconcileBalance(ctx context.Context, accountId, asset string) error {
	return s.subledger.ReconcileBalance(ctx, accountId, asset)
}
