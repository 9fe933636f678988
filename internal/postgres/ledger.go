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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const entryColumns = `id, account_id, direction, asset, method, amount::text, fee::text,
	balance_before::text, balance_after::text, processing_key, reference, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Service) Credit(ctx context.Context, params store.CreditParams) (*models.LedgerEntry, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive, got %s", params.Amount.String())
	}
	return s.apply(ctx, models.LedgerEntry{
		AccountId:     params.AccountId,
		Direction:     models.DirectionDeposit,
		Asset:         params.Asset,
		Method:        params.Method,
		Amount:        params.Amount,
		Fee:           decimal.Zero,
		ProcessingKey: params.ProcessingKey,
		Reference:     params.Reference,
	})
}

func (s *Service) Debit(ctx context.Context, params store.DebitParams) (*models.LedgerEntry, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("debit amount must be positive, got %s", params.Amount.String())
	}
	if params.Fee.IsNegative() {
		return nil, fmt.Errorf("debit fee cannot be negative, got %s", params.Fee.String())
	}
	return s.apply(ctx, models.LedgerEntry{
		AccountId:     params.AccountId,
		Direction:     models.DirectionWithdraw,
		Asset:         params.Asset,
		Method:        params.Method,
		Amount:        params.Amount,
		Fee:           params.Fee,
		ProcessingKey: params.ProcessingKey,
		Reference:     params.Reference,
	})
}

// apply locks the balance row with SELECT ... FOR UPDATE so concurrent writers on
// the same account and asset queue behind each other.
func (s *Service) apply(ctx context.Context, entry models.LedgerEntry) (*models.LedgerEntry, error) {
	if entry.ProcessingKey == "" {
		return nil, fmt.Errorf("processing key cannot be empty")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO balances (id, account_id, asset, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, asset) DO NOTHING`,
		uuid.New().String(), entry.AccountId, entry.Asset, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance row: %w", err)
	}

	var availableStr, depositedStr, withdrawnStr string
	err = tx.QueryRow(ctx, `
		SELECT available::text, deposited::text, withdrawn::text
		FROM balances
		WHERE account_id = $1 AND asset = $2
		FOR UPDATE`, entry.AccountId, entry.Asset).Scan(&availableStr, &depositedStr, &withdrawnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}

	// Checked after the row lock so a concurrent writer with the same key has committed
	if _, err := getEntryByProcessingKey(ctx, tx, entry.ProcessingKey, entry.Direction); err == nil {
		return nil, fmt.Errorf("processing key %s: %w", entry.ProcessingKey, store.ErrDuplicateTransaction)
	} else if !errors.Is(err, store.ErrEntryNotFound) {
		return nil, err
	}

	available, err := parseDecimal("available", availableStr)
	if err != nil {
		return nil, err
	}
	deposited, err := parseDecimal("deposited", depositedStr)
	if err != nil {
		return nil, err
	}
	withdrawn, err := parseDecimal("withdrawn", withdrawnStr)
	if err != nil {
		return nil, err
	}

	total := entry.Total()
	newAvailable := available
	switch entry.Direction {
	case models.DirectionDeposit:
		newAvailable = available.Add(total)
		deposited = deposited.Add(total)
	case models.DirectionWithdraw:
		newAvailable = available.Sub(total)
		withdrawn = withdrawn.Add(total)
		if newAvailable.IsNegative() {
			return nil, fmt.Errorf("available %s, requested %s: %w", available.String(), total.String(), store.ErrInsufficientFunds)
		}
	}

	entry.Id = uuid.New().String()
	entry.BalanceBefore = available
	entry.BalanceAfter = newAvailable
	entry.CreatedAt = now

	if err := insertEntry(ctx, tx, &entry); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE balances
		SET available = $1, deposited = $2, withdrawn = $3, last_entry_id = $4, version = version + 1, updated_at = $5
		WHERE account_id = $6 AND asset = $7`,
		newAvailable.String(), deposited.String(), withdrawn.String(), entry.Id, now, entry.AccountId, entry.Asset)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := addJournalEntries(ctx, tx, &entry); err != nil {
		return nil, fmt.Errorf("failed to add journal entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("processing key %s: %w", entry.ProcessingKey, store.ErrDuplicateTransaction)
		}
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Ledger mutation applied",
		zap.String("entry_id", entry.Id),
		zap.String("account_id", entry.AccountId),
		zap.String("asset", entry.Asset),
		zap.String("direction", string(entry.Direction)),
		zap.String("amount", entry.Amount.String()),
		zap.String("balance_after", entry.BalanceAfter.String()))
	return &entry, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, entry *models.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, direction, asset, method, amount, fee,
			balance_before, balance_after, processing_key, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.Id, entry.AccountId, string(entry.Direction), entry.Asset, string(entry.Method),
		entry.Amount.String(), entry.Fee.String(), entry.BalanceBefore.String(), entry.BalanceAfter.String(),
		entry.ProcessingKey, entry.Reference, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("processing key %s: %w", entry.ProcessingKey, store.ErrDuplicateTransaction)
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func addJournalEntries(ctx context.Context, tx pgx.Tx, entry *models.LedgerEntry) error {
	userAccount := fmt.Sprintf("%s_%s", entry.AccountId, entry.Asset)
	liabilityAccount := fmt.Sprintf("user_deposits_%s", entry.Asset)

	type posting struct {
		accountType string
		accountId   string
		debit       decimal.Decimal
		credit      decimal.Decimal
	}
	var postings []posting
	switch entry.Direction {
	case models.DirectionDeposit:
		postings = []posting{
			{"user_asset", userAccount, entry.Amount, decimal.Zero},
			{"system_liability", liabilityAccount, decimal.Zero, entry.Amount},
		}
	case models.DirectionWithdraw:
		postings = []posting{
			{"user_asset", userAccount, decimal.Zero, entry.Total()},
			{"system_liability", liabilityAccount, entry.Amount, decimal.Zero},
		}
		if entry.Fee.IsPositive() {
			postings = append(postings, posting{"network_fee", "fees_" + entry.Asset, entry.Fee, decimal.Zero})
		}
	}

	batch := &pgx.Batch{}
	for _, p := range postings {
		batch.Queue(`
			INSERT INTO journal_entries (id, entry_id, account_type, account_id, debit_amount, credit_amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New().String(), entry.Id, p.accountType, p.accountId, p.debit.String(), p.credit.String(), entry.CreatedAt)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func (s *Service) GetEntryByProcessingKey(ctx context.Context, processingKey string, direction models.Direction) (*models.LedgerEntry, error) {
	return getEntryByProcessingKey(ctx, s.pool, processingKey, direction)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getEntryByProcessingKey(ctx context.Context, q querier, processingKey string, direction models.Direction) (*models.LedgerEntry, error) {
	entry, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries WHERE processing_key = $1 AND direction = $2`, processingKey, string(direction)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("processing key %s: %w", processingKey, store.ErrEntryNotFound)
		}
		return nil, fmt.Errorf("failed to get entry by processing key: %w", err)
	}
	return entry, nil
}

func (s *Service) GetBalance(ctx context.Context, accountId, asset string) (*models.Balance, error) {
	balance, err := scanBalance(s.pool.QueryRow(ctx, `
		SELECT account_id, asset, available::text, deposited::text, withdrawn::text, version, updated_at
		FROM balances WHERE account_id = $1 AND asset = $2`, accountId, asset))
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.Balance{AccountId: accountId, Asset: asset}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (s *Service) GetAllBalances(ctx context.Context, accountId string) ([]models.Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, asset, available::text, deposited::text, withdrawn::text, version, updated_at
		FROM balances WHERE account_id = $1 ORDER BY asset`, accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to get all balances: %w", err)
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		balance, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, *balance)
	}
	return balances, rows.Err()
}

func (s *Service) GetHistory(ctx context.Context, accountId string, offset, count int) ([]models.LedgerEntry, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE account_id = $1`, accountId).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries WHERE account_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3`, accountId, count, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query ledger history: %w", err)
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0, count)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return entries, total, nil
}

// ReconcileBalance compares the balance row with the sums over ledger entries
func (s *Service) ReconcileBalance(ctx context.Context, accountId, asset string) error {
	current, err := s.GetBalance(ctx, accountId, asset)
	if err != nil {
		return err
	}

	var depositedStr, withdrawnStr string
	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount + fee) FILTER (WHERE direction = 'deposit'), 0)::text,
			COALESCE(SUM(amount + fee) FILTER (WHERE direction = 'withdraw'), 0)::text
		FROM ledger_entries WHERE account_id = $1 AND asset = $2`, accountId, asset).Scan(&depositedStr, &withdrawnStr)
	if err != nil {
		return fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	deposited, err := parseDecimal("deposited", depositedStr)
	if err != nil {
		return err
	}
	withdrawn, err := parseDecimal("withdrawn", withdrawnStr)
	if err != nil {
		return err
	}

	if !current.Available.Equal(deposited.Sub(withdrawn)) ||
		!current.Deposited.Equal(deposited) || !current.Withdrawn.Equal(withdrawn) {
		zap.L().Error("Balance reconciliation failed",
			zap.String("account_id", accountId),
			zap.String("asset", asset),
			zap.String("available", current.Available.String()),
			zap.String("calculated", deposited.Sub(withdrawn).String()))
		return fmt.Errorf("available current=%s calculated=%s: %w", current.Available, deposited.Sub(withdrawn), store.ErrBalanceMismatch)
	}
	return nil
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var direction, method, amount, fee, before, after string
	err := row.Scan(&entry.Id, &entry.AccountId, &direction, &entry.Asset, &method,
		&amount, &fee, &before, &after, &entry.ProcessingKey, &entry.Reference, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.Direction = models.Direction(direction)
	entry.Method = models.Method(method)
	if entry.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	if entry.Fee, err = parseDecimal("fee", fee); err != nil {
		return nil, err
	}
	if entry.BalanceBefore, err = parseDecimal("balance_before", before); err != nil {
		return nil, err
	}
	if entry.BalanceAfter, err = parseDecimal("balance_after", after); err != nil {
		return nil, err
	}
	return &entry, nil
}

func scanBalance(row rowScanner) (*models.Balance, error) {
	var balance models.Balance
	var available, deposited, withdrawn string
	err := row.Scan(&balance.AccountId, &balance.Asset, &available, &deposited, &withdrawn,
		&balance.Version, &balance.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if balance.Available, err = parseDecimal("available", available); err != nil {
		return nil, err
	}
	if balance.Deposited, err = parseDecimal("deposited", deposited); err != nil {
		return nil, err
	}
	if balance.Withdrawn, err = parseDecimal("withdrawn", withdrawn); err != nil {
		return nil, err
	}
	return &balance, nil
}

// parseDecimal reads a numeric column selected as text. A value that does not
// parse is a corrupt row and must not read as zero.
func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s '%s': %w", field, value, err)
	}
	return d, nil
}
