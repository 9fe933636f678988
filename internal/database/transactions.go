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
	"errors"
	"fmt"
	"time"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// mutation is the single shape every balance change is reduced to.
type mutation struct {
	AccountId     string
	Asset         string
	Direction     models.Direction
	Method        models.Method
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	ProcessingKey string
	Reference     string
}

// Credit adds amount to the available and deposited balances of an account.
// A processing key that was already applied returns store.ErrDuplicateTransaction.
func (s *SubledgerService) Credit(ctx context.Context, params store.CreditParams) (*models.LedgerEntry, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive, got %s", params.Amount.String())
	}
	return s.apply(ctx, mutation{
		AccountId:     params.AccountId,
		Asset:         params.Asset,
		Direction:     models.DirectionDeposit,
		Method:        params.Method,
		Amount:        params.Amount,
		Fee:           decimal.Zero,
		ProcessingKey: params.ProcessingKey,
		Reference:     params.Reference,
	})
}

// Debit removes amount plus fee from the available balance and adds it to withdrawn.
// The available balance never goes negative; store.ErrInsufficientFunds is returned instead.
func (s *SubledgerService) Debit(ctx context.Context, params store.DebitParams) (*models.LedgerEntry, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("debit amount must be positive, got %s", params.Amount.String())
	}
	if params.Fee.IsNegative() {
		return nil, fmt.Errorf("debit fee cannot be negative, got %s", params.Fee.String())
	}
	return s.apply(ctx, mutation{
		AccountId:     params.AccountId,
		Asset:         params.Asset,
		Direction:     models.DirectionWithdraw,
		Method:        params.Method,
		Amount:        params.Amount,
		Fee:           params.Fee,
		ProcessingKey: params.ProcessingKey,
		Reference:     params.Reference,
	})
}

func (s *SubledgerService) apply(ctx context.Context, m mutation) (*models.LedgerEntry, error) {
	if m.ProcessingKey == "" {
		return nil, fmt.Errorf("processing key cannot be empty")
	}

	zap.L().Debug("Applying ledger mutation",
		zap.String("account_id", m.AccountId),
		zap.String("asset", m.Asset),
		zap.String("direction", string(m.Direction)),
		zap.String("amount", m.Amount.String()),
		zap.String("processing_key", m.ProcessingKey))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	entry, err := applyMutation(ctx, tx, m, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("processing key %s: %w", m.ProcessingKey, store.ErrDuplicateTransaction)
		}
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Ledger mutation applied",
		zap.String("entry_id", entry.Id),
		zap.String("account_id", entry.AccountId),
		zap.String("asset", entry.Asset),
		zap.String("direction", string(entry.Direction)),
		zap.String("amount", entry.Amount.String()),
		zap.String("fee", entry.Fee.String()),
		zap.String("balance_before", entry.BalanceBefore.String()),
		zap.String("balance_after", entry.BalanceAfter.String()))

	return entry, nil
}

// applyMutation performs the duplicate check, balance update, entry insert and
// journal postings inside tx. The caller owns commit and rollback.
func applyMutation(ctx context.Context, tx *sql.Tx, m mutation, now time.Time) (*models.LedgerEntry, error) {
	if _, err := getEntryByProcessingKey(ctx, tx, m.ProcessingKey, m.Direction); err == nil {
		return nil, fmt.Errorf("processing key %s: %w", m.ProcessingKey, store.ErrDuplicateTransaction)
	} else if !errors.Is(err, store.ErrEntryNotFound) {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, queryInsertBalanceRow, uuid.New().String(), m.AccountId, m.Asset, now); err != nil {
		return nil, fmt.Errorf("failed to create balance row: %w", err)
	}

	var availableStr, depositedStr, withdrawnStr string
	var version int64
	err := tx.QueryRowContext(ctx, queryGetBalanceState, m.AccountId, m.Asset).
		Scan(&availableStr, &depositedStr, &withdrawnStr, &version)
	if err != nil {
		return nil, fmt.Errorf("failed to get current balance: %w", err)
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

	total := m.Amount.Add(m.Fee)
	newAvailable := available
	switch m.Direction {
	case models.DirectionDeposit:
		newAvailable = available.Add(total)
		deposited = deposited.Add(total)
	case models.DirectionWithdraw:
		newAvailable = available.Sub(total)
		withdrawn = withdrawn.Add(total)
		if newAvailable.IsNegative() {
			zap.L().Warn("Insufficient balance for debit",
				zap.String("account_id", m.AccountId),
				zap.String("asset", m.Asset),
				zap.String("available", available.String()),
				zap.String("requested", total.String()))
			return nil, fmt.Errorf("available %s, requested %s: %w", available.String(), total.String(), store.ErrInsufficientFunds)
		}
	default:
		return nil, fmt.Errorf("unknown direction %q", m.Direction)
	}

	entry := &models.LedgerEntry{
		Id:            uuid.New().String(),
		AccountId:     m.AccountId,
		Direction:     m.Direction,
		Asset:         m.Asset,
		Method:        m.Method,
		Amount:        m.Amount,
		Fee:           m.Fee,
		BalanceBefore: available,
		BalanceAfter:  newAvailable,
		ProcessingKey: m.ProcessingKey,
		Reference:     m.Reference,
		CreatedAt:     now,
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, queryUpdateBalance,
		newAvailable.String(), deposited.String(), withdrawn.String(), entry.Id, now,
		m.AccountId, m.Asset, version)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("balance version %d changed: %w", version, store.ErrConcurrentModification)
	}

	if err := addJournalEntries(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("failed to add journal entries: %w", err)
	}

	return entry, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, queryInsertEntry,
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

// addJournalEntries posts the double-entry view of a ledger entry
func addJournalEntries(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	type posting struct {
		accountType  string
		accountId    string
		debitAmount  decimal.Decimal
		creditAmount decimal.Decimal
	}

	userAccount := fmt.Sprintf("%s_%s", entry.AccountId, entry.Asset)
	liabilityAccount := fmt.Sprintf("user_deposits_%s", entry.Asset)

	var postings []posting
	switch entry.Direction {
	case models.DirectionDeposit:
		// User asset account increases (debit), we owe the user this amount
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
			postings = append(postings, posting{"network_fee", fmt.Sprintf("fees_%s", entry.Asset), entry.Fee, decimal.Zero})
		}
	}

	for _, p := range postings {
		_, err := tx.ExecContext(ctx, queryInsertJournalEntry,
			uuid.New().String(), entry.Id, p.accountType, p.accountId, p.debitAmount.String(), p.creditAmount.String(), entry.CreatedAt)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *SubledgerService) GetEntryByProcessingKey(ctx context.Context, processingKey string, direction models.Direction) (*models.LedgerEntry, error) {
	return getEntryByProcessingKey(ctx, s.db, processingKey, direction)
}

func getEntryByProcessingKey(ctx context.Context, q queryer, processingKey string, direction models.Direction) (*models.LedgerEntry, error) {
	entry, err := scanEntry(q.QueryRowContext(ctx, queryGetEntryByProcessingKey, processingKey, string(direction)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("processing key %s: %w", processingKey, store.ErrEntryNotFound)
		}
		return nil, fmt.Errorf("failed to get entry by processing key: %w", err)
	}
	return entry, nil
}

// GetHistory returns one page of ledger entries, newest first, and the total count
func (s *SubledgerService) GetHistory(ctx context.Context, accountId string, offset, count int) ([]models.LedgerEntry, int, error) {
	zap.L().Debug("Getting ledger history",
		zap.String("account_id", accountId),
		zap.Int("offset", offset),
		zap.Int("count", count))

	var total int
	if err := s.db.QueryRowContext(ctx, queryCountHistory, accountId).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryGetHistory, accountId, count, offset)
	if err != nil {
		zap.L().Error("Failed to query ledger history", zap.String("account_id", accountId), zap.Error(err))
		return nil, 0, fmt.Errorf("failed to query ledger history: %w", err)
	}
	defer closeRows(rows)

	entries := make([]models.LedgerEntry, 0, count)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during ledger row iteration", zap.Error(err))
		return nil, 0, fmt.Errorf("error iterating ledger rows: %w", err)
	}

	return entries, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var direction, method string
	var amountStr, feeStr, beforeStr, afterStr string
	err := row.Scan(&entry.Id, &entry.AccountId, &direction, &entry.Asset, &method,
		&amountStr, &feeStr, &beforeStr, &afterStr, &entry.ProcessingKey, &entry.Reference, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	entry.Direction = models.Direction(direction)
	entry.Method = models.Method(method)
	if entry.Amount, err = parseDecimal("amount", amountStr); err != nil {
		return nil, err
	}
	if entry.Fee, err = parseDecimal("fee", feeStr); err != nil {
		return nil, err
	}
	if entry.BalanceBefore, err = parseDecimal("balance_before", beforeStr); err != nil {
		return nil, err
	}
	if entry.BalanceAfter, err = parseDecimal("balance_after", afterStr); err != nil {
		return nil, err
	}
	return &entry, nil
}
