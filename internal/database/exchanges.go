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

	"go.uber.org/zap"
)

func (s *Service) CreatePendingExchange(ctx context.Context, ex models.PendingExchange) error {
	now := time.Now().UTC()
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now
	}
	if ex.Status == "" {
		ex.Status = models.ExchangeNew
	}

	_, err := s.db.ExecContext(ctx, queryInsertExchange,
		ex.ExternalId, ex.AccountId, string(ex.Direction), ex.FromTicker, ex.ToTicker, ex.Asset,
		ex.RequestedAmount.String(), ex.QuotedOutput.String(), ex.OutputAmount.String(),
		ex.PayinAddress, ex.DestinationAddress, ex.PayoutHash, string(ex.Status),
		ex.Reconciled, ex.StaleReported, ex.CreatedAt.UTC(), now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("exchange %s: %w", ex.ExternalId, store.ErrDuplicateTransaction)
		}
		return fmt.Errorf("failed to insert pending exchange: %w", err)
	}

	zap.L().Info("Pending exchange recorded",
		zap.String("external_id", ex.ExternalId),
		zap.String("account_id", ex.AccountId),
		zap.String("direction", string(ex.Direction)),
		zap.String("from", ex.FromTicker),
		zap.String("to", ex.ToTicker))
	return nil
}

func (s *Service) GetPendingExchange(ctx context.Context, externalId string) (*models.PendingExchange, error) {
	ex, err := scanExchange(s.db.QueryRowContext(ctx, queryGetExchange, externalId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", externalId, store.ErrExchangeNotFound)
		}
		return nil, fmt.Errorf("failed to get pending exchange: %w", err)
	}
	return ex, nil
}

// ListOpenExchanges returns every exchange that has not been reconciled yet
func (s *Service) ListOpenExchanges(ctx context.Context) ([]models.PendingExchange, error) {
	rows, err := s.db.QueryContext(ctx, queryListOpenExchanges)
	if err != nil {
		return nil, fmt.Errorf("failed to list open exchanges: %w", err)
	}
	defer closeRows(rows)

	var exchanges []models.PendingExchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, *ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exchange rows: %w", err)
	}
	return exchanges, nil
}

func (s *Service) UpdateExchange(ctx context.Context, update store.ExchangeUpdate) error {
	return s.execExchange(ctx, update.ExternalId, queryUpdateExchange,
		string(update.Status), update.OutputAmount.String(), update.PayoutHash, time.Now().UTC(), update.ExternalId)
}

func (s *Service) MarkExchangeReconciled(ctx context.Context, externalId string) error {
	return s.execExchange(ctx, externalId, queryMarkExchangeReconciled, time.Now().UTC(), externalId)
}

func (s *Service) MarkExchangeStaleReported(ctx context.Context, externalId string) error {
	return s.execExchange(ctx, externalId, queryMarkExchangeStaleReported, time.Now().UTC(), externalId)
}

func (s *Service) FindExchangeByPayoutHash(ctx context.Context, payoutHash string) (*models.PendingExchange, error) {
	ex, err := scanExchange(s.db.QueryRowContext(ctx, queryFindExchangeByPayoutHash, payoutHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payout %s: %w", payoutHash, store.ErrExchangeNotFound)
		}
		return nil, fmt.Errorf("failed to find exchange by payout hash: %w", err)
	}
	return ex, nil
}

func (s *Service) execExchange(ctx context.Context, externalId, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update exchange %s: %w", externalId, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", externalId, store.ErrExchangeNotFound)
	}
	return nil
}

func scanExchange(row rowScanner) (*models.PendingExchange, error) {
	var ex models.PendingExchange
	var direction, status string
	var requestedStr, quotedStr, outputStr string
	err := row.Scan(&ex.ExternalId, &ex.AccountId, &direction, &ex.FromTicker, &ex.ToTicker, &ex.Asset,
		&requestedStr, &quotedStr, &outputStr, &ex.PayinAddress, &ex.DestinationAddress, &ex.PayoutHash,
		&status, &ex.Reconciled, &ex.StaleReported, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}

	ex.Direction = models.Direction(direction)
	ex.Status = models.ExchangeStatus(status)
	if ex.RequestedAmount, err = parseDecimal("requested_amount", requestedStr); err != nil {
		return nil, err
	}
	if ex.QuotedOutput, err = parseDecimal("quoted_output", quotedStr); err != nil {
		return nil, err
	}
	if ex.OutputAmount, err = parseDecimal("output_amount", outputStr); err != nil {
		return nil, err
	}
	return &ex, nil
}
