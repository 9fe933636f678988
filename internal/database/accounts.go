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

func (s *Service) ListAccounts(ctx context.Context) ([]models.Account, error) {
	zap.L().Debug("Querying active accounts")

	rows, err := s.db.QueryContext(ctx, queryGetActiveAccounts)
	if err != nil {
		zap.L().Error("Failed to query accounts", zap.Error(err))
		return nil, fmt.Errorf("unable to query accounts: %w", err)
	}
	defer closeRows(rows)

	var accounts []models.Account
	for rows.Next() {
		var account models.Account
		err := rows.Scan(&account.Id, &account.Name, &account.Email, &account.CreatedAt, &account.UpdatedAt)
		if err != nil {
			zap.L().Error("Failed to scan account row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan account row: %w", err)
		}

		accounts = append(accounts, account)
	}

	// Check for errors during iteration
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during account row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating account rows: %w", err)
	}

	zap.L().Info("Retrieved accounts", zap.Int("count", len(accounts)))
	return accounts, nil
}

func (s *Service) GetAccount(ctx context.Context, accountId string) (*models.Account, error) {
	zap.L().Debug("Querying account by ID", zap.String("account_id", accountId))

	var account models.Account
	err := s.db.QueryRowContext(ctx, queryGetAccountById, accountId).Scan(
		&account.Id, &account.Name, &account.Email, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", accountId, store.ErrAccountNotFound)
		}
		zap.L().Error("Failed to query account by ID", zap.String("account_id", accountId), zap.Error(err))
		return nil, fmt.Errorf("unable to query account by ID: %w", err)
	}

	return &account, nil
}

func (s *Service) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	zap.L().Debug("Querying account by email", zap.String("email", email))

	var account models.Account
	err := s.db.QueryRowContext(ctx, queryGetAccountByEmail, email).Scan(
		&account.Id, &account.Name, &account.Email, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", email, store.ErrAccountNotFound)
		}
		zap.L().Error("Failed to query account by email", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("unable to query account by email: %w", err)
	}

	return &account, nil
}

func (s *Service) CreateAccount(ctx context.Context, accountId, name, email string) (*models.Account, error) {
	zap.L().Info("Creating account", zap.String("id", accountId), zap.String("name", name), zap.String("email", email))

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, queryInsertAccount, accountId, name, email, now, now)
	if err != nil {
		zap.L().Error("Failed to insert account", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("unable to insert account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return nil, fmt.Errorf("account with email %s already exists", email)
	}

	zap.L().Info("Account created successfully", zap.String("id", accountId), zap.String("email", email))

	return s.GetAccountByEmail(ctx, email)
}
