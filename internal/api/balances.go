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

package api

import (
	"context"
	"fmt"

	"custody-deposit-go/internal/models"

	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetBalance returns the balance for one account and asset; unknown pairs are zero.
func (s *LedgerService) GetBalance(ctx context.Context, accountId, asset string) (*models.Balance, error) {
	if accountId == "" || asset == "" {
		return nil, fmt.Errorf("account_id and asset are required: %w", ErrInvalidRequest)
	}

	balance, err := s.store.GetBalance(ctx, accountId, asset)
	if err != nil {
		zap.L().Error("Failed to get balance",
			zap.String("account_id", accountId),
			zap.String("asset", asset),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve balance")
	}
	return balance, nil
}

// GetBalances returns every balance row of an account
func (s *LedgerService) GetBalances(ctx context.Context, accountId string) ([]models.Balance, error) {
	if accountId == "" {
		return nil, fmt.Errorf("account_id is required: %w", ErrInvalidRequest)
	}

	balances, err := s.store.GetAllBalances(ctx, accountId)
	if err != nil {
		zap.L().Error("Failed to get balances", zap.String("account_id", accountId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve balances")
	}
	return balances, nil
}

// GetHistory returns one page of ledger entries, newest first
func (s *LedgerService) GetHistory(ctx context.Context, accountId string, offset, count int) (*models.HistoryPage, error) {
	if accountId == "" {
		return nil, fmt.Errorf("account_id is required: %w", ErrInvalidRequest)
	}
	offset, count = clampPage(offset, count)

	records, total, err := s.store.GetHistory(ctx, accountId, offset, count)
	if err != nil {
		zap.L().Error("Failed to get history", zap.String("account_id", accountId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve history")
	}
	if records == nil {
		records = []models.LedgerEntry{}
	}
	return &models.HistoryPage{Records: records, Total: total}, nil
}

func (s *LedgerService) ListNFTHoldings(ctx context.Context, accountId string) ([]models.NFTHolding, error) {
	holdings, err := s.store.ListNFTHoldings(ctx, accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to list nft holdings: %w", err)
	}
	if holdings == nil {
		holdings = []models.NFTHolding{}
	}
	return holdings, nil
}

func (s *LedgerService) GetNFTHistory(ctx context.Context, accountId string, offset, count int) (*models.NFTHistoryPage, error) {
	offset, count = clampPage(offset, count)
	records, total, err := s.store.GetNFTHistory(ctx, accountId, offset, count)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve nft history: %w", err)
	}
	if records == nil {
		records = []models.NFTTransferRecord{}
	}
	return &models.NFTHistoryPage{Records: records, Total: total}, nil
}

func clampPage(offset, count int) (int, int) {
	if count <= 0 || count > maxPageSize {
		count = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return offset, count
}
