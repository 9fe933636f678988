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

// DepositNFT records custody of params.Units units of one token for an account.
// A single-unit token that is already held returns store.ErrNFTAlreadyHeld.
func (s *Service) DepositNFT(ctx context.Context, params store.NFTDepositParams) ([]models.NFTHolding, error) {
	if params.Units <= 0 {
		return nil, fmt.Errorf("nft units must be positive, got %d", params.Units)
	}
	if params.Standard == models.NFTStandardERC721 && params.Units != 1 {
		return nil, fmt.Errorf("single-unit token deposit with %d units", params.Units)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := getEntryByProcessingKey(ctx, tx, params.ProcessingKey, models.DirectionDeposit); err == nil {
		return nil, fmt.Errorf("processing key %s: %w", params.ProcessingKey, store.ErrDuplicateTransaction)
	} else if !errors.Is(err, store.ErrEntryNotFound) {
		return nil, err
	}

	if params.Standard == models.NFTStandardERC721 {
		var live int
		err := tx.QueryRowContext(ctx, queryCountLiveHoldings, params.ContractAddress, params.TokenId).Scan(&live)
		if err != nil {
			return nil, fmt.Errorf("failed to count live holdings: %w", err)
		}
		if live > 0 {
			return nil, fmt.Errorf("%s: %w", store.NFTAsset(params.ContractAddress, params.TokenId), store.ErrNFTAlreadyHeld)
		}
	}

	// A re-deposited token keeps the price basis of its last holding
	price := decimal.Zero
	var priceStr string
	err = tx.QueryRowContext(ctx, queryGetLastHoldingPrice, params.ContractAddress, params.TokenId).Scan(&priceStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to get last holding price: %w", err)
	default:
		if price, err = parseDecimal("price", priceStr); err != nil {
			return nil, err
		}
	}

	before, err := countAccountHoldings(ctx, tx, params.AccountId, params.ContractAddress, params.TokenId)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	holdings := make([]models.NFTHolding, 0, params.Units)
	for i := int64(0); i < params.Units; i++ {
		holding := models.NFTHolding{
			Id:              uuid.New().String(),
			AccountId:       params.AccountId,
			Network:         params.Network,
			ContractAddress: params.ContractAddress,
			TokenId:         params.TokenId,
			Standard:        params.Standard,
			Price:           price,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		_, err := tx.ExecContext(ctx, queryInsertHolding,
			holding.Id, holding.AccountId, holding.Network, holding.ContractAddress, holding.TokenId,
			string(holding.Standard), holding.Price.String(), now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert nft holding: %w", err)
		}

		if err := insertTransferRecord(ctx, tx, models.NFTTransferRecord{
			HoldingId:       holding.Id,
			ContractAddress: holding.ContractAddress,
			TokenId:         holding.TokenId,
			AfterOwner:      params.AccountId,
			Price:           price,
			Note:            models.NFTNoteDeposit,
			TxHash:          params.TxHash,
			CreatedAt:       now,
		}); err != nil {
			return nil, err
		}
		holdings = append(holdings, holding)
	}

	entry := &models.LedgerEntry{
		Id:            uuid.New().String(),
		AccountId:     params.AccountId,
		Direction:     models.DirectionDeposit,
		Asset:         store.NFTAsset(params.ContractAddress, params.TokenId),
		Method:        models.MethodNFT,
		Amount:        decimal.NewFromInt(params.Units),
		Fee:           decimal.Zero,
		BalanceBefore: decimal.NewFromInt(int64(before)),
		BalanceAfter:  decimal.NewFromInt(int64(before) + params.Units),
		ProcessingKey: params.ProcessingKey,
		Reference:     params.TxHash,
		CreatedAt:     now,
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit nft deposit: %w", err)
	}

	zap.L().Info("NFT deposit recorded",
		zap.String("account_id", params.AccountId),
		zap.String("contract", params.ContractAddress),
		zap.String("token_id", params.TokenId),
		zap.Int64("units", params.Units),
		zap.String("tx_hash", params.TxHash))
	return holdings, nil
}

// WithdrawNFT soft-deletes params.Units of the account's live holdings of a token.
// Fewer live holdings than requested returns store.ErrNFTNotOwned.
func (s *Service) WithdrawNFT(ctx context.Context, params store.NFTWithdrawParams) ([]models.NFTHolding, error) {
	if params.Units <= 0 {
		return nil, fmt.Errorf("nft units must be positive, got %d", params.Units)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := getEntryByProcessingKey(ctx, tx, params.ProcessingKey, models.DirectionWithdraw); err == nil {
		return nil, fmt.Errorf("processing key %s: %w", params.ProcessingKey, store.ErrDuplicateTransaction)
	} else if !errors.Is(err, store.ErrEntryNotFound) {
		return nil, err
	}

	before, err := countAccountHoldings(ctx, tx, params.AccountId, params.ContractAddress, params.TokenId)
	if err != nil {
		return nil, err
	}
	if int64(before) < params.Units {
		return nil, fmt.Errorf("holds %d of %s, requested %d: %w",
			before, store.NFTAsset(params.ContractAddress, params.TokenId), params.Units, store.ErrNFTNotOwned)
	}

	rows, err := tx.QueryContext(ctx, queryGetAccountHoldingsForToken,
		params.AccountId, params.ContractAddress, params.TokenId, params.Units)
	if err != nil {
		return nil, fmt.Errorf("failed to query nft holdings: %w", err)
	}
	var holdings []models.NFTHolding
	for rows.Next() {
		holding, err := scanHolding(rows)
		if err != nil {
			closeRows(rows)
			return nil, err
		}
		holdings = append(holdings, *holding)
	}
	iterErr := rows.Err()
	closeRows(rows)
	if iterErr != nil {
		return nil, fmt.Errorf("error iterating holding rows: %w", iterErr)
	}

	now := time.Now().UTC()
	for i := range holdings {
		if _, err := tx.ExecContext(ctx, queryDeleteHolding, now, holdings[i].Id); err != nil {
			return nil, fmt.Errorf("failed to delete nft holding: %w", err)
		}
		holdings[i].Deleted = true
		holdings[i].UpdatedAt = now

		if err := insertTransferRecord(ctx, tx, models.NFTTransferRecord{
			HoldingId:       holdings[i].Id,
			ContractAddress: holdings[i].ContractAddress,
			TokenId:         holdings[i].TokenId,
			BeforeOwner:     params.AccountId,
			AfterOwner:      params.Destination,
			Price:           holdings[i].Price,
			Note:            models.NFTNoteWithdraw,
			CreatedAt:       now,
		}); err != nil {
			return nil, err
		}
	}

	entry := &models.LedgerEntry{
		Id:            uuid.New().String(),
		AccountId:     params.AccountId,
		Direction:     models.DirectionWithdraw,
		Asset:         store.NFTAsset(params.ContractAddress, params.TokenId),
		Method:        models.MethodNFT,
		Amount:        decimal.NewFromInt(params.Units),
		Fee:           decimal.Zero,
		BalanceBefore: decimal.NewFromInt(int64(before)),
		BalanceAfter:  decimal.NewFromInt(int64(before) - params.Units),
		ProcessingKey: params.ProcessingKey,
		Reference:     params.Destination,
		CreatedAt:     now,
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit nft withdrawal: %w", err)
	}

	zap.L().Info("NFT withdrawal recorded",
		zap.String("account_id", params.AccountId),
		zap.String("contract", params.ContractAddress),
		zap.String("token_id", params.TokenId),
		zap.Int64("units", params.Units),
		zap.String("destination", params.Destination))
	return holdings, nil
}

func (s *Service) ListNFTHoldings(ctx context.Context, accountId string) ([]models.NFTHolding, error) {
	rows, err := s.db.QueryContext(ctx, queryListHoldings, accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to list nft holdings: %w", err)
	}
	defer closeRows(rows)

	var holdings []models.NFTHolding
	for rows.Next() {
		holding, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *holding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holding rows: %w", err)
	}
	return holdings, nil
}

// GetNFTHistory returns transfer records where the account is either side, newest first
func (s *Service) GetNFTHistory(ctx context.Context, accountId string, offset, count int) ([]models.NFTTransferRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, queryCountNFTHistory, accountId, accountId).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count nft history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryGetNFTHistory, accountId, accountId, count, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query nft history: %w", err)
	}
	defer closeRows(rows)

	records := make([]models.NFTTransferRecord, 0, count)
	for rows.Next() {
		var record models.NFTTransferRecord
		var priceStr, note string
		err := rows.Scan(&record.Id, &record.HoldingId, &record.ContractAddress, &record.TokenId,
			&record.BeforeOwner, &record.AfterOwner, &priceStr, &note, &record.TxHash, &record.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan nft transfer record: %w", err)
		}
		if record.Price, err = parseDecimal("price", priceStr); err != nil {
			return nil, 0, err
		}
		record.Note = models.NFTNote(note)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating nft history rows: %w", err)
	}
	return records, total, nil
}

func countAccountHoldings(ctx context.Context, q queryer, accountId, contract, tokenId string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, queryCountAccountHoldings, accountId, contract, tokenId).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count account holdings: %w", err)
	}
	return n, nil
}

func insertTransferRecord(ctx context.Context, tx *sql.Tx, record models.NFTTransferRecord) error {
	_, err := tx.ExecContext(ctx, queryInsertTransferRecord,
		uuid.New().String(), record.HoldingId, record.ContractAddress, record.TokenId,
		record.BeforeOwner, record.AfterOwner, record.Price.String(), string(record.Note), record.TxHash, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert nft transfer record: %w", err)
	}
	return nil
}

func scanHolding(row rowScanner) (*models.NFTHolding, error) {
	var holding models.NFTHolding
	var standard, priceStr string
	err := row.Scan(&holding.Id, &holding.AccountId, &holding.Network, &holding.ContractAddress, &holding.TokenId,
		&standard, &priceStr, &holding.Deleted, &holding.CreatedAt, &holding.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan nft holding: %w", err)
	}
	holding.Standard = models.NFTStandard(standard)
	if holding.Price, err = parseDecimal("price", priceStr); err != nil {
		return nil, err
	}
	return &holding, nil
}
