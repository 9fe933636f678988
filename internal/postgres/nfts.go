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

const holdingColumns = `id, account_id, network, contract_address, token_id, standard, price::text, deleted, created_at, updated_at`

func (s *Service) DepositNFT(ctx context.Context, params store.NFTDepositParams) ([]models.NFTHolding, error) {
	if params.Units <= 0 {
		return nil, fmt.Errorf("nft units must be positive, got %d", params.Units)
	}
	if params.Standard == models.NFTStandardERC721 && params.Units != 1 {
		return nil, fmt.Errorf("single-unit token deposit with %d units", params.Units)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	// Serialise writers per token for the rest of the transaction
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		store.NFTAsset(params.ContractAddress, params.TokenId)); err != nil {
		return nil, fmt.Errorf("failed to lock token: %w", err)
	}

	if _, err := getEntryByProcessingKey(ctx, tx, params.ProcessingKey, models.DirectionDeposit); err == nil {
		return nil, fmt.Errorf("processing key %s: %w", params.ProcessingKey, store.ErrDuplicateTransaction)
	} else if !errors.Is(err, store.ErrEntryNotFound) {
		return nil, err
	}

	if params.Standard == models.NFTStandardERC721 {
		var live int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM nft_holdings
			WHERE LOWER(contract_address) = LOWER($1) AND token_id = $2 AND NOT deleted`,
			params.ContractAddress, params.TokenId).Scan(&live); err != nil {
			return nil, fmt.Errorf("failed to count live holdings: %w", err)
		}
		if live > 0 {
			return nil, fmt.Errorf("%s: %w", store.NFTAsset(params.ContractAddress, params.TokenId), store.ErrNFTAlreadyHeld)
		}
	}

	price := decimal.Zero
	var priceStr string
	err = tx.QueryRow(ctx, `
		SELECT price::text FROM nft_holdings
		WHERE LOWER(contract_address) = LOWER($1) AND token_id = $2
		ORDER BY updated_at DESC, seq DESC LIMIT 1`, params.ContractAddress, params.TokenId).Scan(&priceStr)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get last holding price: %w", err)
	}
	if err == nil {
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
		h := models.NFTHolding{
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
		if _, err := tx.Exec(ctx, `
			INSERT INTO nft_holdings (id, account_id, network, contract_address, token_id, standard, price, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			h.Id, h.AccountId, h.Network, h.ContractAddress, h.TokenId, string(h.Standard), h.Price.String(), now); err != nil {
			return nil, fmt.Errorf("failed to insert nft holding: %w", err)
		}
		if err := insertTransferRecord(ctx, tx, models.NFTTransferRecord{
			HoldingId:       h.Id,
			ContractAddress: h.ContractAddress,
			TokenId:         h.TokenId,
			AfterOwner:      params.AccountId,
			Price:           price,
			Note:            models.NFTNoteDeposit,
			TxHash:          params.TxHash,
			CreatedAt:       now,
		}); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}

	if err := insertEntry(ctx, tx, &models.LedgerEntry{
		Id:            uuid.New().String(),
		AccountId:     params.AccountId,
		Direction:     models.DirectionDeposit,
		Asset:         store.NFTAsset(params.ContractAddress, params.TokenId),
		Method:        models.MethodNFT,
		Amount:        decimal.NewFromInt(params.Units),
		BalanceBefore: decimal.NewFromInt(int64(before)),
		BalanceAfter:  decimal.NewFromInt(int64(before) + params.Units),
		ProcessingKey: params.ProcessingKey,
		Reference:     params.TxHash,
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit nft deposit: %w", err)
	}
	zap.L().Info("NFT deposit recorded",
		zap.String("account_id", params.AccountId),
		zap.String("contract", params.ContractAddress),
		zap.String("token_id", params.TokenId),
		zap.Int64("units", params.Units))
	return holdings, nil
}

func (s *Service) WithdrawNFT(ctx context.Context, params store.NFTWithdrawParams) ([]models.NFTHolding, error) {
	if params.Units <= 0 {
		return nil, fmt.Errorf("nft units must be positive, got %d", params.Units)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		store.NFTAsset(params.ContractAddress, params.TokenId)); err != nil {
		return nil, fmt.Errorf("failed to lock token: %w", err)
	}

	if _, err := getEntryByProcessingKey(ctx, tx, params.ProcessingKey, models.DirectionWithdraw); err == nil {
		return nil, fmt.Errorf("processing key %s: %w", params.ProcessingKey, store.ErrDuplicateTransaction)
	} else if !errors.Is(err, store.ErrEntryNotFound) {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT `+holdingColumns+`
		FROM nft_holdings
		WHERE account_id = $1 AND LOWER(contract_address) = LOWER($2) AND token_id = $3 AND NOT deleted
		ORDER BY created_at, seq`, params.AccountId, params.ContractAddress, params.TokenId)
	if err != nil {
		return nil, fmt.Errorf("failed to query nft holdings: %w", err)
	}
	var live []models.NFTHolding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		live = append(live, *h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holding rows: %w", err)
	}

	if int64(len(live)) < params.Units {
		return nil, fmt.Errorf("holds %d of %s, requested %d: %w",
			len(live), store.NFTAsset(params.ContractAddress, params.TokenId), params.Units, store.ErrNFTNotOwned)
	}

	now := time.Now().UTC()
	withdrawn := live[:params.Units]
	for i := range withdrawn {
		if _, err := tx.Exec(ctx, `UPDATE nft_holdings SET deleted = true, updated_at = $1 WHERE id = $2`,
			now, withdrawn[i].Id); err != nil {
			return nil, fmt.Errorf("failed to delete nft holding: %w", err)
		}
		withdrawn[i].Deleted = true
		withdrawn[i].UpdatedAt = now
		if err := insertTransferRecord(ctx, tx, models.NFTTransferRecord{
			HoldingId:       withdrawn[i].Id,
			ContractAddress: withdrawn[i].ContractAddress,
			TokenId:         withdrawn[i].TokenId,
			BeforeOwner:     params.AccountId,
			AfterOwner:      params.Destination,
			Price:           withdrawn[i].Price,
			Note:            models.NFTNoteWithdraw,
			CreatedAt:       now,
		}); err != nil {
			return nil, err
		}
	}

	if err := insertEntry(ctx, tx, &models.LedgerEntry{
		Id:            uuid.New().String(),
		AccountId:     params.AccountId,
		Direction:     models.DirectionWithdraw,
		Asset:         store.NFTAsset(params.ContractAddress, params.TokenId),
		Method:        models.MethodNFT,
		Amount:        decimal.NewFromInt(params.Units),
		BalanceBefore: decimal.NewFromInt(int64(len(live))),
		BalanceAfter:  decimal.NewFromInt(int64(len(live)) - params.Units),
		ProcessingKey: params.ProcessingKey,
		Reference:     params.Destination,
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit nft withdrawal: %w", err)
	}
	return withdrawn, nil
}

func (s *Service) ListNFTHoldings(ctx context.Context, accountId string) ([]models.NFTHolding, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+holdingColumns+`
		FROM nft_holdings WHERE account_id = $1 AND NOT deleted
		ORDER BY contract_address, token_id, created_at, seq`, accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to list nft holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.NFTHolding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

func (s *Service) GetNFTHistory(ctx context.Context, accountId string, offset, count int) ([]models.NFTTransferRecord, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM nft_transfer_records WHERE before_owner = $1 OR after_owner = $1`, accountId).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count nft history: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, holding_id, contract_address, token_id, before_owner, after_owner, price::text, note, tx_hash, created_at
		FROM nft_transfer_records
		WHERE before_owner = $1 OR after_owner = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3`, accountId, count, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query nft history: %w", err)
	}
	defer rows.Close()

	records := make([]models.NFTTransferRecord, 0, count)
	for rows.Next() {
		var r models.NFTTransferRecord
		var price, note string
		if err := rows.Scan(&r.Id, &r.HoldingId, &r.ContractAddress, &r.TokenId, &r.BeforeOwner, &r.AfterOwner,
			&price, &note, &r.TxHash, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan nft transfer record: %w", err)
		}
		if r.Price, err = parseDecimal("price", price); err != nil {
			return nil, 0, err
		}
		r.Note = models.NFTNote(note)
		records = append(records, r)
	}
	return records, total, rows.Err()
}

func countAccountHoldings(ctx context.Context, tx pgx.Tx, accountId, contract, tokenId string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM nft_holdings
		WHERE account_id = $1 AND LOWER(contract_address) = LOWER($2) AND token_id = $3 AND NOT deleted`,
		accountId, contract, tokenId).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count account holdings: %w", err)
	}
	return n, nil
}

func insertTransferRecord(ctx context.Context, tx pgx.Tx, r models.NFTTransferRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO nft_transfer_records (id, holding_id, contract_address, token_id, before_owner, after_owner, price, note, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New().String(), r.HoldingId, r.ContractAddress, r.TokenId, r.BeforeOwner, r.AfterOwner,
		r.Price.String(), string(r.Note), r.TxHash, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert nft transfer record: %w", err)
	}
	return nil
}

func scanHolding(row rowScanner) (*models.NFTHolding, error) {
	var h models.NFTHolding
	var standard, price string
	if err := row.Scan(&h.Id, &h.AccountId, &h.Network, &h.ContractAddress, &h.TokenId,
		&standard, &price, &h.Deleted, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan nft holding: %w", err)
	}
	h.Standard = models.NFTStandard(standard)
	var err error
	if h.Price, err = parseDecimal("price", price); err != nil {
		return nil, err
	}
	return &h, nil
}
