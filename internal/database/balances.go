package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetBalance returns current balance for account/asset (O(1) lookup)
func (s *SubledgerService) GetBalance(ctx context.Context, accountId, asset string) (*models.Balance, error) {
	zap.L().Debug("Getting balance", zap.String("account_id", accountId), zap.String("asset", asset))

	balance, err := scanBalance(s.db.QueryRowContext(ctx, queryGetBalance, accountId, asset))
	if errors.Is(err, sql.ErrNoRows) {
		// No balance record means zero balance
		return &models.Balance{
			AccountId: accountId,
			Asset:     asset,
			Available: decimal.Zero,
			Deposited: decimal.Zero,
			Withdrawn: decimal.Zero,
		}, nil
	}
	if err != nil {
		zap.L().Error("Failed to get balance", zap.String("account_id", accountId), zap.String("asset", asset), zap.Error(err))
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	zap.L().Debug("Retrieved balance",
		zap.String("account_id", accountId),
		zap.String("asset", asset),
		zap.String("available", balance.Available.String()))
	return balance, nil
}

// GetAllBalances returns every balance row for an account
func (s *SubledgerService) GetAllBalances(ctx context.Context, accountId string) ([]models.Balance, error) {
	zap.L().Debug("Getting all balances", zap.String("account_id", accountId))

	rows, err := s.db.QueryContext(ctx, queryGetAllBalances, accountId)
	if err != nil {
		zap.L().Error("Failed to get all balances", zap.String("account_id", accountId), zap.Error(err))
		return nil, fmt.Errorf("failed to get all balances: %w", err)
	}
	defer closeRows(rows)

	var balances []models.Balance
	for rows.Next() {
		balance, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, *balance)
	}

	// Check for errors during iteration
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during balance row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating balance rows: %w", err)
	}

	zap.L().Debug("Retrieved all balances", zap.String("account_id", accountId), zap.Int("count", len(balances)))
	return balances, nil
}

// ReconcileBalance verifies that the balance row matches the sum of all ledger entries
func (s *SubledgerService) ReconcileBalance(ctx context.Context, accountId, asset string) error {
	zap.L().Info("Reconciling balance", zap.String("account_id", accountId), zap.String("asset", asset))

	current, err := s.GetBalance(ctx, accountId, asset)
	if err != nil {
		return fmt.Errorf("failed to get current balance: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryGetEntriesForAsset, accountId, asset)
	if err != nil {
		return fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer closeRows(rows)

	// Amounts are stored as decimal text, so the sum is taken here rather than in SQL
	deposited, withdrawn := decimal.Zero, decimal.Zero
	for rows.Next() {
		var direction, amountStr, feeStr string
		if err := rows.Scan(&direction, &amountStr, &feeStr); err != nil {
			return fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		amount, err := parseDecimal("amount", amountStr)
		if err != nil {
			return err
		}
		fee, err := parseDecimal("fee", feeStr)
		if err != nil {
			return err
		}
		switch models.Direction(direction) {
		case models.DirectionDeposit:
			deposited = deposited.Add(amount).Add(fee)
		case models.DirectionWithdraw:
			withdrawn = withdrawn.Add(amount).Add(fee)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating ledger rows: %w", err)
	}

	return compareBalance(accountId, asset, current, deposited, withdrawn)
}

func compareBalance(accountId, asset string, current *models.Balance, deposited, withdrawn decimal.Decimal) error {
	calculated := deposited.Sub(withdrawn)

	var mismatches []string
	if !current.Available.Equal(calculated) {
		mismatches = append(mismatches, fmt.Sprintf("available current=%s calculated=%s", current.Available, calculated))
	}
	if !current.Deposited.Equal(deposited) {
		mismatches = append(mismatches, fmt.Sprintf("deposited current=%s calculated=%s", current.Deposited, deposited))
	}
	if !current.Withdrawn.Equal(withdrawn) {
		mismatches = append(mismatches, fmt.Sprintf("withdrawn current=%s calculated=%s", current.Withdrawn, withdrawn))
	}

	if len(mismatches) > 0 {
		zap.L().Error("Balance reconciliation failed",
			zap.String("account_id", accountId),
			zap.String("asset", asset),
			zap.Strings("mismatches", mismatches))
		return fmt.Errorf("%s: %w", strings.Join(mismatches, "; "), store.ErrBalanceMismatch)
	}

	zap.L().Info("Balance reconciliation successful",
		zap.String("account_id", accountId),
		zap.String("asset", asset),
		zap.String("available", current.Available.String()))
	return nil
}

func scanBalance(row rowScanner) (*models.Balance, error) {
	var balance models.Balance
	var availableStr, depositedStr, withdrawnStr string
	err := row.Scan(&balance.AccountId, &balance.Asset, &availableStr, &depositedStr, &withdrawnStr,
		&balance.Version, &balance.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if balance.Available, err = parseDecimal("available", availableStr); err != nil {
		return nil, err
	}
	if balance.Deposited, err = parseDecimal("deposited", depositedStr); err != nil {
		return nil, err
	}
	if balance.Withdrawn, err = parseDecimal("withdrawn", withdrawnStr); err != nil {
		return nil, err
	}
	return &balance, nil
}
