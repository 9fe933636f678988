package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) RecordReconciliationItem(ctx context.Context, item models.ReconciliationItem) (*models.ReconciliationItem, error) {
	if item.Id == "" {
		item.Id = uuid.New().String()
	}
	item.CreatedAt = time.Now().UTC()
	item.Resolved = false

	_, err := s.db.ExecContext(ctx, queryInsertReconciliationItem,
		item.Id, string(item.Kind), item.AccountId, item.Asset, item.Amount.String(),
		item.Reference, item.Reason, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reconciliation item: %w", err)
	}

	zap.L().Warn("Reconciliation item recorded",
		zap.String("id", item.Id),
		zap.String("kind", string(item.Kind)),
		zap.String("account_id", item.AccountId),
		zap.String("reference", item.Reference),
		zap.String("reason", item.Reason))
	return &item, nil
}

func (s *Service) ListReconciliationItems(ctx context.Context, includeResolved bool) ([]models.ReconciliationItem, error) {
	query := queryListUnresolvedItems
	if includeResolved {
		query = queryListAllItems
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation items: %w", err)
	}
	defer closeRows(rows)

	var items []models.ReconciliationItem
	for rows.Next() {
		var item models.ReconciliationItem
		var kind, amountStr string
		var resolvedAt sql.NullTime
		err := rows.Scan(&item.Id, &kind, &item.AccountId, &item.Asset, &amountStr, &item.Reference,
			&item.Reason, &item.Resolved, &item.Resolution, &item.CreatedAt, &resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation item: %w", err)
		}
		item.Kind = models.ReconciliationKind(kind)
		if item.Amount, err = parseDecimal("amount", amountStr); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			item.ResolvedAt = resolvedAt.Time
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reconciliation rows: %w", err)
	}
	return items, nil
}

// ResolveReconciliationItem closes an open item; resolving twice returns store.ErrItemNotFound
func (s *Service) ResolveReconciliationItem(ctx context.Context, id, resolution string) error {
	result, err := s.db.ExecContext(ctx, queryResolveItem, resolution, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, store.ErrItemNotFound)
	}
	zap.L().Info("Reconciliation item resolved", zap.String("id", id), zap.String("resolution", resolution))
	return nil
}
