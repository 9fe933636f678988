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
)

func (s *Service) RecordReconciliationItem(ctx context.Context, item models.ReconciliationItem) (*models.ReconciliationItem, error) {
	if item.Id == "" {
		item.Id = uuid.New().String()
	}
	item.CreatedAt = time.Now().UTC()
	item.Resolved = false

	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_items (id, kind, account_id, asset, amount, reference, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		item.Id, string(item.Kind), item.AccountId, item.Asset, item.Amount.String(), item.Reference, item.Reason, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reconciliation item: %w", err)
	}
	return &item, nil
}

func (s *Service) ListReconciliationItems(ctx context.Context, includeResolved bool) ([]models.ReconciliationItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, account_id, asset, amount::text, reference, reason, resolved, resolution, created_at, resolved_at
		FROM reconciliation_items
		WHERE $1 OR NOT resolved
		ORDER BY created_at`, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation items: %w", err)
	}
	defer rows.Close()

	var items []models.ReconciliationItem
	for rows.Next() {
		var item models.ReconciliationItem
		var kind, amount string
		var resolvedAt *time.Time
		if err := rows.Scan(&item.Id, &kind, &item.AccountId, &item.Asset, &amount, &item.Reference,
			&item.Reason, &item.Resolved, &item.Resolution, &item.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation item: %w", err)
		}
		item.Kind = models.ReconciliationKind(kind)
		if item.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, err
		}
		if resolvedAt != nil {
			item.ResolvedAt = *resolvedAt
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Service) ResolveReconciliationItem(ctx context.Context, id, resolution string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reconciliation_items SET resolved = true, resolution = $1, resolved_at = now()
		WHERE id = $2 AND NOT resolved`, resolution, id)
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, store.ErrItemNotFound)
	}
	return nil
}

func (s *Service) GetCursor(ctx context.Context, chain string) (uint64, bool, error) {
	var height int64
	err := s.pool.QueryRow(ctx, `SELECT height FROM chain_cursors WHERE chain = $1`, chain).Scan(&height)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get cursor for %s: %w", chain, err)
	}
	return uint64(height), true, nil
}

func (s *Service) SetCursor(ctx context.Context, chain string, height uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chain_cursors (chain, height, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (chain) DO UPDATE SET height = EXCLUDED.height, updated_at = now()`, chain, int64(height))
	if err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", chain, err)
	}
	return nil
}
