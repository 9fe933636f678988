package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCursor returns the last fully processed block for a chain; ok is false when none was stored.
func (s *Service) GetCursor(ctx context.Context, chain string) (uint64, bool, error) {
	var height uint64
	err := s.db.QueryRowContext(ctx, queryGetCursor, chain).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get cursor for %s: %w", chain, err)
	}
	return height, true, nil
}

func (s *Service) SetCursor(ctx context.Context, chain string, height uint64) error {
	if _, err := s.db.ExecContext(ctx, queryUpsertCursor, chain, int64(height), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", chain, err)
	}
	return nil
}
