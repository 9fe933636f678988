package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const depositAddressColumns = `idx, address, lease_owner, leased_at, in_use`

func (s *Service) SyncDepositAddresses(ctx context.Context, addresses []models.DepositAddress) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	for _, addr := range addresses {
		var stored string
		err := tx.QueryRow(ctx, `
			INSERT INTO deposit_addresses (idx, address) VALUES ($1, $2)
			ON CONFLICT (idx) DO UPDATE SET idx = EXCLUDED.idx
			RETURNING address`, int64(addr.Index), addr.Address).Scan(&stored)
		if err != nil {
			return fmt.Errorf("failed to sync pool address %d: %w", addr.Index, err)
		}
		if !strings.EqualFold(stored, addr.Address) {
			return fmt.Errorf("index %d: %w", addr.Index, store.ErrPoolMismatch)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pool sync: %w", err)
	}
	zap.L().Info("Deposit address pool synced", zap.Int("size", len(addresses)))
	return nil
}

// leaseAttempts bounds how often LeaseAddress retries while every leasable
// slot is row-locked by another transaction.
const leaseAttempts = 3

var errSlotsLocked = errors.New("every leasable slot is locked")

// LeaseAddress claims the lowest free or expired slot; SKIP LOCKED lets
// concurrent leasers move on to the next slot instead of waiting. Finding
// nothing that way is only exhaustion when a plain count agrees.
func (s *Service) LeaseAddress(ctx context.Context, accountId string, now time.Time, ttl time.Duration) (*models.DepositAddress, error) {
	for attempt := 1; ; attempt++ {
		addr, err := s.leaseOnce(ctx, accountId, now, ttl)
		if !errors.Is(err, errSlotsLocked) {
			return addr, err
		}

		var leasable int
		if err := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM deposit_addresses
			WHERE in_use = false OR leased_at < $1`, now.Add(-ttl)).Scan(&leasable); err != nil {
			return nil, fmt.Errorf("failed to count leasable addresses: %w", err)
		}
		if leasable == 0 {
			return nil, store.ErrPoolExhausted
		}
		if attempt == leaseAttempts {
			return nil, fmt.Errorf("%d leasable addresses held by concurrent leases: %w", leasable, store.ErrConcurrentModification)
		}

		zap.L().Debug("Leasable addresses locked, retrying",
			zap.Int("attempt", attempt),
			zap.Int("leasable", leasable))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}
}

func (s *Service) leaseOnce(ctx context.Context, accountId string, now time.Time, ttl time.Duration) (*models.DepositAddress, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	addr, err := scanDepositAddress(tx.QueryRow(ctx, `
		SELECT `+depositAddressColumns+`
		FROM deposit_addresses
		WHERE in_use = false OR leased_at < $1
		ORDER BY idx
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now.Add(-ttl)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errSlotsLocked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pool address: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE deposit_addresses SET lease_owner = $1, leased_at = $2, in_use = true WHERE idx = $3`,
		accountId, now.UTC(), int64(addr.Index)); err != nil {
		return nil, fmt.Errorf("failed to lease pool address: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	addr.LeaseOwner = accountId
	addr.LeasedAt = now.UTC()
	addr.InUse = true
	return addr, nil
}

func (s *Service) FindLeaseByAddress(ctx context.Context, address string) (*models.DepositAddress, error) {
	addr, err := scanDepositAddress(s.pool.QueryRow(ctx, `
		SELECT `+depositAddressColumns+` FROM deposit_addresses WHERE LOWER(address) = LOWER($1)`, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", address, store.ErrAddressNotInPool)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pool address: %w", err)
	}
	return addr, nil
}

func (s *Service) ReleaseAddress(ctx context.Context, address string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deposit_addresses SET lease_owner = '', leased_at = NULL, in_use = false
		WHERE LOWER(address) = LOWER($1)`, address)
	if err != nil {
		return fmt.Errorf("failed to release pool address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", address, store.ErrAddressNotInPool)
	}
	return nil
}

func (s *Service) ReclaimExpiredLeases(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deposit_addresses SET lease_owner = '', leased_at = NULL, in_use = false
		WHERE in_use = true AND leased_at < $1`, now.Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Service) ListDepositAddresses(ctx context.Context) ([]models.DepositAddress, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+depositAddressColumns+` FROM deposit_addresses ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool addresses: %w", err)
	}
	defer rows.Close()

	var addresses []models.DepositAddress
	for rows.Next() {
		addr, err := scanDepositAddress(rows)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, *addr)
	}
	return addresses, rows.Err()
}

func scanDepositAddress(row rowScanner) (*models.DepositAddress, error) {
	var addr models.DepositAddress
	var idx int64
	var leasedAt *time.Time
	if err := row.Scan(&idx, &addr.Address, &addr.LeaseOwner, &leasedAt, &addr.InUse); err != nil {
		return nil, err
	}
	addr.Index = uint32(idx)
	if leasedAt != nil {
		addr.LeasedAt = *leasedAt
	}
	return &addr, nil
}
