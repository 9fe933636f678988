package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"go.uber.org/zap"
)

// SyncDepositAddresses inserts missing pool slots and verifies that existing
// slots still hold the address derived for their index.
func (s *Service) SyncDepositAddresses(ctx context.Context, addresses []models.DepositAddress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	inserted := 0
	for _, addr := range addresses {
		var stored string
		err := tx.QueryRowContext(ctx, queryGetDepositAddressByIndex, addr.Index).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, queryInsertDepositAddress, addr.Index, addr.Address); err != nil {
				return fmt.Errorf("failed to insert pool address %d: %w", addr.Index, err)
			}
			inserted++
		case err != nil:
			return fmt.Errorf("failed to read pool address %d: %w", addr.Index, err)
		case !strings.EqualFold(stored, addr.Address):
			zap.L().Error("Stored pool address does not match derivation",
				zap.Uint32("index", addr.Index),
				zap.String("stored", stored),
				zap.String("derived", addr.Address))
			return fmt.Errorf("index %d: %w", addr.Index, store.ErrPoolMismatch)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pool sync: %w", err)
	}

	zap.L().Info("Deposit address pool synced", zap.Int("size", len(addresses)), zap.Int("inserted", inserted))
	return nil
}

// LeaseAddress hands the lowest free (or expired) slot to accountId.
// The slot test and the lease write happen in one immediate transaction.
func (s *Service) LeaseAddress(ctx context.Context, accountId string, now time.Time, ttl time.Duration) (*models.DepositAddress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx, queryListLeaseCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool addresses: %w", err)
	}

	var candidate *models.DepositAddress
	var candidateVersion int64
	for rows.Next() {
		var version int64
		addr, err := scanDepositAddress(rows, &version)
		if err != nil {
			closeRows(rows)
			return nil, err
		}
		if !addr.InUse || addr.Expired(now, ttl) {
			candidate = addr
			candidateVersion = version
			break
		}
	}
	iterErr := rows.Err()
	closeRows(rows)
	if iterErr != nil {
		return nil, fmt.Errorf("error iterating pool rows: %w", iterErr)
	}

	if candidate == nil {
		zap.L().Warn("Deposit address pool exhausted", zap.String("account_id", accountId))
		return nil, store.ErrPoolExhausted
	}

	result, err := tx.ExecContext(ctx, queryLeaseDepositAddress, accountId, now.UTC(), candidate.Index, candidateVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to lease pool address: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("pool slot %d: %w", candidate.Index, store.ErrConcurrentModification)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	if candidate.InUse {
		zap.L().Info("Reassigned expired lease",
			zap.Uint32("index", candidate.Index),
			zap.String("previous_owner", candidate.LeaseOwner),
			zap.String("account_id", accountId))
	}

	candidate.LeaseOwner = accountId
	candidate.LeasedAt = now.UTC()
	candidate.InUse = true
	return candidate, nil
}

// FindLeaseByAddress returns the pool slot for an address, leased or not.
func (s *Service) FindLeaseByAddress(ctx context.Context, address string) (*models.DepositAddress, error) {
	addr, err := scanDepositAddress(s.db.QueryRowContext(ctx, queryFindDepositAddress, address), nil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", address, store.ErrAddressNotInPool)
		}
		return nil, fmt.Errorf("failed to find pool address: %w", err)
	}
	return addr, nil
}

func (s *Service) ReleaseAddress(ctx context.Context, address string) error {
	result, err := s.db.ExecContext(ctx, queryReleaseDepositAddress, address)
	if err != nil {
		return fmt.Errorf("failed to release pool address: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", address, store.ErrAddressNotInPool)
	}
	zap.L().Debug("Released pool address", zap.String("address", address))
	return nil
}

// ReclaimExpiredLeases frees every lease older than ttl at now.
func (s *Service) ReclaimExpiredLeases(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx, queryListLeaseCandidates)
	if err != nil {
		return 0, fmt.Errorf("failed to list pool addresses: %w", err)
	}

	type slot struct {
		index   uint32
		version int64
	}
	var expired []slot
	for rows.Next() {
		var version int64
		addr, err := scanDepositAddress(rows, &version)
		if err != nil {
			closeRows(rows)
			return 0, err
		}
		if addr.Expired(now, ttl) {
			expired = append(expired, slot{addr.Index, version})
		}
	}
	iterErr := rows.Err()
	closeRows(rows)
	if iterErr != nil {
		return 0, fmt.Errorf("error iterating pool rows: %w", iterErr)
	}

	reclaimed := 0
	for _, sl := range expired {
		result, err := tx.ExecContext(ctx, queryReclaimDepositAddress, sl.index, sl.version)
		if err != nil {
			return 0, fmt.Errorf("failed to reclaim pool address %d: %w", sl.index, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			reclaimed++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reclaim: %w", err)
	}

	if reclaimed > 0 {
		zap.L().Info("Reclaimed expired leases", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}

func (s *Service) ListDepositAddresses(ctx context.Context) ([]models.DepositAddress, error) {
	rows, err := s.db.QueryContext(ctx, queryListDepositAddresses)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool addresses: %w", err)
	}
	defer closeRows(rows)

	var addresses []models.DepositAddress
	for rows.Next() {
		addr, err := scanDepositAddress(rows, nil)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, *addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pool rows: %w", err)
	}
	return addresses, nil
}

// scanDepositAddress reads the address columns and, when version is non-nil, the trailing lease_version.
func scanDepositAddress(row rowScanner, version *int64) (*models.DepositAddress, error) {
	var addr models.DepositAddress
	var leasedAt sql.NullTime
	dest := []any{&addr.Index, &addr.Address, &addr.LeaseOwner, &leasedAt, &addr.InUse}
	if version != nil {
		dest = append(dest, version)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if leasedAt.Valid {
		addr.LeasedAt = leasedAt.Time
	}
	return &addr, nil
}
