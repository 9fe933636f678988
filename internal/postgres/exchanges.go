package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/jackc/pgx/v5"
)

const exchangeColumns = `external_id, account_id, direction, from_ticker, to_ticker, asset,
	requested_amount::text, quoted_output::text, output_amount::text, payin_address, destination_address,
	payout_hash, status, reconciled, stale_reported, created_at, updated_at`

func (s *Service) CreatePendingExchange(ctx context.Context, ex models.PendingExchange) error {
	now := time.Now().UTC()
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now
	}
	if ex.Status == "" {
		ex.Status = models.ExchangeNew
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_exchanges (external_id, account_id, direction, from_ticker, to_ticker, asset,
			requested_amount, quoted_output, output_amount, payin_address, destination_address, payout_hash,
			status, reconciled, stale_reported, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		ex.ExternalId, ex.AccountId, string(ex.Direction), ex.FromTicker, ex.ToTicker, ex.Asset,
		ex.RequestedAmount.String(), ex.QuotedOutput.String(), ex.OutputAmount.String(),
		ex.PayinAddress, ex.DestinationAddress, ex.PayoutHash, string(ex.Status),
		ex.Reconciled, ex.StaleReported, ex.CreatedAt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("exchange %s: %w", ex.ExternalId, store.ErrDuplicateTransaction)
		}
		return fmt.Errorf("failed to insert pending exchange: %w", err)
	}
	return nil
}

func (s *Service) GetPendingExchange(ctx context.Context, externalId string) (*models.PendingExchange, error) {
	return s.getExchange(ctx, `external_id = $1`, externalId)
}

func (s *Service) FindExchangeByPayoutHash(ctx context.Context, payoutHash string) (*models.PendingExchange, error) {
	return s.getExchange(ctx, `payout_hash != '' AND LOWER(payout_hash) = LOWER($1)`, payoutHash)
}

func (s *Service) getExchange(ctx context.Context, where, arg string) (*models.PendingExchange, error) {
	ex, err := scanExchange(s.pool.QueryRow(ctx, `SELECT `+exchangeColumns+` FROM pending_exchanges WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", arg, store.ErrExchangeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending exchange: %w", err)
	}
	return ex, nil
}

func (s *Service) ListOpenExchanges(ctx context.Context) ([]models.PendingExchange, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+exchangeColumns+`
		FROM pending_exchanges WHERE reconciled = false ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []models.PendingExchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, *ex)
	}
	return exchanges, rows.Err()
}

func (s *Service) UpdateExchange(ctx context.Context, update store.ExchangeUpdate) error {
	return s.execExchange(ctx, update.ExternalId, `
		UPDATE pending_exchanges SET status = $1, output_amount = $2, payout_hash = $3, updated_at = now()
		WHERE external_id = $4`,
		string(update.Status), update.OutputAmount.String(), update.PayoutHash, update.ExternalId)
}

func (s *Service) MarkExchangeReconciled(ctx context.Context, externalId string) error {
	return s.execExchange(ctx, externalId, `
		UPDATE pending_exchanges SET reconciled = true, updated_at = now() WHERE external_id = $1`, externalId)
}

func (s *Service) MarkExchangeStaleReported(ctx context.Context, externalId string) error {
	return s.execExchange(ctx, externalId, `
		UPDATE pending_exchanges SET stale_reported = true, updated_at = now() WHERE external_id = $1`, externalId)
}

func (s *Service) execExchange(ctx context.Context, externalId, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update exchange %s: %w", externalId, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", externalId, store.ErrExchangeNotFound)
	}
	return nil
}

func scanExchange(row rowScanner) (*models.PendingExchange, error) {
	var ex models.PendingExchange
	var direction, status, requested, quoted, output string
	err := row.Scan(&ex.ExternalId, &ex.AccountId, &direction, &ex.FromTicker, &ex.ToTicker, &ex.Asset,
		&requested, &quoted, &output, &ex.PayinAddress, &ex.DestinationAddress, &ex.PayoutHash,
		&status, &ex.Reconciled, &ex.StaleReported, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.Direction = models.Direction(direction)
	ex.Status = models.ExchangeStatus(status)
	if ex.RequestedAmount, err = parseDecimal("requested_amount", requested); err != nil {
		return nil, err
	}
	if ex.QuotedOutput, err = parseDecimal("quoted_output", quoted); err != nil {
		return nil, err
	}
	if ex.OutputAmount, err = parseDecimal("output_amount", output); err != nil {
		return nil, err
	}
	return &ex, nil
}
