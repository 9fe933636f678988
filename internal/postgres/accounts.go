package postgres

import (
	"context"
	"errors"
	"fmt"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Service) CreateAccount(ctx context.Context, accountId, name, email string) (*models.Account, error) {
	var account models.Account
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
		RETURNING id, name, email, created_at, updated_at`, accountId, name, email).
		Scan(&account.Id, &account.Name, &account.Email, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account with email %s already exists", email)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to insert account: %w", err)
	}
	return &account, nil
}

func (s *Service) GetAccount(ctx context.Context, accountId string) (*models.Account, error) {
	return s.getAccount(ctx, `WHERE id = $1 AND active`, accountId)
}

func (s *Service) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.getAccount(ctx, `WHERE email = $1 AND active`, email)
}

func (s *Service) getAccount(ctx context.Context, where string, arg string) (*models.Account, error) {
	var account models.Account
	err := s.pool.QueryRow(ctx, `SELECT id, name, email, created_at, updated_at FROM accounts `+where, arg).
		Scan(&account.Id, &account.Name, &account.Email, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", arg, store.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query account: %w", err)
	}
	return &account, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, created_at, updated_at FROM accounts WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("unable to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var account models.Account
		if err := rows.Scan(&account.Id, &account.Name, &account.Email, &account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, fmt.Errorf("unable to scan account row: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}
