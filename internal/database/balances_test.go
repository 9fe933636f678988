package database

import (
	"context"
	"errors"
	"testing"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/shopspring/decimal"
)

func TestGetBalance_UnknownIsZero(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	balance, err := service.GetBalance(context.Background(), "nobody", "ETH")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !balance.Available.IsZero() {
		t.Errorf("Expected zero balance, got %s", balance.Available.String())
	}
}

func TestGetAllBalances(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	credit(t, service, "acct-1", "ETH", "1", "0x1")
	credit(t, service, "acct-1", "USDT", "25", "0x2")
	credit(t, service, "acct-2", "USDT", "3", "0x3")

	balances, err := service.GetAllBalances(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetAllBalances failed: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("Expected 2 balances, got %d", len(balances))
	}
	if balances[0].Asset != "ETH" || balances[1].Asset != "USDT" {
		t.Errorf("Expected ETH then USDT, got %s then %s", balances[0].Asset, balances[1].Asset)
	}
}

func TestReconcileBalance_DetectsDrift(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	credit(t, service, "acct-1", "USDT", "50", "0x1")
	if _, err := service.Debit(ctx, store.DebitParams{
		AccountId:     "acct-1",
		Asset:         "USDT",
		Method:        models.MethodToken,
		Amount:        decimal.NewFromInt(20),
		ProcessingKey: "wd-1",
	}); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}

	if err := service.ReconcileBalance(ctx, "acct-1", "USDT"); err != nil {
		t.Fatalf("Expected balance to reconcile, got %v", err)
	}

	if _, err := service.db.Exec(`UPDATE balances SET available = '31' WHERE account_id = 'acct-1'`); err != nil {
		t.Fatalf("Failed to tamper with balance: %v", err)
	}
	if err := service.ReconcileBalance(ctx, "acct-1", "USDT"); !errors.Is(err, store.ErrBalanceMismatch) {
		t.Error("Expected reconciliation to fail after tampering")
	}
}

func TestAccounts(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	account, err := service.CreateAccount(ctx, "acct-1", "Alice", "alice@example.com")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if account.Id != "acct-1" {
		t.Errorf("Expected id acct-1, got %s", account.Id)
	}

	if _, err := service.CreateAccount(ctx, "acct-2", "Alice Again", "alice@example.com"); err == nil {
		t.Error("Expected duplicate email to be rejected")
	}

	if _, err := service.GetAccount(ctx, "missing"); err == nil {
		t.Error("Expected error for missing account")
	}

	accounts, err := service.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts failed: %v", err)
	}
	if len(accounts) != 1 {
		t.Errorf("Expected 1 account, got %d", len(accounts))
	}
}
