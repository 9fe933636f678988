package database

import (
	"context"
	"errors"
	"testing"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/shopspring/decimal"
)

func TestPendingExchangeLifecycle(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	ex := models.PendingExchange{
		ExternalId:      "ex-1",
		AccountId:       "acct-1",
		Direction:       models.DirectionDeposit,
		FromTicker:      "sol",
		ToTicker:        "usdterc20",
		Asset:           "USDT",
		RequestedAmount: decimal.NewFromInt(2),
		QuotedOutput:    decimal.RequireFromString("290.5"),
		PayinAddress:    "SoLPayin",
		Status:          models.ExchangeWaiting,
	}
	if err := service.CreatePendingExchange(ctx, ex); err != nil {
		t.Fatalf("CreatePendingExchange failed: %v", err)
	}
	if err := service.CreatePendingExchange(ctx, ex); !errors.Is(err, store.ErrDuplicateTransaction) {
		t.Errorf("Expected ErrDuplicateTransaction on second create, got %v", err)
	}

	open, err := service.ListOpenExchanges(ctx)
	if err != nil {
		t.Fatalf("ListOpenExchanges failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("Expected 1 open exchange, got %d", len(open))
	}

	err = service.UpdateExchange(ctx, store.ExchangeUpdate{
		ExternalId:   "ex-1",
		Status:       models.ExchangeFinished,
		OutputAmount: decimal.RequireFromString("289.9"),
		PayoutHash:   "0xPAYOUT",
	})
	if err != nil {
		t.Fatalf("UpdateExchange failed: %v", err)
	}

	found, err := service.FindExchangeByPayoutHash(ctx, "0xpayout")
	if err != nil {
		t.Fatalf("FindExchangeByPayoutHash failed: %v", err)
	}
	if found.Status != models.ExchangeFinished || !found.OutputAmount.Equal(decimal.RequireFromString("289.9")) {
		t.Errorf("Unexpected exchange after update: %+v", found)
	}

	if err := service.MarkExchangeReconciled(ctx, "ex-1"); err != nil {
		t.Fatalf("MarkExchangeReconciled failed: %v", err)
	}
	open, _ = service.ListOpenExchanges(ctx)
	if len(open) != 0 {
		t.Errorf("Expected no open exchanges after reconciliation, got %d", len(open))
	}

	if err := service.UpdateExchange(ctx, store.ExchangeUpdate{ExternalId: "missing"}); !errors.Is(err, store.ErrExchangeNotFound) {
		t.Errorf("Expected ErrExchangeNotFound, got %v", err)
	}
}

func TestReconciliationItems(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	item, err := service.RecordReconciliationItem(ctx, models.ReconciliationItem{
		Kind:      models.ReconSubmissionAfterDebit,
		AccountId: "acct-1",
		Asset:     "ETH",
		Amount:    decimal.RequireFromString("0.5"),
		Reference: "wd-1",
		Reason:    "rpc unavailable",
	})
	if err != nil {
		t.Fatalf("RecordReconciliationItem failed: %v", err)
	}

	items, err := service.ListReconciliationItems(ctx, false)
	if err != nil {
		t.Fatalf("ListReconciliationItems failed: %v", err)
	}
	if len(items) != 1 || items[0].Kind != models.ReconSubmissionAfterDebit {
		t.Fatalf("Expected one submission_after_debit item, got %+v", items)
	}

	if err := service.ResolveReconciliationItem(ctx, item.Id, "refunded manually"); err != nil {
		t.Fatalf("ResolveReconciliationItem failed: %v", err)
	}
	if err := service.ResolveReconciliationItem(ctx, item.Id, "again"); !errors.Is(err, store.ErrItemNotFound) {
		t.Errorf("Expected ErrItemNotFound on second resolve, got %v", err)
	}

	items, _ = service.ListReconciliationItems(ctx, false)
	if len(items) != 0 {
		t.Errorf("Expected no unresolved items, got %d", len(items))
	}
	items, _ = service.ListReconciliationItems(ctx, true)
	if len(items) != 1 || !items[0].Resolved || items[0].ResolvedAt.IsZero() {
		t.Errorf("Expected one resolved item with timestamp, got %+v", items)
	}
}

func TestChainCursor(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	if _, ok, err := service.GetCursor(ctx, "ethereum"); err != nil || ok {
		t.Fatalf("Expected no cursor, got ok=%v err=%v", ok, err)
	}
	if err := service.SetCursor(ctx, "ethereum", 100); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	if err := service.SetCursor(ctx, "ethereum", 101); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	height, ok, err := service.GetCursor(ctx, "ethereum")
	if err != nil || !ok || height != 101 {
		t.Errorf("Expected cursor 101, got %d ok=%v err=%v", height, ok, err)
	}
}
