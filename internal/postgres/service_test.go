package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDb connects to POSTGRES_TEST_DSN and empties every table.
func setupTestDb(t *testing.T) *Service {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	svc, err := NewService(ctx, models.DatabaseConfig{PostgresDSN: dsn, MaxOpenConns: 10, PingTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	_, err = svc.pool.Exec(ctx, `TRUNCATE accounts, balances, journal_entries, ledger_entries, deposit_addresses,
		pending_exchanges, nft_transfer_records, nft_holdings, reconciliation_items, chain_cursors`)
	require.NoError(t, err)
	return svc
}

func TestCreditDebit(t *testing.T) {
	svc := setupTestDb(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, store.CreditParams{
		AccountId: "acct-A", Asset: "USDT", Method: models.MethodToken,
		Amount: decimal.NewFromInt(100), ProcessingKey: "0xin",
	})
	require.NoError(t, err)

	_, err = svc.Credit(ctx, store.CreditParams{
		AccountId: "acct-A", Asset: "USDT", Method: models.MethodToken,
		Amount: decimal.NewFromInt(100), ProcessingKey: "0xin",
	})
	assert.ErrorIs(t, err, store.ErrDuplicateTransaction)

	_, err = svc.Debit(ctx, store.DebitParams{
		AccountId: "acct-A", Asset: "USDT", Method: models.MethodToken,
		Amount: decimal.NewFromInt(60), ProcessingKey: "wd-1",
	})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, store.DebitParams{
		AccountId: "acct-A", Asset: "USDT", Method: models.MethodToken,
		Amount: decimal.NewFromInt(41), ProcessingKey: "wd-2",
	})
	assert.ErrorIs(t, err, store.ErrInsufficientFunds)

	balance, err := svc.GetBalance(ctx, "acct-A", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.NewFromInt(40)), "available %s", balance.Available)
	assert.True(t, balance.Withdrawn.Equal(decimal.NewFromInt(60)), "withdrawn %s", balance.Withdrawn)
	assert.NoError(t, svc.ReconcileBalance(ctx, "acct-A", "USDT"))
}

func TestConcurrentDebits(t *testing.T) {
	svc := setupTestDb(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, store.CreditParams{
		AccountId: "acct-1", Asset: "ETH", Method: models.MethodNative,
		Amount: decimal.NewFromInt(5), ProcessingKey: "0xin",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Debit(ctx, store.DebitParams{
				AccountId: "acct-1", Asset: "ETH", Method: models.MethodNative,
				Amount: decimal.NewFromInt(1), ProcessingKey: fmt.Sprintf("wd-%d", i),
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, store.ErrInsufficientFunds)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	balance, err := svc.GetBalance(ctx, "acct-1", "ETH")
	require.NoError(t, err)
	assert.True(t, balance.Available.IsZero())
}

func TestLeaseExpiry(t *testing.T) {
	svc := setupTestDb(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ttl := 24 * time.Hour

	require.NoError(t, svc.SyncDepositAddresses(ctx, []models.DepositAddress{{Index: 0, Address: "0xONLY"}}))

	_, err := svc.LeaseAddress(ctx, "5", t0, ttl)
	require.NoError(t, err)

	_, err = svc.LeaseAddress(ctx, "6", t0.Add(23*time.Hour), ttl)
	assert.ErrorIs(t, err, store.ErrPoolExhausted)

	lease, err := svc.LeaseAddress(ctx, "6", t0.Add(25*time.Hour), ttl)
	require.NoError(t, err)
	assert.Equal(t, "6", lease.LeaseOwner)

	err = svc.SyncDepositAddresses(ctx, []models.DepositAddress{{Index: 0, Address: "0xOTHER"}})
	assert.ErrorIs(t, err, store.ErrPoolMismatch)
}

func TestLeaseWithLockedSlotIsNotExhaustion(t *testing.T) {
	svc := setupTestDb(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, svc.SyncDepositAddresses(ctx, []models.DepositAddress{{Index: 0, Address: "0xONLY"}}))

	// another leaser holds the only free slot
	locker, err := svc.pool.Begin(ctx)
	require.NoError(t, err)
	_, err = locker.Exec(ctx, `SELECT idx FROM deposit_addresses WHERE idx = 0 FOR UPDATE`)
	require.NoError(t, err)

	_, err = svc.LeaseAddress(ctx, "acct-1", now, time.Hour)
	assert.ErrorIs(t, err, store.ErrConcurrentModification)
	assert.NotErrorIs(t, err, store.ErrPoolExhausted)

	require.NoError(t, locker.Rollback(ctx))
	lease, err := svc.LeaseAddress(ctx, "acct-1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", lease.LeaseOwner)

	_, err = svc.LeaseAddress(ctx, "acct-2", now, time.Hour)
	assert.ErrorIs(t, err, store.ErrPoolExhausted)
}

type textRow []string

func (r textRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			if i < len(r) {
				*v = r[i]
			}
		case *int64:
			*v = 1
		case *time.Time:
			*v = time.Unix(0, 0).UTC()
		default:
			return fmt.Errorf("unexpected scan target %T", d)
		}
	}
	return nil
}

func TestScanBalanceRejectsCorruptAmount(t *testing.T) {
	row := textRow{"acct-1", "USDT", "12.5", "not-a-number", "0"}
	_, err := scanBalance(row)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deposited")

	balance, err := scanBalance(textRow{"acct-1", "USDT", "12.5", "12.5", "0"})
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("12.5")))
}
