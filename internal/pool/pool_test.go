package pool

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"custody-deposit-go/internal/chain"
	"custody-deposit-go/internal/chain/chaintest"
	"custody-deposit-go/internal/database"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/ethereum/go-ethereum/common"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func setupPool(t *testing.T, size int) (*Pool, *database.Service) {
	t.Helper()

	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "pool.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(db.Close)

	p, err := New(models.PoolConfig{Mnemonic: testMnemonic, Size: size, LeaseTTL: 24 * time.Hour}, db)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	if err := p.Sync(context.Background()); err != nil {
		t.Fatalf("Failed to sync pool: %v", err)
	}
	return p, db
}

func TestDerivePool_KnownVector(t *testing.T) {
	keys, err := DerivePool(testMnemonic, "", 2)
	if err != nil {
		t.Fatalf("DerivePool failed: %v", err)
	}

	want := common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94")
	if keys[0].Address != want {
		t.Errorf("index 0 = %s, want %s", keys[0].Address.Hex(), want.Hex())
	}
	if keys[0].Address == keys[1].Address {
		t.Error("indices 0 and 1 derived the same address")
	}
}

func TestDerivePool_Deterministic(t *testing.T) {
	a, err := DerivePool(testMnemonic, "", 5)
	if err != nil {
		t.Fatalf("DerivePool failed: %v", err)
	}
	b, err := DerivePool("  abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon   about ", "", 5)
	if err != nil {
		t.Fatalf("DerivePool failed: %v", err)
	}
	for i := range a {
		if a[i].Address != b[i].Address {
			t.Errorf("index %d differs between runs", i)
		}
	}

	withPass, err := DerivePool(testMnemonic, "TREZOR", 1)
	if err != nil {
		t.Fatalf("DerivePool failed: %v", err)
	}
	if withPass[0].Address == a[0].Address {
		t.Error("passphrase did not change the derived set")
	}
}

func TestDerivePool_Invalid(t *testing.T) {
	if _, err := DerivePool("abandon about", "", 1); err == nil {
		t.Error("expected error for short mnemonic")
	}
	if _, err := DerivePool(testMnemonic, "", 0); err == nil {
		t.Error("expected error for empty pool")
	}
}

func TestDeriveTreasury_SeparateAccount(t *testing.T) {
	treasury, err := DeriveTreasury(testMnemonic, "")
	if err != nil {
		t.Fatalf("DeriveTreasury failed: %v", err)
	}
	keys, _ := DerivePool(testMnemonic, "", 10)
	for _, k := range keys {
		if k.Address == treasury.Address {
			t.Fatalf("treasury collides with pool index %d", k.Index)
		}
	}
}

func TestKeySigner_SignsForItsAddress(t *testing.T) {
	p, _ := setupPool(t, 1)
	client := chaintest.New("devnet")

	signer := p.Treasury()
	if signer.Address() != p.TreasuryAddress() {
		t.Fatal("treasury signer address mismatch")
	}
	if _, err := client.SubmitTransfer(context.Background(), signer, chain.TransferRequest{Kind: chain.KindNative, To: common.Address{1}, Amount: big.NewInt(1)}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
}

func TestLease_ExhaustionAtCapacityPlusOne(t *testing.T) {
	p, _ := setupPool(t, 3)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		addr, err := p.Lease(ctx, "acct")
		if err != nil {
			t.Fatalf("lease %d failed: %v", i, err)
		}
		if seen[addr.Address] {
			t.Fatalf("address %s leased twice", addr.Address)
		}
		seen[addr.Address] = true
	}

	if _, err := p.Lease(ctx, "acct"); !errors.Is(err, store.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestLease_ExpiryClock(t *testing.T) {
	p, _ := setupPool(t, 1)
	ctx := context.Background()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return start }

	first, err := p.Lease(ctx, "alice")
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}

	p.now = func() time.Time { return start.Add(23 * time.Hour) }
	if _, err := p.Lease(ctx, "bob"); !errors.Is(err, store.ErrPoolExhausted) {
		t.Fatalf("expected lease to be held at 23h, got %v", err)
	}
	owner, ok, err := p.LeaseOwner(ctx, common.HexToAddress(first.Address))
	if err != nil || !ok || owner != "alice" {
		t.Fatalf("LeaseOwner = %q, %v, %v; want alice", owner, ok, err)
	}

	p.now = func() time.Time { return start.Add(25 * time.Hour) }
	second, err := p.Lease(ctx, "bob")
	if err != nil {
		t.Fatalf("expected reassignment at 25h, got %v", err)
	}
	if second.Address != first.Address || second.LeaseOwner != "bob" {
		t.Errorf("lease = %+v, want %s owned by bob", second, first.Address)
	}
}

func TestReleaseAndReclaim(t *testing.T) {
	p, _ := setupPool(t, 2)
	ctx := context.Background()

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return start }

	a, _ := p.Lease(ctx, "alice")
	if _, err := p.Lease(ctx, "bob"); err != nil {
		t.Fatalf("lease failed: %v", err)
	}

	if err := p.Release(ctx, common.HexToAddress(a.Address)); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, ok, _ := p.LeaseOwner(ctx, common.HexToAddress(a.Address)); ok {
		t.Error("released address still has an owner")
	}

	p.now = func() time.Time { return start.Add(48 * time.Hour) }
	n, err := p.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed %d leases, want 1", n)
	}
}

func TestLeaseOwner_UnknownAddress(t *testing.T) {
	p, _ := setupPool(t, 1)
	_, ok, err := p.LeaseOwner(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000ff"))
	if err != nil || ok {
		t.Errorf("LeaseOwner(foreign) = %v, %v; want false, nil", ok, err)
	}
}

func TestSync_DetectsSeedChange(t *testing.T) {
	p, db := setupPool(t, 2)

	other, err := New(models.PoolConfig{Mnemonic: testMnemonic, Passphrase: "changed", Size: 2}, db)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	if err := other.Sync(context.Background()); !errors.Is(err, store.ErrPoolMismatch) {
		t.Fatalf("expected ErrPoolMismatch, got %v", err)
	}
	if err := p.Sync(context.Background()); err != nil {
		t.Fatalf("resync with the original seed failed: %v", err)
	}
}

func TestSweep_NativeLeavesGas(t *testing.T) {
	p, _ := setupPool(t, 1)
	client := chaintest.New("devnet")
	client.SetGasPrice(big.NewInt(10))

	addr := p.Addresses()[0]
	client.SetBalance(addr, big.NewInt(1_000_000))

	if _, err := p.Sweep(context.Background(), client, addr, chain.TransferRequest{Kind: chain.KindNative}); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	subs := client.Submissions()
	if len(subs) != 1 {
		t.Fatalf("expected one submission, got %d", len(subs))
	}
	if subs[0].From != addr || subs[0].Req.To != p.TreasuryAddress() {
		t.Errorf("sweep went %s -> %s", subs[0].From.Hex(), subs[0].Req.To.Hex())
	}
	if want := big.NewInt(1_000_000 - 10*sweepGas); subs[0].Req.Amount.Cmp(want) != 0 {
		t.Errorf("swept %s, want %s", subs[0].Req.Amount, want)
	}
}

func TestSweep_ForeignAddress(t *testing.T) {
	p, _ := setupPool(t, 1)
	_, err := p.Sweep(context.Background(), chaintest.New("devnet"), common.Address{7}, chain.TransferRequest{Kind: chain.KindNative})
	if !errors.Is(err, store.ErrAddressNotInPool) {
		t.Fatalf("expected ErrAddressNotInPool, got %v", err)
	}
}
