package watcher

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"custody-deposit-go/internal/api"
	"custody-deposit-go/internal/bridge/bridgetest"
	"custody-deposit-go/internal/chain"
	"custody-deposit-go/internal/chain/chaintest"
	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/database"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/pool"
	"custody-deposit-go/internal/store"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var (
	usdtContract = ethcommon.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	nftContract  = ethcommon.HexToAddress("0x76BE3b62873462d2142405439777e971754E8E77")
	punkContract = ethcommon.HexToAddress("0xb47e3cd837dDF8e4c57F05d70Ab865de6e193BBB")
	sender       = ethcommon.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type harness struct {
	db         *database.Service
	ledger     *api.LedgerService
	pool       *pool.Pool
	client     *chaintest.Client
	bridge     *bridgetest.Client
	dispatcher *Dispatcher
	catalog    *common.AssetCatalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "ledger.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  5 * time.Second,
		BusyTimeout:  5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	p, err := pool.New(models.PoolConfig{Mnemonic: testMnemonic, Size: 3, LeaseTTL: 24 * time.Hour}, db)
	require.NoError(t, err)
	require.NoError(t, p.Sync(ctx))

	catalog, err := common.NewAssetCatalog([]common.AssetConfig{
		{Symbol: "ETH", Network: "ethereum", Kind: common.AssetNative, Decimals: 18},
		{Symbol: "USDT", Network: "ethereum", Kind: common.AssetToken, Decimals: 6, Contract: usdtContract.Hex()},
		{Symbol: "ITEMS", Network: "ethereum", Kind: common.AssetNFT, Standard: "ERC1155", Contract: nftContract.Hex()},
		{Symbol: "PUNK", Network: "ethereum", Kind: common.AssetNFT, Standard: "ERC721", Contract: punkContract.Hex()},
	})
	require.NoError(t, err)

	ledger := api.NewLedgerService(db)
	dispatcher := NewDispatcher(ledger)
	dctx, cancel := context.WithCancel(ctx)
	dispatcher.Start(dctx)
	t.Cleanup(func() {
		dispatcher.Stop()
		cancel()
	})

	return &harness{
		db:         db,
		ledger:     ledger,
		pool:       p,
		client:     chaintest.New("testnet"),
		bridge:     bridgetest.New(),
		dispatcher: dispatcher,
		catalog:    catalog,
	}
}

func (h *harness) chainWatcher(singleUse, sweep bool) *ChainWatcher {
	return NewChainWatcher(ChainWatcherConfig{
		Client:        h.client,
		Pool:          h.pool,
		Store:         h.db,
		Ledger:        h.ledger,
		Dispatcher:    h.dispatcher,
		Catalog:       h.catalog,
		Confirmations: 2,
		PollInterval:  time.Second,
		StartBlock:    1,
		SingleUse:     singleUse,
		SweepEnabled:  sweep,
	})
}

func (h *harness) lease(t *testing.T, accountId string) ethcommon.Address {
	t.Helper()
	lease, err := h.pool.Lease(context.Background(), accountId)
	require.NoError(t, err)
	return ethcommon.HexToAddress(lease.Address)
}

func (h *harness) balance(t *testing.T, accountId, asset string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), accountId, asset)
	require.NoError(t, err)
	return b.Available
}

func (h *harness) historyTotal(t *testing.T, accountId string) int {
	t.Helper()
	page, err := h.ledger.GetHistory(context.Background(), accountId, 0, 100)
	require.NoError(t, err)
	return page.Total
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func txHash(label string) ethcommon.Hash {
	return crypto.Keccak256Hash([]byte(label))
}

func TestNativeDepositCreditedOnceWhenBlockSeenTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.lease(t, "acct-1")

	h.client.AddNativeTransfer(3, sender, addr, eth(2))
	h.client.SetHead(5)

	w := h.chainWatcher(false, false)
	cursor, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor)
	assert.True(t, h.balance(t, "acct-1", "ETH").Equal(decimal.NewFromInt(2)))

	// Replay the same heights
	require.NoError(t, h.db.SetCursor(ctx, "testnet", 0))
	_, err = w.Tick(ctx)
	require.NoError(t, err)

	assert.True(t, h.balance(t, "acct-1", "ETH").Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 1, h.historyTotal(t, "acct-1"))
}

func TestBlocksBelowConfirmationDepthWait(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.lease(t, "acct-1")

	h.client.AddNativeTransfer(4, sender, addr, eth(1))
	h.client.SetHead(5)

	w := h.chainWatcher(false, false)
	cursor, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor)
	assert.True(t, h.balance(t, "acct-1", "ETH").IsZero())

	h.client.SetHead(6)
	cursor, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cursor)
	assert.True(t, h.balance(t, "acct-1", "ETH").Equal(decimal.NewFromInt(1)))
}

func TestRpcFailureDoesNotAdvanceCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.lease(t, "acct-1")

	h.client.AddNativeTransfer(2, sender, addr, eth(1))
	h.client.SetHead(6)
	h.client.FailBlock(2, errors.New("connection refused"))

	w := h.chainWatcher(false, false)
	_, err := w.Tick(ctx)
	require.Error(t, err)

	cursor, ok, err := h.db.GetCursor(ctx, "testnet")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, cursor, uint64(2))
	assert.True(t, h.balance(t, "acct-1", "ETH").IsZero())

	h.client.FailBlock(2, nil)
	cursor, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cursor)
	assert.True(t, h.balance(t, "acct-1", "ETH").Equal(decimal.NewFromInt(1)))
}

func TestRevertedNativeTransferIgnored(t *testing.T) {
	h := newHarness(t)
	addr := h.lease(t, "acct-1")

	hash := h.client.AddNativeTransfer(2, sender, addr, eth(1))
	h.client.SetReceiptStatus(hash, types.ReceiptStatusFailed)
	h.client.SetHead(4)

	_, err := h.chainWatcher(false, false).Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, h.balance(t, "acct-1", "ETH").IsZero())
}

func TestMalformedLogDoesNotBlockSiblings(t *testing.T) {
	h := newHarness(t)
	addr := h.lease(t, "acct-1")
	tx := txHash("token-tx")

	bad := chaintest.TokenTransferLog(usdtContract, sender, addr, big.NewInt(1), tx, 0)
	bad.Data = []byte{0x01, 0x02}
	h.client.AddLog(2, bad)
	h.client.AddLog(2, chaintest.TokenTransferLog(usdtContract, sender, addr, big.NewInt(25_000_000), tx, 1))
	h.client.SetHead(4)

	_, err := h.chainWatcher(false, false).Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, h.balance(t, "acct-1", "USDT").Equal(decimal.NewFromInt(25)))
}

func TestUncataloguedContractIgnored(t *testing.T) {
	h := newHarness(t)
	addr := h.lease(t, "acct-1")
	other := ethcommon.HexToAddress("0x0000000000000000000000000000000000000bad")

	h.client.AddLog(2, chaintest.TokenTransferLog(other, sender, addr, big.NewInt(5), txHash("other"), 0))
	h.client.SetHead(4)

	_, err := h.chainWatcher(false, false).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.historyTotal(t, "acct-1"))
}

func TestMultiUnitNFTDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.lease(t, "acct-1")

	h.client.AddLog(2, chaintest.MultiNFTTransferLog(nftContract, sender, sender, addr, big.NewInt(7), big.NewInt(3), txHash("nft"), 0))
	h.client.SetHead(4)

	_, err := h.chainWatcher(false, false).Tick(ctx)
	require.NoError(t, err)

	holdings, err := h.ledger.ListNFTHoldings(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, holdings, 3)
	for _, holding := range holdings {
		assert.Equal(t, "7", holding.TokenId)
		assert.Equal(t, models.NFTStandardERC1155, holding.Standard)
	}

	history, err := h.ledger.GetNFTHistory(ctx, "acct-1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, history.Total)
}

func TestSingleUseLeaseReleasedAfterCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.lease(t, "acct-1")

	h.client.AddNativeTransfer(2, sender, addr, eth(1))
	h.client.AddNativeTransfer(2, sender, addr, eth(1))
	h.client.SetHead(4)

	w := h.chainWatcher(true, false)
	_, err := w.Tick(ctx)
	require.NoError(t, err)

	// both transfers of the block belong to the lease
	assert.True(t, h.balance(t, "acct-1", "ETH").Equal(decimal.NewFromInt(2)))

	_, leased, err := h.pool.LeaseOwner(ctx, addr)
	require.NoError(t, err)
	assert.False(t, leased)

	// a later transfer to the released address is queued for an operator
	h.client.AddNativeTransfer(5, sender, addr, eth(1))
	h.client.SetHead(7)
	_, err = w.Tick(ctx)
	require.NoError(t, err)

	assert.True(t, h.balance(t, "acct-1", "ETH").Equal(decimal.NewFromInt(2)))
	items, err := h.ledger.ListReconciliationItems(ctx, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ReconUnattributedDeposit, items[0].Kind)
}

func TestSweepAfterNativeCredit(t *testing.T) {
	h := newHarness(t)
	addr := h.lease(t, "acct-1")

	h.client.AddNativeTransfer(2, sender, addr, eth(1))
	h.client.SetBalance(addr, eth(1))
	h.client.SetHead(4)

	_, err := h.chainWatcher(false, true).Tick(context.Background())
	require.NoError(t, err)

	submissions := h.client.Submissions()
	require.Len(t, submissions, 1)
	assert.Equal(t, addr, submissions[0].From)
	assert.Equal(t, h.pool.TreasuryAddress(), submissions[0].Req.To)
	assert.Equal(t, chain.KindNative, submissions[0].Req.Kind)
}

func TestBridgePayoutToTreasuryCreditsExchangeAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payout := txHash("payout")

	require.NoError(t, h.db.CreatePendingExchange(ctx, models.PendingExchange{
		ExternalId:      "ex-42",
		AccountId:       "acct-9",
		Direction:       models.DirectionDeposit,
		FromTicker:      "sol",
		ToTicker:        "usdterc20",
		Asset:           "USDT",
		RequestedAmount: decimal.NewFromInt(2),
		Status:          models.ExchangeFinished,
		PayoutHash:      payout.Hex(),
	}))

	h.client.AddLog(2, chaintest.TokenTransferLog(usdtContract, sender, h.pool.TreasuryAddress(), big.NewInt(300_000_000), payout, 0))
	h.client.SetHead(4)

	_, err := h.chainWatcher(false, false).Tick(ctx)
	require.NoError(t, err)
	assert.True(t, h.balance(t, "acct-9", "USDT").Equal(decimal.NewFromInt(300)))

	ex, err := h.db.GetPendingExchange(ctx, "ex-42")
	require.NoError(t, err)
	assert.True(t, ex.Reconciled)
}

func (h *harness) bridgeWatcher(deadline time.Duration) *BridgeWatcher {
	return NewBridgeWatcher(BridgeWatcherConfig{
		Bridge:       h.bridge,
		Store:        h.db,
		Ledger:       h.ledger,
		Dispatcher:   h.dispatcher,
		PollInterval: time.Second,
		Deadline:     deadline,
	})
}

func (h *harness) openExchange(t *testing.T, id string, direction models.Direction) {
	t.Helper()
	require.NoError(t, h.db.CreatePendingExchange(context.Background(), models.PendingExchange{
		ExternalId:      id,
		AccountId:       "acct-1",
		Direction:       direction,
		FromTicker:      "sol",
		ToTicker:        "usdterc20",
		Asset:           "USDT",
		RequestedAmount: decimal.NewFromInt(2),
		Status:          models.ExchangeWaiting,
	}))
}

func TestBridgeFinishedDepositCreditsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openExchange(t, "ex-1", models.DirectionDeposit)
	h.bridge.SetStatus("ex-1", models.ExchangeFinished, decimal.NewFromInt(299), "0xpayout")

	w := h.bridgeWatcher(24 * time.Hour)
	require.NoError(t, w.Tick(ctx))
	require.NoError(t, w.Tick(ctx))

	assert.True(t, h.balance(t, "acct-1", "USDT").Equal(decimal.NewFromInt(299)))
	assert.Equal(t, 1, h.historyTotal(t, "acct-1"))

	entry, err := h.db.GetEntryByProcessingKey(ctx, "ex-1", models.DirectionDeposit)
	require.NoError(t, err)
	assert.Equal(t, models.MethodBridge, entry.Method)

	open, err := h.db.ListOpenExchanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestBridgeFetchFailureLeavesStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openExchange(t, "ex-1", models.DirectionDeposit)
	h.bridge.StatusErr = errors.New("bridge unavailable")

	require.NoError(t, h.bridgeWatcher(24*time.Hour).Tick(ctx))

	ex, err := h.db.GetPendingExchange(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeWaiting, ex.Status)
	assert.False(t, ex.Reconciled)
}

func TestBridgeFailedWithdrawQueuesItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openExchange(t, "ex-1", models.DirectionWithdraw)
	h.bridge.SetStatus("ex-1", models.ExchangeRefunded, decimal.Zero, "")

	require.NoError(t, h.bridgeWatcher(24*time.Hour).Tick(ctx))

	items, err := h.ledger.ListReconciliationItems(ctx, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ReconBridgeWithdrawFailed, items[0].Kind)
	assert.Equal(t, "ex-1", items[0].Reference)
	assert.True(t, h.balance(t, "acct-1", "USDT").IsZero())
}

func TestBridgeDeadlineReportsOnceAndKeepsPolling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openExchange(t, "ex-1", models.DirectionDeposit)
	h.bridge.SetStatus("ex-1", models.ExchangeWaiting, decimal.Zero, "")

	w := h.bridgeWatcher(24 * time.Hour)
	w.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	require.NoError(t, w.Tick(ctx))
	require.NoError(t, w.Tick(ctx))

	items, err := h.ledger.ListReconciliationItems(ctx, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ReconBridgeDeadline, items[0].Kind)

	open, err := h.db.ListOpenExchanges(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.ExchangeWaiting, open[0].Status)

	// still finishes normally afterwards
	h.bridge.SetStatus("ex-1", models.ExchangeFinished, decimal.NewFromInt(10), "0xpayout")
	require.NoError(t, w.Tick(ctx))
	assert.True(t, h.balance(t, "acct-1", "USDT").Equal(decimal.NewFromInt(10)))
}

func (h *harness) claimer() *Claimer {
	return NewClaimer(h.client, h.ledger, h.pool, h.db, h.catalog, 1)
}

func TestClaimTreasuryTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := txHash("claim")

	h.client.AddLog(3, chaintest.TokenTransferLog(usdtContract, sender, h.pool.TreasuryAddress(), big.NewInt(5_000_000), tx, 0))
	h.client.AddLog(3, chaintest.SingleNFTTransferLog(punkContract, sender, h.pool.TreasuryAddress(), big.NewInt(99), tx, 1))

	claimed, err := h.claimer().Claim(ctx, "acct-1", tx)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, tx.Hex()+"#1", claimed[0].ProcessingKey)
	assert.False(t, claimed[0].Duplicate)

	// fungible value is never claimable
	assert.True(t, h.balance(t, "acct-1", "USDT").IsZero())
	holdings, err := h.ledger.ListNFTHoldings(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "99", holdings[0].TokenId)

	// the second claimant gets duplicates, not holdings
	again, err := h.claimer().Claim(ctx, "acct-2", tx)
	require.NoError(t, err)
	for _, c := range again {
		assert.True(t, c.Duplicate)
	}
	holdings, err = h.ledger.ListNFTHoldings(ctx, "acct-2")
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestClaimWithoutTreasuryTransfer(t *testing.T) {
	h := newHarness(t)
	tx := txHash("elsewhere")
	h.client.AddLog(3, chaintest.SingleNFTTransferLog(punkContract, sender, sender, big.NewInt(1), tx, 0))

	_, err := h.claimer().Claim(context.Background(), "acct-1", tx)
	assert.ErrorIs(t, err, ErrNothingToClaim)
}

func TestClaimCannotTakeCreditedBridgePayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payout := txHash("payout")

	require.NoError(t, h.db.CreatePendingExchange(ctx, models.PendingExchange{
		ExternalId:      "ex-42",
		AccountId:       "acct-9",
		Direction:       models.DirectionDeposit,
		FromTicker:      "sol",
		ToTicker:        "usdterc20",
		Asset:           "USDT",
		RequestedAmount: decimal.NewFromInt(2),
		Status:          models.ExchangeFinished,
		PayoutHash:      payout.Hex(),
	}))
	h.client.AddLog(2, chaintest.TokenTransferLog(usdtContract, sender, h.pool.TreasuryAddress(), big.NewInt(300_000_000), payout, 0))
	h.client.SetHead(4)

	_, err := h.chainWatcher(false, false).Tick(ctx)
	require.NoError(t, err)
	require.True(t, h.balance(t, "acct-9", "USDT").Equal(decimal.NewFromInt(300)))

	_, err = h.claimer().Claim(ctx, "acct-2", payout)
	assert.ErrorIs(t, err, ErrNothingToClaim)
	assert.True(t, h.balance(t, "acct-9", "USDT").Equal(decimal.NewFromInt(300)))
	assert.True(t, h.balance(t, "acct-2", "USDT").IsZero())
}

func TestClaimRejectsNFTInBridgePayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payout := txHash("nft-payout")

	require.NoError(t, h.db.CreatePendingExchange(ctx, models.PendingExchange{
		ExternalId:      "ex-43",
		AccountId:       "acct-9",
		Direction:       models.DirectionDeposit,
		FromTicker:      "sol",
		ToTicker:        "usdterc20",
		Asset:           "USDT",
		RequestedAmount: decimal.NewFromInt(2),
		Status:          models.ExchangeFinished,
		PayoutHash:      payout.Hex(),
	}))
	h.client.AddLog(2, chaintest.SingleNFTTransferLog(punkContract, sender, h.pool.TreasuryAddress(), big.NewInt(7), payout, 0))

	_, err := h.claimer().Claim(ctx, "acct-2", payout)
	assert.ErrorIs(t, err, ErrNothingToClaim)
}

func TestClaimCannotTakeSweptDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.lease(t, "acct-1")

	h.client.AddLog(2, chaintest.MultiNFTTransferLog(nftContract, sender, sender, addr, big.NewInt(7), big.NewInt(2), txHash("nft-in"), 0))
	h.client.SetHead(4)
	_, err := h.chainWatcher(false, false).Tick(ctx)
	require.NoError(t, err)

	sweep := txHash("nft-sweep")
	h.client.AddLog(5, chaintest.MultiNFTTransferLog(nftContract, addr, addr, h.pool.TreasuryAddress(), big.NewInt(7), big.NewInt(2), sweep, 0))

	_, err = h.claimer().Claim(ctx, "acct-2", sweep)
	assert.ErrorIs(t, err, ErrNothingToClaim)

	holdings, err := h.ledger.ListNFTHoldings(ctx, "acct-2")
	require.NoError(t, err)
	assert.Empty(t, holdings)
	holdings, err = h.ledger.ListNFTHoldings(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, holdings, 2)
}

func TestZeroValueTransferDoesNotStallCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.lease(t, "acct-1")

	h.client.AddLog(2, chaintest.TokenTransferLog(usdtContract, sender, addr, big.NewInt(0), txHash("poison"), 0))
	h.client.AddNativeTransfer(3, sender, addr, eth(1))
	h.client.SetHead(10)

	cursor, err := h.chainWatcher(false, false).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), cursor)
	assert.True(t, h.balance(t, "acct-1", "ETH").Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 1, h.historyTotal(t, "acct-1"))

	items, err := h.ledger.ListReconciliationItems(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestOversizedNFTAmountQueuedForOperator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.lease(t, "acct-1")
	huge := new(big.Int).Lsh(big.NewInt(1), 70)

	h.client.AddLog(2, chaintest.MultiNFTTransferLog(nftContract, sender, sender, addr, big.NewInt(7), huge, txHash("huge"), 0))
	h.client.AddNativeTransfer(3, sender, addr, eth(1))
	h.client.SetHead(10)

	cursor, err := h.chainWatcher(false, false).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), cursor)
	assert.True(t, h.balance(t, "acct-1", "ETH").Equal(decimal.NewFromInt(1)))

	holdings, err := h.ledger.ListNFTHoldings(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, holdings)

	items, err := h.ledger.ListReconciliationItems(ctx, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ReconRejectedDeposit, items[0].Kind)
	assert.Equal(t, "acct-1", items[0].AccountId)
	assert.Equal(t, txHash("huge").Hex()+"#0", items[0].Reference)
}

func TestSingleUseReplayAfterReleaseIsNotReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.lease(t, "acct-1")

	h.client.AddNativeTransfer(2, sender, addr, eth(1))
	h.client.SetHead(4)

	w := h.chainWatcher(true, false)
	_, err := w.Tick(ctx)
	require.NoError(t, err)
	_, leased, err := h.pool.LeaseOwner(ctx, addr)
	require.NoError(t, err)
	require.False(t, leased)

	// crash between release and cursor write: the block is read again
	require.NoError(t, h.db.SetCursor(ctx, "testnet", 0))
	_, err = w.Tick(ctx)
	require.NoError(t, err)

	assert.True(t, h.balance(t, "acct-1", "ETH").Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 1, h.historyTotal(t, "acct-1"))
	items, err := h.ledger.ListReconciliationItems(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDispatcherStopRejectsRequests(t *testing.T) {
	h := newHarness(t)
	d := NewDispatcher(h.ledger)
	d.Start(context.Background())
	d.Stop()

	_, err := d.Credit(context.Background(), creditFor("acct-1"))
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}

func creditFor(accountId string) store.CreditParams {
	return store.CreditParams{
		AccountId:     accountId,
		Asset:         "ETH",
		Method:        models.MethodNative,
		Amount:        decimal.NewFromInt(1),
		ProcessingKey: "k-" + accountId,
	}
}
