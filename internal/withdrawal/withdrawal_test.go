package withdrawal

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
	"custody-deposit-go/internal/prime"
	"custody-deposit-go/internal/store"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var (
	usdtContract = ethcommon.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	punkContract = ethcommon.HexToAddress("0xb47e3cd837dDF8e4c57F05d70Ab865de6e193BBB")
	destination  = "0x00000000000000000000000000000000000000bb"
)

type fixedFee struct{ fee decimal.Decimal }

func (f fixedFee) Estimate(context.Context, common.AssetConfig) (decimal.Decimal, error) {
	return f.fee, nil
}

type fakePrime struct {
	lookups []string
	created []prime.CreateWithdrawalParams
	err     error
}

func (p *fakePrime) FindWalletId(_ context.Context, _, symbol string) (string, error) {
	p.lookups = append(p.lookups, symbol)
	return "wallet-" + symbol, nil
}

func (p *fakePrime) CreateWithdrawal(_ context.Context, params prime.CreateWithdrawalParams) (*models.PrimeWithdrawal, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.created = append(p.created, params)
	return &models.PrimeWithdrawal{ActivityId: "activity-1", Asset: params.Symbol, Amount: params.Amount}, nil
}

type harness struct {
	db      *database.Service
	ledger  *api.LedgerService
	pool    *pool.Pool
	client  *chaintest.Client
	bridge  *bridgetest.Client
	catalog *common.AssetCatalog
	chain   *ChainSubmitter
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

	_, err = db.CreateAccount(ctx, "acct-1", "Alice", "alice@example.com")
	require.NoError(t, err)

	p, err := pool.New(models.PoolConfig{Mnemonic: testMnemonic, Size: 2, LeaseTTL: time.Hour}, db)
	require.NoError(t, err)

	catalog, err := common.NewAssetCatalog([]common.AssetConfig{
		{Symbol: "ETH", Network: "ethereum", Kind: common.AssetNative, Decimals: 18, BridgeTicker: "eth"},
		{Symbol: "USDT", Network: "ethereum", Kind: common.AssetToken, Decimals: 6, Contract: usdtContract.Hex(), BridgeTicker: "usdterc20"},
		{Symbol: "SOL", Network: "solana", Kind: common.AssetBridged, Decimals: 9, BridgeTicker: "sol"},
		{Symbol: "PUNK", Network: "ethereum", Kind: common.AssetNFT, Standard: "ERC721", Contract: punkContract.Hex()},
	})
	require.NoError(t, err)

	client := chaintest.New("ethereum")
	return &harness{
		db:      db,
		ledger:  api.NewLedgerService(db),
		pool:    p,
		client:  client,
		bridge:  bridgetest.New(),
		catalog: catalog,
		chain:   NewChainSubmitter(client, p.Treasury()),
	}
}

func (h *harness) executor(fee string, opts ...Option) *Executor {
	return NewExecutor(h.ledger, fixedFee{decimal.RequireFromString(fee)}, h.catalog, h.chain, opts...)
}

func (h *harness) fund(t *testing.T, asset, amount string) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), store.CreditParams{
		AccountId:     "acct-1",
		Asset:         asset,
		Method:        models.MethodToken,
		Amount:        decimal.RequireFromString(amount),
		ProcessingKey: "fund-" + asset,
	})
	require.NoError(t, err)
}

func (h *harness) available(t *testing.T, asset string) string {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), "acct-1", asset)
	require.NoError(t, err)
	return b.Available.String()
}

func usdtRequest(amount, key string) Request {
	return Request{
		AccountId:      "acct-1",
		Asset:          "USDT",
		Amount:         decimal.RequireFromString(amount),
		Destination:    destination,
		IdempotencyKey: key,
	}
}

func TestWithdraw_DebitsAmountPlusFeeThenSubmits(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "USDT", "100")
	exec := h.executor("0.5")

	result, err := exec.Withdraw(context.Background(), usdtRequest("60", "w-1"))
	require.NoError(t, err)

	assert.Equal(t, RouteChain, result.Route)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "39.5", result.Entry.BalanceAfter.String())
	assert.Equal(t, "39.5", h.available(t, "USDT"))

	subs := h.client.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, chain.KindToken, subs[0].Req.Kind)
	assert.Equal(t, usdtContract, subs[0].Req.Contract)
	assert.Equal(t, big.NewInt(60_000_000), subs[0].Req.Amount)
	assert.Equal(t, h.pool.TreasuryAddress(), subs[0].From)
	assert.Equal(t, subs[0].Hash.Hex(), result.TxRef)
}

func TestWithdraw_InsufficientFundsSubmitsNothing(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "USDT", "100")
	exec := h.executor("0.5")

	_, err := exec.Withdraw(context.Background(), usdtRequest("99.6", "w-1"))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)

	assert.Empty(t, h.client.Submissions())
	assert.Equal(t, "100", h.available(t, "USDT"))
}

func TestWithdraw_ReplayDoesNotResubmit(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "USDT", "100")
	exec := h.executor("0.5")
	ctx := context.Background()

	first, err := exec.Withdraw(ctx, usdtRequest("10", "w-1"))
	require.NoError(t, err)
	second, err := exec.Withdraw(ctx, usdtRequest("10", "w-1"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Entry.Id, second.Entry.Id)
	assert.Len(t, h.client.Submissions(), 1)
	assert.Equal(t, "89.5", h.available(t, "USDT"))
}

func TestWithdraw_GeneratesIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "USDT", "100")

	result, err := h.executor("0").Withdraw(context.Background(), usdtRequest("1", ""))
	require.NoError(t, err)
	assert.NotEmpty(t, result.IdempotencyKey)
	assert.Equal(t, "acct-1:"+result.IdempotencyKey, result.Entry.ProcessingKey)
}

func TestWithdraw_IdempotencyKeysAreScopedToAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "USDT", "100")
	_, err := h.db.CreateAccount(ctx, "acct-2", "Bob", "bob@example.com")
	require.NoError(t, err)
	_, err = h.ledger.Credit(ctx, store.CreditParams{
		AccountId:     "acct-2",
		Asset:         "USDT",
		Method:        models.MethodToken,
		Amount:        decimal.NewFromInt(50),
		ProcessingKey: "fund-acct-2",
	})
	require.NoError(t, err)
	exec := h.executor("0")

	first, err := exec.Withdraw(ctx, usdtRequest("10", "order-1"))
	require.NoError(t, err)

	req := usdtRequest("20", "order-1")
	req.AccountId = "acct-2"
	second, err := exec.Withdraw(ctx, req)
	require.NoError(t, err)

	assert.False(t, second.Duplicate)
	assert.Equal(t, "order-1", second.IdempotencyKey)
	assert.Equal(t, "acct-2", second.Entry.AccountId)
	assert.NotEqual(t, first.Entry.Id, second.Entry.Id)
	assert.Len(t, h.client.Submissions(), 2)

	b, err := h.ledger.GetBalance(ctx, "acct-2", "USDT")
	require.NoError(t, err)
	assert.Equal(t, "30", b.Available.String())
	assert.Equal(t, "90", h.available(t, "USDT"))
}

func TestWithdraw_SubmissionFailureQueuesItem(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "USDT", "100")
	h.client.SubmitErr = errors.New("nonce too low")
	exec := h.executor("0.5")
	ctx := context.Background()

	result, err := exec.Withdraw(ctx, usdtRequest("60", "w-1"))
	require.ErrorIs(t, err, ErrSubmissionAfterDebit)
	require.NotNil(t, result)

	// the debit stands until an operator resolves the item
	assert.Equal(t, "39.5", h.available(t, "USDT"))

	items, err := h.ledger.ListReconciliationItems(ctx, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ReconSubmissionAfterDebit, items[0].Kind)
	assert.Equal(t, "acct-1:w-1", items[0].Reference)
	assert.Equal(t, "60.5", items[0].Amount.String())
	assert.Contains(t, items[0].Reason, "nonce too low")
}

func TestWithdraw_Validation(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "USDT", "100")
	exec := h.executor("0")

	tests := []struct {
		name   string
		mutate func(*Request)
		want   error
	}{
		{"zero amount", func(r *Request) { r.Amount = decimal.Zero }, ErrInvalidRequest},
		{"bad destination", func(r *Request) { r.Destination = "not-an-address" }, ErrInvalidRequest},
		{"unknown asset", func(r *Request) { r.Asset = "DOGE" }, ErrInvalidRequest},
		{"nft as balance", func(r *Request) { r.Asset = "PUNK" }, ErrInvalidRequest},
		{"bridged asset", func(r *Request) { r.Asset = "SOL" }, ErrInvalidRequest},
		{"too many decimals", func(r *Request) { r.Amount = decimal.RequireFromString("1.0000001") }, ErrInvalidRequest},
		{"unknown route", func(r *Request) { r.Route = "carrier-pigeon" }, ErrUnknownRoute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := usdtRequest("1", "")
			tt.mutate(&req)
			_, err := exec.Withdraw(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, h.client.Submissions())
	assert.Equal(t, "100", h.available(t, "USDT"))
}

func TestWithdraw_BridgeRoute(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "USDT", "100")
	h.bridge.Minimum = decimal.NewFromInt(20)
	h.bridge.Rate = decimal.RequireFromString("0.0004")
	exec := h.executor("0.5", WithRoute(RouteBridge, NewBridgeSubmitter(h.bridge, h.chain, h.db, "eth")))
	ctx := context.Background()

	req := usdtRequest("10", "w-small")
	req.Route = RouteBridge
	_, err := exec.Withdraw(ctx, req)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, "100", h.available(t, "USDT"))

	req = usdtRequest("50", "w-1")
	req.Route = RouteBridge
	result, err := exec.Withdraw(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "ex-1", result.TxRef)

	require.Len(t, h.bridge.Created, 1)
	assert.Equal(t, "usdterc20", h.bridge.Created[0].From)
	assert.Equal(t, "eth", h.bridge.Created[0].To)
	assert.Equal(t, destination, h.bridge.Created[0].Address)
	assert.Equal(t, h.pool.TreasuryAddress().Hex(), h.bridge.Created[0].RefundAddress)

	subs := h.client.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, ethcommon.HexToAddress("0x0000000000000000000000000000000000000001"), subs[0].Req.To)
	assert.Equal(t, chain.KindToken, subs[0].Req.Kind)

	exchange, err := h.db.GetPendingExchange(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionWithdraw, exchange.Direction)
	assert.Equal(t, "USDT", exchange.Asset)
	assert.Equal(t, "0.02", exchange.QuotedOutput.String())
	assert.Equal(t, "49.5", h.available(t, "USDT"))
}

func TestWithdraw_PrimeRoute(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "USDT", "100")
	fake := &fakePrime{}
	exec := h.executor("0", WithRoute(RoutePrime, NewPrimeSubmitter(fake, "portfolio-1")), WithDefaultRoute(RoutePrime))

	result, err := exec.Withdraw(context.Background(), usdtRequest("25", "2b5a3d1c-0000-4000-8000-000000000001"))
	require.NoError(t, err)
	assert.Equal(t, RoutePrime, result.Route)
	assert.Equal(t, "activity-1", result.TxRef)

	assert.Equal(t, []string{"USDT"}, fake.lookups)
	require.Len(t, fake.created, 1)
	assert.Equal(t, "wallet-USDT", fake.created[0].WalletId)
	assert.Equal(t, "portfolio-1", fake.created[0].PortfolioId)
	assert.Equal(t, "25", fake.created[0].Amount)
	assert.Equal(t, submissionKey("acct-1:2b5a3d1c-0000-4000-8000-000000000001"), fake.created[0].IdempotencyKey)
	assert.Empty(t, h.client.Submissions())

	_, err = uuid.Parse(fake.created[0].IdempotencyKey)
	assert.NoError(t, err)
}

func TestWithdrawNFT(t *testing.T) {
	h := newHarness(t)
	exec := h.executor("0")
	ctx := context.Background()

	_, err := h.ledger.DepositNFT(ctx, store.NFTDepositParams{
		AccountId:       "acct-1",
		Network:         "ethereum",
		ContractAddress: punkContract.Hex(),
		TokenId:         "7",
		Standard:        models.NFTStandardERC721,
		Units:           1,
		TxHash:          "0xaaa",
		ProcessingKey:   "0xaaa#0",
	})
	require.NoError(t, err)

	req := NFTRequest{
		AccountId:      "acct-1",
		Contract:       punkContract.Hex(),
		TokenId:        "7",
		Destination:    destination,
		IdempotencyKey: "nft-1",
	}
	result, err := exec.WithdrawNFT(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, result.TxRef)

	subs := h.client.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, chain.KindNFTSingle, subs[0].Req.Kind)
	assert.Equal(t, punkContract, subs[0].Req.Contract)
	assert.Equal(t, big.NewInt(7), subs[0].Req.TokenId)

	replay, err := exec.WithdrawNFT(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Len(t, h.client.Submissions(), 1)

	req.IdempotencyKey = "nft-2"
	_, err = exec.WithdrawNFT(ctx, req)
	assert.ErrorIs(t, err, store.ErrNFTNotOwned)

	holdings, err := h.ledger.ListNFTHoldings(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestWithdrawNFT_RejectsUncataloguedContract(t *testing.T) {
	h := newHarness(t)
	_, err := h.executor("0").WithdrawNFT(context.Background(), NFTRequest{
		AccountId:   "acct-1",
		Contract:    usdtContract.Hex(),
		TokenId:     "1",
		Destination: destination,
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFeeEstimator(t *testing.T) {
	h := newHarness(t)
	h.client.SetGasPrice(big.NewInt(1_000_000_000))
	h.bridge.Rate = decimal.RequireFromString("3333.3333333")
	fees := NewFeeEstimator(h.client, h.bridge, h.catalog, 100_000)
	ctx := context.Background()

	eth, _ := h.catalog.Lookup("ETH")
	fee, err := fees.Estimate(ctx, eth)
	require.NoError(t, err)
	assert.Equal(t, "0.0001", fee.String())

	usdt, _ := h.catalog.Lookup("USDT")
	fee, err = fees.Estimate(ctx, usdt)
	require.NoError(t, err)
	assert.Equal(t, "0.333334", fee.String())
}
