package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"custody-deposit-go/internal/api"
	"custody-deposit-go/internal/bridge/bridgetest"
	"custody-deposit-go/internal/chain/chaintest"
	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/database"
	"custody-deposit-go/internal/deposit"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/pool"
	"custody-deposit-go/internal/store"
	"custody-deposit-go/internal/watcher"
	"custody-deposit-go/internal/withdrawal"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testSecret   = "test-secret"
)

type fixture struct {
	server *Server
	ledger *api.LedgerService
	client *chaintest.Client
	pool   *pool.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
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

	cfg := models.Config{
		Pool:   models.PoolConfig{Mnemonic: testMnemonic, Size: 2, LeaseTTL: 24 * time.Hour},
		Bridge: models.BridgeConfig{SettlementTicker: "usdterc20", SettlementAsset: "USDT", Deadline: time.Hour},
		Server: models.ServerConfig{JwtSecret: testSecret},
	}
	p, err := pool.New(cfg.Pool, db)
	require.NoError(t, err)
	require.NoError(t, p.Sync(ctx))

	catalog, err := common.NewAssetCatalog([]common.AssetConfig{
		{Symbol: "ETH", Network: "ethereum", Kind: common.AssetNative, Decimals: 18, BridgeTicker: "eth"},
		{Symbol: "USDT", Network: "ethereum", Kind: common.AssetToken, Decimals: 6, BridgeTicker: "usdterc20",
			Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7"},
	})
	require.NoError(t, err)

	client := chaintest.New("ethereum")
	bridgeClient := bridgetest.New()
	ledger := api.NewLedgerService(db)
	chainSubmitter := withdrawal.NewChainSubmitter(client, p.Treasury())
	fees := withdrawal.NewFeeEstimator(client, bridgeClient, catalog, 0)

	srv := New(cfg.Server, Deps{
		Ledger:     ledger,
		Deposits:   deposit.NewService(p, bridgeClient, db, catalog, cfg),
		Claimer:    watcher.NewClaimer(client, ledger, p, db, catalog, 0),
		Withdrawer: withdrawal.NewExecutor(ledger, fees, catalog, chainSubmitter),
	})
	return &fixture{server: srv, ledger: ledger, client: client, pool: p}
}

func token(t *testing.T, subject, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong secret", token(t, "acct-1", "other-secret")},
		{"unknown account", token(t, "acct-404", testSecret)},
		{"no subject", token(t, "", testSecret)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/balance", nil, tt.header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "acct-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	rec := f.do(t, http.MethodGet, "/balance", nil, unsigned)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDepositAddress(t *testing.T) {
	f := newFixture(t)
	bearer := token(t, "acct-1", testSecret)

	rec := f.do(t, http.MethodPost, "/deposit/address", gin.H{"asset": "usdt"}, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var instruction models.DepositInstruction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &instruction))
	assert.Equal(t, "USDT", instruction.Asset)
	assert.Equal(t, f.pool.Addresses()[0].Hex(), instruction.Address)

	rec = f.do(t, http.MethodPost, "/deposit/address", gin.H{"asset": "DOGE"}, bearer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/deposit/address", gin.H{}, bearer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawAndBalance(t *testing.T) {
	f := newFixture(t)
	bearer := token(t, "acct-1", testSecret)
	ctx := context.Background()

	_, err := f.ledger.Credit(ctx, store.CreditParams{
		AccountId:     "acct-1",
		Asset:         "ETH",
		Method:        models.MethodNative,
		Amount:        decimal.NewFromInt(1),
		ProcessingKey: "0xfund",
	})
	require.NoError(t, err)

	body := gin.H{
		"asset":           "ETH",
		"amount":          "0.5",
		"destination":     "0x00000000000000000000000000000000000000bb",
		"idempotency_key": "w-1",
	}
	rec := f.do(t, http.MethodPost, "/withdraw", body, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result withdrawal.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.TxRef)
	// 1 gwei × 100000 gas
	assert.Equal(t, "0.0001", result.Fee.String())
	assert.Len(t, f.client.Submissions(), 1)

	rec = f.do(t, http.MethodGet, "/balance?asset=eth", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance models.Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, "0.4999", balance.Available.String())

	body["amount"] = "5"
	body["idempotency_key"] = "w-2"
	rec = f.do(t, http.MethodPost, "/withdraw", body, bearer)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/history?count=500", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	var page models.HistoryPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
}

func TestWithdrawSubmissionFailure(t *testing.T) {
	f := newFixture(t)
	bearer := token(t, "acct-1", testSecret)

	_, err := f.ledger.Credit(context.Background(), store.CreditParams{
		AccountId:     "acct-1",
		Asset:         "ETH",
		Method:        models.MethodNative,
		Amount:        decimal.NewFromInt(1),
		ProcessingKey: "0xfund",
	})
	require.NoError(t, err)
	f.client.SubmitErr = assert.AnError

	rec := f.do(t, http.MethodPost, "/withdraw", gin.H{
		"asset":           "ETH",
		"amount":          "0.5",
		"destination":     "0x00000000000000000000000000000000000000bb",
		"idempotency_key": "w-1",
	}, bearer)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"idempotency_key":"w-1"`)
}

func TestDepositClaimValidatesHash(t *testing.T) {
	f := newFixture(t)
	bearer := token(t, "acct-1", testSecret)

	rec := f.do(t, http.MethodPost, "/deposit/claim", gin.H{"tx_hash": "0x1234"}, bearer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unknown := "0x" + "ab" + string(bytes.Repeat([]byte("0"), 62))
	rec = f.do(t, http.MethodPost, "/deposit/claim", gin.H{"tx_hash": unknown}, bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmptyListings(t *testing.T) {
	f := newFixture(t)
	bearer := token(t, "acct-1", testSecret)

	for _, path := range []string{"/balance", "/nfts", "/history/nft"} {
		rec := f.do(t, http.MethodGet, path, nil, bearer)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
