package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"custody-deposit-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *ChangeNow {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewChangeNow(models.BridgeConfig{BaseURL: server.URL, ApiKey: "test-key", RequestsPerSecond: 1000})
	require.NoError(t, err)
	client.backoff = time.Millisecond
	return client
}

func TestNewChangeNow(t *testing.T) {
	t.Run("requires api key", func(t *testing.T) {
		_, err := NewChangeNow(models.BridgeConfig{})
		assert.Error(t, err)
	})

	t.Run("defaults base url", func(t *testing.T) {
		client, err := NewChangeNow(models.BridgeConfig{ApiKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, DefaultBaseURL, client.baseURL)
	})
}

func TestCreateExchange(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transactions/test-key", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "eth", body["from"])
		assert.Equal(t, "usdterc20", body["to"])
		assert.Equal(t, "0.5", body["amount"])
		assert.Equal(t, "0xtreasury", body["address"])

		w.Write([]byte(`{"id":"ex-1","payinAddress":"0xpayin","payoutAddress":"0xtreasury","amount":1234.56}`))
	})

	ex, err := client.CreateExchange(context.Background(), CreateExchangeRequest{
		From:    "ETH",
		To:      "usdterc20",
		Address: "0xtreasury",
		Amount:  decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ex-1", ex.ExternalId)
	assert.Equal(t, "0xpayin", ex.PayinAddress)
	assert.True(t, ex.QuotedOutput.Equal(decimal.RequireFromString("1234.56")))
}

func TestGetStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/ex-9/test-key", r.URL.Path)
		w.Write([]byte(`{"id":"ex-9","status":"finished","amountSend":1,"amountReceive":"1999.5","payinHash":"0xin","payoutHash":"0xout"}`))
	})

	status, err := client.GetStatus(context.Background(), "ex-9")
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeFinished, status.Status)
	assert.True(t, status.Status.IsSuccess())
	assert.True(t, status.OutputAmount.Equal(decimal.RequireFromString("1999.5")))
	assert.Equal(t, "0xout", status.PayoutHash)
}

func TestGetStatus_NullAmounts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ex-2","status":"waiting","amountSend":null,"amountReceive":null}`))
	})

	status, err := client.GetStatus(context.Background(), "ex-2")
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeWaiting, status.Status)
	assert.False(t, status.Status.IsTerminal())
	assert.True(t, status.OutputAmount.IsZero())
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"minAmount":0.01}`))
	})

	min, err := client.MinimumAmount(context.Background(), "eth", "usdterc20")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, min.Equal(decimal.RequireFromString("0.01")))
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.GetStatus(context.Background(), "ex-3")
	assert.ErrorIs(t, err, ErrBridgeUnavailable)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"not_valid_address","message":"Invalid address"}`))
	})

	_, err := client.CreateExchange(context.Background(), CreateExchangeRequest{From: "eth", To: "usdterc20", Address: "bad", Amount: decimal.NewFromInt(1)})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "not_valid_address", apiErr.Code)
	assert.NotErrorIs(t, err, ErrBridgeUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEstimateOutput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exchange-amount/0.002/eth_usdterc20", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("api_key"))
		w.Write([]byte(`{"estimatedAmount":4.1,"transactionSpeedForecast":"10-60"}`))
	})

	out, err := client.EstimateOutput(context.Background(), "ETH", "usdterc20", decimal.RequireFromString("0.002"))
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.RequireFromString("4.1")))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 6; i++ {
		_, err := client.GetStatus(context.Background(), "ex")
		require.ErrorIs(t, err, ErrBridgeUnavailable)
	}

	_, err := client.GetStatus(context.Background(), "ex")
	assert.ErrorIs(t, err, ErrBridgeUnavailable)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}
