/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"custody-deposit-go/internal/metrics"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/transport"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.changenow.io/v1/"

	maxRetries = 3
)

// ChangeNow talks to the ChangeNOW v1 REST API
type ChangeNow struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	backoff        time.Duration
}

var _ Client = (*ChangeNow)(nil)

func NewChangeNow(cfg models.BridgeConfig) (*ChangeNow, error) {
	if cfg.ApiKey == "" {
		return nil, fmt.Errorf("bridge api key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	httpClient, err := transport.NewHttpClient(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create http client: %w", err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	cbSettings := gobreaker.Settings{
		Name:        "ChangeNOW",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Client errors say nothing about bridge health
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			return err == nil || errors.As(err, &apiErr)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			zap.L().Warn("Bridge circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &ChangeNow{
		baseURL:        baseURL,
		apiKey:         cfg.ApiKey,
		httpClient:     httpClient,
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		rateLimiter:    rate.NewLimiter(rate.Limit(rps), 1),
		backoff:        time.Second,
	}, nil
}

type createExchangeBody struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Address       string `json:"address"`
	Amount        string `json:"amount"`
	RefundAddress string `json:"refundAddress,omitempty"`
	UserId        string `json:"userId,omitempty"`
}

type createExchangeResponse struct {
	Id            string              `json:"id"`
	PayinAddress  string              `json:"payinAddress"`
	PayoutAddress string              `json:"payoutAddress"`
	Amount        decimal.NullDecimal `json:"amount"`
}

type statusResponse struct {
	Id            string              `json:"id"`
	Status        string              `json:"status"`
	AmountSend    decimal.NullDecimal `json:"amountSend"`
	AmountReceive decimal.NullDecimal `json:"amountReceive"`
	PayinHash     string              `json:"payinHash"`
	PayoutHash    string              `json:"payoutHash"`
}

type estimateResponse struct {
	EstimatedAmount decimal.Decimal `json:"estimatedAmount"`
}

type minAmountResponse struct {
	MinAmount decimal.Decimal `json:"minAmount"`
}

func (c *ChangeNow) CreateExchange(ctx context.Context, req CreateExchangeRequest) (*Exchange, error) {
	body := createExchangeBody{
		From:          strings.ToLower(req.From),
		To:            strings.ToLower(req.To),
		Address:       req.Address,
		Amount:        req.Amount.String(),
		RefundAddress: req.RefundAddress,
		UserId:        req.UserId,
	}

	var resp createExchangeResponse
	if err := c.do(ctx, "create_exchange", http.MethodPost, "transactions/"+url.PathEscape(c.apiKey), nil, body, &resp); err != nil {
		return nil, fmt.Errorf("create exchange failed: %w", err)
	}
	if resp.Id == "" || resp.PayinAddress == "" {
		return nil, fmt.Errorf("create exchange: incomplete response (id=%q)", resp.Id)
	}

	zap.L().Info("Bridge exchange created",
		zap.String("external_id", resp.Id),
		zap.String("from", body.From),
		zap.String("to", body.To),
		zap.String("amount", body.Amount))

	return &Exchange{
		ExternalId:    resp.Id,
		PayinAddress:  resp.PayinAddress,
		PayoutAddress: resp.PayoutAddress,
		QuotedOutput:  resp.Amount.Decimal,
	}, nil
}

func (c *ChangeNow) GetStatus(ctx context.Context, externalId string) (*Status, error) {
	path := fmt.Sprintf("transactions/%s/%s", url.PathEscape(externalId), url.PathEscape(c.apiKey))

	var resp statusResponse
	if err := c.do(ctx, "get_status", http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get status of %s failed: %w", externalId, err)
	}
	if resp.Status == "" {
		return nil, fmt.Errorf("get status of %s: empty status: %w", externalId, ErrBridgeUnavailable)
	}

	return &Status{
		ExternalId:   externalId,
		Status:       models.ExchangeStatus(strings.ToLower(resp.Status)),
		AmountSent:   resp.AmountSend.Decimal,
		OutputAmount: resp.AmountReceive.Decimal,
		PayinHash:    resp.PayinHash,
		PayoutHash:   resp.PayoutHash,
	}, nil
}

func (c *ChangeNow) EstimateOutput(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	path := fmt.Sprintf("exchange-amount/%s/%s", amount.String(), pair(from, to))
	query := url.Values{"api_key": {c.apiKey}}

	var resp estimateResponse
	if err := c.do(ctx, "estimate", http.MethodGet, path, query, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("estimate %s failed: %w", pair(from, to), err)
	}
	return resp.EstimatedAmount, nil
}

func (c *ChangeNow) MinimumAmount(ctx context.Context, from, to string) (decimal.Decimal, error) {
	var resp minAmountResponse
	if err := c.do(ctx, "min_amount", http.MethodGet, "min-amount/"+pair(from, to), nil, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("minimum amount %s failed: %w", pair(from, to), err)
	}
	return resp.MinAmount, nil
}

func pair(from, to string) string {
	return strings.ToLower(from) + "_" + strings.ToLower(to)
}

func (c *ChangeNow) do(ctx context.Context, op, method, path string, query url.Values, body, response any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, c.doWithRetry(ctx, method, path, query, body, response)
	})

	switch {
	case err == nil:
		metrics.BridgeRequests.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.BridgeRequests.WithLabelValues(op, "breaker_open").Inc()
		return fmt.Errorf("%v: %w", err, ErrBridgeUnavailable)
	default:
		metrics.BridgeRequests.WithLabelValues(op, "error").Inc()
	}
	return err
}

func (c *ChangeNow) doWithRetry(ctx context.Context, method, path string, query url.Values, body, response any) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %v: %w", err, ErrBridgeUnavailable)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read body: %v: %w", err, ErrBridgeUnavailable)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: status %d: %w", resp.StatusCode, ErrBridgeUnavailable)
			continue
		}

		if resp.StatusCode >= 400 {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(string(respBody))
			}
			return apiErr
		}

		if response != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, response); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}
		return nil
	}

	zap.L().Warn("Bridge request exhausted retries", zap.String("method", method), zap.Int("attempts", maxRetries+1))
	return lastErr
}
