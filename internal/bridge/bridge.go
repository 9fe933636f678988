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
	"context"
	"errors"
	"fmt"

	"custody-deposit-go/internal/models"

	"github.com/shopspring/decimal"
)

// ErrBridgeUnavailable marks transient failures: transport errors, 5xx and an open breaker.
var ErrBridgeUnavailable = errors.New("bridge unavailable")

// APIError is a 4xx answer from the bridge. It is never retried.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge API error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
}

func (e *APIError) IsNotFound() bool {
	return e.StatusCode == 404
}

// CreateExchangeRequest asks the bridge to convert From into To and pay Address
type CreateExchangeRequest struct {
	From          string
	To            string
	Address       string
	Amount        decimal.Decimal
	RefundAddress string
	UserId        string
}

// Exchange is the bridge's answer to CreateExchange
type Exchange struct {
	ExternalId    string
	PayinAddress  string
	PayoutAddress string
	QuotedOutput  decimal.Decimal
}

// Status is the bridge view of one exchange
type Status struct {
	ExternalId   string
	Status       models.ExchangeStatus
	AmountSent   decimal.Decimal
	OutputAmount decimal.Decimal
	PayinHash    string
	PayoutHash   string
}

// Client is the exchange bridge used by deposits, withdrawals and the bridge watcher
type Client interface {
	CreateExchange(ctx context.Context, req CreateExchangeRequest) (*Exchange, error)
	GetStatus(ctx context.Context, externalId string) (*Status, error)
	EstimateOutput(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error)
	MinimumAmount(ctx context.Context, from, to string) (decimal.Decimal, error)
}
