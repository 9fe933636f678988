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

package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"custody-deposit-go/internal/chain"
	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/metrics"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidRequest = errors.New("invalid withdrawal request")
	ErrUnknownRoute   = errors.New("unknown withdrawal route")

	// ErrSubmissionAfterDebit means the ledger was debited but nothing was sent.
	// An operator item has been queued; the debit is not rolled back.
	ErrSubmissionAfterDebit = errors.New("withdrawal debited but submission failed")
)

// Route names
const (
	RouteChain  = "chain"
	RouteBridge = "bridge"
	RoutePrime  = "prime"
)

// Ledger is the part of api.LedgerService the executor needs
type Ledger interface {
	Debit(ctx context.Context, params store.DebitParams) (*models.MutationResult, error)
	WithdrawNFT(ctx context.Context, params store.NFTWithdrawParams) (*models.NFTResult, error)
	RecordReconciliation(ctx context.Context, item models.ReconciliationItem) (*models.ReconciliationItem, error)
}

// Fees prices a withdrawal in the withdrawn asset
type Fees interface {
	Estimate(ctx context.Context, asset common.AssetConfig) (decimal.Decimal, error)
}

// Request is a fungible withdrawal.
// Replaying the same IdempotencyKey never debits or submits twice.
type Request struct {
	AccountId         string          `json:"-"`
	Asset             string          `json:"asset"`
	Amount            decimal.Decimal `json:"amount"`
	Destination       string          `json:"destination"`
	DestinationTicker string          `json:"destination_ticker,omitempty"`
	Route             string          `json:"route,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
}

type Result struct {
	Route          string              `json:"route"`
	TxRef          string              `json:"tx_ref,omitempty"`
	Fee            decimal.Decimal     `json:"fee"`
	IdempotencyKey string              `json:"idempotency_key"`
	Entry          *models.LedgerEntry `json:"entry,omitempty"`
	Duplicate      bool                `json:"duplicate"`
}

// NFTRequest withdraws Units units of one custodied token
type NFTRequest struct {
	AccountId      string `json:"-"`
	Contract       string `json:"contract"`
	TokenId        string `json:"token_id"`
	Units          int64  `json:"amount"`
	Destination    string `json:"destination"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type NFTResult struct {
	TxRef          string              `json:"tx_ref,omitempty"`
	IdempotencyKey string              `json:"idempotency_key"`
	Holdings       []models.NFTHolding `json:"holdings,omitempty"`
	Duplicate      bool                `json:"duplicate"`
}

// Executor debits the ledger first and submits second
type Executor struct {
	ledger       Ledger
	fees         Fees
	catalog      *common.AssetCatalog
	chain        *ChainSubmitter
	routes       map[string]Submitter
	defaultRoute string
}

type Option func(*Executor)

// WithRoute registers a submitter under name
func WithRoute(name string, s Submitter) Option {
	return func(e *Executor) { e.routes[name] = s }
}

// WithDefaultRoute selects the route used when a request names none
func WithDefaultRoute(name string) Option {
	return func(e *Executor) {
		if name != "" {
			e.defaultRoute = name
		}
	}
}

// NewExecutor registers chainSubmitter as the "chain" route. It also sends NFTs.
func NewExecutor(ledger Ledger, fees Fees, catalog *common.AssetCatalog, chainSubmitter *ChainSubmitter, opts ...Option) *Executor {
	e := &Executor{
		ledger:       ledger,
		fees:         fees,
		catalog:      catalog,
		chain:        chainSubmitter,
		routes:       map[string]Submitter{RouteChain: chainSubmitter},
		defaultRoute: RouteChain,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Withdraw(ctx context.Context, req Request) (*Result, error) {
	route := strings.ToLower(req.Route)
	if route == "" {
		route = e.defaultRoute
	}
	submitter, ok := e.routes[route]
	if !ok {
		metrics.Withdrawals.WithLabelValues(route, "rejected").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, req.Route)
	}

	asset, err := e.validate(req)
	if err != nil {
		metrics.Withdrawals.WithLabelValues(route, "rejected").Inc()
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}
	processingKey := ledgerKey(req.AccountId, key)
	sub := Submission{
		AccountId:         req.AccountId,
		Asset:             asset,
		Amount:            req.Amount,
		Destination:       req.Destination,
		DestinationTicker: req.DestinationTicker,
		IdempotencyKey:    submissionKey(processingKey),
	}
	if v, ok := submitter.(Validator); ok {
		if err := v.Validate(ctx, sub); err != nil {
			metrics.Withdrawals.WithLabelValues(route, "rejected").Inc()
			return nil, err
		}
	}

	fee, err := e.fees.Estimate(ctx, asset)
	if err != nil {
		metrics.Withdrawals.WithLabelValues(route, "error").Inc()
		return nil, fmt.Errorf("failed to estimate fee: %w", err)
	}

	method := models.MethodNative
	if asset.Kind == common.AssetToken {
		method = models.MethodToken
	}
	debit, err := e.ledger.Debit(ctx, store.DebitParams{
		AccountId:     req.AccountId,
		Asset:         asset.Symbol,
		Method:        method,
		Amount:        req.Amount,
		Fee:           fee,
		ProcessingKey: processingKey,
		Reference:     req.Destination,
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, store.ErrInsufficientFunds) {
			outcome = "rejected"
		}
		metrics.Withdrawals.WithLabelValues(route, outcome).Inc()
		return nil, err
	}

	result := &Result{Route: route, Fee: fee, IdempotencyKey: key, Entry: debit.Entry, Duplicate: debit.Duplicate}
	if debit.Duplicate {
		metrics.Withdrawals.WithLabelValues(route, "duplicate").Inc()
		result.Fee = debit.Entry.Fee
		return result, nil
	}

	txRef, err := submitter.Submit(ctx, sub)
	if err != nil {
		metrics.Withdrawals.WithLabelValues(route, "submission_failed").Inc()
		e.queueFailedSubmission(ctx, req.AccountId, asset.Symbol, debit.Entry.Total(), processingKey, err)
		return result, fmt.Errorf("%w: %v", ErrSubmissionAfterDebit, err)
	}

	metrics.Withdrawals.WithLabelValues(route, "submitted").Inc()
	zap.L().Info("Withdrawal submitted",
		zap.String("account_id", req.AccountId),
		zap.String("asset", asset.Symbol),
		zap.String("amount", req.Amount.String()),
		zap.String("fee", fee.String()),
		zap.String("route", route),
		zap.String("tx_ref", txRef))

	result.TxRef = txRef
	return result, nil
}

// ledgerKey scopes a client idempotency key to its account, so two accounts
// choosing the same key never collide on the ledger's unique processing key.
func ledgerKey(accountId, key string) string {
	return accountId + ":" + key
}

// submissionKey derives the key forwarded to providers: a UUID stable for one account and key
func submissionKey(processingKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(processingKey)).String()
}

func (e *Executor) validate(req Request) (common.AssetConfig, error) {
	if req.AccountId == "" {
		return common.AssetConfig{}, fmt.Errorf("account is required: %w", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return common.AssetConfig{}, fmt.Errorf("amount must be positive: %w", ErrInvalidRequest)
	}
	if !ethcommon.IsHexAddress(req.Destination) {
		return common.AssetConfig{}, fmt.Errorf("destination %q is not an address: %w", req.Destination, ErrInvalidRequest)
	}

	asset, ok := e.catalog.Lookup(req.Asset)
	if !ok {
		return common.AssetConfig{}, fmt.Errorf("asset %q is not supported: %w", req.Asset, ErrInvalidRequest)
	}
	if asset.Kind == common.AssetNFT || asset.Kind == common.AssetBridged {
		return common.AssetConfig{}, fmt.Errorf("asset %s cannot be withdrawn as a balance: %w", asset.Symbol, ErrInvalidRequest)
	}
	if asset.Decimals >= 0 && req.Amount.Exponent() < -asset.Decimals {
		return common.AssetConfig{}, fmt.Errorf("amount has more than %d decimals: %w", asset.Decimals, ErrInvalidRequest)
	}
	return asset, nil
}

// WithdrawNFT releases custody in the ledger and then sends the token from the treasury
func (e *Executor) WithdrawNFT(ctx context.Context, req NFTRequest) (*NFTResult, error) {
	if req.Units == 0 {
		req.Units = 1
	}
	if req.AccountId == "" || req.TokenId == "" || req.Units < 0 {
		return nil, fmt.Errorf("nft withdrawal: %w", ErrInvalidRequest)
	}
	if !ethcommon.IsHexAddress(req.Destination) || !ethcommon.IsHexAddress(req.Contract) {
		return nil, fmt.Errorf("nft withdrawal needs hex contract and destination: %w", ErrInvalidRequest)
	}
	tokenId, ok := new(big.Int).SetString(req.TokenId, 10)
	if !ok {
		return nil, fmt.Errorf("token id %q is not a decimal integer: %w", req.TokenId, ErrInvalidRequest)
	}

	contract := ethcommon.HexToAddress(req.Contract)
	asset, ok := e.catalog.ByContract(contract)
	if !ok || asset.Kind != common.AssetNFT {
		return nil, fmt.Errorf("contract %s is not a supported nft: %w", contract.Hex(), ErrInvalidRequest)
	}
	if asset.Standard == string(models.NFTStandardERC721) && req.Units != 1 {
		return nil, fmt.Errorf("ERC721 tokens move one unit at a time: %w", ErrInvalidRequest)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}
	processingKey := ledgerKey(req.AccountId, key)

	released, err := e.ledger.WithdrawNFT(ctx, store.NFTWithdrawParams{
		AccountId:       req.AccountId,
		ContractAddress: contract.Hex(),
		TokenId:         req.TokenId,
		Units:           req.Units,
		Destination:     req.Destination,
		ProcessingKey:   processingKey,
	})
	if err != nil {
		metrics.Withdrawals.WithLabelValues(RouteChain, "rejected").Inc()
		return nil, err
	}
	result := &NFTResult{IdempotencyKey: key, Holdings: released.Holdings, Duplicate: released.Duplicate}
	if released.Duplicate {
		metrics.Withdrawals.WithLabelValues(RouteChain, "duplicate").Inc()
		return result, nil
	}

	transfer := chain.TransferRequest{
		Kind:     chain.KindNFTSingle,
		Contract: contract,
		To:       ethcommon.HexToAddress(req.Destination),
		Amount:   big.NewInt(req.Units),
		TokenId:  tokenId,
	}
	if asset.Standard == string(models.NFTStandardERC1155) {
		transfer.Kind = chain.KindNFTMulti
	}

	hash, err := e.chain.send(ctx, transfer)
	if err != nil {
		metrics.Withdrawals.WithLabelValues(RouteChain, "submission_failed").Inc()
		e.queueFailedSubmission(ctx, req.AccountId, store.NFTAsset(contract.Hex(), req.TokenId),
			decimal.NewFromInt(req.Units), processingKey, err)
		return result, fmt.Errorf("%w: %v", ErrSubmissionAfterDebit, err)
	}

	metrics.Withdrawals.WithLabelValues(RouteChain, "submitted").Inc()
	zap.L().Info("NFT withdrawal submitted",
		zap.String("account_id", req.AccountId),
		zap.String("contract", contract.Hex()),
		zap.String("token_id", req.TokenId),
		zap.Int64("units", req.Units),
		zap.String("tx_hash", hash.Hex()))

	result.TxRef = hash.Hex()
	return result, nil
}

func (e *Executor) queueFailedSubmission(ctx context.Context, accountId, asset string, amount decimal.Decimal, key string, cause error) {
	zap.L().Error("Submission failed after debit",
		zap.String("account_id", accountId),
		zap.String("asset", asset),
		zap.String("processing_key", key),
		zap.Error(cause))

	_, err := e.ledger.RecordReconciliation(ctx, models.ReconciliationItem{
		Kind:      models.ReconSubmissionAfterDebit,
		AccountId: accountId,
		Asset:     asset,
		Amount:    amount,
		Reference: key,
		Reason:    cause.Error(),
	})
	if err != nil {
		zap.L().Error("Failed to queue reconciliation item", zap.String("processing_key", key), zap.Error(err))
	}
}
