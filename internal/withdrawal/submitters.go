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
	"fmt"
	"sync"

	"custody-deposit-go/internal/bridge"
	"custody-deposit-go/internal/chain"
	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/prime"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Submission is a debited withdrawal handed to a route
type Submission struct {
	AccountId         string
	Asset             common.AssetConfig
	Amount            decimal.Decimal
	Destination       string
	DestinationTicker string
	IdempotencyKey    string
}

// Submitter sends value out after the ledger debit. The returned reference
// is a tx hash, a bridge exchange id or a Prime activity id.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) (string, error)
}

// Validator is implemented by routes that can refuse a request before the debit.
type Validator interface {
	Validate(ctx context.Context, sub Submission) error
}

// ChainSubmitter signs transfers with the treasury key.
// Submissions are serialised so the treasury nonce is never reused.
type ChainSubmitter struct {
	client chain.Client
	signer chain.Signer
	mu     sync.Mutex
}

func NewChainSubmitter(client chain.Client, signer chain.Signer) *ChainSubmitter {
	return &ChainSubmitter{client: client, signer: signer}
}

func (s *ChainSubmitter) Validate(_ context.Context, sub Submission) error {
	if sub.Asset.Kind != common.AssetNative && sub.Asset.Kind != common.AssetToken {
		return fmt.Errorf("%s cannot be sent on chain: %w", sub.Asset.Symbol, ErrInvalidRequest)
	}
	return nil
}

func (s *ChainSubmitter) Submit(ctx context.Context, sub Submission) (string, error) {
	req := chain.TransferRequest{
		Kind:   chain.KindNative,
		To:     ethcommon.HexToAddress(sub.Destination),
		Amount: chain.FromDecimal(sub.Amount, sub.Asset.Decimals),
	}
	if sub.Asset.Kind == common.AssetToken {
		req.Kind = chain.KindToken
		req.Contract = sub.Asset.ContractAddress()
	}

	hash, err := s.send(ctx, req)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (s *ChainSubmitter) send(ctx context.Context, req chain.TransferRequest) (ethcommon.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.SubmitTransfer(ctx, s.signer, req)
}

// BridgeExchangeStore records withdraw exchanges for the bridge watcher
type BridgeExchangeStore interface {
	CreatePendingExchange(ctx context.Context, exchange models.PendingExchange) error
}

// BridgeSubmitter converts the debited asset through the bridge: the treasury
// pays the payin address and the bridge pays the destination.
type BridgeSubmitter struct {
	bridge        bridge.Client
	chain         *ChainSubmitter
	store         BridgeExchangeStore
	defaultTicker string
}

func NewBridgeSubmitter(bridgeClient bridge.Client, chainSubmitter *ChainSubmitter, store BridgeExchangeStore, defaultTicker string) *BridgeSubmitter {
	return &BridgeSubmitter{
		bridge:        bridgeClient,
		chain:         chainSubmitter,
		store:         store,
		defaultTicker: defaultTicker,
	}
}

func (s *BridgeSubmitter) toTicker(sub Submission) string {
	if sub.DestinationTicker != "" {
		return sub.DestinationTicker
	}
	return s.defaultTicker
}

// Validate checks the route and the bridge minimum before anything is debited
func (s *BridgeSubmitter) Validate(ctx context.Context, sub Submission) error {
	if err := s.chain.Validate(ctx, sub); err != nil {
		return err
	}
	if sub.Asset.BridgeTicker == "" || s.toTicker(sub) == "" {
		return fmt.Errorf("%s has no bridge ticker: %w", sub.Asset.Symbol, ErrInvalidRequest)
	}

	minimum, err := s.bridge.MinimumAmount(ctx, sub.Asset.BridgeTicker, s.toTicker(sub))
	if err != nil {
		return fmt.Errorf("failed to fetch bridge minimum: %w", err)
	}
	if sub.Amount.LessThan(minimum) {
		return fmt.Errorf("amount %s below bridge minimum %s: %w", sub.Amount, minimum, ErrInvalidRequest)
	}
	return nil
}

func (s *BridgeSubmitter) Submit(ctx context.Context, sub Submission) (string, error) {
	to := s.toTicker(sub)
	exchange, err := s.bridge.CreateExchange(ctx, bridge.CreateExchangeRequest{
		From:          sub.Asset.BridgeTicker,
		To:            to,
		Address:       sub.Destination,
		Amount:        sub.Amount,
		RefundAddress: s.chain.signer.Address().Hex(),
		UserId:        sub.AccountId,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exchange: %w", err)
	}

	err = s.store.CreatePendingExchange(ctx, models.PendingExchange{
		ExternalId:         exchange.ExternalId,
		AccountId:          sub.AccountId,
		Direction:          models.DirectionWithdraw,
		FromTicker:         sub.Asset.BridgeTicker,
		ToTicker:           to,
		Asset:              sub.Asset.Symbol,
		RequestedAmount:    sub.Amount,
		QuotedOutput:       exchange.QuotedOutput,
		PayinAddress:       exchange.PayinAddress,
		DestinationAddress: sub.Destination,
		Status:             models.ExchangeNew,
	})
	if err != nil {
		return "", fmt.Errorf("failed to record exchange %s: %w", exchange.ExternalId, err)
	}

	if !ethcommon.IsHexAddress(exchange.PayinAddress) {
		return "", fmt.Errorf("exchange %s returned payin address %q", exchange.ExternalId, exchange.PayinAddress)
	}
	payin := Submission{Asset: sub.Asset, Amount: sub.Amount, Destination: exchange.PayinAddress}
	hash, err := s.chain.Submit(ctx, payin)
	if err != nil {
		return "", fmt.Errorf("failed to pay exchange %s: %w", exchange.ExternalId, err)
	}

	zap.L().Info("Bridge withdrawal funded",
		zap.String("external_id", exchange.ExternalId),
		zap.String("payin_tx", hash),
		zap.String("to", to),
		zap.String("quoted_output", exchange.QuotedOutput.String()))
	return exchange.ExternalId, nil
}

// PrimeSubmitter withdraws from a Coinbase Prime trading wallet
type PrimeSubmitter struct {
	prime       prime.Withdrawer
	portfolioId string
}

func NewPrimeSubmitter(withdrawer prime.Withdrawer, portfolioId string) *PrimeSubmitter {
	return &PrimeSubmitter{prime: withdrawer, portfolioId: portfolioId}
}

func (s *PrimeSubmitter) Validate(_ context.Context, sub Submission) error {
	if sub.Asset.Kind == common.AssetNFT {
		return fmt.Errorf("nfts cannot be withdrawn through prime: %w", ErrInvalidRequest)
	}
	return nil
}

func (s *PrimeSubmitter) Submit(ctx context.Context, sub Submission) (string, error) {
	walletId := sub.Asset.PrimeWalletId
	if walletId == "" {
		id, err := s.prime.FindWalletId(ctx, s.portfolioId, sub.Asset.Symbol)
		if err != nil {
			return "", err
		}
		walletId = id
	}

	withdrawal, err := s.prime.CreateWithdrawal(ctx, prime.CreateWithdrawalParams{
		PortfolioId:        s.portfolioId,
		WalletId:           walletId,
		DestinationAddress: sub.Destination,
		Amount:             sub.Amount.String(),
		Symbol:             sub.Asset.Symbol,
		Network:            sub.Asset.Network,
		IdempotencyKey:     sub.IdempotencyKey,
	})
	if err != nil {
		return "", err
	}
	return withdrawal.ActivityId, nil
}
