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

package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody-deposit-go/internal/bridge"
	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/models"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnsupportedAsset = errors.New("asset is not supported for deposits")
	ErrAmountRequired   = errors.New("amount is required for bridged deposits")
	ErrBelowMinimum     = errors.New("amount is below the bridge minimum")
)

// Leaser hands out deposit addresses
type Leaser interface {
	Lease(ctx context.Context, accountId string) (*models.DepositAddress, error)
	TreasuryAddress() ethcommon.Address
}

type ExchangeStore interface {
	CreatePendingExchange(ctx context.Context, exchange models.PendingExchange) error
}

// Service answers "where do I send funds?" for an account.
// On-chain assets get a leased pool address; bridged assets get the payin
// address of a new exchange that settles into the treasury.
type Service struct {
	leaser    Leaser
	bridge    bridge.Client
	exchanges ExchangeStore
	catalog   *common.AssetCatalog

	settlementTicker string
	settlementAsset  string
	leaseTTL         time.Duration
	deadline         time.Duration
}

func NewService(leaser Leaser, bridgeClient bridge.Client, exchanges ExchangeStore, catalog *common.AssetCatalog, cfg models.Config) *Service {
	return &Service{
		leaser:           leaser,
		bridge:           bridgeClient,
		exchanges:        exchanges,
		catalog:          catalog,
		settlementTicker: cfg.Bridge.SettlementTicker,
		settlementAsset:  cfg.Bridge.SettlementAsset,
		leaseTTL:         cfg.Pool.LeaseTTL,
		deadline:         cfg.Bridge.Deadline,
	}
}

// RequestAddress returns a deposit instruction for asset.
// amount is only used by bridged assets and may be zero otherwise.
func (s *Service) RequestAddress(ctx context.Context, accountId, symbol string, amount decimal.Decimal) (*models.DepositInstruction, error) {
	asset, ok := s.catalog.Lookup(symbol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnsupportedAsset)
	}

	if asset.Kind == common.AssetBridged {
		return s.requestBridged(ctx, accountId, asset, amount)
	}

	lease, err := s.leaser.Lease(ctx, accountId)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Deposit address leased",
		zap.String("account_id", accountId),
		zap.String("asset", asset.Symbol),
		zap.String("address", lease.Address),
		zap.Uint32("index", lease.Index))

	return &models.DepositInstruction{
		Asset:     asset.Symbol,
		Address:   lease.Address,
		ExpiresIn: s.leaseTTL.String(),
	}, nil
}

func (s *Service) requestBridged(ctx context.Context, accountId string, asset common.AssetConfig, amount decimal.Decimal) (*models.DepositInstruction, error) {
	if s.bridge == nil {
		return nil, fmt.Errorf("%s: bridge is not configured: %w", asset.Symbol, ErrUnsupportedAsset)
	}
	if !amount.IsPositive() {
		return nil, ErrAmountRequired
	}

	minimum, err := s.bridge.MinimumAmount(ctx, asset.BridgeTicker, s.settlementTicker)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bridge minimum: %w", err)
	}
	if amount.LessThan(minimum) {
		return nil, fmt.Errorf("%s %s < %s: %w", amount, asset.Symbol, minimum, ErrBelowMinimum)
	}

	treasury := s.leaser.TreasuryAddress().Hex()
	exchange, err := s.bridge.CreateExchange(ctx, bridge.CreateExchangeRequest{
		From:    asset.BridgeTicker,
		To:      s.settlementTicker,
		Address: treasury,
		Amount:  amount,
		UserId:  accountId,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge exchange: %w", err)
	}

	err = s.exchanges.CreatePendingExchange(ctx, models.PendingExchange{
		ExternalId:         exchange.ExternalId,
		AccountId:          accountId,
		Direction:          models.DirectionDeposit,
		FromTicker:         asset.BridgeTicker,
		ToTicker:           s.settlementTicker,
		Asset:              s.settlementAsset,
		RequestedAmount:    amount,
		QuotedOutput:       exchange.QuotedOutput,
		PayinAddress:       exchange.PayinAddress,
		DestinationAddress: treasury,
		Status:             models.ExchangeNew,
	})
	if err != nil {
		// The bridge already knows the exchange; without the row nothing will credit it.
		zap.L().Error("Bridge exchange created but not recorded",
			zap.String("external_id", exchange.ExternalId),
			zap.String("account_id", accountId),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record exchange %s: %w", exchange.ExternalId, err)
	}

	zap.L().Info("Bridged deposit requested",
		zap.String("account_id", accountId),
		zap.String("external_id", exchange.ExternalId),
		zap.String("from", asset.BridgeTicker),
		zap.String("to", s.settlementTicker),
		zap.String("amount", amount.String()),
		zap.String("quoted_output", exchange.QuotedOutput.String()))

	return &models.DepositInstruction{
		Asset:        asset.Symbol,
		Address:      exchange.PayinAddress,
		ExternalId:   exchange.ExternalId,
		QuotedOutput: exchange.QuotedOutput,
		ExpiresIn:    s.deadline.String(),
	}, nil
}
