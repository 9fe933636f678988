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

package watcher

import (
	"context"
	"errors"
	"fmt"

	"custody-deposit-go/internal/chain"
	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var ErrNothingToClaim = errors.New("transaction has no claimable nft transfer to the treasury")

// ClaimLedger is the ledger view used for claims
type ClaimLedger interface {
	DepositNFT(ctx context.Context, params store.NFTDepositParams) (*models.NFTResult, error)
}

// ClaimPool tells deposit-pool addresses apart from outside senders
type ClaimPool interface {
	Owns(address ethcommon.Address) bool
	TreasuryAddress() ethcommon.Address
}

// PayoutLookup finds the bridge exchange a treasury payout belongs to
type PayoutLookup interface {
	FindExchangeByPayoutHash(ctx context.Context, payoutHash string) (*models.PendingExchange, error)
}

// Claimed is one credited transfer of a claim
type Claimed struct {
	ProcessingKey string `json:"processing_key"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	Duplicate     bool   `json:"duplicate"`
}

// Claimer credits NFT transfers sent straight to the treasury, on request of
// the account that sent them. The first claim of a key wins. Fungible value
// reaches the treasury only through leased addresses and bridge payouts,
// which the watchers credit, so it is never claimable.
type Claimer struct {
	client        chain.Client
	ledger        ClaimLedger
	pool          ClaimPool
	payouts       PayoutLookup
	catalog       *common.AssetCatalog
	confirmations uint64
}

func NewClaimer(client chain.Client, ledger ClaimLedger, pool ClaimPool, payouts PayoutLookup, catalog *common.AssetCatalog, confirmations uint64) *Claimer {
	return &Claimer{
		client:        client,
		ledger:        ledger,
		pool:          pool,
		payouts:       payouts,
		catalog:       catalog,
		confirmations: confirmations,
	}
}

// Claim waits for txHash to reach the configured depth and credits every
// catalogued NFT transfer it made to the treasury from outside the pool.
func (c *Claimer) Claim(ctx context.Context, accountId string, txHash ethcommon.Hash) ([]Claimed, error) {
	receipt, err := c.client.WaitForConfirmation(ctx, txHash, c.confirmations)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", txHash.Hex(), err)
	}

	// a bridge payout is credited by the watchers under its exchange id
	_, err = c.payouts.FindExchangeByPayoutHash(ctx, txHash.Hex())
	switch {
	case err == nil:
		return nil, ErrNothingToClaim
	case !errors.Is(err, store.ErrExchangeNotFound):
		return nil, fmt.Errorf("payout lookup %s: %w", txHash.Hex(), err)
	}

	treasury := c.pool.TreasuryAddress()
	var claimed []Claimed
	for _, ev := range c.client.DecodeTransferLogs(receipt.Logs) {
		if ev.To != treasury {
			continue
		}
		if c.pool.Owns(ev.From) {
			// sweeps were credited when they reached the pool
			continue
		}
		asset, ok := c.catalog.ByContract(ev.Contract)
		if !ok || !claimable(asset, ev) {
			continue
		}

		item, err := c.credit(ctx, accountId, asset, ev)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, *item)
	}

	if len(claimed) == 0 {
		return nil, ErrNothingToClaim
	}

	zap.L().Info("Claim processed",
		zap.String("account_id", accountId),
		zap.String("tx_hash", txHash.Hex()),
		zap.Int("transfers", len(claimed)))
	return claimed, nil
}

func claimable(asset common.AssetConfig, ev chain.TransferEvent) bool {
	if asset.Kind != common.AssetNFT {
		return false
	}
	switch {
	case ev.Kind == chain.KindNFTSingle && asset.Standard == string(models.NFTStandardERC721):
	case ev.Kind == chain.KindNFTMulti && asset.Standard == string(models.NFTStandardERC1155):
	default:
		return false
	}
	return validUnits(ev.Amount)
}

func (c *Claimer) credit(ctx context.Context, accountId string, asset common.AssetConfig, ev chain.TransferEvent) (*Claimed, error) {
	ctx = observe(ctx, "claim", c.client.Name(), ev)
	standard := models.NFTStandardERC721
	if ev.Kind == chain.KindNFTMulti {
		standard = models.NFTStandardERC1155
	}
	result, err := c.ledger.DepositNFT(ctx, store.NFTDepositParams{
		AccountId:       accountId,
		Network:         asset.Network,
		ContractAddress: ev.Contract.Hex(),
		TokenId:         ev.TokenId.String(),
		Standard:        standard,
		Units:           ev.Amount.Int64(),
		TxHash:          ev.TxHash.Hex(),
		ProcessingKey:   ev.ProcessingKey(),
	})
	if err != nil {
		return nil, err
	}
	return &Claimed{
		ProcessingKey: ev.ProcessingKey(),
		Asset:         store.NFTAsset(ev.Contract.Hex(), ev.TokenId.String()),
		Amount:        ev.Amount.String(),
		Duplicate:     result.Duplicate,
	}, nil
}
