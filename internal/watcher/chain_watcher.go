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
	"math/big"
	"sort"
	"time"

	"custody-deposit-go/internal/api"
	"custody-deposit-go/internal/chain"
	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/metrics"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// maxBlocksPerTick bounds one log query and the work between two cursor writes
const maxBlocksPerTick = 500

// AddressPool is the view of the deposit pool the chain watcher needs
type AddressPool interface {
	Owns(address ethcommon.Address) bool
	LeaseOwner(ctx context.Context, address ethcommon.Address) (string, bool, error)
	Release(ctx context.Context, address ethcommon.Address) error
	TreasuryAddress() ethcommon.Address
	Sweep(ctx context.Context, client chain.Client, address ethcommon.Address, req chain.TransferRequest) (ethcommon.Hash, error)
}

// ChainStore persists the cursor and resolves bridge payouts
type ChainStore interface {
	GetCursor(ctx context.Context, chain string) (uint64, bool, error)
	SetCursor(ctx context.Context, chain string, height uint64) error
	FindExchangeByPayoutHash(ctx context.Context, payoutHash string) (*models.PendingExchange, error)
	MarkExchangeReconciled(ctx context.Context, externalId string) error
	GetEntryByProcessingKey(ctx context.Context, processingKey string, direction models.Direction) (*models.LedgerEntry, error)
}

// ChainWatcherConfig contains configuration for ChainWatcher
type ChainWatcherConfig struct {
	Client        chain.Client
	Pool          AddressPool
	Store         ChainStore
	Ledger        Ledger
	Dispatcher    *Dispatcher
	Catalog       *common.AssetCatalog
	Confirmations uint64
	PollInterval  time.Duration
	StartBlock    uint64
	SingleUse     bool
	SweepEnabled  bool
}

// ChainWatcher follows one chain and credits confirmed deposits to leased addresses.
type ChainWatcher struct {
	client        chain.Client
	pool          AddressPool
	store         ChainStore
	ledger        Ledger
	dispatcher    *Dispatcher
	catalog       *common.AssetCatalog
	confirmations uint64
	pollInterval  time.Duration
	startBlock    uint64
	singleUse     bool
	sweepEnabled  bool

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewChainWatcher(cfg ChainWatcherConfig) *ChainWatcher {
	return &ChainWatcher{
		client:        cfg.Client,
		pool:          cfg.Pool,
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		dispatcher:    cfg.Dispatcher,
		catalog:       cfg.Catalog,
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.PollInterval,
		startBlock:    cfg.StartBlock,
		singleUse:     cfg.SingleUse,
		sweepEnabled:  cfg.SweepEnabled,
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
}

// observed is one classified event waiting for the ledger
type observed struct {
	event     chain.TransferEvent
	accountId string
	asset     common.AssetConfig
	exchange  *models.PendingExchange
}

// observe tags ctx with where the event was seen, for the ledger mirror
func observe(ctx context.Context, source, chainName string, ev chain.TransferEvent) context.Context {
	return models.WithObservation(ctx, &models.ObservationContext{
		Source:      source,
		Chain:       chainName,
		TxHash:      ev.TxHash.Hex(),
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
		Address:     ev.To.Hex(),
		ObservedAt:  time.Now().UTC(),
	})
}

func (w *ChainWatcher) Start(ctx context.Context) {
	zap.L().Info("Starting chain watcher",
		zap.String("chain", w.client.Name()),
		zap.Uint64("confirmations", w.confirmations),
		zap.Duration("poll_interval", w.pollInterval))
	go w.pollLoop(ctx)
}

// Stop waits for the in-flight block to finish.
func (w *ChainWatcher) Stop() {
	zap.L().Info("Stopping chain watcher", zap.String("chain", w.client.Name()))
	close(w.stopChan)
	<-w.doneChan
	zap.L().Info("Chain watcher stopped", zap.String("chain", w.client.Name()))
}

func (w *ChainWatcher) pollLoop(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.runTick(ctx)

	for {
		select {
		case <-ticker.C:
			w.runTick(ctx)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *ChainWatcher) runTick(ctx context.Context) {
	if _, err := w.Tick(ctx); err != nil {
		metrics.WatcherErrors.WithLabelValues("chain").Inc()
		zap.L().Warn("Chain watcher tick failed, retrying next tick",
			zap.String("chain", w.client.Name()),
			zap.Error(err))
	}
}

// Tick processes every confirmed block past the cursor and returns the new cursor.
// The cursor is written after each fully acknowledged block, so a failure
// leaves it on the last good height.
func (w *ChainWatcher) Tick(ctx context.Context) (uint64, error) {
	head, err := w.client.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get head: %w", err)
	}
	if head < w.confirmations {
		return 0, nil
	}
	safe := head - w.confirmations

	cursor, err := w.cursor(ctx, safe)
	if err != nil {
		return 0, err
	}
	if cursor >= safe {
		return cursor, nil
	}

	from, to := cursor+1, safe
	if to-from+1 > maxBlocksPerTick {
		to = from + maxBlocksPerTick - 1
	}

	logsByBlock, err := w.fetchLogs(ctx, from, to)
	if err != nil {
		return cursor, err
	}

	for n := from; n <= to; n++ {
		select {
		case <-w.stopChan:
			return cursor, nil
		default:
		}

		if err := w.processBlock(ctx, n, logsByBlock[n]); err != nil {
			return cursor, fmt.Errorf("block %d: %w", n, err)
		}
		if err := w.store.SetCursor(ctx, w.client.Name(), n); err != nil {
			return cursor, fmt.Errorf("failed to save cursor: %w", err)
		}
		cursor = n
		metrics.WatcherHeight.WithLabelValues(w.client.Name()).Set(float64(n))
	}

	return cursor, nil
}

// cursor returns the last processed height. A chain seen for the first time
// starts at StartBlock, or at the current safe head when none is configured.
func (w *ChainWatcher) cursor(ctx context.Context, safe uint64) (uint64, error) {
	cursor, ok, err := w.store.GetCursor(ctx, w.client.Name())
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	if ok {
		return cursor, nil
	}

	cursor = safe
	if w.startBlock > 0 {
		cursor = w.startBlock - 1
	}
	if err := w.store.SetCursor(ctx, w.client.Name(), cursor); err != nil {
		return 0, fmt.Errorf("failed to initialise cursor: %w", err)
	}
	zap.L().Info("Initialised chain cursor", zap.String("chain", w.client.Name()), zap.Uint64("cursor", cursor))
	return cursor, nil
}

func (w *ChainWatcher) fetchLogs(ctx context.Context, from, to uint64) (map[uint64][]*types.Log, error) {
	byBlock := make(map[uint64][]*types.Log)
	contracts := w.catalog.Contracts()
	if len(contracts) == 0 {
		return byBlock, nil
	}

	logs, err := w.client.FilterTransferLogs(ctx, from, to, contracts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs %d-%d: %w", from, to, err)
	}
	for i := range logs {
		l := logs[i]
		if l.Removed {
			continue
		}
		byBlock[l.BlockNumber] = append(byBlock[l.BlockNumber], &l)
	}
	return byBlock, nil
}

// processBlock classifies, matches and dispatches every event of one block.
// It returns an error when anything must be retried; nothing is skipped silently.
func (w *ChainWatcher) processBlock(ctx context.Context, number uint64, logs []*types.Log) error {
	block, err := w.client.GetBlock(ctx, number)
	if err != nil {
		return err
	}

	events, err := w.nativeEvents(ctx, block)
	if err != nil {
		return err
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Index < logs[j].Index })
	events = append(events, w.client.DecodeTransferLogs(logs)...)

	matched, err := w.match(ctx, events)
	if err != nil {
		return err
	}

	credited := make(map[ethcommon.Address][]observed)
	for _, obs := range matched {
		applied, err := w.dispatch(ctx, obs)
		if err != nil {
			return err
		}
		if applied && obs.exchange == nil {
			credited[obs.event.To] = append(credited[obs.event.To], obs)
		}
	}

	for address, deposits := range credited {
		w.afterCredit(ctx, address, deposits)
	}
	return nil
}

// nativeEvents turns successful value transfers into pool addresses or the treasury into events.
func (w *ChainWatcher) nativeEvents(ctx context.Context, block *chain.Block) ([]chain.TransferEvent, error) {
	treasury := w.pool.TreasuryAddress()
	var events []chain.TransferEvent

	for _, tx := range block.Transactions {
		if tx.To == nil || tx.Value == nil || tx.Value.Sign() <= 0 {
			continue
		}
		if !w.pool.Owns(*tx.To) && *tx.To != treasury {
			continue
		}

		receipt, err := w.client.GetTransactionReceipt(ctx, tx.Hash)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", tx.Hash.Hex(), err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			zap.L().Info("Skipping reverted transfer", zap.String("tx_hash", tx.Hash.Hex()))
			continue
		}

		events = append(events, chain.TransferEvent{
			Kind:        chain.KindNative,
			From:        tx.From,
			To:          *tx.To,
			Amount:      new(big.Int).Set(tx.Value),
			TxHash:      tx.Hash,
			BlockNumber: block.Number,
		})
	}
	return events, nil
}

// match attributes events to accounts: an active lease first, then a bridge payout.
func (w *ChainWatcher) match(ctx context.Context, events []chain.TransferEvent) ([]observed, error) {
	treasury := w.pool.TreasuryAddress()
	var matched []observed

	for _, ev := range events {
		asset, ok := w.classify(ev)
		if !ok {
			continue
		}
		if ev.Amount == nil || ev.Amount.Sign() <= 0 {
			// zero-value transfers carry nothing to credit and are common address-poisoning spam
			metrics.WatcherEvents.WithLabelValues(w.client.Name(), string(ev.Kind), "ignored").Inc()
			zap.L().Debug("Ignoring zero-value transfer", zap.String("processing_key", ev.ProcessingKey()))
			continue
		}

		if w.pool.Owns(ev.To) {
			// a block read again after a crash may find its single-use leases already released
			seen, err := w.alreadyCredited(ctx, ev)
			if err != nil {
				return nil, err
			}
			if seen {
				metrics.WatcherEvents.WithLabelValues(w.client.Name(), string(ev.Kind), "duplicate").Inc()
				continue
			}

			owner, leased, err := w.pool.LeaseOwner(ctx, ev.To)
			if err != nil {
				return nil, fmt.Errorf("lease lookup %s: %w", ev.To.Hex(), err)
			}
			if !leased {
				w.unattributed(ctx, ev, asset)
				continue
			}
			matched = append(matched, observed{event: ev, accountId: owner, asset: asset})
			continue
		}

		if ev.To != treasury {
			continue
		}
		exchange, err := w.store.FindExchangeByPayoutHash(ctx, ev.TxHash.Hex())
		if errors.Is(err, store.ErrExchangeNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("payout lookup %s: %w", ev.TxHash.Hex(), err)
		}
		if exchange.Direction != models.DirectionDeposit || exchange.Reconciled || !exchange.Status.IsSuccess() {
			continue
		}
		matched = append(matched, observed{event: ev, accountId: exchange.AccountId, asset: asset, exchange: exchange})
	}
	return matched, nil
}

// alreadyCredited reports whether the ledger holds a deposit under the event's key
func (w *ChainWatcher) alreadyCredited(ctx context.Context, ev chain.TransferEvent) (bool, error) {
	_, err := w.store.GetEntryByProcessingKey(ctx, ev.ProcessingKey(), models.DirectionDeposit)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrEntryNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("entry lookup %s: %w", ev.ProcessingKey(), err)
	}
}

// validUnits reports whether an NFT transfer amount fits a holding's unit count
func validUnits(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0 && amount.IsInt64()
}

// classify checks an event against the asset catalog.
func (w *ChainWatcher) classify(ev chain.TransferEvent) (common.AssetConfig, bool) {
	if ev.Kind == chain.KindNative {
		return w.catalog.Native(), true
	}

	asset, ok := w.catalog.ByContract(ev.Contract)
	if !ok {
		return common.AssetConfig{}, false
	}
	switch {
	case ev.Kind == chain.KindToken && asset.Kind == common.AssetToken:
	case ev.Kind == chain.KindNFTSingle && asset.Kind == common.AssetNFT && asset.Standard == string(models.NFTStandardERC721):
	case ev.Kind == chain.KindNFTMulti && asset.Kind == common.AssetNFT && asset.Standard == string(models.NFTStandardERC1155):
	default:
		zap.L().Warn("Transfer shape does not match catalogued asset",
			zap.String("contract", ev.Contract.Hex()),
			zap.String("kind", string(ev.Kind)),
			zap.String("asset", asset.Symbol),
			zap.String("processing_key", ev.ProcessingKey()))
		return common.AssetConfig{}, false
	}
	return asset, true
}

// dispatch sends one event to the ledger. applied is false for duplicates.
func (w *ChainWatcher) dispatch(ctx context.Context, obs observed) (bool, error) {
	ev := obs.event
	chainName := w.client.Name()
	ctx = observe(ctx, "chain", chainName, ev)
	if obs.asset.Kind == common.AssetNFT && obs.exchange == nil && !validUnits(ev.Amount) {
		metrics.WatcherEvents.WithLabelValues(chainName, string(ev.Kind), "rejected").Inc()
		w.recordRejected(ctx, obs, models.ReconRejectedDeposit,
			fmt.Sprintf("nft amount %s does not fit a unit count", ev.Amount.String()))
		return false, nil
	}
	var (
		outcome Outcome
		err     error
	)

	switch {
	case obs.exchange != nil:
		outcome, err = w.dispatcher.Credit(ctx, store.CreditParams{
			AccountId:     obs.accountId,
			Asset:         obs.exchange.Asset,
			Method:        models.MethodBridge,
			Amount:        chain.ToDecimal(ev.Amount, obs.asset.Decimals),
			ProcessingKey: obs.exchange.ExternalId,
			Reference:     ev.TxHash.Hex(),
		})
	case obs.asset.Kind == common.AssetNFT:
		standard := models.NFTStandardERC721
		if ev.Kind == chain.KindNFTMulti {
			standard = models.NFTStandardERC1155
		}
		outcome, err = w.dispatcher.DepositNFT(ctx, store.NFTDepositParams{
			AccountId:       obs.accountId,
			Network:         obs.asset.Network,
			ContractAddress: ev.Contract.Hex(),
			TokenId:         ev.TokenId.String(),
			Standard:        standard,
			Units:           ev.Amount.Int64(),
			TxHash:          ev.TxHash.Hex(),
			ProcessingKey:   ev.ProcessingKey(),
		})
	default:
		method := models.MethodToken
		if ev.Kind == chain.KindNative {
			method = models.MethodNative
		}
		outcome, err = w.dispatcher.Credit(ctx, store.CreditParams{
			AccountId:     obs.accountId,
			Asset:         obs.asset.Symbol,
			Method:        method,
			Amount:        chain.ToDecimal(ev.Amount, obs.asset.Decimals),
			ProcessingKey: ev.ProcessingKey(),
			Reference:     ev.From.Hex(),
		})
	}

	switch {
	case errors.Is(err, store.ErrNFTAlreadyHeld):
		// A second live holding for a single-unit token cannot be recorded; an operator decides.
		metrics.WatcherEvents.WithLabelValues(chainName, string(ev.Kind), "rejected").Inc()
		w.recordRejected(ctx, obs, models.ReconNFTConflict, err.Error())
		return false, nil
	case errors.Is(err, api.ErrInvalidRequest):
		// retrying cannot change the answer, and the cursor must move on
		metrics.WatcherEvents.WithLabelValues(chainName, string(ev.Kind), "rejected").Inc()
		w.recordRejected(ctx, obs, models.ReconRejectedDeposit, err.Error())
		return false, nil
	case err != nil:
		metrics.WatcherEvents.WithLabelValues(chainName, string(ev.Kind), "error").Inc()
		return false, fmt.Errorf("dispatch %s: %w", ev.ProcessingKey(), err)
	case outcome.Duplicate:
		metrics.WatcherEvents.WithLabelValues(chainName, string(ev.Kind), "duplicate").Inc()
		return false, nil
	}

	metrics.WatcherEvents.WithLabelValues(chainName, string(ev.Kind), "credited").Inc()
	if obs.exchange != nil {
		if err := w.store.MarkExchangeReconciled(ctx, obs.exchange.ExternalId); err != nil {
			zap.L().Warn("Failed to mark exchange reconciled", zap.String("external_id", obs.exchange.ExternalId), zap.Error(err))
		}
	}
	return true, nil
}

// afterCredit releases single-use leases and optionally sweeps to the treasury.
func (w *ChainWatcher) afterCredit(ctx context.Context, address ethcommon.Address, deposits []observed) {
	if w.sweepEnabled {
		for _, obs := range deposits {
			w.sweep(ctx, address, obs)
		}
	}

	if !w.singleUse {
		return
	}
	if err := w.pool.Release(ctx, address); err != nil {
		zap.L().Warn("Failed to release deposit address", zap.String("address", address.Hex()), zap.Error(err))
		return
	}
	zap.L().Info("Released single-use deposit address", zap.String("address", address.Hex()))
}

func (w *ChainWatcher) sweep(ctx context.Context, address ethcommon.Address, obs observed) {
	ev := obs.event
	req := chain.TransferRequest{Kind: ev.Kind, Contract: ev.Contract, Amount: ev.Amount, TokenId: ev.TokenId}
	if ev.Kind == chain.KindNative {
		req.Amount = nil
	}

	hash, err := w.pool.Sweep(ctx, w.client, address, req)
	if err != nil {
		zap.L().Error("Sweep failed",
			zap.String("address", address.Hex()),
			zap.String("processing_key", ev.ProcessingKey()),
			zap.Error(err))
		if _, recErr := w.ledger.RecordReconciliation(ctx, models.ReconciliationItem{
			Kind:      models.ReconSweepFailed,
			AccountId: obs.accountId,
			Asset:     obs.asset.Symbol,
			Amount:    chain.ToDecimal(ev.Amount, obs.asset.Decimals),
			Reference: ev.ProcessingKey(),
			Reason:    err.Error(),
		}); recErr != nil {
			zap.L().Error("Failed to record sweep failure", zap.Error(recErr))
		}
		return
	}
	zap.L().Info("Swept deposit to treasury",
		zap.String("address", address.Hex()),
		zap.String("sweep_tx", hash.Hex()))
}

// unattributed queues a transfer that reached a pool address nobody leases.
func (w *ChainWatcher) unattributed(ctx context.Context, ev chain.TransferEvent, asset common.AssetConfig) {
	metrics.WatcherEvents.WithLabelValues(w.client.Name(), string(ev.Kind), "unattributed").Inc()
	zap.L().Warn("Deposit to unleased pool address",
		zap.String("address", ev.To.Hex()),
		zap.String("processing_key", ev.ProcessingKey()))

	if _, err := w.ledger.RecordReconciliation(ctx, models.ReconciliationItem{
		Kind:      models.ReconUnattributedDeposit,
		Asset:     asset.Symbol,
		Amount:    chain.ToDecimal(ev.Amount, asset.Decimals),
		Reference: ev.ProcessingKey(),
		Reason:    fmt.Sprintf("transfer from %s to unleased pool address %s", ev.From.Hex(), ev.To.Hex()),
	}); err != nil {
		zap.L().Error("Failed to record unattributed deposit", zap.Error(err))
	}
}

// recordRejected queues an event the ledger will never accept as it stands
func (w *ChainWatcher) recordRejected(ctx context.Context, obs observed, kind models.ReconciliationKind, reason string) {
	item := models.ReconciliationItem{
		Kind:      kind,
		AccountId: obs.accountId,
		Asset:     obs.asset.Symbol,
		Reference: obs.event.ProcessingKey(),
		Reason:    reason,
	}
	if obs.asset.Kind == common.AssetNFT {
		item.Asset = store.NFTAsset(obs.event.Contract.Hex(), obs.event.TokenId.String())
	} else {
		item.Amount = chain.ToDecimal(obs.event.Amount, obs.asset.Decimals)
	}
	zap.L().Warn("Deposit rejected by the ledger",
		zap.String("account_id", obs.accountId),
		zap.String("processing_key", obs.event.ProcessingKey()),
		zap.String("reason", reason))

	if _, err := w.ledger.RecordReconciliation(ctx, item); err != nil {
		zap.L().Error("Failed to record rejected deposit", zap.Error(err))
	}
}
