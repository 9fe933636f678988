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

package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody-deposit-go/internal/events"
	"custody-deposit-go/internal/metrics"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Credit applies a deposit at most once per processing key.
// A replayed key is not an error: the original entry comes back with Duplicate set.
func (s *LedgerService) Credit(ctx context.Context, params store.CreditParams) (*models.MutationResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.credit", trace.WithAttributes(
		attribute.String("account_id", params.AccountId),
		attribute.String("asset", params.Asset),
		attribute.String("processing_key", params.ProcessingKey),
	))
	defer span.End()

	if params.AccountId == "" || params.Asset == "" || params.ProcessingKey == "" || !params.Amount.IsPositive() {
		zap.L().Error("Invalid credit parameters",
			zap.String("account_id", params.AccountId),
			zap.String("asset", params.Asset),
			zap.String("amount", params.Amount.String()),
			zap.String("processing_key", params.ProcessingKey))
		return nil, fmt.Errorf("credit: %w", ErrInvalidRequest)
	}

	start := time.Now()
	entry, err := s.store.Credit(ctx, params)
	metrics.LedgerDuration.WithLabelValues(string(models.DirectionDeposit)).Observe(time.Since(start).Seconds())

	if errors.Is(err, store.ErrDuplicateTransaction) {
		metrics.LedgerMutations.WithLabelValues(string(models.DirectionDeposit), string(params.Method), "duplicate").Inc()
		span.SetAttributes(attribute.Bool("duplicate", true))

		existing, lookupErr := s.store.GetEntryByProcessingKey(ctx, params.ProcessingKey, models.DirectionDeposit)
		if lookupErr != nil {
			fail(span, lookupErr)
			return nil, fmt.Errorf("failed to load original entry: %w", lookupErr)
		}
		zap.L().Info("Duplicate credit ignored",
			zap.String("account_id", params.AccountId),
			zap.String("processing_key", params.ProcessingKey))
		s.checkDuplicate(ctx, existing, params.AccountId, params.Asset, params.Amount)
		return &models.MutationResult{Entry: existing, Duplicate: true}, nil
	}
	if err != nil {
		fail(span, err)
		metrics.LedgerMutations.WithLabelValues(string(models.DirectionDeposit), string(params.Method), "error").Inc()
		zap.L().Error("Credit failed",
			zap.String("account_id", params.AccountId),
			zap.String("asset", params.Asset),
			zap.String("amount", params.Amount.String()),
			zap.Error(err))
		return nil, err
	}

	metrics.LedgerMutations.WithLabelValues(string(models.DirectionDeposit), string(params.Method), "applied").Inc()
	zap.L().Info("Deposit credited",
		zap.String("account_id", entry.AccountId),
		zap.String("asset", entry.Asset),
		zap.String("amount", entry.Amount.String()),
		zap.String("new_balance", entry.BalanceAfter.String()),
		zap.String("processing_key", entry.ProcessingKey))

	s.afterCommit(ctx, events.EventDepositCredited, *entry)
	return &models.MutationResult{Entry: entry}, nil
}

// DepositNFT records custody of an NFT once per processing key.
func (s *LedgerService) DepositNFT(ctx context.Context, params store.NFTDepositParams) (*models.NFTResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.deposit_nft", trace.WithAttributes(
		attribute.String("account_id", params.AccountId),
		attribute.String("contract", params.ContractAddress),
		attribute.String("token_id", params.TokenId),
	))
	defer span.End()

	if params.AccountId == "" || params.ContractAddress == "" || params.TokenId == "" || params.ProcessingKey == "" || params.Units <= 0 {
		return nil, fmt.Errorf("nft deposit: %w", ErrInvalidRequest)
	}

	holdings, err := s.store.DepositNFT(ctx, params)
	if errors.Is(err, store.ErrDuplicateTransaction) {
		metrics.LedgerMutations.WithLabelValues(string(models.DirectionDeposit), string(models.MethodNFT), "duplicate").Inc()
		return &models.NFTResult{Duplicate: true}, nil
	}
	if err != nil {
		fail(span, err)
		outcome := "error"
		if errors.Is(err, store.ErrNFTAlreadyHeld) {
			outcome = "rejected"
		}
		metrics.LedgerMutations.WithLabelValues(string(models.DirectionDeposit), string(models.MethodNFT), outcome).Inc()
		return nil, err
	}

	metrics.LedgerMutations.WithLabelValues(string(models.DirectionDeposit), string(models.MethodNFT), "applied").Inc()
	s.publish(ctx, events.EventNFTDeposited, map[string]any{
		"account_id":     params.AccountId,
		"contract":       params.ContractAddress,
		"token_id":       params.TokenId,
		"units":          params.Units,
		"processing_key": params.ProcessingKey,
	})
	return &models.NFTResult{Holdings: holdings}, nil
}

// checkDuplicate queues an operator item when a replayed key carries different data.
func (s *LedgerService) checkDuplicate(ctx context.Context, existing *models.LedgerEntry, accountId, asset string, amount decimal.Decimal) {
	if existing.AccountId == accountId && existing.Asset == asset && existing.Amount.Equal(amount) {
		return
	}

	reason := fmt.Sprintf("key %s already applied to %s %s %s, replay carried %s %s %s",
		existing.ProcessingKey, existing.AccountId, existing.Amount, existing.Asset, accountId, amount, asset)
	if _, err := s.RecordReconciliation(ctx, models.ReconciliationItem{
		Kind:      models.ReconDuplicateKeyMismatch,
		AccountId: accountId,
		Asset:     asset,
		Amount:    amount,
		Reference: existing.ProcessingKey,
		Reason:    reason,
	}); err != nil {
		zap.L().Error("Failed to record duplicate mismatch", zap.String("processing_key", existing.ProcessingKey), zap.Error(err))
	}
}
