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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Debit removes amount+fee from the available balance at most once per processing key.
// Insufficient funds leave the balance untouched and return store.ErrInsufficientFunds.
func (s *LedgerService) Debit(ctx context.Context, params store.DebitParams) (*models.MutationResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.debit", trace.WithAttributes(
		attribute.String("account_id", params.AccountId),
		attribute.String("asset", params.Asset),
		attribute.String("processing_key", params.ProcessingKey),
	))
	defer span.End()

	if params.AccountId == "" || params.Asset == "" || params.ProcessingKey == "" ||
		!params.Amount.IsPositive() || params.Fee.IsNegative() {
		return nil, fmt.Errorf("debit: %w", ErrInvalidRequest)
	}

	start := time.Now()
	entry, err := s.store.Debit(ctx, params)
	metrics.LedgerDuration.WithLabelValues(string(models.DirectionWithdraw)).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, store.ErrDuplicateTransaction):
		metrics.LedgerMutations.WithLabelValues(string(models.DirectionWithdraw), string(params.Method), "duplicate").Inc()
		existing, lookupErr := s.store.GetEntryByProcessingKey(ctx, params.ProcessingKey, models.DirectionWithdraw)
		if lookupErr != nil {
			fail(span, lookupErr)
			return nil, fmt.Errorf("failed to load original entry: %w", lookupErr)
		}
		zap.L().Info("Duplicate debit ignored",
			zap.String("account_id", params.AccountId),
			zap.String("processing_key", params.ProcessingKey))
		s.checkDuplicate(ctx, existing, params.AccountId, params.Asset, params.Amount)
		return &models.MutationResult{Entry: existing, Duplicate: true}, nil

	case errors.Is(err, store.ErrInsufficientFunds):
		metrics.LedgerMutations.WithLabelValues(string(models.DirectionWithdraw), string(params.Method), "rejected").Inc()
		zap.L().Info("Debit rejected: insufficient funds",
			zap.String("account_id", params.AccountId),
			zap.String("asset", params.Asset),
			zap.String("amount", params.Amount.String()),
			zap.String("fee", params.Fee.String()))
		return nil, err

	case err != nil:
		fail(span, err)
		metrics.LedgerMutations.WithLabelValues(string(models.DirectionWithdraw), string(params.Method), "error").Inc()
		zap.L().Error("Debit failed", zap.String("account_id", params.AccountId), zap.Error(err))
		return nil, err
	}

	metrics.LedgerMutations.WithLabelValues(string(models.DirectionWithdraw), string(params.Method), "applied").Inc()
	zap.L().Info("Withdrawal debited",
		zap.String("account_id", entry.AccountId),
		zap.String("asset", entry.Asset),
		zap.String("amount", entry.Amount.String()),
		zap.String("fee", entry.Fee.String()),
		zap.String("new_balance", entry.BalanceAfter.String()))

	s.afterCommit(ctx, events.EventWithdrawalDebited, *entry)
	return &models.MutationResult{Entry: entry}, nil
}

// WithdrawNFT releases custody of an NFT. A replayed key returns Duplicate without touching holdings.
func (s *LedgerService) WithdrawNFT(ctx context.Context, params store.NFTWithdrawParams) (*models.NFTResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.withdraw_nft", trace.WithAttributes(
		attribute.String("account_id", params.AccountId),
		attribute.String("contract", params.ContractAddress),
		attribute.String("token_id", params.TokenId),
	))
	defer span.End()

	if params.AccountId == "" || params.ContractAddress == "" || params.TokenId == "" ||
		params.ProcessingKey == "" || params.Destination == "" || params.Units <= 0 {
		return nil, fmt.Errorf("nft withdrawal: %w", ErrInvalidRequest)
	}

	holdings, err := s.store.WithdrawNFT(ctx, params)
	if errors.Is(err, store.ErrDuplicateTransaction) {
		metrics.LedgerMutations.WithLabelValues(string(models.DirectionWithdraw), string(models.MethodNFT), "duplicate").Inc()
		return &models.NFTResult{Duplicate: true}, nil
	}
	if err != nil {
		fail(span, err)
		outcome := "error"
		if errors.Is(err, store.ErrNFTNotOwned) {
			outcome = "rejected"
		}
		metrics.LedgerMutations.WithLabelValues(string(models.DirectionWithdraw), string(models.MethodNFT), outcome).Inc()
		return nil, err
	}

	metrics.LedgerMutations.WithLabelValues(string(models.DirectionWithdraw), string(models.MethodNFT), "applied").Inc()
	s.publish(ctx, events.EventNFTWithdrawn, map[string]any{
		"account_id":     params.AccountId,
		"contract":       params.ContractAddress,
		"token_id":       params.TokenId,
		"units":          params.Units,
		"destination":    params.Destination,
		"processing_key": params.ProcessingKey,
	})
	return &models.NFTResult{Holdings: holdings}, nil
}
