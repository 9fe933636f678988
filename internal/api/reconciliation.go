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

	"custody-deposit-go/internal/events"
	"custody-deposit-go/internal/metrics"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecordReconciliation queues an anomaly for an operator. Nothing is resolved automatically.
func (s *LedgerService) RecordReconciliation(ctx context.Context, item models.ReconciliationItem) (*models.ReconciliationItem, error) {
	recorded, err := s.store.RecordReconciliationItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to record reconciliation item: %w", err)
	}

	zap.L().Error("Reconciliation item recorded",
		zap.String("id", recorded.Id),
		zap.String("kind", string(recorded.Kind)),
		zap.String("account_id", recorded.AccountId),
		zap.String("asset", recorded.Asset),
		zap.String("amount", recorded.Amount.String()),
		zap.String("reference", recorded.Reference),
		zap.String("reason", recorded.Reason))
	metrics.ReconciliationOpen.Inc()

	s.publish(ctx, events.EventReconciliationRecorded, map[string]any{
		"id":         recorded.Id,
		"kind":       string(recorded.Kind),
		"account_id": recorded.AccountId,
		"reference":  recorded.Reference,
	})
	return recorded, nil
}

func (s *LedgerService) ListReconciliationItems(ctx context.Context, includeResolved bool) ([]models.ReconciliationItem, error) {
	return s.store.ListReconciliationItems(ctx, includeResolved)
}

func (s *LedgerService) ResolveReconciliationItem(ctx context.Context, id, resolution string) error {
	if err := s.store.ResolveReconciliationItem(ctx, id, resolution); err != nil {
		return err
	}
	metrics.ReconciliationOpen.Dec()
	zap.L().Info("Reconciliation item resolved", zap.String("id", id), zap.String("resolution", resolution))
	return nil
}

// ReconcileAll checks every balance against its ledger entries.
// A mismatch becomes one open balance_mismatch item per account and asset.
func (s *LedgerService) ReconcileAll(ctx context.Context) (checked, mismatched int, err error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list accounts: %w", err)
	}

	open, err := s.store.ListReconciliationItems(ctx, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list open items: %w", err)
	}
	alreadyOpen := make(map[string]bool)
	for _, item := range open {
		if item.Kind == models.ReconBalanceMismatch {
			alreadyOpen[item.AccountId+"/"+item.Asset] = true
		}
	}

	for _, account := range accounts {
		balances, err := s.store.GetAllBalances(ctx, account.Id)
		if err != nil {
			return checked, mismatched, fmt.Errorf("failed to load balances for %s: %w", account.Id, err)
		}

		for _, balance := range balances {
			checked++
			err := s.store.ReconcileBalance(ctx, account.Id, balance.Asset)
			if err == nil {
				s.compareMirror(ctx, balance)
				continue
			}
			if !errors.Is(err, store.ErrBalanceMismatch) {
				return checked, mismatched, err
			}

			mismatched++
			if alreadyOpen[account.Id+"/"+balance.Asset] {
				continue
			}
			if _, err := s.RecordReconciliation(ctx, models.ReconciliationItem{
				Kind:      models.ReconBalanceMismatch,
				AccountId: account.Id,
				Asset:     balance.Asset,
				Amount:    balance.Available,
				Reference: "reconcile:" + account.Id + "/" + balance.Asset,
				Reason:    err.Error(),
			}); err != nil {
				return checked, mismatched, err
			}
		}
	}

	zap.L().Info("Balance reconciliation finished", zap.Int("checked", checked), zap.Int("mismatched", mismatched))
	return checked, mismatched, nil
}

// mirrorComparer is implemented by mirrors that can read balances back
type mirrorComparer interface {
	Compare(ctx context.Context, local models.Balance) (bool, decimal.Decimal, error)
}

// compareMirror logs drift between the local balance and the mirror; drift is not queued.
func (s *LedgerService) compareMirror(ctx context.Context, balance models.Balance) {
	comparer, ok := s.mirror.(mirrorComparer)
	if !ok {
		return
	}
	match, mirrored, err := comparer.Compare(ctx, balance)
	if err != nil {
		zap.L().Warn("Failed to compare mirrored balance",
			zap.String("account_id", balance.AccountId),
			zap.String("asset", balance.Asset),
			zap.Error(err))
		return
	}
	if !match {
		zap.L().Warn("Mirrored balance differs from ledger",
			zap.String("account_id", balance.AccountId),
			zap.String("asset", balance.Asset),
			zap.String("local", balance.Available.String()),
			zap.String("mirrored", mirrored.String()))
	}
}

// RefreshOpenGauge sets the backlog gauge from storage.
func (s *LedgerService) RefreshOpenGauge(ctx context.Context) (int, error) {
	open, err := s.store.ListReconciliationItems(ctx, false)
	if err != nil {
		return 0, err
	}
	metrics.ReconciliationOpen.Set(float64(len(open)))
	return len(open), nil
}
