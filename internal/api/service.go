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
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrInvalidRequest marks malformed ledger parameters
var ErrInvalidRequest = errors.New("invalid ledger request")

// Mirror receives committed entries. Failures never roll back the local ledger.
type Mirror interface {
	RecordCredit(ctx context.Context, entry models.LedgerEntry) error
	RecordDebit(ctx context.Context, entry models.LedgerEntry) error
}

// LedgerService is the entry point for every balance mutation.
// It wraps the store with tracing, metrics, events and the optional mirror.
type LedgerService struct {
	store     store.LedgerStore
	publisher events.Publisher
	stream    string
	mirror    Mirror
	tracer    trace.Tracer
}

type Option func(*LedgerService)

// WithPublisher publishes committed mutations to stream.
func WithPublisher(p events.Publisher, stream string) Option {
	return func(s *LedgerService) {
		s.publisher = p
		s.stream = stream
	}
}

// WithMirror copies committed entries to an external ledger.
func WithMirror(m Mirror) Option {
	return func(s *LedgerService) { s.mirror = m }
}

func NewLedgerService(st store.LedgerStore, opts ...Option) *LedgerService {
	s := &LedgerService{
		store:     st,
		publisher: events.NopPublisher{},
		stream:    "custody",
		tracer:    otel.Tracer("ledger-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LedgerService) HealthCheck(ctx context.Context) error {
	_, err := s.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *LedgerService) GetAccount(ctx context.Context, accountId string) (*models.Account, error) {
	return s.store.GetAccount(ctx, accountId)
}

func (s *LedgerService) publish(ctx context.Context, eventType string, payload map[string]any) {
	if err := s.publisher.Publish(ctx, s.stream, events.NewEvent(eventType, payload)); err != nil {
		zap.L().Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// afterCommit runs side effects of a committed entry.
func (s *LedgerService) afterCommit(ctx context.Context, eventType string, entry models.LedgerEntry) {
	s.publish(ctx, eventType, map[string]any{
		"entry_id":       entry.Id,
		"account_id":     entry.AccountId,
		"asset":          entry.Asset,
		"amount":         entry.Amount.String(),
		"fee":            entry.Fee.String(),
		"balance_after":  entry.BalanceAfter.String(),
		"processing_key": entry.ProcessingKey,
	})

	if s.mirror == nil {
		return
	}
	var err error
	if entry.Direction == models.DirectionDeposit {
		err = s.mirror.RecordCredit(ctx, entry)
	} else {
		err = s.mirror.RecordDebit(ctx, entry)
	}
	if err != nil {
		zap.L().Warn("Failed to mirror ledger entry",
			zap.String("entry_id", entry.Id),
			zap.String("processing_key", entry.ProcessingKey),
			zap.Error(err))
	}
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
