package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody-deposit-go/internal/bridge"
	"custody-deposit-go/internal/events"
	"custody-deposit-go/internal/metrics"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"go.uber.org/zap"
)

// ExchangeStore is the persisted view of in-flight bridge exchanges
type ExchangeStore interface {
	ListOpenExchanges(ctx context.Context) ([]models.PendingExchange, error)
	UpdateExchange(ctx context.Context, update store.ExchangeUpdate) error
	MarkExchangeReconciled(ctx context.Context, externalId string) error
	MarkExchangeStaleReported(ctx context.Context, externalId string) error
}

// BridgeWatcherConfig contains configuration for BridgeWatcher
type BridgeWatcherConfig struct {
	Bridge       bridge.Client
	Store        ExchangeStore
	Ledger       Ledger
	Dispatcher   *Dispatcher
	Publisher    events.Publisher
	Stream       string
	PollInterval time.Duration
	Deadline     time.Duration
}

// BridgeWatcher polls the bridge for every open exchange.
// Exchanges are never failed by time: past the deadline an operator item is queued once.
type BridgeWatcher struct {
	bridge       bridge.Client
	store        ExchangeStore
	ledger       Ledger
	dispatcher   *Dispatcher
	publisher    events.Publisher
	stream       string
	pollInterval time.Duration
	deadline     time.Duration
	now          func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewBridgeWatcher(cfg BridgeWatcherConfig) *BridgeWatcher {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &BridgeWatcher{
		bridge:       cfg.Bridge,
		store:        cfg.Store,
		ledger:       cfg.Ledger,
		dispatcher:   cfg.Dispatcher,
		publisher:    publisher,
		stream:       cfg.Stream,
		pollInterval: cfg.PollInterval,
		deadline:     cfg.Deadline,
		now:          time.Now,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

func (w *BridgeWatcher) Start(ctx context.Context) {
	zap.L().Info("Starting bridge watcher",
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("deadline", w.deadline))
	go w.pollLoop(ctx)
}

func (w *BridgeWatcher) Stop() {
	zap.L().Info("Stopping bridge watcher")
	close(w.stopChan)
	<-w.doneChan
	zap.L().Info("Bridge watcher stopped")
}

func (w *BridgeWatcher) pollLoop(ctx context.Context) {
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

func (w *BridgeWatcher) runTick(ctx context.Context) {
	if err := w.Tick(ctx); err != nil {
		metrics.WatcherErrors.WithLabelValues("bridge").Inc()
		zap.L().Warn("Bridge watcher tick failed", zap.Error(err))
	}
}

// Tick checks every open exchange once. A failed status fetch leaves the
// exchange untouched until the next tick.
func (w *BridgeWatcher) Tick(ctx context.Context) error {
	open, err := w.store.ListOpenExchanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open exchanges: %w", err)
	}

	for _, exchange := range open {
		select {
		case <-w.stopChan:
			return nil
		default:
		}

		if err := w.check(ctx, exchange); err != nil {
			metrics.WatcherErrors.WithLabelValues("bridge").Inc()
			zap.L().Warn("Failed to check exchange",
				zap.String("external_id", exchange.ExternalId),
				zap.Error(err))
		}
	}
	return nil
}

func (w *BridgeWatcher) check(ctx context.Context, exchange models.PendingExchange) error {
	status, err := w.bridge.GetStatus(ctx, exchange.ExternalId)
	if err != nil {
		var apiErr *bridge.APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			zap.L().Warn("Bridge does not know exchange", zap.String("external_id", exchange.ExternalId))
		}
		w.checkDeadline(ctx, exchange)
		return fmt.Errorf("status fetch: %w", err)
	}

	if status.Status != exchange.Status || status.PayoutHash != exchange.PayoutHash ||
		!status.OutputAmount.Equal(exchange.OutputAmount) {
		if err := w.store.UpdateExchange(ctx, store.ExchangeUpdate{
			ExternalId:   exchange.ExternalId,
			Status:       status.Status,
			OutputAmount: status.OutputAmount,
			PayoutHash:   status.PayoutHash,
		}); err != nil {
			return err
		}
		zap.L().Info("Exchange status changed",
			zap.String("external_id", exchange.ExternalId),
			zap.String("from", string(exchange.Status)),
			zap.String("to", string(status.Status)))
		w.publish(ctx, exchange, status)

		exchange.Status = status.Status
		exchange.OutputAmount = status.OutputAmount
		exchange.PayoutHash = status.PayoutHash
	}

	switch {
	case exchange.Status.IsSuccess():
		return w.finish(ctx, exchange)
	case exchange.Status.IsFailure():
		return w.fail(ctx, exchange)
	default:
		w.checkDeadline(ctx, exchange)
		return nil
	}
}

// finish credits a finished deposit once, keyed by the exchange id.
func (w *BridgeWatcher) finish(ctx context.Context, exchange models.PendingExchange) error {
	if exchange.Direction == models.DirectionDeposit {
		if !exchange.OutputAmount.IsPositive() {
			zap.L().Warn("Finished exchange has no output amount yet", zap.String("external_id", exchange.ExternalId))
			return nil
		}

		obsCtx := models.WithObservation(ctx, &models.ObservationContext{
			Source:     "bridge",
			TxHash:     exchange.PayoutHash,
			ObservedAt: time.Now().UTC(),
		})
		outcome, err := w.dispatcher.Credit(obsCtx, store.CreditParams{
			AccountId:     exchange.AccountId,
			Asset:         exchange.Asset,
			Method:        models.MethodBridge,
			Amount:        exchange.OutputAmount,
			ProcessingKey: exchange.ExternalId,
			Reference:     exchange.PayoutHash,
		})
		if err != nil {
			metrics.WatcherEvents.WithLabelValues("bridge", "deposit", "error").Inc()
			return fmt.Errorf("credit: %w", err)
		}
		result := "credited"
		if outcome.Duplicate {
			result = "duplicate"
		}
		metrics.WatcherEvents.WithLabelValues("bridge", "deposit", result).Inc()
	}

	return w.store.MarkExchangeReconciled(ctx, exchange.ExternalId)
}

// fail closes a failed or refunded exchange. Nothing is credited or refunded automatically.
func (w *BridgeWatcher) fail(ctx context.Context, exchange models.PendingExchange) error {
	if exchange.Direction == models.DirectionWithdraw {
		if _, err := w.ledger.RecordReconciliation(ctx, models.ReconciliationItem{
			Kind:      models.ReconBridgeWithdrawFailed,
			AccountId: exchange.AccountId,
			Asset:     exchange.Asset,
			Amount:    exchange.RequestedAmount,
			Reference: exchange.ExternalId,
			Reason:    fmt.Sprintf("bridge reported %s", exchange.Status),
		}); err != nil {
			return err
		}
	}

	metrics.WatcherEvents.WithLabelValues("bridge", string(exchange.Direction), string(exchange.Status)).Inc()
	return w.store.MarkExchangeReconciled(ctx, exchange.ExternalId)
}

func (w *BridgeWatcher) checkDeadline(ctx context.Context, exchange models.PendingExchange) {
	if exchange.StaleReported || w.deadline <= 0 || w.now().Sub(exchange.CreatedAt) <= w.deadline {
		return
	}

	if _, err := w.ledger.RecordReconciliation(ctx, models.ReconciliationItem{
		Kind:      models.ReconBridgeDeadline,
		AccountId: exchange.AccountId,
		Asset:     exchange.Asset,
		Amount:    exchange.RequestedAmount,
		Reference: exchange.ExternalId,
		Reason:    fmt.Sprintf("exchange still %s after %s", exchange.Status, w.deadline),
	}); err != nil {
		zap.L().Error("Failed to record overdue exchange", zap.String("external_id", exchange.ExternalId), zap.Error(err))
		return
	}
	if err := w.store.MarkExchangeStaleReported(ctx, exchange.ExternalId); err != nil {
		zap.L().Error("Failed to flag overdue exchange", zap.String("external_id", exchange.ExternalId), zap.Error(err))
	}
}

func (w *BridgeWatcher) publish(ctx context.Context, exchange models.PendingExchange, status *bridge.Status) {
	err := w.publisher.Publish(ctx, w.stream, events.NewEvent(events.EventExchangeUpdated, map[string]any{
		"external_id": exchange.ExternalId,
		"account_id":  exchange.AccountId,
		"direction":   string(exchange.Direction),
		"status":      string(status.Status),
		"payout_hash": status.PayoutHash,
	}))
	if err != nil {
		zap.L().Warn("Failed to publish exchange update", zap.Error(err))
	}
}
