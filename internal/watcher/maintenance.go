package watcher

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type LeaseReclaimer interface {
	ReclaimExpired(ctx context.Context) (int, error)
}

type Reconciler interface {
	ReconcileAll(ctx context.Context) (checked, mismatched int, err error)
	RefreshOpenGauge(ctx context.Context) (int, error)
}

// Maintenance runs the periodic housekeeping jobs of the watcher process
type Maintenance struct {
	pool       LeaseReclaimer
	reconciler Reconciler
	cron       *cron.Cron
	timeout    time.Duration
}

func NewMaintenance(pool LeaseReclaimer, reconciler Reconciler) *Maintenance {
	return &Maintenance{
		pool:       pool,
		reconciler: reconciler,
		cron:       cron.New(),
		timeout:    5 * time.Minute,
	}
}

// Start registers the jobs. Empty schedules disable the matching job.
func (m *Maintenance) Start(leaseSchedule, reconcileSchedule string) error {
	if leaseSchedule != "" {
		if _, err := m.cron.AddFunc(leaseSchedule, m.ReclaimLeases); err != nil {
			return err
		}
	}

	if reconcileSchedule != "" {
		if _, err := m.cron.AddFunc(reconcileSchedule, m.Reconcile); err != nil {
			return err
		}
	}

	// Backlog gauge every minute
	if _, err := m.cron.AddFunc("* * * * *", m.RefreshBacklog); err != nil {
		return err
	}

	m.cron.Start()
	zap.L().Info("Maintenance jobs started",
		zap.String("lease_schedule", leaseSchedule),
		zap.String("reconcile_schedule", reconcileSchedule))
	return nil
}

// Stop waits for running jobs to finish
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	zap.L().Info("Maintenance jobs stopped")
}

func (m *Maintenance) ReclaimLeases() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	n, err := m.pool.ReclaimExpired(ctx)
	if err != nil {
		zap.L().Error("Failed to reclaim expired leases", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("Reclaimed expired leases", zap.Int("count", n))
	}
}

func (m *Maintenance) Reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if _, _, err := m.reconciler.ReconcileAll(ctx); err != nil {
		zap.L().Error("Balance reconciliation failed", zap.Error(err))
	}
}

func (m *Maintenance) RefreshBacklog() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	open, err := m.reconciler.RefreshOpenGauge(ctx)
	if err != nil {
		zap.L().Error("Failed to count open reconciliation items", zap.Error(err))
		return
	}
	if open > 0 {
		zap.L().Warn("Reconciliation items awaiting operator", zap.Int("open", open))
	}
}
