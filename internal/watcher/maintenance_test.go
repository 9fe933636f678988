package watcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReclaimer struct {
	calls int
	err   error
}

func (r *countingReclaimer) ReclaimExpired(context.Context) (int, error) {
	r.calls++
	return 2, r.err
}

type countingReconciler struct {
	reconciled int
	refreshed  int
}

func (r *countingReconciler) ReconcileAll(context.Context) (int, int, error) {
	r.reconciled++
	return 3, 0, nil
}

func (r *countingReconciler) RefreshOpenGauge(context.Context) (int, error) {
	r.refreshed++
	return 0, nil
}

func TestMaintenanceJobsCallThrough(t *testing.T) {
	reclaimer := &countingReclaimer{}
	reconciler := &countingReconciler{}
	m := NewMaintenance(reclaimer, reconciler)

	m.ReclaimLeases()
	m.Reconcile()
	m.RefreshBacklog()

	assert.Equal(t, 1, reclaimer.calls)
	assert.Equal(t, 1, reconciler.reconciled)
	assert.Equal(t, 1, reconciler.refreshed)

	// errors are logged, not propagated
	reclaimer.err = errors.New("db down")
	m.ReclaimLeases()
	assert.Equal(t, 2, reclaimer.calls)
}

func TestMaintenanceRejectsBadSchedule(t *testing.T) {
	m := NewMaintenance(&countingReclaimer{}, &countingReconciler{})
	require.Error(t, m.Start("not a schedule", ""))

	m = NewMaintenance(&countingReclaimer{}, &countingReconciler{})
	require.NoError(t, m.Start("@every 1h", "@every 1h"))
	m.Stop()
}
