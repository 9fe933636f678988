package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "custody"

var (
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_mutations_total",
		Help:      "Ledger mutations by direction, method and outcome.",
	}, []string{"direction", "method", "outcome"})

	LedgerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_mutation_seconds",
		Help:      "Time spent applying one ledger mutation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"direction"})

	PoolLeases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_leases_total",
		Help:      "Deposit address lease attempts by outcome.",
	}, []string{"outcome"})

	PoolReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_reclaimed_total",
		Help:      "Expired deposit address leases reclaimed by maintenance.",
	})

	WatcherHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watcher_block_height",
		Help:      "Last fully processed block per chain.",
	}, []string{"chain"})

	WatcherEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watcher_events_total",
		Help:      "Observed transfer events by chain, kind and result.",
	}, []string{"chain", "kind", "result"})

	WatcherErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watcher_errors_total",
		Help:      "Watcher tick failures by source.",
	}, []string{"source"})

	BridgeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_requests_total",
		Help:      "Exchange bridge API calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawals_total",
		Help:      "Withdrawal requests by route and outcome.",
	}, []string{"route", "outcome"})

	ReconciliationOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciliation_open_items",
		Help:      "Unresolved reconciliation items awaiting an operator.",
	})
)
