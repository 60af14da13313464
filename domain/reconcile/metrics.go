package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_runs_total",
		Help: "Reconciliation passes by outcome",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_run_duration_seconds",
		Help:    "Wall time of a full reconciliation pass",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// Divergence between the committed log and the graph store, by what the
	// pass found and how it was repaired
	RepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_repairs_total",
		Help: "Graph entries repaired to match the version log",
	}, []string{"entity", "action"})

	RepairFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_repair_failures_total",
		Help: "Repairs that failed and were left for the next pass",
	}, []string{"entity"})
)
