package mutation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Mutation outcome metrics
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutation_operations_total",
		Help: "Total mutations by operation, entity type and outcome",
	}, []string{"operation", "entity_type", "status"})

	MutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mutation_duration_seconds",
		Help:    "End-to-end mutation latency including the graph apply",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// Divergence between the committed log and the graph store
	GraphApplyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutation_graph_apply_failures_total",
		Help: "Graph store writes that failed after the version log committed",
	}, []string{"operation"})
)
