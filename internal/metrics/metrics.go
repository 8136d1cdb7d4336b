// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts dispatcher outcomes by job type.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "jobs_processed_total",
		Help:      "Jobs handled by the dispatcher, by type and outcome.",
	}, []string{"type", "outcome"})

	// MatchAssignments counts persona assignments by tier.
	MatchAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "match_assignments_total",
		Help:      "Entities assigned to a persona, by matching tier.",
	}, []string{"tier"})

	// MatchCycles counts matching cycles by outcome.
	MatchCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "match_cycles_total",
		Help:      "Matching cycles, by outcome.",
	}, []string{"outcome"})

	// CacheLookups counts cache lookups by tier and result.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "cache_lookups_total",
		Help:      "Result cache lookups, by tier and result.",
	}, []string{"tier", "result"})

	// StageRuns counts pipeline stage executions by stage and outcome.
	StageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "stage_runs_total",
		Help:      "Pipeline stage executions, by stage and outcome.",
	}, []string{"stage", "outcome"})

	// JobQueueDepth reports jobs by status as of the last health check.
	JobQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "prospector",
		Name:      "job_queue_depth",
		Help:      "Jobs in the durable queue, by status, at the last health check.",
	}, []string{"status"})
)
