// Package metrics exposes Prometheus collectors for the ingest pipeline,
// the blocking engine, and the agent control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_batches_received_total",
		Help: "Total number of log batches received, by status.",
	}, []string{"status"})
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_events_ingested_total",
		Help: "Total number of auth events parsed and stored, by event type.",
	}, []string{"event_type"})
	LinesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_log_lines_dropped_total",
		Help: "Total number of log lines that matched no classification rule.",
	})
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_heartbeats_received_total",
		Help: "Total number of agent heartbeats received.",
	})
	AgentsDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_agents_disconnected_total",
		Help: "Total number of agents transitioned to disconnected by the sweeper.",
	})
	EnrichmentLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_enrichment_lookups_total",
		Help: "Total number of external enrichment lookups, by provider and outcome.",
	}, []string{"provider", "outcome"})
	EnrichmentLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardian_enrichment_latency_seconds",
		Help:    "Latency of external enrichment lookups, by provider.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
	RiskScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "guardian_risk_score",
		Help:    "Distribution of composite risk scores assigned to events.",
		Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})
	BlocksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_blocks_created_total",
		Help: "Total number of IP blocks created, by source.",
	}, []string{"source"})
	BlocksLifted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_blocks_lifted_total",
		Help: "Total number of IP blocks lifted, by reason.",
	}, []string{"reason"})
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_commands_dispatched_total",
		Help: "Total number of firewall commands dispatched to agents, by type.",
	}, []string{"type"})
	CommandResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_command_results_total",
		Help: "Total number of firewall command results reported, by outcome.",
	}, []string{"outcome"})
	ReconcileDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_reconcile_drift",
		Help: "Number of (ip, agent) pairs found out of sync in the last reconciliation pass.",
	})
)
