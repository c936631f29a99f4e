package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Server-level Prometheus metrics. Findings are counted, never stored.
var (
	analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_audit_analyses_total",
		Help: "Completed analysis runs by outcome.",
	}, []string{"outcome"})

	findingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_audit_findings_total",
		Help: "Findings emitted by type.",
	}, []string{"type"})

	analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_audit_analysis_duration_seconds",
		Help:    "Wall-clock duration of analysis runs.",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_audit_analysis_cache_hits_total",
		Help: "Analysis requests served from the result cache.",
	})

	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_audit_scans_total",
		Help: "Conversation scans by decision of the strictest verdict.",
	}, []string{"decision"})
)
