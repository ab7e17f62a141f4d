package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

/*
LEARNING: METRICS VS TRACES

Traces (jaeger.go) answer "what happened in this one request".
Metrics answer "how is the whole process doing": how many sessions are live,
how long edits take at p99, how often sends fail.

Metrics are registered once with the default Prometheus registry and scraped
from /metrics. Every helper here is a no-op until InitMetrics has run, so
packages can record unconditionally and tests don't need a registry.
*/

var (
	operationDuration *prometheus.HistogramVec
	sendFailures      *prometheus.CounterVec
	editsApplied      prometheus.Counter
	generations       *prometheus.CounterVec

	activeSessions  prometheus.Gauge
	activeUsers     prometheus.Gauge
	poolCount       prometheus.Gauge
	poolConnections prometheus.Gauge
)

var initMetricsOnce sync.Once

// InitMetrics registers all collaboration metrics. Safe to call more than once.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
		f := promauto.With(reg)

		operationDuration = f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collab_operation_duration_seconds",
				Help:    "Latency of collaboration engine operations",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"operation"},
		)
		sendFailures = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_send_failures_total",
				Help: "Messages that could not be handed to a client connection",
			},
			[]string{"path"},
		)
		editsApplied = f.NewCounter(prometheus.CounterOpts{
			Name: "collab_edits_applied_total",
			Help: "Edit operations transformed and applied",
		})
		generations = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_ai_generations_total",
				Help: "Shared AI generations by outcome",
			},
			[]string{"outcome"},
		)
		activeSessions = f.NewGauge(prometheus.GaugeOpts{
			Name: "collab_sessions",
			Help: "Collaboration sessions currently held in memory",
		})
		activeUsers = f.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_users",
			Help: "Users marked active across all sessions",
		})
		poolCount = f.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connection_pools",
			Help: "Connection pools currently allocated",
		})
		poolConnections = f.NewGauge(prometheus.GaugeOpts{
			Name: "collab_pool_connections",
			Help: "Connections registered across all pools",
		})
	})
}

// Observe records how long an operation took, for use as
//
//	defer telemetry.Observe("session.handle_edit", time.Now())
func Observe(operation string, start time.Time) {
	elapsed := time.Since(start)
	DefaultProfiler.Record(operation, elapsed)
	if operationDuration != nil {
		operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	}
}

// RecordSendFailure counts a failed send on the given delivery path ("pool" or "direct").
func RecordSendFailure(path string) {
	if sendFailures != nil {
		sendFailures.WithLabelValues(path).Inc()
	}
}

func RecordEditApplied() {
	if editsApplied != nil {
		editsApplied.Inc()
	}
}

// RecordGeneration counts an AI generation with outcome "ok", "failed" or "rejected".
func RecordGeneration(outcome string) {
	if generations != nil {
		generations.WithLabelValues(outcome).Inc()
	}
}

// SetSessionGauges publishes the latest session and user counts.
func SetSessionGauges(sessions, users int) {
	if activeSessions != nil {
		activeSessions.Set(float64(sessions))
		activeUsers.Set(float64(users))
	}
}

// SetPoolGauges publishes the latest pool occupancy.
func SetPoolGauges(pools, connections int) {
	if poolCount != nil {
		poolCount.Set(float64(pools))
		poolConnections.Set(float64(connections))
	}
}
