package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects recovery-engine metrics for production
// monitoring.
//
// Metrics exposed (all namespaced with "recoflow_"):
//
//  1. checkpoints_saved_total (counter): Checkpoints persisted, by type.
//  2. checkpoint_size_bytes (histogram): Serialized checkpoint payload size.
//  3. checkpoints_purged_total (counter): Expired checkpoints removed by sweeps.
//  4. recoveries_total (counter): Finished recovery attempts, by strategy
//     type, terminal status, and success.
//  5. manual_escalations_total (counter): Failures handed to a human operator.
//  6. replays_running (gauge): Replay sessions currently in the running state.
//  7. replays_timed_out_total (counter): Sessions force-failed by the sweep.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := recovery.NewPrometheusMetrics(registry)
//	orch := recovery.NewOrchestrator(st, reg, cfg, engine, emitter, metrics)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: all updates go through prometheus collectors.
type PrometheusMetrics struct {
	checkpointsSaved  *prometheus.CounterVec
	checkpointSize    prometheus.Histogram
	checkpointsPurged prometheus.Counter

	recoveries        *prometheus.CounterVec
	manualEscalations prometheus.Counter

	replaysRunning  prometheus.Gauge
	replaysTimedOut prometheus.Counter
}

// NewPrometheusMetrics creates and registers all recovery metrics with the
// provided registry. Pass prometheus.DefaultRegisterer for the global
// registry, or a fresh prometheus.NewRegistry() for isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &PrometheusMetrics{
		checkpointsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recoflow",
			Name:      "checkpoints_saved_total",
			Help:      "Checkpoints persisted, by checkpoint type",
		}, []string{"checkpoint_type"}),
		checkpointSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "recoflow",
			Name:      "checkpoint_size_bytes",
			Help:      "Serialized checkpoint payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8), // 256B to ~4MB
		}),
		checkpointsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recoflow",
			Name:      "checkpoints_purged_total",
			Help:      "Expired checkpoints removed by retention sweeps",
		}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recoflow",
			Name:      "recoveries_total",
			Help:      "Finished recovery attempts by strategy type, terminal status, and success",
		}, []string{"strategy_type", "status", "successful"}),
		manualEscalations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recoflow",
			Name:      "manual_escalations_total",
			Help:      "Failures escalated to a human operator",
		}),
		replaysRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "recoflow",
			Name:      "replays_running",
			Help:      "Replay sessions currently in the running state",
		}),
		replaysTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recoflow",
			Name:      "replays_timed_out_total",
			Help:      "Replay sessions force-failed after exceeding the replay timeout",
		}),
	}
}

// RecordCheckpoint records one persisted checkpoint and its payload size.
func (pm *PrometheusMetrics) RecordCheckpoint(checkpointType string, sizeBytes int64) {
	pm.checkpointsSaved.WithLabelValues(checkpointType).Inc()
	pm.checkpointSize.Observe(float64(sizeBytes))
}

// AddCheckpointsPurged adds the count removed by one retention sweep pass.
func (pm *PrometheusMetrics) AddCheckpointsPurged(n int64) {
	pm.checkpointsPurged.Add(float64(n))
}

// RecordRecovery records one finished recovery attempt.
func (pm *PrometheusMetrics) RecordRecovery(strategyType, status string, successful bool) {
	label := "false"
	if successful {
		label = "true"
	}
	if strategyType == "" {
		strategyType = "none"
	}
	pm.recoveries.WithLabelValues(strategyType, status, label).Inc()
}

// IncManualEscalations counts one failure handed to a human operator.
func (pm *PrometheusMetrics) IncManualEscalations() {
	pm.manualEscalations.Inc()
}

// SetRunningReplays sets the current number of running replay sessions.
func (pm *PrometheusMetrics) SetRunningReplays(n int) {
	pm.replaysRunning.Set(float64(n))
}

// AddReplaysTimedOut adds the count closed by one timeout sweep pass.
func (pm *PrometheusMetrics) AddReplaysTimedOut(n int64) {
	pm.replaysTimedOut.Add(float64(n))
}
