// Package metrics holds the kernel's low-cardinality Prometheus
// metrics (no session_id/candidate_id labels). Grounded on the
// teacher's internal/metrics AI overlay counters, relabeled from
// stream-level inference metrics to the proctoring pipeline's own
// concerns: per-component frame budget, drop rate, alert rate, and
// Guardian tier usage (spec §4.1, §4.3, §4.8).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesProcessedTotal counts frames the pipeline ran a component
	// against, by component (face_analyzer, object_detector).
	FramesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_frames_processed_total",
			Help: "Total frames processed by pipeline component",
		},
		[]string{"component"},
	)

	// ComponentLatency tracks per-component processing latency.
	ComponentLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proctor_component_latency_ms",
			Help:    "Component processing latency in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"component"},
	)

	// FramesDroppedTotal counts frames dropped by the Frame Pump's
	// latest-wins policy, by session degradation level.
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_frames_dropped_total",
			Help: "Total frames dropped under the latest-wins policy",
		},
		[]string{"degradation"},
	)

	// AlertsEmittedTotal counts fused alerts, by kind and severity.
	AlertsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_alerts_emitted_total",
			Help: "Total alerts emitted by fusion",
		},
		[]string{"kind", "severity"},
	)

	// GuardianTierTotal counts which of the Guardian's three response
	// tiers served a warning (table, cache, generative).
	GuardianTierTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_guardian_tier_total",
			Help: "Total warnings served by Guardian response tier",
		},
		[]string{"tier"},
	)

	// SessionsActive is a gauge of currently active sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_sessions_active",
			Help: "Currently active proctoring sessions",
		},
	)
)

func RecordFrameProcessed(component string) {
	FramesProcessedTotal.WithLabelValues(component).Inc()
}

func RecordComponentLatency(component string, latencyMs float64) {
	ComponentLatency.WithLabelValues(component).Observe(latencyMs)
}

func RecordFrameDropped(degradation string) {
	FramesDroppedTotal.WithLabelValues(degradation).Inc()
}

func RecordAlert(kind, severity string) {
	AlertsEmittedTotal.WithLabelValues(kind, severity).Inc()
}

func RecordGuardianTier(tier string) {
	GuardianTierTotal.WithLabelValues(tier).Inc()
}
