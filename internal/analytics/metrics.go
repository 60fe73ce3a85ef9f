package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors that mirror the rolling
// aggregates. Collectors register once at construction; a nil *Metrics
// disables mirroring so the aggregator can run without a registry.
type Metrics struct {
	Detections *prometheus.CounterVec
	Score      prometheus.Histogram
	Duration   prometheus.Histogram
	Timeouts   prometheus.Counter
	Fallbacks  prometheus.Counter
	Errors     *prometheus.CounterVec
	Expired    prometheus.Counter
}

// NewMetrics registers the warden collectors with reg. A nil reg uses
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Detections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_detections_total",
				Help: "Detection verdicts by outcome",
			},
			[]string{"verdict"}, // verdict: clean, suspicious, high_risk, whitelisted
		),

		Score: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warden_suspicion_score",
				Help:    "Distribution of suspicion scores",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),

		Duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warden_detection_duration_seconds",
				Help:    "End-to-end detection latency",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),

		Timeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_detection_timeouts_total",
				Help: "Detections where at least one analyzer hit its deadline",
			},
		),

		Fallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_detection_fallbacks_total",
				Help: "Detections served with at least one fallback result",
			},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_errors_total",
				Help: "Pipeline errors by kind",
			},
			[]string{"kind"},
		),

		Expired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_sessions_expired_total",
				Help: "Sessions removed by the expiry sweep",
			},
		),
	}
}

// RecordDetection mirrors one detection outcome.
func (m *Metrics) RecordDetection(d Detection) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(verdictLabel(d)).Inc()
	m.Duration.Observe(d.ProcessingMS / 1000)

	if d.Whitelisted {
		return
	}
	m.Score.Observe(float64(d.Score))
	if d.TimedOut {
		m.Timeouts.Inc()
	}
	if d.Fallback {
		m.Fallbacks.Inc()
	}
}

// RecordError mirrors one recorded pipeline error.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

// RecordExpiredSessions mirrors a sweep that removed count sessions.
func (m *Metrics) RecordExpiredSessions(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.Expired.Add(float64(count))
}

func verdictLabel(d Detection) string {
	switch {
	case d.Whitelisted:
		return "whitelisted"
	case d.HighRisk:
		return "high_risk"
	case d.Suspicious:
		return "suspicious"
	default:
		return "clean"
	}
}
