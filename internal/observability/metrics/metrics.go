package metrics

import "github.com/prometheus/client_golang/prometheus"

// InterviewMetrics exposes counters/histograms for CTA detection and
// interview completion. All observe methods are nil-safe so wiring metrics
// stays optional in tests.
type InterviewMetrics struct {
	ctaDecisions       *prometheus.CounterVec
	ctaLatency         prometheus.Histogram
	completions        *prometheus.CounterVec
	generationAttempts prometheus.Counter
	generationLatency  prometheus.Histogram
}

func NewInterviewMetrics(reg prometheus.Registerer) *InterviewMetrics {
	m := &InterviewMetrics{
		ctaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civicdialog",
			Subsystem: "interview",
			Name:      "cta_decisions_total",
			Help:      "Total CTA detection decisions",
		}, []string{"shown", "reason"}),
		ctaLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "civicdialog",
			Subsystem: "interview",
			Name:      "cta_latency_seconds",
			Help:      "Latency of CTA detection including the backend call",
			Buckets:   prometheus.DefBuckets,
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civicdialog",
			Subsystem: "interview",
			Name:      "completions_total",
			Help:      "Total interview completion attempts",
		}, []string{"status"}),
		generationAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civicdialog",
			Subsystem: "interview",
			Name:      "generation_attempts_total",
			Help:      "Total report generation attempts including retries",
		}),
		generationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "civicdialog",
			Subsystem: "interview",
			Name:      "generation_latency_seconds",
			Help:      "Latency of a single report generation attempt",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.ctaDecisions, m.ctaLatency, m.completions, m.generationAttempts, m.generationLatency)
	return m
}

func (m *InterviewMetrics) ObserveCtaDecision(shown bool, reason string, seconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if shown {
		label = "true"
	}
	m.ctaDecisions.WithLabelValues(label, reason).Inc()
	m.ctaLatency.Observe(seconds)
}

func (m *InterviewMetrics) ObserveCompletion(status string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(status).Inc()
}

func (m *InterviewMetrics) ObserveGenerationAttempt(seconds float64) {
	if m == nil {
		return
	}
	m.generationAttempts.Inc()
	m.generationLatency.Observe(seconds)
}
