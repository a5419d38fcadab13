package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	essaysProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nighteval_essays_processed_total",
		Help: "Essays processed by terminal per-essay status.",
	}, []string{"status"})

	textGateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nighteval_text_gate_total",
		Help: "Text sufficiency gate verdicts.",
	}, []string{"verdict"})

	evaluationRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nighteval_evaluation_retries_total",
		Help: "Schema-validation retries issued across all essays.",
	})

	modelCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nighteval_model_call_duration_seconds",
		Help:    "Round-trip latency of AI model calls.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nighteval_jobs_total",
		Help: "Batch jobs by terminal status.",
	}, []string{"status"})
)

// InitMetrics registers all collectors with the default registry. Safe to call
// more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			essaysProcessedTotal,
			textGateTotal,
			evaluationRetriesTotal,
			modelCallDuration,
			jobsTotal,
		)
	})
}

// EssayProcessed records a terminal per-essay outcome.
func EssayProcessed(status string) { essaysProcessedTotal.WithLabelValues(status).Inc() }

// TextGateVerdict records a sufficiency gate decision.
func TextGateVerdict(verdict string) { textGateTotal.WithLabelValues(verdict).Inc() }

// EvaluationRetries adds n schema retries to the running total.
func EvaluationRetries(n int) {
	if n > 0 {
		evaluationRetriesTotal.Add(float64(n))
	}
}

// ObserveModelCall records one model round trip.
func ObserveModelCall(d time.Duration) { modelCallDuration.Observe(d.Seconds()) }

// JobFinished records a job reaching a terminal status.
func JobFinished(status string) { jobsTotal.WithLabelValues(status).Inc() }
