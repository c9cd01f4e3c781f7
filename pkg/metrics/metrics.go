// Package metrics provides Prometheus metrics for the rewards payout pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns every collector the service exports. A nil *Recorder is valid and
// records nothing, which keeps engines usable in tests without a registry.
type Recorder struct {
	registry *prometheus.Registry

	selectionRuns      *prometheus.CounterVec
	disbursements      *prometheus.CounterVec
	chunksDispatched   *prometheus.CounterVec
	providerLatency    *prometheus.HistogramVec
	itemOutcomes       *prometheus.CounterVec
	tokensDropped      prometheus.Counter
	retryDecisions     *prometheus.CounterVec
	webhookMessages    *prometheus.CounterVec
	openBatches        prometheus.Gauge
	lockContentionHits prometheus.Counter
}

// NewRecorder registers the service's collectors on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	auto := promauto.With(registry)
	const namespace, subsystem = "rewards", "payouts"

	return &Recorder{
		registry: registry,
		selectionRuns: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selection_runs_total",
			Help:      "Winner selection runs by algorithm and result.",
		}, []string{"algorithm", "result"}),
		disbursements: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "disbursements_total",
			Help:      "Disbursement requests by outcome.",
		}, []string{"outcome"}),
		chunksDispatched: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chunks_dispatched_total",
			Help:      "Provider chunk submissions by resulting chunk status.",
		}, []string{"status"}),
		providerLatency: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of payout provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		itemOutcomes: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "item_outcomes_total",
			Help:      "Reconciled payout item outcomes by canonical status and source.",
		}, []string{"status", "source"}),
		tokensDropped: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "correlation_tokens_dropped_total",
			Help:      "Provider items ignored because their correlation token could not be parsed.",
		}),
		retryDecisions: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_decisions_total",
			Help:      "Retry coordinator decisions by result.",
		}, []string{"result"}),
		webhookMessages: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_messages_total",
			Help:      "Provider webhook messages consumed by result.",
		}, []string{"result"}),
		openBatches: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "open_batches",
			Help:      "Live payout batches seen by the last reconcile sweep.",
		}),
		lockContentionHits: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_lock_contention_total",
			Help:      "Operations rejected because another holder owned the cycle lock.",
		}),
	}
}

// Handler exposes the registry for scraping.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) SelectionRun(algorithm, result string) {
	if r == nil {
		return
	}
	r.selectionRuns.WithLabelValues(algorithm, result).Inc()
}

func (r *Recorder) Disbursement(outcome string) {
	if r == nil {
		return
	}
	r.disbursements.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ChunkDispatched(status string) {
	if r == nil {
		return
	}
	r.chunksDispatched.WithLabelValues(status).Inc()
}

func (r *Recorder) ProviderCall(operation, result string, started time.Time) {
	if r == nil {
		return
	}
	r.providerLatency.WithLabelValues(operation, result).Observe(time.Since(started).Seconds())
}

func (r *Recorder) ItemOutcome(status, source string) {
	if r == nil {
		return
	}
	r.itemOutcomes.WithLabelValues(status, source).Inc()
}

func (r *Recorder) TokenDropped() {
	if r == nil {
		return
	}
	r.tokensDropped.Inc()
}

func (r *Recorder) RetryDecision(result string) {
	if r == nil {
		return
	}
	r.retryDecisions.WithLabelValues(result).Inc()
}

func (r *Recorder) WebhookMessage(result string) {
	if r == nil {
		return
	}
	r.webhookMessages.WithLabelValues(result).Inc()
}

func (r *Recorder) SetOpenBatches(n int) {
	if r == nil {
		return
	}
	r.openBatches.Set(float64(n))
}

func (r *Recorder) LockContention() {
	if r == nil {
		return
	}
	r.lockContentionHits.Inc()
}
