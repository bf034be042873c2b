// Package metrics registers the service's Prometheus collectors on a
// private registry exposed at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mnemora"

// Metrics holds every collector the service emits.
type Metrics struct {
	registry *prometheus.Registry

	SearchRequests    *prometheus.CounterVec
	SearchDuration    *prometheus.HistogramVec
	ScoreComputations *prometheus.CounterVec
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	SagaWrites        *prometheus.CounterVec
	SagaStageFailures *prometheus.CounterVec
	RippleRuns        prometheus.Counter
	RippleBoosted     prometheus.Counter
	DecayRuns         *prometheus.CounterVec
	DecayNodesUpdated prometheus.Counter
	TriageDecisions   *prometheus.CounterVec
}

// New creates a Metrics with all collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SearchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Hybrid search requests by detected pattern and cache outcome.",
		}, []string{"pattern", "cached"}),
		SearchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Hybrid search latency by detected pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pattern"}),
		ScoreComputations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relevance_score_computations_total",
			Help:      "Composite relevance score computations by weighting mode.",
		}, []string{"mode"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by cache name.",
		}, []string{"cache"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by cache name.",
		}, []string{"cache"}),
		SagaWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_writes_total",
			Help:      "Write saga completions by outcome.",
		}, []string{"outcome"}),
		SagaStageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_stage_failures_total",
			Help:      "Write saga stage failures by stage.",
		}, []string{"stage"}),
		RippleRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ripple_propagations_total",
			Help:      "Completed ripple propagations.",
		}),
		RippleBoosted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ripple_nodes_boosted_total",
			Help:      "Nodes that received a ripple stability boost.",
		}),
		DecayRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_runs_total",
			Help:      "Decay maintenance runs by outcome.",
		}, []string{"outcome"}),
		DecayNodesUpdated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_nodes_updated_total",
			Help:      "Nodes whose retrievability the decay job rewrote.",
		}),
		TriageDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triage_decisions_total",
			Help:      "Triage decisions by route (heuristic, llm, skip).",
		}, []string{"route"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
