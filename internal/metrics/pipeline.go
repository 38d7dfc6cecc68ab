package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline Prometheus metrics for ingestion, embedding, search and sim maps.
var (
	IngestPagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visidex",
			Name:      "ingest_pages_total",
			Help:      "Total number of pages processed by the ingestion pipeline",
		},
		[]string{"status"}, // "indexed" / "failed"
	)

	SynthesisTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visidex",
			Name:      "synthesis_total",
			Help:      "Synthetic query generation outcomes",
		},
		[]string{"status"}, // "synthesized" / "degraded"
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "visidex",
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding model request duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"}, // "image" / "text"
	)

	EmbeddingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visidex",
			Name:      "embedding_errors_total",
			Help:      "Total embedding model errors",
		},
		[]string{"kind"},
	)

	ResultCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visidex",
			Name:      "result_cache_total",
			Help:      "Result cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	SimMapJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visidex",
			Name:      "simmap_jobs_total",
			Help:      "Similarity-map job outcomes",
		},
		[]string{"status"}, // "ready" / "failed"
	)

	SimMapJobsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "visidex",
			Name:      "simmap_jobs_inflight",
			Help:      "Similarity-map jobs currently executing",
		},
	)
)

var pipelineMetricsRegistered bool

// RegisterPipelineMetrics registers pipeline metrics. Must be called once from main.
func RegisterPipelineMetrics() {
	if pipelineMetricsRegistered {
		return
	}
	prometheus.MustRegister(IngestPagesTotal)
	prometheus.MustRegister(SynthesisTotal)
	prometheus.MustRegister(EmbeddingRequestDuration)
	prometheus.MustRegister(EmbeddingErrorsTotal)
	prometheus.MustRegister(ResultCacheTotal)
	prometheus.MustRegister(SimMapJobsTotal)
	prometheus.MustRegister(SimMapJobsInflight)
	pipelineMetricsRegistered = true
}
