package tierblocks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all the Prometheus metrics for the orchestrator.
// Encapsulating them in a struct keeps the system struct clean.
type Metrics struct {
	// --- Critical health ---
	OperationsTotal *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	// --- Read-path behavior ---
	FallbacksTotal  prometheus.Counter
	CooldownsTotal  prometheus.Counter
	CacheHitsTotal  *prometheus.CounterVec
	StaleServeTotal prometheus.Counter
	QueryDuration   *prometheus.HistogramVec

	// --- Pipeline performance ---
	PipelineDuration    *prometheus.HistogramVec
	BestEffortFailTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against reg. The systemName
// becomes the metric subsystem, allowing several instances per process.
func NewMetrics(reg prometheus.Registerer, systemName string) *Metrics {
	return &Metrics{
		OperationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "tierblocks_operations_total",
			Help:      "Completed lifecycle operations, labeled by operation and result.",
		}, []string{"operation", "result"}),

		ErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "tierblocks_errors_total",
			Help:      "Errors surfaced to callers, labeled by operation.",
		}, []string{"operation"}),

		FallbacksTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "tierblocks_query_fallbacks_total",
			Help:      "Ranking queries that fell back to the direct ledger path.",
		}),

		CooldownsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "tierblocks_indexer_cooldowns_total",
			Help:      "Rate-limit signals recorded against the indexed graph service.",
		}),

		CacheHitsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "tierblocks_cache_hits_total",
			Help:      "Cache hits, labeled by cache (response, claimed).",
		}, []string{"cache"}),

		StaleServeTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "tierblocks_stale_serves_total",
			Help:      "Queries answered from a stale cache entry after both read paths came back empty.",
		}),

		QueryDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: systemName,
			Name:      "tierblocks_query_duration_seconds",
			Help:      "A histogram of ranking query latency, labeled by serving source.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		PipelineDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: systemName,
			Name:      "tierblocks_pipeline_duration_seconds",
			Help:      "A histogram of end-to-end transaction pipeline latency, labeled by operation.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300},
		}, []string{"operation"}),

		BestEffortFailTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "tierblocks_best_effort_failures_total",
			Help:      "Best-effort side steps that failed after the primary step confirmed, labeled by step.",
		}, []string{"step"}),
	}
}
