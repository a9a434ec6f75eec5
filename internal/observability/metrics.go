package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type coreMetrics struct {
	retrievalTotal    *prometheus.CounterVec
	retrievalDuration prometheus.Histogram
	retrievalDegraded *prometheus.CounterVec

	storeWriteDuration prometheus.Histogram
	expiredTotal       *prometheus.CounterVec
	sweepDuration      prometheus.Histogram

	embeddingRequests  *prometheus.CounterVec
	embeddingCacheHits prometheus.Counter
	embeddingCacheMiss prometheus.Counter

	memoryItems      *prometheus.GaugeVec
	knowledgeEntries prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *coreMetrics
)

func getMetrics() *coreMetrics {
	metricsOnce.Do(func() {
		m := &coreMetrics{
			retrievalTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retrieval_total",
					Help: "Total retrieval pipeline runs by status.",
				},
				[]string{"status"},
			),
			retrievalDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "retrieval_duration_seconds",
					Help:    "Retrieval pipeline duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			retrievalDegraded: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retrieval_degraded_total",
					Help: "Retrieval runs that degraded, by reason.",
				},
				[]string{"reason"},
			),
			storeWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "store_write_duration_seconds",
					Help:    "Workspace store write transaction duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			expiredTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "expired_entries_total",
					Help: "Entries removed by lifecycle sweeps, by tier.",
				},
				[]string{"tier"},
			),
			sweepDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "sweep_duration_seconds",
					Help:    "Background sweep duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			embeddingRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedding_requests_total",
					Help: "Embedding provider requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			embeddingCacheHits: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "embedding_cache_hits_total",
					Help: "Embedding cache hits.",
				},
			),
			embeddingCacheMiss: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "embedding_cache_misses_total",
					Help: "Embedding cache misses.",
				},
			),
			memoryItems: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "memory_items",
					Help: "Current memory item count by tier.",
				},
				[]string{"tier"},
			),
			knowledgeEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "knowledge_entries",
					Help: "Current active knowledge entry count.",
				},
			),
		}

		prometheus.MustRegister(
			m.retrievalTotal,
			m.retrievalDuration,
			m.retrievalDegraded,
			m.storeWriteDuration,
			m.expiredTotal,
			m.sweepDuration,
			m.embeddingRequests,
			m.embeddingCacheHits,
			m.embeddingCacheMiss,
			m.memoryItems,
			m.knowledgeEntries,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler exposes the registered metrics over HTTP.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordRetrieval(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.retrievalTotal.WithLabelValues(status).Inc()
	m.retrievalDuration.Observe(duration.Seconds())
}

func RecordRetrievalDegraded(reason string) {
	getMetrics().retrievalDegraded.WithLabelValues(reason).Inc()
}

func RecordStoreWrite(duration time.Duration) {
	getMetrics().storeWriteDuration.Observe(duration.Seconds())
}

func RecordExpired(tier string, count int) {
	getMetrics().expiredTotal.WithLabelValues(tier).Add(float64(count))
}

func RecordSweep(duration time.Duration) {
	getMetrics().sweepDuration.Observe(duration.Seconds())
}

func RecordEmbeddingRequest(provider string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().embeddingRequests.WithLabelValues(provider, status).Inc()
}

func RecordEmbeddingCacheHit()  { getMetrics().embeddingCacheHits.Inc() }
func RecordEmbeddingCacheMiss() { getMetrics().embeddingCacheMiss.Inc() }

func SetMemoryItems(tier string, count int) {
	getMetrics().memoryItems.WithLabelValues(tier).Set(float64(count))
}

func SetKnowledgeEntries(count int) {
	getMetrics().knowledgeEntries.Set(float64(count))
}
