// Package metrics holds the prometheus collectors of the lake.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StoreOps counts artifact store operations by operation and result.
	StoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memlake_store_operations_total",
		Help: "Artifact store operations by operation and result",
	}, []string{"op", "result"})

	// BusEvents counts change notifications by event type and outcome
	// (emitted, delivered, dropped, remote).
	BusEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memlake_bus_events_total",
		Help: "Change bus events by type and outcome",
	}, []string{"type", "outcome"})

	// GuardianFindings counts scan findings by verdict.
	GuardianFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memlake_guardian_findings_total",
		Help: "Corruption guardian findings by verdict",
	}, []string{"verdict"})

	// ArchiveBytes counts bytes moved to and from cold storage.
	ArchiveBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memlake_archive_bytes_total",
		Help: "Bytes written to or read from cold storage",
	}, []string{"direction"})

	// EmbedFallbacks counts embeddings replaced by the deterministic fallback.
	EmbedFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memlake_rag_embed_fallback_total",
		Help: "Embeddings computed with the fallback vector",
	})

	// SearchDuration tracks vector search latency.
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memlake_rag_search_duration_seconds",
		Help:    "Vector search duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	// Compression counts adapter payloads by whether gzip was kept.
	Compression = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memlake_adapter_payloads_total",
		Help: "Adapter payloads by encoding",
	}, []string{"encoding"})
)

// Result returns the result label for err.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
