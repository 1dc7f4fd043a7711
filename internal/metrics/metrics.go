// Package metrics holds the Prometheus collectors shared by the answer pipeline,
// memory manager, ingestion and dedup gate. They register on the default
// registry and are served by the HTTP server's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineRoutes counts finished pipeline runs by terminal route.
	PipelineRoutes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slough_pipeline_routes_total",
		Help: "Answer pipeline runs by terminal route (rule, refuse, generate)",
	}, []string{"route"})

	// GenerationDuration tracks LLM answer latency by mode.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slough_generation_duration_seconds",
		Help:    "Answer generation latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s to 32s
	}, []string{"mode", "result"})

	// RetrievalHits tracks how many context chunks each search returned.
	RetrievalHits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slough_retrieval_hits",
		Help:    "Context chunks returned per retrieval",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 10},
	})

	// RetrievalFailures counts searches that degraded to empty context.
	RetrievalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slough_retrieval_failures_total",
		Help: "Vector searches that failed and returned no context",
	})

	// DedupDuplicates counts suppressed retried events.
	DedupDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slough_dedup_duplicates_total",
		Help: "Inbound events suppressed as duplicates",
	})

	// Summarizations counts memory compaction attempts by result.
	Summarizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slough_memory_summarizations_total",
		Help: "Conversation compactions by result (ok, failed, skipped)",
	}, []string{"result"})

	// SummarizedTokens counts prompt tokens removed from context by compaction.
	SummarizedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slough_memory_summarized_tokens_total",
		Help: "Estimated prompt tokens saved by replacing old turns with a summary",
	})

	// IngestedChunks counts chunks produced and stored by ingestion.
	IngestedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slough_ingested_chunks_total",
		Help: "Ingestion chunks by stage (created, stored)",
	}, []string{"stage"})
)
