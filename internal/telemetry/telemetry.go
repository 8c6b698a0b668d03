// Package telemetry exposes the engine's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the engine records into.
type Metrics struct {
	registry *prometheus.Registry

	SyncRuns         *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	RecordsUpserted  *prometheus.CounterVec
	RecordsDeleted   *prometheus.CounterVec
	WebhooksReceived *prometheus.CounterVec
	StreamRequests   *prometheus.CounterVec
	RetrievalTokens  prometheus.Histogram
	EntitySkips      *prometheus.CounterVec
}

// New builds the metric set on a private registry so tests never
// collide on the global one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmgr_sync_runs_total",
			Help: "Sync runs by connector and outcome.",
		}, []string{"connector", "outcome"}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncmgr_sync_duration_seconds",
			Help:    "Wall time of one sync run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"connector"}),
		RecordsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmgr_records_upserted_total",
			Help: "Records written by connector.",
		}, []string{"connector"}),
		RecordsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmgr_records_deleted_total",
			Help: "Records tombstoned by connector.",
		}, []string{"connector"}),
		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmgr_webhooks_received_total",
			Help: "Verified webhook notifications by provider.",
		}, []string{"provider"}),
		StreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmgr_stream_requests_total",
			Help: "Record stream requests by outcome.",
		}, []string{"outcome"}),
		RetrievalTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncmgr_retrieval_tokens",
			Help:    "Token counts reported by the retrieval assembler.",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10),
		}),
		EntitySkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmgr_entity_skips_total",
			Help: "Entities skipped mid-sync by connector and error kind.",
		}, []string{"connector", "kind"}),
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
