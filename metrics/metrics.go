// Package metrics exposes the Prometheus counters and histograms emitted
// across ingest, worker, and publish (C11): throughput, latency, dead
// letter and tenant-rejection volume. It re-expresses the shape of
// observability.MetricsManager (buffered datapoints with a name, a value,
// and labels) over prometheus/client_golang rather than the teacher's
// bespoke SQLite-native sink, since nothing here needs to survive a
// process restart and the rest of the pack's HTTP/metrics surface already
// assumes a /metrics scrape endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this module emits, registered against its
// own prometheus.Registry so tests can assert on a clean instance instead
// of the global default.
type Registry struct {
	reg *prometheus.Registry

	IngestRequestsTotal    *prometheus.CounterVec
	IngestDuplicatesTotal  *prometheus.CounterVec
	IngestBytesTotal       *prometheus.CounterVec
	WorkerAttemptsTotal    *prometheus.CounterVec
	WorkerSuccessTotal     *prometheus.CounterVec
	WorkerRetriableTotal   *prometheus.CounterVec
	WorkerDeadLetterTotal  *prometheus.CounterVec
	WorkerHandlerDuration  *prometheus.HistogramVec
	PublishAttemptsTotal   *prometheus.CounterVec
	PublishSentTotal       *prometheus.CounterVec
	PublishFailuresTotal   *prometheus.CounterVec
	PublishLagSeconds       prometheus.Histogram
	TenantUnknownDropped    *prometheus.CounterVec
	OpsReplayAttemptsTotal  prometheus.Counter
	OpsReplayCommittedTotal prometheus.Counter
}

// New builds a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		IngestRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "ingest",
			Name:      "requests_total",
			Help:      "Total ingest requests, labeled by outcome (accepted, duplicate, rejected).",
		}, []string{"tenant_id", "outcome"}),

		IngestDuplicatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "ingest",
			Name:      "duplicates_total",
			Help:      "Ingest submissions recognized as a duplicate of an existing content hash.",
		}, []string{"tenant_id"}),

		IngestBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Total bytes accepted into the content store.",
		}, []string{"tenant_id"}),

		WorkerAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "worker",
			Name:      "attempts_total",
			Help:      "Handler invocations, labeled by event_type.",
		}, []string{"event_type"}),

		WorkerSuccessTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "worker",
			Name:      "success_total",
			Help:      "Handler invocations that returned Success, labeled by event_type.",
		}, []string{"event_type"}),

		WorkerRetriableTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "worker",
			Name:      "retriable_total",
			Help:      "Handler invocations that returned Retriable, labeled by event_type.",
		}, []string{"event_type"}),

		WorkerDeadLetterTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "worker",
			Name:      "dead_letter_total",
			Help:      "Events dead-lettered, labeled by event_type and reason.",
		}, []string{"event_type", "reason"}),

		WorkerHandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ibxpub",
			Subsystem: "worker",
			Name:      "handler_duration_seconds",
			Help:      "Handler invocation wall-clock duration, labeled by event_type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		PublishAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "publish",
			Name:      "attempts_total",
			Help:      "Publish attempts, labeled by transport.",
		}, []string{"transport"}),

		PublishSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "publish",
			Name:      "sent_total",
			Help:      "Events successfully delivered, labeled by transport.",
		}, []string{"transport"}),

		PublishFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "publish",
			Name:      "failures_total",
			Help:      "Publish attempts that did not succeed, labeled by transport and reason.",
		}, []string{"transport", "reason"}),

		PublishLagSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ibxpub",
			Subsystem: "publish",
			Name:      "lag_seconds",
			Help:      "now - event.created_at observed at lease time.",
			Buckets:   prometheus.DefBuckets,
		}),

		TenantUnknownDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "tenant",
			Name:      "unknown_dropped_total",
			Help:      "Events dropped because their tenant was missing/malformed/unknown, labeled by stage.",
		}, []string{"stage"}),

		OpsReplayAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "ops",
			Name:      "replay_attempts_total",
			Help:      "Dead letters selected for replay across all ops replay calls.",
		}),

		OpsReplayCommittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ibxpub",
			Subsystem: "ops",
			Name:      "replay_committed_total",
			Help:      "Dead letters successfully re-enqueued by ops replay.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordPublishLag matches the signature publish.Handler.LagFunc expects,
// so it can be assigned directly: h.LagFunc = registry.RecordPublishLag.
func (r *Registry) RecordPublishLag(d time.Duration) {
	r.PublishLagSeconds.Observe(d.Seconds())
}
