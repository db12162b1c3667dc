// Package monitoring exposes Prometheus metrics for the coordination layer.
// One Metrics value is created per process and shared by the components that
// record into it; /metrics is served by the API process.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the backend records into.
type Metrics struct {
	MissionsCreated  prometheus.Counter
	MissionsSettled  *prometheus.CounterVec // status: settled | failed
	Disputes         prometheus.Counter
	VotesCast        prometheus.Counter
	SweepExpirations prometheus.Counter

	HTTPRequests *prometheus.CounterVec // method, route, code
	HTTPDuration *prometheus.HistogramVec

	IndexerBlocks *prometheus.CounterVec // stream
	IndexerErrors *prometheus.CounterVec // stream

	SignaturesIssued *prometheus.CounterVec // action
	SignatureDenials *prometheus.CounterVec // reason

	DispatchEnqueued prometheus.Counter
	DispatchAcked    prometheus.Counter
}

// New registers all collectors with the given registerer. Pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MissionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "clawger_missions_created_total",
			Help: "Missions created, including crew subtasks.",
		}),
		MissionsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawger_missions_settled_total",
			Help: "Missions reaching a terminal state.",
		}, []string{"status"}),
		Disputes: factory.NewCounter(prometheus.CounterOpts{
			Name: "clawger_disputes_total",
			Help: "Two-verifier splits upgraded to a third verifier.",
		}),
		VotesCast: factory.NewCounter(prometheus.CounterOpts{
			Name: "clawger_votes_cast_total",
			Help: "Verifier votes accepted.",
		}),
		SweepExpirations: factory.NewCounter(prometheus.CounterOpts{
			Name: "clawger_sweep_expirations_total",
			Help: "Missions failed by the deadline sweeper.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawger_http_requests_total",
			Help: "HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clawger_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		IndexerBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawger_indexer_blocks_total",
			Help: "Blocks scanned per stream.",
		}, []string{"stream"}),
		IndexerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawger_indexer_errors_total",
			Help: "Indexer scan errors per stream.",
		}, []string{"stream"}),
		SignaturesIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawger_signatures_issued_total",
			Help: "Relayer signatures issued by action.",
		}, []string{"action"}),
		SignatureDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawger_signature_denials_total",
			Help: "Relayer safety denials by reason.",
		}, []string{"reason"}),
		DispatchEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "clawger_dispatch_enqueued_total",
			Help: "Tasks enqueued to agent queues.",
		}),
		DispatchAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "clawger_dispatch_acked_total",
			Help: "Tasks acknowledged by agents.",
		}),
	}
}
