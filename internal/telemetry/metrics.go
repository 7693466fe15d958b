package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the pipeline exports. One
// instance is created at bootstrap and shared by injection; the registry it
// was built on backs the /metrics endpoint.
type Metrics struct {
	EventsIngested       *prometheus.CounterVec
	DuplicatesSuppressed *prometheus.CounterVec
	ValidationFailures   *prometheus.CounterVec
	EventsNormalized     *prometheus.CounterVec
	MatchResults         *prometheus.CounterVec
	MissingRateConfig    prometheus.Counter
	EventsPersisted      *prometheus.CounterVec
	LatentDuplicates     prometheus.Counter
	LateArrivals         prometheus.Counter
	StatementsClosed     prometheus.Counter
	ManualReviewDepth    prometheus.Gauge

	PollCycles        *prometheus.CounterVec
	PollSkips         *prometheus.CounterVec
	ConnectorErrors   *prometheus.CounterVec
	ConnectorLatency  *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec
	HeartbeatsMissed  *prometheus.CounterVec

	ConsumerLag *prometheus.GaugeVec
	TopicDepth  *prometheus.GaugeVec
}

// NewMetrics registers all pipeline instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_events_ingested_total",
			Help: "Raw events published by connectors, per agency.",
		}, []string{"agency"}),
		DuplicatesSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_duplicates_suppressed_total",
			Help: "Raw events dropped by the dedup store, per agency.",
		}, []string{"agency"}),
		ValidationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_validation_failures_total",
			Help: "Normalization failures sent to the DLQ, per agency.",
		}, []string{"agency"}),
		EventsNormalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_events_normalized_total",
			Help: "Normalized events published downstream, per agency.",
		}, []string{"agency"}),
		MatchResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_match_results_total",
			Help: "Match outcomes by strategy (exact, fuzzy, time_based, manual_review).",
		}, []string{"match_type"}),
		MissingRateConfig: f.NewCounter(prometheus.CounterOpts{
			Name: "toll_missing_rate_config_total",
			Help: "Events rated by fall-through because no rate config matched.",
		}),
		EventsPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_events_persisted_total",
			Help: "Toll events committed to storage, per agency.",
		}, []string{"agency"}),
		LatentDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "toll_latent_duplicates_total",
			Help: "Persist attempts absorbed by the (agency_id, external_event_id) unique constraint.",
		}),
		LateArrivals: f.NewCounter(prometheus.CounterOpts{
			Name: "toll_late_arrivals_total",
			Help: "Events whose own billing period was already frozen at persist time.",
		}),
		StatementsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "toll_statements_closed_total",
			Help: "Statement drafts frozen into immutable statements.",
		}),
		ManualReviewDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "toll_manual_review_depth",
			Help: "Unresolved rows in the manual review queue.",
		}),

		PollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_connector_poll_cycles_total",
			Help: "Completed poll cycles, per agency and result (ok, error).",
		}, []string{"agency", "result"}),
		PollSkips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_connector_poll_skips_total",
			Help: "Poll cycles skipped, per agency and reason (rate_limited, breaker_open).",
		}, []string{"agency", "reason"}),
		ConnectorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_connector_errors_total",
			Help: "Connector errors by agency and taxonomy class.",
		}, []string{"agency", "class"}),
		ConnectorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toll_connector_request_seconds",
			Help:    "Agency API round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agency"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toll_connector_breaker_state",
			Help: "Circuit breaker state per agency (0 closed, 1 half-open, 2 open).",
		}, []string{"agency"}),
		HeartbeatsMissed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_heartbeats_missed_total",
			Help: "Registry TTL expirations per agency.",
		}, []string{"agency"}),

		ConsumerLag: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toll_consumer_lag",
			Help: "Unacknowledged records per stage consumer group and partition.",
		}, []string{"topic", "group", "partition"}),
		TopicDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toll_topic_depth",
			Help: "Records currently retained per topic (DLQ depth lives here).",
		}, []string{"topic"}),
	}
}
