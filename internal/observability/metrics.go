package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the engine.
const Namespace = "crime_grid"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingest pipeline, the aggregate store, and the query paths.
type Metrics struct {
	MessagesConsumed    prometheus.Counter
	AggregatesPublished prometheus.Counter
	TransformErrors     prometheus.Counter
	PipelineRunning     prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Aggregation metrics.
	EventsIngested prometheus.Counter
	IngestErrors   *prometheus.CounterVec // labels: kind={out_of_bounds,invalid_argument,store,...}
	RebuildRuns    *prometheus.CounterVec // labels: outcome={success,error}

	// Store metrics.
	StoreOpDuration *prometheus.HistogramVec // labels: backend, op
	StoreErrors     *prometheus.CounterVec   // labels: backend, op

	// Query metrics.
	ForecastRequests *prometheus.CounterVec // labels: source={fallback,scorer}, outcome={success,error}
	NearbyRequests   *prometheus.CounterVec // labels: outcome={success,error}

	// Scorer metrics.
	ScorerRequests *prometheus.CounterVec // labels: outcome={success,error,rejected}
	ScorerCache    *prometheus.CounterVec // labels: result={hit,miss}
	ScorerDuration prometheus.Histogram
}

var (
	batchSizeBuckets = []float64{1, 5, 10, 20, 30, 40, 50, 75, 100}
	durationBuckets  = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10}
	storeBuckets     = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5}
	scorerBuckets    = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

func newMetrics() *Metrics {
	return &Metrics{
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_consumed_total",
			Help:      "Total messages read from the source topic.",
		}),
		AggregatesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "aggregates_published_total",
			Help:      "Total aggregate bucket updates written to the sink topic.",
		}),
		TransformErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transform_errors_total",
			Help:      "Total messages that could not be parsed into events.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "batch_size",
			Help:      "Number of messages per batch extracted from Kafka.",
			Buckets:   batchSizeBuckets,
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete batch extract-ingest-publish cycle.",
			Buckets:   durationBuckets,
		}),
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_ingested_total",
			Help:      "Total events counted into aggregate buckets.",
		}),
		IngestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ingest_errors_total",
			Help:      "Rejected or failed ingests by error kind.",
		}, []string{"kind"}),
		RebuildRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rebuild_runs_total",
			Help:      "Aggregate rebuilds by outcome.",
		}, []string{"outcome"}),
		StoreOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Aggregate store operation latency.",
			Buckets:   storeBuckets,
		}, []string{"backend", "op"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "store_errors_total",
			Help:      "Aggregate store operation failures.",
		}, []string{"backend", "op"}),
		ForecastRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "forecast_requests_total",
			Help:      "Forecast requests by prediction source and outcome.",
		}, []string{"source", "outcome"}),
		NearbyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "nearby_requests_total",
			Help:      "Neighbourhood queries by outcome.",
		}, []string{"outcome"}),
		ScorerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scorer_requests_total",
			Help:      "Remote scoring requests by outcome.",
		}, []string{"outcome"}),
		ScorerCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scorer_cache_total",
			Help:      "Scorer cache lookups by result.",
		}, []string{"result"}),
		ScorerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "scorer_request_duration_seconds",
			Help:      "Remote scoring request duration in seconds.",
			Buckets:   scorerBuckets,
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesConsumed,
		m.AggregatesPublished,
		m.TransformErrors,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.EventsIngested,
		m.IngestErrors,
		m.RebuildRuns,
		m.StoreOpDuration,
		m.StoreErrors,
		m.ForecastRequests,
		m.NearbyRequests,
		m.ScorerRequests,
		m.ScorerCache,
		m.ScorerDuration,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsWithRegistry creates metrics registered on reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
