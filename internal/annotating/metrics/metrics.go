package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsClaimed tracks records moved from unclaimed to locked
	RecordsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annotator_records_claimed_total",
			Help: "Total number of records claimed from the document store",
		},
	)

	// RecordsProcessed tracks records committed to the sink and marked done
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotator_records_processed_total",
			Help: "Total number of records annotated, by sentiment label",
		},
		[]string{"label"},
	)

	// RecordsQuarantined tracks records marked error, by failure tier
	RecordsQuarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotator_records_quarantined_total",
			Help: "Total number of records marked error",
		},
		[]string{"tier"},
	)

	// IdlePolls tracks claim attempts that found nothing to do
	IdlePolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annotator_idle_polls_total",
			Help: "Total number of empty claim attempts",
		},
	)

	// BatchDuration tracks the time from claim to the last terminal mark
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annotator_batch_duration_seconds",
			Help:    "Batch processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BatchSize tracks how many records each claim returned
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annotator_batch_size",
			Help:    "Number of records per claimed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// ClassifierLatency tracks classifier calls
	ClassifierLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annotator_classifier_latency_seconds",
			Help:    "Classifier call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	// ClassifierErrors tracks failed classifier attempts
	ClassifierErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotator_classifier_errors_total",
			Help: "Total number of failed classifier attempts",
		},
		[]string{"transport"},
	)

	// WorkerState is 1 for the state the worker loop is currently in
	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "annotator_worker_state",
			Help: "Current worker loop state (1 = active)",
		},
		[]string{"state"},
	)

	// DBConnectionPoolUsage tracks sink pool usage in percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "annotator_db_connection_pool_usage_percent",
			Help: "Sink database connection pool usage percentage",
		},
	)
)
