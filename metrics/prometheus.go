package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "memo_indexer"

// Update sources, used as label values
const (
	SourceStream    = "stream"
	SourceBackfill  = "backfill"
	SourceReconcile = "reconcile"
)

var (
	// Stream metrics
	streamUpdatesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_updates_received_total",
		Help:      "Total number of account updates received from the stream",
	})

	streamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_errors_total",
		Help:      "Total number of stream transport errors",
	})

	streamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnects_total",
		Help:      "Total number of stream resubscriptions",
	})

	streamLastSlot = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_last_slot",
		Help:      "Highest slot observed on the stream",
	})

	// Queue metrics
	updatesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_enqueued_total",
		Help:      "Account updates accepted by the ingestion queue",
	}, []string{"source"})

	updatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_dropped_total",
		Help:      "Account updates dropped because the ingestion queue was full",
	}, []string{"source"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Account updates waiting in the ingestion queue",
	})

	// Processing metrics
	recordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_written_total",
		Help:      "Store write outcomes (inserted, updated, skipped)",
	}, []string{"result"})

	decodeSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_not_applicable_total",
		Help:      "Account updates that did not decode as a memo",
	})

	processingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "processing_errors_total",
		Help:      "Per-item processing failures by component",
	}, []string{"component"})

	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processing_duration_seconds",
		Help:      "Time taken to decode and store one account update",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	// Reconciliation metrics
	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation passes by outcome",
	}, []string{"outcome"})

	reconcileGaps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_gaps_total",
		Help:      "Accounts found missing from the store by reconciliation",
	})

	backfillAccounts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backfill_accounts_total",
		Help:      "Accounts enumerated during cold-start backfill",
	})
)

// RecordStreamUpdate counts a delivered update and tracks the highest slot
func RecordStreamUpdate(lastSlot uint64) {
	streamUpdatesReceived.Inc()
	streamLastSlot.Set(float64(lastSlot))
}

// IncrementStreamErrors counts a stream error event
func IncrementStreamErrors() {
	streamErrors.Inc()
}

// IncrementStreamReconnects counts a resubscription attempt
func IncrementStreamReconnects() {
	streamReconnects.Inc()
}

// RecordEnqueue counts a queue admission or drop and refreshes the depth gauge
func RecordEnqueue(source string, accepted bool, depth int) {
	if accepted {
		updatesEnqueued.WithLabelValues(source).Inc()
	} else {
		updatesDropped.WithLabelValues(source).Inc()
	}
	queueDepth.Set(float64(depth))
}

// SetQueueDepth sets the queue depth gauge
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordWrite counts a store write outcome
func RecordWrite(result string) {
	recordsWritten.WithLabelValues(result).Inc()
}

// IncrementDecodeSkipped counts a NotApplicable decode
func IncrementDecodeSkipped() {
	decodeSkipped.Inc()
}

// IncrementProcessingErrors counts a failed item
func IncrementProcessingErrors(component string) {
	processingErrors.WithLabelValues(component).Inc()
}

// ObserveProcessingDuration records per-item processing time
func ObserveProcessingDuration(seconds float64) {
	processingDuration.Observe(seconds)
}

// RecordReconcile counts a reconciliation pass and the gaps it found
func RecordReconcile(outcome string, gaps int) {
	reconcileRuns.WithLabelValues(outcome).Inc()
	reconcileGaps.Add(float64(gaps))
}

// AddBackfillAccounts counts enumerated backfill accounts
func AddBackfillAccounts(n int) {
	backfillAccounts.Add(float64(n))
}
