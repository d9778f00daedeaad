// Package metrics defines the Prometheus instrumentation for the
// replicated insert sink.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric this replica exposes.
type Metrics struct {
	InsertRequestsTotal    prometheus.Counter
	InsertRequestsDuration prometheus.Histogram
	InsertRowsTotal        prometheus.Counter
	InsertPartsTotal       prometheus.Counter

	CommitAttemptsTotal prometheus.CounterVec
	CommitDuration      prometheus.Histogram
	CommitRetriesTotal  prometheus.Counter

	SelfDedupDroppedRows   prometheus.Counter
	SyncDedupDuplicates    prometheus.Counter
	AsyncDedupDuplicates   prometheus.Counter
	PrefilterHitsTotal     prometheus.Counter
	PrefilterMissesTotal   prometheus.Counter

	QuorumWaitDuration   prometheus.Histogram
	QuorumFailuresTotal  prometheus.Counter

	CacheHitsTotal      prometheus.CounterVec
	CacheMissesTotal    prometheus.CounterVec
	CacheEvictedWeight  prometheus.CounterVec
	CacheSizeBytes      prometheus.GaugeVec
	CacheEntriesTotal   prometheus.GaugeVec

	MembershipAliveTotal prometheus.Gauge
}

// New creates and registers every metric, labeled with nodeID.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		InsertRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "insert",
			Name:        "requests_total",
			Help:        "Total number of Insert calls accepted by the sink.",
			ConstLabels: labels,
		}),
		InsertRequestsDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "coldb",
			Subsystem:   "insert",
			Name:        "duration_seconds",
			Help:        "Histogram of end-to-end Insert call durations.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		InsertRowsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "insert",
			Name:        "rows_total",
			Help:        "Total number of rows accepted across all batches.",
			ConstLabels: labels,
		}),
		InsertPartsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "insert",
			Name:        "parts_total",
			Help:        "Total number of temp parts produced by the preparer.",
			ConstLabels: labels,
		}),
		CommitAttemptsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "commit",
			Name:        "attempts_total",
			Help:        "Commit attempts by outcome (committed, deduplicated, failed).",
			ConstLabels: labels,
		}, []string{"outcome"}),
		CommitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "coldb",
			Subsystem:   "commit",
			Name:        "duration_seconds",
			Help:        "Histogram of single-part commit durations.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		CommitRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "commit",
			Name:        "retries_total",
			Help:        "Total number of commit attempts that were retried.",
			ConstLabels: labels,
		}),
		SelfDedupDroppedRows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "dedup",
			Name:        "self_dedup_dropped_rows_total",
			Help:        "Rows dropped by the async self-duplicate filter before any coordinator round-trip.",
			ConstLabels: labels,
		}),
		SyncDedupDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "dedup",
			Name:        "sync_duplicates_total",
			Help:        "Sync-mode inserts rejected as InsertWasDeduplicated.",
			ConstLabels: labels,
		}),
		AsyncDedupDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "dedup",
			Name:        "async_duplicates_total",
			Help:        "Async-mode sub-blocks resolved as cross-replica duplicates.",
			ConstLabels: labels,
		}),
		PrefilterHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "dedup",
			Name:        "prefilter_hits_total",
			Help:        "Prefilter cache lookups that already showed a block id as committed.",
			ConstLabels: labels,
		}),
		PrefilterMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "dedup",
			Name:        "prefilter_misses_total",
			Help:        "Prefilter cache lookups that required a coordinator round-trip.",
			ConstLabels: labels,
		}),
		QuorumWaitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "coldb",
			Subsystem:   "quorum",
			Name:        "wait_duration_seconds",
			Help:        "Time spent waiting for a satisfied quorum precondition.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		QuorumFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "quorum",
			Name:        "failures_total",
			Help:        "Inserts rejected by the quorum precondition check.",
			ConstLabels: labels,
		}),
		CacheHitsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Cache hits by cache name.",
			ConstLabels: labels,
		}, []string{"cache"}),
		CacheMissesTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Cache misses by cache name.",
			ConstLabels: labels,
		}, []string{"cache"}),
		CacheEvictedWeight: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "coldb",
			Subsystem:   "cache",
			Name:        "evicted_weight_total",
			Help:        "Cumulative weight evicted by cache name.",
			ConstLabels: labels,
		}, []string{"cache"}),
		CacheSizeBytes: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "coldb",
			Subsystem:   "cache",
			Name:        "weight",
			Help:        "Current total weight by cache name.",
			ConstLabels: labels,
		}, []string{"cache"}),
		CacheEntriesTotal: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "coldb",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Current entry count by cache name.",
			ConstLabels: labels,
		}, []string{"cache"}),
		MembershipAliveTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "coldb",
			Subsystem:   "membership",
			Name:        "alive_total",
			Help:        "Number of cluster members the gossip layer currently believes are alive (informational only; quorum decisions use the coordinator's is_active view).",
			ConstLabels: labels,
		}),
	}
}

// RecordInsert records one completed top-level Insert call.
func (m *Metrics) RecordInsert(durationSeconds float64, rows, parts int) {
	m.InsertRequestsTotal.Inc()
	m.InsertRequestsDuration.Observe(durationSeconds)
	m.InsertRowsTotal.Add(float64(rows))
	m.InsertPartsTotal.Add(float64(parts))
}

// RecordCommit records the final outcome of one partition block's commit.
func (m *Metrics) RecordCommit(outcome string, durationSeconds float64) {
	m.CommitAttemptsTotal.WithLabelValues(outcome).Inc()
	m.CommitDuration.Observe(durationSeconds)
}

// UpdateCacheStats refreshes the gauges for a named cache.
func (m *Metrics) UpdateCacheStats(name string, weight int64, count int) {
	m.CacheSizeBytes.WithLabelValues(name).Set(float64(weight))
	m.CacheEntriesTotal.WithLabelValues(name).Set(float64(count))
}
