package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gladix_store_flush_duration_seconds",
		Help:    "Time spent committing one event batch.",
		Buckets: prometheus.DefBuckets,
	})
	flushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gladix_store_flush_batch_size",
		Help:    "Events per committed batch.",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500},
	})
	batchesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gladix_store_batches_committed_total",
		Help: "Batches committed per table.",
	}, []string{"table"})
	batchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gladix_store_batch_retries_total",
		Help: "Commit attempts that failed and were retried.",
	})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gladix_store_events_dropped_total",
		Help: "Events lost to queue overflow or exhausted retries.",
	})
	checkpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gladix_store_checkpoint_duration_seconds",
		Help:    "Time spent merging the WAL into the main store.",
		Buckets: prometheus.DefBuckets,
	})
	checkpointFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gladix_store_checkpoint_failures_total",
		Help: "Checkpoint attempts that failed.",
	})
	walOverCap = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gladix_store_wal_over_cap",
		Help: "1 while the WAL exceeds its configured size cap, 0 otherwise.",
	})
	reaperDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gladix_store_reaper_deleted_total",
		Help: "Rows deleted by the retention reaper per table.",
	}, []string{"table"})
)
