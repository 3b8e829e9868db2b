package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IndexerMetrics holds the indexer's Prometheus metrics.
type IndexerMetrics struct {
	BlocksIngested        prometheus.Counter
	BlocksOutOfOrder      prometheus.Counter
	ReorgsDetected        prometheus.Counter
	BlocksFetchedViaPoll  prometheus.Counter
	JobsEnqueued          prometheus.Counter
	LastContiguousBlock   prometheus.Gauge
	LastIndexedBlock      prometheus.Gauge
	TipFollowerPolling    prometheus.Gauge
	IngestDuration        prometheus.Histogram
	GapsDetected          prometheus.Gauge
	BackfillBlocksFetched prometheus.Counter
}

// NewIndexerMetrics registers and returns the indexer metric bundle.
func NewIndexerMetrics(namespace string) *IndexerMetrics {
	return &IndexerMetrics{
		BlocksIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name: "blocks_ingested_total",
			Help: "Total blocks accepted by IngestBlock",
		}),
		BlocksOutOfOrder: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name: "blocks_out_of_order_total",
			Help: "Blocks received below the last seen height",
		}),
		ReorgsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name: "reorgs_detected_total",
			Help: "Reorgs detected at ingest",
		}),
		BlocksFetchedViaPoll: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name: "blocks_fetched_via_poll_total",
			Help: "Blocks fetched by the tip follower while polling",
		}),
		JobsEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name: "jobs_enqueued_total",
			Help: "Delivery jobs enqueued",
		}),
		LastContiguousBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name: "last_contiguous_block",
			Help: "Contiguous tip watermark",
		}),
		LastIndexedBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name: "last_indexed_block",
			Help: "Highest persisted block",
		}),
		TipFollowerPolling: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name: "tip_follower_polling",
			Help: "1 while the tip follower is in polling mode",
		}),
		IngestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name:    "ingest_duration_seconds",
			Help:    "IngestBlock latency",
			Buckets: prometheus.DefBuckets,
		}),
		GapsDetected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name: "gaps_detected",
			Help: "Gap intervals found by the last integrity pass",
		}),
		BackfillBlocksFetched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer",
			Name: "backfill_blocks_fetched_total",
			Help: "Blocks fetched by auto-backfill",
		}),
	}
}

// WorkerMetrics holds the worker's Prometheus metrics.
type WorkerMetrics struct {
	JobsClaimed         prometheus.Counter
	JobsCompleted       prometheus.Counter
	JobsFailed          prometheus.Counter
	JobsRecovered       prometheus.Counter
	DeliveriesTotal     *prometheus.CounterVec
	DeliveryDuration    prometheus.Histogram
	ActiveJobs          prometheus.Gauge
	StreamCacheHits     prometheus.Counter
	StreamCacheMisses   prometheus.Counter
}

// NewWorkerMetrics registers and returns the worker metric bundle.
func NewWorkerMetrics(namespace string) *WorkerMetrics {
	return &WorkerMetrics{
		JobsClaimed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker",
			Name: "jobs_claimed_total",
			Help: "Jobs claimed from the queue",
		}),
		JobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker",
			Name: "jobs_completed_total",
			Help: "Jobs completed",
		}),
		JobsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker",
			Name: "jobs_failed_total",
			Help: "Jobs failed",
		}),
		JobsRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker",
			Name: "jobs_recovered_total",
			Help: "Stale jobs recovered back to pending",
		}),
		DeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker",
			Name: "deliveries_total",
			Help: "Webhook deliveries by outcome",
		}, []string{"status"}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker",
			Name:    "delivery_duration_seconds",
			Help:    "Webhook POST latency",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker",
			Name: "active_jobs",
			Help: "Jobs currently in flight",
		}),
		StreamCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker",
			Name: "stream_cache_hits_total",
			Help: "Stream definition cache hits",
		}),
		StreamCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker",
			Name: "stream_cache_misses_total",
			Help: "Stream definition cache misses",
		}),
	}
}

// ViewMetrics holds the view processor's Prometheus metrics.
type ViewMetrics struct {
	BlocksProcessed *prometheus.CounterVec
	HandlerErrors   *prometheus.CounterVec
	Rewinds         prometheus.Counter
	RegistryReloads prometheus.Counter
	ActiveViews     prometheus.Gauge
}

// NewViewMetrics registers and returns the view processor metric bundle.
func NewViewMetrics(namespace string) *ViewMetrics {
	return &ViewMetrics{
		BlocksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "views",
			Name: "blocks_processed_total",
			Help: "Blocks processed per view",
		}, []string{"view"}),
		HandlerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "views",
			Name: "handler_errors_total",
			Help: "Handler failures per view",
		}, []string{"view"}),
		Rewinds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "views",
			Name: "rewinds_total",
			Help: "Reorg rewinds applied",
		}),
		RegistryReloads: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "views",
			Name: "registry_reloads_total",
			Help: "View registry reloads",
		}),
		ActiveViews: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "views",
			Name: "active_views",
			Help: "Views currently being processed",
		}),
	}
}
