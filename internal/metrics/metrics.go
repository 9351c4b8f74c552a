package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler metrics
	SchedulerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "farview_scheduler_queue_depth",
		Help: "Number of tasks waiting for a worker",
	}, []string{"pool"})

	SchedulerTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farview_scheduler_tasks_total",
		Help: "Total number of tasks executed by a worker pool",
	}, []string{"pool"})

	WorkerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farview_worker_panics_total",
		Help: "Total number of panics caught in worker goroutines",
	}, []string{"source"})

	// Tracking metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farview_sessions_active",
		Help: "Number of viewer sessions with a live tracker",
	})

	TrackedEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farview_tracked_tiles",
		Help: "Number of tiles tracked by at least one viewer",
	})

	LoadRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farview_tile_load_requests_total",
		Help: "Total number of tile loads requested from storage",
	})

	LoadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farview_tile_load_failures_total",
		Help: "Total number of tile loads that completed with an error",
	})

	UpdateRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farview_tile_update_requests_total",
		Help: "Total number of dirty tile re-fetches requested from storage",
	})

	TileDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farview_tile_deliveries_total",
		Help: "Total number of tile snapshots handed to viewer sessions",
	})

	TileUnloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farview_tile_unloads_total",
		Help: "Total number of tile unload notices handed to viewer sessions",
	})

	RegistryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farview_registry_lock_retries_total",
		Help: "Total number of registry operations retried because an entry lock was contended",
	})

	TrackerUpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "farview_tracker_update_duration_seconds",
		Help:    "Time spent recomputing a tracker's load queue",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// Storage metrics
	TilesGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farview_tiles_generated_total",
		Help: "Total number of tiles produced by a generator",
	}, []string{"generator"})

	TileGenerateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "farview_tile_generate_duration_seconds",
		Help:    "Duration of tile generation in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"generator"})

	DirtyTiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farview_tiles_marked_dirty_total",
		Help: "Total number of tiles marked dirty",
	})

	// Cache metrics
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farview_cache_hits_total",
		Help: "Total number of tile cache hits",
	}, []string{"backend"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farview_cache_misses_total",
		Help: "Total number of tile cache misses",
	}, []string{"backend"})

	CacheStores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farview_cache_stores_total",
		Help: "Total number of tile cache store operations",
	}, []string{"backend"})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farview_cache_errors_total",
		Help: "Total number of tile cache backend errors",
	}, []string{"backend", "operation"})

	// Viewer metrics
	ViewerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farview_viewer_messages_total",
		Help: "Total number of websocket messages exchanged with viewers",
	}, []string{"direction", "type"})

	ViewerBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farview_viewer_bytes_sent_total",
		Help: "Total number of bytes written to viewer websockets",
	})

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "farview_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)
