package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by bucket purpose
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopsync_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"purpose"}, // "app-shell", "static-asset", "runtime", "api-data", "offline-fallback"
	)

	// CacheMisses tracks cache misses by bucket purpose
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopsync_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"purpose"},
	)

	// EntryBytes tracks bytes written to the cache by bucket purpose
	EntryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shopsync_cache_entry_bytes",
			Help: "Bytes written to the cache since start",
		},
		[]string{"purpose"},
	)

	// BucketDeletes tracks bucket deletions during version activation
	BucketDeletes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shopsync_bucket_deletes_total",
			Help: "Total number of cache buckets deleted",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopsync_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "ensure_bucket", "list_buckets", "delete_bucket"
	)
)
