// Package metrics provides centralized Prometheus metrics registry for
// the sync agent. All metrics are defined in their respective packages
// (cache, strategy, queue, lifecycle, detector, connectivity, bridge,
// backend) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the sync agent.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - shopsync_cache_hits_total{purpose} (Counter): Cache hits by bucket purpose
//   - shopsync_cache_misses_total{purpose} (Counter): Cache misses by bucket purpose
//   - shopsync_cache_entry_bytes{purpose} (Gauge): Bytes written to the cache since start
//   - shopsync_bucket_deletes_total (Counter): Cache buckets deleted
//   - shopsync_cache_errors_total{operation} (Counter): Cache operation errors
//
// Strategy Metrics (pkg/strategy):
//   - shopsync_strategy_requests_total{class, outcome} (Counter): Intercepted reads
//     by request class and serving outcome (cache_hit, network, offline_fallback,
//     synthetic_error, passthrough, error)
//   - shopsync_offline_fallbacks_total{class} (Counter): Responses served from cache
//     or the offline page because the backend was unreachable
//   - shopsync_revalidations_total{result} (Counter): Detached stale-while-revalidate
//     refreshes by result (updated, not_modified, rejected, error)
//
// Queue Metrics (pkg/queue):
//   - shopsync_queue_depth (Gauge): Actions currently queued for replay
//   - shopsync_queue_enqueued_total (Counter): Actions enqueued
//   - shopsync_queue_store_errors_total{operation} (Counter): Queue storage errors
//   - shopsync_drains_total{outcome} (Counter): Drain runs by outcome
//     (completed, deferred, interrupted, error)
//   - shopsync_drain_actions_total{result} (Counter): Actions processed during drains
//   - shopsync_drain_duration_seconds (Histogram): Duration of drain runs
//   - shopsync_drain_backoff_seconds (Histogram): Backoff after retryable failures
//   - shopsync_drain_active (Gauge): Whether a drain is currently running
//
// Lifecycle Metrics (pkg/lifecycle):
//   - shopsync_version_installs_total{result} (Counter): Version installs by result
//   - shopsync_version_activations_total (Counter): Version activations
//   - shopsync_stale_bucket_cleanups_total{result} (Counter): Stale bucket deletions
//   - shopsync_precached_paths_total{result} (Counter): Shell paths fetched during priming
//
// Detector Metrics (pkg/detector):
//   - shopsync_detector_probes_total{probe, result} (Counter): Probe evaluations
//     by result (paced, error, baseline, unchanged, changed)
//   - shopsync_detector_checks_total{result} (Counter): Aggregate deployment checks
//   - shopsync_detector_changes_total (Counter): Deployment changes detected
//
// Connectivity Metrics (pkg/connectivity):
//   - shopsync_online (Gauge): Whether the backend is currently considered reachable
//   - shopsync_connectivity_transitions_total{state} (Counter): Transitions by new state
//
// Bridge Metrics (pkg/bridge):
//   - shopsync_bridge_events_published_total{type} (Counter): Status events published
//   - shopsync_bridge_events_dropped_total (Counter): Events dropped on full buffers
//   - shopsync_bridge_commands_total{command, result} (Counter): Commands dispatched
//   - shopsync_bridge_subscribers (Gauge): Currently connected event subscribers
//
// Backend Metrics (pkg/backend):
//   - shopsync_backend_requests_total{endpoint, status} (Counter): Backend requests
//   - shopsync_backend_request_duration_seconds{endpoint} (Histogram): Request duration
//   - shopsync_backend_errors_total{class} (Counter): Errors by class
//     (client, server, network)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(shopsync_cache_hits_total[5m])) /
//   (sum(rate(shopsync_cache_hits_total[5m])) + sum(rate(shopsync_cache_misses_total[5m])))
//
//   # Offline Fallback Rate
//   sum(rate(shopsync_offline_fallbacks_total[5m])) /
//   sum(rate(shopsync_strategy_requests_total[5m]))
//
//   # Queue Backlog
//   shopsync_queue_depth > 0
//
//   # Replay Failure Rate
//   rate(shopsync_drain_actions_total{result="failed"}[15m])
//
//   # P95 Backend Latency
//   histogram_quantile(0.95, rate(shopsync_backend_request_duration_seconds_bucket[5m]))
//
//   # Deployments Per Day
//   increase(shopsync_detector_changes_total[1d])
