// Package cache provides versioned response caching with Redis backend.
//
// The store partitions entries into buckets named after the deployment
// version, with the following features:
//
// - Versioned bucket namespaces (<app-id>-<versionTag>-<purpose>)
// - Deterministic cache key generation (normalized URL + vary headers)
// - Whole-entry replacement, no partial updates
// - ETag / Last-Modified support for revalidation requests
// - Prefix-scan bucket deletion for atomic-feeling version swaps
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create cache store
//	store := cache.NewStore(redisClient, "shopsync")
//
//	// Pick the bucket for the active version
//	bucket := cache.Bucket{
//		AppID:      "shopsync",
//		VersionTag: "3f9ac2d81b04",
//		Purpose:    cache.PurposeAPIData,
//	}
//
//	// Build a key from the request
//	key := cache.NewKey(req, []string{"Accept"})
//
//	// Get from cache
//	entry, err := store.Get(ctx, bucket, key)
//	if err == cache.ErrCacheMiss {
//		// Cache miss - fetch from the backend
//	}
//
// # HTTP Response Caching
//
//	// Convert HTTP response to cache entry
//	entry, err := cache.ResponseToEntry(resp, time.Now())
//	if err != nil {
//		return err
//	}
//
//	// Store in cache (entry lives until the bucket is deleted)
//	if err := store.Set(ctx, bucket, key, entry); err != nil {
//		return err
//	}
//
//	// Serve a cached entry
//	resp := entry.ToResponse()
//
// # Bucket Lifecycle
//
// Entries carry no TTL. Freshness is decided at serve time by the
// strategy layer; removal happens when a deployment version is
// activated and every bucket of older versions is deleted:
//
//	names, _ := store.BucketNames(ctx)
//	for _, name := range names {
//		if !strings.HasPrefix(name, cache.VersionPrefix("shopsync", activeTag)) {
//			_ = store.DeleteBucketName(ctx, name)
//		}
//	}
//
// # Metrics
//
// The store exports Prometheus metrics:
//
//   - shopsync_cache_hits_total{purpose} - Cache hits
//   - shopsync_cache_misses_total{purpose} - Cache misses
//   - shopsync_cache_entry_bytes{purpose} - Bytes written
//   - shopsync_bucket_deletes_total - Buckets deleted
//   - shopsync_cache_errors_total{operation} - Cache operation errors
package cache
