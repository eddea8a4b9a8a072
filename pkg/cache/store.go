package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the bucket
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// scanBatch is the SCAN page size used when deleting a bucket.
const scanBatch = 256

// Store persists cache entries in Redis, partitioned into versioned
// buckets. Entries carry no TTL; they live until their bucket is
// deleted during version activation.
type Store struct {
	redis *redis.Client
	appID string
}

// NewStore creates a cache store for the given application id.
func NewStore(redisClient *redis.Client, appID string) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if appID == "" {
		panic("app id cannot be empty")
	}
	return &Store{
		redis: redisClient,
		appID: appID,
	}
}

// AppID returns the application id this store serves.
func (s *Store) AppID() string {
	return s.appID
}

// registryKey is the Redis set holding all known bucket names.
func (s *Store) registryKey() string {
	return s.appID + ":buckets"
}

// entryKey composes the Redis key for one entry in one bucket.
func (s *Store) entryKey(bucket Bucket, key Key) string {
	return bucket.Name() + ":" + key.String()
}

// Get retrieves a cache entry from a bucket.
// Returns ErrCacheMiss if the key is not present.
func (s *Store) Get(ctx context.Context, bucket Bucket, key Key) (*Entry, error) {
	data, err := s.redis.Get(ctx, s.entryKey(bucket, key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.WithLabelValues(string(bucket.Purpose)).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues(string(bucket.Purpose)).Inc()

	return &entry, nil
}

// Set stores a cache entry in a bucket, replacing any previous entry
// whole. The bucket is added to the registry in the same pipeline so a
// bucket with entries is always discoverable for later deletion.
func (s *Store) Set(ctx context.Context, bucket Bucket, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if err := bucket.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	pipe := s.redis.Pipeline()
	pipe.SAdd(ctx, s.registryKey(), bucket.Name())
	pipe.Set(ctx, s.entryKey(bucket, key), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	EntryBytes.WithLabelValues(string(bucket.Purpose)).Add(float64(len(data)))

	return nil
}

// Delete removes a single cache entry.
func (s *Store) Delete(ctx context.Context, bucket Bucket, key Key) error {
	if err := s.redis.Del(ctx, s.entryKey(bucket, key)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// EnsureBucket registers a bucket so it participates in version
// cleanup even before it holds entries.
func (s *Store) EnsureBucket(ctx context.Context, bucket Bucket) error {
	if err := bucket.Validate(); err != nil {
		return err
	}
	if err := s.redis.SAdd(ctx, s.registryKey(), bucket.Name()).Err(); err != nil {
		CacheErrors.WithLabelValues("ensure_bucket").Inc()
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// BucketNames lists all registered bucket names, sorted.
func (s *Store) BucketNames(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		CacheErrors.WithLabelValues("list_buckets").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteBucket removes a bucket: every entry under its name prefix,
// then its registry membership. Safe to call on an already-deleted
// bucket.
func (s *Store) DeleteBucket(ctx context.Context, bucket Bucket) error {
	if err := s.deleteByPrefix(ctx, bucket.Name()+":"); err != nil {
		CacheErrors.WithLabelValues("delete_bucket").Inc()
		return err
	}
	if err := s.redis.SRem(ctx, s.registryKey(), bucket.Name()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete_bucket").Inc()
		return fmt.Errorf("redis srem: %w", err)
	}
	BucketDeletes.Inc()
	return nil
}

// DeleteBucketName removes a bucket known only by its registered name.
// Used during activation, where stale buckets are matched by prefix
// rather than reconstructed.
func (s *Store) DeleteBucketName(ctx context.Context, name string) error {
	if err := s.deleteByPrefix(ctx, name+":"); err != nil {
		CacheErrors.WithLabelValues("delete_bucket").Inc()
		return err
	}
	if err := s.redis.SRem(ctx, s.registryKey(), name).Err(); err != nil {
		CacheErrors.WithLabelValues("delete_bucket").Inc()
		return fmt.Errorf("redis srem: %w", err)
	}
	BucketDeletes.Inc()
	return nil
}

// deleteByPrefix scans for keys under a prefix and deletes them in
// batches.
func (s *Store) deleteByPrefix(ctx context.Context, prefix string) error {
	iter := s.redis.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()

	keys := make([]string, 0, scanBatch)
	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		if err := s.redis.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del batch: %w", err)
		}
		keys = keys[:0]
		return nil
	}

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= scanBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return flush()
}
