package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tillware/shopsync-agent/pkg/backend"
	"github.com/tillware/shopsync-agent/pkg/cache"
	"github.com/tillware/shopsync-agent/pkg/logging"
)

// Prometheus metrics for strategy routing.
var (
	strategyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_strategy_requests_total",
		Help: "Intercepted reads by request class and serving outcome",
	}, []string{"class", "outcome"})

	offlineFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_offline_fallbacks_total",
		Help: "Responses served from cache or the offline page because the backend was unreachable",
	}, []string{"class"})

	revalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_revalidations_total",
		Help: "Detached stale-while-revalidate refreshes by result",
	}, []string{"result"})
)

// Serving outcomes for the strategy request counter.
const (
	outcomeCacheHit  = "cache_hit"
	outcomeNetwork   = "network"
	outcomeFallback  = "offline_fallback"
	outcomeSynthetic = "synthetic_error"
	outcomeError     = "error"
	outcomePassthru  = "passthrough"
)

// ErrBypass indicates a request outside the interceptable surface
// (non-GET or non-http scheme). The caller must forward it untouched.
var ErrBypass = errors.New("request bypasses cache strategies")

// syntheticUnavailableBody is the fixed payload returned for api-data
// reads that fail with no cached copy.
const syntheticUnavailableBody = `{"error":"service unavailable","offline":true}`

// BucketResolver supplies the live bucket for each purpose. The
// lifecycle manager implements this; the router never holds bucket
// names itself, so a version activation takes effect on the next read.
type BucketResolver interface {
	Bucket(purpose cache.Purpose) cache.Bucket
}

// Fetcher forwards an intercepted request to the backend.
// backend.Client satisfies this.
type Fetcher interface {
	Forward(req *http.Request) (*http.Response, error)
}

// Config holds the router configuration.
type Config struct {
	// VaryHeaders are request headers included in cache keys.
	VaryHeaders []string

	// OfflinePagePath is the path of the reserved offline page inside
	// the offline-fallback bucket. Empty disables the navigation
	// fallback.
	OfflinePagePath string

	// RevalidateTimeout bounds detached stale-while-revalidate
	// refreshes.
	RevalidateTimeout time.Duration
}

// DefaultConfig returns a safe default router configuration.
func DefaultConfig() Config {
	return Config{
		OfflinePagePath:   "/offline.html",
		RevalidateTimeout: 30 * time.Second,
	}
}

// Router serves intercepted reads with the caching algorithm of their
// request class.
type Router struct {
	store      *cache.Store
	fetcher    Fetcher
	buckets    BucketResolver
	classifier *Classifier
	cfg        Config
	logger     zerolog.Logger
}

// NewRouter creates a strategy router.
func NewRouter(store *cache.Store, fetcher Fetcher, buckets BucketResolver, classifier *Classifier, cfg Config) (*Router, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if buckets == nil {
		return nil, fmt.Errorf("bucket resolver is required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if cfg.RevalidateTimeout <= 0 {
		cfg.RevalidateTimeout = 30 * time.Second
	}

	return &Router{
		store:      store,
		fetcher:    fetcher,
		buckets:    buckets,
		classifier: classifier,
		cfg:        cfg,
		logger:     logging.NewLogger("strategy"),
	}, nil
}

// Serve handles one intercepted read and returns the response to
// send. The caller owns the response body. Requests outside the
// interceptable surface return ErrBypass.
func (r *Router) Serve(req *http.Request) (*http.Response, error) {
	class := r.classifier.Classify(req)

	r.logger.Debug().
		Str("path", req.URL.Path).
		Str("class", string(class)).
		Msg("Serving intercepted read")

	switch class {
	case ClassAppShell:
		return r.serveAppShell(req)
	case ClassStaticAsset:
		return r.serveStaticAsset(req)
	case ClassAPIData:
		return r.serveAPIData(req)
	case ClassDefault:
		return r.serveDefault(req)
	default:
		return nil, ErrBypass
	}
}

// serveAppShell is cache-first with the offline page as navigation
// fallback: hit → serve; miss → fetch and store; network failure on a
// navigation request → reserved offline page.
func (r *Router) serveAppShell(req *http.Request) (*http.Response, error) {
	bucket := r.buckets.Bucket(cache.PurposeAppShell)
	key := cache.NewKey(req, r.cfg.VaryHeaders)

	if entry := r.lookup(req.Context(), bucket, key); entry != nil {
		strategyRequestsTotal.WithLabelValues(string(ClassAppShell), outcomeCacheHit).Inc()
		return entry.ToResponse(), nil
	}

	resp, err := r.fetchAndStore(req, bucket, key, ClassAppShell)
	if err == nil {
		return resp, nil
	}

	if IsNavigation(req) {
		if page := r.offlinePage(req.Context()); page != nil {
			r.logger.Info().
				Str("path", req.URL.Path).
				Msg("Serving offline page for failed navigation")
			offlineFallbacksTotal.WithLabelValues(string(ClassAppShell)).Inc()
			strategyRequestsTotal.WithLabelValues(string(ClassAppShell), outcomeFallback).Inc()
			return page.ToResponse(), nil
		}
	}

	strategyRequestsTotal.WithLabelValues(string(ClassAppShell), outcomeError).Inc()
	return nil, err
}

// serveStaticAsset is plain cache-first: hit → serve; miss → fetch and
// store; failure propagates with no substitution.
func (r *Router) serveStaticAsset(req *http.Request) (*http.Response, error) {
	bucket := r.buckets.Bucket(cache.PurposeStaticAsset)
	key := cache.NewKey(req, r.cfg.VaryHeaders)

	if entry := r.lookup(req.Context(), bucket, key); entry != nil {
		strategyRequestsTotal.WithLabelValues(string(ClassStaticAsset), outcomeCacheHit).Inc()
		return entry.ToResponse(), nil
	}

	resp, err := r.fetchAndStore(req, bucket, key, ClassStaticAsset)
	if err != nil {
		strategyRequestsTotal.WithLabelValues(string(ClassStaticAsset), outcomeError).Inc()
		return nil, err
	}
	return resp, nil
}

// serveAPIData is network-first with cache fallback and the freshness
// envelope: network success → store raw payload, serve tagged fresh;
// network failure → cached copy tagged stale, or the synthetic
// unavailable response when no copy exists.
func (r *Router) serveAPIData(req *http.Request) (*http.Response, error) {
	bucket := r.buckets.Bucket(cache.PurposeAPIData)
	key := cache.NewKey(req, r.cfg.VaryHeaders)

	resp, err := r.fetcher.Forward(req)
	if err == nil && backend.IsSuccess(resp) {
		now := time.Now().UTC()
		entry, convErr := cache.ResponseToEntry(resp, now)
		if convErr != nil {
			strategyRequestsTotal.WithLabelValues(string(ClassAPIData), outcomeError).Inc()
			return nil, fmt.Errorf("read api response: %w", convErr)
		}

		// The stored payload is the raw backend body; tags are applied
		// per serve so the cached copy stays a strict backend copy.
		r.storeEntry(req.Context(), bucket, key, entry)

		tagged := TagEnvelope(entry.Payload, EnvelopeTags{Fresh: true, FetchedAt: now})
		strategyRequestsTotal.WithLabelValues(string(ClassAPIData), outcomeNetwork).Inc()
		return responseWithBody(entry, tagged), nil
	}

	if err == nil {
		// Backend answered with an error status. That is an answer, not
		// an outage, so it passes through untagged.
		strategyRequestsTotal.WithLabelValues(string(ClassAPIData), outcomePassthru).Inc()
		return resp, nil
	}

	if entry := r.lookup(req.Context(), bucket, key); entry != nil {
		r.logger.Info().
			Str("path", req.URL.Path).
			Time("fetched_at", entry.StoredAt).
			Msg("Serving cached api data while offline")
		offlineFallbacksTotal.WithLabelValues(string(ClassAPIData)).Inc()
		strategyRequestsTotal.WithLabelValues(string(ClassAPIData), outcomeFallback).Inc()

		tagged := TagEnvelope(entry.Payload, EnvelopeTags{
			Fresh:     false,
			Offline:   true,
			FetchedAt: entry.StoredAt,
		})
		return responseWithBody(entry, tagged), nil
	}

	r.logger.Warn().
		Str("path", req.URL.Path).
		Err(err).
		Msg("Api read failed with no cached copy")
	strategyRequestsTotal.WithLabelValues(string(ClassAPIData), outcomeSynthetic).Inc()
	return syntheticUnavailable(), nil
}

// serveDefault is stale-while-revalidate: a hit is served immediately
// and refreshed by a detached task; a miss waits on the network.
func (r *Router) serveDefault(req *http.Request) (*http.Response, error) {
	bucket := r.buckets.Bucket(cache.PurposeRuntime)
	key := cache.NewKey(req, r.cfg.VaryHeaders)

	if entry := r.lookup(req.Context(), bucket, key); entry != nil {
		strategyRequestsTotal.WithLabelValues(string(ClassDefault), outcomeCacheHit).Inc()
		go r.revalidate(req, bucket, key, entry)
		return entry.ToResponse(), nil
	}

	resp, err := r.fetchAndStore(req, bucket, key, ClassDefault)
	if err != nil {
		strategyRequestsTotal.WithLabelValues(string(ClassDefault), outcomeError).Inc()
		return nil, err
	}
	return resp, nil
}

// revalidate refreshes a served stale entry in the background. It runs
// detached from the request context; failures are logged and never
// reach the caller.
func (r *Router) revalidate(req *http.Request, bucket cache.Bucket, key cache.Key, stale *cache.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RevalidateTimeout)
	defer cancel()

	refresh := req.Clone(ctx)
	refresh.Body = nil
	if cache.SupportsRevalidation(stale) {
		cache.AddValidatorHeaders(refresh, stale)
	}

	resp, err := r.fetcher.Forward(refresh)
	if err != nil {
		revalidationsTotal.WithLabelValues("error").Inc()
		r.logger.Debug().
			Err(err).
			Str("path", req.URL.Path).
			Msg("Background revalidation failed")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		// Still current; refresh the stored timestamp.
		stale.StoredAt = time.Now().UTC()
		r.storeEntry(ctx, bucket, key, stale)
		revalidationsTotal.WithLabelValues("not_modified").Inc()

	case backend.IsSuccess(resp):
		entry, convErr := cache.ResponseToEntry(resp, time.Now().UTC())
		if convErr != nil {
			revalidationsTotal.WithLabelValues("error").Inc()
			return
		}
		r.storeEntry(ctx, bucket, key, entry)
		revalidationsTotal.WithLabelValues("updated").Inc()
		r.logger.Debug().
			Str("path", req.URL.Path).
			Msg("Background revalidation updated entry")

	default:
		revalidationsTotal.WithLabelValues("rejected").Inc()
	}
}

// lookup reads an entry, treating store errors as misses. A broken
// cache degrades reads to network-only instead of failing them.
func (r *Router) lookup(ctx context.Context, bucket cache.Bucket, key cache.Key) *cache.Entry {
	entry, err := r.store.Get(ctx, bucket, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			r.logger.Warn().
				Err(err).
				Str("bucket", bucket.Name()).
				Msg("Cache read failed, treating as miss")
		}
		return nil
	}
	return entry
}

// fetchAndStore forwards the request and caches a successful response.
// Store failures are logged and swallowed; they never fail the read.
func (r *Router) fetchAndStore(req *http.Request, bucket cache.Bucket, key cache.Key, class Class) (*http.Response, error) {
	resp, err := r.fetcher.Forward(req)
	if err != nil {
		return nil, err
	}

	if backend.IsSuccess(resp) {
		entry, convErr := cache.ResponseToEntry(resp, time.Now().UTC())
		if convErr != nil {
			return nil, fmt.Errorf("read response body: %w", convErr)
		}
		r.storeEntry(req.Context(), bucket, key, entry)
	}

	strategyRequestsTotal.WithLabelValues(string(class), outcomeNetwork).Inc()
	return resp, nil
}

func (r *Router) storeEntry(ctx context.Context, bucket cache.Bucket, key cache.Key, entry *cache.Entry) {
	if err := r.store.Set(ctx, bucket, key, entry); err != nil {
		r.logger.Warn().
			Err(err).
			Str("bucket", bucket.Name()).
			Str("key", key.String()).
			Msg("Cache write failed")
	}
}

// offlinePage loads the reserved offline page from the
// offline-fallback bucket, or nil when unavailable.
func (r *Router) offlinePage(ctx context.Context) *cache.Entry {
	if r.cfg.OfflinePagePath == "" {
		return nil
	}

	req, err := http.NewRequest(http.MethodGet, r.cfg.OfflinePagePath, nil)
	if err != nil {
		return nil
	}

	bucket := r.buckets.Bucket(cache.PurposeOfflineFallback)
	return r.lookup(ctx, bucket, cache.NewKey(req, nil))
}

// responseWithBody rebuilds an entry response around a replacement
// body, used when the served body differs from the stored payload.
func responseWithBody(entry *cache.Entry, body []byte) *http.Response {
	resp := entry.ToResponse()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp
}

// syntheticUnavailable builds the fixed 503 response for api-data
// reads with no usable source.
func syntheticUnavailable() *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(syntheticUnavailableBody)))

	return &http.Response{
		StatusCode:    http.StatusServiceUnavailable,
		Status:        fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader([]byte(syntheticUnavailableBody))),
		ContentLength: int64(len(syntheticUnavailableBody)),
	}
}
