// Package cache provides versioned response caching with Redis backend
// for the offline-first sync agent.
package cache

import (
	"net/http"
	"time"
)

// Entry represents a cached backend response. An entry is always
// replaced whole; it is never partially updated in place.
type Entry struct {
	// Payload is the response body exactly as received
	Payload []byte `json:"payload"`

	// ETag for revalidation requests (If-None-Match)
	ETag string `json:"etag"`

	// LastModified is when the data was last modified (from the last-modified header)
	LastModified time.Time `json:"last_modified"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// StoredAt is when this response was cached
	StoredAt time.Time `json:"stored_at"`
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// ContentType returns the cached Content-Type header value.
func (e *Entry) ContentType() string {
	return e.Headers.Get("Content-Type")
}
