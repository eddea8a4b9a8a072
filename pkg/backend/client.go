// Package backend provides the HTTP client for the shop backend with
// timeout enforcement and error classification.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for backend requests.
var (
	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_backend_requests_total",
		Help: "Total backend requests by endpoint and status",
	}, []string{"endpoint", "status"})

	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shopsync_backend_request_duration_seconds",
		Help:    "Backend request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	backendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_backend_errors_total",
		Help: "Total backend errors by class",
	}, []string{"class"})
)

// hopHeaders are stripped when forwarding an intercepted request.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client is the HTTP client for the shop backend. It never retries;
// serving layers decide what a failure means (fallback, queue, error).
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	userAgent  string
	logger     zerolog.Logger
}

// Config holds the backend client configuration.
type Config struct {
	// BaseURL is the shop backend origin (e.g., "https://shop.example")
	BaseURL string

	// Timeout bounds every request. A request exceeding it is reported
	// as a network-class failure.
	Timeout time.Duration

	// UserAgent identifies the sync agent to the backend
	UserAgent string
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Timeout:   10 * time.Second,
		UserAgent: "shopsync-agent/1.0",
	}
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", base.Scheme)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive (got %v)", cfg.Timeout)
	}

	logger := log.With().Str("component", "backend-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:   base,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}, nil
}

// Do executes a request. The returned error is non-nil only for
// network-class failures; HTTP error statuses come back as ordinary
// responses for the caller to interpret.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	endpoint := req.URL.Path

	startTime := time.Now()
	defer func() {
		backendRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		backendErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		backendRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Debug().
			Err(err).
			Str("endpoint", endpoint).
			Msg("Backend request failed")
		return nil, &Error{
			Class:    ErrorClassNetwork,
			Endpoint: endpoint,
			Err:      err,
		}
	}

	if class := ClassifyStatus(resp.StatusCode); class != "" {
		backendErrorsTotal.WithLabelValues(string(class)).Inc()
	}
	backendRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	return resp, nil
}

// Forward re-issues an intercepted read request against the backend,
// keeping path, query, and headers, and dropping hop-by-hop headers.
func (c *Client) Forward(req *http.Request) (*http.Response, error) {
	target := c.baseURL.ResolveReference(&url.URL{
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
	})

	outReq, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create forward request: %w", err)
	}

	outReq.Header = req.Header.Clone()
	for _, h := range hopHeaders {
		outReq.Header.Del(h)
	}

	return c.Do(outReq)
}

// Send performs a request with an in-memory body against a backend
// endpoint. The queue drain uses this to replay stored mutations.
func (c *Client) Send(ctx context.Context, method, endpoint string, header http.Header, body []byte) (*http.Response, error) {
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	target := c.baseURL.ResolveReference(rel)

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	return c.Do(req)
}

// Get performs a GET request to a backend endpoint.
func (c *Client) Get(ctx context.Context, endpoint string) (*http.Response, error) {
	return c.Send(ctx, http.MethodGet, endpoint, nil, nil)
}

// BaseURL returns the configured backend origin.
func (c *Client) BaseURL() *url.URL {
	return c.baseURL
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
