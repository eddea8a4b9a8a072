// Package config loads the sync agent configuration from SHOPSYNC_*
// environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the complete sync agent configuration.
type Config struct {
	// BackendURL is the shop backend origin all requests are forwarded to.
	BackendURL string `env:"SHOPSYNC_BACKEND_URL" envDefault:"http://localhost:3000"`

	// ListenAddr is the address the agent's HTTP server binds to.
	ListenAddr string `env:"SHOPSYNC_LISTEN_ADDR" envDefault:":8787"`

	// RedisAddr is the Redis instance backing the response cache.
	RedisAddr string `env:"SHOPSYNC_REDIS_ADDR" envDefault:"localhost:6379"`

	// RedisDB selects the Redis database number.
	RedisDB int `env:"SHOPSYNC_REDIS_DB" envDefault:"0"`

	// QueuePath is the sqlite file holding the offline mutation queue.
	QueuePath string `env:"SHOPSYNC_QUEUE_PATH" envDefault:"shopsync-queue.db"`

	// AppID prefixes every cache bucket name owned by this agent.
	AppID string `env:"SHOPSYNC_APP_ID" envDefault:"shopsync"`

	// InitialVersionTag is the version tag installed at startup, before
	// the deployment detector has observed a fingerprint.
	InitialVersionTag string `env:"SHOPSYNC_VERSION_TAG" envDefault:"bootstrap"`

	// UserAgent identifies the agent to the shop backend.
	UserAgent string `env:"SHOPSYNC_USER_AGENT" envDefault:"shopsync-agent/1.0"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"SHOPSYNC_LOG_LEVEL" envDefault:"info"`

	// LogPretty switches from JSON to human-readable console output.
	LogPretty bool `env:"SHOPSYNC_LOG_PRETTY" envDefault:"false"`

	// RequestTimeout bounds every backend request. Exceeding it counts
	// as a network failure for fallback purposes.
	RequestTimeout time.Duration `env:"SHOPSYNC_REQUEST_TIMEOUT" envDefault:"10s"`

	// DrainMaxAttempts is the retry ceiling for one queued action. Past
	// it the action is marked failed and surfaced to the UI.
	DrainMaxAttempts int `env:"SHOPSYNC_DRAIN_MAX_ATTEMPTS" envDefault:"5"`

	// DrainInitialBackoff is the first retry delay for a failed action.
	DrainInitialBackoff time.Duration `env:"SHOPSYNC_DRAIN_INITIAL_BACKOFF" envDefault:"2s"`

	// DrainMaxBackoff caps the exponential retry delay.
	DrainMaxBackoff time.Duration `env:"SHOPSYNC_DRAIN_MAX_BACKOFF" envDefault:"5m"`

	// ProbeMinInterval is the per-probe pacing floor: a deployment probe
	// is evaluated at most once per interval.
	ProbeMinInterval time.Duration `env:"SHOPSYNC_PROBE_MIN_INTERVAL" envDefault:"30s"`

	// CheckMinInterval is the aggregate pacing floor across all probes.
	CheckMinInterval time.Duration `env:"SHOPSYNC_CHECK_MIN_INTERVAL" envDefault:"15s"`

	// CheckTimerInterval is the idle polling interval for deployment
	// checks. Zero disables the timer; event triggers still fire.
	CheckTimerInterval time.Duration `env:"SHOPSYNC_CHECK_TIMER_INTERVAL" envDefault:"5m"`

	// VersionEndpoint is a JSON endpoint whose version field fingerprints
	// the deployment. Empty skips the explicit version probe; the
	// validator and content-hash probes still run.
	VersionEndpoint string `env:"SHOPSYNC_VERSION_ENDPOINT" envDefault:""`

	// HealthProbeInterval is how often the connectivity monitor probes
	// the backend health endpoint. Zero disables background probing.
	HealthProbeInterval time.Duration `env:"SHOPSYNC_HEALTH_PROBE_INTERVAL" envDefault:"30s"`

	// PrecachePaths are the app-shell resources primed during version
	// install. A failure to prime any of them aborts the install.
	PrecachePaths []string `env:"SHOPSYNC_PRECACHE_PATHS" envSeparator:"," envDefault:"/"`

	// OfflinePagePath is the backend path of the HTML page served to
	// navigation requests while offline. Empty uses /offline.html. A
	// backend that does not serve the page still installs; navigations
	// then fail like any other cold read.
	OfflinePagePath string `env:"SHOPSYNC_OFFLINE_PAGE" envDefault:""`

	// ShellPaths are exact request paths classified as app-shell.
	ShellPaths []string `env:"SHOPSYNC_SHELL_PATHS" envSeparator:"," envDefault:"/,/index.html,/manifest.json"`

	// StaticPrefixes are path prefixes classified as static assets.
	StaticPrefixes []string `env:"SHOPSYNC_STATIC_PREFIXES" envSeparator:"," envDefault:"/assets/,/static/,/icons/"`

	// StaticSuffixes are path suffixes classified as static assets.
	StaticSuffixes []string `env:"SHOPSYNC_STATIC_SUFFIXES" envSeparator:"," envDefault:".js,.css,.woff2,.svg,.png,.ico"`

	// APIPrefixes are path prefixes classified as backend api-data.
	APIPrefixes []string `env:"SHOPSYNC_API_PREFIXES" envSeparator:"," envDefault:"/api/"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the env parser cannot express.
func (c Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend url must be http or https, got %q", u.Scheme)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if c.AppID == "" {
		return fmt.Errorf("app id is required")
	}
	if strings.Contains(c.AppID, ":") {
		return fmt.Errorf("app id %q must not contain ':'", c.AppID)
	}

	// The version tag is embedded in bucket names; the separator must
	// stay unambiguous.
	if c.InitialVersionTag == "" {
		return fmt.Errorf("initial version tag is required")
	}
	if strings.ContainsAny(c.InitialVersionTag, "-:") {
		return fmt.Errorf("initial version tag %q must not contain '-' or ':'", c.InitialVersionTag)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive (got %v)", c.RequestTimeout)
	}
	if c.DrainMaxAttempts < 1 {
		return fmt.Errorf("drain max attempts must be >= 1 (got %d)", c.DrainMaxAttempts)
	}
	if c.DrainInitialBackoff <= 0 {
		return fmt.Errorf("drain initial backoff must be positive (got %v)", c.DrainInitialBackoff)
	}
	if c.ProbeMinInterval < 0 || c.CheckMinInterval < 0 {
		return fmt.Errorf("probe intervals must not be negative")
	}
	if len(c.PrecachePaths) == 0 {
		return fmt.Errorf("at least one precache path is required")
	}

	return nil
}
