// Package lifecycle manages versioned bucket sets: installing the
// buckets of a new deployment, priming the shell, and atomically
// swapping which version serves reads.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tillware/shopsync-agent/pkg/cache"
	"github.com/tillware/shopsync-agent/pkg/logging"
)

// Prometheus metrics for version lifecycle operations.
var (
	installsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_version_installs_total",
		Help: "Version installs by result",
	}, []string{"result"})

	activationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopsync_version_activations_total",
		Help: "Version activations (idempotent re-activations excluded)",
	})

	staleBucketCleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_stale_bucket_cleanups_total",
		Help: "Stale bucket deletions after activation by result",
	}, []string{"result"})
)

// State is the lifecycle position of an installed version.
type State string

const (
	// StateInstalling means bucket creation and shell priming are in
	// progress.
	StateInstalling State = "installing"

	// StateInstalledWaiting means the version is fully primed and ready
	// to activate.
	StateInstalledWaiting State = "installed-waiting"

	// StateActivating means the serving switch to this version is in
	// progress.
	StateActivating State = "activating"

	// StateActive means reads are served from this version's buckets.
	StateActive State = "active"

	// StateSuperseded means a later version took over; the buckets are
	// garbage.
	StateSuperseded State = "superseded"
)

var (
	// ErrNotInstalled indicates an activation of a version that never
	// completed its install.
	ErrNotInstalled = errors.New("version not installed")

	// ErrNoActiveVersion indicates an operation that needs an active
	// version before any activation happened.
	ErrNoActiveVersion = errors.New("no active version")
)

// Config holds the lifecycle manager configuration.
type Config struct {
	// AppID is the application identifier embedded in bucket names.
	AppID string

	// PrecachePaths are the shell documents primed during install.
	PrecachePaths []string

	// OfflinePagePath is the reserved offline page primed into the
	// offline-fallback bucket. Empty skips it.
	OfflinePagePath string

	// MaxConcurrency bounds parallel precache fetches.
	MaxConcurrency int

	// FetchTimeout bounds each precache fetch.
	FetchTimeout time.Duration
}

// DefaultConfig returns a safe default lifecycle configuration.
func DefaultConfig(appID string) Config {
	return Config{
		AppID:           appID,
		PrecachePaths:   []string{"/"},
		OfflinePagePath: "/offline.html",
		MaxConcurrency:  4,
		FetchTimeout:    15 * time.Second,
	}
}

// Manager owns the version lifecycle. The strategy router resolves
// buckets through it, so an activation redirects reads without the
// router noticing.
type Manager struct {
	store   *cache.Store
	fetcher Fetcher
	cfg     Config
	logger  zerolog.Logger

	mu        sync.RWMutex
	activeTag string
	states    map[string]State
}

// New creates a lifecycle manager.
func New(store *cache.Store, fetcher Fetcher, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.AppID == "" {
		return nil, fmt.Errorf("app id is required")
	}
	if len(cfg.PrecachePaths) == 0 {
		cfg.PrecachePaths = []string{"/"}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}

	return &Manager{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logging.NewLogger("lifecycle"),
	}, nil
}

// Install creates the bucket set for a version and primes the shell.
// Any priming failure aborts the install: partial buckets are removed
// and the version never becomes activatable.
func (m *Manager) Install(ctx context.Context, versionTag string) error {
	if err := (cache.Bucket{AppID: m.cfg.AppID, VersionTag: versionTag, Purpose: cache.PurposeAppShell}).Validate(); err != nil {
		return err
	}

	m.setState(versionTag, StateInstalling)
	m.logger.Info().
		Str("version_tag", versionTag).
		Msg("Installing version")

	if err := m.ensureAndPrime(ctx, versionTag); err != nil {
		installsTotal.WithLabelValues("error").Inc()
		m.clearState(versionTag)
		m.cleanupVersion(context.Background(), versionTag)
		return fmt.Errorf("install version %s: %w", versionTag, err)
	}

	m.setState(versionTag, StateInstalledWaiting)
	installsTotal.WithLabelValues("ok").Inc()
	m.logger.Info().
		Str("version_tag", versionTag).
		Msg("Version installed, waiting for activation")
	return nil
}

// Activate makes a previously installed version the serving one, then
// removes every bucket of other versions as a best-effort batch.
// Re-activating the active version is a no-op.
func (m *Manager) Activate(ctx context.Context, versionTag string) error {
	m.mu.Lock()
	if versionTag != "" && m.activeTag == versionTag {
		// A re-install of the serving tag parks its state in
		// installed-waiting; the no-op re-activation restores it.
		m.states[versionTag] = StateActive
		m.mu.Unlock()
		m.logger.Debug().
			Str("version_tag", versionTag).
			Msg("Version already active")
		return nil
	}

	switch m.states[versionTag] {
	case StateInstalledWaiting, StateActivating:
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInstalled, versionTag)
	}

	m.states[versionTag] = StateActivating
	previous := m.activeTag
	m.activeTag = versionTag
	m.states[versionTag] = StateActive
	if previous != "" {
		m.states[previous] = StateSuperseded
	}
	m.mu.Unlock()

	activationsTotal.Inc()
	m.logger.Info().
		Str("version_tag", versionTag).
		Str("previous", previous).
		Msg("Version activated")

	m.deleteStaleBuckets(ctx, versionTag)
	return nil
}

// Refresh discards every bucket and re-primes the active version under
// its current tag. Used by the force-refresh command.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	tag := m.activeTag
	m.mu.RUnlock()

	if tag == "" {
		return ErrNoActiveVersion
	}

	m.logger.Info().
		Str("version_tag", tag).
		Msg("Forced refresh: discarding all buckets")

	names, err := m.store.BucketNames(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	for _, name := range names {
		if err := m.store.DeleteBucketName(ctx, name); err != nil {
			m.logger.Warn().
				Err(err).
				Str("bucket", name).
				Msg("Failed to delete bucket during refresh")
		}
	}

	if err := m.ensureAndPrime(ctx, tag); err != nil {
		return fmt.Errorf("re-prime version %s: %w", tag, err)
	}
	return nil
}

// Bucket resolves the live bucket for a purpose. Before the first
// activation the returned bucket carries an empty version tag and
// will not validate; callers activate before serving.
func (m *Manager) Bucket(purpose cache.Purpose) cache.Bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cache.Bucket{AppID: m.cfg.AppID, VersionTag: m.activeTag, Purpose: purpose}
}

// ActiveTag returns the serving version tag, empty before the first
// activation.
func (m *Manager) ActiveTag() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeTag
}

// VersionState returns the lifecycle state of a version, empty for
// unknown versions.
func (m *Manager) VersionState(versionTag string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[versionTag]
}

// ensureAndPrime creates the five buckets of a version and primes the
// shell and offline page.
func (m *Manager) ensureAndPrime(ctx context.Context, versionTag string) error {
	for _, bucket := range cache.BucketsFor(m.cfg.AppID, versionTag) {
		if err := m.store.EnsureBucket(ctx, bucket); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", bucket.Name(), err)
		}
	}
	return m.precache(ctx, versionTag)
}

// deleteStaleBuckets removes every bucket not belonging to the active
// version. Per-bucket failures are logged and do not stop the batch;
// leftovers are retried on the next activation.
func (m *Manager) deleteStaleBuckets(ctx context.Context, activeTag string) {
	names, err := m.store.BucketNames(ctx)
	if err != nil {
		staleBucketCleanups.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Msg("Failed to list buckets for cleanup")
		return
	}

	keep := cache.VersionPrefix(m.cfg.AppID, activeTag)
	for _, name := range names {
		if strings.HasPrefix(name, keep) {
			continue
		}
		if err := m.store.DeleteBucketName(ctx, name); err != nil {
			staleBucketCleanups.WithLabelValues("error").Inc()
			m.logger.Warn().
				Err(err).
				Str("bucket", name).
				Msg("Failed to delete stale bucket")
			continue
		}
		staleBucketCleanups.WithLabelValues("ok").Inc()
		m.logger.Debug().
			Str("bucket", name).
			Msg("Deleted stale bucket")
	}
}

// cleanupVersion removes the buckets of an aborted install.
func (m *Manager) cleanupVersion(ctx context.Context, versionTag string) {
	for _, bucket := range cache.BucketsFor(m.cfg.AppID, versionTag) {
		if err := m.store.DeleteBucket(ctx, bucket); err != nil {
			m.logger.Debug().
				Err(err).
				Str("bucket", bucket.Name()).
				Msg("Cleanup of aborted install failed")
		}
	}
}

func (m *Manager) setState(versionTag string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string]State)
	}
	m.states[versionTag] = state
}

func (m *Manager) clearState(versionTag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, versionTag)
}
