package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tillware/shopsync-agent/pkg/backend"
	"github.com/tillware/shopsync-agent/pkg/cache"
)

var precachedPaths = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shopsync_precached_paths_total",
	Help: "Shell paths fetched during install priming by result",
}, []string{"result"})

// Fetcher forwards a priming request to the backend.
// backend.Client satisfies this.
type Fetcher interface {
	Forward(req *http.Request) (*http.Response, error)
}

// primeTarget is one path to fetch and the bucket it lands in.
// Optional targets may fail without aborting the install.
type primeTarget struct {
	path     string
	bucket   cache.Bucket
	optional bool
}

// precache fills the app-shell bucket from the precache manifest and
// the offline-fallback bucket with the reserved offline page, using a
// bounded worker pool. The first failure aborts the whole prime.
func (m *Manager) precache(ctx context.Context, versionTag string) error {
	targets := make([]primeTarget, 0, len(m.cfg.PrecachePaths)+1)

	shellBucket := cache.Bucket{AppID: m.cfg.AppID, VersionTag: versionTag, Purpose: cache.PurposeAppShell}
	for _, path := range m.cfg.PrecachePaths {
		targets = append(targets, primeTarget{path: path, bucket: shellBucket})
	}
	// The offline page is an enhancement: a backend that does not serve
	// one still gets a fully offline-capable shell.
	if m.cfg.OfflinePagePath != "" {
		targets = append(targets, primeTarget{
			path:     m.cfg.OfflinePagePath,
			bucket:   cache.Bucket{AppID: m.cfg.AppID, VersionTag: versionTag, Purpose: cache.PurposeOfflineFallback},
			optional: true,
		})
	}

	start := time.Now()
	m.logger.Info().
		Str("version_tag", versionTag).
		Int("paths", len(targets)).
		Msg("Priming shell buckets")

	queue := make(chan primeTarget, len(targets))
	for _, t := range targets {
		queue <- t
	}
	close(queue)

	workers := m.cfg.MaxConcurrency
	if workers > len(targets) {
		workers = len(targets)
	}

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go m.primeWorker(ctx, queue, errs, &wg)
	}
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return err
	}

	m.logger.Info().
		Str("version_tag", versionTag).
		Int("paths", len(targets)).
		Dur("duration", time.Since(start)).
		Msg("Shell priming complete")
	return nil
}

// primeWorker fetches and stores targets from the queue. On failure it
// reports the error and stops; remaining targets are irrelevant since
// the install aborts anyway.
func (m *Manager) primeWorker(ctx context.Context, queue <-chan primeTarget, errs chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()

	for target := range queue {
		select {
		case <-ctx.Done():
			select {
			case errs <- ctx.Err():
			default:
			}
			return
		default:
		}

		if err := m.primeOne(ctx, target); err != nil {
			if target.optional {
				precachedPaths.WithLabelValues("skipped").Inc()
				m.logger.Warn().
					Err(err).
					Str("path", target.path).
					Msg("Optional priming target skipped")
				continue
			}
			precachedPaths.WithLabelValues("error").Inc()
			m.logger.Warn().
				Err(err).
				Str("path", target.path).
				Msg("Shell priming failed")
			select {
			case errs <- err:
			default:
			}
			return
		}
		precachedPaths.WithLabelValues("ok").Inc()
	}
}

// primeOne fetches one path and stores it in its bucket. Unlike
// runtime serving, priming requires the store write to succeed.
func (m *Manager) primeOne(ctx context.Context, target primeTarget) error {
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target.path, nil)
	if err != nil {
		return fmt.Errorf("build priming request for %s: %w", target.path, err)
	}

	resp, err := m.fetcher.Forward(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target.path, err)
	}
	defer resp.Body.Close()

	if !backend.IsSuccess(resp) {
		return fmt.Errorf("fetch %s: backend returned status %d", target.path, resp.StatusCode)
	}

	entry, err := cache.ResponseToEntry(resp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("read %s: %w", target.path, err)
	}

	if err := m.store.Set(ctx, target.bucket, cache.NewKey(req, nil), entry); err != nil {
		return fmt.Errorf("store %s: %w", target.path, err)
	}
	return nil
}
