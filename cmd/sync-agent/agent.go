package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tillware/shopsync-agent/pkg/backend"
	"github.com/tillware/shopsync-agent/pkg/bridge"
	"github.com/tillware/shopsync-agent/pkg/cache"
	"github.com/tillware/shopsync-agent/pkg/config"
	"github.com/tillware/shopsync-agent/pkg/connectivity"
	"github.com/tillware/shopsync-agent/pkg/detector"
	"github.com/tillware/shopsync-agent/pkg/lifecycle"
	"github.com/tillware/shopsync-agent/pkg/logging"
	"github.com/tillware/shopsync-agent/pkg/queue"
	"github.com/tillware/shopsync-agent/pkg/strategy"
)

// agent wires the sync services together and serves the HTTP surface:
// the intercepted /app/ proxy, the /agent/ control endpoints, and the
// operational endpoints.
type agent struct {
	cfg    config.Config
	logger zerolog.Logger

	redis      *redis.Client
	store      *cache.Store
	backend    *backend.Client
	queueStore *queue.Store
	monitor    *connectivity.Monitor
	versions   *lifecycle.Manager
	router     *strategy.Router
	drainer    *queue.Drainer
	detector   *detector.Detector
	hub        *bridge.Hub

	// syncRequests coalesces drain triggers; the sync loop owns the
	// actual drain call.
	syncRequests chan struct{}
}

// newAgent constructs every service with its dependencies injected.
func newAgent(cfg config.Config) (*agent, error) {
	a := &agent{
		cfg:          cfg,
		logger:       logging.NewLogger("agent"),
		syncRequests: make(chan struct{}, 1),
	}

	// Step 1: Redis backs the response cache.
	a.redis = redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	a.store = cache.NewStore(a.redis, cfg.AppID)

	// Step 2: backend client, shared by every service that talks to
	// the shop.
	bc, err := backend.New(backend.Config{
		BaseURL:   cfg.BackendURL,
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}
	a.backend = bc

	// Step 3: durable offline queue.
	qs, err := queue.Open(cfg.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("open queue at %s: %w", cfg.QueuePath, err)
	}
	a.queueStore = qs

	// Step 4: connectivity signal.
	connCfg := connectivity.DefaultConfig()
	connCfg.ProbeInterval = cfg.HealthProbeInterval
	a.monitor = connectivity.New(a.backend, connCfg)

	// Step 5: version lifecycle over the cache store.
	lcCfg := lifecycle.DefaultConfig(cfg.AppID)
	lcCfg.PrecachePaths = cfg.PrecachePaths
	lcCfg.FetchTimeout = cfg.RequestTimeout
	if cfg.OfflinePagePath != "" {
		lcCfg.OfflinePagePath = cfg.OfflinePagePath
	}
	versions, err := lifecycle.New(a.store, a.backend, lcCfg)
	if err != nil {
		return nil, fmt.Errorf("create lifecycle manager: %w", err)
	}
	a.versions = versions

	// Step 6: strategy router resolving buckets through the lifecycle
	// manager, so activations redirect reads without router state.
	classifier := strategy.NewClassifier(strategy.ClassifierConfig{
		ShellPaths:     cfg.ShellPaths,
		APIPrefixes:    cfg.APIPrefixes,
		StaticPrefixes: cfg.StaticPrefixes,
		StaticSuffixes: cfg.StaticSuffixes,
	})
	routerCfg := strategy.DefaultConfig()
	if cfg.OfflinePagePath != "" {
		routerCfg.OfflinePagePath = cfg.OfflinePagePath
	}
	router, err := strategy.NewRouter(a.store, a.backend, a.versions, classifier, routerCfg)
	if err != nil {
		return nil, fmt.Errorf("create strategy router: %w", err)
	}
	a.router = router

	// Step 7: drainer replaying the queue against the backend.
	drainer, err := queue.NewDrainer(qs, a.backend, queue.DrainConfig{
		MaxAttempts:       cfg.DrainMaxAttempts,
		InitialBackoff:    cfg.DrainInitialBackoff,
		MaxBackoff:        cfg.DrainMaxBackoff,
		BackoffMultiplier: 2.0,
	})
	if err != nil {
		return nil, fmt.Errorf("create drainer: %w", err)
	}
	a.drainer = drainer

	// Step 8: bridge hub and the deployment detector. Detected changes
	// roll out through the lifecycle manager.
	a.hub = bridge.NewHub(16)

	probes := []detector.Probe{
		detector.NewValidatorProbe(a.backend, "/"),
		detector.NewContentHashProbe(a.backend, "/"),
	}
	if cfg.VersionEndpoint != "" {
		probes = append(probes, detector.NewVersionProbe(a.backend, cfg.VersionEndpoint, ""))
	}
	det, err := detector.New(probes, detector.Config{
		ProbeMinInterval: cfg.ProbeMinInterval,
		CheckMinInterval: cfg.CheckMinInterval,
		TimerInterval:    cfg.CheckTimerInterval,
		OnChange:         a.rollout,
	})
	if err != nil {
		return nil, fmt.Errorf("create detector: %w", err)
	}
	a.detector = det

	a.registerCommands()
	return a, nil
}

// Run serves until the context is canceled, then shuts down gracefully.
func (a *agent) Run(ctx context.Context) error {
	// Step 1: prime and activate the initial version. Not fatal: a cold
	// agent behind an unreachable backend retries on reconnect.
	a.bootstrapVersion(ctx)

	// Step 2: background services.
	a.monitor.Start(ctx)
	a.detector.Start(ctx)
	go a.runSyncLoop(ctx)

	// Replay anything left queued by a previous run.
	a.requestSync()

	// Step 3: HTTP surface.
	srv := &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: a.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().
			Str("addr", a.cfg.ListenAddr).
			Str("backend", a.cfg.BackendURL).
			Msg("Agent listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases the storage handles.
func (a *agent) Close() {
	if err := a.queueStore.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Queue close failed")
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Redis close failed")
	}
}

func (a *agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/app/", a.appHandler)
	mux.HandleFunc("/agent/command", a.hub.CommandHandler())
	mux.HandleFunc("/agent/events", a.hub.EventsHandler())
	mux.HandleFunc("/agent/status", a.statusHandler)
	mux.HandleFunc("/agent/queue", a.queueHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", a.readyHandler)
	return mux
}

// bootstrapVersion primes and activates the configured initial version.
func (a *agent) bootstrapVersion(ctx context.Context) {
	tag := a.cfg.InitialVersionTag
	if err := a.versions.Install(ctx, tag); err != nil {
		a.logger.Warn().
			Err(err).
			Str("version_tag", tag).
			Msg("Initial install failed, serving unprimed until reconnect")
		return
	}
	if err := a.versions.Activate(ctx, tag); err != nil {
		a.logger.Warn().Err(err).Str("version_tag", tag).Msg("Initial activation failed")
		return
	}
	a.logger.Info().Str("version_tag", tag).Msg("Initial version active")
}

// registerCommands binds the bridge commands to their services.
func (a *agent) registerCommands() {
	a.hub.Handle(bridge.CommandForceRefresh, func(ctx context.Context) error {
		if err := a.versions.Refresh(ctx); err != nil {
			return err
		}
		tag := a.versions.ActiveTag()
		a.hub.Publish(bridge.Event{Type: bridge.StatusCacheCleared, VersionTag: tag})
		a.hub.Publish(bridge.Event{Type: bridge.StatusReload, VersionTag: tag})
		return nil
	})

	a.hub.Handle(bridge.CommandClearQueue, func(ctx context.Context) error {
		removed, err := a.queueStore.Clear(ctx)
		if err != nil {
			return err
		}
		a.logger.Info().Int64("removed", removed).Msg("Queue cleared")
		a.hub.PublishQueueLength(0)
		return nil
	})

	a.hub.Handle(bridge.CommandRequestSync, func(ctx context.Context) error {
		a.requestSync()
		return nil
	})

	a.hub.Handle(bridge.CommandCheckUpdate, func(ctx context.Context) error {
		return a.detector.CheckNow(ctx)
	})
}

// requestSync schedules a drain. A trigger arriving while one is
// already scheduled is dropped; the drain reads the whole queue anyway.
func (a *agent) requestSync() {
	select {
	case a.syncRequests <- struct{}{}:
	default:
	}
}

// runSyncLoop owns all drain calls. Reconnects, explicit sync requests
// and backoff retries funnel through here, and the drainer's
// single-flight guard drops whatever still overlaps.
func (a *agent) runSyncLoop(ctx context.Context) {
	online, cancel := a.monitor.Subscribe()
	defer cancel()

	retry := time.NewTimer(0)
	if !retry.Stop() {
		<-retry.C
	}
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case isOnline, ok := <-online:
			if !ok {
				return
			}
			if !isOnline {
				continue
			}
			// Back online: replay the queue and look for deployments
			// that happened while unreachable.
			if a.versions.ActiveTag() == "" {
				a.bootstrapVersion(ctx)
			}
			a.drain(ctx, retry)
			if err := a.detector.CheckNow(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("Deployment check failed")
			}
		case <-a.syncRequests:
			a.drain(ctx, retry)
		case <-retry.C:
			a.drain(ctx, retry)
		}
	}
}

// drain runs one replay pass and publishes its outcome to the bridge.
func (a *agent) drain(ctx context.Context, retry *time.Timer) {
	if !a.monitor.IsOnline() {
		a.logger.Debug().Msg("Skipping drain while offline")
		return
	}

	a.publishSyncState(ctx, true)
	result, err := a.drainer.Drain(ctx)
	a.publishSyncState(ctx, false)

	if err != nil {
		if !errors.Is(err, queue.ErrDrainInProgress) {
			a.logger.Error().Err(err).Msg("Drain failed")
		}
		return
	}

	for _, action := range result.FailedActions {
		a.hub.Publish(bridge.Event{
			Type:       bridge.StatusActionFailed,
			SequenceID: action.SequenceID,
			Error:      action.LastError,
		})
	}
	a.publishQueueLength(ctx)

	if result.Deferred > 0 {
		// The head is in backoff; wake when its deadline passes instead
		// of polling on the initial backoff.
		wait := a.cfg.DrainInitialBackoff
		if !result.NextAttemptAt.IsZero() {
			wait = time.Until(result.NextAttemptAt)
			if wait < 100*time.Millisecond {
				wait = 100 * time.Millisecond
			}
		}
		retry.Reset(wait)
	}
}

func (a *agent) publishSyncState(ctx context.Context, inProgress bool) {
	n, err := a.queueStore.Length(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Queue length lookup failed")
	}
	a.hub.Publish(bridge.Event{
		Type:           bridge.StatusSyncInProgress,
		SyncInProgress: inProgress,
		QueueLength:    n,
	})
}

func (a *agent) publishQueueLength(ctx context.Context) {
	n, err := a.queueStore.Length(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Queue length lookup failed")
		return
	}
	a.hub.PublishQueueLength(n)
}

// rollout installs and activates a detected deployment, then tells the
// UI to reload. A failed rollout reverts the detector baseline so the
// deployment is picked up again.
func (a *agent) rollout(ctx context.Context, change *detector.Change) {
	logger := a.logger.With().
		Str("version_tag", change.VersionTag).
		Str("probe", change.Probe).
		Logger()
	logger.Info().Msg("Rolling out detected deployment")

	if err := a.versions.Install(ctx, change.VersionTag); err != nil {
		logger.Error().Err(err).Msg("Install failed, rollout postponed")
		a.detector.Revert(change)
		return
	}
	if err := a.versions.Activate(ctx, change.VersionTag); err != nil {
		logger.Error().Err(err).Msg("Activation failed, rollout postponed")
		a.detector.Revert(change)
		return
	}

	a.hub.Publish(bridge.Event{Type: bridge.StatusReload, VersionTag: change.VersionTag})
	logger.Info().Msg("Deployment active")
}

// appHandler is the intercepted proxy. The /app prefix is stripped, so
// /app/api/articles?page=2 reaches the backend as /api/articles?page=2.
func (a *agent) appHandler(w http.ResponseWriter, r *http.Request) {
	proxied := r.Clone(r.Context())
	proxied.URL.Path = strings.TrimPrefix(r.URL.Path, "/app")
	if proxied.URL.Path == "" {
		proxied.URL.Path = "/"
	}
	proxied.RequestURI = ""

	switch r.Method {
	case http.MethodGet:
		a.serveRead(w, proxied)
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		a.serveWrite(w, proxied)
	default:
		a.servePassthrough(w, proxied)
	}
}

// serveRead serves a GET through the strategy router.
func (a *agent) serveRead(w http.ResponseWriter, r *http.Request) {
	resp, err := a.router.Serve(r)
	if errors.Is(err, strategy.ErrBypass) {
		a.servePassthrough(w, r)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("backend request failed: %v", err), http.StatusBadGateway)
		return
	}
	copyResponse(w, resp)
}

// serveWrite captures the mutation durably before attempting it, so a
// connection loss mid-request can never drop a write.
func (a *agent) serveWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read request body: %v", err), http.StatusBadRequest)
		return
	}

	endpoint := r.URL.Path
	if r.URL.RawQuery != "" {
		endpoint += "?" + r.URL.RawQuery
	}

	ctx := r.Context()

	// Older queued writes must replay first. A direct attempt now would
	// overtake them and break same-entity ordering.
	depth, err := a.queueStore.Length(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Queue length lookup failed")
	}

	defer a.publishQueueLength(context.Background())

	if !a.monitor.IsOnline() || depth > 0 {
		seq, err := a.queueStore.Enqueue(ctx, r.Method, endpoint, r.Header.Clone(), body)
		if err != nil {
			http.Error(w, fmt.Sprintf("capture write: %v", err), http.StatusInternalServerError)
			return
		}
		if depth > 0 {
			a.requestSync()
		}
		a.writeQueuedReceipt(w, seq)
		return
	}

	// The capture is still durable before the direct attempt, but as a
	// speculative row the sync loop cannot see: a drain fired during
	// the attempt would otherwise replay the row while the direct send
	// is in flight and deliver the write twice.
	seq, err := a.queueStore.EnqueueSpeculative(ctx, r.Method, endpoint, r.Header.Clone(), body)
	if err != nil {
		http.Error(w, fmt.Sprintf("capture write: %v", err), http.StatusInternalServerError)
		return
	}

	resp, err := a.backend.Send(ctx, r.Method, endpoint, r.Header.Clone(), body)
	if err != nil {
		// Transport failure: the captured copy is now the write.
		if perr := a.queueStore.Promote(context.Background(), seq); perr != nil {
			a.logger.Error().Err(perr).Int64("sequence_id", seq).Msg("Speculative row promotion failed")
		}
		a.monitor.SetOnline(false)
		a.logger.Info().
			Int64("sequence_id", seq).
			Str("endpoint", endpoint).
			Msg("Write captured offline")
		a.writeQueuedReceipt(w, seq)
		return
	}

	// The backend answered. Whatever the status, the speculative row is
	// obsolete: replaying it would duplicate the request.
	removed, err := a.queueStore.Commit(context.Background(), seq)
	if err != nil {
		a.logger.Warn().Err(err).Int64("sequence_id", seq).Msg("Speculative row removal failed")
	} else if !removed {
		a.logger.Error().
			Int64("sequence_id", seq).
			Str("endpoint", endpoint).
			Msg("Speculative row no longer present, write may reach the backend twice")
	}
	copyResponse(w, resp)
}

// servePassthrough forwards a request without cache involvement.
func (a *agent) servePassthrough(w http.ResponseWriter, r *http.Request) {
	resp, err := a.backend.Forward(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("backend request failed: %v", err), http.StatusBadGateway)
		return
	}
	copyResponse(w, resp)
}

// queuedReceipt is the 202 payload for a write parked in the queue.
type queuedReceipt struct {
	Queued     bool  `json:"queued"`
	SequenceID int64 `json:"sequence_id"`
}

func (a *agent) writeQueuedReceipt(w http.ResponseWriter, seq int64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(queuedReceipt{Queued: true, SequenceID: seq})
}

// statusHandler serves the SessionState snapshot, recomputed per
// request from the live services.
func (a *agent) statusHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.queueStore.Length(r.Context())
	if err != nil {
		a.logger.Warn().Err(err).Msg("Queue length lookup failed")
	}

	state := bridge.SessionState{
		Online:         a.monitor.IsOnline(),
		SyncInProgress: a.drainer.Draining(),
		QueueLength:    n,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

// queueItem is the JSON view of a queued action. Bodies and headers
// stay private to the agent.
type queueItem struct {
	SequenceID   int64     `json:"sequence_id"`
	Method       string    `json:"method"`
	Endpoint     string    `json:"endpoint"`
	Status       string    `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (a *agent) queueHandler(w http.ResponseWriter, r *http.Request) {
	pending, err := a.queueStore.Pending(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list queue: %v", err), http.StatusInternalServerError)
		return
	}
	failed, err := a.queueStore.Failed(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list queue: %v", err), http.StatusInternalServerError)
		return
	}

	out := struct {
		Pending []queueItem `json:"pending"`
		Failed  []queueItem `json:"failed"`
	}{
		Pending: toQueueItems(pending),
		Failed:  toQueueItems(failed),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func toQueueItems(actions []queue.Action) []queueItem {
	items := make([]queueItem, 0, len(actions))
	for _, action := range actions {
		items = append(items, queueItem{
			SequenceID:   action.SequenceID,
			Method:       action.Method,
			Endpoint:     action.Endpoint,
			Status:       string(action.Status),
			AttemptCount: action.AttemptCount,
			LastError:    action.LastError,
			CreatedAt:    action.CreatedAt,
		})
	}
	return items
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (a *agent) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.redis.Ping(r.Context()).Err(); err != nil {
		http.Error(w, fmt.Sprintf("redis not ready: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
