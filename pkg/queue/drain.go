package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tillware/shopsync-agent/pkg/backend"
	"github.com/tillware/shopsync-agent/pkg/logging"
)

// Prometheus metrics for queue drains.
var (
	drainsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_drains_total",
		Help: "Total drain runs by outcome",
	}, []string{"outcome"})

	drainActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_drain_actions_total",
		Help: "Total actions processed during drains by result",
	}, []string{"result"})

	drainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shopsync_drain_duration_seconds",
		Help:    "Duration of drain runs in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	drainBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shopsync_drain_backoff_seconds",
		Help:    "Backoff applied after retryable replay failures",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	drainActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shopsync_drain_active",
		Help: "Whether a drain is currently running (1) or not (0)",
	})
)

// ErrDrainInProgress indicates a drain was requested while another is
// still running. Only one drain runs at a time.
var ErrDrainInProgress = errors.New("drain already in progress")

// Sender replays a captured request against the backend.
// backend.Client satisfies this.
type Sender interface {
	Send(ctx context.Context, method, endpoint string, header http.Header, body []byte) (*http.Response, error)
}

// DrainConfig holds the replay retry configuration.
type DrainConfig struct {
	// MaxAttempts is the replay ceiling per action (including the first
	// attempt). An action reaching it is marked failed.
	MaxAttempts int

	// InitialBackoff is the delay after the first retryable failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64
}

// DefaultDrainConfig returns the default replay retry configuration.
func DefaultDrainConfig() DrainConfig {
	return DrainConfig{
		MaxAttempts:       5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// DrainResult summarizes one drain run.
type DrainResult struct {
	// Attempted counts actions the drain tried to replay.
	Attempted int

	// Completed counts actions accepted by the backend and removed.
	Completed int

	// Failed counts actions marked failed (rejected or retry ceiling).
	Failed int

	// Deferred counts actions left queued because the drain stopped at
	// a retryable failure or a backoff deadline.
	Deferred int

	// FailedActions are the actions marked failed during this run, for
	// surfacing to the user.
	FailedActions []Action

	// NextAttemptAt is the backoff deadline of the queue head when the
	// drain stopped at one, zero when nothing waits on backoff. Callers
	// schedule the next drain against it instead of polling.
	NextAttemptAt time.Time
}

// Drainer replays queued actions against the backend in capture
// order. Replay stops at the first retryable failure so an action can
// never complete before one captured earlier.
type Drainer struct {
	store  *Store
	sender Sender
	cfg    DrainConfig
	logger zerolog.Logger

	draining atomic.Bool
}

// NewDrainer creates a drainer over the given store and sender.
func NewDrainer(store *Store, sender Sender, cfg DrainConfig) (*Drainer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1 (got %d)", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff <= 0 || cfg.MaxBackoff < cfg.InitialBackoff {
		return nil, fmt.Errorf("invalid backoff range %v..%v", cfg.InitialBackoff, cfg.MaxBackoff)
	}
	if cfg.BackoffMultiplier < 1 {
		return nil, fmt.Errorf("backoff multiplier must be at least 1 (got %v)", cfg.BackoffMultiplier)
	}

	return &Drainer{
		store:  store,
		sender: sender,
		cfg:    cfg,
		logger: logging.NewLogger("drainer"),
	}, nil
}

// Draining reports whether a drain is currently running.
func (d *Drainer) Draining() bool {
	return d.draining.Load()
}

// Drain replays queued actions until the queue is empty, the head
// action's backoff deadline is in the future, or the context is
// cancelled. Concurrent calls return ErrDrainInProgress.
func (d *Drainer) Drain(ctx context.Context) (*DrainResult, error) {
	if !d.draining.CompareAndSwap(false, true) {
		return nil, ErrDrainInProgress
	}
	defer d.draining.Store(false)

	drainActive.Set(1)
	defer drainActive.Set(0)

	start := time.Now()
	defer func() {
		drainDuration.Observe(time.Since(start).Seconds())
	}()

	result := &DrainResult{}
	d.logger.Info().Msg("Drain started")

	for {
		if err := ctx.Err(); err != nil {
			drainsTotal.WithLabelValues("interrupted").Inc()
			d.countRemaining(ctx, result)
			return result, fmt.Errorf("drain interrupted: %w", err)
		}

		head, err := d.store.NextPending(ctx)
		if err != nil {
			drainsTotal.WithLabelValues("error").Inc()
			return result, err
		}
		if head == nil {
			break
		}

		// Replay never skips the head: a deferred head ends the run so
		// later actions cannot overtake it.
		if wait := time.Until(head.NextAttemptAt); wait > 0 {
			d.logger.Debug().
				Int64("sequence_id", head.SequenceID).
				Dur("wait", wait).
				Msg("Queue head in backoff, stopping drain")
			drainsTotal.WithLabelValues("deferred").Inc()
			result.NextAttemptAt = head.NextAttemptAt
			d.countRemaining(ctx, result)
			d.logResult(result, time.Since(start))
			return result, nil
		}

		stop, err := d.replay(ctx, head, result)
		if err != nil {
			drainsTotal.WithLabelValues("error").Inc()
			return result, err
		}
		if stop {
			drainsTotal.WithLabelValues("deferred").Inc()
			d.countRemaining(ctx, result)
			d.logResult(result, time.Since(start))
			return result, nil
		}
	}

	drainsTotal.WithLabelValues("completed").Inc()
	d.logResult(result, time.Since(start))
	return result, nil
}

// replay attempts one action. The returned bool is true when the drain
// must stop (retryable failure put the head into backoff).
func (d *Drainer) replay(ctx context.Context, action *Action, result *DrainResult) (bool, error) {
	if err := d.store.MarkInFlight(ctx, action.SequenceID); err != nil {
		return false, err
	}
	result.Attempted++

	resp, err := d.sender.Send(ctx, action.Method, action.Endpoint, action.Header, action.Body)
	if err != nil {
		// Network-class failure: the backend may be unreachable again.
		return d.deferOrFail(ctx, action, result, err.Error())
	}
	defer resp.Body.Close()

	if backend.IsSuccess(resp) {
		if err := d.store.Complete(ctx, action.SequenceID); err != nil {
			return false, err
		}
		drainActionsTotal.WithLabelValues("completed").Inc()
		result.Completed++
		d.logger.Info().
			Int64("sequence_id", action.SequenceID).
			Str("method", action.Method).
			Str("endpoint", action.Endpoint).
			Int("attempt", action.AttemptCount+1).
			Msg("Action replayed")
		return false, nil
	}

	reason := replayErrorMessage(resp)

	if backend.RetryableStatus(resp.StatusCode) {
		return d.deferOrFail(ctx, action, result, reason)
	}

	// Client-class rejection: the backend understood the request and
	// refused it. Retrying cannot change the outcome, so the action is
	// surfaced and replay continues with the next one.
	return false, d.fail(ctx, action, result, reason)
}

// deferOrFail handles a retryable failure: the action goes back to
// pending with a backoff deadline, or to failed once the attempt
// ceiling is reached. Only the backoff case stops the drain.
func (d *Drainer) deferOrFail(ctx context.Context, action *Action, result *DrainResult, reason string) (bool, error) {
	attempts := action.AttemptCount + 1
	if attempts >= d.cfg.MaxAttempts {
		return false, d.fail(ctx, action, result, fmt.Sprintf("retries exhausted after %d attempts: %s", attempts, reason))
	}

	backoff := d.backoffFor(attempts)
	drainBackoffSeconds.Observe(backoff.Seconds())

	nextAttempt := time.Now().Add(backoff)
	if err := d.store.Defer(ctx, action.SequenceID, attempts, reason, nextAttempt); err != nil {
		return false, err
	}
	result.NextAttemptAt = nextAttempt
	drainActionsTotal.WithLabelValues("deferred").Inc()

	d.logger.Warn().
		Int64("sequence_id", action.SequenceID).
		Str("endpoint", action.Endpoint).
		Int("attempt", attempts).
		Dur("backoff", backoff).
		Str("reason", reason).
		Msg("Replay failed, backing off")
	return true, nil
}

func (d *Drainer) fail(ctx context.Context, action *Action, result *DrainResult, reason string) error {
	if err := d.store.MarkFailed(ctx, action.SequenceID, reason); err != nil {
		return err
	}
	drainActionsTotal.WithLabelValues("failed").Inc()

	failed := *action
	failed.Status = StatusFailed
	failed.LastError = reason
	result.Failed++
	result.FailedActions = append(result.FailedActions, failed)

	d.logger.Error().
		Int64("sequence_id", action.SequenceID).
		Str("method", action.Method).
		Str("endpoint", action.Endpoint).
		Str("reason", reason).
		Msg("Action failed permanently")
	return nil
}

// backoffFor computes the exponential backoff for the given attempt
// count with ±20% jitter.
func (d *Drainer) backoffFor(attempts int) time.Duration {
	backoff := d.cfg.InitialBackoff
	for i := 1; i < attempts; i++ {
		backoff = time.Duration(float64(backoff) * d.cfg.BackoffMultiplier)
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
			break
		}
	}
	return time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
}

func (d *Drainer) countRemaining(ctx context.Context, result *DrainResult) {
	if n, err := d.store.Length(ctx); err == nil {
		result.Deferred = n
	}
}

func (d *Drainer) logResult(result *DrainResult, elapsed time.Duration) {
	d.logger.Info().
		Int("attempted", result.Attempted).
		Int("completed", result.Completed).
		Int("failed", result.Failed).
		Int("deferred", result.Deferred).
		Dur("duration", elapsed).
		Msg("Drain finished")
}

// replayErrorMessage builds a short failure description from an error
// response, including a bounded body excerpt when present.
func replayErrorMessage(resp *http.Response) string {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	msg := fmt.Sprintf("backend returned status %d", resp.StatusCode)
	if trimmed := strings.TrimSpace(string(excerpt)); trimmed != "" {
		msg = fmt.Sprintf("%s: %s", msg, trimmed)
	}
	return msg
}
