package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tillware/shopsync-agent/pkg/logging"
)

// Prometheus metrics for deployment detection.
var (
	probeEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_detector_probes_total",
		Help: "Probe evaluations by probe name and result",
	}, []string{"probe", "result"})

	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_detector_checks_total",
		Help: "Aggregate deployment checks by result",
	}, []string{"result"})

	changesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopsync_detector_changes_total",
		Help: "Deployment changes detected",
	})
)

// Change records one detected deployment.
type Change struct {
	// Probe is the name of the probe that saw the new fingerprint.
	Probe string

	// Fingerprint is the new observed value.
	Fingerprint string

	// Previous is the fingerprint the probe remembered before the
	// change. Kept so a failed rollout can be reverted and re-detected.
	Previous string

	// VersionTag is the bucket-safe tag derived from the fingerprint.
	VersionTag string

	DetectedAt time.Time
}

// OnChange handles a detected deployment. Invoked from whichever
// goroutine ran the check.
type OnChange func(ctx context.Context, change *Change)

// Config holds the detector configuration.
type Config struct {
	// ProbeMinInterval is the floor between evaluations of one probe.
	// A probe asked again sooner keeps its remembered fingerprint.
	ProbeMinInterval time.Duration

	// CheckMinInterval is the floor between aggregate checks. Bursts of
	// triggering events (focus plus reconnect) collapse into one check.
	CheckMinInterval time.Duration

	// TimerInterval drives the optional slow background check loop.
	// Zero disables the loop; event-driven checks still work.
	TimerInterval time.Duration

	// OnChange is invoked for a detected deployment.
	OnChange OnChange
}

// DefaultConfig returns a safe default detector configuration.
func DefaultConfig() Config {
	return Config{
		ProbeMinInterval: 30 * time.Second,
		CheckMinInterval: 15 * time.Second,
		TimerInterval:    5 * time.Minute,
	}
}

type probeState struct {
	fingerprint string
	observed    bool
	lastChecked time.Time
}

// Detector evaluates the probe set on demand and on a slow timer.
// Any single probe observing a new fingerprint declares a deployment;
// the first observation of each probe is its baseline, never a change.
// All observation state lives in memory and resets on restart.
type Detector struct {
	probes []Probe
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	states    map[string]*probeState
	lastCheck time.Time

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates a detector over the given probes.
func New(probes []Probe, cfg Config) (*Detector, error) {
	if len(probes) == 0 {
		return nil, fmt.Errorf("at least one probe is required")
	}
	if cfg.ProbeMinInterval <= 0 {
		cfg.ProbeMinInterval = 30 * time.Second
	}
	if cfg.CheckMinInterval <= 0 {
		cfg.CheckMinInterval = 15 * time.Second
	}

	states := make(map[string]*probeState, len(probes))
	for _, p := range probes {
		if _, dup := states[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate probe name %q", p.Name())
		}
		states[p.Name()] = &probeState{}
	}

	return &Detector{
		probes: probes,
		cfg:    cfg,
		logger: logging.NewLogger("detector"),
		states: states,
		now:    time.Now,
	}, nil
}

// Check runs one paced deployment check and returns the detected
// change, or nil. Checks inside the aggregate floor return nil
// immediately; probes inside their own floor keep their remembered
// fingerprint. Probe failures are logged and never count as change.
func (d *Detector) Check(ctx context.Context) (*Change, error) {
	d.mu.Lock()
	now := d.now()
	if !d.lastCheck.IsZero() && now.Sub(d.lastCheck) < d.cfg.CheckMinInterval {
		d.mu.Unlock()
		checksTotal.WithLabelValues("paced").Inc()
		return nil, nil
	}
	d.lastCheck = now
	d.mu.Unlock()

	// Evaluate every due probe even after a hit so one deployment
	// re-baselines all probes in a single pass instead of triggering
	// once per probe.
	var change *Change
	for _, probe := range d.probes {
		observed, previous, isNew := d.evaluate(ctx, probe, now)
		if !isNew || change != nil {
			continue
		}
		change = &Change{
			Probe:       probe.Name(),
			Fingerprint: observed,
			Previous:    previous,
			VersionTag:  TagFromFingerprint(observed),
			DetectedAt:  now,
		}
	}

	if change == nil {
		checksTotal.WithLabelValues("unchanged").Inc()
		return nil, nil
	}

	checksTotal.WithLabelValues("changed").Inc()
	changesDetected.Inc()
	d.logger.Info().
		Str("probe", change.Probe).
		Str("version_tag", change.VersionTag).
		Msg("New deployment detected")
	return change, nil
}

// CheckNow runs Check and routes a detected change to the configured
// handler. Event-driven triggers (focus, reconnect, check-update) and
// the timer loop all come through here.
func (d *Detector) CheckNow(ctx context.Context) error {
	change, err := d.Check(ctx)
	if err != nil {
		return err
	}
	if change != nil && d.cfg.OnChange != nil {
		d.cfg.OnChange(ctx, change)
	}
	return nil
}

// Start runs the slow background check loop until the context ends.
// Returns immediately when no timer interval is configured.
func (d *Detector) Start(ctx context.Context) {
	if d.cfg.TimerInterval <= 0 {
		d.logger.Debug().Msg("Background check loop disabled")
		return
	}

	d.logger.Info().
		Dur("interval", d.cfg.TimerInterval).
		Msg("Starting background deployment checks")

	go func() {
		ticker := time.NewTicker(d.cfg.TimerInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				d.logger.Debug().Msg("Background check loop stopped")
				return
			case <-ticker.C:
				if err := d.CheckNow(ctx); err != nil {
					d.logger.Warn().Err(err).Msg("Background check failed")
				}
			}
		}
	}()
}

// evaluate runs one probe if it is due, updating its remembered state.
// The bool reports whether a new fingerprint replaced a previous one;
// the second string is the replaced value.
func (d *Detector) evaluate(ctx context.Context, probe Probe, now time.Time) (string, string, bool) {
	d.mu.Lock()
	state := d.states[probe.Name()]
	due := state.lastChecked.IsZero() || now.Sub(state.lastChecked) >= d.cfg.ProbeMinInterval
	d.mu.Unlock()

	if !due {
		probeEvaluations.WithLabelValues(probe.Name(), "paced").Inc()
		return "", "", false
	}

	fingerprint, err := probe.Fingerprint(ctx)
	if err != nil {
		probeEvaluations.WithLabelValues(probe.Name(), "error").Inc()
		d.logger.Warn().
			Err(err).
			Str("probe", probe.Name()).
			Msg("Probe failed")
		return "", "", false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	state.lastChecked = now

	if !state.observed {
		state.fingerprint = fingerprint
		state.observed = true
		probeEvaluations.WithLabelValues(probe.Name(), "baseline").Inc()
		d.logger.Debug().
			Str("probe", probe.Name()).
			Msg("Probe baseline recorded")
		return fingerprint, "", false
	}

	if state.fingerprint == fingerprint {
		probeEvaluations.WithLabelValues(probe.Name(), "unchanged").Inc()
		return fingerprint, "", false
	}

	previous := state.fingerprint
	state.fingerprint = fingerprint
	probeEvaluations.WithLabelValues(probe.Name(), "changed").Inc()
	return fingerprint, previous, true
}

// Revert restores a probe's fingerprint to its value before change,
// so a deployment whose rollout failed is detected again on the next
// check. No-op when the probe has observed something newer since.
func (d *Detector) Revert(change *Change) {
	if change == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.states[change.Probe]
	if !ok || state.fingerprint != change.Fingerprint {
		return
	}
	state.fingerprint = change.Previous
	d.logger.Info().
		Str("probe", change.Probe).
		Msg("Reverted fingerprint after failed rollout")
}

// TagFromFingerprint derives a bucket-safe version tag from an opaque
// fingerprint. Hex output keeps the tag free of bucket name
// separators.
func TagFromFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])[:12]
}
