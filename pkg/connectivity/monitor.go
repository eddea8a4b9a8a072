// Package connectivity tracks whether the shop backend is reachable and
// notifies subscribers about transitions.
//
// Connectivity has two signal sources: the hosting UI reports what the
// browser observes (SetOnline), and an optional background probe checks
// the backend health endpoint directly. Both funnel into one boolean;
// subscribers only hear about actual transitions.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for connectivity tracking.
var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shopsync_online",
		Help: "Whether the backend is currently considered reachable (1) or not (0)",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_connectivity_transitions_total",
		Help: "Total connectivity transitions by new state",
	}, []string{"state"}) // "online", "offline"
)

// Prober issues the health check request. Implemented by backend.Client.
type Prober interface {
	Get(ctx context.Context, endpoint string) (*http.Response, error)
}

// Config holds the monitor configuration.
type Config struct {
	// HealthEndpoint is probed to confirm reachability.
	HealthEndpoint string

	// ProbeInterval is the background probe period. Zero disables the
	// probe loop; the monitor then relies on SetOnline alone.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single health check.
	ProbeTimeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		HealthEndpoint: "/health",
		ProbeInterval:  30 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

// Monitor is the connectivity signal service.
type Monitor struct {
	prober Prober
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// New creates a monitor. The prober may be nil when background probing
// is disabled. The agent starts optimistic: it assumes online until a
// request or probe proves otherwise.
func New(prober Prober, cfg Config) *Monitor {
	m := &Monitor{
		prober: prober,
		cfg:    cfg,
		logger: log.With().Str("component", "connectivity").Logger(),
		online: true,
		subs:   make(map[int]chan bool),
	}
	onlineGauge.Set(1)
	return m
}

// IsOnline reports the current connectivity belief.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity observation. Repeated observations
// of the same state are no-ops; transitions notify every subscriber.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	state := "offline"
	if online {
		state = "online"
		onlineGauge.Set(1)
	} else {
		onlineGauge.Set(0)
	}
	transitionsTotal.WithLabelValues(state).Inc()

	m.logger.Info().
		Bool("online", online).
		Int("subscribers", len(subs)).
		Msg("Connectivity changed")

	for _, ch := range subs {
		// Drop the oldest pending notification rather than block; the
		// latest state is what matters.
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Subscribe registers for transition notifications. The returned cancel
// function removes the subscription and closes the channel.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 4)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Start runs the background probe loop until ctx is done. Returns
// immediately when probing is disabled.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil || m.cfg.ProbeInterval <= 0 {
		m.logger.Debug().Msg("Background connectivity probe disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// probe performs one health check and records the result.
func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	resp, err := m.prober.Get(probeCtx, m.cfg.HealthEndpoint)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Health probe failed")
		m.SetOnline(false)
		return
	}
	resp.Body.Close()

	m.SetOnline(resp.StatusCode < 500)
}
