package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tillware/shopsync-agent/pkg/logging"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_bridge_events_published_total",
		Help: "Status events published to the UI bridge by type",
	}, []string{"type"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopsync_bridge_events_dropped_total",
		Help: "Status events dropped because a subscriber buffer was full",
	})

	commandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_bridge_commands_total",
		Help: "Commands dispatched through the bridge by command and result",
	}, []string{"command", "result"})

	subscriberCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shopsync_bridge_subscribers",
		Help: "Currently connected event subscribers",
	})
)

// Handler executes one command. Handlers run on the dispatching
// goroutine and should hand long work to the agent's own loops.
type Handler func(ctx context.Context) error

// Hub fans status events out to subscribers and routes commands to
// registered handlers. Both directions are independent: a hub with no
// subscribers still accepts commands, and vice versa.
type Hub struct {
	logger zerolog.Logger

	mu       sync.Mutex
	subs     map[int]chan Event
	nextID   int
	handlers map[Command]Handler

	bufSize int
}

// NewHub creates a hub with the given per-subscriber buffer size.
// Sizes below 1 fall back to 16.
func NewHub(bufSize int) *Hub {
	if bufSize < 1 {
		bufSize = 16
	}
	return &Hub{
		logger:   logging.NewLogger("bridge"),
		subs:     make(map[int]chan Event),
		handlers: make(map[Command]Handler),
		bufSize:  bufSize,
	}
}

// Handle registers the handler for a command, replacing any previous
// registration.
func (h *Hub) Handle(cmd Command, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[cmd] = fn
}

// Dispatch runs the handler registered for cmd. Unregistered commands
// return ErrUnknownCommand.
func (h *Hub) Dispatch(ctx context.Context, cmd Command) error {
	h.mu.Lock()
	fn, ok := h.handlers[cmd]
	h.mu.Unlock()

	if !ok {
		commandsDispatched.WithLabelValues(string(cmd), "unknown").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		commandsDispatched.WithLabelValues(string(cmd), "error").Inc()
		h.logger.Error().
			Err(err).
			Str("command", string(cmd)).
			Dur("duration", time.Since(start)).
			Msg("Command failed")
		return err
	}

	commandsDispatched.WithLabelValues(string(cmd), "ok").Inc()
	h.logger.Debug().
		Str("command", string(cmd)).
		Dur("duration", time.Since(start)).
		Msg("Command handled")
	return nil
}

// Subscribe registers a new event subscriber. The returned cancel
// function closes the channel and removes the registration; callers
// must invoke it when done.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.bufSize)
	h.subs[id] = ch
	subscriberCount.Set(float64(len(h.subs)))

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
			subscriberCount.Set(float64(len(h.subs)))
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber. Delivery never blocks: when
// a subscriber buffer is full the oldest pending event is dropped to
// make room, so slow consumers see the newest state rather than
// stalling the agent.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	eventsPublished.WithLabelValues(string(ev.Type)).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
			continue
		default:
		}

		// Buffer full. Drop the oldest event, then retry once.
		select {
		case <-ch:
			eventsDropped.Inc()
		default:
		}
		select {
		case ch <- ev:
		default:
			eventsDropped.Inc()
		}
	}
}

// PublishQueueLength is a convenience wrapper for the most frequent
// event type.
func (h *Hub) PublishQueueLength(n int) {
	h.Publish(Event{Type: StatusQueueLength, QueueLength: n})
}
