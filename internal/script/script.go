// Package script binds arrival and departure event ids to handlers. Events
// without a handler fall through to a runner that only records them.
package script

import (
	"sync"

	"go.uber.org/zap"

	"transport-simulator/internal/transport"
	"transport-simulator/internal/world"
)

// Event is one arrival or departure hook firing.
type Event struct {
	ID        uint32
	Actor     world.Entity
	Target    world.Entity
	Departure bool
}

func (e Event) Kind() string {
	if e.Departure {
		return "departure"
	}
	return "arrival"
}

// Handler reports whether it handled the event.
type Handler func(Event) bool

// Dispatcher is the trigger table keyed by event id.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
	log      *zap.Logger
}

var _ transport.HookDispatcher = (*Dispatcher)(nil)

func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{handlers: make(map[uint32]Handler), log: log}
}

// Register binds h to id, replacing any previous handler.
func (d *Dispatcher) Register(id uint32, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, id)
		return
	}
	d.handlers[id] = h
}

func (d *Dispatcher) Unregister(id uint32) { d.Register(id, nil) }

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

func (d *Dispatcher) FireEvent(eventID uint32, actor, target world.Entity, departure bool) bool {
	d.mu.RLock()
	h, ok := d.handlers[eventID]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	ev := Event{ID: eventID, Actor: actor, Target: target, Departure: departure}
	handled := h(ev)
	d.log.Debug("event dispatched",
		zap.Uint32("event", eventID),
		zap.String("kind", ev.Kind()),
		zap.String("actor", actor.Name()),
		zap.Bool("handled", handled))
	return handled
}

// Counter is satisfied by prometheus.Counter.
type Counter interface {
	Inc()
}

// LoggingRunner is the fallback for events no handler took: it logs them and
// bumps a counter.
type LoggingRunner struct {
	log     *zap.Logger
	counter Counter
}

var _ transport.ScriptRunner = (*LoggingRunner)(nil)

func NewLoggingRunner(log *zap.Logger, c Counter) *LoggingRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoggingRunner{log: log, counter: c}
}

func (r *LoggingRunner) RunEvent(eventID uint32, actor, _ world.Entity, departure bool) {
	if r.counter != nil {
		r.counter.Inc()
	}
	r.log.Info("unhandled transport event",
		zap.Uint32("event", eventID),
		zap.String("kind", Event{Departure: departure}.Kind()),
		zap.String("actor", actor.Name()))
}
