package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"transport-simulator/internal/geom"
	"transport-simulator/internal/path"
	"transport-simulator/internal/timeline"
	"transport-simulator/internal/world"
)

var (
	ErrUnreachableRegion = errors.New("path visits an unreachable region")
	ErrNotDynamic        = errors.New("transport path cannot change at runtime")
)

// State is the movement state of a transport.
type State int32

const (
	Stopped State = iota
	Running
	Anchored
	Interrupted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Anchored:
		return "anchored"
	case Interrupted:
		return "interrupted"
	default:
		return "stopped"
	}
}

// Deps are the collaborators a transport talks to. Only World is required.
type Deps struct {
	World     World
	Hooks     HookDispatcher
	Scripts   ScriptRunner
	Broadcast Broadcaster
	Metrics   Metrics
	Log       *zap.Logger
}

// Transport is a moving platform driven along a precomputed timeline.
type Transport struct {
	*world.Object

	tpl        path.Template
	deps       Deps
	log        *zap.Logger
	passengers *Registry

	mu       sync.Mutex
	tl       *timeline.Timeline
	staged   *timeline.Timeline
	state    State
	resume   State
	clock    time.Duration
	cur      int
	anchor   time.Duration
	snapshot geom.WorldLocation
	pending  *geom.WorldLocation
}

// New builds a transport from its template and the raw path nodes. The
// timeline is generated here; an invalid path or a path through a region that
// cannot host transports is rejected.
func New(tpl path.Template, nodes []path.Node, deps Deps) (*Transport, error) {
	if deps.World == nil {
		return nil, errors.New("transport: world is required")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Broadcast == nil {
		deps.Broadcast = nopBroadcaster{}
	}

	tl, err := buildTimeline(tpl, nodes, deps.World)
	if err != nil {
		return nil, fmt.Errorf("transport %d (%s): %w", tpl.Entry, tpl.Name, err)
	}

	start := tl.Entry(0).Location
	start.O = start.HeadingTo(tl.Entry(tl.Next(0)).Location.Position)
	t := &Transport{
		Object: world.NewObject(tpl.Name, start),
		tpl:    tpl,
		deps:   deps,
		tl:     tl,
	}
	t.log = deps.Log.With(zap.Uint32("entry", tpl.Entry), zap.String("transport", tpl.Name))
	t.passengers = NewRegistry(t, deps.World, t.log, deps.Metrics)
	return t, nil
}

func buildTimeline(tpl path.Template, nodes []path.Node, w World) (*timeline.Timeline, error) {
	tl, err := timeline.Generate(tpl.ApplyOverrides(nodes), timeline.ParamsFor(tpl))
	if err != nil {
		return nil, err
	}
	for _, region := range tl.Regions() {
		if err := w.IsReachable(region); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnreachableRegion, err)
		}
	}
	return tl, nil
}

func (t *Transport) Template() path.Template { return t.tpl }
func (t *Transport) Entry() uint32           { return t.tpl.Entry }
func (t *Transport) Passengers() *Registry   { return t.passengers }

func (t *Transport) Timeline() *timeline.Timeline {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tl
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Regions lists the regions the current path visits.
func (t *Transport) Regions() []uint32 { return t.Timeline().Regions() }

// ReplacePath stages a new path for a dynamic transport. It takes effect the
// next time the transport resumes from an anchorage or a reset.
func (t *Transport) ReplacePath(nodes []path.Node) error {
	if !t.tpl.Dynamic {
		return ErrNotDynamic
	}
	tl, err := buildTimeline(t.tpl, nodes, t.deps.World)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.staged = tl
	t.mu.Unlock()
	return nil
}

// Status is a point-in-time view of a transport for reporting.
type Status struct {
	ID         world.EntityID     `json:"id"`
	Entry      uint32             `json:"entry"`
	Name       string             `json:"name"`
	State      string             `json:"state"`
	Location   geom.WorldLocation `json:"location"`
	Bracket    int                `json:"bracket"`
	ElapsedMs  int64              `json:"elapsedMs"`
	PeriodMs   int64              `json:"periodMs"`
	Passengers int                `json:"passengers"`
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	elapsed := t.tl.Wrap(t.clock)
	st := Status{
		ID:        t.ID(),
		Entry:     t.tpl.Entry,
		Name:      t.Name(),
		State:     t.state.String(),
		Bracket:   t.cur,
		ElapsedMs: elapsed.Milliseconds(),
		PeriodMs:  t.tl.Period().Milliseconds(),
	}
	switch {
	case t.state == Interrupted:
		st.Location = t.snapshot
	case t.state == Running && t.pending == nil:
		st.Location = t.tl.PositionAt(elapsed)
	default:
		// includes a relocation still waiting on its target region
		st.Location = t.Location()
	}
	t.mu.Unlock()

	st.Passengers = t.passengers.Len()
	return st
}

// CarriesPassengers and UpdatePassengerPositions let a transport be refreshed
// by anything it is attached to.
func (t *Transport) CarriesPassengers() bool   { return t.passengers.Len() > 0 }
func (t *Transport) UpdatePassengerPositions() { t.passengers.Sync() }

var _ Carrier = (*Transport)(nil)
