package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"transport-simulator/internal/geom"
	"transport-simulator/internal/world"
)

// ReconcileInterval is the accumulated tick time between two checks of
// whether passenger global positions need recomputing.
const ReconcileInterval = 500 * time.Millisecond

// SeatNone marks a passenger free to roam the carrier's deck.
const SeatNone = -1

// Passenger is an entity that can ride a carrier. The passenger holds a
// non-owning handle to its attachment; the carrier's registry owns it. The
// handle is claimed with a compare-and-swap so a passenger rides at most one
// carrier at a time.
type Passenger interface {
	world.Entity
	TransportInfo() *Attachment
	SwapTransportInfo(old, next *Attachment) bool
}

// Carrier is implemented by passengers that carry passengers of their own,
// such as a vehicle parked on a ferry.
type Carrier interface {
	CarriesPassengers() bool
	UpdatePassengerPositions()
}

// Rider gives an entity the Passenger handle. Embed it next to a world
// entity implementation.
type Rider struct {
	info atomic.Pointer[Attachment]
}

func (r *Rider) TransportInfo() *Attachment { return r.info.Load() }

func (r *Rider) SwapTransportInfo(old, next *Attachment) bool {
	return r.info.CompareAndSwap(old, next)
}

// Attachment is one passenger's ride on a carrier.
type Attachment struct {
	passenger Passenger
	registry  *Registry

	mu    sync.Mutex
	local geom.Position
	seat  int
}

func (a *Attachment) Passenger() Passenger { return a.passenger }

// Transport returns the carrier the passenger rides.
func (a *Attachment) Transport() world.Entity { return a.registry.owner }

func (a *Attachment) Seat() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seat
}

func (a *Attachment) LocalPosition() geom.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

// SetLocalPosition moves the passenger on the carrier and pushes the
// resulting global position to the world immediately.
func (a *Attachment) SetLocalPosition(local geom.Position) {
	a.mu.Lock()
	a.local = local
	a.mu.Unlock()
	a.registry.push(a)
}

// GlobalPosition is where the passenger is in the world given the carrier's
// current location.
func (a *Attachment) GlobalPosition() geom.WorldLocation {
	return a.registry.GlobalPositionOf(a.LocalPosition())
}

// Registry holds the passengers attached to one carrier. Membership changes
// take the write lock; position refreshes only take the read lock.
type Registry struct {
	owner   world.Entity
	world   World
	log     *zap.Logger
	metrics Metrics

	mu     sync.RWMutex
	riders map[world.EntityID]*Attachment

	frameMu   sync.Mutex
	frame     geom.Frame
	sinceSync time.Duration
}

func NewRegistry(owner world.Entity, w World, log *zap.Logger, m Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &Registry{
		owner:   owner,
		world:   w,
		log:     log,
		metrics: m,
		riders:  make(map[world.EntityID]*Attachment),
		frame:   geom.NewFrame(owner.Location().Position),
	}
}

// Board attaches p at the local offset and seat, first detaching it from any
// carrier it was riding. A nil passenger is ignored. When a concurrent Board
// onto another carrier claims p first, the record is undone and Board
// returns nil.
func (r *Registry) Board(p Passenger, local geom.Position, seat int) *Attachment {
	if p == nil {
		return nil
	}
	a := &Attachment{passenger: p, registry: r, local: local, seat: seat}
	prev := p.TransportInfo()
	for !p.SwapTransportInfo(prev, a) {
		prev = p.TransportInfo()
	}
	if prev != nil {
		r.log.Debug("passenger already boarded, unboarding first",
			zap.String("passenger", p.Name()),
			zap.String("previous", prev.Transport().Name()))
		prev.registry.detach(prev)
	}

	r.mu.Lock()
	_, replaced := r.riders[p.ID()]
	r.riders[p.ID()] = a
	r.mu.Unlock()
	if replaced {
		r.metrics.PassengerUnboarded()
	}
	r.metrics.PassengerBoarded()

	if p.TransportInfo() != a {
		r.log.Debug("passenger claimed by another carrier", zap.String("passenger", p.Name()))
		r.detach(a)
		return nil
	}
	r.push(a)
	return a
}

// BoardAt attaches p keeping its current world position: the local offset is
// derived from where p stands relative to the carrier.
func (r *Registry) BoardAt(p Passenger, seat int) *Attachment {
	if p == nil {
		return nil
	}
	r.frameMu.Lock()
	f := r.frame
	r.frameMu.Unlock()
	local := f.LocalPositionOf(r.owner.Location().Position, p.Location().Position)
	return r.Board(p, local, seat)
}

// Unboard detaches p. It reports whether p was riding this carrier.
func (r *Registry) Unboard(p Passenger) bool {
	if p == nil {
		return false
	}
	r.mu.Lock()
	a, ok := r.riders[p.ID()]
	if ok {
		delete(r.riders, p.ID())
		p.SwapTransportInfo(a, nil)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("unboard of a passenger not on board", zap.String("passenger", p.Name()))
		return false
	}
	r.metrics.PassengerUnboarded()
	return true
}

// detach removes a if it is still the passenger's record here.
func (r *Registry) detach(a *Attachment) bool {
	id := a.passenger.ID()
	r.mu.Lock()
	ok := r.riders[id] == a
	if ok {
		delete(r.riders, id)
	}
	r.mu.Unlock()
	if ok {
		r.metrics.PassengerUnboarded()
	}
	return ok
}

// UnboardAll detaches every passenger and returns how many there were.
func (r *Registry) UnboardAll() int {
	r.mu.Lock()
	riders := r.riders
	r.riders = make(map[world.EntityID]*Attachment)
	for _, a := range riders {
		a.passenger.SwapTransportInfo(a, nil)
	}
	r.mu.Unlock()

	for range riders {
		r.metrics.PassengerUnboarded()
	}
	return len(riders)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.riders)
}

func (r *Registry) Attachment(id world.EntityID) (*Attachment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.riders[id]
	return a, ok
}

func (r *Registry) Passengers() []Passenger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Passenger, 0, len(r.riders))
	for _, a := range r.riders {
		out = append(out, a.passenger)
	}
	return out
}

// GlobalPositionOf composes a local offset with the carrier's location.
func (r *Registry) GlobalPositionOf(local geom.Position) geom.WorldLocation {
	r.frameMu.Lock()
	f := r.frame
	r.frameMu.Unlock()
	origin := r.owner.Location()
	return geom.WorldLocation{
		RegionID: origin.RegionID,
		Position: f.GlobalPositionOf(origin.Position, local),
	}
}

// Update accumulates tick time and, every ReconcileInterval, refreshes the
// passengers if the carrier drifted or turned past the frame thresholds.
func (r *Registry) Update(diff time.Duration) {
	r.frameMu.Lock()
	r.sinceSync += diff
	if r.sinceSync < ReconcileInterval {
		r.frameMu.Unlock()
		return
	}
	r.sinceSync = 0
	cur := r.owner.Location().Position
	moved := r.frame.Moved(cur)
	if moved {
		r.frame.Rebase(cur)
	}
	r.frameMu.Unlock()

	if moved {
		r.UpdateGlobalPositions()
	}
}

// Sync snaps the frame to the carrier's exact orientation and refreshes every
// passenger. Used after a relocation that must carry passengers along.
func (r *Registry) Sync() {
	r.frameMu.Lock()
	r.frame.Sync(r.owner.Location().Position)
	r.sinceSync = 0
	r.frameMu.Unlock()
	r.UpdateGlobalPositions()
}

// UpdateGlobalPositions pushes the global position of every passenger to the
// world. Passengers that vanished from the world are dropped afterwards, as
// are records whose passenger has since boarded another carrier. Passengers
// that carry passengers refresh their own riders in turn.
func (r *Registry) UpdateGlobalPositions() {
	var gone, stale []*Attachment
	r.mu.RLock()
	for _, a := range r.riders {
		switch {
		case a.passenger.TransportInfo() != a:
			stale = append(stale, a)
		case !r.push(a):
			gone = append(gone, a)
		}
	}
	r.mu.RUnlock()

	for _, a := range stale {
		r.detach(a)
	}
	if len(gone) == 0 {
		return
	}
	r.mu.Lock()
	for _, a := range gone {
		if r.riders[a.passenger.ID()] != a {
			continue
		}
		delete(r.riders, a.passenger.ID())
		a.passenger.SwapTransportInfo(a, nil)
		r.metrics.PassengerDropped()
		r.log.Debug("dropped vanished passenger", zap.String("passenger", a.passenger.Name()))
	}
	r.mu.Unlock()
}

// push relocates one passenger to its global position. It returns false when
// the passenger is no longer in the world. A record the passenger no longer
// points to is skipped.
func (r *Registry) push(a *Attachment) bool {
	p := a.passenger
	if p.TransportInfo() != a {
		return true
	}
	if _, ok := r.world.LookupEntity(p.ID()); !ok {
		return false
	}
	if err := r.world.Relocate(p, a.GlobalPosition()); err != nil {
		r.log.Warn("passenger relocation failed", zap.String("passenger", p.Name()), zap.Error(err))
		return true
	}
	if c, ok := p.(Carrier); ok && c.CarriesPassengers() {
		c.UpdatePassengerPositions()
	}
	return true
}
