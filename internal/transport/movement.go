package transport

import (
	"time"

	"go.uber.org/zap"

	"transport-simulator/internal/geom"
)

// effect is one side effect of a tick, applied after the transport lock is
// released so hooks may call back into the transport.
type effect struct {
	hook      uint32
	departure bool

	move     bool
	to       geom.WorldLocation
	teleport bool
}

// Start places the transport in the world at its current timeline position
// and starts it moving. An interrupted transport is reset instead.
func (t *Transport) Start() error {
	t.mu.Lock()
	switch t.state {
	case Interrupted:
		t.mu.Unlock()
		t.Reset()
		return nil
	case Running, Anchored:
		t.mu.Unlock()
		return nil
	}
	e := t.tl.Entry(t.cur)
	t.state = Running
	if elapsed := t.tl.Wrap(t.clock); e.Dwell > 0 && e.At+e.Dwell > elapsed {
		t.state = Anchored
		t.anchor = e.At + e.Dwell - elapsed
	}
	t.mu.Unlock()

	loc := t.Location()
	if err := t.deps.World.Relocate(t, loc); err != nil {
		t.mu.Lock()
		t.state = Stopped
		t.mu.Unlock()
		return err
	}
	t.passengers.Sync()
	t.deps.Broadcast.TransportStarted(t, loc.RegionID)
	t.log.Info("transport started", zap.Uint32("region", loc.RegionID), zap.Duration("period", t.Timeline().Period()))
	return nil
}

// Stop halts the transport where it is. The movement clock is kept, so a
// later Start resumes from the same point of the timeline.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		return
	}
	t.state = Stopped
	t.pending = nil
	t.mu.Unlock()

	t.deps.Broadcast.TransportStopped(t, t.Location().RegionID)
	t.log.Info("transport stopped")
}

// Despawn stops the transport, detaches every passenger and removes the
// transport from the world.
func (t *Transport) Despawn() {
	t.Stop()
	n := t.passengers.UnboardAll()
	region := t.Location().RegionID
	if err := t.deps.World.RemoveFromRegion(t, region); err != nil {
		t.log.Debug("despawn", zap.Error(err))
	}
	t.log.Info("transport despawned", zap.Int("passengers", n))
}

// Interrupt freezes a running or anchored transport at its exact continuous
// position. It only snapshots state and is safe from any state, including
// from inside a hook fired by this transport.
func (t *Transport) Interrupt() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Running && t.state != Anchored {
		return false
	}
	t.snapshot = t.tl.PositionAt(t.tl.Wrap(t.clock))
	t.resume = t.state
	t.state = Interrupted
	return true
}

// Reset resumes an interrupted transport from its snapshot. Dynamic
// transports pick up a staged path here.
func (t *Transport) Reset() bool {
	t.mu.Lock()
	if t.state != Interrupted {
		t.mu.Unlock()
		return false
	}
	to := t.snapshot
	t.state = t.resume
	if t.state == Anchored && t.anchor <= 0 {
		t.state = Running
	}
	if t.regenerate(0) {
		t.state = Running
	}
	t.mu.Unlock()

	t.apply([]effect{{move: true, to: to}})
	return true
}

// Update advances the transport by one tick of diff simulated time.
func (t *Transport) Update(diff time.Duration) {
	if diff < 0 {
		diff = 0
	}
	t.mu.Lock()
	if t.state == Stopped || t.state == Interrupted {
		t.mu.Unlock()
		return
	}
	fx := t.advance(diff)
	if t.pending != nil {
		// a fresh move supersedes the failed one
		if !hasMove(fx) {
			fx = append(fx, effect{move: true, to: *t.pending, teleport: true})
			t.deps.Metrics.RelocationRetry()
		}
		t.pending = nil
	}
	t.mu.Unlock()

	t.apply(fx)
	t.passengers.Update(diff)
}

// advance moves the clock and walks past every bracket it has outgrown. It
// must be called with t.mu held.
func (t *Transport) advance(diff time.Duration) []effect {
	t.clock += diff
	if t.state == Anchored {
		t.anchor -= diff
		if t.anchor > 0 {
			return nil
		}
		over := -t.anchor
		t.state = Running
		t.anchor = 0
		t.regenerate(over)
	}

	var fx []effect
	elapsed := t.tl.Wrap(t.clock)
	for n := 0; n < t.tl.Len() && t.tl.Passed(t.cur, elapsed); n++ {
		left := t.tl.Entry(t.cur)
		if left.DepartureEventID != 0 {
			fx = append(fx, effect{hook: left.DepartureEventID, departure: true})
		}
		t.cur = t.tl.Next(t.cur)
		arrived := t.tl.Entry(t.cur)
		if arrived.ArrivalEventID != 0 {
			fx = append(fx, effect{hook: arrived.ArrivalEventID})
		}

		to := arrived.Location
		next := t.tl.Entry(t.tl.Next(t.cur))
		if !next.Teleport && next.Location.RegionID == to.RegionID {
			to.O = to.HeadingTo(next.Location.Position)
		} else {
			to.O = t.Location().O
		}
		fx = append(fx, effect{move: true, to: to, teleport: arrived.Teleport})

		if arrived.Dwell > 0 {
			over := mod(elapsed-arrived.At, t.tl.Period())
			if over < arrived.Dwell {
				t.state = Anchored
				t.anchor = arrived.Dwell - over
				break
			}
		}
	}
	return fx
}

// regenerate swaps in a staged timeline, resuming from the node the
// transport last reached with over already spent past its dwell. It must be
// called with t.mu held.
func (t *Transport) regenerate(over time.Duration) bool {
	if t.staged == nil {
		return false
	}
	node := t.lastNode()
	t.tl, t.staged = t.staged, nil
	t.cur, t.clock = 0, over
	for i, n := 0, t.tl.Len(); i < n; i++ {
		if e := t.tl.Entry(i); e.Node == node {
			t.cur = i
			t.clock = e.At + e.Dwell + over
			break
		}
	}
	t.log.Info("timeline regenerated", zap.Int("node", node), zap.Duration("period", t.tl.Period()))
	return true
}

func (t *Transport) lastNode() int {
	i := t.cur
	for k, n := 0, t.tl.Len(); k < n; k++ {
		if e := t.tl.Entry(i); e.IsNode() {
			return e.Node
		}
		i = (i - 1 + t.tl.Len()) % t.tl.Len()
	}
	return 0
}

// apply runs the effects in order. A hook that stops or interrupts the
// transport cancels the rest of the tick.
func (t *Transport) apply(fx []effect) {
	for _, e := range fx {
		if s := t.State(); s == Stopped || s == Interrupted {
			return
		}
		if !e.move {
			t.fire(e.hook, e.departure)
			continue
		}
		if e.teleport || e.to.RegionID != t.Location().RegionID {
			t.hardRelocate(e.to)
		} else {
			t.softRelocate(e.to)
		}
	}
}

func hasMove(fx []effect) bool {
	for _, e := range fx {
		if e.move {
			return true
		}
	}
	return false
}

func (t *Transport) fire(eventID uint32, departure bool) {
	handled := t.deps.Hooks != nil && t.deps.Hooks.FireEvent(eventID, t, t, departure)
	if !handled && t.deps.Scripts != nil {
		t.deps.Scripts.RunEvent(eventID, t, t, departure)
	}
	kind := "arrival"
	if departure {
		kind = "departure"
	}
	t.deps.Metrics.HookFired(kind, handled)
}

func (t *Transport) softRelocate(to geom.WorldLocation) {
	if err := t.deps.World.Relocate(t, to); err != nil {
		t.log.Warn("relocation failed", zap.Error(err))
		return
	}
	t.deps.Metrics.SoftRelocation()
}

// hardRelocate moves the transport and its passengers into another region,
// or teleports them within one. A region that is not available right now is
// retried on the next tick.
func (t *Transport) hardRelocate(to geom.WorldLocation) {
	from := t.Location().RegionID
	if err := t.deps.World.IsReachable(to.RegionID); err != nil {
		t.log.Warn("relocation target unavailable, retrying next tick",
			zap.Uint32("region", to.RegionID), zap.Error(err))
		t.setPending(to)
		return
	}

	t.deps.Broadcast.RegionChangeBegin(t, from, to.RegionID)
	err := t.deps.World.Relocate(t, to)
	if err != nil {
		t.log.Warn("hard relocation failed, retrying next tick",
			zap.Uint32("region", to.RegionID), zap.Error(err))
		t.setPending(to)
	} else {
		t.passengers.Sync()
		t.deps.Metrics.HardRelocation()
	}
	t.deps.Broadcast.RegionChangeEnd(t, from, t.Location().RegionID)
}

func (t *Transport) setPending(to geom.WorldLocation) {
	t.mu.Lock()
	if t.state != Stopped {
		t.pending = &to
	}
	t.mu.Unlock()
}

func mod(d, p time.Duration) time.Duration {
	if p <= 0 {
		return 0
	}
	d %= p
	if d < 0 {
		d += p
	}
	return d
}
