// Package timeline turns a transport path into a time-keyed list of absolute
// waypoints covering one full period, so the movement loop only has to find
// the bracket the current time falls into.
package timeline

import (
	"sort"
	"time"

	"transport-simulator/internal/geom"
	"transport-simulator/internal/path"
)

const (
	// SampleStep is the sampling interval of the constant-speed model.
	SampleStep = 500 * time.Millisecond
	// KinematicStep is the sampling grid of the kinematic model.
	KinematicStep = 100 * time.Millisecond
	// MinBracket is the shortest allowed gap between two consecutive keys.
	MinBracket = 100 * time.Millisecond
)

// Waypoint is an absolute point of the timeline.
type Waypoint struct {
	Location geom.WorldLocation
	// Teleport marks a waypoint reached by a jump rather than by travel.
	Teleport         bool
	ArrivalEventID   uint32
	DepartureEventID uint32
	// Node is the index of the path node this waypoint was built from, or -1
	// for interpolated samples and synthetic points.
	Node int
	// Dwell is how long the transport waits here before moving on.
	Dwell time.Duration
}

func (w Waypoint) IsNode() bool { return w.Node >= 0 }

// Entry is a waypoint keyed by its offset into the period.
type Entry struct {
	At time.Duration
	Waypoint
}

// Timeline is immutable once generated and safe for concurrent reads.
type Timeline struct {
	entries []Entry
	period  time.Duration
	model   path.Motion
	closed  bool
	regions []uint32
}

func (tl *Timeline) Len() int              { return len(tl.entries) }
func (tl *Timeline) Period() time.Duration { return tl.period }
func (tl *Timeline) Model() path.Motion    { return tl.model }
func (tl *Timeline) Entry(i int) Entry     { return tl.entries[i] }

// Closed reports whether the path loops back to its first node by travel
// rather than by a jump.
func (tl *Timeline) Closed() bool { return tl.closed }

// Regions lists the distinct regions visited by the path, in ascending order.
func (tl *Timeline) Regions() []uint32 {
	out := make([]uint32, len(tl.regions))
	copy(out, tl.regions)
	return out
}

func (tl *Timeline) Entries() []Entry {
	out := make([]Entry, len(tl.entries))
	copy(out, tl.entries)
	return out
}

// Next returns the index following i, wrapping to 0.
func (tl *Timeline) Next(i int) int {
	if i+1 >= len(tl.entries) {
		return 0
	}
	return i + 1
}

// Wrap maps an unbounded clock onto [0, period).
func (tl *Timeline) Wrap(clock time.Duration) time.Duration {
	return mod(clock, tl.period)
}

// Bracket returns the index of the last entry whose key is <= elapsed.
func (tl *Timeline) Bracket(elapsed time.Duration) int {
	elapsed = tl.Wrap(elapsed)
	i := sort.Search(len(tl.entries), func(k int) bool { return tl.entries[k].At > elapsed }) - 1
	if i < 0 {
		return len(tl.entries) - 1
	}
	return i
}

// Passed reports whether elapsed lies beyond the bracket that starts at
// entry i, measuring both offsets modulo the period so the bracket that
// wraps from the last entry to the first behaves like any other.
func (tl *Timeline) Passed(i int, elapsed time.Duration) bool {
	cur := tl.entries[i].At
	next := tl.entries[tl.Next(i)].At
	return mod(elapsed-cur, tl.period) > mod(next-cur, tl.period)
}

// PositionAt returns the continuous position at elapsed: the bracket's
// waypoint while dwelling, then a linear blend towards the next waypoint.
// Jumps are never interpolated.
func (tl *Timeline) PositionAt(elapsed time.Duration) geom.WorldLocation {
	i := tl.Bracket(elapsed)
	cur := tl.entries[i]
	nxt := tl.entries[tl.Next(i)]
	loc := cur.Location
	if nxt.Teleport || nxt.Location.RegionID != loc.RegionID {
		return loc
	}
	offset := mod(tl.Wrap(elapsed)-cur.At, tl.period)
	span := mod(nxt.At-cur.At, tl.period) - cur.Dwell
	offset -= cur.Dwell
	if span <= 0 || offset <= 0 {
		return loc
	}
	frac := float64(offset) / float64(span)
	if frac > 1 {
		frac = 1
	}
	v := loc.Vec3().Add(nxt.Location.Vec3().Sub(loc.Vec3()).Mul(frac))
	loc.Position = loc.Position.WithVec3(v)
	loc.O = cur.Location.HeadingTo(nxt.Location.Position)
	return loc
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

// builder appends entries keeping keys strictly increasing.
type builder struct {
	entries []Entry
	regions map[uint32]struct{}
}

func newBuilder(capacity int) *builder {
	return &builder{
		entries: make([]Entry, 0, capacity),
		regions: make(map[uint32]struct{}),
	}
}

// add inserts wp at key at, pushing the key forward to keep at least
// MinBracket after the previous entry when it would not be strictly greater.
// It returns the key actually used.
func (b *builder) add(at time.Duration, wp Waypoint) time.Duration {
	if n := len(b.entries); n > 0 && at <= b.entries[n-1].At {
		at = b.entries[n-1].At + MinBracket
	}
	b.entries = append(b.entries, Entry{At: at, Waypoint: wp})
	b.regions[wp.Location.RegionID] = struct{}{}
	return at
}

func (b *builder) build(period time.Duration, model path.Motion, closed bool) *Timeline {
	regions := make([]uint32, 0, len(b.regions))
	for r := range b.regions {
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
	return &Timeline{
		entries: b.entries,
		period:  period,
		model:   model,
		closed:  closed,
		regions: regions,
	}
}

func nodeWaypoint(n path.Node, teleport bool) Waypoint {
	return Waypoint{
		Location:         n.Location(),
		Teleport:         teleport,
		ArrivalEventID:   n.ArrivalEventID,
		DepartureEventID: n.DepartureEventID,
		Node:             n.Index,
		Dwell:            n.Delay,
	}
}

func sampleWaypoint(region uint32, p geom.Position) Waypoint {
	return Waypoint{Location: geom.WorldLocation{RegionID: region, Position: p}, Node: -1}
}
