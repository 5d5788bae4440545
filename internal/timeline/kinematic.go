package timeline

import (
	"math"
	"time"

	"transport-simulator/internal/path"
)

// profile is a capped-acceleration motion between two stops: accelerate at a
// up to cruise speed v, cruise, then decelerate symmetrically.
type profile struct {
	v, a float64
	thr  float64 // distance covered while reaching cruise speed
}

func newProfile(v, a float64) profile {
	if a <= 0 || math.IsNaN(a) || math.IsInf(a, 0) {
		a = 1
	}
	return profile{v: v, a: a, thr: v * v / (2 * a)}
}

// travelTime returns the seconds needed to cover d starting from rest.
func (p profile) travelTime(d float64) float64 {
	if d <= 0 {
		return 0
	}
	if d < p.thr {
		return math.Sqrt(2 * d / p.a)
	}
	return (d-p.thr)/p.v + p.v/p.a
}

// distance is the inverse of travelTime.
func (p profile) distance(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t <= p.v/p.a {
		return 0.5 * p.a * t * t
	}
	return p.thr + p.v*(t-p.v/p.a)
}

// at returns the time coordinate of distance s into a leg of length leg. The
// first half of a leg accelerates away from a stop and the second half brakes
// into the next one. An infinite leg has no stops and cruises throughout.
func (p profile) at(s, leg float64) float64 {
	if math.IsInf(leg, 1) {
		return s / p.v
	}
	half := leg / 2
	if s <= half {
		return p.travelTime(s)
	}
	return 2*p.travelTime(half) - p.travelTime(math.Max(leg-s, 0))
}

// along is the inverse of at.
func (p profile) along(tau, leg float64) float64 {
	if math.IsInf(leg, 1) {
		return tau * p.v
	}
	mid := p.travelTime(leg / 2)
	if tau <= mid {
		return p.distance(tau)
	}
	return leg - p.distance(math.Max(2*mid-tau, 0))
}

// keyFrames holds the per-node distances of the kinematic model. Index k
// refers to node k; the segment leaving node k ends at node (k+1) % n.
type keyFrames struct {
	fromPrev []float64
	since    []float64 // distance travelled since the last stop
	ahead    []float64 // distance left until the next stop
}

func buildKeyFrames(s shape) keyFrames {
	n := len(s.nodes)
	kf := keyFrames{
		fromPrev: make([]float64, n),
		since:    make([]float64, n),
		ahead:    make([]float64, n),
	}
	for k := 0; k < n; k++ {
		prev := (k - 1 + n) % n
		if s.boundary(prev) {
			continue
		}
		kf.fromPrev[k] = s.nodes[prev].Position().Distance(s.nodes[k].Position())
	}

	first := -1
	for k, nd := range s.nodes {
		if nd.Action == path.ActionStop {
			first = k
			break
		}
	}
	if first < 0 {
		for k := 0; k < n; k++ {
			kf.since[k] = math.Inf(1)
			kf.ahead[k] = math.Inf(1)
		}
		return kf
	}

	for i := 1; i < n; i++ {
		k := (first + i) % n
		if s.nodes[k].Action == path.ActionStop {
			continue
		}
		kf.since[k] = kf.since[(k-1+n)%n] + kf.fromPrev[k]
	}
	for i := 1; i <= n; i++ {
		k := (first - i + n) % n
		next := (k + 1) % n
		kf.ahead[k] = kf.fromPrev[next]
		if s.nodes[next].Action != path.ActionStop {
			kf.ahead[k] += kf.ahead[next]
		}
	}
	return kf
}

// leg returns the length of the stop-to-stop leg the segment leaving node k
// belongs to.
func (kf keyFrames) leg(k int) float64 {
	return kf.since[k] + kf.ahead[k]
}

// generateKinematic times every segment with the capped-acceleration profile
// and samples it on the KinematicStep grid, blending positions by the
// fraction of distance covered.
func generateKinematic(s shape, p Params) *Timeline {
	n := len(s.nodes)
	prof := newProfile(p.CruiseSpeed, p.AccelRate)
	kf := buildKeyFrames(s)
	b := newBuilder(n * 8)
	var t time.Duration

	for k := 0; k < n; k++ {
		nd := s.nodes[k]
		teleport := (k == 0 && !s.closed) || (k > 0 && s.boundary(k-1))
		t = b.add(t, nodeWaypoint(nd, teleport))
		t += nd.Delay

		if s.boundary(k) {
			continue
		}

		next := (k + 1) % n
		from, to := nd.Position(), s.nodes[next].Position()
		dist := kf.fromPrev[next]
		leg := kf.leg(k)
		s0 := kf.since[k]
		if math.IsInf(leg, 1) {
			s0 = 0
		}
		tau0 := prof.at(s0, leg)
		segTime := seconds(prof.at(s0+dist, leg) - tau0)

		for passed := KinematicStep; passed < segTime && dist > 0; passed += KinematicStep {
			covered := prof.along(tau0+passed.Seconds(), leg) - s0
			frac := math.Min(math.Max(covered/dist, 0), 1)
			v := from.Vec3().Add(to.Vec3().Sub(from.Vec3()).Mul(frac))
			b.add(t+passed, sampleWaypoint(nd.RegionID, from.WithVec3(v)))
		}
		t += segTime

		if next == 0 {
			t = b.add(t, closingWaypoint(s.nodes[0]))
		}
	}

	t = s.finish(b, t)
	return b.build(t, path.MotionKinematic, s.closed)
}
