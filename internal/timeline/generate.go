package timeline

import (
	"errors"
	"fmt"
	"math"
	"time"

	"transport-simulator/internal/path"
)

var ErrInvalidPath = errors.New("invalid path")

// Params configures timeline generation.
type Params struct {
	CruiseSpeed float64 // distance units per second
	AccelRate   float64 // distance units per second², kinematic model only
	Model       path.Motion
	// Cyclic allows the path to loop back to its first node by travel. It is
	// ignored when the path crosses a region or has a forced teleport.
	Cyclic bool
}

// ParamsFor derives generation parameters from a template.
func ParamsFor(t path.Template) Params {
	return Params{
		CruiseSpeed: t.CruiseSpeed,
		AccelRate:   t.AccelRate,
		Model:       t.Model,
		Cyclic:      t.Cyclic,
	}
}

// Generate builds the timeline for nodes with the model selected in p.
func Generate(nodes []path.Node, p Params) (*Timeline, error) {
	if len(nodes) < 2 {
		return nil, fmt.Errorf("%w: %d nodes", ErrInvalidPath, len(nodes))
	}
	if p.CruiseSpeed <= 0 || math.IsNaN(p.CruiseSpeed) || math.IsInf(p.CruiseSpeed, 0) {
		return nil, fmt.Errorf("%w: cruise speed %v", ErrInvalidPath, p.CruiseSpeed)
	}
	indexed := make([]path.Node, len(nodes))
	for i, n := range nodes {
		n.Index = i
		indexed[i] = n
	}
	s := newShape(indexed, p.Cyclic)

	var tl *Timeline
	switch p.Model {
	case path.MotionKinematic:
		tl = generateKinematic(s, p)
	default:
		tl = generateConstant(s, p)
	}
	if tl.period <= 0 {
		return nil, fmt.Errorf("%w: empty period", ErrInvalidPath)
	}
	return tl, nil
}

// shape answers the topological questions shared by both models.
type shape struct {
	nodes  []path.Node
	closed bool
}

func newShape(nodes []path.Node, cyclic bool) shape {
	s := shape{nodes: nodes, closed: cyclic}
	if cyclic {
		for i := range nodes {
			if s.jumpAfter(i) {
				s.closed = false
				break
			}
		}
	}
	return s
}

// jumpAfter reports whether moving from node i to the node after it crosses
// a region or is forced to teleport.
func (s shape) jumpAfter(i int) bool {
	cur := s.nodes[i]
	next := s.nodes[(i+1)%len(s.nodes)]
	return cur.RegionID != next.RegionID || cur.Action == path.ActionTeleport
}

// boundary reports whether node i ends a run. The last node always ends a run
// and is a jump back to the start unless the path is closed.
func (s shape) boundary(i int) bool {
	if i == len(s.nodes)-1 {
		return !s.closed
	}
	return s.jumpAfter(i)
}

// runs partitions the nodes into maximal [start, end] ranges travelled without
// a jump.
func (s shape) runs() [][2]int {
	var out [][2]int
	start := 0
	for i := range s.nodes {
		if i == len(s.nodes)-1 || s.boundary(i) {
			out = append(out, [2]int{start, i})
			start = i + 1
		}
	}
	return out
}

// finish appends the trailing hold of an open path so the last key always
// equals the period.
func (s shape) finish(b *builder, t time.Duration) time.Duration {
	last := s.nodes[len(s.nodes)-1]
	if !s.closed && last.Delay > 0 {
		hold := nodeWaypoint(last, false)
		hold.Node, hold.Dwell = -1, 0
		hold.ArrivalEventID, hold.DepartureEventID = 0, 0
		t = b.add(t, hold)
	}
	return t
}

func closingWaypoint(first path.Node) Waypoint {
	return Waypoint{Location: first.Location(), Node: -1}
}

func seconds(s float64) time.Duration {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return MinBracket
	}
	d := time.Duration(s * float64(time.Second)).Round(time.Millisecond)
	if d < MinBracket {
		return MinBracket
	}
	return d
}

// generateConstant fits a Catmull-Rom curve through every run and samples it
// every SampleStep at the cruise speed.
func generateConstant(s shape, p Params) *Timeline {
	b := newBuilder(len(s.nodes) * 4)
	var t time.Duration

	for ri, run := range s.runs() {
		first := s.nodes[run[0]]
		enteredByJump := ri > 0 || !s.closed
		t = b.add(t, nodeWaypoint(first, enteredByJump))
		t += first.Delay

		pts := make([]path.Node, 0, run[1]-run[0]+2)
		pts = append(pts, s.nodes[run[0]:run[1]+1]...)
		closing := s.closed && run[1] == len(s.nodes)-1
		if closing {
			pts = append(pts, s.nodes[0])
		}
		c := newCurve(pts, closing)

		for seg := 0; seg < c.segments(); seg++ {
			segTime := seconds(c.length(seg) / p.CruiseSpeed)
			for passed := SampleStep; passed < segTime; passed += SampleStep {
				u := float64(passed) / float64(segTime)
				b.add(t+passed, sampleWaypoint(first.RegionID, c.evaluate(seg, u)))
			}
			t += segTime

			if closing && seg == c.segments()-1 {
				t = b.add(t, closingWaypoint(s.nodes[0]))
				continue
			}
			n := pts[seg+1]
			t = b.add(t, nodeWaypoint(n, false))
			t += n.Delay
		}
	}

	t = s.finish(b, t)
	return b.build(t, path.MotionConstant, s.closed)
}
