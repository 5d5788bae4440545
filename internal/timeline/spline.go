package timeline

import (
	"github.com/go-gl/mathgl/mgl64"

	"transport-simulator/internal/geom"
	"transport-simulator/internal/path"
)

const lengthSteps = 16

// curve is a uniform Catmull-Rom spline through a run of nodes. The control
// points are padded so every segment has a neighbour on each side.
type curve struct {
	pts []mgl64.Vec3
}

func newCurve(nodes []path.Node, closed bool) curve {
	n := len(nodes)
	pts := make([]mgl64.Vec3, 0, n+2)
	if closed && n > 2 {
		// the last point repeats the first, so its predecessor wraps
		pts = append(pts, nodes[n-2].Position().Vec3())
	} else {
		pts = append(pts, nodes[0].Position().Vec3())
	}
	for _, nd := range nodes {
		pts = append(pts, nd.Position().Vec3())
	}
	if closed && n > 2 {
		pts = append(pts, nodes[1].Position().Vec3())
	} else {
		pts = append(pts, nodes[n-1].Position().Vec3())
	}
	return curve{pts: pts}
}

func (c curve) segments() int { return len(c.pts) - 3 }

// evaluate returns the point at fraction u in [0, 1] of segment seg.
func (c curve) evaluate(seg int, u float64) geom.Position {
	p0, p1, p2, p3 := c.pts[seg], c.pts[seg+1], c.pts[seg+2], c.pts[seg+3]
	u2 := u * u
	u3 := u2 * u
	v := p0.Mul(-0.5*u3 + u2 - 0.5*u).
		Add(p1.Mul(1.5*u3 - 2.5*u2 + 1)).
		Add(p2.Mul(-1.5*u3 + 2*u2 + 0.5*u)).
		Add(p3.Mul(0.5*u3 - 0.5*u2))
	return geom.Position{}.WithVec3(v)
}

// length approximates the arc length of segment seg by summing chords.
func (c curve) length(seg int) float64 {
	var total float64
	prev := c.evaluate(seg, 0)
	for k := 1; k <= lengthSteps; k++ {
		cur := c.evaluate(seg, float64(k)/lengthSteps)
		total += prev.Distance(cur)
		prev = cur
	}
	return total
}
