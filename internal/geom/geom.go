// Package geom holds the positional types shared by the world, the timeline
// generator and the transports, plus the local/global coordinate frame used
// to carry passengers.
package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

const twoPi = 2 * math.Pi

// Position is a point with an orientation in radians, normalized to [0, 2π).
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
	O float64 `json:"o" yaml:"o"`
}

func NewPosition(x, y, z, o float64) Position {
	return Position{X: x, Y: y, Z: z, O: NormalizeOrientation(o)}
}

func (p Position) Vec3() mgl64.Vec3 { return mgl64.Vec3{p.X, p.Y, p.Z} }

// WithVec3 returns p with its coordinates replaced by v. Orientation is kept.
func (p Position) WithVec3(v mgl64.Vec3) Position {
	p.X, p.Y, p.Z = v[0], v[1], v[2]
	return p
}

// Distance is the straight-line distance between p and q.
func (p Position) Distance(q Position) float64 {
	return q.Vec3().Sub(p.Vec3()).Len()
}

// Drift is the sum of absolute axis deltas between p and q.
func (p Position) Drift(q Position) float64 {
	return math.Abs(p.X-q.X) + math.Abs(p.Y-q.Y) + math.Abs(p.Z-q.Z)
}

// HeadingTo returns the orientation facing from p towards q. When the two
// points share x and y the orientation of p is returned.
func (p Position) HeadingTo(q Position) float64 {
	dx, dy := q.X-p.X, q.Y-p.Y
	if dx == 0 && dy == 0 {
		return p.O
	}
	return NormalizeOrientation(math.Atan2(dy, dx))
}

// WorldLocation is a Position inside a region (map).
type WorldLocation struct {
	RegionID uint32 `json:"regionId" yaml:"region"`
	Position `yaml:",inline"`
}

func NewWorldLocation(region uint32, x, y, z, o float64) WorldLocation {
	return WorldLocation{RegionID: region, Position: NewPosition(x, y, z, o)}
}

// Equal reports whether both locations are in the same region at the same point.
func (l WorldLocation) Equal(o WorldLocation) bool {
	return l.RegionID == o.RegionID && l.Position == o.Position
}

// NormalizeOrientation maps any angle into [0, 2π).
func NormalizeOrientation(o float64) float64 {
	if math.IsNaN(o) || math.IsInf(o, 0) {
		return 0
	}
	o = math.Mod(o, twoPi)
	if o < 0 {
		o += twoPi
	}
	if o >= twoPi {
		o = 0
	}
	return o
}

// AngleDelta returns the smallest absolute difference between two angles.
func AngleDelta(a, b float64) float64 {
	d := NormalizeOrientation(a - b)
	if d > math.Pi {
		d = twoPi - d
	}
	return d
}
