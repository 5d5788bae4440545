package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	// OrientationEpsilon is the orientation change (radians) that invalidates
	// the cached sin/cos and triggers a passenger reconciliation.
	OrientationEpsilon = 0.01
	// DriftThreshold is the summed axis movement that triggers a passenger
	// reconciliation.
	DriftThreshold = 1.0
)

// Frame is the reference frame of a carrier. It caches sin/cos of the
// carrier orientation and remembers where the carrier was at the last
// reconciliation pass.
//
// A Frame is a value owned by exactly one carrier; it is not safe for
// concurrent mutation.
type Frame struct {
	angle float64
	sin   float64
	cos   float64
	last  Position
}

func NewFrame(origin Position) Frame {
	f := Frame{last: origin}
	f.setAngle(origin.O)
	return f
}

func (f *Frame) setAngle(o float64) {
	f.angle = o
	f.sin, f.cos = math.Sincos(o)
}

// Angle is the orientation the cached sin/cos were computed for.
func (f Frame) Angle() float64 { return f.angle }

// Last is the carrier position recorded at the last Rebase.
func (f Frame) Last() Position { return f.last }

// RotateLocal rotates a carrier-local offset into world-aligned orientation.
func (f Frame) RotateLocal(lx, ly float64) (rx, ry float64) {
	v := mgl64.Mat2{f.cos, f.sin, -f.sin, f.cos}.Mul2x1(mgl64.Vec2{lx, ly})
	return v[0], v[1]
}

// Unrotate is the inverse of RotateLocal.
func (f Frame) Unrotate(rx, ry float64) (lx, ly float64) {
	v := mgl64.Mat2{f.cos, -f.sin, f.sin, f.cos}.Mul2x1(mgl64.Vec2{rx, ry})
	return v[0], v[1]
}

// GlobalPositionOf composes a local position with the carrier's current
// world position.
func (f Frame) GlobalPositionOf(origin, local Position) Position {
	rx, ry := f.RotateLocal(local.X, local.Y)
	return Position{
		X: origin.X + rx,
		Y: origin.Y + ry,
		Z: origin.Z + local.Z,
		O: NormalizeOrientation(local.O + origin.O),
	}
}

// LocalPositionOf is the inverse of GlobalPositionOf: it computes the offset a
// passenger standing at global would have on a carrier at origin.
func (f Frame) LocalPositionOf(origin, global Position) Position {
	lx, ly := f.Unrotate(global.X-origin.X, global.Y-origin.Y)
	return Position{
		X: lx,
		Y: ly,
		Z: global.Z - origin.Z,
		O: NormalizeOrientation(global.O - origin.O),
	}
}

// Moved reports whether current is far enough from the last recorded
// position (or rotated enough) to warrant recomputing passenger positions.
func (f Frame) Moved(current Position) bool {
	return current.Drift(f.last) > DriftThreshold ||
		AngleDelta(current.O, f.last.O) > OrientationEpsilon
}

// Rebase records current as the last known carrier position and refreshes the
// sin/cos cache when the orientation changed by more than OrientationEpsilon
// since the cache was computed.
func (f *Frame) Rebase(current Position) {
	if AngleDelta(current.O, f.angle) > OrientationEpsilon {
		f.setAngle(current.O)
	}
	f.last = current
}

// Sync forces the sin/cos cache to the exact orientation of current.
func (f *Frame) Sync(current Position) {
	f.setAngle(current.O)
	f.last = current
}
