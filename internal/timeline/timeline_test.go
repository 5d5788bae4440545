package timeline

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transport-simulator/internal/geom"
	"transport-simulator/internal/path"
)

func node(region uint32, x, y, z float64) path.Node {
	return path.Node{RegionID: region, X: x, Y: y, Z: z}
}

func requireIncreasing(t *testing.T, tl *Timeline) {
	t.Helper()
	for i := 1; i < tl.Len(); i++ {
		require.Greater(t, tl.Entry(i).At, tl.Entry(i-1).At, "entry %d", i)
	}
	assert.Equal(t, tl.Period(), tl.Entry(tl.Len()-1).At)
}

func TestGenerate_CyclicTriangle(t *testing.T) {
	a := node(1, 0, 0, 0)
	nodes := []path.Node{a, node(1, 10, 0, 0), node(1, 0, 10, 0)}

	for _, model := range []path.Motion{path.MotionConstant, path.MotionKinematic} {
		t.Run(model.String(), func(t *testing.T) {
			tl, err := Generate(nodes, Params{CruiseSpeed: 5, Model: model, Cyclic: true})
			require.NoError(t, err)
			requireIncreasing(t, tl)

			assert.True(t, tl.Closed())
			assert.Greater(t, tl.Period(), time.Duration(0))
			assert.False(t, math.IsInf(tl.Period().Seconds(), 0))

			last := tl.Entry(tl.Len() - 1)
			assert.True(t, last.Location.Equal(a.Location()))
			assert.False(t, last.Teleport)
			assert.False(t, last.IsNode())

			// advancing past the closing waypoint lands on the first one
			first := tl.Entry(tl.Next(tl.Len() - 1))
			assert.True(t, first.Location.Equal(last.Location))
			for i := 0; i < tl.Len(); i++ {
				assert.False(t, tl.Entry(i).Teleport, "entry %d", i)
			}
			assert.Equal(t, []uint32{1}, tl.Regions())
		})
	}
}

func TestGenerate_RegionCrossing(t *testing.T) {
	nodes := []path.Node{
		node(1, 0, 0, 0),
		node(1, 40, 0, 0),
		node(2, 0, 0, 0),
		node(2, 40, 0, 0),
	}

	for _, model := range []path.Motion{path.MotionConstant, path.MotionKinematic} {
		t.Run(model.String(), func(t *testing.T) {
			tl, err := Generate(nodes, Params{CruiseSpeed: 10, Model: model, Cyclic: true})
			require.NoError(t, err)
			requireIncreasing(t, tl)
			assert.False(t, tl.Closed())

			crossing := -1
			for i := 0; i < tl.Len(); i++ {
				e := tl.Entry(i)
				if e.Node == 2 {
					crossing = i
				}
				// the wrap back to the first node is a jump as well
				want := e.Node == 2 || i == 0
				assert.Equal(t, want, e.Teleport, "entry %d", i)
			}
			require.Greater(t, crossing, 0)
			assert.Equal(t, uint32(2), tl.Entry(crossing).Location.RegionID)
			assert.Equal(t, uint32(1), tl.Entry(crossing-1).Location.RegionID)
			assert.Equal(t, []uint32{1, 2}, tl.Regions())
		})
	}
}

func TestGenerate_ForcedTeleport(t *testing.T) {
	nodes := []path.Node{
		node(1, 0, 0, 0),
		{RegionID: 1, X: 20, Action: path.ActionTeleport},
		node(1, 500, 500, 0),
		node(1, 520, 500, 0),
	}
	tl, err := Generate(nodes, Params{CruiseSpeed: 10})
	require.NoError(t, err)

	for i := 0; i < tl.Len(); i++ {
		e := tl.Entry(i)
		if e.Node == 2 {
			assert.True(t, e.Teleport)
			prev := tl.Entry(i - 1)
			assert.Equal(t, 1, prev.Node, "no samples between a teleport and its target")
		}
	}
}

func TestGenerate_Invalid(t *testing.T) {
	two := []path.Node{node(1, 0, 0, 0), node(1, 1, 0, 0)}
	cases := []struct {
		name  string
		nodes []path.Node
		p     Params
	}{
		{"empty", nil, Params{CruiseSpeed: 1}},
		{"single", two[:1], Params{CruiseSpeed: 1}},
		{"zero speed", two, Params{}},
		{"nan speed", two, Params{CruiseSpeed: math.NaN()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Generate(tc.nodes, tc.p)
			require.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestGenerate_ZeroLengthRunsClamp(t *testing.T) {
	nodes := []path.Node{node(1, 5, 5, 5), node(1, 5, 5, 5), node(2, 5, 5, 5)}
	for _, model := range []path.Motion{path.MotionConstant, path.MotionKinematic} {
		tl, err := Generate(nodes, Params{CruiseSpeed: 10, Model: model})
		require.NoError(t, err)
		requireIncreasing(t, tl)
		for i := 1; i < tl.Len(); i++ {
			assert.GreaterOrEqual(t, tl.Entry(i).At-tl.Entry(i-1).At, MinBracket)
		}
	}
}

func TestGenerate_DwellAndHold(t *testing.T) {
	nodes := []path.Node{
		{RegionID: 1, Delay: 2 * time.Second},
		{RegionID: 1, X: 50, Delay: 3 * time.Second},
	}
	tl, err := Generate(nodes, Params{CruiseSpeed: 10})
	require.NoError(t, err)
	requireIncreasing(t, tl)

	first := tl.Entry(0)
	assert.Equal(t, 2*time.Second, first.Dwell)
	assert.GreaterOrEqual(t, tl.Entry(1).At, 2*time.Second)

	hold := tl.Entry(tl.Len() - 1)
	arrive := tl.Entry(tl.Len() - 2)
	assert.Equal(t, 1, arrive.Node)
	assert.Equal(t, -1, hold.Node)
	assert.Equal(t, 3*time.Second, hold.At-arrive.At)
	assert.True(t, hold.Location.Equal(arrive.Location))
}

func TestGenerate_KinematicCruise(t *testing.T) {
	nodes := []path.Node{node(1, 0, 0, 0), node(1, 300, 0, 0)}
	tl, err := Generate(nodes, Params{CruiseSpeed: 30, Model: path.MotionKinematic, Cyclic: true})
	require.NoError(t, err)
	requireIncreasing(t, tl)

	// no stops: 300 units each way at 30 units/s
	assert.Equal(t, 20*time.Second, tl.Period())
	for i := 1; i < tl.Len(); i++ {
		assert.Equal(t, KinematicStep, tl.Entry(i).At-tl.Entry(i-1).At)
	}
	mid := tl.Entry(tl.Bracket(5 * time.Second))
	assert.InDelta(t, 150, mid.Location.X, 1e-6)
}

func TestGenerate_KinematicStops(t *testing.T) {
	nodes := []path.Node{
		{RegionID: 1, Action: path.ActionStop},
		{RegionID: 1, X: 1000, Action: path.ActionStop},
	}
	tl, err := Generate(nodes, Params{CruiseSpeed: 30, AccelRate: 1, Model: path.MotionKinematic, Cyclic: true})
	require.NoError(t, err)
	requireIncreasing(t, tl)

	// 450 units to reach cruise speed in 30 s, 100 units cruising, 450 braking
	assert.InDelta(t, (2*(30+50.0/30))*2, tl.Period().Seconds(), 0.01)

	first := tl.Entry(1)
	assert.Equal(t, KinematicStep, first.At)
	assert.InDelta(t, 0.5*0.1*0.1, first.Location.X, 1e-9)

	// symmetric braking into the second stop
	arrive := 0
	for i := 0; i < tl.Len(); i++ {
		if tl.Entry(i).Node == 1 {
			arrive = i
		}
	}
	require.Greater(t, arrive, 1)
	before := tl.Entry(arrive - 1)
	assert.Less(t, 1000-before.Location.X, 1.0)
	assert.Greater(t, 1000-before.Location.X, 0.0)
}

func TestProfile_RoundTrip(t *testing.T) {
	p := newProfile(30, 1)
	assert.InDelta(t, 450, p.thr, 1e-9)
	for _, d := range []float64{0, 1, 200, 449, 450, 451, 2000} {
		assert.InDelta(t, d, p.distance(p.travelTime(d)), 1e-6, "d=%v", d)
	}
	for _, s := range []float64{0, 100, 500, 900, 1000} {
		assert.InDelta(t, s, p.along(p.at(s, 1000), 1000), 1e-6, "s=%v", s)
	}
	assert.Equal(t, 1.0, newProfile(10, 0).a)
}

func TestBuilder_ClampsKeys(t *testing.T) {
	b := newBuilder(3)
	wp := sampleWaypoint(1, geom.Position{})
	assert.Equal(t, time.Duration(0), b.add(0, wp))
	assert.Equal(t, MinBracket, b.add(0, wp))
	assert.Equal(t, MinBracket+MinBracket, b.add(50*time.Millisecond, wp))
	assert.Equal(t, time.Second, b.add(time.Second, wp))
}

func straightLine() *Timeline {
	b := newBuilder(3)
	a := nodeWaypoint(path.Node{Index: 0, RegionID: 1, Delay: time.Second}, false)
	b.add(0, a)
	b.add(3*time.Second, sampleWaypoint(1, geom.Position{X: 20}))
	b.add(5*time.Second, sampleWaypoint(1, geom.Position{X: 20, Y: 20}))
	return b.build(5*time.Second, path.MotionConstant, false)
}

func TestTimeline_BracketAndPassed(t *testing.T) {
	tl := straightLine()

	assert.Equal(t, 0, tl.Bracket(0))
	assert.Equal(t, 0, tl.Bracket(2999*time.Millisecond))
	assert.Equal(t, 1, tl.Bracket(3*time.Second))
	assert.Equal(t, 1, tl.Bracket(4*time.Second))
	assert.Equal(t, 0, tl.Bracket(5*time.Second))
	assert.Equal(t, 0, tl.Bracket(10*time.Second+500*time.Millisecond))

	assert.False(t, tl.Passed(0, 2*time.Second))
	assert.True(t, tl.Passed(0, 3500*time.Millisecond))
	assert.False(t, tl.Passed(1, 4*time.Second))
	assert.True(t, tl.Passed(1, 100*time.Millisecond))
}

func TestTimeline_PositionAt(t *testing.T) {
	tl := straightLine()

	// holds during the first second of dwell, then moves 20 units in 2 s
	p := tl.PositionAt(500 * time.Millisecond)
	assert.Equal(t, 0.0, p.X)
	p = tl.PositionAt(2 * time.Second)
	assert.InDelta(t, 10, p.X, 1e-9)
	assert.InDelta(t, 0, p.O, 1e-9)

	p = tl.PositionAt(4 * time.Second)
	assert.InDelta(t, 20, p.X, 1e-9)
	assert.InDelta(t, 10, p.Y, 1e-9)
	assert.InDelta(t, math.Pi/2, p.O, 1e-9)
	assert.Equal(t, uint32(1), p.RegionID)
}

func TestTimeline_PositionAtDoesNotCrossJumps(t *testing.T) {
	b := newBuilder(2)
	b.add(0, sampleWaypoint(1, geom.Position{X: 1}))
	b.add(time.Second, Waypoint{Location: geom.NewWorldLocation(2, 100, 0, 0, 0), Teleport: true, Node: 3})
	tl := b.build(2*time.Second, path.MotionConstant, false)

	p := tl.PositionAt(900 * time.Millisecond)
	assert.Equal(t, 1.0, p.X)
	assert.Equal(t, uint32(1), p.RegionID)
}
