package transport

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transport-simulator/internal/geom"
	"transport-simulator/internal/world"
)

func placed(t *testing.T, w *world.Service, e world.Entity) {
	t.Helper()
	require.NoError(t, w.InsertIntoRegion(e, e.Location().RegionID))
}

func newCarrier(t *testing.T, w *world.Service, loc geom.WorldLocation) (*world.Object, *Registry, *countingMetrics) {
	t.Helper()
	carrier := world.NewObject("ferry", loc)
	placed(t, w, carrier)
	m := &countingMetrics{}
	return carrier, NewRegistry(carrier, w, nil, m), m
}

func TestRegistry_BoardUnboard(t *testing.T) {
	w := newWorld()
	carrier, reg, m := newCarrier(t, w, geom.NewWorldLocation(1, 100, 100, 0, 0))
	u := NewUnit("passenger", geom.NewWorldLocation(1, 0, 0, 0, 0))
	placed(t, w, u)

	a := reg.Board(u, geom.Position{}, SeatNone)
	require.NotNil(t, a)
	assert.Equal(t, 1, reg.Len())
	assert.Same(t, a, u.TransportInfo())
	assert.Equal(t, carrier.ID(), a.Transport().ID())
	assert.Equal(t, SeatNone, a.Seat())

	got, ok := reg.Attachment(u.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	// local (0,0,0) on a carrier at (100,100,0) facing 0
	loc := u.Location()
	assert.Equal(t, uint32(1), loc.RegionID)
	assert.InDelta(t, 100, loc.X, 1e-9)
	assert.InDelta(t, 100, loc.Y, 1e-9)
	assert.InDelta(t, 0, loc.Z, 1e-9)

	assert.True(t, reg.Unboard(u))
	assert.Nil(t, u.TransportInfo())
	assert.Equal(t, 0, reg.Len())
	_, ok = reg.Attachment(u.ID())
	assert.False(t, ok)

	assert.False(t, reg.Unboard(u), "unboarding twice is a no-op")
	assert.Equal(t, 1, m.count(&m.boarded))
	assert.Equal(t, 1, m.count(&m.unboarded))
}

func TestRegistry_BoardNil(t *testing.T) {
	w := newWorld()
	_, reg, _ := newCarrier(t, w, geom.NewWorldLocation(1, 0, 0, 0, 0))

	assert.Nil(t, reg.Board(nil, geom.Position{}, 0))
	assert.Nil(t, reg.BoardAt(nil, 0))
	assert.False(t, reg.Unboard(nil))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_BoardingTwiceMovesThePassenger(t *testing.T) {
	w := newWorld()
	_, first, _ := newCarrier(t, w, geom.NewWorldLocation(1, 0, 0, 0, 0))
	_, second, _ := newCarrier(t, w, geom.NewWorldLocation(1, 50, 0, 0, 0))
	u := NewUnit("passenger", geom.NewWorldLocation(1, 0, 0, 0, 0))
	placed(t, w, u)

	first.Board(u, geom.Position{}, 0)
	a := second.Board(u, geom.Position{X: 1}, 2)

	assert.Equal(t, 0, first.Len())
	assert.Equal(t, 1, second.Len())
	assert.Same(t, a, u.TransportInfo())

	// boarding the same carrier again replaces the record
	b := second.Board(u, geom.Position{X: 2}, 3)
	assert.Equal(t, 1, second.Len())
	assert.Same(t, b, u.TransportInfo())
	assert.Equal(t, 3, b.Seat())
}

func TestRegistry_BoardReplacesStaleRecord(t *testing.T) {
	w := newWorld()
	_, reg, m := newCarrier(t, w, geom.NewWorldLocation(1, 0, 0, 0, 0))
	u := NewUnit("passenger", geom.NewWorldLocation(1, 0, 0, 0, 0))
	placed(t, w, u)

	a := reg.Board(u, geom.Position{}, 0)
	require.True(t, u.SwapTransportInfo(a, nil))

	b := reg.Board(u, geom.Position{X: 1}, 1)
	require.NotNil(t, b)
	assert.Same(t, b, u.TransportInfo())
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 2, m.count(&m.boarded))
	assert.Equal(t, 1, m.count(&m.unboarded))
}

func TestRegistry_UpdateDropsRecordsOfDepartedPassengers(t *testing.T) {
	w := newWorld()
	carrier, reg, m := newCarrier(t, w, geom.NewWorldLocation(1, 0, 0, 0, 0))
	u := NewUnit("passenger", geom.NewWorldLocation(1, 0, 0, 0, 0))
	placed(t, w, u)

	a := reg.Board(u, geom.Position{X: 1}, SeatNone)
	require.True(t, u.SwapTransportInfo(a, nil))
	carrier.SetLocation(geom.NewWorldLocation(1, 50, 0, 0, 0))

	reg.UpdateGlobalPositions()
	assert.InDelta(t, 1, u.Location().X, 1e-9, "not moved by a carrier it left")
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 1, m.count(&m.unboarded))
	assert.Equal(t, 0, m.count(&m.gone))
}

// gatedUnit holds its first reads of the transport handle until both
// boarding goroutines have seen the same value.
type gatedUnit struct {
	*Unit
	reads atomic.Int32
	gate  sync.WaitGroup
}

func (g *gatedUnit) TransportInfo() *Attachment {
	a := g.Unit.TransportInfo()
	if g.reads.Add(1) <= 2 {
		g.gate.Done()
		g.gate.Wait()
	}
	return a
}

func TestRegistry_ConcurrentBoardsOntoTwoCarriers(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		w := newWorld()
		_, regA, mA := newCarrier(t, w, geom.NewWorldLocation(1, 0, 0, 0, 0))
		_, regB, mB := newCarrier(t, w, geom.NewWorldLocation(1, 50, 0, 0, 0))
		u := &gatedUnit{Unit: NewUnit("passenger", geom.NewWorldLocation(1, 0, 0, 0, 0))}
		u.gate.Add(2)
		placed(t, w, u)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); regA.Board(u, geom.Position{}, SeatNone) }()
		go func() { defer wg.Done(); regB.Board(u, geom.Position{}, SeatNone) }()
		wg.Wait()

		_, inA := regA.Attachment(u.ID())
		_, inB := regB.Attachment(u.ID())
		require.True(t, inA != inB, "rides exactly one carrier: A=%v B=%v", inA, inB)

		held := u.Unit.TransportInfo()
		require.NotNil(t, held)
		owner := regA
		if inB {
			owner = regB
		}
		got, _ := owner.Attachment(u.ID())
		assert.Same(t, got, held)

		boarded := mA.count(&mA.boarded) + mB.count(&mB.boarded)
		unboarded := mA.count(&mA.unboarded) + mB.count(&mB.unboarded)
		assert.Equal(t, 1, boarded-unboarded)
	}
}

func TestRegistry_RotatedCarrier(t *testing.T) {
	w := newWorld()
	_, reg, _ := newCarrier(t, w, geom.NewWorldLocation(1, 100, 100, 5, math.Pi/2))
	u := NewUnit("passenger", geom.NewWorldLocation(1, 0, 0, 0, 0))
	placed(t, w, u)

	a := reg.Board(u, geom.Position{X: 10, Z: 1, O: 0.5}, SeatNone)
	g := a.GlobalPosition()
	assert.InDelta(t, 100, g.X, 1e-9)
	assert.InDelta(t, 110, g.Y, 1e-9)
	assert.InDelta(t, 6, g.Z, 1e-9)
	assert.InDelta(t, math.Pi/2+0.5, g.O, 1e-9)
}

func TestRegistry_BoardAtKeepsWorldPosition(t *testing.T) {
	w := newWorld()
	_, reg, _ := newCarrier(t, w, geom.NewWorldLocation(1, 10, 20, 0, 1.0))
	u := NewUnit("passenger", geom.NewWorldLocation(1, 13, 25, 2, 0.5))
	placed(t, w, u)
	before := u.Location()

	a := reg.BoardAt(u, 4)
	require.NotNil(t, a)
	after := u.Location()
	assert.InDelta(t, before.X, after.X, 1e-9)
	assert.InDelta(t, before.Y, after.Y, 1e-9)
	assert.InDelta(t, before.Z, after.Z, 1e-9)
	assert.InDelta(t, before.O, after.O, 1e-9)
}

func TestAttachment_SetLocalPosition(t *testing.T) {
	w := newWorld()
	_, reg, _ := newCarrier(t, w, geom.NewWorldLocation(1, 100, 100, 0, 0))
	u := NewUnit("passenger", geom.NewWorldLocation(1, 0, 0, 0, 0))
	placed(t, w, u)

	a := reg.Board(u, geom.Position{}, SeatNone)
	a.SetLocalPosition(geom.Position{X: 3, Y: -2})
	assert.Equal(t, geom.Position{X: 3, Y: -2}, a.LocalPosition())
	assert.InDelta(t, 103, u.Location().X, 1e-9)
	assert.InDelta(t, 98, u.Location().Y, 1e-9)
}

func TestRegistry_UpdateIsThrottled(t *testing.T) {
	w := newWorld()
	carrier, reg, _ := newCarrier(t, w, geom.NewWorldLocation(1, 0, 0, 0, 0))
	u := NewUnit("passenger", geom.NewWorldLocation(1, 0, 0, 0, 0))
	placed(t, w, u)
	reg.Board(u, geom.Position{X: 1}, SeatNone)

	// below the drift threshold nothing is recomputed
	carrier.SetLocation(geom.NewWorldLocation(1, 0.5, 0, 0, 0))
	reg.Update(ReconcileInterval)
	assert.InDelta(t, 1, u.Location().X, 1e-9)

	carrier.SetLocation(geom.NewWorldLocation(1, 5, 0, 0, 0))
	reg.Update(100 * time.Millisecond)
	assert.InDelta(t, 1, u.Location().X, 1e-9, "not due yet")

	reg.Update(ReconcileInterval - 100*time.Millisecond)
	assert.InDelta(t, 6, u.Location().X, 1e-9)

	// a turn past the epsilon is enough on its own
	carrier.SetLocation(geom.NewWorldLocation(1, 5, 0, 0, math.Pi))
	reg.Update(ReconcileInterval)
	assert.InDelta(t, 4, u.Location().X, 1e-9)
}

func TestRegistry_DropsVanishedPassengers(t *testing.T) {
	w := newWorld()
	_, reg, m := newCarrier(t, w, geom.NewWorldLocation(1, 0, 0, 0, 0))
	stays := NewUnit("stays", geom.NewWorldLocation(1, 0, 0, 0, 0))
	leaves := NewUnit("leaves", geom.NewWorldLocation(1, 0, 0, 0, 0))
	placed(t, w, stays)
	placed(t, w, leaves)
	reg.Board(stays, geom.Position{}, 0)
	reg.Board(leaves, geom.Position{}, 1)

	require.NoError(t, w.RemoveFromRegion(leaves, 1))
	reg.UpdateGlobalPositions()

	assert.Equal(t, 1, reg.Len())
	assert.Nil(t, leaves.TransportInfo())
	assert.NotNil(t, stays.TransportInfo())
	assert.Equal(t, 1, m.count(&m.gone))
}

func TestRegistry_NestedCarriers(t *testing.T) {
	w := newWorld()
	carrier, reg, _ := newCarrier(t, w, geom.NewWorldLocation(1, 0, 0, 0, 0))
	cart := NewVehicle("cart", geom.NewWorldLocation(1, 0, 0, 0, 0), w, nil, nil)
	placed(t, w, cart)
	rider := NewUnit("rider", geom.NewWorldLocation(1, 0, 0, 0, 0))
	placed(t, w, rider)

	reg.Board(cart, geom.Position{X: 2}, SeatNone)
	cart.Passengers().Board(rider, geom.Position{X: 1}, 0)
	assert.True(t, cart.CarriesPassengers())
	assert.InDelta(t, 3, rider.Location().X, 1e-9)

	carrier.SetLocation(geom.NewWorldLocation(2, 100, 0, 0, 0))
	reg.Sync()

	assert.Equal(t, uint32(2), cart.Location().RegionID)
	assert.InDelta(t, 102, cart.Location().X, 1e-9)
	assert.Equal(t, uint32(2), rider.Location().RegionID)
	assert.InDelta(t, 103, rider.Location().X, 1e-9)

	r2, ok := w.Region(2)
	require.True(t, ok)
	assert.True(t, r2.Contains(rider.ID()))
}

func TestRegistry_Concurrent(t *testing.T) {
	w := newWorld()
	_, reg, _ := newCarrier(t, w, geom.NewWorldLocation(1, 0, 0, 0, 0))
	units := make([]*Unit, 32)
	for i := range units {
		units[i] = NewUnit("u", geom.NewWorldLocation(1, 0, 0, 0, 0))
		placed(t, w, units[i])
	}

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u *Unit) {
			defer wg.Done()
			for iter := 0; iter < 20; iter++ {
				reg.Board(u, geom.Position{X: 1}, SeatNone)
				reg.UpdateGlobalPositions()
				reg.Unboard(u)
			}
			reg.Board(u, geom.Position{}, SeatNone)
		}(u)
	}
	wg.Wait()

	assert.Equal(t, len(units), reg.Len())
	for _, u := range units {
		a, ok := reg.Attachment(u.ID())
		require.True(t, ok)
		assert.Same(t, a, u.TransportInfo())
	}
	assert.Equal(t, len(units), reg.UnboardAll())
	for _, u := range units {
		assert.Nil(t, u.TransportInfo())
	}
}
