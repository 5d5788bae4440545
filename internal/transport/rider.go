package transport

import (
	"go.uber.org/zap"

	"transport-simulator/internal/geom"
	"transport-simulator/internal/world"
)

// Unit is a plain passenger: a world object that can ride a carrier.
type Unit struct {
	*world.Object
	Rider
}

func NewUnit(name string, loc geom.WorldLocation) *Unit {
	return &Unit{Object: world.NewObject(name, loc)}
}

// Vehicle is a passenger that carries passengers of its own. When its
// carrier moves it, its riders are moved along.
type Vehicle struct {
	*world.Object
	Rider
	passengers *Registry
}

func NewVehicle(name string, loc geom.WorldLocation, w World, log *zap.Logger, m Metrics) *Vehicle {
	v := &Vehicle{Object: world.NewObject(name, loc)}
	v.passengers = NewRegistry(v, w, log, m)
	return v
}

func (v *Vehicle) Passengers() *Registry { return v.passengers }

func (v *Vehicle) CarriesPassengers() bool   { return v.passengers.Len() > 0 }
func (v *Vehicle) UpdatePassengerPositions() { v.passengers.Sync() }

var (
	_ Passenger = (*Unit)(nil)
	_ Passenger = (*Vehicle)(nil)
	_ Carrier   = (*Vehicle)(nil)
)
