// Package transport implements moving platforms: the passenger registry that
// keeps riders attached to a carrier's reference frame, and the movement
// state machine that walks a transport along its timeline tick by tick.
package transport

import (
	"transport-simulator/internal/geom"
	"transport-simulator/internal/world"
)

// World is the region service transports and passengers are placed in.
type World interface {
	Relocate(e world.Entity, loc geom.WorldLocation) error
	RemoveFromRegion(e world.Entity, region uint32) error
	LookupEntity(id world.EntityID) (world.Entity, bool)
	IsReachable(region uint32) error
}

// HookDispatcher runs the trigger bound to an arrival or departure event.
// It returns false when nothing handled the event.
type HookDispatcher interface {
	FireEvent(eventID uint32, actor, target world.Entity, departure bool) bool
}

// ScriptRunner is the fallback for events no trigger handled.
type ScriptRunner interface {
	RunEvent(eventID uint32, actor, target world.Entity, departure bool)
}

// Broadcaster tells observers about transport lifecycle and region changes.
type Broadcaster interface {
	TransportStarted(t *Transport, region uint32)
	TransportStopped(t *Transport, region uint32)
	RegionChangeBegin(t *Transport, from, to uint32)
	RegionChangeEnd(t *Transport, from, to uint32)
}

// Metrics receives movement and registry counters.
type Metrics interface {
	HardRelocation()
	SoftRelocation()
	RelocationRetry()
	HookFired(kind string, handled bool)
	PassengerBoarded()
	PassengerUnboarded()
	PassengerDropped()
}

type nopMetrics struct{}

func (nopMetrics) HardRelocation()        {}
func (nopMetrics) SoftRelocation()        {}
func (nopMetrics) RelocationRetry()       {}
func (nopMetrics) HookFired(string, bool) {}
func (nopMetrics) PassengerBoarded()      {}
func (nopMetrics) PassengerUnboarded()    {}
func (nopMetrics) PassengerDropped()      {}

type nopBroadcaster struct{}

func (nopBroadcaster) TransportStarted(*Transport, uint32)          {}
func (nopBroadcaster) TransportStopped(*Transport, uint32)          {}
func (nopBroadcaster) RegionChangeBegin(*Transport, uint32, uint32) {}
func (nopBroadcaster) RegionChangeEnd(*Transport, uint32, uint32)   {}
