// Package world is the in-process region service: it keeps every entity in
// exactly one region and relocates entities within and across regions.
package world

import (
	"sync"

	"github.com/google/uuid"

	"transport-simulator/internal/geom"
)

// EntityID identifies an entity for its whole lifetime.
type EntityID = uuid.UUID

func NewEntityID() EntityID { return uuid.New() }

// Entity is anything the world can place and relocate.
type Entity interface {
	ID() EntityID
	Name() string
	Location() geom.WorldLocation
	SetLocation(geom.WorldLocation)
}

// Object is a minimal Entity, embeddable by concrete entity types.
type Object struct {
	id   EntityID
	name string

	mu  sync.RWMutex
	loc geom.WorldLocation
}

func NewObject(name string, loc geom.WorldLocation) *Object {
	return &Object{id: NewEntityID(), name: name, loc: loc}
}

func (o *Object) ID() EntityID { return o.id }
func (o *Object) Name() string { return o.name }

func (o *Object) Location() geom.WorldLocation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.loc
}

func (o *Object) SetLocation(loc geom.WorldLocation) {
	o.mu.Lock()
	o.loc = loc
	o.mu.Unlock()
}
