package world

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"transport-simulator/internal/geom"
)

var (
	ErrUnknownRegion     = errors.New("unknown region")
	ErrRegionUnreachable = errors.New("region is instanceable and cannot host transports")
	ErrNotInRegion       = errors.New("entity not in region")
)

const indexShards = 16

// RegionInfo is the static definition of a region.
type RegionInfo struct {
	ID           uint32 `yaml:"id"`
	Name         string `yaml:"name"`
	Instanceable bool   `yaml:"instanceable"`
}

// Region holds the entities currently placed in one map.
type Region struct {
	info RegionInfo

	mu       sync.RWMutex
	entities map[EntityID]Entity
}

func (r *Region) ID() uint32   { return r.Info().ID }
func (r *Region) Name() string { return r.Info().Name }

func (r *Region) Info() RegionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

func (r *Region) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

func (r *Region) Contains(id EntityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[id]
	return ok
}

// Entities returns a snapshot of the region's entities.
func (r *Region) Entities() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	return out
}

type indexShard struct {
	mu       sync.RWMutex
	entities map[EntityID]Entity
}

// Service owns every region and a global id -> entity index.
type Service struct {
	mu      sync.RWMutex
	known   map[uint32]RegionInfo
	regions map[uint32]*Region

	index [indexShards]indexShard
}

func NewService(infos []RegionInfo) *Service {
	s := &Service{
		known:   make(map[uint32]RegionInfo, len(infos)),
		regions: make(map[uint32]*Region),
	}
	for _, info := range infos {
		s.known[info.ID] = info
	}
	for i := range s.index {
		s.index[i].entities = make(map[EntityID]Entity)
	}
	return s
}

func (s *Service) shard(id EntityID) *indexShard {
	return &s.index[xxhash.Sum64(id[:])%indexShards]
}

// IsReachable reports whether region is known and can host a transport.
func (s *Service) IsReachable(region uint32) error {
	s.mu.RLock()
	info, ok := s.known[region]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("region %d: %w", region, ErrUnknownRegion)
	}
	if info.Instanceable {
		return fmt.Errorf("region %d: %w", region, ErrRegionUnreachable)
	}
	return nil
}

// CreateOrGetRegion returns the live region, creating it on first use.
func (s *Service) CreateOrGetRegion(id uint32) (*Region, error) {
	s.mu.RLock()
	r, ok := s.regions[id]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regions[id]; ok {
		return r, nil
	}
	info, ok := s.known[id]
	if !ok {
		return nil, fmt.Errorf("region %d: %w", id, ErrUnknownRegion)
	}
	r = &Region{info: info, entities: make(map[EntityID]Entity)}
	s.regions[id] = r
	return r, nil
}

// Region returns a live region without creating it.
func (s *Service) Region(id uint32) (*Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[id]
	return r, ok
}

// SetRegionInfo adds or replaces a region definition.
func (s *Service) SetRegionInfo(info RegionInfo) {
	s.mu.Lock()
	s.known[info.ID] = info
	if r, ok := s.regions[info.ID]; ok {
		r.mu.Lock()
		r.info = info
		r.mu.Unlock()
	}
	s.mu.Unlock()
}

// LookupEntity finds a placed entity by id.
func (s *Service) LookupEntity(id EntityID) (Entity, bool) {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entities[id]
	return e, ok
}

// InsertIntoRegion places e in region at its current coordinates.
func (s *Service) InsertIntoRegion(e Entity, region uint32) error {
	r, err := s.CreateOrGetRegion(region)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.entities[e.ID()] = e
	r.mu.Unlock()

	sh := s.shard(e.ID())
	sh.mu.Lock()
	sh.entities[e.ID()] = e
	sh.mu.Unlock()

	loc := e.Location()
	if loc.RegionID != region {
		loc.RegionID = region
		e.SetLocation(loc)
	}
	return nil
}

// RemoveFromRegion takes e out of region and out of the global index.
func (s *Service) RemoveFromRegion(e Entity, region uint32) error {
	r, ok := s.Region(region)
	if !ok {
		return fmt.Errorf("region %d: %w", region, ErrUnknownRegion)
	}
	r.mu.Lock()
	_, present := r.entities[e.ID()]
	delete(r.entities, e.ID())
	r.mu.Unlock()

	sh := s.shard(e.ID())
	sh.mu.Lock()
	delete(sh.entities, e.ID())
	sh.mu.Unlock()

	if !present {
		return fmt.Errorf("entity %s region %d: %w", e.ID(), region, ErrNotInRegion)
	}
	return nil
}

// Relocate moves e to loc. When loc is in another region the entity is
// removed from its old region and inserted into the new one; otherwise the
// coordinates are updated in place.
func (s *Service) Relocate(e Entity, loc geom.WorldLocation) error {
	cur := e.Location()
	if cur.RegionID == loc.RegionID {
		if _, ok := s.LookupEntity(e.ID()); !ok {
			if err := s.InsertIntoRegion(e, loc.RegionID); err != nil {
				return err
			}
		}
		e.SetLocation(loc)
		return nil
	}

	// resolve the target first so a failed move leaves e where it was
	if _, err := s.CreateOrGetRegion(loc.RegionID); err != nil {
		return err
	}
	if err := s.RemoveFromRegion(e, cur.RegionID); err != nil && !errors.Is(err, ErrNotInRegion) && !errors.Is(err, ErrUnknownRegion) {
		return err
	}
	e.SetLocation(loc)
	return s.InsertIntoRegion(e, loc.RegionID)
}
