// Package world implements spatial partitioning: fixed-size subzones that
// own the entities inside their tile rectangle, and transient 3x3 zones
// used to compute visibility.
package world

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/tilefall/tilefall/internal/cache"
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
)

// Placed is an entity with a tile position inside a location.
type Placed interface {
	entity.Persistent
	LocationKey() int64
	Pos() geom.Vec2
}

// Shaped is a Placed entity occupying several cells.
type Shaped interface {
	Placed
	// Footprint returns every cell the entity covers, absolute coords.
	Footprint() []geom.Vec2
}

// PositionsOf returns the cells an entity occupies: its footprint when
// shaped, otherwise its single position.
func PositionsOf(e Placed) []geom.Vec2 {
	if s, ok := e.(Shaped); ok {
		if cells := s.Footprint(); len(cells) > 0 {
			return cells
		}
	}
	return []geom.Vec2{e.Pos()}
}

// SubzoneKey identifies a subzone by location and zone-position (the tile
// position floor-divided by the subzone size).
type SubzoneKey struct {
	Location int64
	Pos      geom.Vec2
}

func (k SubzoneKey) String() string {
	return fmt.Sprintf("subzone/%d/%s", k.Location, k.Pos)
}

type loadState int

const (
	stateUnloaded loadState = iota
	stateLoading
	stateLoaded
)

// Subzone owns every entity whose footprint intersects its tile rectangle.
// Load is serialized: the first caller performs the single SQL pass, later
// callers block on the in-flight load.
type Subzone struct {
	mgr  *Manager
	key  SubzoneKey
	rect geom.Rect

	// Weak retention: one reference held by the manager, one per user
	// inside. The manager's sweep releases idle subzones.
	handle *cache.Handle

	mu       sync.Mutex
	state    loadState
	loadedCh chan struct{}
	loadErr  error

	entities map[string]map[entity.Persistent]struct{}
	tiles    map[geom.Vec2]struct{}
}

func newSubzone(mgr *Manager, key SubzoneKey) *Subzone {
	return &Subzone{
		mgr:      mgr,
		key:      key,
		rect:     geom.NewRect(key.Pos.Mul(mgr.size), mgr.size),
		handle:   cache.NewHandle(),
		entities: make(map[string]map[entity.Persistent]struct{}),
		tiles:    make(map[geom.Vec2]struct{}),
	}
}

// Key returns the subzone's identity.
func (s *Subzone) Key() SubzoneKey { return s.key }

// Rect returns the subzone's half-open tile rectangle.
func (s *Subzone) Rect() geom.Rect { return s.rect }

// IsInside reports whether p lies in the subzone's rectangle.
func (s *Subzone) IsInside(p geom.Vec2) bool { return s.rect.Contains(p) }

// Loaded reports whether the subzone has completed loading.
func (s *Subzone) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateLoaded
}

// Load brings the subzone's entity sets in line with storage. Idempotent;
// concurrent callers of the same subzone trigger exactly one SQL pass and
// block until it completes.
func (s *Subzone) Load() error {
	s.mu.Lock()
	switch s.state {
	case stateLoaded:
		s.mu.Unlock()
		return nil
	case stateLoading:
		ch := s.loadedCh
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
		err := s.loadErr
		s.mu.Unlock()
		return err
	}
	s.state = stateLoading
	s.loadedCh = make(chan struct{})
	ch := s.loadedCh
	s.mu.Unlock()

	err := s.doLoad()

	s.mu.Lock()
	if err != nil {
		s.state = stateUnloaded // allow retry
	} else {
		s.state = stateLoaded
	}
	s.loadErr = err
	close(ch)
	s.mu.Unlock()
	return err
}

func (s *Subzone) doLoad() error {
	start, end := s.rect.Start, s.rect.End()

	for _, src := range s.mgr.sources {
		var (
			loaded []entity.Persistent
			err    error
		)
		if src.ShapeTable != "" {
			// Shaped entities: any entity whose shape touches the
			// rectangle is fetched in full.
			parent := src.Table.Schema().Table
			fk := parent + "_id"
			cond := fmt.Sprintf(
				"id IN (SELECT s.%s FROM %s s JOIN %s p ON p.id = s.%s"+
					" WHERE p.location_id = ? AND s.x >= ? AND s.x < ? AND s.y >= ? AND s.y < ?)",
				fk, src.ShapeTable, parent, fk)
			loaded, err = src.Table.LoadPersistentWhere(cond,
				s.key.Location, start.X, end.X, start.Y, end.Y)
		} else {
			loaded, err = src.Table.LoadPersistentWhere(
				"location_id = ? AND x >= ? AND x < ? AND y >= ? AND y < ?",
				s.key.Location, start.X, end.X, start.Y, end.Y)
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", s.key, err)
		}

		for _, e := range loaded {
			if src.LoadShape != nil {
				if err := src.LoadShape(e); err != nil {
					return fmt.Errorf("load %s shape: %w", s.key, err)
				}
			}
			s.add(e)
		}
	}
	return nil
}

// add inserts an entity into its per-type set without the loaded check.
func (s *Subzone) add(e entity.Persistent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	model := e.ModelName()
	set, ok := s.entities[model]
	if !ok {
		set = make(map[entity.Persistent]struct{})
		s.entities[model] = set
	}
	if _, dup := set[e]; dup {
		return
	}
	set[e] = struct{}{}
	e.Handle().Retain()
	src := s.mgr.sourceOf(model)
	if src.Terrain {
		if p, ok := e.(Placed); ok {
			s.tiles[p.Pos()] = struct{}{}
		}
	}
	if src.Retains {
		s.handle.Retain()
	}
}

// Enter adds an entity to the subzone. Callers must have loaded the
// subzone first.
func (s *Subzone) Enter(e entity.Persistent) {
	s.add(e)
}

// Leave removes an entity from the subzone.
func (s *Subzone) Leave(e entity.Persistent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	model := e.ModelName()
	set, ok := s.entities[model]
	if !ok {
		return
	}
	if _, present := set[e]; !present {
		return
	}
	delete(set, e)
	e.Handle().Release()
	src := s.mgr.sourceOf(model)
	if src.Terrain {
		if p, ok := e.(Placed); ok {
			delete(s.tiles, p.Pos())
		}
	}
	if src.Retains {
		s.handle.Release()
	}
}

// HasTile reports whether a walkable tile exists at p.
func (s *Subzone) HasTile(p geom.Vec2) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tiles[p]
	return ok
}

// IsTileFree reports whether p has a tile and no blocking occupant.
func (s *Subzone) IsTileFree(p geom.Vec2) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tiles[p]; !ok {
		return false
	}
	for _, model := range s.mgr.blocking {
		for e := range s.entities[model] {
			placed, ok := e.(Placed)
			if !ok {
				continue
			}
			for _, cell := range PositionsOf(placed) {
				if cell == p {
					return false
				}
			}
		}
	}
	return true
}

// Entities returns a snapshot of the per-type entity sets.
func (s *Subzone) Entities() map[string][]entity.Persistent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]entity.Persistent, len(s.entities))
	for model, set := range s.entities {
		for e := range set {
			out[model] = append(out[model], e)
		}
	}
	return out
}

// EntitiesOf returns a snapshot of one type's set.
func (s *Subzone) EntitiesOf(model string) []entity.Persistent {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.entities[model]
	out := make([]entity.Persistent, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	return out
}

// dropAll releases every held entity reference and resets the subzone to
// unloaded. Called by the manager's sweep with no users inside.
func (s *Subzone) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, set := range s.entities {
		for e := range set {
			e.Handle().Release()
		}
	}
	s.entities = make(map[string]map[entity.Persistent]struct{})
	s.tiles = make(map[geom.Vec2]struct{})
	s.state = stateUnloaded
}

// RandomPositionInside returns a uniform position in the rectangle. On a
// staggered map, odd-Y rows are snapped to the nearest even row inside
// the subzone.
func (s *Subzone) RandomPositionInside(staggered bool) geom.Vec2 {
	p := geom.V(
		s.rect.Start.X+rand.IntN(s.rect.Size.X),
		s.rect.Start.Y+rand.IntN(s.rect.Size.Y),
	)
	if staggered && p.Y%2 != 0 {
		if p.Y-1 >= s.rect.Start.Y {
			p.Y--
		} else {
			p.Y++
		}
	}
	return p
}
