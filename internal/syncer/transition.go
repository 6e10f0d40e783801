package syncer

import (
	"log"

	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
	"github.com/tilefall/tilefall/internal/syncmodel"
	"github.com/tilefall/tilefall/internal/world"
)

// applyMovement relocates a moved entity in the spatial index and handles
// zone transitions. Reports whether the entity's zone window shifted.
func (s *Syncer) applyMovement(cs *entity.ChangeSet, out *batchMap) bool {
	p, ok := cs.Entity.(world.Placed)
	if !ok {
		return false
	}

	// The previous zone is recovered from the originals; absent originals
	// mean the entity did not move this window.
	oldPos, oldLoc := p.Pos(), p.LocationKey()
	moved := false
	if v, ok := cs.Original["position"]; ok {
		if vec, isVec := v.(geom.Vec2); isVec {
			oldPos = vec
			moved = true
		}
	}
	if v, ok := cs.Original["location"]; ok {
		if id, isID := v.(int64); isID && id != 0 {
			oldLoc = id
			moved = true
		}
	}
	if !moved {
		return false
	}

	oldCells := shiftCells(world.PositionsOf(p), oldPos.Sub(p.Pos()))
	if err := s.world.Relocate(p, oldLoc, oldCells); err != nil {
		log.Printf("[syncer] relocate %s/%d: %v", cs.Entity.ModelName(), cs.Entity.EntityID(), err)
	}

	newZone := s.world.ZoneAt(p.LocationKey(), p.Pos())
	oldZone := s.world.ZoneAt(oldLoc, oldPos)
	if newZone.Equal(oldZone) {
		return false
	}

	entered, left, _ := world.DifferenceOf(newZone, oldZone)
	selfID := int64(0)
	if cs.Entity.ModelName() == s.userModel {
		selfID = cs.Entity.EntityID()
	}

	// The mover's own batch: Deletes for everything no longer visible
	// before Creates for the newly visible, so clients free state first.
	if selfID != 0 {
		for _, sz := range left {
			for _, e := range flatEntities(sz) {
				if e == cs.Entity {
					continue
				}
				if del, ok := s.deleteSync(e); ok {
					out.add(selfID, del)
				}
			}
		}
		for _, sz := range entered {
			if err := sz.Load(); err != nil {
				log.Printf("[syncer] load %s: %v", sz.Key(), err)
				continue
			}
			for _, e := range flatEntities(sz) {
				if e == cs.Entity {
					continue
				}
				if create, ok := s.fullSync(e, observerAudience); ok {
					out.add(selfID, create)
				}
			}
		}
	}

	// Observers on either side learn of the appearance or disappearance.
	if del, ok := s.deleteSync(cs.Entity); ok {
		for _, sz := range left {
			for _, uid := range s.observersOf(sz) {
				if uid != selfID {
					out.add(uid, del)
				}
			}
		}
	}
	if create, ok := s.fullSync(cs.Entity, observerAudience); ok {
		for _, sz := range entered {
			for _, uid := range s.observersOf(sz) {
				if uid != selfID {
					out.add(uid, create)
				}
			}
		}
	}
	return true
}

// observersOf returns the users whose zone window covers the subzone.
// The window is symmetric, so those are exactly the users of the 3x3
// block centered on it.
func (s *Syncer) observersOf(sz *world.Subzone) []int64 {
	z := s.world.ZoneAt(sz.Key().Location, sz.Rect().Start)
	return z.UserIDs()
}

func flatEntities(sz *world.Subzone) []entity.Persistent {
	var out []entity.Persistent
	for _, list := range sz.Entities() {
		out = append(out, list...)
	}
	return out
}

func shiftCells(cells []geom.Vec2, delta geom.Vec2) []geom.Vec2 {
	out := make([]geom.Vec2, len(cells))
	for i, c := range cells {
		out[i] = c.Add(delta)
	}
	return out
}

// audience is who a materialized Create is built for: zone observers see
// only the spatially declared projection of an entity, the entity's own
// user additionally sees its Self fields.
type audience int

const (
	observerAudience audience = iota
	selfAudience
)

// fullSync materializes a Create carrying every field the audience is
// declared to see. Fields without a matching entry are left out; an entity
// with nothing visible to the audience yields no Create at all.
func (s *Syncer) fullSync(e entity.Persistent, aud audience) (Sync, bool) {
	m := s.models.Model(e.ModelName())
	if m == nil {
		return Sync{}, false
	}
	payload := map[string]any{"id": e.EntityID()}
	visible := false
	for _, field := range m.Fields() {
		value, ok := e.FieldValue(field)
		if !ok {
			continue
		}
		entry := entryFor(m.Entries(field), aud)
		if entry == nil {
			continue
		}
		v := value
		if entry.Map != nil {
			v = entry.Map(v)
		}
		if v == nil {
			v = entry.Default
		}
		payload[entry.EmitName(field)] = payloadValue(v)
		visible = true
	}
	if !visible {
		return Sync{}, false
	}
	return Sync{Op: entity.OpCreate.String(), Model: e.ModelName(), Payload: payload}, true
}

// deleteSync materializes a Delete; clients only need the key to free
// local state.
func (s *Syncer) deleteSync(e entity.Persistent) (Sync, bool) {
	if s.models.Model(e.ModelName()) == nil {
		return Sync{}, false
	}
	return Sync{
		Op:      entity.OpDelete.String(),
		Model:   e.ModelName(),
		Payload: map[string]any{"id": e.EntityID()},
	}, true
}

func entryFor(entries []syncmodel.Entry, aud audience) *syncmodel.Entry {
	for i := range entries {
		switch entries[i].For.(type) {
		case syncmodel.Zone, syncmodel.Spatial:
			return &entries[i]
		case syncmodel.Self:
			if aud == selfAudience {
				return &entries[i]
			}
		}
	}
	return nil
}

// Announce queues a Create for e to every user observing its covering
// subzones, skipping exceptID. Used when an entity joins the world
// outside the change tracker, a user signing in for instance.
func (s *Syncer) Announce(e world.Placed, exceptID int64) {
	create, ok := s.fullSync(e, observerAudience)
	if !ok {
		return
	}
	for _, uid := range s.audienceOf(e) {
		if uid != exceptID {
			s.QueueFor(uid, create)
		}
	}
}

// Retract queues a Delete for e to every user observing its covering
// subzones, skipping exceptID. The counterpart of Announce for logout.
func (s *Syncer) Retract(e world.Placed, exceptID int64) {
	del, ok := s.deleteSync(e)
	if !ok {
		return
	}
	for _, uid := range s.audienceOf(e) {
		if uid != exceptID {
			s.QueueFor(uid, del)
		}
	}
}

func (s *Syncer) audienceOf(e world.Placed) []int64 {
	return s.zoneUsers(e.LocationKey(), world.PositionsOf(e))
}

// FirstLoad builds the initial batch for a user who just entered the
// world: a Create for every entity in the user's zone, the user's own
// Self Create included.
func (s *Syncer) FirstLoad(u world.Placed) ([]Sync, error) {
	z := s.world.ZoneAt(u.LocationKey(), u.Pos())
	if err := z.Load(); err != nil {
		return nil, err
	}

	var batch []Sync
	sawSelf := false
	for _, sz := range z.Subzones() {
		for _, e := range flatEntities(sz) {
			aud := observerAudience
			if e == u {
				sawSelf = true
				aud = selfAudience
			}
			if create, ok := s.fullSync(e, aud); ok {
				batch = append(batch, create)
			}
		}
	}
	if !sawSelf {
		if create, ok := s.fullSync(u, selfAudience); ok {
			batch = append(batch, create)
		}
	}
	return batch, nil
}
