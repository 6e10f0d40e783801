package world

import (
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
)

// Zone is the transient 3x3 subzone window centered on the subzone that
// contains a tile position. Zones are computed per use and never cached;
// the subzones they reference are canonical.
type Zone struct {
	mgr      *Manager
	location int64
	center   geom.Vec2 // zone-position of the center subzone
}

// ZoneAt returns the zone centered on the subzone covering tile.
func (m *Manager) ZoneAt(location int64, tile geom.Vec2) *Zone {
	return &Zone{
		mgr:      m,
		location: location,
		center:   tile.IntDiv(m.cfg.SubzoneSize),
	}
}

// Location returns the zone's location key.
func (z *Zone) Location() int64 { return z.location }

// Center returns the zone-position of the center subzone.
func (z *Zone) Center() geom.Vec2 { return z.center }

// Equal reports whether both zones cover the same 3x3 window.
func (z *Zone) Equal(o *Zone) bool {
	if z == nil || o == nil {
		return z == o
	}
	return z.location == o.location && z.center == o.center
}

// Rect returns the zone's tile rectangle (3x3 subzones).
func (z *Zone) Rect() geom.Rect {
	size := z.mgr.cfg.SubzoneSize
	return geom.NewRect(z.center.Sub(geom.V(1, 1)).Mul(size), size.Scale(3))
}

// Contains reports whether a subzone key lies inside the window.
func (z *Zone) Contains(key SubzoneKey) bool {
	if key.Location != z.location {
		return false
	}
	d := key.Pos.Sub(z.center)
	return d.X >= -1 && d.X <= 1 && d.Y >= -1 && d.Y <= 1
}

// ContainsTile reports whether a tile position lies inside the window.
func (z *Zone) ContainsTile(p geom.Vec2) bool {
	return z.Rect().Contains(p)
}

// Subzones returns the nine canonical subzones, row by row. They are not
// loaded by this call.
func (z *Zone) Subzones() []*Subzone {
	out := make([]*Subzone, 0, 9)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			key := SubzoneKey{Location: z.location, Pos: z.center.Add(geom.V(dx, dy))}
			out = append(out, z.mgr.Subzone(key))
		}
	}
	return out
}

// Load loads every subzone of the window.
func (z *Zone) Load() error {
	for _, sz := range z.Subzones() {
		if err := sz.Load(); err != nil {
			return err
		}
	}
	return nil
}

// Entities returns the per-type entities of all nine subzones.
func (z *Zone) Entities() map[string][]entity.Persistent {
	out := make(map[string][]entity.Persistent)
	for _, sz := range z.Subzones() {
		for model, list := range sz.Entities() {
			out[model] = append(out[model], list...)
		}
	}
	return out
}

// UserIDs returns the entity ids of every user inside the window.
func (z *Zone) UserIDs() []int64 {
	var out []int64
	for _, sz := range z.Subzones() {
		for _, model := range z.mgr.retainModels {
			for _, e := range sz.EntitiesOf(model) {
				out = append(out, e.EntityID())
			}
		}
	}
	return out
}

// Enter adds the entity to every member subzone its footprint touches.
// The subzones must already be loaded.
func (z *Zone) Enter(e Placed) {
	z.eachCovering(e, func(sz *Subzone) { sz.Enter(e) })
}

// Leave removes the entity from every member subzone its footprint
// touches.
func (z *Zone) Leave(e Placed) {
	z.eachCovering(e, func(sz *Subzone) { sz.Leave(e) })
}

func (z *Zone) eachCovering(e Placed, fn func(*Subzone)) {
	seen := make(map[SubzoneKey]struct{}, 1)
	for _, cell := range PositionsOf(e) {
		key := z.mgr.KeyAt(e.LocationKey(), cell)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if z.Contains(key) {
			fn(z.mgr.Subzone(key))
		}
	}
}

// DifferenceOf partitions the union of both zones' subzones into the
// ones only in next (entered), only in prev (left), and shared
// (remaining). Either zone may be nil.
func DifferenceOf(next, prev *Zone) (entered, left, remaining []*Subzone) {
	if next != nil {
		for _, sz := range next.Subzones() {
			if prev != nil && prev.Contains(sz.Key()) {
				remaining = append(remaining, sz)
			} else {
				entered = append(entered, sz)
			}
		}
	}
	if prev != nil {
		for _, sz := range prev.Subzones() {
			if next == nil || !next.Contains(sz.Key()) {
				left = append(left, sz)
			}
		}
	}
	return entered, left, remaining
}
