package world

import (
	"log"
	"sync"
	"time"

	"github.com/tilefall/tilefall/internal/cache"
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
)

// ModelSource binds one persistent class to the spatial index and tells the
// subzone loader how to fetch its rows.
type ModelSource struct {
	Table entity.AnyTable

	// ShapeTable names the child table holding per-cell rows for shaped
	// classes. Empty for single-cell classes.
	ShapeTable string
	// LoadShape populates an entity's footprint after its row loaded.
	LoadShape func(e entity.Persistent) error

	// Blocking classes occupy their cells for movement.
	Blocking bool
	// Terrain rows define the walkable tiles of their cell.
	Terrain bool
	// Retains classes keep their subzone alive while present (users).
	Retains bool
}

// Config carries the world manager's tunables.
type Config struct {
	// SubzoneSize is the tile extent of one subzone, fixed for the
	// lifetime of the database.
	SubzoneSize geom.Vec2
	// IdleTTL is how long an empty subzone survives between sweeps.
	IdleTTL time.Duration
	// Staggered marks the isometric row layout: odd rows are half-offset
	// and distances count double in Y.
	Staggered bool
}

// Manager owns the canonical subzone instances of every location. Subzones
// are created on demand, cached weakly, and swept when no user has kept
// them alive past the idle TTL.
type Manager struct {
	cache *cache.Cache
	cfg   Config
	size  geom.Vec2

	sources      []ModelSource
	srcByModel   map[string]ModelSource
	blocking     []string
	retainModels []string

	mu        sync.Mutex
	subzones  map[SubzoneKey]*Subzone
	lastTouch map[SubzoneKey]time.Time
	now       func() time.Time // test hook
}

// NewManager creates a Manager over the given identity cache.
func NewManager(c *cache.Cache, cfg Config) *Manager {
	return &Manager{
		cache:      c,
		cfg:        cfg,
		size:       cfg.SubzoneSize,
		srcByModel: make(map[string]ModelSource),
		subzones:   make(map[SubzoneKey]*Subzone),
		lastTouch:  make(map[SubzoneKey]time.Time),
		now:        time.Now,
	}
}

// Register adds a persistent class to the spatial index. Registration
// order is load order.
func (m *Manager) Register(src ModelSource) {
	model := src.Table.Schema().Model
	m.sources = append(m.sources, src)
	m.srcByModel[model] = src
	if src.Blocking {
		m.blocking = append(m.blocking, model)
	}
	if src.Retains {
		m.retainModels = append(m.retainModels, model)
	}
}

func (m *Manager) sourceOf(model string) ModelSource {
	return m.srcByModel[model]
}

// Size returns the subzone tile extent.
func (m *Manager) Size() geom.Vec2 { return m.cfg.SubzoneSize }

// Staggered reports whether the map uses the staggered row layout.
func (m *Manager) Staggered() bool { return m.cfg.Staggered }

// KeyAt returns the subzone key covering a tile position.
func (m *Manager) KeyAt(location int64, tile geom.Vec2) SubzoneKey {
	return SubzoneKey{Location: location, Pos: tile.IntDiv(m.cfg.SubzoneSize)}
}

// Subzone returns the canonical subzone for a key, creating it unloaded
// when absent. The access refreshes the subzone's idle clock.
func (m *Manager) Subzone(key SubzoneKey) *Subzone {
	m.mu.Lock()
	defer m.mu.Unlock()

	sz, ok := m.subzones[key]
	if !ok {
		sz = newSubzone(m, key)
		m.subzones[key] = sz
		m.cache.SetWeak(key.String(), sz, sz.handle)
	}
	m.lastTouch[key] = m.now()
	return sz
}

// SubzoneAt returns the canonical subzone covering a tile position.
func (m *Manager) SubzoneAt(location int64, tile geom.Vec2) *Subzone {
	return m.Subzone(m.KeyAt(location, tile))
}

// Enter loads and joins every subzone the entity's footprint touches.
func (m *Manager) Enter(e Placed) error {
	for _, sz := range m.coveringSubzones(e.LocationKey(), PositionsOf(e)) {
		if err := sz.Load(); err != nil {
			return err
		}
		sz.Enter(e)
	}
	return nil
}

// Leave removes the entity from every subzone covering the given cells
// (its footprint before the caller mutated the position).
func (m *Manager) Leave(e Placed, cells []geom.Vec2) {
	for _, sz := range m.coveringSubzones(e.LocationKey(), cells) {
		sz.Leave(e)
	}
}

// Relocate moves the entity from its old cells to its current footprint,
// loading newly covered subzones and leaving vacated ones. A move inside
// one subzone is a no-op here.
func (m *Manager) Relocate(e Placed, oldLocation int64, oldCells []geom.Vec2) error {
	oldSet := make(map[SubzoneKey]*Subzone)
	for _, sz := range m.coveringSubzones(oldLocation, oldCells) {
		oldSet[sz.Key()] = sz
	}
	for _, sz := range m.coveringSubzones(e.LocationKey(), PositionsOf(e)) {
		if _, stays := oldSet[sz.Key()]; stays {
			delete(oldSet, sz.Key())
			continue
		}
		if err := sz.Load(); err != nil {
			return err
		}
		sz.Enter(e)
	}
	for _, sz := range oldSet {
		sz.Leave(e)
	}
	return nil
}

func (m *Manager) coveringSubzones(location int64, cells []geom.Vec2) []*Subzone {
	seen := make(map[SubzoneKey]struct{}, 1)
	var out []*Subzone
	for _, cell := range cells {
		key := m.KeyAt(location, cell)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m.Subzone(key))
	}
	return out
}

// Sweep drops subzones that hold no users and have been idle past the
// configured TTL, releasing their entity references. Returns the number
// of subzones dropped.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	cutoff := m.now().Add(-m.cfg.IdleTTL)
	var idle []*Subzone
	for key, sz := range m.subzones {
		// One reference is the manager's own; more means users inside.
		if sz.handle.Refs() > 1 {
			continue
		}
		if m.lastTouch[key].After(cutoff) {
			continue
		}
		idle = append(idle, sz)
		delete(m.subzones, key)
		delete(m.lastTouch, key)
	}
	m.mu.Unlock()

	for _, sz := range idle {
		sz.dropAll()
		sz.handle.Release()
		m.cache.Delete(sz.Key().String())
	}
	if len(idle) > 0 {
		log.Printf("[world] swept %d idle subzones", len(idle))
	}
	return len(idle)
}

// Count returns the number of live subzones.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subzones)
}
