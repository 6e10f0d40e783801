package entity

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tilefall/tilefall/internal/cache"
)

// ErrNotFound is returned when no entity exists for a key.
var ErrNotFound = errors.New("entity: not found")

// Gateway is the SQL surface the registry flushes through.
type Gateway interface {
	SelectRows(table string, columns []string, cond string, args ...any) ([]Row, error)
	Insert(table string, cols []string, vals []any) (int64, error)
	Update(table string, cols []string, vals []any, id int64) (int64, error)
	Delete(table string, id int64) (int64, error)
}

// AnyTable is the type-erased view of a Table, used where entity classes
// are handled uniformly (subzone loading, flush, eviction).
type AnyTable interface {
	Schema() *Schema
	// LoadPersistentWhere loads every row matching cond, hydrating or
	// adopting canonical instances.
	LoadPersistentWhere(cond string, args ...any) ([]Persistent, error)
	// GetPersistent is Get without the concrete type.
	GetPersistent(id int64) (Persistent, error)

	adopt(e Persistent)
	evict(id int64)
	rangeAll(fn func(id int64, e Persistent) bool)
}

// Registry guarantees at most one live instance per {class, key}. Lookups
// read through the identity cache to storage; saves flush the tracker's
// change sets as batched SQL.
type Registry struct {
	gw      Gateway
	tracker *Tracker
	cache   *cache.Cache

	mu     sync.Mutex
	tables map[string]AnyTable
}

// NewRegistry creates a Registry over the given gateway, tracker and cache.
func NewRegistry(gw Gateway, tracker *Tracker, c *cache.Cache) *Registry {
	return &Registry{
		gw:      gw,
		tracker: tracker,
		cache:   c,
		tables:  make(map[string]AnyTable),
	}
}

// Tracker returns the shared change tracker.
func (r *Registry) Tracker() *Tracker { return r.tracker }

// Cache returns the identity cache.
func (r *Registry) Cache() *cache.Cache { return r.cache }

// Table returns the registered table for a model name.
func (r *Registry) Table(model string) AnyTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tables[model]
}

// Remove marks an entity for deletion and uncaches it immediately. The
// DELETE statement runs at the next flush.
func (r *Registry) Remove(e Persistent) {
	r.tracker.Delete(e)
	if tbl := r.Table(e.ModelName()); tbl != nil && e.EntityID() != 0 {
		tbl.evict(e.EntityID())
	}
	r.cache.Delete(entityCacheKey(e.ModelName(), e.EntityID()))
}

// Flush writes all pending change sets to storage in recording order:
// INSERT … RETURNING id for creates (adopting the returned key), UPDATE of
// dirty columns for updates, DELETE for removals. On failure the undrained
// remainder is merged back so the next flush retries it.
func (r *Registry) Flush() error {
	changes := r.tracker.DrainFlush()
	for i, cs := range changes {
		if err := r.flushOne(cs); err != nil {
			r.tracker.MergeFlush(changes[i:])
			return fmt.Errorf("flush %s #%d: %w", cs.Entity.ModelName(), cs.Entity.EntityID(), err)
		}
	}
	return nil
}

func (r *Registry) flushOne(cs ChangeSet) error {
	tbl := r.Table(cs.Entity.ModelName())
	if tbl == nil {
		return fmt.Errorf("no table registered for model %q", cs.Entity.ModelName())
	}
	schema := tbl.Schema()

	switch cs.Op {
	case OpCreate:
		cols, vals, err := schema.FlattenEntity(cs.Entity, nil)
		if err != nil {
			return err
		}
		id, err := r.gw.Insert(schema.Table, cols, vals)
		if err != nil {
			return err
		}
		cs.Entity.SetEntityID(id)
		tbl.adopt(cs.Entity)
		r.cache.Set(entityCacheKey(schema.Model, id), cs.Entity)
		return nil

	case OpUpdate:
		id := cs.Entity.EntityID()
		if id == 0 {
			// Updated before its insert flushed; the insert path wrote the
			// full row already.
			return nil
		}
		cols, vals, err := schema.FlattenEntity(cs.Entity, cs.Fields)
		if err != nil {
			return err
		}
		if len(cols) == 0 {
			return nil
		}
		_, err = r.gw.Update(schema.Table, cols, vals, id)
		return err

	case OpDelete:
		id := cs.Entity.EntityID()
		if id != 0 {
			if _, err := r.gw.Delete(schema.Table, id); err != nil {
				return err
			}
		}
		tbl.evict(id)
		r.cache.Delete(entityCacheKey(schema.Model, id))
		return nil
	}
	return nil
}

// CleanExpired runs a cache clean and drops identity-map entries whose
// cache entry expired, provided they are neither dirty nor retained.
// Retained-but-expired entries are re-cached so the canonical instance
// stays reachable.
func (r *Registry) CleanExpired() (evicted int) {
	r.cache.Clean()

	r.mu.Lock()
	tables := make([]AnyTable, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	r.mu.Unlock()

	for _, tbl := range tables {
		model := tbl.Schema().Model
		tbl.rangeAll(func(id int64, e Persistent) bool {
			key := entityCacheKey(model, id)
			if r.cache.Has(key) {
				return true
			}
			if r.tracker.IsDirty(e) || e.Handle().Refs() > 0 {
				r.cache.Set(key, e)
				return true
			}
			tbl.evict(id)
			evicted++
			return true
		})
	}
	if evicted > 0 {
		log.Printf("[registry] evicted %d expired entities", evicted)
	}
	return evicted
}

func entityCacheKey(model string, id int64) string {
	return model + "/" + strconv.FormatInt(id, 10)
}

// Table is the typed access point for one persistent class.
type Table[T Persistent] struct {
	reg    *Registry
	schema *Schema
	ctor   func() T
	byID   *xsync.Map[int64, T]
}

// RegisterTable registers a persistent class with the registry. ctor must
// return a blank instance; loaded state arrives later via ApplyRow.
func RegisterTable[T Persistent](reg *Registry, schema *Schema, ctor func() T) *Table[T] {
	t := &Table[T]{
		reg:    reg,
		schema: schema,
		ctor:   ctor,
		byID:   xsync.NewMap[int64, T](),
	}
	reg.mu.Lock()
	reg.tables[schema.Model] = t
	reg.mu.Unlock()
	return t
}

// Schema returns the class schema.
func (t *Table[T]) Schema() *Schema { return t.schema }

// Get returns the canonical instance for id, loading from storage when the
// cached instance is missing or still a bare stub. Returns ErrNotFound when
// no row exists.
func (t *Table[T]) Get(id int64) (T, error) {
	var zero T
	if id == 0 {
		return zero, ErrNotFound
	}
	if e, ok := t.byID.Load(id); ok && e.Initialized() {
		t.touch(id)
		return e, nil
	}
	return t.load(id)
}

// GetIfCached returns the instance only if it is cached and initialized;
// no storage access happens.
func (t *Table[T]) GetIfCached(id int64) (T, bool) {
	e, ok := t.byID.Load(id)
	if !ok || !e.Initialized() {
		var zero T
		return zero, false
	}
	return e, true
}

// Stub returns the canonical instance for id without initializing it,
// creating a bare-key stub if none is cached. Used by lazy references.
func (t *Table[T]) Stub(id int64) T {
	var out T
	t.byID.Compute(id, func(cur T, loaded bool) (T, xsync.ComputeOp) {
		if loaded {
			out = cur
			return cur, xsync.CancelOp
		}
		n := t.ctor()
		n.SetEntityID(id)
		out = n
		return n, xsync.UpdateOp
	})
	return out
}

// Create constructs a new entity, applies init, and marks it for insert at
// the next flush. The entity has no key until then.
func (t *Table[T]) Create(init func(T)) T {
	e := t.ctor()
	e.MarkInitialized()
	if init != nil {
		init(e)
	}
	t.reg.tracker.Create(e)
	return e
}

// Remove marks the entity for deletion and uncaches it.
func (t *Table[T]) Remove(e T) {
	t.reg.Remove(e)
}

// LoadWhere loads every row matching cond into canonical instances.
// Instances that are already initialized are NOT re-hydrated: in-memory
// state is authoritative over possibly stale rows.
func (t *Table[T]) LoadWhere(cond string, args ...any) ([]T, error) {
	rows, err := t.reg.gw.SelectRows(t.schema.Table, t.schema.AllColumns(), cond, args...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		id := row.Int64("id")
		if id == 0 {
			continue
		}
		e := t.Stub(id)
		if !e.Initialized() {
			e.ApplyRow(row)
			e.SetEntityID(id)
			e.MarkInitialized()
		}
		t.touch(id)
		out = append(out, e)
	}
	return out, nil
}

func (t *Table[T]) load(id int64) (T, error) {
	var zero T
	rows, err := t.reg.gw.SelectRows(t.schema.Table, t.schema.AllColumns(), "id = ?", id)
	if err != nil {
		return zero, fmt.Errorf("load %s/%d: %w", t.schema.Model, id, err)
	}
	if len(rows) == 0 {
		return zero, ErrNotFound
	}

	// Hydrate in place: a stub cached for a lazy reference keeps its
	// identity, so every holder observes the loaded state.
	e := t.Stub(id)
	if !e.Initialized() {
		e.ApplyRow(rows[0])
		e.SetEntityID(id)
		e.MarkInitialized()
	}
	t.touch(id)
	return e, nil
}

func (t *Table[T]) touch(id int64) {
	key := entityCacheKey(t.schema.Model, id)
	if !t.reg.cache.Has(key) {
		if e, ok := t.byID.Load(id); ok {
			t.reg.cache.Set(key, e)
		}
	}
}

// --- AnyTable ---

// LoadPersistentWhere implements AnyTable.
func (t *Table[T]) LoadPersistentWhere(cond string, args ...any) ([]Persistent, error) {
	typed, err := t.LoadWhere(cond, args...)
	if err != nil {
		return nil, err
	}
	out := make([]Persistent, len(typed))
	for i, e := range typed {
		out[i] = e
	}
	return out, nil
}

// GetPersistent implements AnyTable.
func (t *Table[T]) GetPersistent(id int64) (Persistent, error) {
	return t.Get(id)
}

func (t *Table[T]) adopt(e Persistent) {
	t.byID.Store(e.EntityID(), e.(T))
}

func (t *Table[T]) evict(id int64) {
	t.byID.Delete(id)
}

func (t *Table[T]) rangeAll(fn func(id int64, e Persistent) bool) {
	t.byID.Range(func(id int64, e T) bool {
		return fn(id, e)
	})
}
