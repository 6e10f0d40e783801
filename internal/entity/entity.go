// Package entity implements the persistence core: canonical entity
// identity, schema mapping, layered change tracking, and flush to SQL.
package entity

import (
	"sync"

	"github.com/tilefall/tilefall/internal/cache"
	"github.com/tilefall/tilefall/internal/store"
)

// Entity is any object with a persistent integer primary key.
// A key of zero means the entity has not been saved yet.
type Entity interface {
	EntityID() int64
	SetEntityID(id int64)
}

// Persistent is an entity the registry can load, hydrate and save.
// Concrete models embed Base and register a Schema describing their columns.
type Persistent interface {
	Entity
	// ModelName returns the snake_case class name ("user", "message").
	ModelName() string
	// FieldValue returns the current value of a schema field. Vec2 fields
	// return geom.Vec2, reference fields return the target key as int64
	// (zero for unset).
	FieldValue(field string) (any, bool)
	// ApplyRow hydrates the entity in place from a database row keyed by
	// column name. Resolved references must survive hydration when the row
	// carries the same foreign key.
	ApplyRow(row Row)
	// Initialized reports whether the entity carries loaded state, as
	// opposed to being a bare key stub created for a lazy reference.
	Initialized() bool
	// MarkInitialized flips the entity to the initialized state.
	MarkInitialized()
	// Handle is the retention handle guarding eviction.
	Handle() *cache.Handle
}

// Row is a database row keyed by column name.
type Row = store.Row

// Base carries the key, init flag and retention handle for every
// persistent model.
type Base struct {
	ID   int64
	init bool
	hnd  *cache.Handle
	once sync.Once
}

func (b *Base) EntityID() int64      { return b.ID }
func (b *Base) SetEntityID(id int64) { b.ID = id }
func (b *Base) Initialized() bool    { return b.init }
func (b *Base) MarkInitialized()     { b.init = true }

// Handle returns the entity's retention handle. It starts with zero
// references; owners (subzones, sessions) retain and release it, and the
// registry refuses to evict entities that are still retained.
func (b *Base) Handle() *cache.Handle {
	b.once.Do(func() { b.hnd = &cache.Handle{} })
	return b.hnd
}
