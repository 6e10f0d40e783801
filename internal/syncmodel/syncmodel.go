// Package syncmodel holds the process-wide declaration of which entity
// properties synchronize, to which receivers, and how values are mapped.
// Declarations are registered at startup; inconsistencies are fatal.
package syncmodel

import (
	"fmt"
	"strings"
	"sync"
)

// Receiver selects who receives a property's sync emissions.
type Receiver interface {
	// Key is the canonical receiver identity used for duplicate detection
	// and payload grouping.
	Key() string
}

// Self emits to the entity itself, when the entity is a user.
type Self struct{}

func (Self) Key() string { return "self" }

// Zone emits to every user whose zone covers the entity's location and
// position (every cell of its footprint).
type Zone struct{}

func (Zone) Key() string { return "zone" }

// UserByField emits to the user whose id is stored in the named field.
type UserByField struct {
	Field string
}

func (r UserByField) Key() string { return "user:" + r.Field }

// Spatial emits like Zone but reads location and position from explicitly
// named fields.
type Spatial struct {
	LocationField string
	PositionField string
}

func (r Spatial) Key() string {
	return "spatial:" + r.LocationField + ":" + r.PositionField
}

// Area emits to every user inside a constructed area (e.g. a hearing
// disk). The factory receives the entity's area parameters.
type Area struct {
	Name    string
	Factory AreaFactory
}

func (r Area) Key() string { return "area:" + r.Name }

// AreaFactory builds an area instance from an entity's GetAreaParams
// values. Rejecting the parameters is a configuration error.
type AreaFactory func(params []any) (AreaInstance, error)

// AreaInstance is a loaded container of users.
type AreaInstance interface {
	// UserIDs returns the ids of every user inside the area.
	UserIDs() ([]int64, error)
}

// AreaParamsProvider is implemented by entities synced through an Area
// receiver.
type AreaParamsProvider interface {
	GetAreaParams() []any
}

// MapFunc transforms a field value before emission.
type MapFunc func(value any) any

// MapPath returns a MapFunc projecting a dotted path ("user.name") out of
// map-valued fields.
func MapPath(path string) MapFunc {
	segments := strings.Split(path, ".")
	return func(value any) any {
		for _, seg := range segments {
			m, ok := value.(map[string]any)
			if !ok {
				return nil
			}
			value = m[seg]
		}
		return value
	}
}

// MapFields returns a MapFunc projecting a subset of keys out of a
// map-valued field.
func MapFields(fields ...string) MapFunc {
	return func(value any) any {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			out[f] = m[f]
		}
		return out
	}
}

// Entry is one sync declaration for a property.
type Entry struct {
	// For selects the receiver. Required.
	For Receiver
	// As renames the property in the emitted payload.
	As string
	// Map transforms the value before emission.
	Map MapFunc
	// Default substitutes when the source value is nil.
	Default any
	// Lazy suppresses the field unless a non-lazy field also changed or
	// the receiver's zone changed.
	Lazy bool
}

// EmitName returns the payload key for the entry's field.
func (e *Entry) EmitName(field string) string {
	if e.As != "" {
		return e.As
	}
	return field
}

// Model is the compiled sync declaration of one entity class.
type Model struct {
	Name   string
	order  []string
	fields map[string][]Entry
}

// Fields returns the declared property names in declaration order.
func (m *Model) Fields() []string {
	return m.order
}

// Entries returns the sync entries declared for a property.
func (m *Model) Entries(field string) []Entry {
	return m.fields[field]
}

// Registry maps class names to their sync models.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewRegistry creates an empty sync model registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Declare registers the sync model for a class. Two entries on the same
// property with the same receiver are a configuration error.
func (r *Registry) Declare(model string, fields []FieldDecl) error {
	m := &Model{
		Name:   model,
		fields: make(map[string][]Entry, len(fields)),
	}
	for _, fd := range fields {
		if _, dup := m.fields[fd.Field]; dup {
			return fmt.Errorf("syncmodel %s: field %q declared twice", model, fd.Field)
		}
		seen := make(map[string]struct{}, len(fd.Entries))
		for _, e := range fd.Entries {
			if e.For == nil {
				return fmt.Errorf("syncmodel %s.%s: entry without receiver", model, fd.Field)
			}
			key := e.For.Key()
			if _, dup := seen[key]; dup {
				return fmt.Errorf("syncmodel %s.%s: duplicate receiver %s", model, fd.Field, key)
			}
			seen[key] = struct{}{}
		}
		m.fields[fd.Field] = fd.Entries
		m.order = append(m.order, fd.Field)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.models[model]; dup {
		return fmt.Errorf("syncmodel: model %q declared twice", model)
	}
	r.models[model] = m
	return nil
}

// MustDeclare is Declare that panics; used from startup registration.
func (r *Registry) MustDeclare(model string, fields []FieldDecl) {
	if err := r.Declare(model, fields); err != nil {
		panic(err)
	}
}

// FieldDecl pairs a property with its sync entries.
type FieldDecl struct {
	Field   string
	Entries []Entry
}

// Model returns the sync model for a class, or nil when the class does
// not synchronize.
func (r *Registry) Model(name string) *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models[name]
}
