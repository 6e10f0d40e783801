package entity

import (
	"fmt"

	"github.com/tilefall/tilefall/internal/geom"
)

// FieldKind classifies how a schema field maps to columns.
type FieldKind int

const (
	// KindScalar maps 1:1 to a column of the same name.
	KindScalar FieldKind = iota
	// KindVec2 flattens to <name>_x, <name>_y; a field named "position"
	// flattens to the bare columns x, y.
	KindVec2
	// KindRef maps to <name>_id holding the target's primary key.
	KindRef
)

// Field describes one schema field of a persistent class.
type Field struct {
	Name    string
	Kind    FieldKind
	columns []string
}

// Columns returns the database columns backing the field.
func (f *Field) Columns() []string {
	return f.columns
}

// Schema maps a persistent class to its table and columns. Field and column
// names are snake_case throughout; the table is the snake_cased class name.
type Schema struct {
	Model  string
	Table  string
	fields []*Field
	byName map[string]*Field
}

// NewSchema builds a schema for the given model name. The table name equals
// the model name.
func NewSchema(model string, fields ...Field) *Schema {
	s := &Schema{
		Model:  model,
		Table:  model,
		byName: make(map[string]*Field, len(fields)),
	}
	for i := range fields {
		f := fields[i]
		switch f.Kind {
		case KindScalar:
			f.columns = []string{f.Name}
		case KindVec2:
			if f.Name == "position" {
				f.columns = []string{"x", "y"}
			} else {
				f.columns = []string{f.Name + "_x", f.Name + "_y"}
			}
		case KindRef:
			f.columns = []string{f.Name + "_id"}
		}
		s.fields = append(s.fields, &f)
		s.byName[f.Name] = &f
	}
	return s
}

// Scalar declares a plain column field.
func Scalar(name string) Field { return Field{Name: name, Kind: KindScalar} }

// Vec2 declares a two-column vector field.
func Vec2(name string) Field { return Field{Name: name, Kind: KindVec2} }

// Ref declares a foreign-key field.
func Ref(name string) Field { return Field{Name: name, Kind: KindRef} }

// Field returns the named field, or nil.
func (s *Schema) Field(name string) *Field {
	return s.byName[name]
}

// Fields returns all fields in declaration order.
func (s *Schema) Fields() []*Field {
	return s.fields
}

// FieldNames returns all field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// FlattenField converts a field value into its column values.
// Vec2 values expand to two entries; an unset reference becomes NULL.
func (s *Schema) FlattenField(name string, value any) (cols []string, vals []any, err error) {
	f := s.byName[name]
	if f == nil {
		return nil, nil, fmt.Errorf("schema %s: unknown field %q", s.Model, name)
	}
	switch f.Kind {
	case KindVec2:
		v, ok := value.(geom.Vec2)
		if !ok {
			return nil, nil, fmt.Errorf("schema %s: field %q expects Vec2, got %T", s.Model, name, value)
		}
		return f.columns, []any{v.X, v.Y}, nil
	case KindRef:
		id, ok := value.(int64)
		if !ok {
			return nil, nil, fmt.Errorf("schema %s: field %q expects int64 key, got %T", s.Model, name, value)
		}
		if id == 0 {
			return f.columns, []any{nil}, nil
		}
		return f.columns, []any{id}, nil
	default:
		return f.columns, []any{value}, nil
	}
}

// FlattenEntity converts every schema field of e (or just the named ones)
// into parallel column and value slices.
func (s *Schema) FlattenEntity(e Persistent, fields []string) (cols []string, vals []any, err error) {
	if fields == nil {
		fields = s.FieldNames()
	}
	for _, name := range fields {
		v, ok := e.FieldValue(name)
		if !ok {
			continue
		}
		fc, fv, err := s.FlattenField(name, v)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, fc...)
		vals = append(vals, fv...)
	}
	return cols, vals, nil
}

// AllColumns returns every backing column including id.
func (s *Schema) AllColumns() []string {
	cols := []string{"id"}
	for _, f := range s.fields {
		cols = append(cols, f.columns...)
	}
	return cols
}
