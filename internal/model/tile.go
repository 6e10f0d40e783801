package model

import (
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
)

// Tile is one walkable cell of terrain. Tiles are static: they load with
// their subzone and only ever sync as Creates and Deletes.
type Tile struct {
	entity.Base
	tr *entity.Tracker

	Location entity.RefTo[*Location]
	Position geom.Vec2
	Kind     string
}

var tileSchema = entity.NewSchema("tile",
	entity.Ref("location"),
	entity.Vec2("position"),
	entity.Scalar("kind"),
)

func (t *Tile) ModelName() string  { return "tile" }
func (t *Tile) LocationKey() int64 { return t.Location.Key() }
func (t *Tile) Pos() geom.Vec2     { return t.Position }

func (t *Tile) FieldValue(field string) (any, bool) {
	switch field {
	case "location":
		return t.Location.Key(), true
	case "position":
		return t.Position, true
	case "kind":
		return t.Kind, true
	}
	return nil, false
}

func (t *Tile) ApplyRow(row entity.Row) {
	t.Location.SetKey(row.Int64("location_id"))
	t.Position = geom.V(row.Int("x"), row.Int("y"))
	t.Kind = row.String("kind")
}

func (t *Tile) SetKind(kind string) {
	if t.Kind == kind {
		return
	}
	old := t.Kind
	t.Kind = kind
	t.tr.Update(t, "kind", old)
}
