package model

import (
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
)

// Obstacle is a shaped, immovable blocker. Its footprint lives in the
// obstacle_shape child table and is attached after the row loads; a shape
// may straddle several subzones.
type Obstacle struct {
	entity.Base
	tr *entity.Tracker

	Kind     string
	Location entity.RefTo[*Location]
	Position geom.Vec2
	Cells    []geom.Vec2
}

var obstacleSchema = entity.NewSchema("obstacle",
	entity.Scalar("kind"),
	entity.Ref("location"),
	entity.Vec2("position"),
)

func (o *Obstacle) ModelName() string  { return "obstacle" }
func (o *Obstacle) LocationKey() int64 { return o.Location.Key() }
func (o *Obstacle) Pos() geom.Vec2     { return o.Position }

// Footprint returns the absolute cells the obstacle covers; the anchor
// position when no shape rows exist.
func (o *Obstacle) Footprint() []geom.Vec2 {
	if len(o.Cells) == 0 {
		return []geom.Vec2{o.Position}
	}
	return o.Cells
}

func (o *Obstacle) FieldValue(field string) (any, bool) {
	switch field {
	case "kind":
		return o.Kind, true
	case "location":
		return o.Location.Key(), true
	case "position":
		return o.Position, true
	}
	return nil, false
}

func (o *Obstacle) ApplyRow(row entity.Row) {
	o.Kind = row.String("kind")
	o.Location.SetKey(row.Int64("location_id"))
	o.Position = geom.V(row.Int("x"), row.Int("y"))
}
