package model

import (
	"github.com/tilefall/tilefall/internal/entity"
)

// Location is one named map. Tiles, users, obstacles and messages all
// reference their location.
type Location struct {
	entity.Base
	tr *entity.Tracker

	Name string
}

var locationSchema = entity.NewSchema("location",
	entity.Scalar("name"),
)

func (l *Location) ModelName() string { return "location" }

func (l *Location) FieldValue(field string) (any, bool) {
	if field == "name" {
		return l.Name, true
	}
	return nil, false
}

func (l *Location) ApplyRow(row entity.Row) {
	l.Name = row.String("name")
}

func (l *Location) SetName(name string) {
	if l.Name == name {
		return
	}
	old := l.Name
	l.Name = name
	l.tr.Update(l, "name", old)
}
