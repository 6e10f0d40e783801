package model

import (
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
)

// Message is a chat line dropped at the speaking user's position. It lives
// in the world like any placed entity and expires after DeleteIn ms.
type Message struct {
	entity.Base
	tr *entity.Tracker

	Text      string
	User      entity.RefTo[*User]
	Location  entity.RefTo[*Location]
	Position  geom.Vec2
	CreatedAt int64 // unix nanoseconds
	DeleteIn  int64 // milliseconds
}

var messageSchema = entity.NewSchema("message",
	entity.Scalar("text"),
	entity.Ref("user"),
	entity.Ref("location"),
	entity.Vec2("position"),
	entity.Scalar("created_at_ns"),
	entity.Scalar("delete_in_ms"),
)

func (m *Message) ModelName() string  { return "message" }
func (m *Message) LocationKey() int64 { return m.Location.Key() }
func (m *Message) Pos() geom.Vec2     { return m.Position }

// GetAreaParams feeds the hearing-area factory: who can hear this message.
func (m *Message) GetAreaParams() []any {
	return []any{m.Location.Key(), m.Position}
}

func (m *Message) FieldValue(field string) (any, bool) {
	switch field {
	case "text":
		return m.Text, true
	case "user":
		return m.User.Key(), true
	case "location":
		return m.Location.Key(), true
	case "position":
		return m.Position, true
	case "created_at_ns":
		return m.CreatedAt, true
	case "delete_in_ms":
		return m.DeleteIn, true
	}
	return nil, false
}

func (m *Message) ApplyRow(row entity.Row) {
	m.Text = row.String("text")
	m.User.SetKey(row.Int64("user_id"))
	m.Location.SetKey(row.Int64("location_id"))
	m.Position = geom.V(row.Int("x"), row.Int("y"))
	m.CreatedAt = row.Int64("created_at_ns")
	m.DeleteIn = row.Int64("delete_in_ms")
}

// ExpiresAt returns the message's deletion deadline in unix nanoseconds.
func (m *Message) ExpiresAt() int64 {
	return m.CreatedAt + m.DeleteIn*int64(1e6)
}
