package model

import (
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
)

// User is a player's avatar: owned by an account, placed in a location.
type User struct {
	entity.Base
	tr *entity.Tracker

	Name     string
	Account  entity.RefTo[*Account]
	Location entity.RefTo[*Location]
	Position geom.Vec2
}

var userSchema = entity.NewSchema("user",
	entity.Scalar("name"),
	entity.Ref("account"),
	entity.Ref("location"),
	entity.Vec2("position"),
)

func (u *User) ModelName() string { return "user" }

// LocationKey and Pos place the user in the spatial index.
func (u *User) LocationKey() int64 { return u.Location.Key() }
func (u *User) Pos() geom.Vec2     { return u.Position }

func (u *User) FieldValue(field string) (any, bool) {
	switch field {
	case "name":
		return u.Name, true
	case "account":
		return u.Account.Key(), true
	case "location":
		return u.Location.Key(), true
	case "position":
		return u.Position, true
	}
	return nil, false
}

func (u *User) ApplyRow(row entity.Row) {
	u.Name = row.String("name")
	u.Account.SetKey(row.Int64("account_id"))
	u.Location.SetKey(row.Int64("location_id"))
	u.Position = geom.V(row.Int("x"), row.Int("y"))
}

func (u *User) SetName(name string) {
	if u.Name == name {
		return
	}
	old := u.Name
	u.Name = name
	u.tr.Update(u, "name", old)
}

func (u *User) SetPosition(p geom.Vec2) {
	if u.Position == p {
		return
	}
	old := u.Position
	u.Position = p
	u.tr.Update(u, "position", old)
}

func (u *User) SetLocation(l *Location) {
	if u.Location.Key() == l.EntityID() {
		u.Location.Set(l)
		return
	}
	old := u.Location.Key()
	u.Location.Set(l)
	u.tr.Update(u, "location", old)
}

func (u *User) SetAccount(a *Account) {
	if u.Account.Key() == a.EntityID() {
		u.Account.Set(a)
		return
	}
	old := u.Account.Key()
	u.Account.Set(a)
	u.tr.Update(u, "account", old)
}
