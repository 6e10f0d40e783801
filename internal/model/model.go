// Package model declares the persistent classes of the world, their
// schemas, and their synchronization models. Registration happens once at
// startup; a broken declaration refuses to boot.
package model

import (
	"fmt"

	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
	"github.com/tilefall/tilefall/internal/store"
	"github.com/tilefall/tilefall/internal/syncmodel"
	"github.com/tilefall/tilefall/internal/world"
)

// Tables bundles the typed table of every persistent class.
type Tables struct {
	Accounts  *entity.Table[*Account]
	Locations *entity.Table[*Location]
	Users     *entity.Table[*User]
	Tiles     *entity.Table[*Tile]
	Messages  *entity.Table[*Message]
	Obstacles *entity.Table[*Obstacle]
}

// Register binds every class to the registry and declares its sync model.
// hearing builds the chat audience area from a message's parameters.
func Register(reg *entity.Registry, syncReg *syncmodel.Registry, hearing syncmodel.AreaFactory) (*Tables, error) {
	tr := reg.Tracker()

	t := &Tables{
		Accounts:  entity.RegisterTable(reg, accountSchema, func() *Account { return &Account{tr: tr} }),
		Locations: entity.RegisterTable(reg, locationSchema, func() *Location { return &Location{tr: tr} }),
		Users:     entity.RegisterTable(reg, userSchema, func() *User { return &User{tr: tr} }),
		Tiles:     entity.RegisterTable(reg, tileSchema, func() *Tile { return &Tile{tr: tr} }),
		Messages:  entity.RegisterTable(reg, messageSchema, func() *Message { return &Message{tr: tr} }),
		Obstacles: entity.RegisterTable(reg, obstacleSchema, func() *Obstacle { return &Obstacle{tr: tr} }),
	}

	if err := t.declareSync(syncReg, hearing); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	return t, nil
}

func (t *Tables) declareSync(syncReg *syncmodel.Registry, hearing syncmodel.AreaFactory) error {
	// Accounts and locations never appear in the world and do not sync.

	if err := syncReg.Declare("user", []syncmodel.FieldDecl{
		{Field: "name", Entries: []syncmodel.Entry{
			{For: syncmodel.Zone{}},
			{For: syncmodel.Self{}},
		}},
		{Field: "position", Entries: []syncmodel.Entry{
			{For: syncmodel.Zone{}},
			{For: syncmodel.Self{}},
		}},
		{Field: "location", Entries: []syncmodel.Entry{
			{For: syncmodel.Self{}},
		}},
	}); err != nil {
		return err
	}

	if err := syncReg.Declare("tile", []syncmodel.FieldDecl{
		{Field: "kind", Entries: []syncmodel.Entry{{For: syncmodel.Zone{}}}},
		{Field: "position", Entries: []syncmodel.Entry{{For: syncmodel.Zone{}}}},
	}); err != nil {
		return err
	}

	if err := syncReg.Declare("obstacle", []syncmodel.FieldDecl{
		{Field: "kind", Entries: []syncmodel.Entry{{For: syncmodel.Zone{}}}},
		{Field: "position", Entries: []syncmodel.Entry{{For: syncmodel.Zone{}}}},
	}); err != nil {
		return err
	}

	hear := syncmodel.Area{Name: "hearing", Factory: hearing}
	return syncReg.Declare("message", []syncmodel.FieldDecl{
		{Field: "text", Entries: []syncmodel.Entry{{For: hear}}},
		{Field: "user", Entries: []syncmodel.Entry{
			// The audience wants the speaker's name, not a key.
			{For: hear, Map: t.userName},
		}},
		{Field: "position", Entries: []syncmodel.Entry{{For: hear}}},
		{Field: "delete_in_ms", Entries: []syncmodel.Entry{{For: hear, As: "delete_in"}}},
	})
}

func (t *Tables) userName(value any) any {
	id, ok := value.(int64)
	if !ok || id == 0 {
		return nil
	}
	u, err := t.Users.Get(id)
	if err != nil {
		return nil
	}
	return u.Name
}

// WorldSources wires the placed classes into the spatial index, in load
// order. gw serves the obstacle shape lookups.
func (t *Tables) WorldSources(gw *store.Gateway) []world.ModelSource {
	return []world.ModelSource{
		{Table: t.Tiles, Terrain: true},
		{
			Table:      t.Obstacles,
			ShapeTable: "obstacle_shape",
			Blocking:   true,
			LoadShape: func(e entity.Persistent) error {
				o := e.(*Obstacle)
				rows, err := gw.SelectRows("obstacle_shape", []string{"x", "y"},
					"obstacle_id = ?", o.EntityID())
				if err != nil {
					return err
				}
				o.Cells = o.Cells[:0]
				for _, r := range rows {
					o.Cells = append(o.Cells, geom.V(r.Int("x"), r.Int("y")))
				}
				return nil
			},
		},
		{Table: t.Messages},
		{Table: t.Users, Blocking: true, Retains: true},
	}
}
