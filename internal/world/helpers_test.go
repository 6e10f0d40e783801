package world

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tilefall/tilefall/internal/cache"
	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
	"github.com/tilefall/tilefall/internal/store"
)

// Minimal persistent classes matching the base schema tables.

type tileEnt struct {
	entity.Base
	Location int64
	Position geom.Vec2
	Kind     string
}

var tileSchema = entity.NewSchema("tile",
	entity.Scalar("location_id"),
	entity.Vec2("position"),
	entity.Scalar("kind"),
)

func (t *tileEnt) ModelName() string { return "tile" }
func (t *tileEnt) LocationKey() int64 {
	return t.Location
}
func (t *tileEnt) Pos() geom.Vec2 { return t.Position }

func (t *tileEnt) FieldValue(field string) (any, bool) {
	switch field {
	case "location_id":
		return t.Location, true
	case "position":
		return t.Position, true
	case "kind":
		return t.Kind, true
	}
	return nil, false
}

func (t *tileEnt) ApplyRow(row entity.Row) {
	t.Location = row.Int64("location_id")
	t.Position = geom.V(row.Int("x"), row.Int("y"))
	t.Kind = row.String("kind")
}

type userEnt struct {
	entity.Base
	Name     string
	Account  int64
	Location int64
	Position geom.Vec2
}

var userSchema = entity.NewSchema("user",
	entity.Scalar("name"),
	entity.Scalar("account_id"),
	entity.Scalar("location_id"),
	entity.Vec2("position"),
)

func (u *userEnt) ModelName() string  { return "user" }
func (u *userEnt) LocationKey() int64 { return u.Location }
func (u *userEnt) Pos() geom.Vec2     { return u.Position }

func (u *userEnt) FieldValue(field string) (any, bool) {
	switch field {
	case "name":
		return u.Name, true
	case "account_id":
		return u.Account, true
	case "location_id":
		return u.Location, true
	case "position":
		return u.Position, true
	}
	return nil, false
}

func (u *userEnt) ApplyRow(row entity.Row) {
	u.Name = row.String("name")
	u.Account = row.Int64("account_id")
	u.Location = row.Int64("location_id")
	u.Position = geom.V(row.Int("x"), row.Int("y"))
}

type obstacleEnt struct {
	entity.Base
	Kind     string
	Location int64
	Position geom.Vec2
	Cells    []geom.Vec2
}

var obstacleSchema = entity.NewSchema("obstacle",
	entity.Scalar("kind"),
	entity.Scalar("location_id"),
	entity.Vec2("position"),
)

func (o *obstacleEnt) ModelName() string      { return "obstacle" }
func (o *obstacleEnt) LocationKey() int64     { return o.Location }
func (o *obstacleEnt) Pos() geom.Vec2         { return o.Position }
func (o *obstacleEnt) Footprint() []geom.Vec2 { return o.Cells }

func (o *obstacleEnt) FieldValue(field string) (any, bool) {
	switch field {
	case "kind":
		return o.Kind, true
	case "location_id":
		return o.Location, true
	case "position":
		return o.Position, true
	}
	return nil, false
}

func (o *obstacleEnt) ApplyRow(row entity.Row) {
	o.Kind = row.String("kind")
	o.Location = row.Int64("location_id")
	o.Position = geom.V(row.Int("x"), row.Int("y"))
}

// countingGW wraps the real gateway, counting SELECTs per table and
// optionally delaying them to widen load races.
type countingGW struct {
	*store.Gateway
	mu      sync.Mutex
	selects map[string]int
	delay   time.Duration
}

func (g *countingGW) SelectRows(table string, columns []string, cond string, args ...any) ([]entity.Row, error) {
	g.mu.Lock()
	g.selects[table]++
	g.mu.Unlock()
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	return g.Gateway.SelectRows(table, columns, cond, args...)
}

func (g *countingGW) selectCount(table string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selects[table]
}

type testWorld struct {
	gw    *countingGW
	cache *cache.Cache
	reg   *entity.Registry
	mgr   *Manager

	tiles     *entity.Table[*tileEnt]
	users     *entity.Table[*userEnt]
	obstacles *entity.Table[*obstacleEnt]

	location int64
}

// newTestWorld opens a fresh world.db with one location and a 4x4 subzone
// grid registered for tiles, users and shaped obstacles.
func newTestWorld(t *testing.T) *testWorld {
	t.Helper()

	db, err := store.OpenDB(filepath.Join(t.TempDir(), "world.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.MigrateWorldDB(db); err != nil {
		t.Fatal(err)
	}

	gw := &countingGW{Gateway: store.NewGateway(db), selects: make(map[string]int)}
	c := cache.New(time.Minute)
	reg := entity.NewRegistry(gw, entity.NewTracker(), c)

	w := &testWorld{
		gw:        gw,
		cache:     c,
		reg:       reg,
		tiles:     entity.RegisterTable(reg, tileSchema, func() *tileEnt { return &tileEnt{} }),
		users:     entity.RegisterTable(reg, userSchema, func() *userEnt { return &userEnt{} }),
		obstacles: entity.RegisterTable(reg, obstacleSchema, func() *obstacleEnt { return &obstacleEnt{} }),
	}

	w.mgr = NewManager(c, Config{
		SubzoneSize: geom.V(4, 4),
		IdleTTL:     time.Minute,
		Staggered:   true,
	})
	w.mgr.Register(ModelSource{Table: w.tiles, Terrain: true})
	w.mgr.Register(ModelSource{
		Table:      w.obstacles,
		ShapeTable: "obstacle_shape",
		Blocking:   true,
		LoadShape: func(e entity.Persistent) error {
			o := e.(*obstacleEnt)
			rows, err := gw.SelectRows("obstacle_shape", []string{"x", "y"}, "obstacle_id = ?", o.EntityID())
			if err != nil {
				return err
			}
			o.Cells = o.Cells[:0]
			for _, r := range rows {
				o.Cells = append(o.Cells, geom.V(r.Int("x"), r.Int("y")))
			}
			return nil
		},
	})
	w.mgr.Register(ModelSource{Table: w.users, Blocking: true, Retains: true})

	w.location, err = gw.Insert("location", []string{"name"}, []any{"meadow"})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

// seedTiles fills a half-open rectangle with grass tiles.
func (w *testWorld) seedTiles(t *testing.T, r geom.Rect) {
	t.Helper()
	for y := r.Start.Y; y < r.End().Y; y++ {
		for x := r.Start.X; x < r.End().X; x++ {
			if _, err := w.gw.Insert("tile", []string{"location_id", "x", "y", "kind"},
				[]any{w.location, x, y, "grass"}); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func (w *testWorld) seedUser(t *testing.T, name string, p geom.Vec2) int64 {
	t.Helper()
	id, err := w.gw.Insert("user", []string{"name", "account_id", "location_id", "x", "y"},
		[]any{name, nil, w.location, p.X, p.Y})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (w *testWorld) seedObstacle(t *testing.T, kind string, anchor geom.Vec2, cells ...geom.Vec2) int64 {
	t.Helper()
	id, err := w.gw.Insert("obstacle", []string{"kind", "location_id", "x", "y"},
		[]any{kind, w.location, anchor.X, anchor.Y})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cells {
		if err := w.gw.Exec("INSERT INTO obstacle_shape (obstacle_id, x, y) VALUES (?, ?, ?)",
			id, c.X, c.Y); err != nil {
			t.Fatal(err)
		}
	}
	return id
}
