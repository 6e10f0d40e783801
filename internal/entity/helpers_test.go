package entity

import (
	"fmt"
	"strings"

	"github.com/tilefall/tilefall/internal/geom"
)

// testThing is a minimal persistent class used across the package tests:
// one scalar, one vector, one reference.
type testThing struct {
	Base
	Name     string
	Position geom.Vec2
	Owner    RefTo[*testThing]
}

var testThingSchema = NewSchema("thing",
	Scalar("name"),
	Vec2("position"),
	Ref("owner"),
)

func newTestThing() *testThing { return &testThing{} }

func (t *testThing) ModelName() string { return "thing" }

func (t *testThing) FieldValue(field string) (any, bool) {
	switch field {
	case "name":
		return t.Name, true
	case "position":
		return t.Position, true
	case "owner":
		return t.Owner.Key(), true
	}
	return nil, false
}

func (t *testThing) ApplyRow(row Row) {
	t.Name = row.String("name")
	t.Position = geom.V(row.Int("x"), row.Int("y"))
	t.Owner.SetKey(row.Int64("owner_id"))
}

// fakeGateway is an in-memory Gateway that records executed operations and
// serves canned rows keyed by id.
type fakeGateway struct {
	rows    map[int64]Row
	nextID  int64
	ops     []string
	failOn  string
	selects int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{rows: make(map[int64]Row), nextID: 100}
}

func (g *fakeGateway) SelectRows(table string, columns []string, cond string, args ...any) ([]Row, error) {
	g.selects++
	g.ops = append(g.ops, "select "+cond)
	if cond == "id = ?" {
		id, _ := args[0].(int64)
		if row, ok := g.rows[id]; ok {
			return []Row{row}, nil
		}
		return nil, nil
	}
	var out []Row
	for _, row := range g.rows {
		out = append(out, row)
	}
	return out, nil
}

func (g *fakeGateway) Insert(table string, cols []string, vals []any) (int64, error) {
	if g.failOn == "insert" {
		return 0, fmt.Errorf("fake insert failure")
	}
	g.nextID++
	g.ops = append(g.ops, fmt.Sprintf("insert %s (%s)", table, strings.Join(cols, ",")))
	row := Row{"id": g.nextID}
	for i, c := range cols {
		row[c] = vals[i]
	}
	g.rows[g.nextID] = row
	return g.nextID, nil
}

func (g *fakeGateway) Update(table string, cols []string, vals []any, id int64) (int64, error) {
	if g.failOn == "update" {
		return 0, fmt.Errorf("fake update failure")
	}
	g.ops = append(g.ops, fmt.Sprintf("update %s (%s) id=%d", table, strings.Join(cols, ","), id))
	row, ok := g.rows[id]
	if !ok {
		return 0, nil
	}
	for i, c := range cols {
		row[c] = vals[i]
	}
	return 1, nil
}

func (g *fakeGateway) Delete(table string, id int64) (int64, error) {
	g.ops = append(g.ops, fmt.Sprintf("delete %s id=%d", table, id))
	if _, ok := g.rows[id]; !ok {
		return 0, nil
	}
	delete(g.rows, id)
	return 1, nil
}
