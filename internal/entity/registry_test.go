package entity

import (
	"errors"
	"testing"
	"time"

	"github.com/tilefall/tilefall/internal/cache"
	"github.com/tilefall/tilefall/internal/geom"
)

func newTestRegistry(gw Gateway) (*Registry, *Table[*testThing]) {
	reg := NewRegistry(gw, NewTracker(), cache.New(time.Minute))
	tbl := RegisterTable(reg, testThingSchema, newTestThing)
	return reg, tbl
}

func TestTable_GetLoadsAndCaches(t *testing.T) {
	gw := newFakeGateway()
	gw.rows[7] = Row{"id": int64(7), "name": "rock", "x": int64(3), "y": int64(4), "owner_id": int64(0)}
	_, tbl := newTestRegistry(gw)

	e, err := tbl.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "rock" || e.Position != geom.V(3, 4) {
		t.Errorf("loaded %+v", e)
	}

	// Second Get must not hit storage.
	before := gw.selects
	e2, err := tbl.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	if e2 != e {
		t.Error("Get must return the canonical instance")
	}
	if gw.selects != before {
		t.Error("cached Get must not query storage")
	}
}

func TestTable_GetNotFound(t *testing.T) {
	_, tbl := newTestRegistry(newFakeGateway())
	if _, err := tbl.Get(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := tbl.Get(0); !errors.Is(err, ErrNotFound) {
		t.Errorf("zero key err = %v, want ErrNotFound", err)
	}
}

func TestTable_StubHydratesInPlace(t *testing.T) {
	gw := newFakeGateway()
	gw.rows[7] = Row{"id": int64(7), "name": "rock", "x": int64(3), "y": int64(4), "owner_id": int64(2)}
	_, tbl := newTestRegistry(gw)

	stub := tbl.Stub(7)
	if stub.Initialized() {
		t.Fatal("stub must start uninitialized")
	}

	loaded, err := tbl.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != stub {
		t.Fatal("hydration must reuse the stub instance, not replace it")
	}
	if stub.Name != "rock" {
		t.Error("stub must carry loaded state after hydration")
	}
}

func TestTable_HydrationPreservesResolvedRef(t *testing.T) {
	gw := newFakeGateway()
	gw.rows[1] = Row{"id": int64(1), "name": "owner", "x": int64(0), "y": int64(0), "owner_id": int64(0)}
	gw.rows[2] = Row{"id": int64(2), "name": "owned", "x": int64(0), "y": int64(0), "owner_id": int64(1)}
	_, tbl := newTestRegistry(gw)

	owned, err := tbl.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	owner, err := owned.Owner.Resolve(tbl.Get)
	if err != nil {
		t.Fatal(err)
	}
	if owner.Name != "owner" {
		t.Fatalf("resolved %+v", owner)
	}

	// A later row apply carrying the same foreign key must not downgrade
	// the resolved reference.
	owned.ApplyRow(gw.rows[2])
	if !owned.Owner.IsResolved() {
		t.Error("resolved reference must survive re-hydration with same key")
	}

	// A different key does rebind.
	owned.Owner.SetKey(5)
	if owned.Owner.IsResolved() || owned.Owner.Key() != 5 {
		t.Error("rebinding to a new key must drop the stale target")
	}
}

func TestRegistry_FlushCreateAdoptsReturnedKey(t *testing.T) {
	gw := newFakeGateway()
	reg, tbl := newTestRegistry(gw)

	e := tbl.Create(func(e *testThing) {
		e.Name = "new"
		e.Position = geom.V(1, 2)
	})
	if e.EntityID() != 0 {
		t.Fatal("unsaved entity must have zero key")
	}

	if err := reg.Flush(); err != nil {
		t.Fatal(err)
	}
	if e.EntityID() == 0 {
		t.Fatal("flush must adopt the returned key")
	}
	if got, ok := tbl.GetIfCached(e.EntityID()); !ok || got != e {
		t.Error("inserted entity must land in the id map")
	}
	row := gw.rows[e.EntityID()]
	if row["name"] != "new" || row["x"] != 1 || row["y"] != 2 {
		t.Errorf("inserted row = %v", row)
	}
}

func TestRegistry_FlushUpdateWritesOnlyDirtyColumns(t *testing.T) {
	gw := newFakeGateway()
	gw.rows[7] = Row{"id": int64(7), "name": "rock", "x": int64(3), "y": int64(4), "owner_id": int64(0)}
	reg, tbl := newTestRegistry(gw)

	e, err := tbl.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	reg.Tracker().Update(e, "position", e.Position)
	e.Position = geom.V(8, 9)

	if err := reg.Flush(); err != nil {
		t.Fatal(err)
	}
	row := gw.rows[7]
	if row["x"] != 8 || row["y"] != 9 {
		t.Errorf("row after update = %v", row)
	}
	if row["name"] != "rock" {
		t.Errorf("untouched column changed: %v", row)
	}

	// Flush with no intervening mutation is a no-op.
	before := len(gw.ops)
	if err := reg.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(gw.ops) != before {
		t.Error("second flush must issue no statements")
	}
}

func TestRegistry_FlushDeleteRemovesAndUncaches(t *testing.T) {
	gw := newFakeGateway()
	gw.rows[7] = Row{"id": int64(7), "name": "rock", "x": int64(0), "y": int64(0), "owner_id": int64(0)}
	reg, tbl := newTestRegistry(gw)

	e, err := tbl.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	tbl.Remove(e)
	if _, ok := tbl.GetIfCached(7); ok {
		t.Error("removed entity must be uncached immediately")
	}
	if err := reg.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, ok := gw.rows[7]; ok {
		t.Error("row must be deleted at flush")
	}
}

func TestRegistry_FlushFailureMergesBack(t *testing.T) {
	gw := newFakeGateway()
	reg, tbl := newTestRegistry(gw)

	tbl.Create(func(e *testThing) { e.Name = "a" })
	gw.failOn = "insert"
	if err := reg.Flush(); err == nil {
		t.Fatal("flush must fail")
	}

	gw.failOn = ""
	if err := reg.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(gw.rows) != 1 {
		t.Errorf("retry must insert the merged-back entity, rows=%d", len(gw.rows))
	}
}

func TestRegistry_CleanExpiredRespectsRetention(t *testing.T) {
	gw := newFakeGateway()
	gw.rows[1] = Row{"id": int64(1), "name": "kept", "x": int64(0), "y": int64(0), "owner_id": int64(0)}
	gw.rows[2] = Row{"id": int64(2), "name": "dropped", "x": int64(0), "y": int64(0), "owner_id": int64(0)}
	reg, tbl := newTestRegistry(gw)

	kept, _ := tbl.Get(1)
	if _, err := tbl.Get(2); err != nil {
		t.Fatal(err)
	}
	kept.Handle().Retain()

	// Expire everything in the identity cache, then clean.
	reg.Cache().Clear()
	evicted := reg.CleanExpired()
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if _, ok := tbl.GetIfCached(1); !ok {
		t.Error("retained entity must survive eviction")
	}
	if _, ok := tbl.GetIfCached(2); ok {
		t.Error("unretained entity must be evicted")
	}
}
