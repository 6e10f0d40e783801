// Package syncer converts tracked entity changes into per-user sync
// events: it drains the change tracker every sync tick, resolves each
// declared receiver, applies zone-transition bookkeeping, and fans the
// resulting batches out through the session index.
package syncer

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/tilefall/tilefall/internal/entity"
	"github.com/tilefall/tilefall/internal/geom"
	"github.com/tilefall/tilefall/internal/session"
	"github.com/tilefall/tilefall/internal/syncmodel"
	"github.com/tilefall/tilefall/internal/world"
)

// Sync is one emission: operation, snake_case model name, payload.
// It marshals as the wire triple [op, model, payload].
type Sync struct {
	Op      string
	Model   string
	Payload map[string]any
}

func (s Sync) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{s.Op, s.Model, s.Payload})
}

// Sender delivers an event to one socket. Implemented by the transport.
type Sender interface {
	Send(socket, event string, payload any)
}

// Flusher persists pending change sets, assigning storage keys to
// freshly created entities. Implemented by the entity registry.
type Flusher interface {
	Flush() error
}

// Syncer is the per-tick synchronizer.
type Syncer struct {
	tracker  *entity.Tracker
	models   *syncmodel.Registry
	world    *world.Manager
	sessions *session.Index
	sender   Sender
	flusher  Flusher

	// userModel names the class whose ids are session user ids.
	userModel string

	mu     sync.Mutex
	queued map[int64][]Sync
}

// New creates a Syncer. userModel names the avatar class ("user").
func New(tracker *entity.Tracker, models *syncmodel.Registry, w *world.Manager,
	sessions *session.Index, sender Sender, flusher Flusher, userModel string) *Syncer {
	return &Syncer{
		tracker:   tracker,
		models:    models,
		world:     w,
		sessions:  sessions,
		sender:    sender,
		flusher:   flusher,
		userModel: userModel,
		queued:    make(map[int64][]Sync),
	}
}

// QueueFor appends syncs to a user's next batch, merged ahead of the
// tick's own emissions. Handlers use it for first-load batches.
func (s *Syncer) QueueFor(userID int64, syncs ...Sync) {
	if len(syncs) == 0 {
		return
	}
	s.mu.Lock()
	s.queued[userID] = append(s.queued[userID], syncs...)
	s.mu.Unlock()
}

// Tick drains the tracker, processes every change set in recording
// order, and emits one "sync" event per user holding the batch.
func (s *Syncer) Tick() {
	changes := s.tracker.DrainSync()

	// A Create must carry its storage key. New entities only receive one
	// from the INSERT, so flush before emission when any are still unkeyed.
	if s.flusher != nil && hasUnkeyedCreate(changes) {
		if err := s.flusher.Flush(); err != nil {
			log.Printf("[syncer] flush before emit: %v", err)
		}
	}

	out := newBatchMap()
	for i := range changes {
		s.process(&changes[i], out)
	}

	s.mu.Lock()
	queued := s.queued
	s.queued = make(map[int64][]Sync)
	s.mu.Unlock()

	// Queued batches precede the tick's emissions: a first-load snapshot
	// must arrive before updates against it.
	for uid, syncs := range queued {
		out.prepend(uid, syncs)
	}

	for uid, batch := range out.byUser {
		if len(batch) == 0 {
			continue
		}
		for _, socket := range s.sessions.SocketsOfUser(uid) {
			s.sender.Send(socket, "sync", batch)
		}
	}
}

func hasUnkeyedCreate(changes []entity.ChangeSet) bool {
	for i := range changes {
		if changes[i].Op == entity.OpCreate && changes[i].Entity.EntityID() == 0 {
			return true
		}
	}
	return false
}

// batchMap accumulates per-user sync lists preserving recording order.
type batchMap struct {
	byUser map[int64][]Sync
}

func newBatchMap() *batchMap { return &batchMap{byUser: make(map[int64][]Sync)} }

func (b *batchMap) add(uid int64, sync Sync) {
	b.byUser[uid] = append(b.byUser[uid], sync)
}

func (b *batchMap) prepend(uid int64, syncs []Sync) {
	b.byUser[uid] = append(syncs, b.byUser[uid]...)
}

func (s *Syncer) process(cs *entity.ChangeSet, out *batchMap) {
	e := cs.Entity
	m := s.models.Model(e.ModelName())
	if m == nil {
		return
	}

	// World bookkeeping runs before any emission for the same entity.
	zoneChanged := false
	switch cs.Op {
	case entity.OpCreate:
		if e.EntityID() == 0 {
			// The pre-emission flush failed to assign a key; re-record the
			// create so the next tick retries instead of emitting id 0.
			s.tracker.Create(e)
			return
		}
		if p, ok := e.(world.Placed); ok {
			if err := s.world.Enter(p); err != nil {
				log.Printf("[syncer] enter %s/%d: %v", e.ModelName(), e.EntityID(), err)
				return
			}
		}
	case entity.OpDelete:
		if p, ok := e.(world.Placed); ok {
			s.world.Leave(p, world.PositionsOf(p))
		}
	case entity.OpUpdate:
		zoneChanged = s.applyMovement(cs, out)
	}

	fields := s.emitFields(cs, m)
	if len(fields) == 0 && cs.Op == entity.OpUpdate {
		return
	}

	groups := s.buildGroups(e, m, fields, cs.Op)
	for _, g := range groups {
		// Lazy entries ride along with a zone transition; a transition only
		// exists for receivers tied to the entity's zone window.
		if cs.Op == entity.OpUpdate && g.allLazy && !(zoneChanged && g.spatial) {
			continue
		}
		sync := Sync{Op: cs.Op.String(), Model: e.ModelName(), Payload: g.payload}
		for _, uid := range g.users {
			out.add(uid, sync)
		}
	}
}

// emitFields selects which declared fields a change set emits: everything
// for creates and deletes, the changed subset for updates.
func (s *Syncer) emitFields(cs *entity.ChangeSet, m *syncmodel.Model) []string {
	if cs.Op != entity.OpUpdate {
		return m.Fields()
	}
	var out []string
	for _, f := range m.Fields() {
		if cs.HasField(f) {
			out = append(out, f)
		}
	}
	return out
}

// group is one receiver's accumulated payload for a single change set.
type group struct {
	users   []int64
	seen    map[int64]struct{}
	payload map[string]any
	allLazy bool
	spatial bool // receiver follows the entity's zone window
}

// buildGroups resolves every entry of every emitted field and collects
// payloads per canonical receiver key.
func (s *Syncer) buildGroups(e entity.Persistent, m *syncmodel.Model, fields []string, op entity.Op) []*group {
	byKey := make(map[uint64]*group)
	var order []*group

	for _, field := range fields {
		value, ok := e.FieldValue(field)
		if !ok {
			continue
		}
		for _, entry := range m.Entries(field) {
			users := s.resolve(e, entry.For)
			if users == nil {
				continue
			}
			key := xxh3.HashString(entry.For.Key())
			g, exists := byKey[key]
			if !exists {
				g = &group{
					seen:    make(map[int64]struct{}),
					payload: map[string]any{"id": e.EntityID()},
					allLazy: true,
				}
				switch entry.For.(type) {
				case syncmodel.Zone, syncmodel.Spatial:
					g.spatial = true
				}
				byKey[key] = g
				order = append(order, g)
			}
			for _, uid := range users {
				if _, dup := g.seen[uid]; !dup {
					g.seen[uid] = struct{}{}
					g.users = append(g.users, uid)
				}
			}
			if !entry.Lazy {
				g.allLazy = false
			}

			v := value
			if entry.Map != nil {
				v = entry.Map(v)
			}
			if v == nil {
				v = entry.Default
			}
			g.payload[entry.EmitName(field)] = payloadValue(v)
		}
	}
	return order
}

// resolve returns the user ids a receiver addresses for this entity.
// A resolution yielding nobody returns nil and is skipped by the caller.
func (s *Syncer) resolve(e entity.Persistent, r syncmodel.Receiver) []int64 {
	switch rv := r.(type) {
	case syncmodel.Self:
		if e.ModelName() != s.userModel {
			return nil
		}
		if id := e.EntityID(); id != 0 {
			return []int64{id}
		}
		return nil

	case syncmodel.Zone:
		p, ok := e.(world.Placed)
		if !ok {
			return nil
		}
		return s.zoneUsers(p.LocationKey(), world.PositionsOf(p))

	case syncmodel.UserByField:
		v, ok := e.FieldValue(rv.Field)
		if !ok {
			return nil
		}
		if id, ok := v.(int64); ok && id != 0 {
			return []int64{id}
		}
		return nil

	case syncmodel.Spatial:
		locV, ok := e.FieldValue(rv.LocationField)
		if !ok {
			return nil
		}
		posV, ok := e.FieldValue(rv.PositionField)
		if !ok {
			return nil
		}
		loc, _ := locV.(int64)
		pos, okPos := posV.(geom.Vec2)
		if loc == 0 || !okPos {
			return nil
		}
		return s.zoneUsers(loc, []geom.Vec2{pos})

	case syncmodel.Area:
		provider, ok := e.(syncmodel.AreaParamsProvider)
		if !ok {
			// Declaring an area receiver on a class without parameters is
			// a configuration error; it should have failed at startup.
			log.Printf("[syncer] %s: area %s on class without params", e.ModelName(), rv.Name)
			return nil
		}
		area, err := rv.Factory(provider.GetAreaParams())
		if err != nil {
			log.Printf("[syncer] area %s: %v", rv.Name, err)
			return nil
		}
		ids, err := area.UserIDs()
		if err != nil {
			log.Printf("[syncer] area %s users: %v", rv.Name, err)
			return nil
		}
		return ids
	}
	return nil
}

// zoneUsers returns every user whose zone overlaps any of the cells.
func (s *Syncer) zoneUsers(location int64, cells []geom.Vec2) []int64 {
	seenZone := make(map[geom.Vec2]struct{}, 1)
	seenUser := make(map[int64]struct{})
	var out []int64
	for _, cell := range cells {
		z := s.world.ZoneAt(location, cell)
		if _, dup := seenZone[z.Center()]; dup {
			continue
		}
		seenZone[z.Center()] = struct{}{}
		for _, uid := range z.UserIDs() {
			if _, dup := seenUser[uid]; !dup {
				seenUser[uid] = struct{}{}
				out = append(out, uid)
			}
		}
	}
	return out
}

func payloadValue(v any) any {
	if vec, ok := v.(geom.Vec2); ok {
		return map[string]any{"x": vec.X, "y": vec.Y}
	}
	return v
}
