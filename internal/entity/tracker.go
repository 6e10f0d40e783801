package entity

import "sync"

// Op is the kind of change recorded for an entity.
type Op int

const (
	OpCreate Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// ChangeSet records an entity's transition since the last drain: the
// operation, the fields touched (recording order), and the pre-change
// values of updated fields.
type ChangeSet struct {
	Entity   Persistent
	Op       Op
	Fields   []string
	Original map[string]any
}

// HasField reports whether the change set touched the named field.
func (c *ChangeSet) HasField(name string) bool {
	for _, f := range c.Fields {
		if f == name {
			return true
		}
	}
	return false
}

type record struct {
	op       Op
	fields   []string
	seen     map[string]struct{}
	original map[string]any
}

func newRecord(op Op) *record {
	return &record{
		op:       op,
		seen:     make(map[string]struct{}),
		original: make(map[string]any),
	}
}

func (r *record) touch(field string, old any) {
	if _, ok := r.seen[field]; ok {
		return
	}
	r.seen[field] = struct{}{}
	r.fields = append(r.fields, field)
	r.original[field] = old
}

// layer is one consumer view of the accumulated changes. The sync layer is
// drained every synchronize tick, the flush layer every DB flush; the two
// run on independent cadences.
type layer struct {
	order []Persistent
	recs  map[Persistent]*record
}

func newLayer() layer {
	return layer{recs: make(map[Persistent]*record)}
}

func (l *layer) get(e Persistent, op Op) *record {
	rec, ok := l.recs[e]
	if !ok {
		rec = newRecord(op)
		l.recs[e] = rec
		l.order = append(l.order, e)
	}
	return rec
}

func (l *layer) drain() []ChangeSet {
	out := make([]ChangeSet, 0, len(l.order))
	for _, e := range l.order {
		rec := l.recs[e]
		out = append(out, ChangeSet{
			Entity:   e,
			Op:       rec.op,
			Fields:   rec.fields,
			Original: rec.original,
		})
	}
	l.order = nil
	l.recs = make(map[Persistent]*record)
	return out
}

// Tracker collects create/update/delete events against entity fields.
// Setters on models call Update; the synchronizer and the registry drain
// their layers independently. Drains swap the underlying state so marks
// recorded during a drain land in the next window (map swap, no lock held).
type Tracker struct {
	mu       sync.Mutex
	syncSet  layer
	flushSet layer

	// Fields marked sync-dirty without a value assignment (derived
	// quantities). Consumed together with the sync layer.
	explicit map[Persistent][]string
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		syncSet:  newLayer(),
		flushSet: newLayer(),
		explicit: make(map[Persistent][]string),
	}
}

// Update records a field assignment with its pre-change value. The first
// write in a window pins the original; later writes keep it.
func (t *Tracker) Update(e Persistent, field string, old any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncSet.get(e, OpUpdate).touch(field, old)
	t.flushSet.get(e, OpUpdate).touch(field, old)
}

// Create records a freshly constructed entity pending insert.
func (t *Tracker) Create(e Persistent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncSet.get(e, OpCreate).op = OpCreate
	t.flushSet.get(e, OpCreate).op = OpCreate
}

// Delete records an entity pending removal. Delete wins over any earlier
// mark in the same window.
func (t *Tracker) Delete(e Persistent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncSet.get(e, OpDelete).op = OpDelete
	t.flushSet.get(e, OpDelete).op = OpDelete
}

// MarkExplicit queues a derived field for the next sync drain without
// recording an original value and without touching the flush layer.
func (t *Tracker) MarkExplicit(e Persistent, field string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.explicit[e] {
		if f == field {
			return
		}
	}
	t.explicit[e] = append(t.explicit[e], field)
}

// DrainSync returns the change sets accumulated since the previous sync
// drain, in recording order, with explicitly tracked fields merged in.
func (t *Tracker) DrainSync() []ChangeSet {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Fold explicit marks into the sync layer before draining so a derived
	// change on an otherwise untouched entity still yields an Update.
	for e, fields := range t.explicit {
		rec := t.syncSet.get(e, OpUpdate)
		if rec.op == OpDelete {
			continue
		}
		for _, f := range fields {
			rec.touch(f, nil)
		}
	}
	t.explicit = make(map[Persistent][]string)

	return t.syncSet.drain()
}

// DrainFlush returns the change sets accumulated since the previous DB
// flush, in recording order.
func (t *Tracker) DrainFlush() []ChangeSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushSet.drain()
}

// MergeFlush restores drained flush change sets after a failed flush.
// Entities re-dirtied since the drain keep their newer record.
func (t *Tracker) MergeFlush(back []ChangeSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cs := range back {
		if _, exists := t.flushSet.recs[cs.Entity]; exists {
			continue
		}
		rec := newRecord(cs.Op)
		for _, f := range cs.Fields {
			rec.touch(f, cs.Original[f])
		}
		t.flushSet.recs[cs.Entity] = rec
		t.flushSet.order = append(t.flushSet.order, cs.Entity)
	}
}

// IsDirty reports whether e has unflushed changes.
func (t *Tracker) IsDirty(e Persistent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.flushSet.recs[e]
	return ok
}
