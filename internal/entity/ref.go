package entity

// RefTo is a lazy pointer to another entity by primary key. It is either
// unresolved (key only) or resolved (holding the canonical instance).
type RefTo[T Persistent] struct {
	key      int64
	target   T
	resolved bool
}

// RefKey constructs an unresolved reference.
func RefKey[T Persistent](key int64) RefTo[T] {
	return RefTo[T]{key: key}
}

// Key returns the target's primary key, zero when unset.
func (r *RefTo[T]) Key() int64 {
	if r.resolved {
		return r.target.EntityID()
	}
	return r.key
}

// IsSet reports whether the reference points at anything.
func (r *RefTo[T]) IsSet() bool {
	return r.resolved || r.key != 0
}

// IsResolved reports whether the target instance is attached.
func (r *RefTo[T]) IsResolved() bool {
	return r.resolved
}

// Set attaches a resolved target.
func (r *RefTo[T]) Set(target T) {
	r.target = target
	r.key = target.EntityID()
	r.resolved = true
}

// SetKey rebinds the reference to a bare key. A previously resolved target
// is preserved when the key is unchanged, so hydration from a row that only
// carries the foreign key never downgrades a live reference.
func (r *RefTo[T]) SetKey(key int64) {
	if r.resolved && r.key == key {
		return
	}
	var zero T
	r.target = zero
	r.resolved = false
	r.key = key
}

// Clear unsets the reference.
func (r *RefTo[T]) Clear() {
	var zero T
	r.target = zero
	r.resolved = false
	r.key = 0
}

// Resolve returns the target, loading it through load on first access.
// The loaded instance is retained so later calls are free.
func (r *RefTo[T]) Resolve(load func(int64) (T, error)) (T, error) {
	if r.resolved {
		return r.target, nil
	}
	var zero T
	if r.key == 0 {
		return zero, nil
	}
	target, err := load(r.key)
	if err != nil {
		return zero, err
	}
	r.Set(target)
	return target, nil
}
