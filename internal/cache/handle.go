package cache

import "sync/atomic"

// Handle simulates a weak reference with an explicit reference count.
// Owners of the cached value call Retain while they hold it and Release
// when done; at zero references the value counts as reclaimed.
type Handle struct {
	refs atomic.Int64
}

// NewHandle creates a handle with one initial reference.
func NewHandle() *Handle {
	h := &Handle{}
	h.refs.Store(1)
	return h
}

// Retain adds a reference.
func (h *Handle) Retain() {
	h.refs.Add(1)
}

// Release drops a reference. Releasing below zero is clamped.
func (h *Handle) Release() {
	if h.refs.Add(-1) < 0 {
		h.refs.Store(0)
	}
}

// Refs returns the current reference count.
func (h *Handle) Refs() int64 {
	return h.refs.Load()
}

func (h *Handle) released() bool {
	return h.refs.Load() <= 0
}
