package transport

import (
	"sync"
	"time"
)

// Limit caps an event to Times calls per Period on one socket.
type Limit struct {
	Period time.Duration
	Times  int
}

// limiter keeps per-event timestamp windows for one peer.
type limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func newLimiter() *limiter {
	return &limiter{windows: make(map[string][]time.Time)}
}

// allow prunes the window and admits the call if quota remains. Admitted
// calls record their timestamp immediately; a handler that reports "did
// not consume" pops it again.
func (l *limiter) allow(event string, lim Limit, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.windows[event]
	kept := window[:0]
	for _, ts := range window {
		if now.Sub(ts) < lim.Period {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= lim.Times {
		l.windows[event] = kept
		return false
	}
	l.windows[event] = append(kept, now)
	return true
}

// pop removes the most recent timestamp for an event.
func (l *limiter) pop(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.windows[event]
	if len(window) > 0 {
		l.windows[event] = window[:len(window)-1]
	}
}
