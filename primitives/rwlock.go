package primitives

import "sync"

// RWLock is a multiple-readers/single-writer lock. Go's sync.RWMutex
// already blocks new readers behind a pending writer, which gives the
// fair-to-writers behavior the monitor's shared tables need (registration, HMM map
// updates, and per-event subscriber lists all rely on that: a write lock
// taken for a gcpu registration or a map mutation must not starve behind
// a stream of readers).
type RWLock struct {
	mu sync.RWMutex
}

func (l *RWLock) RLock()   { l.mu.RLock() }
func (l *RWLock) RUnlock() { l.mu.RUnlock() }
func (l *RWLock) Lock()    { l.mu.Lock() }
func (l *RWLock) Unlock()  { l.mu.Unlock() }
