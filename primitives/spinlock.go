package primitives

import "sync/atomic"

// SpinLock is a test-and-test-and-set spin lock. It never parks the calling
// goroutine on the Go scheduler's blocking primitives, which matters for
// the call sites that must stay NMI-safe (the IPC per-CPU data
// lock and the HMM update lock, both of which can be taken from a context
// that must not sleep).
type SpinLock struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired.
func (s *SpinLock) Lock() {
	for !s.TryLock() {
		for s.held.Load() {
			// busy-wait; re-test before the next CAS attempt
		}
	}
}

// TryLock attempts to acquire the lock without blocking.
func (s *SpinLock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an unheld lock is a caller bug.
func (s *SpinLock) Unlock() {
	s.held.Store(false)
}
