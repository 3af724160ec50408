package ipc

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"vmxcore/primitives"
)

// startStopContext is the shared state of one stop/start scope: the stop flag, the timestamp pair that
// lets a barrier generation be told apart from a stale one, the on-start
// handler installed by the releasing CPU, and the destination predicate
// that scopes the barrier (all CPUs, or only CPUs running a given
// guest's gcpus).
type startStopContext struct {
	stopLock primitives.SpinLock

	stop             atomic.Bool
	timestamp        atomic.Uint64
	currentTimestamp atomic.Uint64

	onStart    Handler
	onStartArg any

	pred func(cpu int) bool

	numStopped primitives.Counter32
	numStarted primitives.Counter32
}

// stopHandler runs on every destination of a STOP send: announce the
// stop, then busy-wait until the initiator clears the flag or bumps the
// generation, draining our own IPC queue the whole time so a concurrent
// sync send cannot deadlock against the barrier.
func (m *Manager) stopHandler(cpu int, arg any) {
	ctx := arg.(*startStopContext)
	ctx.numStopped.Inc()
	for ctx.stop.Load() && ctx.timestamp.Load() == ctx.currentTimestamp.Load() {
		m.ProcessOneIPC(cpu)
		runtime.Gosched()
	}
	if h := ctx.onStart; h != nil {
		h(cpu, ctx.onStartArg)
	}
	ctx.numStopped.Dec()
	ctx.numStarted.Inc()
}

// stopCPUs freezes every destination the scope's predicate selects. It
// returns only once every targeted CPU is inside the stop busy-wait.
func (m *Manager) stopCPUs(sender int, ctx *startStopContext) (int, error) {
	m.lockDraining(&ctx.stopLock, sender)
	defer ctx.stopLock.Unlock()

	if ctx.stop.Load() {
		return 0, fmt.Errorf("ipc: stop requested while a stop is already in force")
	}
	ctx.onStart = nil
	ctx.onStartArg = nil
	ctx.numStarted.Store(0)
	ctx.stop.Store(true)
	ctx.timestamp.Add(1)
	ctx.currentTimestamp.Store(ctx.timestamp.Load())

	targeted := m.ExecuteSend(sender, Stop, m.stopHandler, ctx, false, ctx.pred)

	// The ack fired on receipt; now wait until each receiver has actually
	// entered the busy-wait.
	for int(ctx.numStopped.Load()) < targeted {
		m.ProcessOneIPC(sender)
		runtime.Gosched()
	}
	return targeted, nil
}

// startCPUs releases a stop barrier: install the on-start handler, clear
// the flag, send the START wake (never enqueued), and wait until every
// stopped CPU has run the handler.
func (m *Manager) startCPUs(sender int, ctx *startStopContext, onStart Handler, arg any) (int, error) {
	m.lockDraining(&ctx.stopLock, sender)
	defer ctx.stopLock.Unlock()

	if !ctx.stop.Load() {
		return 0, fmt.Errorf("ipc: start requested with no stop in force")
	}
	expected := int(ctx.numStopped.Load())
	ctx.onStart = onStart
	ctx.onStartArg = arg
	ctx.stop.Store(false)

	m.ExecuteSend(sender, Start, nil, nil, false, ctx.pred)

	for int(ctx.numStarted.Load()) < expected {
		m.ProcessOneIPC(sender)
		runtime.Gosched()
	}
	return expected, nil
}

// StopAllCPUs freezes every other ACTIVE/SIPI CPU until StartAllCPUs.
// Returns the number of CPUs now parked in the stop busy-wait.
func (m *Manager) StopAllCPUs(sender int) (int, error) {
	return m.stopCPUs(sender, &m.globalSS)
}

// StartAllCPUs releases the all-CPU barrier. onStart, when non-nil, runs
// exactly once on each released CPU before it leaves the barrier.
// Returns the number of CPUs released.
func (m *Manager) StartAllCPUs(sender int, onStart Handler, arg any) (int, error) {
	return m.startCPUs(sender, &m.globalSS, onStart, arg)
}

// NumStoppedCPUs reports how many CPUs are currently parked in the
// all-CPU stop barrier.
func (m *Manager) NumStoppedCPUs() int {
	return int(m.globalSS.numStopped.Load())
}

// guestScope returns (creating on first use) the stop/start context
// scoped to one guest, with pred selecting only physical CPUs currently
// running one of that guest's gcpus.
func (m *Manager) guestScope(guestID int, pred func(cpu int) bool) *startStopContext {
	m.ssLock.Lock()
	defer m.ssLock.Unlock()
	ctx, ok := m.guestSS[guestID]
	if !ok {
		ctx = &startStopContext{}
		m.guestSS[guestID] = ctx
	}
	ctx.pred = pred
	return ctx
}

// StopGuestCPUs freezes the physical CPUs for which pred returns true —
// the caller supplies the "currently running a gcpu of guest guestID"
// test, typically backed by the scheduler's current-gcpu pointers.
func (m *Manager) StopGuestCPUs(sender, guestID int, pred func(cpu int) bool) (int, error) {
	return m.stopCPUs(sender, m.guestScope(guestID, pred))
}

// StartGuestCPUs releases a guest-scoped barrier.
func (m *Manager) StartGuestCPUs(sender, guestID int, onStart Handler, arg any) (int, error) {
	m.ssLock.Lock()
	ctx, ok := m.guestSS[guestID]
	m.ssLock.Unlock()
	if !ok {
		return 0, fmt.Errorf("ipc: no stop in force for guest %d", guestID)
	}
	return m.startCPUs(sender, ctx, onStart, arg)
}
