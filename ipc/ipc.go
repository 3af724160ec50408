// Package ipc is the inter-physical-CPU coordination layer:
// one CPU invokes an arbitrary (handler, arg) on any subset of the other
// CPUs, with NMI as the wakeup for active CPUs and SIPI for CPUs parked
// in wait-for-SIPI. Message queues are bounded and preallocated, the
// acknowledgment matrix gives sync sends their completion guarantee, and
// the start/stop barrier lets one CPU freeze and release the rest.
package ipc

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"vmxcore/hostcpu"
	"vmxcore/primitives"
)

// MessageType selects the pre-filter and wake behavior of a send.
type MessageType int

const (
	// Normal is an ordinary handler invocation; enqueued to any
	// destination that is not NOT_ACTIVE.
	Normal MessageType = iota
	// Start is never enqueued: its only effect is the wake that releases
	// a stopped CPU from the stop busy-wait.
	Start
	// Stop carries the busy-wait handler of the stop barrier; enqueued to
	// ACTIVE or SIPI destinations.
	Stop
	// Sync is dropped at the sender; it exists so a caller can force the
	// ack-matrix fencing without any handler running remotely.
	Sync
)

// ActivityState is the per-physical-CPU IPC state.
type ActivityState int32

const (
	NotActive ActivityState = iota
	Active
	SIPIWait
)

// Handler runs on the destination CPU in root-mode monitor context.
type Handler func(cpuID int, arg any)

// SIPIWakeVector is the vector a SIPI wake carries.
const SIPIWakeVector = 0xFF

// message is one queue slot. The ack cell pointer lands in exactly one
// of the two slots: preAck when the sender does not wait for the handler
// (incremented on receipt, before the handler runs), postAck when it
// does (incremented after the handler returns).
type message struct {
	typ     MessageType
	sender  int
	handler Handler
	arg     any

	preAck  *primitives.Counter32
	postAck *primitives.Counter32

	// nmiAccounted is set when the wake for this message was charged to
	// the destination's sent-IPC-NMI counter; resend NMIs are not charged
	// again.
	nmiAccounted bool
}

// cpuContext is the per-physical-CPU IPC state: activity, the bounded
// message queue behind its spin lock, and the counter block the debug
// surface reads.
type cpuContext struct {
	state atomic.Int32

	dataLock primitives.SpinLock
	queue    *primitives.ArrayList[message]

	sipiPending atomic.Bool

	receivedNMI     primitives.Counter32
	processedNMI    primitives.Counter32
	sentIPCNMI      primitives.Counter32
	processedIPCNMI primitives.Counter32

	blockedGuestNMIInjections primitives.Counter32

	startMessages primitives.Counter32
	stopMessages  primitives.Counter32
	sentIPC       primitives.Counter32
	receivedIPC   primitives.Counter32
}

// Signaller delivers the physical wake to a destination CPU. The default
// loopback signaller delivers synchronously in-process; a monitor
// embedding real vCPUs replaces it with one that kicks the destination's
// backend (KVM_NMI / a signal to the destination's run loop).
type Signaller interface {
	SendNMI(dest int)
	SendSIPI(dest int, vector uint8)
}

// Manager owns all per-CPU IPC state, the N x N acknowledgment matrix,
// and the start/stop barrier contexts.
type Manager struct {
	cpus     []cpuContext
	hostCPUs *hostcpu.Array

	// ack[sender][receiver], zeroed per send.
	ack [][]primitives.Counter32

	sendLock primitives.SpinLock

	signaller Signaller

	// nmiHook runs on NMI delivery to a CPU, after the counters are
	// updated: the monitor wires it to the VMCS cache's transactional
	// NMI-window request for that CPU's current VMCS.
	nmiHook func(cpu int)

	// ResendDisabled is the debug flag that suppresses timeout resends.
	ResendDisabled bool

	globalSS startStopContext
	guestSS  map[int]*startStopContext
	ssLock   primitives.SpinLock
}

// loopbackSignaller delivers wakes by calling straight back into the
// manager, which is exactly what the test harness needs: the NMI "ISR"
// runs inline on the sending goroutine, the destination observes the
// queued message on its next poll.
type loopbackSignaller struct{ m *Manager }

func (s loopbackSignaller) SendNMI(dest int)               { s.m.DeliverNMI(dest) }
func (s loopbackSignaller) SendSIPI(dest int, vector uint8) { s.m.DeliverSIPI(dest, vector) }

// New creates a manager for numCPUs physical CPUs. Queues are bounded at
// numCPUs entries each. signaller may be nil for the in-process loopback.
func New(numCPUs int, hostCPUs *hostcpu.Array, signaller Signaller) *Manager {
	m := &Manager{
		cpus:     make([]cpuContext, numCPUs),
		hostCPUs: hostCPUs,
		ack:      make([][]primitives.Counter32, numCPUs),
		guestSS:  make(map[int]*startStopContext),
	}
	for i := range m.cpus {
		m.cpus[i].queue = primitives.NewArrayList[message](numCPUs)
	}
	for i := range m.ack {
		m.ack[i] = make([]primitives.Counter32, numCPUs)
	}
	if signaller == nil {
		signaller = loopbackSignaller{m}
	}
	m.signaller = signaller
	return m
}

// SetNMIHook installs the per-delivery callback described on Manager.
func (m *Manager) SetNMIHook(hook func(cpu int)) { m.nmiHook = hook }

func (m *Manager) NumCPUs() int { return len(m.cpus) }

// State reads a CPU's activity state.
func (m *Manager) State(cpu int) ActivityState {
	return ActivityState(m.cpus[cpu].state.Load())
}

// SetActive marks a CPU ACTIVE; sends to it are honored from now on.
func (m *Manager) SetActive(cpu int) {
	m.cpus[cpu].state.Store(int32(Active))
}

// SetNotActive marks a CPU NOT_ACTIVE. NORMAL and STOP sends skip it.
func (m *Manager) SetNotActive(cpu int) {
	m.cpus[cpu].state.Store(int32(NotActive))
}

// ChangeStateToSIPI parks a CPU in wait-for-SIPI: every queued message is
// acknowledged and discarded so senders never hang on a CPU that cannot
// run handlers.
func (m *Manager) ChangeStateToSIPI(cpu int) {
	ctx := &m.cpus[cpu]
	ctx.dataLock.Lock()
	for {
		msg, ok := ctx.queue.PopFront()
		if !ok {
			break
		}
		if msg.preAck != nil {
			msg.preAck.Inc()
		}
		if msg.postAck != nil {
			msg.postAck.Inc()
		}
	}
	ctx.state.Store(int32(SIPIWait))
	ctx.dataLock.Unlock()
}

// spinBound is the per-round wait-count of the send spin loop; one TSC
// second is approximated with the monotonic clock.
const spinBound = 1000

const resendTimeout = time.Second

// ExecuteSend is the send path: deliver (handler, arg) to
// every destination CPU dest != sender for which dests(dest) is true,
// then spin until every enqueued destination has acknowledged. It
// returns num_required_acks: the number of destinations that accepted a
// message (a send to an empty destination set completes immediately
// with zero).
// waitForFinish selects post-handler acknowledgment; otherwise the ack
// fires on receipt, before the handler runs. Either way the sender does
// not return until all acks are in — what differs is whether "acked"
// means "handler done" or "message taken off the queue".
func (m *Manager) ExecuteSend(sender int, typ MessageType, handler Handler, arg any, waitForFinish bool, dests func(cpu int) bool) int {
	m.lockDraining(&m.sendLock, sender)
	defer m.sendLock.Unlock()

	for c := range m.ack[sender] {
		m.ack[sender][c].Store(0)
	}

	required := 0
	enqueued := make([]bool, len(m.cpus))
	for dest := range m.cpus {
		if dest == sender || dests != nil && !dests(dest) {
			continue
		}
		if m.sendToOne(sender, dest, typ, handler, arg, waitForFinish) {
			enqueued[dest] = true
			required++
		}
	}

	if required > 0 {
		m.spinForAcks(sender, required, enqueued)
	}
	return required
}

// sendToOne applies the pre-filter, enqueues, and wakes one destination.
// Returns whether a message was actually enqueued (and so owes an ack).
func (m *Manager) sendToOne(sender, dest int, typ MessageType, handler Handler, arg any, waitForFinish bool) bool {
	ctx := &m.cpus[dest]
	ctx.dataLock.Lock()
	defer ctx.dataLock.Unlock()

	state := ActivityState(ctx.state.Load())

	switch typ {
	case Start:
		// Never enqueued; the wake alone releases a stopped CPU.
		ctx.startMessages.Inc()
		m.wakeLocked(ctx, dest, state, nil)
		return false
	case Sync:
		return false
	case Stop:
		if state == NotActive {
			return false
		}
		ctx.stopMessages.Inc()
	case Normal:
		if state == NotActive {
			return false
		}
	}

	msg := message{typ: typ, sender: sender, handler: handler, arg: arg}
	cell := &m.ack[sender][dest]
	if waitForFinish {
		msg.postAck = cell
	} else {
		msg.preAck = cell
	}

	wasEmpty := ctx.queue.EmptyQ()
	if !ctx.queue.PushBack(msg) {
		// Queue full: the destination is already owed at least one wake;
		// spin until a slot frees, draining our own queue to stay
		// deadlock-free under mutual sends.
		for !ctx.queue.PushBack(msg) {
			ctx.dataLock.Unlock()
			m.ProcessOneIPC(sender)
			runtime.Gosched()
			ctx.dataLock.Lock()
		}
	}
	m.cpus[sender].sentIPC.Inc()

	if wasEmpty {
		m.wakeLocked(ctx, dest, state, lastQueued(ctx))
	}
	return true
}

func lastQueued(ctx *cpuContext) *message { return ctx.queue.PeekBack() }

// wakeLocked sends the NMI or SIPI wake for a destination whose queue
// just went non-empty (or a START). Called with ctx.dataLock held. msg,
// when non-nil, is the message whose wake this is; its accounting flag
// is set so the receive path can attribute the NMI to IPC rather than to
// the guest.
func (m *Manager) wakeLocked(ctx *cpuContext, dest int, state ActivityState, msg *message) {
	switch state {
	case Active:
		if msg != nil && !msg.nmiAccounted {
			msg.nmiAccounted = true
			ctx.sentIPCNMI.Inc()
		}
		m.signaller.SendNMI(dest)
	case SIPIWait:
		m.signaller.SendSIPI(dest, SIPIWakeVector)
	}
}

// spinForAcks implements send-path step 3: spin on the ack row in bounded
// rounds, resend wakes to laggards at the end of a round once
// resendTimeout has passed since the last send or resend, and drain our
// own queue between spins so two CPUs sync-sending at each other cannot
// deadlock.
func (m *Manager) spinForAcks(sender, required int, enqueued []bool) {
	acked := func() int {
		total := 0
		for dest, on := range enqueued {
			if on {
				total += int(m.ack[sender][dest].Load())
			}
		}
		return total
	}

	deadline := time.Now().Add(resendTimeout)
	for acked() < required {
		for i := 0; i < spinBound && acked() < required; i++ {
			m.ProcessOneIPC(sender)
			runtime.Gosched()
		}
		if acked() >= required {
			return
		}
		if time.Now().After(deadline) && !m.ResendDisabled {
			for dest, on := range enqueued {
				if on && m.ack[sender][dest].Load() == 0 {
					m.resend(dest)
				}
			}
			deadline = time.Now().Add(resendTimeout)
		}
	}
}

// resend re-delivers the wake to a destination that has not acked. The
// NMI is not re-charged to sentIPCNMI: the message's accounting flag
// already recorded the one charge.
func (m *Manager) resend(dest int) {
	ctx := &m.cpus[dest]
	switch ActivityState(ctx.state.Load()) {
	case Active:
		m.signaller.SendNMI(dest)
	case SIPIWait:
		m.signaller.SendSIPI(dest, SIPIWakeVector)
	}
}

// lockDraining acquires l while draining cpu's own IPC queue between
// attempts. Every sender-side lock in this package is taken this way:
// a CPU blocked on a peer's send must keep consuming its own messages
// or two CPUs sync-sending at each other deadlock.
func (m *Manager) lockDraining(l *primitives.SpinLock, cpu int) {
	for !l.TryLock() {
		m.ProcessOneIPC(cpu)
		runtime.Gosched()
	}
}

// SendToAllOtherCPUs is the broadcast convenience wrapper.
func (m *Manager) SendToAllOtherCPUs(sender int, typ MessageType, handler Handler, arg any, waitForFinish bool) int {
	return m.ExecuteSend(sender, typ, handler, arg, waitForFinish, nil)
}

// SendToCPU targets a single destination.
func (m *Manager) SendToCPU(sender, dest int, typ MessageType, handler Handler, arg any, waitForFinish bool) error {
	if dest < 0 || dest >= len(m.cpus) {
		return fmt.Errorf("ipc: destination cpu %d out of range", dest)
	}
	m.ExecuteSend(sender, typ, handler, arg, waitForFinish, func(cpu int) bool { return cpu == dest })
	return nil
}

// Counters is a snapshot of one CPU's IPC counter block, for the debug
// monitor and the test harness.
type Counters struct {
	ReceivedNMI, ProcessedNMI       uint32
	SentIPCNMI, ProcessedIPCNMI     uint32
	BlockedGuestNMIInjections       uint32
	StartMessages, StopMessages     uint32
	SentIPC, ReceivedIPC            uint32
	QueueLen                        int
}

func (m *Manager) CountersFor(cpu int) Counters {
	ctx := &m.cpus[cpu]
	ctx.dataLock.Lock()
	qlen := ctx.queue.Len()
	ctx.dataLock.Unlock()
	return Counters{
		ReceivedNMI:               ctx.receivedNMI.Load(),
		ProcessedNMI:              ctx.processedNMI.Load(),
		SentIPCNMI:                ctx.sentIPCNMI.Load(),
		ProcessedIPCNMI:           ctx.processedIPCNMI.Load(),
		BlockedGuestNMIInjections: ctx.blockedGuestNMIInjections.Load(),
		StartMessages:             ctx.startMessages.Load(),
		StopMessages:              ctx.stopMessages.Load(),
		SentIPC:                   ctx.sentIPC.Load(),
		ReceivedIPC:               ctx.receivedIPC.Load(),
		QueueLen:                  qlen,
	}
}

// AckMatrixRow returns a copy of sender's ack row, for tests checking
// the round-trip law that stop/start returns the matrix to zero.
func (m *Manager) AckMatrixRow(sender int) []uint32 {
	row := make([]uint32, len(m.ack[sender]))
	for i := range row {
		row[i] = m.ack[sender][i].Load()
	}
	return row
}

// IncBlockedGuestNMIInjection records that the resume path wanted to
// inject a guest NMI but the entry slot or interruptibility blocked it;
// the next NMI-window exit re-marks the injection.
func (m *Manager) IncBlockedGuestNMIInjection(cpu int) {
	m.cpus[cpu].blockedGuestNMIInjections.Inc()
}
