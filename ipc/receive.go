package ipc

// This file is the receive half of the IPC protocol: NMI/SIPI delivery into a
// destination CPU's context, the queue drain, and the post-drain
// decision of whether an NMI is owed to the NMI-owner guest.

// DeliverNMI is the software rendering of the host NMI ISR: count the arrival, bump the per-CPU pending
// NMI, and run the hook that requests an NMI-window vm-exit through the
// VMCS cache's transactional flush. Safe to call from any goroutine; the
// real ISR equivalent can interrupt monitor code at any instruction, so
// everything touched here is interlocked.
func (m *Manager) DeliverNMI(dest int) {
	ctx := &m.cpus[dest]
	ctx.receivedNMI.Inc()
	if m.hostCPUs != nil {
		m.hostCPUs.CPU(dest).PendingNMI.Inc()
	}
	if m.nmiHook != nil {
		m.nmiHook(dest)
	}
}

// DeliverSIPI marks a wait-for-SIPI CPU as woken. The parked CPU's loop
// observes the mark via TakeSIPI, transitions to ACTIVE, and resumes
// draining its queue.
func (m *Manager) DeliverSIPI(dest int, vector uint8) {
	if vector != SIPIWakeVector {
		return
	}
	m.cpus[dest].sipiPending.Store(true)
}

// TakeSIPI consumes a pending SIPI wake, returning whether one was
// delivered. On true, the caller is expected to move the CPU out of
// wait-for-SIPI.
func (m *Manager) TakeSIPI(cpu int) bool {
	if !m.cpus[cpu].sipiPending.Swap(false) {
		return false
	}
	m.SetActive(cpu)
	return true
}

// ProcessOneIPC drains at most one message from cpu's own queue. Every
// busy-wait in the monitor calls this between iterations so that two
// CPUs sync-sending at each other always make progress.
// Lock discipline: pop under the data
// lock, run the handler outside it, then take the lock again to credit
// the post-handler ack.
func (m *Manager) ProcessOneIPC(cpu int) bool {
	ctx := &m.cpus[cpu]
	ctx.dataLock.Lock()
	msg, ok := ctx.queue.PopFront()
	ctx.dataLock.Unlock()
	if !ok {
		return false
	}

	ctx.receivedIPC.Inc()
	if msg.preAck != nil {
		msg.preAck.Inc()
	}
	if msg.handler != nil {
		msg.handler(cpu, msg.arg)
	}

	ctx.dataLock.Lock()
	if msg.nmiAccounted {
		// This message's wake NMI is hereby consumed by IPC: it is not
		// owed to the guest.
		ctx.processedIPCNMI.Inc()
		ctx.processedNMI.Inc()
		if m.hostCPUs != nil {
			hc := m.hostCPUs.CPU(cpu)
			if hc.PendingNMI.Load() > 0 {
				hc.PendingNMI.Dec()
			}
		}
	}
	if msg.postAck != nil {
		msg.postAck.Inc()
	}
	ctx.dataLock.Unlock()
	return true
}

// ProcessIPCQueue drains cpu's queue to empty, returning how many
// messages ran.
func (m *Manager) ProcessIPCQueue(cpu int) int {
	n := 0
	for m.ProcessOneIPC(cpu) {
		n++
	}
	return n
}

// NMIWindowVMExitHandler is the IPC dispatcher entered when the
// NMI-window vm-exit fires: drain the
// queue, then decide whether an NMI is owed to the NMI-owner guest.
//   - A previously blocked guest injection takes priority: consume one
//     blocked slot and re-mark.
//   - Otherwise, an NMI is owed iff more NMIs arrived than were processed
//     AND every IPC-sent NMI has been matched by IPC processing — i.e.
//     the surplus is a platform NMI, not an IPC doorbell.
// The mark is consumed by the resume path on the next vm-entry.
func (m *Manager) NMIWindowVMExitHandler(cpu int) {
	ctx := &m.cpus[cpu]
	m.ProcessIPCQueue(cpu)

	if ctx.blockedGuestNMIInjections.Load() > 0 {
		ctx.blockedGuestNMIInjections.Dec()
		if m.hostCPUs != nil {
			m.hostCPUs.CPU(cpu).MarkGuestNMIToInject()
		}
		return
	}
	if ctx.receivedNMI.Load() > ctx.processedNMI.Load() &&
		ctx.sentIPCNMI.Load() == ctx.processedIPCNMI.Load() {
		if m.hostCPUs != nil {
			m.hostCPUs.CPU(cpu).MarkGuestNMIToInject()
		}
		ctx.processedNMI.Inc()
	}
}
