// Package hostcpu is the per-physical-CPU save area:
// the VMXON region's physical address, the pending-NMI counter the host
// NMI ISR increments and the resume path consumes, and the one-shot
// guest-NMI-to-inject mark the IPC receive path sets when a non-IPC NMI
// is owed to the NMI-owner guest. Everything here is touched from NMI
// context, so all mutable state is interlocked.
package hostcpu

import (
	"sync/atomic"

	"vmxcore/primitives"
)

// HostCPU is one physical CPU's save area. The monitor holds exactly one
// per physical CPU, in an array indexed by host cpu id; cross-subsystem
// references carry the index, never a pointer.
type HostCPU struct {
	// VMXONRegionHPA is the physical address of this CPU's VMXON region,
	// recorded at bring-up.
	VMXONRegionHPA uint64

	// PendingNMI counts NMIs this CPU has received but not yet
	// observed/injected: incremented by the host NMI ISR and by
	// idt-vectoring reflection, decremented by the resume path and by
	// the IPC receive path when an IPC message accounts for the NMI.
	PendingNMI primitives.Counter32

	// guestNMIToInject is set by the IPC dispatcher when its accounting
	// decides an NMI is owed to the NMI-owner guest; the next vm-entry consumes it.
	guestNMIToInject atomic.Bool

	// inDeadloop is the per-CPU double-deadloop guard: set on
	// the first fatal path, checked to stop a faulting deadloop handler
	// from recursing.
	inDeadloop atomic.Bool
}

// MarkGuestNMIToInject records that the next vm-entry on this CPU must
// inject an NMI into the NMI-owner guest.
func (h *HostCPU) MarkGuestNMIToInject() { h.guestNMIToInject.Store(true) }

// TakeGuestNMIToInject consumes the mark, returning whether it was set.
// At most one outstanding guest NMI at a time falls out of this being a flag, not a counter.
func (h *HostCPU) TakeGuestNMIToInject() bool {
	return h.guestNMIToInject.Swap(false)
}

// GuestNMIToInject reads the mark without consuming it.
func (h *HostCPU) GuestNMIToInject() bool { return h.guestNMIToInject.Load() }

// EnterDeadloop flips the per-CPU deadloop guard, returning false if this
// CPU was already inside a deadloop (the handler itself faulted).
func (h *HostCPU) EnterDeadloop() bool {
	return h.inDeadloop.CompareAndSwap(false, true)
}

// ClearDeadloop re-arms the guard; the fatal path that survives by
// injecting #GP0 into guest-0 clears it before resuming.
func (h *HostCPU) ClearDeadloop() { h.inDeadloop.Store(false) }

// Array is the singleton per-physical-CPU state table, sized by the
// loader's number_of_processors_at_boot_time.
type Array struct {
	cpus []HostCPU
}

// NewArray allocates save areas for numCPUs physical CPUs.
func NewArray(numCPUs int) *Array {
	return &Array{cpus: make([]HostCPU, numCPUs)}
}

func (a *Array) Len() int { return len(a.cpus) }

// CPU returns the save area for the given host cpu id.
func (a *Array) CPU(id int) *HostCPU { return &a.cpus[id] }
