package dispatch

import (
	"fmt"

	"vmxcore/gcpu"
	"vmxcore/hostcpu"
	"vmxcore/primitives"
	"vmxcore/vmcs"
)

// Handler handles one basic exit reason for one guest. The gcpu is the
// current gcpu on the exiting physical CPU; the handler updates it
// and/or its VMCS cache and returns. A non-nil error propagates to the
// host loop's fatal path.
type Handler func(g *gcpu.GCPU, info ExitInfo) error

// FatalExitError is returned for the always-fatal exit reasons
// (triple fault, vm-entry failures): the caller is expected to dump the
// exit and deadloop rather than resume the guest.
type FatalExitError struct {
	Reason Reason
	Info   ExitInfo
}

func (e *FatalExitError) Error() string {
	return fmt.Sprintf("dispatch: fatal exit reason %d (qualification %#x)", e.Reason, e.Info.Qualification)
}

// guestTable is one guest's handler table, fixed-size over the basic
// reason space. Handlers are installed per-guest at init time under the
// write lock; dispatch takes only the read side.
type guestTable struct {
	handlers [numReasons]Handler
	vmcalls  *primitives.HashMap[VMCallHandler]
}

// Dispatcher routes every vm-exit through the fixed preamble and then
// the guest's registered handler for the reason.
type Dispatcher struct {
	regLock  primitives.RWLock
	guests   map[int]*guestTable
	hostCPUs *hostcpu.Array
}

// New creates a dispatcher over the given per-physical-CPU state table.
func New(hostCPUs *hostcpu.Array) *Dispatcher {
	return &Dispatcher{
		guests:   make(map[int]*guestTable),
		hostCPUs: hostCPUs,
	}
}

func (d *Dispatcher) guestFor(guestID int) *guestTable {
	t, ok := d.guests[guestID]
	if !ok {
		t = &guestTable{vmcalls: primitives.NewHashMap[VMCallHandler](maxVMCallIDs, nil)}
		d.guests[guestID] = t
	}
	return t
}

// Register installs handler for (guestID, reason). Re-registration
// replaces the previous handler; passing nil uninstalls.
func (d *Dispatcher) Register(guestID int, reason Reason, handler Handler) error {
	if int(reason) >= numReasons {
		return fmt.Errorf("dispatch: reason %d out of table range", reason)
	}
	d.regLock.Lock()
	defer d.regLock.Unlock()
	d.guestFor(guestID).handlers[reason] = handler
	return nil
}

// Dispatch runs the fixed preamble and then the reason-specific handler
// for the current gcpu's guest.
func (d *Dispatcher) Dispatch(hostCPUID int, g *gcpu.GCPU, info ExitInfo) error {
	info.HostCPU = hostCPUID
	d.preamble(hostCPUID, g, info)

	if fatal(info.Reason) {
		return &FatalExitError{Reason: info.Reason, Info: info}
	}

	d.regLock.RLock()
	var h Handler
	if t, ok := d.guests[g.GuestID]; ok {
		if int(info.Reason) < numReasons {
			h = t.handlers[info.Reason]
		}
	}
	d.regLock.RUnlock()

	if h == nil {
		return d.unhandled(g, info)
	}
	return h(g, info)
}

// preamble is the fixed sequence run before any reason-specific
// handler.
func (d *Dispatcher) preamble(hostCPUID int, g *gcpu.GCPU, info ExitInfo) {
	// 1. Invalidate RO exit-info cache entries, then prime them with this
	// exit's hardware-reported values so handlers read fresh state.
	c := g.VMCS
	c.InvalidateReadOnly()
	c.Prime(vmcs.VMExitReason, uint64(info.Reason))
	c.Prime(vmcs.ExitQualification, info.Qualification)
	c.Prime(vmcs.VMExitIntrInfoField, info.IntrInfo)
	c.Prime(vmcs.VMExitIntrErrorCode, info.IntrErrorCode)
	c.Prime(vmcs.IDTVectoringInfoField, info.IDTVectoringInfo)
	c.Prime(vmcs.IDTVectoringErrorCode, info.IDTVectoringError)
	c.Prime(vmcs.VMExitInstructionLen, info.InstructionLen)
	c.Prime(vmcs.GuestLinearAddress, info.GuestLinearAddr)
	c.Prime(vmcs.GuestPhysicalAddress, info.GuestPhysicalAddr)

	// 2. Reflect an interrupted event back onto its queue.
	d.reflectIDTVectoring(hostCPUID, g, info)

	// 3. Restore NMI blocking when the exit pre-empted an IRET.
	d.repairNMIBlocking(g, info)
}

// reflectIDTVectoring re-queues an event that was in flight when the
// exit took priority, so the guest still receives it.
func (d *Dispatcher) reflectIDTVectoring(hostCPUID int, g *gcpu.GCPU, info ExitInfo) {
	vec := info.IDTVectoringInfo
	if vec&eventInfoValid == 0 {
		return
	}
	// Task-switch through an IDT task gate: the guest sees the vector
	// naturally, re-delivery would double it.
	if info.Reason == ReasonTaskSwitch &&
		(info.Qualification>>taskSwitchSourceShift)&taskSwitchSourceMask == taskSwitchSourceIDT {
		return
	}
	vector := uint8(vec & eventInfoVectorMask)
	switch (vec >> eventInfoTypeShift) & eventInfoTypeMask {
	case eventTypeExternalInt:
		g.SetPendingIntr(vector)
	case eventTypeNMI:
		d.hostCPUs.CPU(hostCPUID).PendingNMI.Inc()
		// The aborted delivery left block-by-NMI set; clear it so the
		// re-injection is not self-blocked.
		_ = g.SetBlockedByNMI(false)
	default:
		// Exceptions and software interrupts are dropped: RIP has not
		// advanced, hardware re-faults on re-entry.
	}
}

// repairNMIBlocking restores NMI blocking: when an NMI handler's
// IRET was pre-empted by this exit, the unblocking it performed must be
// undone so guest-observed interruptibility stays consistent.
func (d *Dispatcher) repairNMIBlocking(g *gcpu.GCPU, info ExitInfo) {
	switch info.Reason {
	case ReasonExceptionOrNMI, ReasonExternalInterrupt:
		if info.IntrInfo&eventInfoValid != 0 && info.IntrInfo&nmiUnblockingDueToIRET != 0 {
			_ = g.SetBlockedByNMI(true)
		}
	case ReasonEPTViolation, ReasonEPTMisconfig:
		if info.Qualification&nmiUnblockingDueToIRET != 0 {
			_ = g.SetBlockedByNMI(true)
		}
	}
}

func fatal(r Reason) bool {
	switch r {
	case ReasonTripleFault, ReasonEntryFailGuestState, ReasonEntryFailMSRLoad, ReasonEntryFailMCE:
		return true
	}
	return false
}

// unhandled applies the fallback policy for exits with no registered
// handler: guest-initiated instructions the monitor chooses not to
// emulate get #UD injected and the instruction not skipped; anything
// else is a monitor bug and fatal.
func (d *Dispatcher) unhandled(g *gcpu.GCPU, info ExitInfo) error {
	switch info.Reason {
	case ReasonCPUID, ReasonHLT, ReasonINVLPG, ReasonRDTSC, ReasonVMCALL,
		ReasonMSRRead, ReasonMSRWrite:
		return g.InjectUD()
	case ReasonInterruptWindow, ReasonNMIWindow:
		// Window exits with no handler are benign: the resume path
		// re-evaluates injections anyway.
		return nil
	}
	return fmt.Errorf("dispatch: no handler for exit reason %d in guest %d", info.Reason, g.GuestID)
}
