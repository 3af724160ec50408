package vmxcore

import (
	"fmt"
	"runtime"

	"vmxcore/dispatch"
	"vmxcore/gcpu"
	"vmxcore/hwbackend"
	"vmxcore/ipc"
	"vmxcore/vmcs"
)

// This file is the per-physical-CPU cooperative loop: each
// physical CPU runs exactly one of these, alternating between monitor
// code in root mode and the guest via the resume path. The monitor
// never yields; a CPU "suspends" only by entering the guest or by
// busy-waiting inside an IPC stop handler.

// Run drives every physical CPU's loop, one goroutine per CPU, and
// returns when all of them have: gcpus are statically pinned, so a
// goroutine per host CPU is the whole threading model.
func (m *Monitor) Run() error {
	errs := make(chan error, m.numCPUs)
	for cpu := 0; cpu < m.numCPUs; cpu++ {
		go func(cpu int) { errs <- m.RunHostCPU(cpu) }(cpu)
	}
	var first error
	for i := 0; i < m.numCPUs; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
			m.Stop()
		}
	}
	return first
}

// Stop asks every host-CPU loop to leave at its next top-of-loop check.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

// RunHostCPU is one physical CPU's loop: announce ACTIVE to the IPC
// layer, select the first ready gcpu, then cycle vm-entries until Stop
// or a fatal exit.
func (m *Monitor) RunHostCPU(cpuID int) error {
	m.ipc.SetActive(cpuID)
	defer m.ipc.SetNotActive(cpuID)

	if _, err := m.sched.SelectInitialGCPU(cpuID); err != nil {
		return fmt.Errorf("vmxcore: cpu %d: %w", cpuID, err)
	}
	for {
		select {
		case <-m.stopCh:
			return nil
		default:
		}
		if err := m.StepHostCPU(cpuID); err != nil {
			m.fatal.Deadloop(cpuID, "hostloop.go", 0)
			return err
		}
		runtime.Gosched()
	}
}

// StepHostCPU performs one monitor round trip on cpuID: drain IPC work,
// honor a SIPI wake, prepare and perform the vm-entry, then route the
// resulting vm-exit through the dispatcher. Exposed so a harness can
// single-step a CPU.
func (m *Monitor) StepHostCPU(cpuID int) error {
	// Root-mode housekeeping before touching the guest: IPC messages
	// first, then any synthesized NMI-window work.
	m.ipc.ProcessIPCQueue(cpuID)
	if m.ipc.TakeSIPI(cpuID) && m.Verbose {
		m.logger.Printf("vmxcore: cpu %d woken by SIPI", cpuID)
	}

	g := m.sched.CurrentGCPU(cpuID)
	if g == nil {
		return fmt.Errorf("vmxcore: cpu %d has no current gcpu", cpuID)
	}

	if err := m.resumePath.PrepareEntry(cpuID, g); err != nil {
		return err
	}
	run, err := m.resumePath.Enter(g, m.runAreas[g])
	if err != nil {
		return err
	}
	m.lastRun[cpuID] = run

	if err := m.handleExit(cpuID, g, run); err != nil {
		return err
	}

	// The NMI-window request set by the ISR path fires "as soon as the
	// guest can accept an NMI"; on this backend that is the first exit
	// after the request, so consume it here.
	m.serviceNMIWindow(cpuID, g)
	return nil
}

// serviceNMIWindow checks the gcpu's processor controls for a pending
// NMI-window request and, if present, clears it and dispatches the
// window exit (whose core handler runs the IPC dispatcher).
func (m *Monitor) serviceNMIWindow(cpuID int, g *gcpu.GCPU) {
	ctl, err := g.VMCS.Read(vmcs.ProcBasedVMExecControl)
	if err != nil || ctl&vmcs.NMIWindowBit == 0 {
		return
	}
	g.VMCS.Write(vmcs.ProcBasedVMExecControl, ctl&^vmcs.NMIWindowBit)
	_ = m.dispatcher.Dispatch(cpuID, g, dispatch.ExitInfo{Reason: dispatch.ReasonNMIWindow})
}

// handleExit translates the backend's decoded exit into the
// dispatcher's reason space and runs the dispatch (preamble plus
// registered handler). Fatal reasons surface as errors for the caller
// to deadloop on.
func (m *Monitor) handleExit(cpuID int, g *gcpu.GCPU, run hwbackend.RunInfo) error {
	info, ok := exitInfoFor(run)
	if !ok {
		if m.Verbose {
			m.logger.Printf("vmxcore: cpu %d ignoring exit reason %d", cpuID, run.ExitReason)
		}
		return nil
	}
	return m.dispatcher.Dispatch(cpuID, g, info)
}

// exitInfoFor maps a backend exit record onto the basic-reason space
// the dispatch table is indexed by. Reasons the backend never produces
// (the NMI-window exit is synthesized in StepHostCPU) are absent here.
func exitInfoFor(run hwbackend.RunInfo) (dispatch.ExitInfo, bool) {
	switch run.ExitReason {
	case hwbackend.KVMExitIO:
		return dispatch.ExitInfo{Reason: dispatch.ReasonIOInstruction, InstructionLen: ioInstructionLen(run)}, true
	case hwbackend.KVMExitHLT:
		return dispatch.ExitInfo{Reason: dispatch.ReasonHLT, InstructionLen: 1}, true
	case hwbackend.KVMExitHypercall:
		return dispatch.ExitInfo{Reason: dispatch.ReasonVMCALL, InstructionLen: 3}, true
	case hwbackend.KVMExitMMIO:
		return dispatch.ExitInfo{Reason: dispatch.ReasonEPTViolation, GuestPhysicalAddr: run.MMIOPhysAddr}, true
	case hwbackend.KVMExitIRQWindow:
		return dispatch.ExitInfo{Reason: dispatch.ReasonInterruptWindow}, true
	case hwbackend.KVMExitShutdown:
		return dispatch.ExitInfo{Reason: dispatch.ReasonTripleFault}, true
	case hwbackend.KVMExitFailEntry:
		return dispatch.ExitInfo{Reason: dispatch.ReasonEntryFailGuestState, Qualification: run.HWReason}, true
	case hwbackend.KVMExitException:
		return dispatch.ExitInfo{Reason: dispatch.ReasonExceptionOrNMI}, true
	default:
		return dispatch.ExitInfo{}, false
	}
}

// ioInstructionLen sizes the RIP advance for an emulated IO
// instruction: OUT/IN imm8 forms are two bytes, the DX forms one.
// Without an instruction decoder the DX form is assumed; the imm8 form
// only appears in guest code the embedding controls.
func ioInstructionLen(run hwbackend.RunInfo) uint64 { return 1 }

// BroadcastTLBShootdown is the cross-CPU invalidation required when a
// live mapping's permissions widen or its cacheability changes: a sync
// IPC whose handler is the (per-CPU) TLB flush. The handler body is empty on this backend — the
// ack round trip is the ordering guarantee callers need.
func (m *Monitor) BroadcastTLBShootdown(sender int) {
	m.ipc.SendToAllOtherCPUs(sender, ipc.Normal, func(cpu int, arg any) {}, nil, true)
}
