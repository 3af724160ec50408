package gcpu

import "vmxcore/vmcs"

// SetPendingIntr marks vector (must be >= 0x20) pending in the gcpu's
// IRR. hasPending is the fast-path summary flag kept in place of
// reserving a bitmap word as the indicator.
func (g *GCPU) SetPendingIntr(vector uint8) {
	if vector < pendingIntrBase {
		return
	}
	g.pendingIntr.Set(int(vector) - pendingIntrBase)
	g.hasPending = true
}

// ClearPendingIntr clears vector from the IRR and recomputes hasPending.
func (g *GCPU) ClearPendingIntr(vector uint8) {
	if vector < pendingIntrBase {
		return
	}
	g.pendingIntr.Clear(int(vector) - pendingIntrBase)
	g.hasPending = g.pendingIntr.Any()
}

// HasPendingIntr is the O(1) summary check the resume path uses before
// doing any bitmap scan.
func (g *GCPU) HasPendingIntr() bool { return g.hasPending }

// HighestPendingIntr returns the highest pending vector and true, or
// (0, false) if none is pending. The resume path injects the highest
// pending vector first.
func (g *GCPU) HighestPendingIntr() (uint8, bool) {
	if !g.hasPending {
		return 0, false
	}
	idx := g.pendingIntr.HighestSet()
	if idx < 0 {
		g.hasPending = false
		return 0, false
	}
	return uint8(idx + pendingIntrBase), true
}

// OpenNMIWindow requests an NMI-window vm-exit by setting the NMI-window
// bit in the processor-based controls.
func (g *GCPU) OpenNMIWindow() {
	g.VMCS.Write(vmcs.ProcBasedVMExecControl, g.readProcCtrlsOr(nmiWindowRequestedBit))
}

// OpenInterruptWindow requests an interrupt-window vm-exit.
const interruptWindowBit = 1 << 2

func (g *GCPU) OpenInterruptWindow() {
	g.VMCS.Write(vmcs.ProcBasedVMExecControl, g.readProcCtrlsOr(interruptWindowBit))
}

// nmiWindowRequestedBit mirrors vmcs.NMIWindowBit; kept as its own name
// here since gcpu does not otherwise depend on vmcs's flush internals.
const nmiWindowRequestedBit = vmcs.NMIWindowBit

func (g *GCPU) readProcCtrlsOr(bit uint64) uint64 {
	v, _ := g.VMCS.Read(vmcs.ProcBasedVMExecControl)
	return v | bit
}
