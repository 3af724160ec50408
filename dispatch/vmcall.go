package dispatch

import (
	"fmt"

	"vmxcore/gcpu"
)

// NativeVMCallSignature is the RAX value a guest must present for the
// monitor to treat a VMCALL as its own; anything
// else is rejected back to the guest as #UD.
const NativeVMCallSignature uint64 = 0x6E61747663616C6C // "natvcall"

// maxVMCallIDs bounds each guest's vmcall table; ids are allocated
// per-guest at init, so a small fixed table suffices.
const maxVMCallIDs = 64

// VMCallHandler services one registered vmcall id. The three argument
// pointers alias the guest's RDX/RDI/RSI; values written through them
// are copied back into those registers on success.
type VMCallHandler func(g *gcpu.GCPU, a1, a2, a3 *uint64) error

// RegisterVMCall installs handler for (guestID, vmcallID). Ids are
// per-guest; registering an id twice replaces the handler, matching the
// dispatch table's own re-registration rule.
func (d *Dispatcher) RegisterVMCall(guestID int, vmcallID uint64, handler VMCallHandler) error {
	d.regLock.Lock()
	defer d.regLock.Unlock()
	if !d.guestFor(guestID).vmcalls.Put(vmcallID, handler) {
		return fmt.Errorf("dispatch: vmcall table full for guest %d", guestID)
	}
	return nil
}

// HandleVMCall is the VMCALL exit handler body: validate the
// signature in RAX, look up RCX in the guest's table, run the handler
// with RDX/RDI/RSI as in/out arguments, and on success copy the updated
// values back and skip the instruction. On any failure the instruction
// is not skipped: the guest observes the same RIP.
func (d *Dispatcher) HandleVMCall(g *gcpu.GCPU, info ExitInfo) error {
	if g.GetGP(gcpu.RAX) != NativeVMCallSignature {
		return g.InjectUD()
	}
	id := g.GetGP(gcpu.RCX)

	d.regLock.RLock()
	var h VMCallHandler
	if t, ok := d.guests[g.GuestID]; ok {
		h, _ = t.vmcalls.Get(id)
	}
	d.regLock.RUnlock()

	if h == nil {
		return g.InjectUD()
	}

	a1 := g.GetGP(gcpu.RDX)
	a2 := g.GetGP(gcpu.RDI)
	a3 := g.GetGP(gcpu.RSI)
	if err := h(g, &a1, &a2, &a3); err != nil {
		return nil
	}
	g.SetGP(gcpu.RDX, a1)
	g.SetGP(gcpu.RDI, a2)
	g.SetGP(gcpu.RSI, a3)
	return g.SkipInstruction()
}
