// Package gcpu is the guest-CPU object: the per-virtual-CPU
// register state, the pending-interrupt bitmap, and the thin accessors
// every exit handler calls through to read or mutate that state. A gcpu
// wraps exactly one vmcs.Cache and is scheduled onto exactly one
// physical CPU at a time (scheduler/).
package gcpu

import (
	"fmt"

	"vmxcore/hwbackend"
	"vmxcore/primitives"
	"vmxcore/vmcs"
)

// numGPRegs is the 16 general-purpose registers of x86-64.
const numGPRegs = 16

// GPReg indexes the GP register array in the same order as
// hwbackend.Regs: RAX, RBX, RCX, RDX, RSI, RDI, RSP, RBP, R8-R15.
type GPReg int

const (
	RAX GPReg = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// pendingIntrBase is the lowest externally-injectable vector. Vectors
// 0x00-0x1F are never queued here (hardware exceptions are injected
// directly by InjectException), so the bitmap only spans 0x20..0xFF,
// 224 bits, plus the separate hasPending fast path below in place of
// reserving bitmap word 0 as a summary.
const pendingIntrBase = 0x20
const numPendingIntrVectors = 256 - pendingIntrBase

// GPM is the guest physical map: the bytes backing the guest's physical
// address space, as the gva_to_hva walk and copy_from_gva/copy_to_gva
// need to dereference guest page tables and guest buffers.
type GPM interface {
	ReadGPA(gpa uint64, buf []byte) error
	WriteGPA(gpa uint64, buf []byte) error
}

// GCPU is one guest virtual CPU.
type GCPU struct {
	ID      int
	GuestID int

	gpRegs [numGPRegs]uint64

	VMCS *vmcs.Cache
	gpm  GPM

	backend hwbackend.Backend
	vcpuFD  int

	pendingIntr   *primitives.BitSet
	hasPending    bool
	isVMEntryFail bool

	// Intrusive list links. Each is owned by exactly one primitives.List:
	// SchedLink by the scheduler's per-physical-CPU ready list, GuestLink
	// by the owning guest's vcpu list. Exported so those packages can
	// build a primitives.List[GCPU] over them without gcpu depending on
	// either package back.
	SchedLink primitives.ListLinks[GCPU]
	GuestLink primitives.ListLinks[GCPU]

	activityState ActivityState
}

// ActivityState mirrors the VMCS guest activity state field.
type ActivityState int

const (
	ActivityActive ActivityState = iota
	ActivityHLT
	ActivityShutdown
	ActivityWaitForSIPI
)

// New creates a gcpu bound to cache (its one VMCS) and vcpuFD (the
// hwbackend handle the resume path and this package's accessors drive).
func New(id, guestID int, cache *vmcs.Cache, backend hwbackend.Backend, vcpuFD int, gpm GPM) *GCPU {
	return &GCPU{
		ID:            id,
		GuestID:       guestID,
		VMCS:          cache,
		gpm:           gpm,
		backend:       backend,
		vcpuFD:        vcpuFD,
		pendingIntr:   primitives.NewBitSet(numPendingIntrVectors),
		activityState: ActivityActive,
	}
}

func (g *GCPU) GetGP(r GPReg) uint64     { return g.gpRegs[r] }
func (g *GCPU) SetGP(r GPReg, v uint64)  { g.gpRegs[r] = v }

// GPRegs exposes the backing array directly: the save area the exit
// trampoline's assembly writes into and reads from on every
// vm-exit/vm-entry. The
// scheduler's swap-in/swap-out (scheduler/scheduler.go) copies through
// this pointer rather than through GetGP/SetGP one register at a time.
func (g *GCPU) GPRegs() *[numGPRegs]uint64 { return &g.gpRegs }

func (g *GCPU) ActivityState() ActivityState     { return g.activityState }
func (g *GCPU) SetActivityState(s ActivityState) { g.activityState = s }

func (g *GCPU) IsVMEntryFail() bool      { return g.isVMEntryFail }
func (g *GCPU) SetVMEntryFail(v bool)    { g.isVMEntryFail = v }

// VCPUFD exposes the backend handle bound at construction, needed by the
// resume path to drive the actual vm-entry round trip.
func (g *GCPU) VCPUFD() int { return g.vcpuFD }

// LoadFromHardware copies the backend's current register snapshot into
// gpRegs, used by the scheduler right after a vm-exit so GetGP/SetGP see
// up to date values without every caller round-tripping through the
// backend itself.
func (g *GCPU) LoadFromHardware() error {
	r, err := g.backend.GetRegs(g.vcpuFD)
	if err != nil {
		return fmt.Errorf("gcpu: loading registers: %w", err)
	}
	g.gpRegs = regsToArray(r)
	return nil
}

// StoreToHardware writes gpRegs back to the backend, used by the resume
// path immediately before VMLAUNCH/VMRESUME. RIP/RFLAGS are VMCS
// guest-state, not GPRs, so the current hardware values are preserved.
func (g *GCPU) StoreToHardware() error {
	r, err := g.backend.GetRegs(g.vcpuFD)
	if err != nil {
		return fmt.Errorf("gcpu: storing registers: %w", err)
	}
	setGPRegs(&r, g.gpRegs)
	if err := g.backend.SetRegs(g.vcpuFD, r); err != nil {
		return fmt.Errorf("gcpu: storing registers: %w", err)
	}
	return nil
}

func regsToArray(r hwbackend.Regs) [numGPRegs]uint64 {
	return [numGPRegs]uint64{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RSP: r.RSP, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
	}
}

func setGPRegs(r *hwbackend.Regs, a [numGPRegs]uint64) {
	r.RAX, r.RBX, r.RCX, r.RDX = a[RAX], a[RBX], a[RCX], a[RDX]
	r.RSI, r.RDI, r.RSP, r.RBP = a[RSI], a[RDI], a[RSP], a[RBP]
	r.R8, r.R9, r.R10, r.R11 = a[R8], a[R9], a[R10], a[R11]
	r.R12, r.R13, r.R14, r.R15 = a[R12], a[R13], a[R14], a[R15]
}

// RIP / RFLAGS / RSP are VMCS guest-state fields, not general purpose
// registers, and go through the VMCS cache rather than gpRegs.
func (g *GCPU) RIP() (uint64, error)    { return g.VMCS.Read(vmcs.GuestRIP) }
func (g *GCPU) SetRIP(v uint64)         { g.VMCS.Write(vmcs.GuestRIP, v) }
func (g *GCPU) RSP() (uint64, error)    { return g.VMCS.Read(vmcs.GuestRSP) }
func (g *GCPU) SetRSP(v uint64)         { g.VMCS.Write(vmcs.GuestRSP, v) }
func (g *GCPU) RFLAGS() (uint64, error) { return g.VMCS.Read(vmcs.GuestRFLAGS) }
func (g *GCPU) SetRFLAGS(v uint64)      { g.VMCS.Write(vmcs.GuestRFLAGS, v) }

// SkipInstruction advances RIP by the last exit's VM_EXIT_INSTR_LEN.
func (g *GCPU) SkipInstruction() error {
	length, err := g.VMCS.Read(vmcs.VMExitInstructionLen)
	if err != nil {
		return fmt.Errorf("gcpu: reading exit instruction length: %w", err)
	}
	rip, err := g.RIP()
	if err != nil {
		return fmt.Errorf("gcpu: reading rip: %w", err)
	}
	g.SetRIP(rip + length)
	return nil
}
