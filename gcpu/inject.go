package gcpu

import (
	"fmt"

	"vmxcore/vmcs"
)

// Vectors that carry a hardware error code on exception delivery (Intel
// SDM §6.15): #DF, #TS, #NP, #SS, #GP, #PF, #AC.
const (
	vecDF = 8
	vecTS = 10
	vecNP = 11
	vecSS = 12
	vecGP = 13
	vecPF = 14
	vecAC = 17
)

func vectorHasErrorCode(vector uint8) bool {
	switch vector {
	case vecDF, vecTS, vecNP, vecSS, vecGP, vecPF, vecAC:
		return true
	}
	return false
}

// Interruption-type field values within VM_ENTRY_INTR_INFO (Intel SDM
// §24.8.3, bits 10:8).
const (
	intrTypeExternal       = 0
	intrTypeNMI            = 2
	intrTypeHardwareExc    = 3
	intrTypeSoftwareIntr   = 4
	intrTypePrivSoftwareExc = 5
	intrTypeSoftwareExc    = 6
)

const (
	entryIntrInfoValid     = 1 << 31
	entryIntrInfoHasErrCode = 1 << 11
	entryIntrInfoVectorMask = 0xFF
	entryIntrInfoTypeShift  = 8
)

// injectable reports whether the guest's activity state currently allows
// event injection.
func (g *GCPU) injectable() bool {
	return g.activityState == ActivityActive || g.activityState == ActivityHLT
}

// InjectException injects a hardware exception with vector and, for
// vectors the SDM says carry one, code. Exceptions that normally carry a
// code but are asked to omit it (code==nil) inject without one; callers
// that don't know the code yet pass nil.
func (g *GCPU) InjectException(vector uint8, code *uint32) error {
	if !g.injectable() {
		return fmt.Errorf("gcpu: cannot inject exception %d: activity state %v is not injectable", vector, g.activityState)
	}
	info := entryIntrInfoValid | uint64(intrTypeHardwareExc)<<entryIntrInfoTypeShift | uint64(vector)
	if code != nil && vectorHasErrorCode(vector) {
		info |= entryIntrInfoHasErrCode
		g.VMCS.Write(vmcs.VMEntryExceptionErrorCode, uint64(*code))
	}
	g.VMCS.Write(vmcs.VMEntryIntrInfoField, info)
	return nil
}

// InjectGP0 injects #GP with error code 0, the monitor's standard
// response to a guest operation it chooses not to emulate.
func (g *GCPU) InjectGP0() error {
	code := uint32(0)
	return g.InjectException(vecGP, &code)
}

// InjectUD injects #UD (invalid opcode), carries no error code.
func (g *GCPU) InjectUD() error {
	return g.InjectException(6, nil)
}

// InjectPF injects #PF with the page-fault error code a failed
// gva_to_hva walk produced, and writes the faulting address into
// VMCS_GUEST_LINEAR_ADDRESS the hardware field a guest's #PF handler
// reads CR2 from (KVM's SET_SREGS surfaces CR2 directly; this field is
// this module's software-side record of the same value for handlers
// that read it through the VMCS cache instead).
func (g *GCPU) InjectPF(pf *PageFault) error {
	code := uint32(pf.ErrorCode)
	if err := g.InjectException(vecPF, &code); err != nil {
		return err
	}
	g.VMCS.Write(vmcs.GuestLinearAddress, pf.FaultingGVA)
	return nil
}

// InjectExternalIntr injects an external interrupt vector (>= 0x20). Only
// VM_ENTRY_INTR_INFO is written; no instruction length is set.
func (g *GCPU) InjectExternalIntr(vector uint8) error {
	if !g.injectable() {
		return fmt.Errorf("gcpu: cannot inject interrupt %#x: activity state %v is not injectable", vector, g.activityState)
	}
	info := entryIntrInfoValid | uint64(intrTypeExternal)<<entryIntrInfoTypeShift | uint64(vector)
	g.VMCS.Write(vmcs.VMEntryIntrInfoField, info)
	return nil
}

// InjectNMI injects an NMI.
func (g *GCPU) InjectNMI() error {
	if !g.injectable() {
		return fmt.Errorf("gcpu: cannot inject NMI: activity state %v is not injectable", g.activityState)
	}
	info := entryIntrInfoValid | uint64(intrTypeNMI)<<entryIntrInfoTypeShift | 2
	g.VMCS.Write(vmcs.VMEntryIntrInfoField, info)
	return nil
}

// EntryInfoPending reports whether an injection is already queued in
// VM_ENTRY_INTR_INFO for the next vm-entry.
func (g *GCPU) EntryInfoPending() (bool, error) {
	info, err := g.VMCS.Read(vmcs.VMEntryIntrInfoField)
	if err != nil {
		return false, err
	}
	return info&entryIntrInfoValid != 0, nil
}

// BlockedByNMI reports the guest's NMI-blocking interruptibility bit
// (bit 3 of VMCS_GUEST_INTERRUPTIBILITY_STATE): set after NMI delivery,
// cleared on IRET.
const interruptibilityBlockByNMI = 1 << 3

func (g *GCPU) BlockedByNMI() (bool, error) {
	state, err := g.VMCS.Read(vmcs.GuestInterruptibilityState)
	if err != nil {
		return false, err
	}
	return state&interruptibilityBlockByNMI != 0, nil
}

func (g *GCPU) SetBlockedByNMI(blocked bool) error {
	state, err := g.VMCS.Read(vmcs.GuestInterruptibilityState)
	if err != nil {
		return err
	}
	if blocked {
		state |= interruptibilityBlockByNMI
	} else {
		state &^= interruptibilityBlockByNMI
	}
	g.VMCS.Write(vmcs.GuestInterruptibilityState, state)
	return nil
}

// InInterruptShadow reports the MOV-SS/STI blocking-by-interrupt shadow
// (bits 0-1), which blocks interrupt injection for one instruction after
// those instructions.
const interruptibilityShadowMask = 0x3

func (g *GCPU) InInterruptShadow() (bool, error) {
	state, err := g.VMCS.Read(vmcs.GuestInterruptibilityState)
	if err != nil {
		return false, err
	}
	return state&interruptibilityShadowMask != 0, nil
}
