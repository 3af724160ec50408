// Package vmxcap enumerates and snapshots the processor's VMX capability
// MSRs: the may0/may1 allowed-bit pairs for each control
// vector, the CR0/CR4 fixed masks, and the mandatory-feature assertions
// the rest of the monitor relies on before it ever builds a VMCS.
package vmxcap

import (
	"fmt"
	"log"

	"vmxcore/hwbackend"
)

// ControlPair is the allowed0/allowed1 bit pair VMX control MSRs report
// for a given control vector (Intel SDM §A.3.1). May0 holds bits that
// must be 1 when set; May1 holds bits that are allowed to be 1.
type ControlPair struct {
	May0 uint32
	May1 uint32
}

// MustBe0 is the complement of May0: bits that the processor requires to
// stay clear in this control vector.
func (c ControlPair) MustBe0() uint32 { return ^c.May0 }

// CanBe1 is an alias for May1 under its more readable name.
func (c ControlPair) CanBe1() uint32 { return c.May1 }

// Minimal computes the smallest legal value for this control vector that
// also includes as many of the caller's desired bits as the processor
// allows: May0 | (desired & May1).
func (c ControlPair) Minimal(desired uint32) uint32 {
	return c.May0 | (desired & c.May1)
}

// Capabilities is the boot processor's VMX feature snapshot. It is built
// once on the BSP and, on every AP, re-derived and compared bit-for-bit
// against the BSP snapshot in debug builds.
type Capabilities struct {
	RevisionID    uint32
	MemTypeWB     bool
	TrueCtlsAvail bool

	PinBased   ControlPair
	ProcBased  ControlPair
	ProcBased2 ControlPair
	EntryCtls  ControlPair
	ExitCtls   ControlPair

	CR0Fixed0, CR0Fixed1 uint64
	CR4Fixed0, CR4Fixed1 uint64

	Misc       uint64
	EPTVPIDCap uint64

	SaveGuestMode  bool
	WaitForSIPI    bool
	EPTPresent     bool
	SecondaryCtls  bool
	EntryLoadEFER  bool
	EntryLoadPAT   bool
	ExitSaveEFER   bool
	ExitLoadEFER   bool
	ExitSavePAT    bool
	ExitLoadPAT    bool
	CR4VMXESetable bool
}

// Bit layout constants. These follow the Intel SDM's documented MSR
// fields; where the SDM packs several unrelated feature bits into one
// field (IA32_VMX_MISC, the secondary proc-based controls) only the
// subset the monitor's mandatory-feature assertions need is named.
const (
	basicMemTypeShift = 50
	basicMemTypeMask  = 0xF
	basicMemTypeWB    = 6
	basicTrueCtlsBit  = 1 << 55

	miscSaveGuestModeBit = 1 << 28
	miscWaitForSIPIBit   = 1 << 8

	procBasedSecondaryBit = 1 << 31 // "activate secondary controls", May1 bit

	procBased2EnableEPTBit = 1 << 1

	entryLoadEFERBit = 1 << 15
	entryLoadPATBit  = 1 << 14

	exitSaveEFERBit = 1 << 20
	exitLoadEFERBit = 1 << 21
	exitSavePATBit  = 1 << 18
	exitLoadPATBit  = 1 << 19

	cr4VMXEBit = 1 << 13

	// Control bits requested on top of each vector's hardware-mandated
	// minimum when the monitor programs a fresh VMCS. Each is taken only
	// if the processor's May1 mask allows it.
	pinExtIntExiting = 1 << 0
	pinNMIExiting    = 1 << 3
	pinVirtualNMIs   = 1 << 5
	procHLTExiting   = 1 << 7
)

func pair(v uint64) ControlPair {
	return ControlPair{May0: uint32(v), May1: uint32(v >> 32)}
}

// Read queries backend for every VMX capability MSR and assembles a
// Capabilities snapshot, asserting every feature the monitor cannot
// run without. A failed mandatory assertion is fatal: the monitor has no
// meaningful fallback for hardware that lacks EPT, secondary controls, or
// wait-for-SIPI, so Read returns an error the caller should treat as a
// deadloop condition.
func Read(backend hwbackend.Backend, vcpuFD int) (*Capabilities, error) {
	vals, err := backend.GetMSRs(vcpuFD, hwbackend.VMXCapabilityMSRs)
	if err != nil {
		return nil, fmt.Errorf("vmxcap: reading capability MSRs: %w", err)
	}

	basic := vals[hwbackend.MSRIA32VMXBasic]
	c := &Capabilities{
		RevisionID:    uint32(basic),
		MemTypeWB:     (basic>>basicMemTypeShift)&basicMemTypeMask == basicMemTypeWB,
		TrueCtlsAvail: basic&basicTrueCtlsBit != 0,

		PinBased:   pair(vals[hwbackend.MSRIA32VMXPinbasedCtls]),
		ProcBased:  pair(vals[hwbackend.MSRIA32VMXProcbasedCtls]),
		ProcBased2: pair(vals[hwbackend.MSRIA32VMXProcbasedCtls2]),
		EntryCtls:  pair(vals[hwbackend.MSRIA32VMXEntryCtls]),
		ExitCtls:   pair(vals[hwbackend.MSRIA32VMXExitCtls]),

		CR0Fixed0: vals[hwbackend.MSRIA32VMXCR0Fixed0],
		CR0Fixed1: vals[hwbackend.MSRIA32VMXCR0Fixed1],
		CR4Fixed0: vals[hwbackend.MSRIA32VMXCR4Fixed0],
		CR4Fixed1: vals[hwbackend.MSRIA32VMXCR4Fixed1],

		Misc:       vals[hwbackend.MSRIA32VMXMisc],
		EPTVPIDCap: vals[hwbackend.MSRIA32VMXEPTVPIDCap],
	}

	c.SaveGuestMode = c.Misc&miscSaveGuestModeBit != 0
	c.WaitForSIPI = c.Misc&miscWaitForSIPIBit != 0
	c.SecondaryCtls = c.ProcBased.CanBe1()&procBasedSecondaryBit != 0
	c.EPTPresent = c.ProcBased2.CanBe1()&procBased2EnableEPTBit != 0
	c.EntryLoadEFER = c.EntryCtls.CanBe1()&entryLoadEFERBit != 0
	c.EntryLoadPAT = c.EntryCtls.CanBe1()&entryLoadPATBit != 0
	c.ExitSaveEFER = c.ExitCtls.CanBe1()&exitSaveEFERBit != 0
	c.ExitLoadEFER = c.ExitCtls.CanBe1()&exitLoadEFERBit != 0
	c.ExitSavePAT = c.ExitCtls.CanBe1()&exitSavePATBit != 0
	c.ExitLoadPAT = c.ExitCtls.CanBe1()&exitLoadPATBit != 0
	c.CR4VMXESetable = c.CR4Fixed1&cr4VMXEBit != 0 || c.CR4Fixed0&cr4VMXEBit != 0

	if err := c.assertMandatory(); err != nil {
		return nil, err
	}
	return c, nil
}

// InitialControls is the minimal legal starting value for each control
// vector: may0 with the monitor's wanted features masked through may1.
// The monitor programs these into every fresh VMCS before first
// vm-entry; later code (injection windows, per-feature handlers) only
// ORs additional bits onto them.
type InitialControls struct {
	PinBased   uint32
	ProcBased  uint32
	ProcBased2 uint32
	EntryCtls  uint32
	ExitCtls   uint32
}

// InitialControls derives the initial control vectors from this
// snapshot. The wanted set is fixed: external-interrupt/NMI exiting
// with virtual NMIs, HLT exiting, secondary controls with EPT, and the
// EFER/PAT auto-load/save controls the mandatory assertions already
// guaranteed are available.
func (c *Capabilities) InitialControls() InitialControls {
	return InitialControls{
		PinBased:   c.PinBased.Minimal(pinExtIntExiting | pinNMIExiting | pinVirtualNMIs),
		ProcBased:  c.ProcBased.Minimal(procHLTExiting | procBasedSecondaryBit),
		ProcBased2: c.ProcBased2.Minimal(procBased2EnableEPTBit),
		EntryCtls:  c.EntryCtls.Minimal(entryLoadEFERBit | entryLoadPATBit),
		ExitCtls:   c.ExitCtls.Minimal(exitSaveEFERBit | exitLoadEFERBit | exitSavePATBit | exitLoadPATBit),
	}
}

func (c *Capabilities) assertMandatory() error {
	checks := []struct {
		ok   bool
		name string
	}{
		{c.MemTypeWB, "VMCS memory type must be write-back"},
		{c.SaveGuestMode, "processor must support save_guest_mode in IA32_VMX_MISC"},
		{c.WaitForSIPI, "processor must support wait-for-SIPI for multi-CPU boot"},
		{c.CR4VMXESetable, "CR4.VMXE must be settable"},
		{c.EPTPresent, "EPT must be present"},
		{c.SecondaryCtls, "secondary processor-based controls must be present"},
		{c.EntryLoadEFER && c.ExitSaveEFER && c.ExitLoadEFER, "VMENTRY-load / VMEXIT-save/load EFER must be available"},
		{c.EntryLoadPAT && c.ExitSavePAT && c.ExitLoadPAT, "VMENTRY-load / VMEXIT-save/load PAT must be available"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return fmt.Errorf("vmxcap: mandatory feature missing: %s", chk.name)
		}
	}
	return nil
}

// AssertEqual compares this (BSP) snapshot against an AP's snapshot,
// bit-for-bit: diverging capability among CPUs is a hard fatal. Callers in debug builds are expected to deadloop on a non-nil
// error; release builds may choose to skip the call entirely.
func (c *Capabilities) AssertEqual(ap *Capabilities) error {
	switch {
	case c.RevisionID != ap.RevisionID:
		return fmt.Errorf("vmxcap: revision id mismatch: bsp=%#x ap=%#x", c.RevisionID, ap.RevisionID)
	case c.PinBased != ap.PinBased:
		return fmt.Errorf("vmxcap: pin-based controls mismatch: bsp=%+v ap=%+v", c.PinBased, ap.PinBased)
	case c.ProcBased != ap.ProcBased:
		return fmt.Errorf("vmxcap: proc-based controls mismatch: bsp=%+v ap=%+v", c.ProcBased, ap.ProcBased)
	case c.ProcBased2 != ap.ProcBased2:
		return fmt.Errorf("vmxcap: proc-based2 controls mismatch: bsp=%+v ap=%+v", c.ProcBased2, ap.ProcBased2)
	case c.EntryCtls != ap.EntryCtls:
		return fmt.Errorf("vmxcap: entry controls mismatch: bsp=%+v ap=%+v", c.EntryCtls, ap.EntryCtls)
	case c.ExitCtls != ap.ExitCtls:
		return fmt.Errorf("vmxcap: exit controls mismatch: bsp=%+v ap=%+v", c.ExitCtls, ap.ExitCtls)
	case c.CR0Fixed0 != ap.CR0Fixed0 || c.CR0Fixed1 != ap.CR0Fixed1:
		return fmt.Errorf("vmxcap: CR0 fixed masks mismatch")
	case c.CR4Fixed0 != ap.CR4Fixed0 || c.CR4Fixed1 != ap.CR4Fixed1:
		return fmt.Errorf("vmxcap: CR4 fixed masks mismatch")
	}
	return nil
}

// AllocateVMCSRegion requests one 4KiB VMCS region, zeroes it, stamps the
// revision id at offset 0, and returns the physical address. The page is
// expected to be unmapped from the monitor's own HVA->HPA space by the
// caller once VMPTRLD has made it hardware-owned.
func AllocateVMCSRegion(logger *log.Logger, caps *Capabilities, alloc func(size int) (hva uintptr, hpa uint64, err error)) (hva uintptr, hpa uint64, err error) {
	hva, hpa, err = alloc(4096)
	if err != nil {
		return 0, 0, fmt.Errorf("vmxcap: allocating VMCS region: %w", err)
	}
	page := unsafeBytesAt(hva, 4096)
	for i := range page {
		page[i] = 0
	}
	page[0] = byte(caps.RevisionID)
	page[1] = byte(caps.RevisionID >> 8)
	page[2] = byte(caps.RevisionID >> 16)
	page[3] = byte(caps.RevisionID >> 24)
	if logger != nil {
		logger.Printf("vmxcap: allocated VMCS region hva=%#x hpa=%#x revision=%#x", hva, hpa, caps.RevisionID)
	}
	return hva, hpa, nil
}
