package gcpu

import (
	"fmt"

	"vmxcore/vmcs"
)

// PagingMode is the guest's current address-translation mode, derived
// from CR0.PG, CR4.PAE and EFER.LMA.
type PagingMode int

const (
	PagingDisabled PagingMode = iota
	Paging32Bit
	PagingPAE
	PagingIA32e
)

// Access describes the kind of reference gva_to_hva is walking for, used
// to build the #PF error code on a failed walk (present, write, user,
// reserved, instruction-fetch — Intel SDM §4.7's error-code bit layout).
type Access struct {
	Write   bool
	User    bool
	Fetch   bool
}

// PageFault is returned by GVAToHVA/CopyFromGVA/CopyToGVA when the guest
// page-table walk fails. FaultingGVA is the first gva that could not be
// translated — for CopyFromGVA/CopyToGVA, this may be partway through a
// multi-page range.
type PageFault struct {
	FaultingGVA uint64
	ErrorCode   uint64
}

func (e *PageFault) Error() string {
	return fmt.Sprintf("gcpu: #PF at gva %#x, error code %#x", e.FaultingGVA, e.ErrorCode)
}

const (
	pfPresent = 1 << 0
	pfWrite   = 1 << 1
	pfUser    = 1 << 2
	pfFetch   = 1 << 4

	pePresent   = 1 << 0
	peWritable  = 1 << 1
	peUser      = 1 << 2
	peLargePage = 1 << 7
	peNX        = 1 << 63

	pageSize4K = 1 << 12
	pageSize2M = 1 << 21
	pageSize1G = 1 << 30
	pageSize4M = 1 << 22
)

// Mode determines the guest's current paging mode from its control
// registers.
func (g *GCPU) Mode() (PagingMode, error) {
	cr0, err := g.GetVisibleCR0()
	if err != nil {
		return 0, err
	}
	const cr0PG = 1 << 31
	if cr0&cr0PG == 0 {
		return PagingDisabled, nil
	}
	cr4, err := g.GetVisibleCR4()
	if err != nil {
		return 0, err
	}
	const cr4PAE = 1 << 5
	if cr4&cr4PAE == 0 {
		return Paging32Bit, nil
	}
	efer, err := g.backend.GetSregs(g.vcpuFD)
	if err != nil {
		return 0, err
	}
	const eferLMA = 1 << 10
	if efer.EFER&eferLMA != 0 {
		return PagingIA32e, nil
	}
	return PagingPAE, nil
}

// GVAToHVA walks the guest's page tables (through the gcpu's GPM) and
// returns the HVA the access would touch, or a *PageFault describing why
// the walk failed.
func (g *GCPU) GVAToHVA(gva uint64, access Access) (uint64, error) {
	mode, err := g.Mode()
	if err != nil {
		return 0, fmt.Errorf("gcpu: determining paging mode: %w", err)
	}
	if mode == PagingDisabled {
		return g.hostHVA(gva)
	}

	cr3, err := g.VMCS.Read(vmcs.GuestCR3)
	if err != nil {
		return 0, err
	}

	var gpa uint64
	switch mode {
	case Paging32Bit:
		gpa, err = g.walk32(cr3, gva, access)
	case PagingPAE:
		gpa, err = g.walkPAE(cr3, gva, access)
	case PagingIA32e:
		gpa, err = g.walkIA32e(cr3, gva, access)
	}
	if err != nil {
		return 0, err
	}
	return g.hostHVA(gpa)
}

// hostHVA is the final GPA(or, with paging disabled, GVA==GPA)->HVA step.
// This package has no HMM handle of its own; the GPM interface's
// ReadGPA/WriteGPA already resolve guest-physical-backed bytes, so
// GVAToHVA's "HVA" for a disabled/translated address is the GPA itself —
// callers needing the monitor's own HVA go through hmm.Manager directly
// with this value. Kept as a named seam so a future host-memory-aware
// GPM implementation can translate further without changing this
// package's call sites.
func (g *GCPU) hostHVA(gpa uint64) (uint64, error) { return gpa, nil }

func (g *GCPU) readEntry(gpa uint64) (uint64, error) {
	var buf [8]byte
	if err := g.gpm.ReadGPA(gpa, buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func errorCode(access Access, present bool) uint64 {
	var ec uint64
	if present {
		ec |= pfPresent
	}
	if access.Write {
		ec |= pfWrite
	}
	if access.User {
		ec |= pfUser
	}
	if access.Fetch {
		ec |= pfFetch
	}
	return ec
}

func checkEntry(entry uint64, access Access) error {
	if entry&pePresent == 0 {
		return fmt.Errorf("not present")
	}
	if access.Write && entry&peWritable == 0 {
		return fmt.Errorf("not writable")
	}
	if access.User && entry&peUser == 0 {
		return fmt.Errorf("supervisor-only")
	}
	if access.Fetch && entry&peNX != 0 {
		return fmt.Errorf("no-execute")
	}
	return nil
}

// walkIA32e is the standard 4-level walk (PML4->PDPT->PD->PT), 9 bits per
// level, supporting 1GiB PDPT leaves and 2MiB PD leaves.
func (g *GCPU) walkIA32e(cr3, gva uint64, access Access) (uint64, error) {
	pml4Base := cr3 &^ 0xFFF
	idx4 := (gva >> 39) & 0x1FF
	idx3 := (gva >> 30) & 0x1FF
	idx2 := (gva >> 21) & 0x1FF
	idx1 := (gva >> 12) & 0x1FF

	e4, err := g.readEntry(pml4Base + idx4*8)
	if err != nil || checkEntry(e4, access) != nil {
		return 0, &PageFault{FaultingGVA: gva, ErrorCode: errorCode(access, err == nil && e4&pePresent != 0)}
	}
	pdptBase := e4 &^ 0xFFF
	e3, err := g.readEntry(pdptBase + idx3*8)
	if err != nil || checkEntry(e3, access) != nil {
		return 0, &PageFault{FaultingGVA: gva, ErrorCode: errorCode(access, err == nil && e3&pePresent != 0)}
	}
	if e3&peLargePage != 0 {
		base := e3 &^ (pageSize1G - 1)
		return base + (gva & (pageSize1G - 1)), nil
	}
	pdBase := e3 &^ 0xFFF
	e2, err := g.readEntry(pdBase + idx2*8)
	if err != nil || checkEntry(e2, access) != nil {
		return 0, &PageFault{FaultingGVA: gva, ErrorCode: errorCode(access, err == nil && e2&pePresent != 0)}
	}
	if e2&peLargePage != 0 {
		base := e2 &^ (pageSize2M - 1)
		return base + (gva & (pageSize2M - 1)), nil
	}
	ptBase := e2 &^ 0xFFF
	e1, err := g.readEntry(ptBase + idx1*8)
	if err != nil || checkEntry(e1, access) != nil {
		return 0, &PageFault{FaultingGVA: gva, ErrorCode: errorCode(access, err == nil && e1&pePresent != 0)}
	}
	base := e1 &^ 0xFFF
	return base + (gva & (pageSize4K - 1)), nil
}

// walkPAE is the 3-level walk (4-entry PDPT -> PD -> PT) with 2MiB PD
// leaves; PAE entries are still 8 bytes wide.
func (g *GCPU) walkPAE(cr3, gva uint64, access Access) (uint64, error) {
	pdptBase := cr3 &^ 0x1F
	idx3 := (gva >> 30) & 0x3
	idx2 := (gva >> 21) & 0x1FF
	idx1 := (gva >> 12) & 0x1FF

	e3, err := g.readEntry(pdptBase + idx3*8)
	if err != nil || e3&pePresent == 0 {
		return 0, &PageFault{FaultingGVA: gva, ErrorCode: errorCode(access, false)}
	}
	pdBase := e3 &^ 0xFFF
	e2, err := g.readEntry(pdBase + idx2*8)
	if err != nil || checkEntry(e2, access) != nil {
		return 0, &PageFault{FaultingGVA: gva, ErrorCode: errorCode(access, err == nil && e2&pePresent != 0)}
	}
	if e2&peLargePage != 0 {
		base := e2 &^ (pageSize2M - 1)
		return base + (gva & (pageSize2M - 1)), nil
	}
	ptBase := e2 &^ 0xFFF
	e1, err := g.readEntry(ptBase + idx1*8)
	if err != nil || checkEntry(e1, access) != nil {
		return 0, &PageFault{FaultingGVA: gva, ErrorCode: errorCode(access, err == nil && e1&pePresent != 0)}
	}
	base := e1 &^ 0xFFF
	return base + (gva & (pageSize4K - 1)), nil
}

// walk32 is the legacy 2-level walk (PD -> PT), 10 bits per level, 4-byte
// entries, supporting 4MiB PD leaves (PSE).
func (g *GCPU) walk32(cr3, gva uint64, access Access) (uint64, error) {
	pdBase := cr3 &^ 0xFFF
	idx2 := (gva >> 22) & 0x3FF
	idx1 := (gva >> 12) & 0x3FF

	e2, err := g.readEntry32(pdBase + idx2*4)
	if err != nil || checkEntry(uint64(e2), access) != nil {
		return 0, &PageFault{FaultingGVA: gva, ErrorCode: errorCode(access, err == nil && uint64(e2)&pePresent != 0)}
	}
	if uint64(e2)&peLargePage != 0 {
		base := uint64(e2) &^ (pageSize4M - 1)
		return base + (gva & (pageSize4M - 1)), nil
	}
	ptBase := uint64(e2) &^ 0xFFF
	e1, err := g.readEntry32(ptBase + idx1*4)
	if err != nil || checkEntry(uint64(e1), access) != nil {
		return 0, &PageFault{FaultingGVA: gva, ErrorCode: errorCode(access, err == nil && uint64(e1)&pePresent != 0)}
	}
	base := uint64(e1) &^ 0xFFF
	return base + (gva & (pageSize4K - 1)), nil
}

func (g *GCPU) readEntry32(gpa uint64) (uint32, error) {
	var buf [4]byte
	if err := g.gpm.ReadGPA(gpa, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// CopyFromGVA walks page by page so a #PF can be reported for whichever
// page in the range fails first.
func (g *GCPU) CopyFromGVA(gva uint64, dst []byte) error {
	return g.copyGVA(gva, dst, false)
}

func (g *GCPU) CopyToGVA(gva uint64, src []byte) error {
	return g.copyGVA(gva, src, true)
}

func (g *GCPU) copyGVA(gva uint64, buf []byte, write bool) error {
	remaining := buf
	cur := gva
	off := 0
	for len(remaining) > 0 {
		pageOff := cur & (pageSize4K - 1)
		chunk := pageSize4K - pageOff
		if uint64(len(remaining)) < chunk {
			chunk = uint64(len(remaining))
		}
		hva, err := g.GVAToHVA(cur, Access{Write: write})
		if err != nil {
			return err
		}
		if write {
			if err := g.gpm.WriteGPA(hva, buf[off:off+int(chunk)]); err != nil {
				return fmt.Errorf("gcpu: writing gpa %#x: %w", hva, err)
			}
		} else {
			if err := g.gpm.ReadGPA(hva, buf[off:off+int(chunk)]); err != nil {
				return fmt.Errorf("gcpu: reading gpa %#x: %w", hva, err)
			}
		}
		cur += chunk
		off += int(chunk)
		remaining = remaining[chunk:]
	}
	return nil
}
