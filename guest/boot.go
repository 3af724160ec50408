package guest

import (
	"encoding/binary"
	"fmt"
)

// This file builds the initial protected-mode machine state for a guest
// booted from a flat binary: a minimal GDT and an identity-mapping page
// directory written into guest memory, plus the segment values the
// monitor programs into the gcpu's VMCS before first entry.

// GDTEntry is one 8-byte segment descriptor in the hardware layout.
type GDTEntry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	AccessByte uint8
	LimitHigh  uint8 // limit 19:16 low nibble, flags (G, D/B, L, AVL) high nibble
	BaseHigh   uint8
}

// NewGDTEntry packs base/limit/access/flags into the descriptor layout.
// flags is the high nibble of the limit-high byte: G, D/B, L, AVL.
func NewGDTEntry(base, limit uint32, access, flags uint8) GDTEntry {
	return GDTEntry{
		LimitLow:   uint16(limit),
		BaseLow:    uint16(base),
		BaseMid:    uint8(base >> 16),
		AccessByte: access,
		LimitHigh:  uint8((limit>>16)&0x0F) | (flags & 0xF0),
		BaseHigh:   uint8(base >> 24),
	}
}

func (e GDTEntry) bytes() [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint16(b[0:], e.LimitLow)
	binary.LittleEndian.PutUint16(b[2:], e.BaseLow)
	b[4] = e.BaseMid
	b[5] = e.AccessByte
	b[6] = e.LimitHigh
	b[7] = e.BaseHigh
	return b
}

// Flat protected-mode descriptors: 4 GiB base-0 code and data, 4 KiB
// granularity, 32-bit default size.
const (
	gdtAccessCode = 0x9A
	gdtAccessData = 0x92
	gdtFlagsFlat  = 0xC0 // G=1, D/B=1

	// Selectors into the table written by WriteFlatGDT.
	SelectorCode uint16 = 0x08
	SelectorData uint16 = 0x10
)

// WriteFlatGDT writes the three-entry flat GDT (null, code, data) into
// guest memory at gpa and returns its byte length, for the GDTR limit.
func (m *Memory) WriteFlatGDT(gpa uint64) (int, error) {
	entries := []GDTEntry{
		{},
		NewGDTEntry(0, 0xFFFFF, gdtAccessCode, gdtFlagsFlat),
		NewGDTEntry(0, 0xFFFFF, gdtAccessData, gdtFlagsFlat),
	}
	buf := make([]byte, 0, len(entries)*8)
	for _, e := range entries {
		b := e.bytes()
		buf = append(buf, b[:]...)
	}
	if err := m.WriteGPA(gpa, buf); err != nil {
		return 0, fmt.Errorf("guest: writing GDT: %w", err)
	}
	return len(buf), nil
}

// 32-bit page directory/table entry bits.
const (
	ptePresent   uint32 = 1 << 0
	pteReadWrite uint32 = 1 << 1
	pteUserSuper uint32 = 1 << 2
	pdePageSize  uint32 = 1 << 7 // PDE maps a 4 MiB page directly
)

// newPDE4MB builds a PDE mapping a 4 MiB page at physAddr (must be
// 4 MiB aligned).
func newPDE4MB(physAddr, flags uint32) uint32 {
	return (physAddr & 0xFFC00000) | (flags & 0x1FF) | pdePageSize
}

// WriteIdentityPageDirectory writes a page directory at gpa that
// identity-maps the first mappedBytes of guest physical memory with
// 4 MiB pages, rounding up to whole pages. Returns the CR3 value to
// program. The directory occupies one 4 KiB frame at gpa.
func (m *Memory) WriteIdentityPageDirectory(gpa uint64, mappedBytes uint64) (cr3 uint64, err error) {
	if gpa&0xFFF != 0 {
		return 0, fmt.Errorf("guest: page directory gpa %#x not 4KiB aligned", gpa)
	}
	const largePage = 4 << 20
	n := int((mappedBytes + largePage - 1) / largePage)
	if n > 1024 {
		return 0, fmt.Errorf("guest: %d bytes exceeds 32-bit page directory reach", mappedBytes)
	}
	buf := make([]byte, 4096)
	for i := 0; i < n; i++ {
		pde := newPDE4MB(uint32(i*largePage), ptePresent|pteReadWrite|pteUserSuper)
		binary.LittleEndian.PutUint32(buf[i*4:], pde)
	}
	if err := m.WriteGPA(gpa, buf); err != nil {
		return 0, fmt.Errorf("guest: writing page directory: %w", err)
	}
	return gpa, nil
}
