// Package hmm is the host memory manager: the monitor's own HVA<->HPA
// mapping, the identity map it bootstraps from the loader's E820 table,
// and the translation primitives every other subsystem calls to resolve
// monitor-owned physical memory.
package hmm

import (
	"fmt"
	"log"
	"sync"

	"vmxcore/primitives"
)

// Attrs is the permission/caching triple every mapped page carries.
type Attrs struct {
	Writable    bool
	Executable  bool
	Uncacheable bool
}

// E820Region is one entry of the loader-provided physical memory map.
type E820Region struct {
	Base uint64
	Size uint64
}

// ImageSection describes one section of the monitor's own image, used to
// tighten the identity map's attributes once the image is known.
type ImageSection struct {
	Base       uint64
	Size       uint64
	Writable   bool
	Executable bool
}

type mapping struct {
	hpa   uint64
	attrs Attrs
}

// HVARangeBase is the start of the dedicated high-virtual range the HMM
// allocates fresh HVAs from, keeping monitor-owned virtual
// addresses out of the identity-mapped low range entirely.
const HVARangeBase = 0x0000_8000_0000_0000
const hvaRangeLimit = 0x0000_8000_0000_0000 + (1 << 46)

// Manager owns the bidirectional HVA<->HPA map and the page-table image
// built from it. Every access to the two maps after Init holds mu;
// MapPage, AllocContiguousVirtual and the stack allocators also
// serialize on updateLock, a spin lock.
type Manager struct {
	logger  *log.Logger
	Verbose bool

	updateLock primitives.SpinLock
	mu         sync.Mutex // guards the two Go maps alongside the spin lock discipline above

	hvaToHPA map[uint64]mapping
	hpaToHVA map[uint64]uint64

	nextFreeHVA uint64

	pt *pageTable
}

// ErrUnmapped is returned by HVAToHPA/HPAToHVA when no mapping exists.
var ErrUnmapped = fmt.Errorf("hmm: address not mapped")

// New creates an empty manager. Callers must call Init with the loader's
// E820 map and the monitor's own image layout before any translation
// primitive is safe to use.
func New(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		logger:      logger,
		hvaToHPA:    make(map[uint64]mapping),
		hpaToHVA:    make(map[uint64]uint64),
		nextFreeHVA: HVARangeBase,
		pt:          newPageTable(),
	}
}

// Init identity-maps every page of every E820 region (writable, not
// executable), then narrows attributes per the monitor's own image
// sections. Physical memory outside the E820 regions is not mapped.
// Any mapping failure during initialization is fatal; Init returns an
// error instead of deadlooping itself so the caller (the bring-up
// sequence) can log the full context before it does.
func (m *Manager) Init(e820 []E820Region, image []ImageSection) error {
	for _, r := range e820 {
		for off := uint64(0); off < r.Size; off += pageSize {
			hpa := r.Base + off
			if _, err := m.identityMap(hpa, Attrs{Writable: true, Uncacheable: false}); err != nil {
				return fmt.Errorf("hmm: init identity map of %#x: %w", hpa, err)
			}
		}
	}

	for _, sec := range image {
		for off := uint64(0); off < sec.Size; off += pageSize {
			hva := sec.Base + off
			entry, ok := m.hvaToHPA[hva]
			if !ok {
				return fmt.Errorf("hmm: init image section at %#x is unmapped", hva)
			}
			entry.attrs.Writable = sec.Writable
			entry.attrs.Executable = sec.Executable
			m.hvaToHPA[hva] = entry
		}
	}

	if m.Verbose {
		m.logger.Printf("hmm: init complete, %d pages mapped", len(m.hvaToHPA))
	}
	return nil
}

func (m *Manager) identityMap(hpa uint64, attrs Attrs) (uint64, error) {
	hva := hpa
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hvaToHPA[hva] = mapping{hpa: hpa, attrs: attrs}
	m.hpaToHVA[hpa] = hva
	return hva, nil
}

// HVAToHPA translates a host virtual address to its physical backing.
func (m *Manager) HVAToHPA(hva uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hvaToHPA[hva]
	if !ok {
		return 0, ErrUnmapped
	}
	return e.hpa, nil
}

// Attributes reports the permission/caching triple of a mapped page,
// used by callers verifying the W^X and canary invariants.
func (m *Manager) Attributes(hva uint64) (Attrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hvaToHPA[hva]
	if !ok {
		return Attrs{}, ErrUnmapped
	}
	return e.attrs, nil
}

// HPAToHVA is the inverse, used only for monitor-owned physical buffers.
func (m *Manager) HPAToHVA(hpa uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hva, ok := m.hpaToHVA[hpa]
	if !ok {
		return 0, ErrUnmapped
	}
	return hva, nil
}

// MapPage atomically inserts both directions of a new mapping. If hpa is
// already mapped, it returns the existing HVA and widens attributes in
// place if they differ — narrowing is never silently applied, since that
// would be a correctness-affecting TLB shootdown the caller must drive
// explicitly.
func (m *Manager) MapPage(hpa uint64, attrs Attrs, shootdown func(hva uint64)) (uint64, error) {
	m.updateLock.Lock()
	defer m.updateLock.Unlock()

	m.mu.Lock()
	if existingHVA, ok := m.hpaToHVA[hpa]; ok {
		existing := m.hvaToHPA[existingHVA]
		widened := existing.attrs
		changed := false
		if attrs.Writable && !widened.Writable {
			widened.Writable = true
			changed = true
		}
		if attrs.Executable && !widened.Executable {
			widened.Executable = true
			changed = true
		}
		if attrs.Uncacheable != widened.Uncacheable {
			widened.Uncacheable = attrs.Uncacheable
			changed = true
		}
		m.hvaToHPA[existingHVA] = mapping{hpa: hpa, attrs: widened}
		m.mu.Unlock()
		if changed && shootdown != nil {
			shootdown(existingHVA)
		}
		return existingHVA, nil
	}

	hva := m.nextFreeHVA
	m.nextFreeHVA += pageSize
	if m.nextFreeHVA >= hvaRangeLimit {
		m.mu.Unlock()
		return 0, fmt.Errorf("hmm: dedicated virtual range exhausted")
	}
	m.hvaToHPA[hva] = mapping{hpa: hpa, attrs: attrs}
	m.hpaToHVA[hpa] = hva
	m.mu.Unlock()
	return hva, nil
}

// AllocContiguousVirtual maps a set of possibly-non-contiguous HPAs into
// one contiguous virtual range, used for the late-launch additional heap
// case.
func (m *Manager) AllocContiguousVirtual(hpas []uint64, attrs Attrs) (uint64, error) {
	m.updateLock.Lock()
	defer m.updateLock.Unlock()

	m.mu.Lock()
	base := m.nextFreeHVA
	need := uint64(len(hpas)) * pageSize
	if base+need >= hvaRangeLimit {
		m.mu.Unlock()
		return 0, fmt.Errorf("hmm: dedicated virtual range exhausted")
	}
	m.nextFreeHVA = base + need
	for i, hpa := range hpas {
		hva := base + uint64(i)*pageSize
		m.hvaToHPA[hva] = mapping{hpa: hpa, attrs: attrs}
		m.hpaToHVA[hpa] = hva
	}
	m.mu.Unlock()
	return base, nil
}

// Unmap removes both directions of a mapping, as vmxcap.AllocateVMCSRegion
// needs after VMPTRLD has made a VMCS region hardware-only.
func (m *Manager) Unmap(hva uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hvaToHPA[hva]
	if !ok {
		return ErrUnmapped
	}
	delete(m.hvaToHPA, hva)
	delete(m.hpaToHVA, e.hpa)
	return nil
}

// MappedPageCount reports the number of live HVA->HPA mappings, used by
// the leak-check laws.
func (m *Manager) MappedPageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hvaToHPA)
}

// BuildPageTable converts the current HVA->HPA map into a 4-level x86-64
// page table and returns the root's physical address, to be installed as
// the monitor's own CR3.
func (m *Manager) BuildPageTable() (rootHPA uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hva, e := range m.hvaToHPA {
		if err := m.pt.mapPage(hva, e.hpa, e.attrs); err != nil {
			return 0, fmt.Errorf("hmm: building page table entry for %#x: %w", hva, err)
		}
	}
	return m.pt.rootHPA(), nil
}
