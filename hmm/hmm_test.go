package hmm

import (
	"errors"
	"io"
	"log"
	"testing"
)

func newTestManager() *Manager {
	return New(log.New(io.Discard, "", 0))
}

func initTestManager(t *testing.T) *Manager {
	t.Helper()
	m := newTestManager()
	err := m.Init(
		[]E820Region{{Base: 0, Size: 1 << 20}},
		[]ImageSection{
			{Base: 0x10000, Size: 0x10000, Executable: true},
			{Base: 0x20000, Size: 0x10000, Writable: true},
		},
	)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m
}

func TestBidirectionalMapAgrees(t *testing.T) {
	// hpa_to_hva(hva_to_hpa(a)) == a for every
	// mapped address, and the reverse.
	m := initTestManager(t)
	for hva := uint64(0); hva < 1<<20; hva += pageSize {
		hpa, err := m.HVAToHPA(hva)
		if err != nil {
			t.Fatalf("HVAToHPA(%#x): %v", hva, err)
		}
		back, err := m.HPAToHVA(hpa)
		if err != nil {
			t.Fatalf("HPAToHVA(%#x): %v", hpa, err)
		}
		if back != hva {
			t.Fatalf("round trip %#x -> %#x -> %#x", hva, hpa, back)
		}
	}
}

func TestUnmappedTranslationFails(t *testing.T) {
	m := initTestManager(t)
	if _, err := m.HVAToHPA(0x4000_0000); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("err = %v, want ErrUnmapped", err)
	}
	if _, err := m.HPAToHVA(0x4000_0000); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("err = %v, want ErrUnmapped", err)
	}
}

func TestMapPageNewAndExisting(t *testing.T) {
	m := newTestManager()
	hva, err := m.MapPage(0x5000, Attrs{Writable: true}, nil)
	if err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	if hva < HVARangeBase {
		t.Fatalf("fresh mapping hva %#x below dedicated range", hva)
	}

	// Same HPA again: same HVA back.
	again, err := m.MapPage(0x5000, Attrs{Writable: true}, nil)
	if err != nil {
		t.Fatalf("MapPage again: %v", err)
	}
	if again != hva {
		t.Fatalf("remap returned %#x, want %#x", again, hva)
	}
}

func TestMapPageWideningTriggersShootdown(t *testing.T) {
	m := newTestManager()
	hva, err := m.MapPage(0x5000, Attrs{}, nil)
	if err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	var shot []uint64
	if _, err := m.MapPage(0x5000, Attrs{Writable: true}, func(h uint64) { shot = append(shot, h) }); err != nil {
		t.Fatalf("MapPage widen: %v", err)
	}
	if len(shot) != 1 || shot[0] != hva {
		t.Fatalf("shootdown calls = %v, want [%#x]", shot, hva)
	}
	// Same attributes again: no shootdown.
	shot = nil
	if _, err := m.MapPage(0x5000, Attrs{Writable: true}, func(h uint64) { shot = append(shot, h) }); err != nil {
		t.Fatalf("MapPage same: %v", err)
	}
	if len(shot) != 0 {
		t.Fatalf("unchanged attributes must not shoot down TLBs")
	}
}

func TestUnmapRemovesBothDirections(t *testing.T) {
	m := newTestManager()
	hva, _ := m.MapPage(0x7000, Attrs{Writable: true}, nil)
	before := m.MappedPageCount()
	if err := m.Unmap(hva); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, err := m.HVAToHPA(hva); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("hva still mapped after Unmap")
	}
	if _, err := m.HPAToHVA(0x7000); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("hpa still mapped after Unmap")
	}
	if m.MappedPageCount() != before-1 {
		t.Fatalf("page count %d, want %d", m.MappedPageCount(), before-1)
	}
}

func TestAllocContiguousVirtual(t *testing.T) {
	m := newTestManager()
	hpas := []uint64{0x9000, 0x3000, 0x20000}
	base, err := m.AllocContiguousVirtual(hpas, Attrs{Writable: true})
	if err != nil {
		t.Fatalf("AllocContiguousVirtual: %v", err)
	}
	for i, hpa := range hpas {
		got, err := m.HVAToHPA(base + uint64(i)*pageSize)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		if got != hpa {
			t.Fatalf("page %d -> %#x, want %#x", i, got, hpa)
		}
	}
}

func TestImageSectionAttributes(t *testing.T) {
	// Code pages are X-only, data pages are W-only, and plain RAM outside
	// the image keeps its writable, non-executable identity mapping.
	m := initTestManager(t)
	checks := []struct {
		hva        uint64
		writable   bool
		executable bool
	}{
		{0x10000, false, true},  // .text
		{0x20000, true, false},  // .data
		{0x40000, true, false},  // plain RAM outside the image
	}
	for _, c := range checks {
		m.mu.Lock()
		e, ok := m.hvaToHPA[c.hva]
		m.mu.Unlock()
		if !ok {
			t.Fatalf("hva %#x unmapped", c.hva)
		}
		if e.attrs.Writable != c.writable || e.attrs.Executable != c.executable {
			t.Errorf("hva %#x attrs = %+v, want w=%v x=%v", c.hva, e.attrs, c.writable, c.executable)
		}
	}
}

func TestGuardedStackLayout(t *testing.T) {
	// The stack page is mapped,
	// both neighbors are not, and no later allocation can claim them.
	m := initTestManager(t)
	gs, err := m.AllocGuardedStack(0x30000)
	if err != nil {
		t.Fatalf("AllocGuardedStack: %v", err)
	}
	if gs.StackHVA != gs.LowGuardHVA+pageSize || gs.HighGuardHVA != gs.StackHVA+pageSize {
		t.Fatalf("pages not consecutive: %+v", gs)
	}
	if _, err := m.HVAToHPA(gs.StackHVA); err != nil {
		t.Fatalf("stack page unmapped: %v", err)
	}
	for _, guard := range []uint64{gs.LowGuardHVA, gs.HighGuardHVA} {
		if _, err := m.HVAToHPA(guard); err == nil {
			t.Fatalf("guard page %#x is mapped", guard)
		}
	}
	// The identity alias of the stack frame is gone: the only way to the
	// frame is through the guarded window.
	hva, err := m.HPAToHVA(0x30000)
	if err != nil || hva != gs.StackHVA {
		t.Fatalf("stack frame resolves to %#x (%v), want %#x", hva, err, gs.StackHVA)
	}
	// A fresh mapping must land beyond the reserved window.
	fresh, err := m.MapPage(0x9_0000_0000, Attrs{}, nil)
	if err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	if fresh == gs.LowGuardHVA || fresh == gs.HighGuardHVA {
		t.Fatalf("allocator handed out a guard page")
	}
	if gs.TopOfStack() != gs.StackHVA+pageSize {
		t.Fatalf("TopOfStack = %#x", gs.TopOfStack())
	}
}

func TestKernelStackCanaryLayout(t *testing.T) {
	// The canary page is mapped but neither writable nor executable, the
	// stack pages above it are writable, and the whole window is
	// consecutive.
	m := initTestManager(t)
	ks, err := m.AllocKernelStack(0x40000, 3)
	if err != nil {
		t.Fatalf("AllocKernelStack: %v", err)
	}
	if ks.StackBaseHVA != ks.CanaryHVA+pageSize {
		t.Fatalf("canary does not immediately precede the stack: %+v", ks)
	}
	if ks.TopOfStack() != ks.StackBaseHVA+3*pageSize {
		t.Fatalf("TopOfStack = %#x", ks.TopOfStack())
	}

	attrs, err := m.Attributes(ks.CanaryHVA)
	if err != nil {
		t.Fatalf("canary page unmapped: %v", err)
	}
	if attrs.Writable || attrs.Executable {
		t.Fatalf("canary attrs = %+v, want neither writable nor executable", attrs)
	}
	for i := 0; i < ks.Pages; i++ {
		attrs, err := m.Attributes(ks.StackBaseHVA + uint64(i)*pageSize)
		if err != nil {
			t.Fatalf("stack page %d unmapped: %v", i, err)
		}
		if !attrs.Writable || attrs.Executable {
			t.Fatalf("stack page %d attrs = %+v, want writable, not executable", i, attrs)
		}
	}

	// The identity aliases of the frames are gone; the canary frame
	// resolves only through the canary HVA.
	hva, err := m.HPAToHVA(0x40000)
	if err != nil || hva != ks.CanaryHVA {
		t.Fatalf("canary frame resolves to %#x (%v), want %#x", hva, err, ks.CanaryHVA)
	}

	if _, err := m.AllocKernelStack(0x80000, 0); err == nil {
		t.Fatalf("zero-page kernel stack must be rejected")
	}
}

func TestBuildPageTableMatchesMap(t *testing.T) {
	m := initTestManager(t)
	root, err := m.BuildPageTable()
	if err != nil {
		t.Fatalf("BuildPageTable: %v", err)
	}
	if root == 0 {
		t.Fatalf("page table root is zero")
	}
	for _, hva := range []uint64{0, 0x10000, 0x20000, 0xFF000} {
		wantHPA, wantErr := m.HVAToHPA(hva)
		e, present := m.pt.lookup(hva)
		if wantErr != nil {
			if present {
				t.Errorf("hva %#x present in page table but not in map", hva)
			}
			continue
		}
		if !present || e.hpa != wantHPA {
			t.Errorf("hva %#x -> pt %#x (present=%v), map says %#x", hva, e.hpa, present, wantHPA)
		}
	}
}
