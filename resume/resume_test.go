package resume

import (
	"testing"

	"vmxcore/gcpu"
	"vmxcore/hostcpu"
	"vmxcore/hwbackend"
	"vmxcore/vmcs"
)

type nullGPM struct{}

func (nullGPM) ReadGPA(uint64, []byte) error  { return nil }
func (nullGPM) WriteGPA(uint64, []byte) error { return nil }

type countingSink struct{ n int }

func (s *countingSink) IncBlockedGuestNMIInjection(int) { s.n++ }

func newTestRig(t *testing.T, guestID, nmiOwner int) (*Path, *gcpu.GCPU, *hostcpu.Array, *hwbackend.FakeBackend) {
	t.Helper()
	backend := hwbackend.NewFakeBackend()
	vmFD, _ := backend.CreateVM()
	vcpuFD, _, _ := backend.CreateVCPU(vmFD)
	cache := vmcs.New(vmcs.BackendOps{Backend: backend}, vcpuFD)
	if err := cache.Activate(0); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	g := gcpu.New(0, guestID, cache, backend, vcpuFD, nullGPM{})
	hc := hostcpu.NewArray(1)
	p := New(hc, backend, nil, nmiOwner)
	return p, g, hc, backend
}

func TestMarkedNMIInjectedIntoOwner(t *testing.T) {
	p, g, hc, _ := newTestRig(t, 0, 0)
	hc.CPU(0).PendingNMI.Inc()
	hc.CPU(0).MarkGuestNMIToInject()

	if err := p.PrepareEntry(0, g); err != nil {
		t.Fatalf("PrepareEntry: %v", err)
	}
	pending, _ := g.EntryInfoPending()
	if !pending {
		t.Fatalf("NMI must be committed to the entry-info field")
	}
	if hc.CPU(0).PendingNMI.Load() != 0 {
		t.Fatalf("pending_nmi = %d after injection, want 0", hc.CPU(0).PendingNMI.Load())
	}
	if hc.CPU(0).GuestNMIToInject() {
		t.Fatalf("mark must be consumed by the injection")
	}
}

func TestUnmarkedPendingNMINotInjected(t *testing.T) {
	// Attribution happens only in the NMI-window dispatcher: a raw
	// pending count with no mark must not be injected by resume.
	p, g, hc, _ := newTestRig(t, 0, 0)
	hc.CPU(0).PendingNMI.Inc()

	if err := p.PrepareEntry(0, g); err != nil {
		t.Fatalf("PrepareEntry: %v", err)
	}
	pending, _ := g.EntryInfoPending()
	if pending {
		t.Fatalf("unattributed NMI must not be injected")
	}
	if hc.CPU(0).PendingNMI.Load() != 1 {
		t.Fatalf("pending_nmi must be untouched, got %d", hc.CPU(0).PendingNMI.Load())
	}
}

func TestMarkedNMINotInjectedIntoNonOwner(t *testing.T) {
	p, g, hc, _ := newTestRig(t, 1, 0)
	hc.CPU(0).PendingNMI.Inc()
	hc.CPU(0).MarkGuestNMIToInject()

	if err := p.PrepareEntry(0, g); err != nil {
		t.Fatalf("PrepareEntry: %v", err)
	}
	pending, _ := g.EntryInfoPending()
	if pending {
		t.Fatalf("non-owner guest must not receive the NMI")
	}
	if !hc.CPU(0).GuestNMIToInject() {
		t.Fatalf("mark must stay for when the owner is scheduled")
	}
	if hc.CPU(0).PendingNMI.Load() != 1 {
		t.Fatalf("NMI must stay pending for the owner, pending_nmi = %d", hc.CPU(0).PendingNMI.Load())
	}
}

func TestPendingNMIDroppedForWaitForSIPI(t *testing.T) {
	p, g, hc, _ := newTestRig(t, 0, 0)
	g.SetActivityState(gcpu.ActivityWaitForSIPI)
	hc.CPU(0).PendingNMI.Inc()
	hc.CPU(0).MarkGuestNMIToInject()

	if err := p.PrepareEntry(0, g); err != nil {
		t.Fatalf("PrepareEntry: %v", err)
	}
	if hc.CPU(0).PendingNMI.Load() != 0 || hc.CPU(0).GuestNMIToInject() {
		t.Fatalf("wait-for-SIPI must drop the pending NMI")
	}
	pending, _ := g.EntryInfoPending()
	if pending {
		t.Fatalf("nothing may be injected into a wait-for-SIPI guest")
	}
}

func TestBlockedNMIOpensWindow(t *testing.T) {
	backend := hwbackend.NewFakeBackend()
	vmFD, _ := backend.CreateVM()
	vcpuFD, _, _ := backend.CreateVCPU(vmFD)
	cache := vmcs.New(vmcs.BackendOps{Backend: backend}, vcpuFD)
	if err := cache.Activate(0); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	g := gcpu.New(0, 0, cache, backend, vcpuFD, nullGPM{})
	hc := hostcpu.NewArray(1)
	sink := &countingSink{}
	p := New(hc, backend, sink, 0)

	// An injection already queued in entry-info blocks the NMI.
	if err := g.InjectGP0(); err != nil {
		t.Fatalf("InjectGP0: %v", err)
	}
	hc.CPU(0).PendingNMI.Inc()
	hc.CPU(0).MarkGuestNMIToInject()

	if err := p.PrepareEntry(0, g); err != nil {
		t.Fatalf("PrepareEntry: %v", err)
	}
	ctl, _ := g.VMCS.Read(vmcs.ProcBasedVMExecControl)
	if ctl&NMIWindowBit == 0 {
		t.Fatalf("blocked NMI must open the NMI window, controls = %#x", ctl)
	}
	if sink.n != 1 {
		t.Fatalf("blocked injections recorded = %d, want 1", sink.n)
	}
	if hc.CPU(0).PendingNMI.Load() != 1 {
		t.Fatalf("blocked NMI must remain pending")
	}
}

func TestHighestPendingInterruptInjectedFirst(t *testing.T) {
	p, g, _, _ := newTestRig(t, 0, 0)
	g.SetRFLAGS(0x2 | 1<<9) // IF set
	g.SetPendingIntr(0x21)
	g.SetPendingIntr(0x30)

	if err := p.PrepareEntry(0, g); err != nil {
		t.Fatalf("PrepareEntry: %v", err)
	}
	info, _ := g.VMCS.Read(vmcs.VMEntryIntrInfoField)
	if uint8(info) != 0x30 {
		t.Fatalf("injected vector = %#x, want 0x30 (highest first)", uint8(info))
	}
	if !g.HasPendingIntr() {
		t.Fatalf("vector 0x21 must remain pending")
	}
	ctl, _ := g.VMCS.Read(vmcs.ProcBasedVMExecControl)
	if ctl&(1<<2) == 0 {
		t.Fatalf("remaining pending vectors must open the interrupt window")
	}
}

func TestInterruptHeldWhileIFClear(t *testing.T) {
	p, g, _, _ := newTestRig(t, 0, 0)
	g.SetRFLAGS(0x2) // IF clear
	g.SetPendingIntr(0x21)

	if err := p.PrepareEntry(0, g); err != nil {
		t.Fatalf("PrepareEntry: %v", err)
	}
	pending, _ := g.EntryInfoPending()
	if pending {
		t.Fatalf("interrupt must not be injected with IF clear")
	}
	ctl, _ := g.VMCS.Read(vmcs.ProcBasedVMExecControl)
	if ctl&(1<<2) == 0 {
		t.Fatalf("interrupt window must be opened for the held vector")
	}
}

func TestPrepareEntryFlushesDirtyFields(t *testing.T) {
	// Written fields survive flush plus invalidation and read back
	// exactly.
	p, g, _, _ := newTestRig(t, 0, 0)
	g.VMCS.Write(vmcs.GuestRIP, 0xDEADBEEFCAFE0000)
	g.VMCS.Write(vmcs.GuestRSP, 0x1000)
	g.VMCS.Write(vmcs.ExceptionBitmap, 0x1)

	if err := p.PrepareEntry(0, g); err != nil {
		t.Fatalf("PrepareEntry: %v", err)
	}
	for _, tc := range []struct {
		f    vmcs.Field
		want uint64
	}{
		{vmcs.GuestRIP, 0xDEADBEEFCAFE0000},
		{vmcs.GuestRSP, 0x1000},
		{vmcs.ExceptionBitmap, 0x1},
	} {
		got, err := g.VMCS.Read(tc.f)
		if err != nil {
			t.Fatalf("Read(%v): %v", tc.f, err)
		}
		if got != tc.want {
			t.Errorf("field %v = %#x, want %#x", tc.f, got, tc.want)
		}
	}
}

func TestEnterLaunchThenResume(t *testing.T) {
	p, g, _, backend := newTestRig(t, 0, 0)
	run := make([]byte, 4096)

	if g.VMCS.Launched() {
		t.Fatalf("fresh VMCS must not be launched")
	}
	if _, err := p.Enter(g, run); err != nil {
		t.Fatalf("first Enter: %v", err)
	}
	if !g.VMCS.Launched() {
		t.Fatalf("first entry must mark the VMCS launched")
	}
	if _, err := p.Enter(g, run); err != nil {
		t.Fatalf("second Enter: %v", err)
	}
	if backend.LaunchCount(g.VCPUFD()) != 2 {
		t.Fatalf("run count = %d, want 2", backend.LaunchCount(g.VCPUFD()))
	}
}

func TestNMIArrivalDuringFlushObserved(t *testing.T) {
	// An NMI that lands mid-flush must be visible in
	// the post-flush processor controls.
	p, g, hc, _ := newTestRig(t, 1, 0) // non-owner so commitNMI leaves it alone
	g.VMCS.Write(vmcs.ProcBasedVMExecControl, 0)

	// Simulate the ISR firing between commit and flush: pending count up
	// and the transactional spoil + direct OR.
	hc.CPU(0).PendingNMI.Inc()
	if err := g.VMCS.NMIArrived(); err != nil {
		t.Fatalf("NMIArrived: %v", err)
	}
	if err := p.PrepareEntry(0, g); err != nil {
		t.Fatalf("PrepareEntry: %v", err)
	}
	ctl, _ := g.VMCS.Read(vmcs.ProcBasedVMExecControl)
	if ctl&NMIWindowBit == 0 {
		t.Fatalf("NMI-window bit lost across the flush, controls = %#x", ctl)
	}
	if hc.CPU(0).PendingNMI.Load() != 1 {
		t.Fatalf("pending_nmi = %d, want 1", hc.CPU(0).PendingNMI.Load())
	}
}
