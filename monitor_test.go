package vmxcore

import (
	"bytes"
	"io"
	"log"
	"testing"

	"vmxcore/bootdesc"
	"vmxcore/dispatch"
	"vmxcore/gcpu"
	"vmxcore/hwbackend"
	"vmxcore/vmcs"
)

func testDescriptor(numCPUs int) *bootdesc.Descriptor {
	d := &bootdesc.Descriptor{
		EVMMFile: bootdesc.FileLocation{RuntimeAddr: 0x1000000, RuntimeImageSize: 0x200000},
		E820:     []bootdesc.E820Region{{Base: 0, Size: 32 << 20}},
		DebugParams: bootdesc.DebugParams{
			IOBase: 0x3F8,
			IOEnd:  0x3FF,
		},
		NumberOfProcessorsAtBootTime: numCPUs,
	}
	d.MemoryLayout[bootdesc.MonImage] = bootdesc.ImageLayout{
		Base: 0x1000000,
		Size: 0x200000,
		Sections: []bootdesc.Section{
			{Base: 0x1000000, Size: 0x100000, Executable: true},
			{Base: 0x1100000, Size: 0x100000, Writable: true},
		},
	}
	return d
}

func newTestMonitor(t *testing.T, numCPUs int, debugOut io.Writer) (*Monitor, *hwbackend.FakeBackend) {
	t.Helper()
	backend := hwbackend.NewFakeBackend()
	m, err := New(Config{
		Descriptor:  testDescriptor(numCPUs),
		Backend:     backend,
		DebugOutput: debugOut,
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, backend
}

func addGuestWithGCPU(t *testing.T, m *Monitor, guestID, hostCPU int) *gcpu.GCPU {
	t.Helper()
	if _, _, err := m.AddGuest(guestID, 1<<20); err != nil {
		t.Fatalf("AddGuest: %v", err)
	}
	g, err := m.AddGCPU(guestID, hostCPU, true)
	if err != nil {
		t.Fatalf("AddGCPU: %v", err)
	}
	return g
}

func TestBringUpReadsCapabilitiesOnce(t *testing.T) {
	m, _ := newTestMonitor(t, 1, nil)
	addGuestWithGCPU(t, m, 0, 0)
	caps := m.Capabilities()
	if caps == nil {
		t.Fatalf("capability snapshot missing after first gcpu")
	}
	if !caps.EPTPresent || !caps.WaitForSIPI {
		t.Fatalf("mandatory features not asserted: %+v", caps)
	}
	// A second gcpu re-reads and must match the BSP snapshot.
	if _, err := m.AddGCPU(0, 0, false); err != nil {
		t.Fatalf("AP capability check: %v", err)
	}
	if m.HostCPUs().CPU(0).VMXONRegionHPA == 0 {
		t.Fatalf("VMXON region not allocated for cpu 0")
	}
}

func TestDivergingAPCapabilitiesFatal(t *testing.T) {
	m, backend := newTestMonitor(t, 1, nil)
	addGuestWithGCPU(t, m, 0, 0)
	backend.SetMSR(hwbackend.MSRIA32VMXPinbasedCtls, 0x0000007f00000017)
	if _, err := m.AddGCPU(0, 0, false); err == nil {
		t.Fatalf("diverging AP capabilities must be fatal")
	}
}

func TestExceptionStackGuardPages(t *testing.T) {
	// The stack page is mapped; its neighbor pages are not.
	m, _ := newTestMonitor(t, 2, nil)
	for cpu := 0; cpu < 2; cpu++ {
		gs := m.ExceptionStack(cpu)
		if _, err := m.HMM().HVAToHPA(gs.StackHVA); err != nil {
			t.Errorf("cpu %d stack page unmapped: %v", cpu, err)
		}
		if _, err := m.HMM().HVAToHPA(gs.LowGuardHVA); err == nil {
			t.Errorf("cpu %d low guard page is mapped", cpu)
		}
		if _, err := m.HMM().HVAToHPA(gs.HighGuardHVA); err == nil {
			t.Errorf("cpu %d high guard page is mapped", cpu)
		}
	}
}

func TestKernelStackCanaries(t *testing.T) {
	// Every physical CPU's normal kernel stack is preceded by a mapped
	// zero page that is neither writable nor executable.
	m, _ := newTestMonitor(t, 2, nil)
	for cpu := 0; cpu < 2; cpu++ {
		ks := m.KernelStack(cpu)
		attrs, err := m.HMM().Attributes(ks.CanaryHVA)
		if err != nil {
			t.Fatalf("cpu %d canary unmapped: %v", cpu, err)
		}
		if attrs.Writable || attrs.Executable {
			t.Errorf("cpu %d canary attrs = %+v, want neither writable nor executable", cpu, attrs)
		}
		if ks.StackBaseHVA != ks.CanaryHVA+4096 {
			t.Errorf("cpu %d canary not adjacent to stack: %+v", cpu, ks)
		}
		if ks.Pages < 1 {
			t.Errorf("cpu %d kernel stack has no pages", cpu)
		}
	}
	// The two CPUs' windows must not share pages.
	if m.KernelStack(0).TopOfStack() > m.KernelStack(1).CanaryHVA &&
		m.KernelStack(1).TopOfStack() > m.KernelStack(0).CanaryHVA {
		t.Errorf("kernel stacks overlap: %+v %+v", m.KernelStack(0), m.KernelStack(1))
	}
}

func TestFreshVMCSSeededWithMinimalControls(t *testing.T) {
	// A new gcpu's control vectors start at the hardware-mandated
	// minimum plus the wanted features, not at zero.
	m, _ := newTestMonitor(t, 1, nil)
	g := addGuestWithGCPU(t, m, 0, 0)
	// A never-activated VMCS reads 0 for every field, so make the gcpu
	// current on its host CPU before reading the seeded values back.
	if _, err := m.Scheduler().SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}

	init := m.Capabilities().InitialControls()
	checks := []struct {
		f    vmcs.Field
		want uint32
	}{
		{vmcs.PinBasedVMExecControl, init.PinBased},
		{vmcs.ProcBasedVMExecControl, init.ProcBased},
		{vmcs.ProcBasedVMExecControl2, init.ProcBased2},
		{vmcs.VMEntryControls, init.EntryCtls},
		{vmcs.VMExitControls, init.ExitCtls},
	}
	for _, c := range checks {
		got, err := g.VMCS.Read(c.f)
		if err != nil {
			t.Fatalf("Read(%v): %v", c.f, err)
		}
		if uint32(got) != c.want {
			t.Errorf("field %v = %#x, want %#x", c.f, got, c.want)
		}
	}
	if init.PinBased == 0 || init.ProcBased == 0 {
		t.Fatalf("seed values degenerate: %+v", init)
	}
}

func TestNullPageUnmapped(t *testing.T) {
	m, _ := newTestMonitor(t, 1, nil)
	if _, err := m.HMM().HVAToHPA(0); err == nil {
		t.Fatalf("virtual page 0 must never be mapped")
	}
	// Its physical frame lives on at a high virtual address.
	if _, err := m.HMM().HPAToHVA(0); err != nil {
		t.Fatalf("page-0 frame lost: %v", err)
	}
}

func TestVMCSRegionDoesNotLeakMappings(t *testing.T) {
	// The VMCS region is tracked and unmapped
	// within AddGCPU, so the mapped-page count is unchanged.
	m, _ := newTestMonitor(t, 1, nil)
	if _, _, err := m.AddGuest(0, 1<<20); err != nil {
		t.Fatalf("AddGuest: %v", err)
	}
	before := m.HMM().MappedPageCount()
	if _, err := m.AddGCPU(0, 0, true); err != nil {
		t.Fatalf("AddGCPU: %v", err)
	}
	if after := m.HMM().MappedPageCount(); after != before {
		t.Fatalf("mapped pages %d -> %d across VMCS region create", before, after)
	}
}

func TestVMCallEndToEnd(t *testing.T) {
	// Full-stack vmcall: queue a hypercall exit,
	// step the host CPU, observe the handler ran and RIP advanced.
	m, backend := newTestMonitor(t, 1, nil)
	g := addGuestWithGCPU(t, m, 1, 0)
	if _, err := m.Scheduler().SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}

	var got [3]uint64
	if err := m.Dispatcher().RegisterVMCall(1, 0xCAFE, func(g *gcpu.GCPU, a1, a2, a3 *uint64) error {
		got = [3]uint64{*a1, *a2, *a3}
		*a1 = 7
		return nil
	}); err != nil {
		t.Fatalf("RegisterVMCall: %v", err)
	}

	g.SetRIP(0x2000)
	g.SetGP(gcpu.RAX, dispatch.NativeVMCallSignature)
	g.SetGP(gcpu.RCX, 0xCAFE)
	g.SetGP(gcpu.RDX, 1)
	g.SetGP(gcpu.RDI, 2)
	g.SetGP(gcpu.RSI, 3)
	backend.QueueExit(g.VCPUFD(), hwbackend.RunInfo{ExitReason: hwbackend.KVMExitHypercall})

	if err := m.StepHostCPU(0); err != nil {
		t.Fatalf("StepHostCPU: %v", err)
	}
	if got != [3]uint64{1, 2, 3} {
		t.Fatalf("vmcall args = %v, want [1 2 3]", got)
	}
	if g.GetGP(gcpu.RDX) != 7 {
		t.Fatalf("vmcall output not copied back: RDX = %d", g.GetGP(gcpu.RDX))
	}
	rip, _ := g.RIP()
	if rip != 0x2003 {
		t.Fatalf("RIP = %#x, want 0x2003", rip)
	}
}

func TestDebugPortEndToEnd(t *testing.T) {
	var out bytes.Buffer
	m, backend := newTestMonitor(t, 1, &out)
	g := addGuestWithGCPU(t, m, 0, 0)
	if _, err := m.Scheduler().SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}

	g.SetRIP(0x100)
	backend.QueueExit(g.VCPUFD(), hwbackend.RunInfo{
		ExitReason:  hwbackend.KVMExitIO,
		IODirection: hwbackend.KVMExitIODirOut,
		IOSize:      1,
		IOPort:      0x3F8,
		IOData:      []byte{'V'},
	})
	if err := m.StepHostCPU(0); err != nil {
		t.Fatalf("StepHostCPU: %v", err)
	}
	if out.String() != "V" {
		t.Fatalf("debug port output = %q, want %q", out.String(), "V")
	}
	rip, _ := g.RIP()
	if rip != 0x101 {
		t.Fatalf("RIP = %#x, want advanced past the OUT", rip)
	}
}

func TestUnclaimedPortInjectsGP(t *testing.T) {
	m, backend := newTestMonitor(t, 1, nil)
	g := addGuestWithGCPU(t, m, 0, 0)
	if _, err := m.Scheduler().SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}

	g.SetRIP(0x100)
	backend.QueueExit(g.VCPUFD(), hwbackend.RunInfo{
		ExitReason:  hwbackend.KVMExitIO,
		IODirection: hwbackend.KVMExitIODirOut,
		IOSize:      1,
		IOPort:      0x80,
		IOData:      []byte{0},
	})
	if err := m.StepHostCPU(0); err != nil {
		t.Fatalf("StepHostCPU: %v", err)
	}
	pending, _ := g.EntryInfoPending()
	if !pending {
		t.Fatalf("unclaimed port must inject #GP")
	}
	rip, _ := g.RIP()
	if rip != 0x100 {
		t.Fatalf("faulting IO must not advance RIP, got %#x", rip)
	}
}

func TestPlatformNMIDeliveredToOwnerGuest(t *testing.T) {
	// A platform NMI arrives; the window dispatcher attributes it to the
	// owner guest; the next entry injects it and the books balance.
	m, _ := newTestMonitor(t, 1, nil)
	addGuestWithGCPU(t, m, 0, 0)
	if err := m.SetNMIOwner(0); err != nil {
		t.Fatalf("SetNMIOwner: %v", err)
	}
	if _, err := m.Scheduler().SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}

	m.IPC().DeliverNMI(0)
	if m.HostCPUs().CPU(0).PendingNMI.Load() != 1 {
		t.Fatalf("pending_nmi not incremented by the ISR path")
	}

	// First step: the synthesized NMI-window exit attributes the NMI.
	if err := m.StepHostCPU(0); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if !m.HostCPUs().CPU(0).GuestNMIToInject() {
		t.Fatalf("window exit must mark the guest injection")
	}
	// Second step: resume injects and consumes pending_nmi.
	if err := m.StepHostCPU(0); err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if m.HostCPUs().CPU(0).PendingNMI.Load() != 0 {
		t.Fatalf("pending_nmi = %d after injection", m.HostCPUs().CPU(0).PendingNMI.Load())
	}
	if m.HostCPUs().CPU(0).GuestNMIToInject() {
		t.Fatalf("mark must be consumed")
	}
	c := m.IPC().CountersFor(0)
	if c.ReceivedNMI != c.ProcessedNMI {
		t.Fatalf("NMI books unbalanced: received %d processed %d", c.ReceivedNMI, c.ProcessedNMI)
	}
}

func TestFatalPathResetsWithoutGuestZero(t *testing.T) {
	m, _ := newTestMonitor(t, 1, nil)
	addGuestWithGCPU(t, m, 1, 0)
	if _, err := m.Scheduler().SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}

	m.Fatal().Deadloop(0, "monitor_test.go", 1)
	if !m.ResetRequested() {
		t.Fatalf("fatal with a non-guest-0 gcpu must reach the 0xCF9 reset")
	}
}

func TestFatalPathRecoversThroughGuestZero(t *testing.T) {
	m, _ := newTestMonitor(t, 1, nil)
	g := addGuestWithGCPU(t, m, 0, 0)
	if _, err := m.Scheduler().SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}

	m.Fatal().Deadloop(0, "monitor_test.go", 2)
	if m.ResetRequested() {
		t.Fatalf("guest-0 recovery must avoid the reset")
	}
	pending, _ := g.EntryInfoPending()
	if !pending {
		t.Fatalf("recovery must inject #GP0 into guest-0")
	}
}

func TestSchedulerRotatesOnHLT(t *testing.T) {
	// Two gcpus of one guest pinned to the same physical CPU: each HLT
	// exit hands the CPU to the other one.
	m, backend := newTestMonitor(t, 1, nil)
	if _, _, err := m.AddGuest(0, 1<<20); err != nil {
		t.Fatalf("AddGuest: %v", err)
	}
	g0, err := m.AddGCPU(0, 0, true)
	if err != nil {
		t.Fatalf("AddGCPU: %v", err)
	}
	g1, err := m.AddGCPU(0, 0, true)
	if err != nil {
		t.Fatalf("AddGCPU: %v", err)
	}
	if _, err := m.Scheduler().SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}
	if cur := m.Scheduler().CurrentGCPU(0); cur != g0 {
		t.Fatalf("initial gcpu = %v, want g0", cur)
	}

	// FakeBackend returns HLT by default; one step rotates to g1.
	_ = backend
	if err := m.StepHostCPU(0); err != nil {
		t.Fatalf("StepHostCPU: %v", err)
	}
	if cur := m.Scheduler().CurrentGCPU(0); cur != g1 {
		t.Fatalf("HLT must rotate to the next gcpu")
	}
	if err := m.StepHostCPU(0); err != nil {
		t.Fatalf("StepHostCPU: %v", err)
	}
	if cur := m.Scheduler().CurrentGCPU(0); cur != g0 {
		t.Fatalf("rotation must wrap back to g0")
	}
}

func TestTripleFaultIsFatal(t *testing.T) {
	m, backend := newTestMonitor(t, 1, nil)
	g := addGuestWithGCPU(t, m, 0, 0)
	if _, err := m.Scheduler().SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}
	backend.QueueExit(g.VCPUFD(), hwbackend.RunInfo{ExitReason: hwbackend.KVMExitShutdown})
	if err := m.StepHostCPU(0); err == nil {
		t.Fatalf("triple fault must surface as a fatal error")
	}
}
