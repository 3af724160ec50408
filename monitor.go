// Package vmxcore is the monitor core: the bring-up sequence that turns
// a loader descriptor into a running per-physical-CPU monitor, and the
// wiring between the subsystems (HMM, VMX capability cache, VMCS cache,
// gcpu/scheduler, IPC, dispatcher, resume path). One Monitor hosts up
// to two guests: the primary OS guest and the trusted-execution guest,
// isolated by the hardware virtualization features the lower packages
// program.
package vmxcore

import (
	"fmt"
	"io"
	"log"
	"unsafe"

	"vmxcore/bootdesc"
	"vmxcore/deadloop"
	"vmxcore/devices"
	"vmxcore/dispatch"
	"vmxcore/gcpu"
	"vmxcore/guest"
	"vmxcore/hmm"
	"vmxcore/hostcpu"
	"vmxcore/hwbackend"
	"vmxcore/ipc"
	"vmxcore/resume"
	"vmxcore/scheduler"
	"vmxcore/vmcs"
	"vmxcore/vmxcap"
)

const pageSize = 4096

// monBufHPABase is where synthetic physical addresses for monitor-owned
// buffers (VMXON regions, VMCS regions) are carved from, far above any
// loader-reported E820 range.
const monBufHPABase = 0x0000_0100_0000_0000

// Config is what an embedding supplies to bring the monitor up. Only
// Descriptor and Backend are mandatory.
type Config struct {
	Descriptor *bootdesc.Descriptor
	Backend    hwbackend.Backend

	// DebugOutput receives bytes transmitted through the serial debug
	// port when the descriptor configures one; nil keeps the monitor
	// silent regardless.
	DebugOutput io.Writer

	// AllocGuestMemory allocates guest RAM; a KVM embedding supplies an
	// mmap-backed allocator, the default is plain make.
	AllocGuestMemory func(size uint64) ([]byte, error)

	Logger  *log.Logger
	Verbose bool
}

// Monitor owns one physical platform's worth of monitor state.
type Monitor struct {
	desc    *bootdesc.Descriptor
	backend hwbackend.Backend
	logger  *log.Logger
	Verbose bool

	numCPUs  int
	hostCPUs *hostcpu.Array
	hmm      *hmm.Manager
	caps     *vmxcap.Capabilities

	sched      *scheduler.Scheduler
	ipc        *ipc.Manager
	dispatcher *dispatch.Dispatcher
	resumePath *resume.Path
	fatal      *deadloop.Handler

	bus       *devices.IOBus
	resetCtl  *devices.ResetController
	debugPort *devices.DebugPort

	vmFD      int
	guests    map[int]*guest.Guest
	memories  map[int]*guest.Memory
	nextSlot  uint32
	runAreas   map[*gcpu.GCPU][]byte
	lastRun    []hwbackend.RunInfo
	excStacks  []hmm.GuardedStack
	kernStacks []hmm.KernelStack

	nextBufHPA uint64
	bufPins    map[uint64][]byte // keeps monitor-owned pages alive by HPA

	allocGuestMemory func(size uint64) ([]byte, error)

	resetRequested bool
	stopCh         chan struct{}
}

// New validates the loader handoff and brings the monitor's own
// infrastructure up: HMM identity map and page table, NULL guard,
// per-CPU exception stacks, IPC, dispatcher, resume path, and the
// core's own I/O devices. Guests are added afterwards with
// AddGuest/AddGCPU; the VMXON regions are allocated by AddGCPU once the
// capability snapshot exists.
func New(cfg Config) (*Monitor, error) {
	if cfg.Descriptor == nil || cfg.Backend == nil {
		return nil, fmt.Errorf("vmxcore: descriptor and backend are required")
	}
	if err := cfg.Descriptor.Validate(); err != nil {
		return nil, fmt.Errorf("vmxcore: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	alloc := cfg.AllocGuestMemory
	if alloc == nil {
		alloc = func(size uint64) ([]byte, error) { return make([]byte, size), nil }
	}

	m := &Monitor{
		desc:             cfg.Descriptor,
		backend:          cfg.Backend,
		logger:           logger,
		Verbose:          cfg.Verbose,
		numCPUs:          cfg.Descriptor.NumberOfProcessorsAtBootTime,
		guests:           make(map[int]*guest.Guest),
		memories:         make(map[int]*guest.Memory),
		runAreas:         make(map[*gcpu.GCPU][]byte),
		nextBufHPA:       monBufHPABase,
		bufPins:          make(map[uint64][]byte),
		allocGuestMemory: alloc,
		stopCh:           make(chan struct{}),
	}
	m.hostCPUs = hostcpu.NewArray(m.numCPUs)
	m.lastRun = make([]hwbackend.RunInfo, m.numCPUs)

	if err := m.initHMM(); err != nil {
		return nil, err
	}
	m.initIPCAndDispatch()
	m.initDevices(cfg.DebugOutput)
	m.initFatalPath()

	vmFD, err := m.backend.CreateVM()
	if err != nil {
		return nil, fmt.Errorf("vmxcore: creating VM container: %w", err)
	}
	m.vmFD = vmFD

	if m.Verbose {
		m.logger.Printf("vmxcore: monitor up, %d cpus, %d hmm pages", m.numCPUs, m.hmm.MappedPageCount())
	}
	return m, nil
}

// initHMM builds the monitor's own memory view: identity
// map from the E820 table, image-section attribute tightening, the NULL
// guard, per-CPU guarded exception stacks, and the page-table image.
func (m *Monitor) initHMM() error {
	m.hmm = hmm.New(m.logger)
	m.hmm.Verbose = m.Verbose

	regions := make([]hmm.E820Region, len(m.desc.E820))
	for i, r := range m.desc.E820 {
		regions[i] = hmm.E820Region{Base: r.Base, Size: r.Size}
	}
	mon := m.desc.MemoryLayout[bootdesc.MonImage]
	sections := make([]hmm.ImageSection, len(mon.Sections))
	for i, s := range mon.Sections {
		sections[i] = hmm.ImageSection{Base: s.Base, Size: s.Size, Writable: s.Writable, Executable: s.Executable}
	}
	if thunk := m.desc.MemoryLayout[bootdesc.ThunkImage]; thunk.Size != 0 {
		// The optional trampoline image maps RX.
		sections = append(sections, hmm.ImageSection{Base: thunk.Base, Size: thunk.Size, Executable: true})
	}
	if err := m.hmm.Init(regions, sections); err != nil {
		return err
	}

	// NULL guard: virtual page 0 is never mapped; its physical frame
	// moves to a fresh high address.
	if hpa0, err := m.hmm.HVAToHPA(0); err == nil {
		if err := m.hmm.Unmap(0); err != nil {
			return fmt.Errorf("vmxcore: unmapping page 0: %w", err)
		}
		if _, err := m.hmm.MapPage(hpa0, hmm.Attrs{Writable: true}, nil); err != nil {
			return fmt.Errorf("vmxcore: remapping page-0 frame: %w", err)
		}
	}

	// Per-CPU exception stacks, each flanked by unmapped guard pages;
	// the stack frames are carved immediately above the monitor's
	// runtime image.
	stackBase := m.desc.EVMMFile.RuntimeAddr + m.desc.EVMMFile.RuntimeImageSize
	for cpu := 0; cpu < m.numCPUs; cpu++ {
		hpa := stackBase + uint64(cpu)*pageSize
		gs, err := m.hmm.AllocGuardedStack(hpa)
		if err != nil {
			return fmt.Errorf("vmxcore: cpu %d exception stack: %w", cpu, err)
		}
		m.excStacks = append(m.excStacks, gs)
	}

	// Per-CPU normal kernel stacks follow, each preceded by its zero-page
	// deadloop canary. Sized by the stage1 formula.
	kernPages := (bootdesc.Stage1StackSize(m.numCPUs) + pageSize - 1) / pageSize
	kernBase := stackBase + uint64(m.numCPUs)*pageSize
	for cpu := 0; cpu < m.numCPUs; cpu++ {
		hpa := kernBase + uint64(cpu)*uint64(kernPages+1)*pageSize
		ks, err := m.hmm.AllocKernelStack(hpa, kernPages)
		if err != nil {
			return fmt.Errorf("vmxcore: cpu %d kernel stack: %w", cpu, err)
		}
		m.kernStacks = append(m.kernStacks, ks)
	}

	if _, err := m.hmm.BuildPageTable(); err != nil {
		return err
	}
	return nil
}

func (m *Monitor) initIPCAndDispatch() {
	m.sched = scheduler.New(m.numCPUs, nil)
	m.ipc = ipc.New(m.numCPUs, m.hostCPUs, nil)
	// The NMI "ISR" tail: request an NMI-window exit on the interrupted
	// CPU's current VMCS through the transactional flush.
	m.ipc.SetNMIHook(func(cpu int) {
		if g := m.sched.CurrentGCPU(cpu); g != nil {
			_ = g.VMCS.NMIArrived()
		}
	})
	m.dispatcher = dispatch.New(m.hostCPUs)
	m.resumePath = resume.New(m.hostCPUs, m.backend, m.ipc, 0)
}

func (m *Monitor) initDevices(debugOut io.Writer) {
	m.bus = devices.NewIOBus()
	m.resetCtl = devices.NewResetController(func() { m.resetRequested = true })
	_ = m.bus.Register(devices.ResetPortNumber, devices.ResetPortNumber, m.resetCtl)

	if dp := m.desc.DebugParams; dp.DebugPortConfigured() {
		m.debugPort = devices.NewDebugPort(dp.IOBase, dp.IOEnd, debugOut)
		_ = m.bus.Register(dp.IOBase, dp.IOEnd, m.debugPort)
	}
}

func (m *Monitor) initFatalPath() {
	m.fatal = deadloop.New(m.hostCPUs, m.logger)
	m.fatal.Raise = func(cpu int, file string, line int) {
		m.logger.Printf("vmxcore: EVENT_DEADLOOP cpu=%d %s:%d", cpu, file, line)
	}
	// The one survival path: if the failing CPU is running guest-0,
	// inject #GP0 and resume.
	m.fatal.Recover = func(cpu int) bool {
		g := m.sched.CurrentGCPU(cpu)
		if g == nil || g.GuestID != 0 {
			return false
		}
		return g.InjectGP0() == nil
	}
	m.fatal.Reset = func() { _ = m.resetCtl.Trigger(m.bus) }
}

// AddGuest creates guest id with memBytes of RAM registered with the
// backend as one memory slot.
func (m *Monitor) AddGuest(id int, memBytes uint64) (*guest.Guest, *guest.Memory, error) {
	if _, exists := m.guests[id]; exists {
		return nil, nil, fmt.Errorf("vmxcore: guest %d already exists", id)
	}
	backing, err := m.allocGuestMemory(memBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("vmxcore: allocating guest %d memory: %w", id, err)
	}
	mem := guest.NewMemory(backing)
	var hva uintptr
	if len(backing) > 0 {
		hva = uintptr(unsafe.Pointer(&backing[0]))
	}
	if err := m.backend.SetUserMemoryRegion(m.vmFD, m.nextSlot, 0, memBytes, hva); err != nil {
		return nil, nil, fmt.Errorf("vmxcore: registering guest %d memory: %w", id, err)
	}
	m.nextSlot++

	gu := guest.New(id)
	m.guests[id] = gu
	m.memories[id] = mem
	m.registerCoreHandlers(id)
	return gu, mem, nil
}

// SetNMIOwner nominates the guest platform NMIs are delivered to.
func (m *Monitor) SetNMIOwner(guestID int) error {
	gu, ok := m.guests[guestID]
	if !ok {
		return fmt.Errorf("vmxcore: no guest %d", guestID)
	}
	for id, g := range m.guests {
		g.SetNMIOwner(id == guestID)
	}
	gu.SetNMIOwner(true)
	m.resumePath.NMIOwnerGuestID = guestID
	return nil
}

// AddGCPU creates a gcpu for guestID pinned to hostCPUID: a backend
// vCPU, its run page, its VMCS cache (with its region allocation and
// revision stamp), and registration with both the guest's
// vcpu list and the scheduler.
func (m *Monitor) AddGCPU(guestID, hostCPUID int, readyNow bool) (*gcpu.GCPU, error) {
	gu, ok := m.guests[guestID]
	if !ok {
		return nil, fmt.Errorf("vmxcore: no guest %d", guestID)
	}
	vcpuFD, mmapSize, err := m.backend.CreateVCPU(m.vmFD)
	if err != nil {
		return nil, fmt.Errorf("vmxcore: creating vcpu: %w", err)
	}
	runArea, err := m.backend.MapRunArea(vcpuFD, mmapSize)
	if err != nil {
		return nil, fmt.Errorf("vmxcore: mapping run area: %w", err)
	}

	if err := m.checkCapabilities(vcpuFD); err != nil {
		return nil, err
	}
	if err := m.ensureVMXONRegions(); err != nil {
		return nil, err
	}
	if _, err := m.allocVMCSRegion(); err != nil {
		return nil, err
	}

	cache := vmcs.New(vmcs.BackendOps{Backend: m.backend}, vcpuFD)
	m.seedControlVectors(cache)
	g := gcpu.New(gu.VCPUCount(), guestID, cache, m.backend, vcpuFD, m.memories[guestID])
	if err := gu.AddVCPU(g); err != nil {
		return nil, err
	}
	if err := m.sched.RegisterGCPU(g, hostCPUID, readyNow); err != nil {
		return nil, err
	}
	m.runAreas[g] = runArea
	return g, nil
}

// seedControlVectors programs a fresh VMCS with each control vector's
// minimal legal value (may0 plus the wanted features may1 allows),
// derived from the capability snapshot. Everything later in the
// monitor — the injection windows, feature handlers — only ORs bits
// onto these seeds, so a control field never reaches hardware below
// its mandated minimum.
func (m *Monitor) seedControlVectors(cache *vmcs.Cache) {
	init := m.caps.InitialControls()
	cache.Write(vmcs.PinBasedVMExecControl, uint64(init.PinBased))
	cache.Write(vmcs.ProcBasedVMExecControl, uint64(init.ProcBased))
	cache.Write(vmcs.ProcBasedVMExecControl2, uint64(init.ProcBased2))
	cache.Write(vmcs.VMEntryControls, uint64(init.EntryCtls))
	cache.Write(vmcs.VMExitControls, uint64(init.ExitCtls))
}

// ensureVMXONRegions allocates each physical CPU's VMXON region once
// the capability snapshot (and with it the revision id) is known, and
// records the physical address in the per-CPU save area.
func (m *Monitor) ensureVMXONRegions() error {
	for cpu := 0; cpu < m.numCPUs; cpu++ {
		hc := m.hostCPUs.CPU(cpu)
		if hc.VMXONRegionHPA != 0 {
			continue
		}
		hpa, err := m.allocVMCSRegion()
		if err != nil {
			return fmt.Errorf("vmxcore: cpu %d vmxon region: %w", cpu, err)
		}
		hc.VMXONRegionHPA = hpa
	}
	return nil
}

// checkCapabilities reads the VMX capability MSRs through the new vCPU.
// The first read becomes the BSP snapshot; every later vCPU re-reads
// and must match bit-for-bit.
func (m *Monitor) checkCapabilities(vcpuFD int) error {
	caps, err := vmxcap.Read(m.backend, vcpuFD)
	if err != nil {
		return fmt.Errorf("vmxcore: %w", err)
	}
	if m.caps == nil {
		m.caps = caps
		return nil
	}
	if err := m.caps.AssertEqual(caps); err != nil {
		return fmt.Errorf("vmxcore: %w", err)
	}
	return nil
}

// allocVMCSRegion performs the VMCS region dance: allocate a page,
// stamp the revision id, track it in the HMM, then unmap it — after
// VMPTRLD the region is hardware-owned and the monitor must not
// dereference it again.
func (m *Monitor) allocVMCSRegion() (uint64, error) {
	_, hpa, err := vmxcap.AllocateVMCSRegion(m.logger, m.caps, func(size int) (uintptr, uint64, error) {
		backing := make([]byte, size)
		hpa := m.nextBufHPA
		m.nextBufHPA += pageSize
		m.bufPins[hpa] = backing
		return uintptr(unsafe.Pointer(&backing[0])), hpa, nil
	})
	if err != nil {
		return 0, err
	}
	mappedHVA, err := m.hmm.MapPage(hpa, hmm.Attrs{Writable: true}, nil)
	if err != nil {
		return 0, fmt.Errorf("vmxcore: tracking VMCS region: %w", err)
	}
	if err := m.hmm.Unmap(mappedHVA); err != nil {
		return 0, fmt.Errorf("vmxcore: unmapping VMCS region: %w", err)
	}
	return hpa, nil
}

// FreeVMCSRegion releases the pin on a hardware-owned region after
// VMCLEAR, the destroy half of the region lifecycle.
func (m *Monitor) FreeVMCSRegion(hpa uint64) {
	delete(m.bufPins, hpa)
}

// registerCoreHandlers installs the exit handlers the core itself owns
// for a new guest. Everything else is the embedding's to register
func (m *Monitor) registerCoreHandlers(guestID int) {
	d := m.dispatcher
	_ = d.Register(guestID, dispatch.ReasonNMIWindow, func(g *gcpu.GCPU, info dispatch.ExitInfo) error {
		m.ipc.NMIWindowVMExitHandler(info.HostCPU)
		return nil
	})
	_ = d.Register(guestID, dispatch.ReasonVMCALL, d.HandleVMCall)
	_ = d.Register(guestID, dispatch.ReasonIOInstruction, m.handleIOExit)
	_ = d.Register(guestID, dispatch.ReasonHLT, m.handleHLTExit)
}

// handleIOExit routes a guest IO instruction through the core's I/O
// bus. An unclaimed port earns the guest a #GP0; a handled one advances
// RIP past the instruction.
func (m *Monitor) handleIOExit(g *gcpu.GCPU, info dispatch.ExitInfo) error {
	r := m.lastRun[info.HostCPU]
	if err := m.bus.HandleIO(r.IOPort, r.IODirection, r.IOSize, r.IOData); err != nil {
		return g.InjectGP0()
	}
	return g.SkipInstruction()
}

// handleHLTExit hands the physical CPU to the next ready gcpu on its
// list; with a single gcpu this is a
// no-op and the guest re-enters halted.
func (m *Monitor) handleHLTExit(g *gcpu.GCPU, info dispatch.ExitInfo) error {
	_, err := m.sched.SelectNextGCPU(info.HostCPU)
	return err
}

// StopGuestCPUs freezes every physical CPU currently running one of
// guestID's gcpus; StartGuestCPUs releases them. The predicate is the
// scheduler's current-gcpu pointer, read per destination at send time.
func (m *Monitor) StopGuestCPUs(sender, guestID int) (int, error) {
	return m.ipc.StopGuestCPUs(sender, guestID, func(cpu int) bool {
		g := m.sched.CurrentGCPU(cpu)
		return g != nil && g.GuestID == guestID
	})
}

func (m *Monitor) StartGuestCPUs(sender, guestID int, onStart ipc.Handler, arg any) (int, error) {
	return m.ipc.StartGuestCPUs(sender, guestID, onStart, arg)
}

// Accessors for the subsystems an embedding registers handlers or
// vmcalls against.
func (m *Monitor) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }
func (m *Monitor) Scheduler() *scheduler.Scheduler  { return m.sched }
func (m *Monitor) IPC() *ipc.Manager                { return m.ipc }
func (m *Monitor) HMM() *hmm.Manager                { return m.hmm }
func (m *Monitor) HostCPUs() *hostcpu.Array         { return m.hostCPUs }
func (m *Monitor) Capabilities() *vmxcap.Capabilities { return m.caps }
func (m *Monitor) IOBus() *devices.IOBus            { return m.bus }
func (m *Monitor) Fatal() *deadloop.Handler         { return m.fatal }
func (m *Monitor) Guest(id int) (*guest.Guest, bool) {
	gu, ok := m.guests[id]
	return gu, ok
}
func (m *Monitor) GuestMemory(id int) (*guest.Memory, bool) {
	mem, ok := m.memories[id]
	return mem, ok
}

// ExceptionStack returns the guarded exception stack of a physical CPU.
func (m *Monitor) ExceptionStack(cpu int) hmm.GuardedStack { return m.excStacks[cpu] }

// KernelStack returns the canary-fronted normal kernel stack of a
// physical CPU.
func (m *Monitor) KernelStack(cpu int) hmm.KernelStack { return m.kernStacks[cpu] }

// ResetRequested reports whether the fatal path pulled the 0xCF9 reset;
// on real hardware there is nobody left to ask.
func (m *Monitor) ResetRequested() bool { return m.resetRequested }
