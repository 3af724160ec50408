package hwbackend

// Backend is the seam between the monitor's software model and the actual
// VMX transition. A userspace process cannot issue VMXON/VMPTRLD/VMLAUNCH
// itself; the Linux KVM module performs the hardware transition on its
// behalf. Backend captures exactly the
// operations the four core subsystems need from that substrate, so
// vmxcap/vmcs/gcpu/resume can be written and tested against FakeBackend
// without root or /dev/kvm, and switched to KVMBackend to actually run a
// guest.
type Backend interface {
	// CreateVM asks the hypervisor for a new VM container and returns its
	// handle.
	CreateVM() (int, error)

	// SetUserMemoryRegion installs a slot of guest physical memory backed
	// by host virtual memory at hva.
	SetUserMemoryRegion(vmFD int, slot uint32, gpa, size uint64, hva uintptr) error

	// CreateVCPU creates a new virtual CPU inside vmFD and returns its
	// handle plus the size of the shared run-state page it must be
	// mmap'd with.
	CreateVCPU(vmFD int) (fd int, mmapSize int, err error)

	// MapRunArea mmaps the per-vCPU run-state page of the given size.
	MapRunArea(vcpuFD int, size int) ([]byte, error)
	UnmapRunArea(mem []byte) error

	GetRegs(vcpuFD int) (Regs, error)
	SetRegs(vcpuFD int, r Regs) error
	GetSregs(vcpuFD int) (Sregs, error)
	SetSregs(vcpuFD int, s Sregs) error

	// MSRIndexList returns the MSR indices the running kernel/processor
	// supports querying via GetMSRs.
	MSRIndexList() ([]uint32, error)
	GetMSRs(vcpuFD int, indices []uint32) (map[uint32]uint64, error)

	// Run performs one VM-entry/VM-exit round trip and returns the exit
	// information decoded from the run-state page.
	Run(vcpuFD int, runArea []byte) (RunInfo, error)

	InjectInterrupt(vcpuFD int, vector uint8) error
	InjectNMI(vcpuFD int) error

	Close(fd int) error
}
