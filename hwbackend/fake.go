package hwbackend

import (
	"fmt"
	"sync"
)

// FakeBackend is an in-memory stand-in for KVMBackend, so the VMCS cache,
// the IPC NMI protocol and the resume path can be exercised by the test
// suite without /dev/kvm or root. It models just enough of the real
// ioctl/mmap surface to drive those protocols: per-vCPU regs/sregs
// storage, a queued exit reason a test can arm, and NMI/interrupt
// counters the backend's own injection test reads back.
type FakeBackend struct {
	mu       sync.Mutex
	nextFD   int
	vcpus    map[int]*fakeVCPU
	msrSpace map[uint32]uint64
}

type fakeVCPU struct {
	regs          Regs
	sregs         Sregs
	pendingNMI    int
	pendingIRQs   []uint8
	queuedExits   []RunInfo
	launchedCount int
}

// NewFakeBackend creates a fresh fake backend with VMX capability MSRs
// populated to values that satisfy vmxcap's mandatory-feature assertions.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		nextFD:   1,
		vcpus:    make(map[int]*fakeVCPU),
		msrSpace: defaultVMXCapabilityMSRs(),
	}
}

func (b *FakeBackend) CreateVM() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fd := b.nextFD
	b.nextFD++
	return fd, nil
}

func (b *FakeBackend) SetUserMemoryRegion(vmFD int, slot uint32, gpa, size uint64, hva uintptr) error {
	return nil
}

func (b *FakeBackend) CreateVCPU(vmFD int) (int, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fd := b.nextFD
	b.nextFD++
	b.vcpus[fd] = &fakeVCPU{}
	return fd, 4096, nil
}

func (b *FakeBackend) MapRunArea(vcpuFD int, size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (b *FakeBackend) UnmapRunArea(mem []byte) error { return nil }

func (b *FakeBackend) vcpu(fd int) *fakeVCPU {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vcpus[fd]
}

func (b *FakeBackend) GetRegs(vcpuFD int) (Regs, error) {
	v := b.vcpu(vcpuFD)
	if v == nil {
		return Regs{}, fmt.Errorf("fake backend: no such vcpu %d", vcpuFD)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return v.regs, nil
}

func (b *FakeBackend) SetRegs(vcpuFD int, r Regs) error {
	v := b.vcpu(vcpuFD)
	if v == nil {
		return fmt.Errorf("fake backend: no such vcpu %d", vcpuFD)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v.regs = r
	return nil
}

func (b *FakeBackend) GetSregs(vcpuFD int) (Sregs, error) {
	v := b.vcpu(vcpuFD)
	if v == nil {
		return Sregs{}, fmt.Errorf("fake backend: no such vcpu %d", vcpuFD)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return v.sregs, nil
}

func (b *FakeBackend) SetSregs(vcpuFD int, s Sregs) error {
	v := b.vcpu(vcpuFD)
	if v == nil {
		return fmt.Errorf("fake backend: no such vcpu %d", vcpuFD)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v.sregs = s
	return nil
}

func (b *FakeBackend) MSRIndexList() ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint32, 0, len(b.msrSpace))
	for idx := range b.msrSpace {
		out = append(out, idx)
	}
	return out, nil
}

func (b *FakeBackend) GetMSRs(vcpuFD int, indices []uint32) (map[uint32]uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint32]uint64, len(indices))
	for _, idx := range indices {
		out[idx] = b.msrSpace[idx]
	}
	return out, nil
}

// SetMSR lets a test override a capability MSR to exercise a particular
// feature combination.
func (b *FakeBackend) SetMSR(index uint32, value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msrSpace[index] = value
}

// QueueExit arms the next N calls to Run to return the given RunInfo
// values in order, then fall back to KVMExitHLT.
func (b *FakeBackend) QueueExit(vcpuFD int, infos...RunInfo) {
	v := b.vcpu(vcpuFD)
	if v == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v.queuedExits = append(v.queuedExits, infos...)
}

func (b *FakeBackend) Run(vcpuFD int, runArea []byte) (RunInfo, error) {
	v := b.vcpu(vcpuFD)
	if v == nil {
		return RunInfo{}, fmt.Errorf("fake backend: no such vcpu %d", vcpuFD)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v.launchedCount++
	if len(v.queuedExits) > 0 {
		next := v.queuedExits[0]
		v.queuedExits = v.queuedExits[1:]
		return next, nil
	}
	return RunInfo{ExitReason: KVMExitHLT}, nil
}

func (b *FakeBackend) InjectInterrupt(vcpuFD int, vector uint8) error {
	v := b.vcpu(vcpuFD)
	if v == nil {
		return fmt.Errorf("fake backend: no such vcpu %d", vcpuFD)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v.pendingIRQs = append(v.pendingIRQs, vector)
	return nil
}

func (b *FakeBackend) InjectNMI(vcpuFD int) error {
	v := b.vcpu(vcpuFD)
	if v == nil {
		return fmt.Errorf("fake backend: no such vcpu %d", vcpuFD)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v.pendingNMI++
	return nil
}

func (b *FakeBackend) Close(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.vcpus, fd)
	return nil
}

// LaunchCount reports how many times Run was called for vcpuFD, used by
// tests to check the VMLAUNCH-then-VMRESUME discipline
// without needing a real VMCS launched flag.
func (b *FakeBackend) LaunchCount(vcpuFD int) int {
	v := b.vcpu(vcpuFD)
	if v == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return v.launchedCount
}

func defaultVMXCapabilityMSRs() map[uint32]uint64 {
	return map[uint32]uint64{
		MSRIA32VMXBasic:          0x00DA040000000021, // memory type WB (6), revision id in low 31 bits
		MSRIA32VMXPinbasedCtls:   0x0000007f00000016,
		MSRIA32VMXProcbasedCtls:  0xfff9fffe0401e172,
		MSRIA32VMXProcbasedCtls2: 0x07ffffff00000000, // EPT + unrestricted guest in can_be_1
		MSRIA32VMXExitCtls:       0x03ffffff00036dff, // save/load EFER, save/load PAT
		MSRIA32VMXEntryCtls:      0x0000ffff000011ff, // load EFER, load PAT
		MSRIA32VMXCR0Fixed0:      0x0000000080000021,
		MSRIA32VMXCR0Fixed1:      0xffffffffffffffff,
		MSRIA32VMXCR4Fixed0:      0x0000000000002000, // VMXE must be 1
		MSRIA32VMXCR4Fixed1:      0xffffffffffffffff,
		MSRIA32VMXMisc:           0x000000007004c1bc, // save_guest_mode + wait_for_SIPI bit set
		MSRIA32VMXEPTVPIDCap:     0x00000f0106734141,
	}
}
