//go:build linux

package hwbackend

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVMBackend drives /dev/kvm through golang.org/x/sys/unix for
// ioctl/mmap.
type KVMBackend struct {
	kvmFD int
}

// OpenKVMBackend opens /dev/kvm and returns a backend bound to it.
func OpenKVMBackend() (*KVMBackend, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}
	return &KVMBackend{kvmFD: fd}, nil
}

func (b *KVMBackend) Close(fd int) error { return unix.Close(fd) }

func (b *KVMBackend) CreateVM() (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.kvmFD), kvmCreateVM, 0)
	if errno != 0 {
		return 0, fmt.Errorf("KVM_CREATE_VM: %w", errno)
	}
	return int(r), nil
}

func (b *KVMBackend) SetUserMemoryRegion(vmFD int, slot uint32, gpa, size uint64, hva uintptr) error {
	region := userspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(hva),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", errno)
	}
	return nil
}

func (b *KVMBackend) CreateVCPU(vmFD int) (int, int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), kvmCreateVCPU, 0)
	if errno != 0 {
		return 0, 0, fmt.Errorf("KVM_CREATE_VCPU: %w", errno)
	}
	size, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.kvmFD), kvmGetVCPUMMapSize, 0)
	if errno != 0 {
		unix.Close(int(fd))
		return 0, 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}
	return int(fd), int(size), nil
}

func (b *KVMBackend) MapRunArea(vcpuFD int, size int) ([]byte, error) {
	mem, err := unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}
	return mem, nil
}

func (b *KVMBackend) UnmapRunArea(mem []byte) error {
	return unix.Munmap(mem)
}

func (b *KVMBackend) GetRegs(vcpuFD int) (Regs, error) {
	var r Regs
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmGetRegs, uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return Regs{}, fmt.Errorf("KVM_GET_REGS: %w", errno)
	}
	return r, nil
}

func (b *KVMBackend) SetRegs(vcpuFD int, r Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmSetRegs, uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_REGS: %w", errno)
	}
	return nil
}

func (b *KVMBackend) GetSregs(vcpuFD int) (Sregs, error) {
	var s Sregs
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmGetSregs, uintptr(unsafe.Pointer(&s)))
	if errno != 0 {
		return Sregs{}, fmt.Errorf("KVM_GET_SREGS: %w", errno)
	}
	return s, nil
}

func (b *KVMBackend) SetSregs(vcpuFD int, s Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmSetSregs, uintptr(unsafe.Pointer(&s)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_SREGS: %w", errno)
	}
	return nil
}

// MSRIndexList uses the two-call E2BIG probe/fetch idiom: the kernel reports the
// required count by failing the first call, then fills the array on the
// second.
func (b *KVMBackend) MSRIndexList() ([]uint32, error) {
	hdr := msrList{NMSRs: 0}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.kvmFD), kvmGetMSRIndexList, uintptr(unsafe.Pointer(&hdr)))
	if errno != 0 && errno != unix.E2BIG {
		return nil, fmt.Errorf("KVM_GET_MSR_INDEX_LIST probe: %w", errno)
	}

	n := hdr.NMSRs
	buf := make([]byte, unsafe.Sizeof(msrList{})+uintptr(n)*4)
	*(*msrList)(unsafe.Pointer(&buf[0])) = msrList{NMSRs: n}
	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(b.kvmFD), kvmGetMSRIndexList, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return nil, fmt.Errorf("KVM_GET_MSR_INDEX_LIST fetch: %w", errno)
	}
	indices := make([]uint32, n)
	base := unsafe.Sizeof(msrList{})
	for i := uint32(0); i < n; i++ {
		indices[i] = *(*uint32)(unsafe.Pointer(&buf[base+uintptr(i)*4]))
	}
	return indices, nil
}

func (b *KVMBackend) GetMSRs(vcpuFD int, indices []uint32) (map[uint32]uint64, error) {
	n := len(indices)
	buf := make([]byte, unsafe.Sizeof(msrs{})+uintptr(n)*unsafe.Sizeof(msrEntry{}))
	*(*msrs)(unsafe.Pointer(&buf[0])) = msrs{NMSRs: uint32(n)}
	base := unsafe.Sizeof(msrs{})
	for i, idx := range indices {
		e := (*msrEntry)(unsafe.Pointer(&buf[base+uintptr(i)*unsafe.Sizeof(msrEntry{})]))
		e.Index = idx
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmGetMSRs, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return nil, fmt.Errorf("KVM_GET_MSRS: %w", errno)
	}
	out := make(map[uint32]uint64, n)
	for i := 0; i < n; i++ {
		e := (*msrEntry)(unsafe.Pointer(&buf[base+uintptr(i)*unsafe.Sizeof(msrEntry{})]))
		out[e.Index] = e.Data
	}
	return out, nil
}

func (b *KVMBackend) Run(vcpuFD int, runArea []byte) (RunInfo, error) {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmRun, 0)
	if errno != 0 && errno != unix.EINTR {
		return RunInfo{}, fmt.Errorf("KVM_RUN: %w", errno)
	}
	return decodeRunArea(runArea), nil
}

// decodeRunArea extracts the fields this monitor dispatches on from the
// mmap'd kvm_run page. Real kvm_run is a tagged union; the IO/MMIO payload
// offsets below match the kernel's published struct layout's first
// members (exit_reason at offset 0, hw.hardware_exit_reason aliased at
// offset 8, union starting at offset 8 as well for io/mmio).
func decodeRunArea(mem []byte) RunInfo {
	var info RunInfo
	info.ExitReason = *(*uint32)(unsafe.Pointer(&mem[0]))
	switch info.ExitReason {
	case KVMExitIO:
		info.IODirection = mem[8]
		info.IOSize = mem[9]
		info.IOPort = *(*uint16)(unsafe.Pointer(&mem[10]))
		info.IOCount = *(*uint32)(unsafe.Pointer(&mem[12]))
		dataOffset := *(*uint64)(unsafe.Pointer(&mem[16]))
		sz := int(info.IOSize)
		if sz > 0 && int(dataOffset)+sz <= len(mem) {
			info.IOData = mem[dataOffset: int(dataOffset)+sz]
		}
	case KVMExitMMIO:
		info.MMIOPhysAddr = *(*uint64)(unsafe.Pointer(&mem[8]))
		copy(info.MMIOData[:], mem[16:24])
		info.MMIOLen = *(*uint32)(unsafe.Pointer(&mem[24]))
		info.MMIOWrite = mem[28] != 0
	case KVMExitFailEntry, KVMExitInternal:
		info.HWReason = *(*uint64)(unsafe.Pointer(&mem[8]))
	}
	return info
}

func (b *KVMBackend) InjectInterrupt(vcpuFD int, vector uint8) error {
	irq := interruptReq{Vector: uint32(vector)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmInterrupt, uintptr(unsafe.Pointer(&irq)))
	if errno != 0 {
		return fmt.Errorf("KVM_INTERRUPT vector %#x: %w", vector, errno)
	}
	return nil
}

func (b *KVMBackend) InjectNMI(vcpuFD int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmNMI, 0)
	if errno != 0 {
		return fmt.Errorf("KVM_NMI: %w", errno)
	}
	return nil
}
