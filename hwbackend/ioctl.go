package hwbackend

import "unsafe"

// KVM ioctl number derivation, following Linux's asm-generic/ioctl.h
// encoding: dir(2) | size(14) | type(8) | nr(8). 'K' (0xAE) is KVM's ioctl
// type byte.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	kvmioType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmioType << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func io(nr uintptr) uintptr             { return ioc(iocNone, nr, 0) }
func ior(nr, size uintptr) uintptr      { return ioc(iocRead, nr, size) }
func iow(nr, size uintptr) uintptr      { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr     { return ioc(iocRead|iocWrite, nr, size) }

// Well-known literal numbers where linux/kvm.h fixes them; the rest are
// derived with the macros above against this package's own struct sizes.
var (
	kvmGetAPIVersion       = io(0x00)
	kvmCreateVM            = io(0x01)
	kvmGetMSRIndexList     = iowr(0x02, unsafe.Sizeof(msrList{}))
	kvmCreateVCPU          = io(0x41)
	kvmGetVCPUMMapSize     = io(0x04)
	kvmSetUserMemoryRegion = iow(0x46, unsafe.Sizeof(userspaceMemoryRegion{}))
	kvmRun                 = io(0x80)
	kvmGetRegs             = ior(0x81, unsafe.Sizeof(Regs{}))
	kvmSetRegs             = iow(0x82, unsafe.Sizeof(Regs{}))
	kvmGetSregs            = ior(0x83, unsafe.Sizeof(Sregs{}))
	kvmSetSregs            = iow(0x84, unsafe.Sizeof(Sregs{}))
	kvmGetMSRs             = iowr(0x88, unsafe.Sizeof(msrs{}))
	kvmSetMSRs             = iow(0x89, unsafe.Sizeof(msrs{}))
	kvmInterrupt           = iow(0x86, unsafe.Sizeof(interruptReq{}))
	kvmNMI                 = io(0x9a)
)

const (
	// KVM exit reasons actually used by the dispatcher's preamble and the
	// resume path; same numbering as linux/kvm.h.
	KVMExitUnknown    = 0
	KVMExitException  = 1
	KVMExitIO         = 2
	KVMExitHypercall  = 3
	KVMExitDebug      = 4
	KVMExitHLT        = 5
	KVMExitMMIO       = 6
	KVMExitIRQWindow  = 7
	KVMExitShutdown   = 8
	KVMExitFailEntry  = 9
	KVMExitIntr       = 10
	KVMExitNMI        = 16
	KVMExitInternal   = 17

	KVMExitIODirIn  = 0
	KVMExitIODirOut = 1
)
