package hwbackend

// Segment mirrors struct kvm_segment: selector/base/limit plus the access
// byte fields broken out.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDTR/IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Regs mirrors struct kvm_regs: the 16 general purpose registers plus
// RIP/RFLAGS.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

const numInterruptVectors = 256

// Sregs mirrors struct kvm_sregs: segment registers, descriptor tables,
// and the control/debug registers the gcpu's CR0/CR4 read-shadow merge
// and the VMCS guest-state fields read through.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterruptVectors + 63) / 64]uint64
}

type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type msrEntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// msrs mirrors struct kvm_msrs followed by a flexible array of msrEntry;
// Go can't express the trailing flexible array member directly, so the
// real ioctl path allocates NMSRs*sizeof(msrEntry) bytes after this header
// and writes the entries into that buffer (see backend_linux.go).
type msrs struct {
	NMSRs uint32
	_     uint32
}

// msrList mirrors struct kvm_msr_list: an NMSRs count followed by a
// variable-length index array, probed in two steps (first call sizes
// the list via E2BIG, second call fills it).
type msrList struct {
	NMSRs uint32
}

type interruptReq struct {
	Vector uint32
}

// RunInfo is the subset of the mmap'd kvm_run page this module reads on
// every exit: the reason, and enough of the IO/MMIO union to dispatch on.
// Real field offsets within kvm_run depend on the host kernel's struct
// layout; KVMBackend resolves the IO payload through the DataOffset the
// kernel itself reports, and reads the MMIO fields at fixed offsets.
type RunInfo struct {
	ExitReason uint32
	HWReason   uint64

	IODirection uint8
	IOSize      uint8
	IOPort      uint16
	IOCount     uint32
	IOData      []byte

	MMIOPhysAddr uint64
	MMIOData     [8]byte
	MMIOLen      uint32
	MMIOWrite    bool
}

// VMXCapabilityMSRs are the MSR indices vmxcap reads to build the
// processor's feature snapshot.
var VMXCapabilityMSRs = []uint32{
	MSRIA32VMXBasic,
	MSRIA32VMXPinbasedCtls,
	MSRIA32VMXProcbasedCtls,
	MSRIA32VMXProcbasedCtls2,
	MSRIA32VMXExitCtls,
	MSRIA32VMXEntryCtls,
	MSRIA32VMXCR0Fixed0,
	MSRIA32VMXCR0Fixed1,
	MSRIA32VMXCR4Fixed0,
	MSRIA32VMXCR4Fixed1,
	MSRIA32VMXMisc,
	MSRIA32VMXEPTVPIDCap,
}

// Real MSR indices from the Intel SDM / linux/msr-index.h.
const (
	MSRIA32VMXBasic          = 0x480
	MSRIA32VMXPinbasedCtls   = 0x481
	MSRIA32VMXProcbasedCtls  = 0x482
	MSRIA32VMXExitCtls       = 0x483
	MSRIA32VMXEntryCtls      = 0x484
	MSRIA32VMXMisc           = 0x485
	MSRIA32VMXCR0Fixed0      = 0x486
	MSRIA32VMXCR0Fixed1      = 0x487
	MSRIA32VMXCR4Fixed0      = 0x488
	MSRIA32VMXCR4Fixed1      = 0x489
	MSRIA32VMXProcbasedCtls2 = 0x48B
	MSRIA32VMXEPTVPIDCap     = 0x48C
)
