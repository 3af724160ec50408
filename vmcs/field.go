// Package vmcs is the software cache over the hardware VMCS:
// a per-field valid/dirty bitmap pair, a transactional flush for the
// processor-based controls field the NMI ISR and the resume path both
// touch, and the lifecycle states (never_activated / not_current /
// current) a VMCS moves through across VMPTRLD/VMCLEAR.
// A userspace process cannot issue VMREAD/VMWRITE itself; HardwareOps is
// the seam this package calls through instead, exactly the way vmxcap
// calls through hwbackend for the capability MSRs.
package vmcs

// Field identifies one vmcs_field. Its numeric value is a dense index
// into fieldTable, whose entries carry the real VMX hardware encodings
// (Intel SDM Appendix B) in Encoding. This cache is 64-bit-native throughout (unlike the hardware VMCS, which
// splits some fields into a FULL/HIGH 32-bit pair), so a "has high half"
// flag never applies here and is not modeled.
type Field uint32

// Access classes for VMCS fields.
type AccessClass int

const (
	// RO fields are exit-info fields: hardware writes them on every
	// vm-exit, software must never write them, and the cache entry is
	// forced invalid at the top of every exit handler so the next read
	// pulls fresh hardware state.
	RO AccessClass = iota
	// CachedWritable fields are read and written by both software and
	// hardware (e.g. the processor-based controls, whose NMI-window bit
	// the NMI ISR writes directly).
	CachedWritable
	// PureWritable fields are software-writable only; hardware never
	// writes them back, so the cache is always authoritative once set.
	PureWritable
	// Nonexistent fields are not supported by the active processor (e.g.
	// EPT pointer fields with EPT unavailable). Writes are dropped;
	// reads always return 0.
	Nonexistent
)

// FieldInfo is one field-encoding table entry: a
// hardware encoding, an access class, and whether hardware may also
// produce this field's value (used to decide whether an invalid cache
// entry must trigger a hardware read before returning).
type FieldInfo struct {
	Encoding    uint32
	Class       AccessClass
	HWReadable  bool // hardware can/does supply this field's value
}

// The field set this monitor names. Exit-info (RO) fields; guest-state
// fields the gcpu and resume path touch directly; control fields
// (pin/proc-based, exception bitmap, entry/exit controls); and the
// MSR auto-load/store list fields. Hardware encodings follow the Intel SDM numbering; this
// monitor never issues a raw VMREAD/VMWRITE against them (see hwops.go),
// but keeping the real numbers is what lets a reader map this table back
// onto the SDM one field at a time.
const (
	GuestRIP Field = iota
	GuestRSP
	GuestRFLAGS
	GuestCR0
	GuestCR3
	GuestCR4
	CR0ReadShadow
	CR4ReadShadow
	CR0GuestHostMask
	CR4GuestHostMask
	GuestInterruptibilityState
	GuestActivityState
	ExceptionBitmap
	PinBasedVMExecControl
	ProcBasedVMExecControl
	ProcBasedVMExecControl2
	VMEntryControls
	VMExitControls
	VMEntryIntrInfoField
	VMEntryExceptionErrorCode
	VMEntryInstructionLen
	VMExitReason
	VMExitIntrInfoField
	VMExitIntrErrorCode
	VMExitInstructionLen
	ExitQualification
	IDTVectoringInfoField
	IDTVectoringErrorCode
	GuestLinearAddress
	GuestPhysicalAddress
	VMExitMSRStoreAddr
	VMExitMSRStoreCount
	VMExitMSRLoadAddr
	VMExitMSRLoadCount
	VMEntryMSRLoadAddr
	VMEntryMSRLoadCount
	EPTPointer
	numFields
)

var fieldTable = map[Field]FieldInfo{
	GuestRIP:                   {Encoding: 0x681e, Class: PureWritable, HWReadable: true},
	GuestRSP:                   {Encoding: 0x681c, Class: PureWritable, HWReadable: true},
	GuestRFLAGS:                {Encoding: 0x6820, Class: PureWritable, HWReadable: true},
	GuestCR0:                   {Encoding: 0x6800, Class: PureWritable, HWReadable: true},
	GuestCR3:                   {Encoding: 0x6802, Class: PureWritable, HWReadable: true},
	GuestCR4:                   {Encoding: 0x6804, Class: PureWritable, HWReadable: true},
	CR0ReadShadow:              {Encoding: 0x6004, Class: PureWritable},
	CR4ReadShadow:              {Encoding: 0x6006, Class: PureWritable},
	CR0GuestHostMask:           {Encoding: 0x6000, Class: PureWritable},
	CR4GuestHostMask:           {Encoding: 0x6002, Class: PureWritable},
	GuestInterruptibilityState: {Encoding: 0x4824, Class: CachedWritable, HWReadable: true},
	GuestActivityState:         {Encoding: 0x4826, Class: CachedWritable, HWReadable: true},
	ExceptionBitmap:            {Encoding: 0x4004, Class: PureWritable},
	PinBasedVMExecControl:      {Encoding: 0x4000, Class: CachedWritable},
	ProcBasedVMExecControl:     {Encoding: 0x4002, Class: CachedWritable},
	ProcBasedVMExecControl2:    {Encoding: 0x401e, Class: CachedWritable},
	VMEntryControls:            {Encoding: 0x4012, Class: PureWritable},
	VMExitControls:             {Encoding: 0x400c, Class: PureWritable},
	VMEntryIntrInfoField:       {Encoding: 0x4016, Class: PureWritable},
	VMEntryExceptionErrorCode:  {Encoding: 0x4018, Class: PureWritable},
	VMEntryInstructionLen:      {Encoding: 0x401a, Class: PureWritable},
	VMExitReason:               {Encoding: 0x4402, Class: RO, HWReadable: true},
	VMExitIntrInfoField:        {Encoding: 0x4404, Class: RO, HWReadable: true},
	VMExitIntrErrorCode:        {Encoding: 0x4406, Class: RO, HWReadable: true},
	VMExitInstructionLen:       {Encoding: 0x440c, Class: RO, HWReadable: true},
	ExitQualification:          {Encoding: 0x6400, Class: RO, HWReadable: true},
	IDTVectoringInfoField:      {Encoding: 0x4408, Class: RO, HWReadable: true},
	IDTVectoringErrorCode:      {Encoding: 0x440a, Class: RO, HWReadable: true},
	GuestLinearAddress:         {Encoding: 0x640a, Class: RO, HWReadable: true},
	GuestPhysicalAddress:       {Encoding: 0x2400, Class: RO, HWReadable: true},
	VMExitMSRStoreAddr:         {Encoding: 0x2006, Class: PureWritable},
	VMExitMSRStoreCount:        {Encoding: 0x400e, Class: PureWritable},
	VMExitMSRLoadAddr:          {Encoding: 0x2008, Class: PureWritable},
	VMExitMSRLoadCount:         {Encoding: 0x4010, Class: PureWritable},
	VMEntryMSRLoadAddr:         {Encoding: 0x200a, Class: PureWritable},
	VMEntryMSRLoadCount:        {Encoding: 0x4014, Class: PureWritable},
	EPTPointer:                 {Encoding: 0x201a, Class: CachedWritable},
}

// Info looks up a field's table entry. A field absent from the table (a
// processor that lacks it, e.g. EPT on a non-EPT CPU) is reported
// Nonexistent rather than panicking; writes to it are dropped.
func Info(f Field) FieldInfo {
	info, ok := fieldTable[f]
	if !ok {
		return FieldInfo{Class: Nonexistent}
	}
	return info
}

// MarkNonexistent tags fields the active processor doesn't support (no
// constructor in this module calls it), e.g. EPTPointer when vmxcap
// reports EPT unavailable -- which cannot happen given vmxcap's
// mandatory-feature assertion, but the mechanism stays general for any
// future optional field.
func MarkNonexistent(f Field) {
	info := fieldTable[f]
	info.Class = Nonexistent
	fieldTable[f] = info
}
