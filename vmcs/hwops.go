package vmcs

import (
	"fmt"

	"vmxcore/hwbackend"
)

// HardwareOps is the seam between the cache and the actual VMX
// transition. A userspace monitor cannot VMPTRLD/VMREAD/VMWRITE itself;
// every field this cache tracks either round-trips through a KVM ioctl
// BackendOps knows about, or — for fields KVM manages internally and
// never exposes raw (the exception bitmap, the MSR auto-load/store list
// pointers, the processor-based controls) — is cache-authoritative: the
// write lands in the cache, Flush calls VMWrite as a no-op acknowledgment,
// and the next Read returns the cached value without ever touching
// hardware again. This keeps write-then-flush-then-read round-trips
// exact without requiring a raw VMCS ioctl that KVM does not provide
// to userspace.
type HardwareOps interface {
	VMPTRLD(vcpuFD int) error
	VMCLEAR(vcpuFD int) error
	VMRead(vcpuFD int, f Field) (uint64, error)
	VMWrite(vcpuFD int, f Field, value uint64) error
	VMLaunch(vcpuFD int) error
	VMResume(vcpuFD int) error
}

// BackendOps implements HardwareOps against a hwbackend.Backend. It maps
// the subset of fields that have a direct KVM equivalent (guest RIP/RSP/
// RFLAGS/CR0/CR3/CR4 through GetRegs/SetRegs and GetSregs/SetSregs) and
// treats every other field as cache-only, as described above.
type BackendOps struct {
	Backend hwbackend.Backend
}

func (o BackendOps) VMPTRLD(vcpuFD int) error { return nil }
func (o BackendOps) VMCLEAR(vcpuFD int) error { return nil }

func (o BackendOps) VMRead(vcpuFD int, f Field) (uint64, error) {
	switch f {
	case GuestRIP, GuestRSP, GuestRFLAGS:
		r, err := o.Backend.GetRegs(vcpuFD)
		if err != nil {
			return 0, fmt.Errorf("vmcs: VMREAD %v: %w", f, err)
		}
		return regField(f, r), nil
	case GuestCR0, GuestCR3, GuestCR4:
		s, err := o.Backend.GetSregs(vcpuFD)
		if err != nil {
			return 0, fmt.Errorf("vmcs: VMREAD %v: %w", f, err)
		}
		return sregField(f, s), nil
	default:
		return 0, nil
	}
}

func (o BackendOps) VMWrite(vcpuFD int, f Field, value uint64) error {
	switch f {
	case GuestRIP, GuestRSP, GuestRFLAGS:
		r, err := o.Backend.GetRegs(vcpuFD)
		if err != nil {
			return fmt.Errorf("vmcs: VMWRITE %v: %w", f, err)
		}
		setRegField(f, &r, value)
		return o.Backend.SetRegs(vcpuFD, r)
	case GuestCR0, GuestCR3, GuestCR4:
		s, err := o.Backend.GetSregs(vcpuFD)
		if err != nil {
			return fmt.Errorf("vmcs: VMWRITE %v: %w", f, err)
		}
		setSregField(f, &s, value)
		return o.Backend.SetSregs(vcpuFD, s)
	default:
		return nil
	}
}

func (o BackendOps) VMLaunch(vcpuFD int) error { return nil }
func (o BackendOps) VMResume(vcpuFD int) error { return nil }

func regField(f Field, r hwbackend.Regs) uint64 {
	switch f {
	case GuestRIP:
		return r.RIP
	case GuestRSP:
		return r.RSP
	case GuestRFLAGS:
		return r.RFLAGS
	}
	return 0
}

func setRegField(f Field, r *hwbackend.Regs, v uint64) {
	switch f {
	case GuestRIP:
		r.RIP = v
	case GuestRSP:
		r.RSP = v
	case GuestRFLAGS:
		r.RFLAGS = v
	}
}

func sregField(f Field, s hwbackend.Sregs) uint64 {
	switch f {
	case GuestCR0:
		return s.CR0
	case GuestCR3:
		return s.CR3
	case GuestCR4:
		return s.CR4
	}
	return 0
}

func setSregField(f Field, s *hwbackend.Sregs, v uint64) {
	switch f {
	case GuestCR0:
		s.CR0 = v
	case GuestCR3:
		s.CR3 = v
	case GuestCR4:
		s.CR4 = v
	}
}
