package gcpu

import (
	"fmt"

	"vmxcore/hwbackend"
)

// SegmentReg names a guest segment register.
type SegmentReg int

const (
	SegCS SegmentReg = iota
	SegDS
	SegES
	SegFS
	SegGS
	SegSS
	SegTR
	SegLDT
)

// GetSeg returns the (selector, base, limit, access-rights) tuple for
// seg. Unlike the GP registers, segment state is not mirrored in this
// package's own cache: KVM's GET_SREGS/SET_SREGS ioctl transfers the
// whole segment-register block atomically rather than exposing a
// per-field VMREAD/VMWRITE, so these are thin pass-through accessors
// over hwbackend.Sregs.
func (g *GCPU) GetSeg(seg SegmentReg) (selector uint16, base uint64, limit uint32, ar uint8, err error) {
	s, err := g.backend.GetSregs(g.vcpuFD)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("gcpu: GetSregs: %w", err)
	}
	sg := segOf(seg, s)
	return sg.Selector, sg.Base, sg.Limit, sg.Type, nil
}

func (g *GCPU) SetSeg(seg SegmentReg, selector uint16, base uint64, limit uint32, ar uint8) error {
	s, err := g.backend.GetSregs(g.vcpuFD)
	if err != nil {
		return fmt.Errorf("gcpu: GetSregs: %w", err)
	}
	setSegOf(seg, &s, hwbackend.Segment{Selector: selector, Base: base, Limit: limit, Type: ar, Present: 1})
	if err := g.backend.SetSregs(g.vcpuFD, s); err != nil {
		return fmt.Errorf("gcpu: SetSregs: %w", err)
	}
	return nil
}

func segOf(seg SegmentReg, s hwbackend.Sregs) hwbackend.Segment {
	switch seg {
	case SegCS:
		return s.CS
	case SegDS:
		return s.DS
	case SegES:
		return s.ES
	case SegFS:
		return s.FS
	case SegGS:
		return s.GS
	case SegSS:
		return s.SS
	case SegTR:
		return s.TR
	case SegLDT:
		return s.LDT
	}
	return hwbackend.Segment{}
}

func setSegOf(seg SegmentReg, s *hwbackend.Sregs, v hwbackend.Segment) {
	switch seg {
	case SegCS:
		s.CS = v
	case SegDS:
		s.DS = v
	case SegES:
		s.ES = v
	case SegFS:
		s.FS = v
	case SegGS:
		s.GS = v
	case SegSS:
		s.SS = v
	case SegTR:
		s.TR = v
	case SegLDT:
		s.LDT = v
	}
}
