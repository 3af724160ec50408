package gcpu

import "vmxcore/vmcs"

// GetVisibleCR0 merges the hardware CR0 with the CR0 read-shadow using
// the CR0 guest/host mask, so the guest observes what it wrote to bits
// the mask designates as host-owned.
// visible = (hardware & ^mask) | (shadow & mask)
func (g *GCPU) GetVisibleCR0() (uint64, error) {
	return g.visibleCR(vmcs.GuestCR0, vmcs.CR0ReadShadow, vmcs.CR0GuestHostMask)
}

func (g *GCPU) GetVisibleCR4() (uint64, error) {
	return g.visibleCR(vmcs.GuestCR4, vmcs.CR4ReadShadow, vmcs.CR4GuestHostMask)
}

func (g *GCPU) visibleCR(hw, shadow, mask vmcs.Field) (uint64, error) {
	hwVal, err := g.VMCS.Read(hw)
	if err != nil {
		return 0, err
	}
	shadowVal, err := g.VMCS.Read(shadow)
	if err != nil {
		return 0, err
	}
	maskVal, err := g.VMCS.Read(mask)
	if err != nil {
		return 0, err
	}
	return (hwVal &^ maskVal) | (shadowVal & maskVal), nil
}
