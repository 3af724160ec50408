// Package guest is the Guest (G_i) data model: a small integer
// id, its set of gcpus, and the two guest-scoped roles ("NMI owner",
// "default device owner") the core names but does not itself implement
// policy for.
package guest

import (
	"fmt"

	"vmxcore/gcpu"
	"vmxcore/primitives"
)

func guestVCPULinks(g *gcpu.GCPU) *primitives.ListLinks[gcpu.GCPU] { return &g.GuestLink }

// Guest owns the vcpu list for one guest id.
type Guest struct {
	ID int

	vcpus    *primitives.List[gcpu.GCPU]
	byID     map[int]*gcpu.GCPU
	isNMIOwner    bool
	isDeviceOwner bool
}

// New creates an empty guest.
func New(id int) *Guest {
	return &Guest{
		ID:    id,
		vcpus: primitives.NewList[gcpu.GCPU](guestVCPULinks),
		byID:  make(map[int]*gcpu.GCPU),
	}
}

// AddVCPU appends g to this guest's vcpu list. g.ID must be unique
// within the guest and in [0, vcpu_count).
func (gu *Guest) AddVCPU(g *gcpu.GCPU) error {
	if _, exists := gu.byID[g.ID]; exists {
		return fmt.Errorf("guest: vcpu id %d already registered in guest %d", g.ID, gu.ID)
	}
	gu.vcpus.PushBack(g)
	gu.byID[g.ID] = g
	return nil
}

func (gu *Guest) VCPU(id int) (*gcpu.GCPU, bool) {
	g, ok := gu.byID[id]
	return g, ok
}

func (gu *Guest) VCPUCount() int { return gu.vcpus.Len() }

// ForEachVCPU calls fn for every vcpu in registration order.
func (gu *Guest) ForEachVCPU(fn func(*gcpu.GCPU)) {
	for n := gu.vcpus.Front(); n != nil; n = gu.vcpus.Next(n) {
		fn(n)
	}
}

func (gu *Guest) IsNMIOwner() bool        { return gu.isNMIOwner }
func (gu *Guest) SetNMIOwner(v bool)      { gu.isNMIOwner = v }
func (gu *Guest) IsDefaultDeviceOwner() bool   { return gu.isDeviceOwner }
func (gu *Guest) SetDefaultDeviceOwner(v bool) { gu.isDeviceOwner = v }
