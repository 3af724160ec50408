package vmcs

import (
	"fmt"

	"vmxcore/primitives"
)

// ActivationState is the VMCS activation lifecycle state.
type ActivationState int

const (
	NeverActivated ActivationState = iota
	NotCurrent
	Current
)

// Cache is the software mirror of one hardware VMCS. Every Read/Write
// goes through here first; nothing in this package ever lets a caller
// see a stale RO field past a vm-exit boundary (InvalidateReadOnly does
// that at the dispatcher's preamble).
type Cache struct {
	ops   HardwareOps
	vcpuFD int

	values []uint64
	valid  *primitives.BitSet
	dirty  *primitives.BitSet

	state        ActivationState
	ownerHostCPU int
	launched     bool

	nmiFlush nmiFlushState
	msrLists MSRLists
}

// New creates a VMCS cache bound to vcpuFD, all fields invalid, dirty
// bits clear, state NeverActivated.
func New(ops HardwareOps, vcpuFD int) *Cache {
	return &Cache{
		ops:    ops,
		vcpuFD: vcpuFD,
		values: make([]uint64, numFields),
		valid:  primitives.NewBitSet(int(numFields)),
		dirty:  primitives.NewBitSet(int(numFields)),
		state:  NeverActivated,
	}
}

func (c *Cache) State() ActivationState { return c.state }
func (c *Cache) Launched() bool         { return c.launched }
func (c *Cache) OwnerHostCPU() int      { return c.ownerHostCPU }

// MarkLaunched sets the launched flag, forcing VMRESUME from then on.
// EnterGuest sets the same flag itself after a successful VMLAUNCH.
func (c *Cache) MarkLaunched() { c.launched = true }

// Activate performs the VMPTRLD transition: state becomes Current,
// ownerHostCPU is recorded. Once written, the VMCS must not be made
// current on any other physical CPU until it is flushed to memory.
func (c *Cache) Activate(hostCPU int) error {
	if c.state == Current && c.ownerHostCPU != hostCPU {
		return fmt.Errorf("vmcs: cannot activate on host cpu %d: owned by %d until flushed", hostCPU, c.ownerHostCPU)
	}
	if err := c.ops.VMPTRLD(c.vcpuFD); err != nil {
		return fmt.Errorf("vmcs: VMPTRLD: %w", err)
	}
	c.state = Current
	c.ownerHostCPU = hostCPU
	return nil
}

// Deactivate issues VMCLEAR and reverts the VMCS to NotCurrent, used when
// scheduling a gcpu away to a physical CPU its VMCS does not own.
func (c *Cache) Deactivate() error {
	if c.state != Current {
		return nil
	}
	if err := c.ops.VMCLEAR(c.vcpuFD); err != nil {
		return fmt.Errorf("vmcs: VMCLEAR: %w", err)
	}
	c.state = NotCurrent
	return nil
}

// Read returns field's value, refreshing the cache from hardware first
// when necessary. A VMCS that was never activated always reads 0 without
// touching hardware.
func (c *Cache) Read(f Field) (uint64, error) {
	info := Info(f)
	if info.Class == Nonexistent {
		return 0, nil
	}
	if c.state == NeverActivated {
		return 0, nil
	}
	idx := int(f)
	if c.valid.Test(idx) {
		return c.values[idx], nil
	}
	if !info.HWReadable {
		// Pure-writable field never written: cache-authoritative zero.
		return 0, nil
	}
	v, err := c.ops.VMRead(c.vcpuFD, f)
	if err != nil {
		return 0, fmt.Errorf("vmcs: reading field %v: %w", f, err)
	}
	c.values[idx] = v
	c.valid.Set(idx)
	return v, nil
}

// Write sets field's cached value and marks it dirty. Writes to RO or
// Nonexistent fields are no-ops.
func (c *Cache) Write(f Field, value uint64) {
	info := Info(f)
	if info.Class == RO || info.Class == Nonexistent {
		return
	}
	idx := int(f)
	c.values[idx] = value
	c.valid.Set(idx)
	c.dirty.Set(idx)
}

// Prime sets field's cached value directly from a hardware-reported
// source without going through HardwareOps.VMRead or the dirty bitmap.
// This is the vehicle the vm-exit dispatcher's preamble uses to populate
// RO exit-info fields from the kvm_run page's decoded RunInfo: KVM surfaces exit reason/qualification/IDT-vectoring info
// through that shared page rather than a raw VMREAD ioctl, so the
// dispatcher primes the cache with what the page already told it instead
// of this package re-deriving a VMREAD that does not exist on this
// backend.
func (c *Cache) Prime(f Field, value uint64) {
	idx := int(f)
	c.values[idx] = value
	c.valid.Set(idx)
}

// InvalidateReadOnly marks every RO field's cache entry invalid. Called
// at the entry of every vm-exit handler so the next Read of an exit-info field pulls fresh
// hardware state instead of a value cached from a previous exit.
func (c *Cache) InvalidateReadOnly() {
	for f, info := range fieldTable {
		if info.Class == RO {
			c.valid.Clear(int(f))
		}
	}
}

// EnterGuest issues the vm-entry instruction for this VMCS: VMLAUNCH on
// the first entry, VMRESUME ever after. The VMCS must be current and should already be flushed.
func (c *Cache) EnterGuest() error {
	if c.state != Current {
		return fmt.Errorf("vmcs: vm-entry requires the VMCS to be current")
	}
	if !c.launched {
		if err := c.ops.VMLaunch(c.vcpuFD); err != nil {
			return fmt.Errorf("vmcs: VMLAUNCH: %w", err)
		}
		c.launched = true
		return nil
	}
	if err := c.ops.VMResume(c.vcpuFD); err != nil {
		return fmt.Errorf("vmcs: VMRESUME: %w", err)
	}
	return nil
}

// Flush walks the dirty bitmap and VMWRITEs every dirty field except
// ProcBasedVMExecControl, which goes through the transactional procedure
// in flush.go because the NMI ISR can write it concurrently. Dirty bits
// are cleared as each field is written back.
func (c *Cache) Flush(nmiPending func() bool) error {
	if c.state != Current {
		return fmt.Errorf("vmcs: flush requires the VMCS to be current")
	}
	for idx := 0; idx < int(numFields); idx++ {
		f := Field(idx)
		if f == ProcBasedVMExecControl {
			continue
		}
		if !c.dirty.Test(idx) {
			continue
		}
		if err := c.ops.VMWrite(c.vcpuFD, f, c.values[idx]); err != nil {
			return fmt.Errorf("vmcs: flushing field %v: %w", f, err)
		}
		c.dirty.Clear(idx)
	}
	return c.flushProcBasedControls(nmiPending)
}
