package vmcs

// MSREntry is one (index, value) pair in a VM-exit/VM-entry MSR
// auto-load/store area (Intel SDM §24.7.2/24.8.2).
type MSREntry struct {
	Index uint32
	Value uint64
}

// msrArea is the in-memory backing of one auto-load/store list. The real
// hardware list lives at a physical address the corresponding *Addr
// field points at and is sized by the matching *Count field; this cache
// keeps the list itself in Go memory and treats the address/count VMCS
// fields as bookkeeping the flush writes back for consistency, not as
// the authoritative storage.
type msrArea struct {
	entries []MSREntry
}

// MSRLists is the VMCS cache's MSR auto-load/store list management.
// A Cache owns at most one of each of the three lists.
type MSRLists struct {
	exitStore msrArea
	exitLoad  msrArea
	entryLoad msrArea
}

// AddMSRToExitStoreList appends index to the VM-exit MSR-store list: on
// every vm-exit, hardware saves this MSR's value into the list before
// handing control to the monitor. Used for MSRs the monitor wants to
// observe without a trap on every write.
func (c *Cache) AddMSRToExitStoreList(index uint32) error {
	return c.msrLists.exitStore.add(index, 0)
}

// AddMSRToExitLoadList appends index to the VM-exit MSR-load list:
// hardware reloads this MSR from the list's saved value on every
// vm-exit (the monitor-side restore of an MSR the guest is allowed to
// see a different value for than the host runs with, e.g. TSC-deadline).
func (c *Cache) AddMSRToExitLoadList(index uint32, hostValue uint64) error {
	return c.msrLists.exitLoad.add(index, hostValue)
}

// AddMSRToEntryLoadList appends index to the VM-entry MSR-load list:
// hardware loads this MSR with the given value immediately before every
// vm-entry, for guests whose EFER/PAT must differ from the host's.
func (c *Cache) AddMSRToEntryLoadList(index uint32, guestValue uint64) error {
	return c.msrLists.entryLoad.add(index, guestValue)
}

func (a *msrArea) add(index uint32, value uint64) error {
	for i, e := range a.entries {
		if e.Index == index {
			a.entries[i].Value = value
			return nil
		}
	}
	a.entries = append(a.entries, MSREntry{Index: index, Value: value})
	return nil
}

// ExitStoreList, ExitLoadList and EntryLoadList return the current
// contents of each list, e.g. for a flush routine to serialize into the
// backing physical buffer before VMWRITEing the corresponding *Addr and
// *Count fields.
func (c *Cache) ExitStoreList() []MSREntry { return append([]MSREntry(nil), c.msrLists.exitStore.entries...) }
func (c *Cache) ExitLoadList() []MSREntry  { return append([]MSREntry(nil), c.msrLists.exitLoad.entries...) }
func (c *Cache) EntryLoadList() []MSREntry { return append([]MSREntry(nil), c.msrLists.entryLoad.entries...) }

// FlushMSRLists writes VMExitMSRStoreCount/VMExitMSRLoadCount/
// VMEntryMSRLoadCount into the cache from the current list lengths. The
// *Addr fields are left to the caller (they require a real physical
// buffer address from the HMM, which this package does not own).
func (c *Cache) FlushMSRLists() {
	c.Write(VMExitMSRStoreCount, uint64(len(c.msrLists.exitStore.entries)))
	c.Write(VMExitMSRLoadCount, uint64(len(c.msrLists.exitLoad.entries)))
	c.Write(VMEntryMSRLoadCount, uint64(len(c.msrLists.entryLoad.entries)))
}
