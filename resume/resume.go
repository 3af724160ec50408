// Package resume is the vm-entry preparation path: commit
// pending NMI and interrupt injections into the entry-info field (or
// open the corresponding window when injection is blocked), flush the
// VMCS cache, and drive the VMLAUNCH/VMRESUME round trip.
package resume

import (
	"fmt"

	"vmxcore/gcpu"
	"vmxcore/hostcpu"
	"vmxcore/hwbackend"
	"vmxcore/vmcs"
)

// BlockedNMISink records guest-NMI injections the resume path had to
// defer; the IPC manager implements it and replays the injection on the
// next NMI-window exit.
type BlockedNMISink interface {
	IncBlockedGuestNMIInjection(cpu int)
}

const rflagsIF = 1 << 9

// Path is the per-monitor resume state: which guest owns NMIs, where the
// per-CPU pending counters live, and the backend that performs the
// actual entry.
type Path struct {
	hostCPUs *hostcpu.Array
	backend  hwbackend.Backend
	blocked  BlockedNMISink

	// NMIOwnerGuestID is the one guest platform NMIs are delivered to
	NMIOwnerGuestID int
}

// New creates a resume path. blocked may be nil when no IPC manager is
// wired (unit tests); deferred injections are then dropped to the
// NMI-window retry alone.
func New(hostCPUs *hostcpu.Array, backend hwbackend.Backend, blocked BlockedNMISink, nmiOwnerGuestID int) *Path {
	return &Path{
		hostCPUs:        hostCPUs,
		backend:         backend,
		blocked:         blocked,
		NMIOwnerGuestID: nmiOwnerGuestID,
	}
}

// PrepareEntry runs the three pre-entry steps for the gcpu about to run on
// hostCPUID: NMI commit, interrupt commit, cache flush. It never enters
// the guest itself; Enter does.
func (p *Path) PrepareEntry(hostCPUID int, g *gcpu.GCPU) error {
	hc := p.hostCPUs.CPU(hostCPUID)

	if err := p.commitNMI(hostCPUID, hc, g); err != nil {
		return err
	}
	if err := p.commitInterrupt(g); err != nil {
		return err
	}

	g.VMCS.FlushMSRLists()
	nmiPending := func() bool { return hc.PendingNMI.Load() > 0 }
	if err := g.VMCS.Flush(nmiPending); err != nil {
		return fmt.Errorf("resume: flushing vmcs: %w", err)
	}
	return nil
}

// commitNMI is step 1: inject the NMI the IPC dispatcher marked as owed
// to the guest. The mark — not the raw pending counter — is the
// injection source: the NMI-window dispatcher is the single place NMIs
// are attributed to IPC or to the guest, and
// the pending counter is decremented here once the NMI is actually
// observed by an injection.
func (p *Path) commitNMI(hostCPUID int, hc *hostcpu.HostCPU, g *gcpu.GCPU) error {
	if !hc.GuestNMIToInject() {
		return nil
	}
	if g.GuestID != p.NMIOwnerGuestID {
		// Not the NMI owner: the mark stays until the owner's gcpu is
		// scheduled on this CPU.
		return nil
	}
	if g.ActivityState() == gcpu.ActivityWaitForSIPI {
		// A wait-for-SIPI guest cannot take the NMI; drop it for
		// this CPU.
		hc.TakeGuestNMIToInject()
		for hc.PendingNMI.Load() > 0 {
			hc.PendingNMI.Dec()
		}
		return nil
	}

	entryBusy, err := g.EntryInfoPending()
	if err != nil {
		return err
	}
	blockedByNMI, err := g.BlockedByNMI()
	if err != nil {
		return err
	}
	if entryBusy || blockedByNMI {
		// Deferred: record the blocked injection and open the window;
		// the window vm-exit re-marks and retries.
		hc.TakeGuestNMIToInject()
		if p.blocked != nil {
			p.blocked.IncBlockedGuestNMIInjection(hostCPUID)
		}
		g.OpenNMIWindow()
		return nil
	}

	hc.TakeGuestNMIToInject()
	if err := g.InjectNMI(); err != nil {
		return err
	}
	if hc.PendingNMI.Load() > 0 {
		hc.PendingNMI.Dec()
	}
	return nil
}

// commitInterrupt is step 2: inject the highest pending external vector
// when the guest can take it, leave the rest behind, and open the
// interrupt window if any remain.
func (p *Path) commitInterrupt(g *gcpu.GCPU) error {
	if !g.HasPendingIntr() {
		return nil
	}

	injectable := g.ActivityState() == gcpu.ActivityActive || g.ActivityState() == gcpu.ActivityHLT
	rflags, err := g.RFLAGS()
	if err != nil {
		return err
	}
	shadow, err := g.InInterruptShadow()
	if err != nil {
		return err
	}
	entryBusy, err := g.EntryInfoPending()
	if err != nil {
		return err
	}

	if injectable && rflags&rflagsIF != 0 && !shadow && !entryBusy {
		v, ok := g.HighestPendingIntr()
		if ok {
			if err := g.InjectExternalIntr(v); err != nil {
				return err
			}
			g.ClearPendingIntr(v)
		}
	}
	if g.HasPendingIntr() {
		g.OpenInterruptWindow()
	}
	return nil
}

// Enter is step 4: the VMLAUNCH/VMRESUME round trip. On success it
// returns the exit information of the vm-exit that ended this entry.
// On failure the gcpu's vm-entry-fail flag is set and the caller is
// expected to dump state and deadloop.
func (p *Path) Enter(g *gcpu.GCPU, runArea []byte) (hwbackend.RunInfo, error) {
	if err := g.StoreToHardware(); err != nil {
		return hwbackend.RunInfo{}, err
	}
	if err := g.VMCS.EnterGuest(); err != nil {
		g.SetVMEntryFail(true)
		return hwbackend.RunInfo{}, err
	}
	info, err := p.backend.Run(g.VCPUFD(), runArea)
	if err != nil {
		g.SetVMEntryFail(true)
		return hwbackend.RunInfo{}, fmt.Errorf("resume: vm-entry failed: %w", err)
	}
	// Hardware consumes the entry-info field on a successful entry; the
	// cache must agree or every later injection would see it busy.
	g.VMCS.Write(vmcs.VMEntryIntrInfoField, 0)
	if err := g.LoadFromHardware(); err != nil {
		return info, err
	}
	return info, nil
}

// NMIWindowBit re-exports the processor-control bit tests assert on.
const NMIWindowBit = vmcs.NMIWindowBit
