// Package scheduler is the per-physical-CPU gcpu scheduler:
// one ready list per physical CPU, a current-gcpu pointer, and the
// swap-in/swap-out discipline that moves register state and VMCS
// ownership between gcpus scheduled onto the same physical CPU.
package scheduler

import (
	"fmt"

	"vmxcore/gcpu"
	"vmxcore/primitives"
)

// Event names the scheduler raises around a swap. Concrete
// subscribers (DR/CR isolation, APIC virtualization) are out of this
// core's scope; this package only defines the names and the
// raise point.
type Event int

const (
	EventGCPUSwapIn Event = iota
	EventGCPUSwapOut
)

// EventRaiser is the seam to the event bus; the core defines only the
// event names and the raise points.
type EventRaiser interface {
	Raise(event Event, g *gcpu.GCPU)
}

type noopRaiser struct{}

func (noopRaiser) Raise(Event, *gcpu.GCPU) {}

// perCPU is one physical CPU's scheduling state: the list of gcpus
// assigned to it and the currently
// running one.
type perCPU struct {
	list    *primitives.List[gcpu.GCPU]
	current *gcpu.GCPU
	ready   map[*gcpu.GCPU]bool
}

// Scheduler owns every physical CPU's ready list. Registration is
// protected by a global
// read/write lock; lookups of the current gcpu take its read side and
// return a per-physical-CPU pointer.
type Scheduler struct {
	regLock primitives.RWLock
	cpus    []perCPU
	raiser  EventRaiser
}

// hostCPULinks is the accessor the intrusive list over the scheduler's
// per-physical-CPU queue uses, reaching into gcpu.GCPU's own
// next-same-host-cpu link.
func hostCPULinks(g *gcpu.GCPU) *primitives.ListLinks[gcpu.GCPU] { return &g.SchedLink }

// New creates a scheduler for numHostCPUs physical CPUs. raiser may be
// nil, in which case swap events are dropped (useful for unit tests that
// don't care about the event bus).
func New(numHostCPUs int, raiser EventRaiser) *Scheduler {
	if raiser == nil {
		raiser = noopRaiser{}
	}
	s := &Scheduler{cpus: make([]perCPU, numHostCPUs), raiser: raiser}
	for i := range s.cpus {
		s.cpus[i] = perCPU{
			list:  primitives.NewList[gcpu.GCPU](hostCPULinks),
			ready: make(map[*gcpu.GCPU]bool),
		}
	}
	return s
}

// RegisterGCPU appends g to hostCPUID's ready list under the
// registration write lock. If readyNow is
// true, g becomes immediately selectable by SelectNextGCPU/
// SelectInitialGCPU.
func (s *Scheduler) RegisterGCPU(g *gcpu.GCPU, hostCPUID int, readyNow bool) error {
	if hostCPUID < 0 || hostCPUID >= len(s.cpus) {
		return fmt.Errorf("scheduler: host cpu %d out of range", hostCPUID)
	}
	s.regLock.Lock()
	defer s.regLock.Unlock()
	cpu := &s.cpus[hostCPUID]
	cpu.list.PushBack(g)
	if readyNow {
		cpu.ready[g] = true
	}
	return nil
}

// CurrentGCPU is an O(1) read of hostCPUID's current gcpu pointer.
func (s *Scheduler) CurrentGCPU(hostCPUID int) *gcpu.GCPU {
	s.regLock.RLock()
	defer s.regLock.RUnlock()
	return s.cpus[hostCPUID].current
}

// SelectInitialGCPU picks the first ready gcpu on hostCPUID's list and
// swaps it in.
func (s *Scheduler) SelectInitialGCPU(hostCPUID int) (*gcpu.GCPU, error) {
	s.regLock.Lock()
	defer s.regLock.Unlock()
	cpu := &s.cpus[hostCPUID]
	for n := cpu.list.Front(); n != nil; n = cpu.list.Next(n) {
		if cpu.ready[n] {
			if err := s.swapIn(cpu, n, hostCPUID); err != nil {
				return nil, err
			}
			return n, nil
		}
	}
	return nil, fmt.Errorf("scheduler: no ready gcpu on host cpu %d", hostCPUID)
}

// SelectNextGCPU advances along hostCPUID's list, wrapping to the head,
// and swaps if the chosen gcpu differs from the current one.
func (s *Scheduler) SelectNextGCPU(hostCPUID int) (*gcpu.GCPU, error) {
	s.regLock.Lock()
	defer s.regLock.Unlock()
	cpu := &s.cpus[hostCPUID]
	if cpu.list.Empty() {
		return nil, fmt.Errorf("scheduler: host cpu %d has no gcpus", hostCPUID)
	}
	var next *gcpu.GCPU
	if cpu.current == nil {
		next = cpu.list.Front()
	} else {
		next = cpu.list.Next(cpu.current)
		if next == nil {
			next = cpu.list.Front()
		}
	}
	if next != cpu.current {
		if err := s.swap(cpu, next, hostCPUID); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// ScheduleGCPU switches hostCPUID to the named gcpu explicitly, the same
// swap discipline as SelectNextGCPU.
func (s *Scheduler) ScheduleGCPU(hostCPUID int, g *gcpu.GCPU) error {
	s.regLock.Lock()
	defer s.regLock.Unlock()
	cpu := &s.cpus[hostCPUID]
	if cpu.current == g {
		return nil
	}
	return s.swap(cpu, g, hostCPUID)
}

func (s *Scheduler) swap(cpu *perCPU, next *gcpu.GCPU, hostCPUID int) error {
	if cpu.current != nil {
		s.swapOut(cpu.current)
	}
	return s.swapIn(cpu, next, hostCPUID)
}

// swapIn restores GPRs into the hardware save area, installs next's
// VMCS as current, and raises EVENT_GCPU_SWAPIN.
func (s *Scheduler) swapIn(cpu *perCPU, next *gcpu.GCPU, hostCPUID int) error {
	if err := next.StoreToHardware(); err != nil {
		return fmt.Errorf("scheduler: swap-in store to hardware: %w", err)
	}
	if err := next.VMCS.Activate(hostCPUID); err != nil {
		return fmt.Errorf("scheduler: swap-in activating vmcs: %w", err)
	}
	cpu.current = next
	s.raiser.Raise(EventGCPUSwapIn, next)
	return nil
}

// swapOut copies GPRs from the hardware save area into the gcpu's own
// storage and raises EVENT_GCPU_SWAPOUT.
func (s *Scheduler) swapOut(cur *gcpu.GCPU) {
	_ = cur.LoadFromHardware()
	s.raiser.Raise(EventGCPUSwapOut, cur)
}
