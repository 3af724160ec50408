package scheduler

import (
	"testing"

	"vmxcore/gcpu"
	"vmxcore/hwbackend"
	"vmxcore/vmcs"
)

type recordingRaiser struct {
	events []Event
	gcpus  []*gcpu.GCPU
}

func (r *recordingRaiser) Raise(e Event, g *gcpu.GCPU) {
	r.events = append(r.events, e)
	r.gcpus = append(r.gcpus, g)
}

func newTestGCPU(t *testing.T, id int) *gcpu.GCPU {
	t.Helper()
	backend := hwbackend.NewFakeBackend()
	vmFD, _ := backend.CreateVM()
	vcpuFD, _, _ := backend.CreateVCPU(vmFD)
	cache := vmcs.New(vmcs.BackendOps{Backend: backend}, vcpuFD)
	if err := cache.Activate(0); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := cache.Deactivate(); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	return gcpu.New(id, 0, cache, backend, vcpuFD, nil)
}

func TestSelectInitialGCPU(t *testing.T) {
	s := New(1, nil)
	g0 := newTestGCPU(t, 0)
	if err := s.RegisterGCPU(g0, 0, true); err != nil {
		t.Fatalf("RegisterGCPU: %v", err)
	}
	picked, err := s.SelectInitialGCPU(0)
	if err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}
	if picked != g0 {
		t.Fatalf("picked wrong gcpu")
	}
	if s.CurrentGCPU(0) != g0 {
		t.Fatalf("CurrentGCPU should be g0 after select")
	}
}

func TestSelectNextGCPUWrapsAndRaisesEvents(t *testing.T) {
	raiser := &recordingRaiser{}
	s := New(1, raiser)
	g0 := newTestGCPU(t, 0)
	g1 := newTestGCPU(t, 1)
	if err := s.RegisterGCPU(g0, 0, true); err != nil {
		t.Fatalf("RegisterGCPU g0: %v", err)
	}
	if err := s.RegisterGCPU(g1, 0, true); err != nil {
		t.Fatalf("RegisterGCPU g1: %v", err)
	}
	if _, err := s.SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}

	next, err := s.SelectNextGCPU(0)
	if err != nil {
		t.Fatalf("SelectNextGCPU: %v", err)
	}
	if next != g1 {
		t.Fatalf("expected to advance to g1")
	}

	next, err = s.SelectNextGCPU(0)
	if err != nil {
		t.Fatalf("SelectNextGCPU (wrap): %v", err)
	}
	if next != g0 {
		t.Fatalf("expected to wrap back to g0")
	}

	if len(raiser.events) < 4 {
		t.Fatalf("expected swap-out/swap-in events for each switch, got %d", len(raiser.events))
	}
}

func TestScheduleGCPUToSameCurrentIsNoop(t *testing.T) {
	raiser := &recordingRaiser{}
	s := New(1, raiser)
	g0 := newTestGCPU(t, 0)
	if err := s.RegisterGCPU(g0, 0, true); err != nil {
		t.Fatalf("RegisterGCPU: %v", err)
	}
	if _, err := s.SelectInitialGCPU(0); err != nil {
		t.Fatalf("SelectInitialGCPU: %v", err)
	}
	before := len(raiser.events)
	if err := s.ScheduleGCPU(0, g0); err != nil {
		t.Fatalf("ScheduleGCPU: %v", err)
	}
	if len(raiser.events) != before {
		t.Fatalf("scheduling the already-current gcpu should not raise swap events")
	}
}
