package deadloop

import (
	"io"
	"log"
	"testing"

	"vmxcore/hostcpu"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestRecoverySkipsReset(t *testing.T) {
	hc := hostcpu.NewArray(1)
	h := New(hc, quietLogger())

	raised, recovered, reset := false, false, false
	h.Raise = func(cpu int, file string, line int) { raised = true }
	h.Recover = func(cpu int) bool { recovered = true; return true }
	h.Reset = func() { reset = true }

	h.Deadloop(0, "vmcs.go", 42)
	if !raised || !recovered {
		t.Fatalf("raise/recover = %v/%v, want both", raised, recovered)
	}
	if reset {
		t.Fatalf("successful recovery must not reset the platform")
	}
	// The guard must be re-armed so a later fatal path still works.
	if !hc.CPU(0).EnterDeadloop() {
		t.Fatalf("deadloop guard left set after recovery")
	}
}

func TestFailedRecoveryResets(t *testing.T) {
	hc := hostcpu.NewArray(1)
	h := New(hc, quietLogger())
	reset := false
	h.Recover = func(cpu int) bool { return false }
	h.Reset = func() { reset = true }

	h.Deadloop(0, "ipc.go", 7)
	if !reset {
		t.Fatalf("failed recovery must reset the platform")
	}
}

func TestReentrantDeadloopGoesStraightToReset(t *testing.T) {
	hc := hostcpu.NewArray(1)
	h := New(hc, quietLogger())
	resets, raises := 0, 0
	h.Raise = func(int, string, int) { raises++ }
	// A recovery that itself deadloops: the nested call must not raise
	// or recover again.
	h.Recover = func(cpu int) bool {
		h.Reset = func() { resets++ }
		h.Deadloop(cpu, "nested.go", 1)
		return false
	}
	h.Reset = func() { resets++ }

	h.Deadloop(0, "outer.go", 1)
	if raises != 1 {
		t.Fatalf("EVENT_DEADLOOP raised %d times, want 1", raises)
	}
	if resets != 2 {
		t.Fatalf("resets = %d, want 2 (nested fast-path + outer)", resets)
	}
}

func TestDebugModeHaltsInsteadOfReset(t *testing.T) {
	hc := hostcpu.NewArray(1)
	h := New(hc, quietLogger())
	h.Debug = true
	halted, reset := false, false
	h.Halt = func() { halted = true }
	h.Reset = func() { reset = true }

	h.Deadloop(0, "hmm.go", 3)
	if !halted || reset {
		t.Fatalf("debug build must halt, not reset (halted=%v reset=%v)", halted, reset)
	}
}

func TestAssert(t *testing.T) {
	hc := hostcpu.NewArray(1)
	h := New(hc, quietLogger())
	h.Reset = func() {}
	if !h.Assert(0, true, "x.go", 1) {
		t.Fatalf("true assertion must pass")
	}
	if h.Assert(0, false, "x.go", 2) {
		t.Fatalf("false assertion must report failure")
	}
}
