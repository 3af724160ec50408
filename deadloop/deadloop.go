// Package deadloop is the monitor's fatal-error path: record
// the failing file/line, raise the deadloop event so subscribers can
// dump state, attempt one recovery injection into guest-0, and
// otherwise reset the platform (release) or halt (debug). The per-CPU
// guard in hostcpu stops a faulting deadloop handler from recursing.
package deadloop

import (
	"log"

	"vmxcore/hostcpu"
)

// Handler is the configured fatal path. The three hook points keep this
// package free of upward dependencies: the monitor wires Raise to the
// event bus, Recover to "inject #GP0 into guest-0's current gcpu", and
// Reset to the 0xCF9 reset controller.
type Handler struct {
	hostCPUs *hostcpu.Array
	logger   *log.Logger

	// Debug selects halt-after-dump over platform reset.
	Debug bool

	// Raise announces EVENT_DEADLOOP to subscribers before any recovery
	// or reset is attempted. May be nil.
	Raise func(cpu int, file string, line int)

	// Recover attempts the one permitted survival path: if the
	// current gcpu belongs to guest-0, inject #GP0 and resume. Returns
	// whether the injection was performed. May be nil.
	Recover func(cpu int) bool

	// Reset triggers the platform reset (port 0xCF9). May be nil, in
	// which case Halt runs instead.
	Reset func()

	// Halt parks the CPU in debug builds; overridable so tests don't
	// block. Defaults to blocking forever on an empty select.
	Halt func()
}

// New creates a handler over the per-CPU guard table.
func New(hostCPUs *hostcpu.Array, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		hostCPUs: hostCPUs,
		logger:   logger,
		Halt: func() {
			select {}
		},
	}
}

// Deadloop is the fatal entry point. It returns only when the recovery
// injection succeeded; every other path ends in Reset or Halt.
func (h *Handler) Deadloop(cpu int, file string, line int) {
	hc := h.hostCPUs.CPU(cpu)
	if !hc.EnterDeadloop() {
		// Re-entered: the deadloop handler itself faulted. No event, no
		// recovery; straight to reset.
		h.fatal(cpu, file, line)
		return
	}

	h.logger.Printf("deadloop: cpu %d at %s:%d", cpu, file, line)
	if h.Raise != nil {
		h.Raise(cpu, file, line)
	}
	if h.Recover != nil && h.Recover(cpu) {
		hc.ClearDeadloop()
		return
	}
	h.fatal(cpu, file, line)
}

func (h *Handler) fatal(cpu int, file string, line int) {
	if h.Debug || h.Reset == nil {
		h.logger.Printf("deadloop: cpu %d halting (debug) at %s:%d", cpu, file, line)
		h.Halt()
		return
	}
	h.Reset()
}

// Assert checks a monitor invariant: on failure it runs the full
// deadloop sequence and reports false so a surviving caller can back
// out.
func (h *Handler) Assert(cpu int, cond bool, file string, line int) bool {
	if cond {
		return true
	}
	h.Deadloop(cpu, file, line)
	return false
}
