package vmcs

import "sync/atomic"

// NMIWindowBit is the "NMI-window exiting" bit within the processor-based
// VM-execution controls (Intel SDM bit 22). Virtual-NMI support is
// assumed present, so this is the only path: no interrupt-window
// fallback.
const NMIWindowBit uint64 = 1 << 22

type updateStatus int32

const (
	statusIdle updateStatus = iota
	statusSucceeded
	statusFinished
	statusFailed
)

// nmiFlushState is the per-Cache transactional state: a status word
// the flush loop and the NMI ISR race over.
type nmiFlushState struct {
	status atomic.Int32
}

// flushProcBasedControls is the NMI-window transactional flush: the
// NMI ISR must be able to set the NMI-window bit in the
// processor-based controls even while this function is writing it.
//  1. status := SUCCEEDED
//  2. compute the value to write, OR in the NMI-window bit if nmiPending()
//  3. VMWRITE
//  4. CAS status SUCCEEDED->FINISHED; on failure (the ISR spoiled it by
//     forcing status to FAILED), repeat from step 1.
func (c *Cache) flushProcBasedControls(nmiPending func() bool) error {
	idx := int(ProcBasedVMExecControl)
	for {
		c.nmiFlush.status.Store(int32(statusSucceeded))

		value := c.values[idx]
		if nmiPending != nil && nmiPending() {
			value |= NMIWindowBit
		}

		if err := c.ops.VMWrite(c.vcpuFD, ProcBasedVMExecControl, value); err != nil {
			return err
		}

		if c.nmiFlush.status.CompareAndSwap(int32(statusSucceeded), int32(statusFinished)) {
			c.values[idx] = value
			c.valid.Set(idx)
			c.dirty.Clear(idx)
			return nil
		}
		// CAS failed: the NMI ISR observed this flush in flight and
		// forced status to FAILED after (possibly) ORing the bit in
		// itself. Retry so this flush's write doesn't clobber that.
	}
}

// NMIArrived is the ISR's entry hook: it forces any in-flight
// transactional flush to retry, then directly ORs the NMI-window bit
// into the cached and (if currently VMPTRLD'd) hardware value.
func (c *Cache) NMIArrived() error {
	c.nmiFlush.status.Store(int32(statusFailed))
	idx := int(ProcBasedVMExecControl)
	c.values[idx] |= NMIWindowBit
	c.valid.Set(idx)
	if c.state != Current {
		c.dirty.Set(idx)
		return nil
	}
	return c.ops.VMWrite(c.vcpuFD, ProcBasedVMExecControl, c.values[idx])
}
