package devices

import "fmt"

// ResetPortNumber is the PCI reset-control register: the fatal path writes 0x00 then 0x06 here to force a
// system+CPU reset in release builds.
const ResetPortNumber = 0xCF9

const (
	resetSystem = 0x02
	resetCPU    = 0x04
)

// ResetController models port 0xCF9. A write with both the system and
// CPU reset bits set fires the platform reset callback; everything else
// just latches.
type ResetController struct {
	last    byte
	onReset func()
}

// NewResetController creates the controller; onReset fires on the reset
// sequence and, on real hardware, never returns.
func NewResetController(onReset func()) *ResetController {
	return &ResetController{onReset: onReset}
}

func (r *ResetController) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if port != ResetPortNumber {
		return fmt.Errorf("%w: %#x", ErrUnhandledPort, port)
	}
	if direction == IODirIn {
		if len(data) > 0 {
			data[0] = r.last
		}
		return nil
	}
	if len(data) < 1 {
		return fmt.Errorf("devices: empty write to reset port")
	}
	val := data[0]
	r.last = val
	if val&(resetSystem|resetCPU) == resetSystem|resetCPU && r.onReset != nil {
		r.onReset()
	}
	return nil
}

// Trigger performs the canonical 0x00-then-0x06 sequence through bus,
// the exact writes the deadloop path issues.
func (r *ResetController) Trigger(bus *IOBus) error {
	for _, val := range []byte{0x00, resetSystem | resetCPU} {
		if err := bus.HandleIO(ResetPortNumber, IODirOut, 1, []byte{val}); err != nil {
			return err
		}
	}
	return nil
}
