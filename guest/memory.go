package guest

import "fmt"

// Memory is one guest's physical address space:
// a flat byte-addressed backing the gcpu page walker and the
// copy_from_gva/copy_to_gva primitives dereference guest frames
// through. The backing slice is typically the mmap'd region registered
// with the backend as the guest's memory slot, so reads and writes here
// are the guest's actual RAM.
type Memory struct {
	backing []byte
}

// NewMemory wraps backing as a guest physical map starting at GPA 0.
func NewMemory(backing []byte) *Memory { return &Memory{backing: backing} }

func (m *Memory) Size() uint64 { return uint64(len(m.backing)) }

// Bytes exposes the raw backing, e.g. for the backend memory-slot
// registration.
func (m *Memory) Bytes() []byte { return m.backing }

func (m *Memory) check(gpa uint64, n int) error {
	if gpa+uint64(n) > uint64(len(m.backing)) || gpa+uint64(n) < gpa {
		return fmt.Errorf("guest: gpa %#x+%d outside guest memory (%d bytes)", gpa, n, len(m.backing))
	}
	return nil
}

// ReadGPA copies guest physical memory into buf.
func (m *Memory) ReadGPA(gpa uint64, buf []byte) error {
	if err := m.check(gpa, len(buf)); err != nil {
		return err
	}
	copy(buf, m.backing[gpa:])
	return nil
}

// WriteGPA copies buf into guest physical memory.
func (m *Memory) WriteGPA(gpa uint64, buf []byte) error {
	if err := m.check(gpa, len(buf)); err != nil {
		return err
	}
	copy(m.backing[gpa:], buf)
	return nil
}

// LoadBinary places a flat binary image (bootloader, kernel) at the
// given guest physical address.
func (m *Memory) LoadBinary(image []byte, gpa uint64) error {
	if err := m.check(gpa, len(image)); err != nil {
		return fmt.Errorf("guest: binary does not fit: %w", err)
	}
	copy(m.backing[gpa:], image)
	return nil
}
