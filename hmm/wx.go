//go:build linux

package hmm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EnforceWX applies write-xor-execute to a host-backed memory region:
// exactly one of Writable or Executable may be true. This is the
// userspace analogue of keeping CR0.WP set whenever the monitor is
// running — since this monitor's own code runs as an
// ordinary host process rather than in VMX root mode, the guarantee is
// enforced with unix.Mprotect against the mmap'd region backing guest
// or monitor memory, not a control register.
func EnforceWX(region []byte, attrs Attrs) error {
	if attrs.Writable && attrs.Executable {
		return fmt.Errorf("hmm: refusing to map writable and executable together")
	}
	prot := unix.PROT_READ
	if attrs.Writable {
		prot |= unix.PROT_WRITE
	}
	if attrs.Executable {
		prot |= unix.PROT_EXEC
	}
	if err := unix.Mprotect(region, prot); err != nil {
		return fmt.Errorf("hmm: mprotect: %w", err)
	}
	return nil
}

// PatchImmutable briefly relaxes a read-only region to writable, runs fn,
// then restores the original protection — the userspace stand-in for
// "clear CR0.WP, patch, restore CR0.WP".
func PatchImmutable(region []byte, restoreAttrs Attrs, fn func()) error {
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("hmm: mprotect to patch: %w", err)
	}
	fn()
	return EnforceWX(region, restoreAttrs)
}

// LockPages pins region in physical memory so the kernel can never page
// it out from under the monitor: guest memory and per-CPU stacks must
// never be paged.
func LockPages(region []byte) error {
	if err := unix.Mlock(region); err != nil {
		return fmt.Errorf("hmm: mlock: %w", err)
	}
	return nil
}

func UnlockPages(region []byte) error {
	if err := unix.Munlock(region); err != nil {
		return fmt.Errorf("hmm: munlock: %w", err)
	}
	return nil
}
