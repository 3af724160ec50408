package vmxcap

import "unsafe"

// unsafeBytesAt views an already-mapped host virtual page as a byte
// slice so AllocateVMCSRegion can zero it and stamp the revision id
// without a second copy.
func unsafeBytesAt(hva uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(hva)), size)
}
