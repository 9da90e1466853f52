package bmalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapPages requests nbytes of fresh anonymous, private, read+write memory
// from the OS, rounded up to whole OS pages.
//
// Freshly mmap'd memory is always zero already; when clean is true the
// block is zeroed once more anyway.
func mapPages(nbytes int, clean bool) (uintptr, error) {
	buf, err := unix.Mmap(-1, 0, nbytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, ErrOutOfMemory
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	if clean {
		zeroMemory(addr, nbytes)
	}
	return addr, nil
}

// unmapPages releases nbytes of OS pages starting at addr. nbytes must be
// the same (OS-page-rounded) length used to map the region, or the kernel's
// unmap length disagrees with the mapped length.
func unmapPages(addr uintptr, nbytes int) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), nbytes)
	if err := unix.Munmap(buf); err != nil {
		fatalf("unmapPages: munmap(%#x, %d) failed: %v", addr, nbytes, err)
	}
	return nil
}

// remapPages changes the size of an existing OS mapping. If the sizes are
// equal this is a no-op and nothing is zeroed, whatever clean says. If
// growing, mayMove must be true and the returned address may differ from
// addr; if shrinking, the mapping never moves. Post-remap memory beyond the
// old size may carry stale contents, so clean must be honored explicitly.
func remapPages(addr uintptr, oldN, newN int, clean, mayMove bool) (uintptr, bool, error) {
	if newN == oldN {
		return addr, false, nil
	}

	flags := 0
	if mayMove {
		flags = unix.MREMAP_MAYMOVE
	}

	oldBuf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), oldN)
	newBuf, err := unix.Mremap(oldBuf, newN, flags)
	if err != nil {
		return 0, false, ErrOutOfMemory
	}

	newAddr := uintptr(unsafe.Pointer(&newBuf[0]))
	moved := newAddr != addr

	if clean && newN > oldN {
		zeroMemory(newAddr+uintptr(oldN), newN-oldN)
	}
	return newAddr, moved, nil
}

func zeroMemory(addr uintptr, n int) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	for i := range buf {
		buf[i] = 0
	}
}

// sysPageSize returns the OS page size, queried once at Init time.
func sysPageSize() int {
	return unix.Getpagesize()
}
