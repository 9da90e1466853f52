// Package bmalloc implements a pluggable memory allocator layer whose
// centerpiece is a bitmap-based sub-allocator for small objects packed into
// anonymous OS pages, with large objects served directly by the OS paging
// facility. Three interchangeable strategies share one Allocator interface:
// BitmapAllocator (the core), StdlibAllocator (a thin adaptor over Go's own
// runtime allocator) and DebugAllocator (red-zone corruption detection).
package bmalloc

import "sync/atomic"

// UnitSize is the atomic allocation quantum in bytes. It must be a power of
// two and at least as wide as a pointer; 16 comfortably covers both 32- and
// 64-bit targets.
const UnitSize = 16

// RedZone is the width, in bytes, of each sentinel-filled guard region the
// debug adaptor places around a user block.
const RedZone = 32

// redZoneByte is the sentinel fill value for a debug-adaptor guard region.
const redZoneByte = 0xFF

// Allocator is the capability set shared by every concrete strategy:
// allocate, reallocate (old size supplied explicitly), release (size
// supplied explicitly, since BitmapAllocator does not store block sizes)
// and a diagnostic dump. This is the idiomatic-Go rendition of the
// function-pointer capability record the design notes describe — a plain
// interface value in place of the table of operation pointers.
type Allocator interface {
	// Allocate returns the address of a fresh block of at least nbytes, or
	// an error if the request could not be satisfied. If clean is true the
	// first nbytes of the returned block are guaranteed zero.
	Allocate(nbytes uintptr, clean bool) (uintptr, error)

	// Reallocate resizes the block at *addr from oldNbytes to newNbytes,
	// updating *addr in place and reporting whether the address changed.
	// A failure leaves *addr untouched.
	Reallocate(addr *uintptr, oldNbytes, newNbytes uintptr, clean bool) (addrChanged bool, err error)

	// Release frees the block at *addr, which was allocated (or last
	// reallocated) with the given size, and clears *addr to zero.
	Release(addr *uintptr, nbytes uintptr) error

	// Dump renders a diagnostic description of the allocator's internal
	// state for debugging.
	Dump() string
}

var defaultInstance atomic.Value // holds Allocator

// Init installs a as the process-wide default allocator, running a's own
// setup first (computing unit geometry, creating the superblock, and so on).
// Most programs call this once at startup and use the package-level
// convenience wrappers thereafter; explicit instances remain usable on
// their own for programs that want more than one allocator live at once.
func Init(a Allocator) error {
	if initer, ok := a.(interface{ init() error }); ok {
		if err := initer.init(); err != nil {
			return err
		}
	}
	defaultInstance.Store(&a)
	return nil
}

// Default returns the process-wide default allocator installed by Init, or
// nil if Init has never been called.
func Default() Allocator {
	v, _ := defaultInstance.Load().(*Allocator)
	if v == nil {
		return nil
	}
	return *v
}

// Allocate calls Allocate on the default allocator.
func Allocate(nbytes uintptr, clean bool) (uintptr, error) {
	return Default().Allocate(nbytes, clean)
}

// Reallocate calls Reallocate on the default allocator.
func Reallocate(addr *uintptr, oldNbytes, newNbytes uintptr, clean bool) (bool, error) {
	return Default().Reallocate(addr, oldNbytes, newNbytes, clean)
}

// Release calls Release on the default allocator.
func Release(addr *uintptr, nbytes uintptr) error {
	return Default().Release(addr, nbytes)
}

// Dump calls Dump on the default allocator.
func Dump() string {
	return Default().Dump()
}
