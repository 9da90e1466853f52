package bmalloc

import (
	"fmt"
	"unsafe"
)

// debugHeader is the small record the debug adaptor stores at the head of
// every region it reserves, recording the user block's address and size so
// release can find the red zones again given only the address the caller
// returned.
type debugHeader struct {
	userAddr uintptr
	userSize uintptr
}

var debugHeaderSize = uintptr(unsafe.Sizeof(debugHeader{}))

// DebugAllocator wraps another Allocator (normally a StdlibAllocator) with
// poisoned "bubblewrap" red zones around every block, to catch out-of-bounds
// writes at release time instead of silently corrupting a neighboring
// allocation.
type DebugAllocator struct {
	backing Allocator
}

// NewDebugAllocator wraps backing with red-zone bookkeeping.
func NewDebugAllocator(backing Allocator) *DebugAllocator {
	return &DebugAllocator{backing: backing}
}

// Allocate reserves sizeof(debugHeader) + n + 2*RedZone bytes from the
// backing allocator, fills both guard regions with the sentinel byte, and
// returns the address of the user block in the middle.
func (a *DebugAllocator) Allocate(nbytes uintptr, clean bool) (uintptr, error) {
	if nbytes == 0 {
		return 0, nil
	}

	regionSize := debugHeaderSize + nbytes + 2*RedZone
	base, err := a.backing.Allocate(regionSize, false)
	if err != nil {
		return 0, err
	}

	userAddr := base + debugHeaderSize + RedZone

	h := (*debugHeader)(unsafe.Pointer(base))
	h.userAddr = userAddr
	h.userSize = nbytes

	fillRedZone(base+debugHeaderSize, RedZone)
	fillRedZone(userAddr+nbytes, RedZone)

	if clean {
		zeroMemory(userAddr, int(nbytes))
	}
	return userAddr, nil
}

// Release recovers the region base from the user address, verifies both
// red zones are intact, and terminates the process with a diagnostic on
// any corruption; otherwise it frees the region through the backing
// allocator.
func (a *DebugAllocator) Release(addr *uintptr, nbytes uintptr) error {
	if *addr == 0 {
		return nil
	}

	userAddr := *addr
	base := userAddr - debugHeaderSize - RedZone
	h := (*debugHeader)(unsafe.Pointer(base))

	if h.userAddr != userAddr || h.userSize != nbytes {
		fatalf("DebugAllocator.Release: header mismatch at %#x (got addr=%#x size=%d, want addr=%#x size=%d)",
			base, h.userAddr, h.userSize, userAddr, nbytes)
	}

	checkRedZone("Release", base+debugHeaderSize, RedZone, "leading")
	checkRedZone("Release", userAddr+nbytes, RedZone, "trailing")

	regionSize := debugHeaderSize + nbytes + 2*RedZone
	if err := a.backing.Release(&base, regionSize); err != nil {
		return err
	}
	*addr = 0
	return nil
}

// Reallocate is always allocate-new + copy + release-old, never in place,
// so every size change re-validates both red zones.
func (a *DebugAllocator) Reallocate(addr *uintptr, oldNbytes, newNbytes uintptr, clean bool) (bool, error) {
	if *addr == 0 {
		if oldNbytes != 0 {
			fatalf("DebugAllocator.Reallocate: old address is empty but oldNbytes is nonzero")
		}
		newAddr, err := a.Allocate(newNbytes, clean)
		if err != nil {
			return false, err
		}
		*addr = newAddr
		return true, nil
	}

	newAddr, err := a.Allocate(newNbytes, false)
	if err != nil {
		return false, err
	}

	n := oldNbytes
	if newNbytes < n {
		n = newNbytes
	}
	copyBytes(newAddr, *addr, int(n))
	if clean && newNbytes > oldNbytes {
		zeroMemory(newAddr+oldNbytes, int(newNbytes-oldNbytes))
	}

	old := *addr
	if err := a.Release(&old, oldNbytes); err != nil {
		return false, err
	}

	*addr = newAddr
	return true, nil
}

func (a *DebugAllocator) Dump() string {
	return "debugalloc: red_zone=" + fmt.Sprint(RedZone) + "\n" + a.backing.Dump()
}

func fillRedZone(addr uintptr, n int) {
	zone := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	for i := range zone {
		zone[i] = redZoneByte
	}
}

// checkRedZone verifies n bytes at addr are still all redZoneByte. It counts
// every damaged byte of the zone and, if any is found, prints a diagnostic
// and terminates the process.
func checkRedZone(caller string, addr uintptr, n int, zoneName string) {
	zone := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	damaged := 0
	for _, c := range zone {
		if c != redZoneByte {
			damaged++
		}
	}
	if damaged > 0 {
		corruptf(caller, damaged, zoneName, zone)
	}
}
