package bmalloc

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// BitmapAllocator is the core strategy: small objects are packed into
// bitmap-tracked OS pages managed through a superblock; large objects are
// mapped directly.
type BitmapAllocator struct {
	unitSize int
	pageSize int

	headerUnits  int
	unitsPerPage int
	maxDataUnits int
	bitmapWords  int

	sb *superblock

	blocksAllocated int64
	numBmPages      int64
}

// NewBitmapAllocator constructs a BitmapAllocator using UnitSize as its unit
// size. Callers pass the result to Init (directly, or via bmalloc.Init) to
// finish setup.
func NewBitmapAllocator() *BitmapAllocator {
	return &BitmapAllocator{unitSize: UnitSize}
}

// init computes this allocator's page geometry and prepares its superblock.
// It is invoked by bmalloc.Init via the unexported initializer hook rather
// than being exported itself, matching the design note that a bitmap
// allocator's setup is internal to the capability record, not part of the
// shared Allocator contract.
func (a *BitmapAllocator) init() error {
	a.pageSize = sysPageSize()
	a.unitsPerPage = a.pageSize / a.unitSize
	a.bitmapWords = (a.unitsPerPage + wordBits - 1) / wordBits

	headerBytes := int(unsafe.Sizeof(bmPageHeader{})) + a.bitmapWords*8
	a.headerUnits = (headerBytes + a.unitSize - 1) / a.unitSize
	a.maxDataUnits = a.unitsPerPage - a.headerUnits

	a.sb = newSuperblock(a.unitsPerPage)
	return nil
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}

// Allocate implements the Allocator interface.
func (a *BitmapAllocator) Allocate(nbytes uintptr, clean bool) (uintptr, error) {
	if nbytes == 0 {
		return 0, nil
	}

	u := ceilDiv(int(nbytes), a.unitSize)

	var addr uintptr
	if u < a.maxDataUnits {
		var err error
		addr, err = a.allocateSmall(u)
		if err != nil {
			return 0, err
		}
	} else {
		n := ceilDiv(int(nbytes), a.pageSize) * a.pageSize
		base, err := mapPages(n, false)
		if err != nil {
			return 0, err
		}
		addr = base
	}

	if clean {
		zeroMemory(addr, int(nbytes))
	}
	atomic.AddInt64(&a.blocksAllocated, 1)
	return addr, nil
}

// allocateSmall finds or creates a page with room for u units, marks them
// used, and returns the resulting address.
func (a *BitmapAllocator) allocateSmall(u int) (uintptr, error) {
	page, found := a.sb.findAndDetach(u)
	if !found {
		base, err := mapPages(a.pageSize, true)
		if err != nil {
			return 0, err
		}
		atomic.AddInt64(&a.numBmPages, 1)
		page = bmPage{base: base}
		words := page.bitmapWords(a.bitmapWords)
		setBits(words, 0, a.headerUnits)
	}

	offset := a.findFreeBlock(page, u)
	if offset == 0 {
		fatalf("allocateSmall: superblock handed back a page with no room for %d units", u)
	}

	words := page.bitmapWords(a.bitmapWords)
	setBits(words, offset, u)

	longest := a.findLongestFreeBlock(page)
	a.sb.attach(page, longest)

	return page.unitAddr(offset, a.unitSize), nil
}

// Release implements the Allocator interface.
func (a *BitmapAllocator) Release(addr *uintptr, nbytes uintptr) error {
	if *addr == 0 {
		return nil
	}
	if nbytes == 0 {
		fatalf("Release: nbytes must be nonzero")
	}

	if a.isLarge(*addr) {
		n := ceilDiv(int(nbytes), a.pageSize) * a.pageSize
		if err := unmapPages(*addr, n); err != nil {
			return err
		}
	} else {
		a.releaseSmall(*addr, int(nbytes))
	}

	*addr = 0
	atomic.AddInt64(&a.blocksAllocated, -1)
	return nil
}

func (a *BitmapAllocator) releaseSmall(addr uintptr, nbytes int) {
	base := pageBase(addr, a.pageSize)
	page := bmPage{base: base}
	offset := int(addr-base) / a.unitSize
	u := ceilDiv(nbytes, a.unitSize)

	a.sb.detach(page)

	words := page.bitmapWords(a.bitmapWords)
	clearBits(words, offset, u)

	longest := a.findLongestFreeBlock(page)
	if longest == a.maxDataUnits {
		unmapPages(base, a.pageSize)
		atomic.AddInt64(&a.numBmPages, -1)
		return
	}
	a.sb.attach(page, longest)
}

// isLarge reports whether addr is page-aligned, the address-space
// discriminant between the small and large paths.
func (a *BitmapAllocator) isLarge(addr uintptr) bool {
	return addr%uintptr(a.pageSize) == 0
}

// Reallocate implements the Allocator interface.
func (a *BitmapAllocator) Reallocate(addr *uintptr, oldNbytes, newNbytes uintptr, clean bool) (bool, error) {
	if *addr == 0 {
		if oldNbytes != 0 {
			fatalf("Reallocate: old address is empty but oldNbytes is nonzero")
		}
		if newNbytes == 0 {
			fatalf("Reallocate: both oldNbytes and newNbytes are zero")
		}
		newAddr, err := a.Allocate(newNbytes, clean)
		if err != nil {
			return false, err
		}
		*addr = newAddr
		return true, nil
	}

	oldU := ceilDiv(int(oldNbytes), a.unitSize)
	newU := ceilDiv(int(newNbytes), a.unitSize)
	oldSmall := !a.isLarge(*addr)
	newSmall := newU < a.maxDataUnits

	if oldU == newU {
		if clean && newNbytes > oldNbytes {
			zeroMemory(*addr+oldNbytes, int(newNbytes-oldNbytes))
		}
		return false, nil
	}

	if newU < oldU {
		return a.reallocateShrink(addr, oldNbytes, newNbytes, oldSmall, newSmall)
	}
	return a.reallocateGrow(addr, oldNbytes, newNbytes, clean, oldSmall, newSmall)
}

func (a *BitmapAllocator) reallocateShrink(addr *uintptr, oldNbytes, newNbytes uintptr, oldSmall, newSmall bool) (bool, error) {
	base := pageBase(*addr, a.pageSize)

	switch {
	case oldSmall && newSmall:
		page := bmPage{base: base}
		offset := int(*addr-base) / a.unitSize
		oldU := ceilDiv(int(oldNbytes), a.unitSize)
		newU := ceilDiv(int(newNbytes), a.unitSize)

		a.sb.detach(page)
		a.shrink(page, offset, oldU, newU)
		longest := a.findLongestFreeBlock(page)
		a.sb.attach(page, longest)
		return false, nil

	case !oldSmall && newSmall:
		// Large-to-small shrink: prefer moving into a fresh small block; if
		// that fails, fall back to an in-place OS shrink of the original
		// mapping. The returned address then stays page-aligned even
		// though the caller's logical size is now small. Release and
		// Reallocate classify by alignment, so a page-aligned address is
		// always handled as large on the next call; the mismatch is
		// self-consistent.
		newAddr, err := a.allocateSmall(ceilDiv(int(newNbytes), a.unitSize))
		if err == nil {
			copyBytes(newAddr, *addr, int(newNbytes))
			oldN := ceilDiv(int(oldNbytes), a.pageSize) * a.pageSize
			unmapPages(*addr, oldN)
			*addr = newAddr
			return true, nil
		}

		oldN := ceilDiv(int(oldNbytes), a.pageSize) * a.pageSize
		newN := ceilDiv(int(newNbytes), a.pageSize) * a.pageSize
		newBase, _, rerr := remapPages(*addr, oldN, newN, false, false)
		if rerr != nil {
			return false, rerr
		}
		*addr = newBase
		return false, nil

	default: // large -> large
		oldN := ceilDiv(int(oldNbytes), a.pageSize) * a.pageSize
		newN := ceilDiv(int(newNbytes), a.pageSize) * a.pageSize
		newBase, moved, err := remapPages(*addr, oldN, newN, false, false)
		if err != nil {
			return false, err
		}
		*addr = newBase
		return moved, nil
	}
}

func (a *BitmapAllocator) reallocateGrow(addr *uintptr, oldNbytes, newNbytes uintptr, clean bool, oldSmall, newSmall bool) (bool, error) {
	if !oldSmall {
		oldN := ceilDiv(int(oldNbytes), a.pageSize) * a.pageSize
		newN := ceilDiv(int(newNbytes), a.pageSize) * a.pageSize
		newBase, moved, err := remapPages(*addr, oldN, newN, false, true)
		if err != nil {
			return false, err
		}
		if clean {
			zeroMemory(newBase+oldNbytes, int(newNbytes-oldNbytes))
		}
		*addr = newBase
		return moved, nil
	}

	base := pageBase(*addr, a.pageSize)
	page := bmPage{base: base}
	offset := int(*addr-base) / a.unitSize
	oldU := ceilDiv(int(oldNbytes), a.unitSize)
	newU := ceilDiv(int(newNbytes), a.unitSize)

	if newSmall {
		a.sb.detach(page)
		ok := a.grow(page, offset, oldU, newU)
		if ok {
			longest := a.findLongestFreeBlock(page)
			a.sb.attach(page, longest)
			if clean {
				zeroMemory(*addr+oldNbytes, int(newNbytes-oldNbytes))
			}
			return false, nil
		}
		longest := a.findLongestFreeBlock(page)
		a.sb.attach(page, longest)
	}

	// in-place grow unavailable (or target is large): allocate fresh, copy,
	// release the old block.
	newAddr, err := a.Allocate(newNbytes, false)
	if err != nil {
		return false, err
	}
	copyBytes(newAddr, *addr, int(oldNbytes))
	if clean {
		zeroMemory(newAddr+oldNbytes, int(newNbytes-oldNbytes))
	}
	old := *addr
	a.Release(&old, oldNbytes)
	*addr = newAddr
	return true, nil
}

func copyBytes(dst, src uintptr, n int) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}

// Dump implements the Allocator interface: it walks every bucket of the
// superblock and renders each page's occupancy.
func (a *BitmapAllocator) Dump() string {
	a.sb.mu.Lock()
	defer a.sb.mu.Unlock()

	out := fmt.Sprintf("bmalloc: unit_size=%d page_size=%d units_per_page=%d header_units=%d max_data_units=%d blocks_allocated=%d num_bm_pages=%d\n",
		a.unitSize, a.pageSize, a.unitsPerPage, a.headerUnits, a.maxDataUnits,
		atomic.LoadInt64(&a.blocksAllocated), atomic.LoadInt64(&a.numBmPages))

	for k, head := range a.sb.buckets {
		if head == 0 {
			continue
		}
		out += fmt.Sprintf("  bucket %d:\n", k)
		p := bmPage{base: head}
		for {
			out += fmt.Sprintf("    page %#x: %s\n", p.base, bitmapGlyphs(p.bitmapWords(a.bitmapWords), a.unitsPerPage))
			next := p.header().next
			if next == head {
				break
			}
			p = bmPage{base: next}
		}
	}
	return out
}

func bitmapGlyphs(words []uint64, totalBits int) string {
	b := make([]byte, totalBits)
	for i := 0; i < totalBits; i++ {
		if words[i/wordBits]&(uint64(1)<<uint(i%wordBits)) != 0 {
			b[i] = '#'
		} else {
			b[i] = '.'
		}
	}
	return string(b)
}
