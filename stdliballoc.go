package bmalloc

import (
	"fmt"
	"sync"
	"unsafe"
)

// StdlibAllocator is a thin adaptor over Go's own runtime allocator,
// preserving the same caller-supplies-old-size / address-may-change
// contract as BitmapAllocator, so programs (or test harnesses) can swap
// allocation strategies behind the shared Allocator interface without code
// changes. Go already garbage-collects, so this adaptor's whole job is
// bookkeeping the size the interface doesn't ask for.
type StdlibAllocator struct {
	mu    sync.Mutex
	sizes map[uintptr][]byte
}

// NewStdlibAllocator constructs a ready-to-use StdlibAllocator. Unlike
// BitmapAllocator it needs no page-geometry setup, so it has no init hook.
func NewStdlibAllocator() *StdlibAllocator {
	return &StdlibAllocator{sizes: make(map[uintptr][]byte)}
}

func (a *StdlibAllocator) Allocate(nbytes uintptr, clean bool) (uintptr, error) {
	if nbytes == 0 {
		return 0, nil
	}
	// make([]byte, n) is always zeroed, so clean is observed unconditionally;
	// there is no uninitialized-reuse path to guard against here.
	buf := make([]byte, nbytes)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	a.mu.Lock()
	a.sizes[addr] = buf
	a.mu.Unlock()

	return addr, nil
}

func (a *StdlibAllocator) Release(addr *uintptr, nbytes uintptr) error {
	if *addr == 0 {
		return nil
	}
	if nbytes == 0 {
		return ErrInvalidArgument
	}

	a.mu.Lock()
	delete(a.sizes, *addr)
	a.mu.Unlock()

	*addr = 0
	return nil
}

func (a *StdlibAllocator) Reallocate(addr *uintptr, oldNbytes, newNbytes uintptr, clean bool) (bool, error) {
	if *addr == 0 {
		if oldNbytes != 0 || newNbytes == 0 {
			return false, ErrInvalidArgument
		}
		newAddr, err := a.Allocate(newNbytes, clean)
		if err != nil {
			return false, err
		}
		*addr = newAddr
		return true, nil
	}

	a.mu.Lock()
	old, ok := a.sizes[*addr]
	a.mu.Unlock()
	if !ok {
		return false, ErrInvalidArgument
	}

	newAddr, err := a.Allocate(newNbytes, false)
	if err != nil {
		return false, err
	}
	newBuf := a.bufAt(newAddr)
	n := copy(newBuf, old)
	if clean && int(newNbytes) > n {
		for i := n; i < int(newNbytes); i++ {
			newBuf[i] = 0
		}
	}

	oldAddr := *addr
	a.Release(&oldAddr, oldNbytes)

	*addr = newAddr
	return true, nil
}

func (a *StdlibAllocator) bufAt(addr uintptr) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sizes[addr]
}

func (a *StdlibAllocator) Dump() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := "stdliballoc: live blocks:\n"
	for addr, buf := range a.sizes {
		out += fmt.Sprintf("  %#x: %d bytes\n", addr, len(buf))
	}
	return out
}
