package bmalloc

import (
	"testing"
	"unsafe"

	"github.com/dsnet/golib/memfile"
)

func unsafeBytesForTest(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func TestMapUnmapPages(t *testing.T) {
	size := sysPageSize()
	addr, err := mapPages(size, false)
	if err != nil {
		t.Fatalf("mapPages: %v", err)
	}
	if addr == 0 {
		t.Fatalf("mapPages returned a nil address")
	}
	defer unmapPages(addr, size)

	buf := unsafeBytesForTest(addr, size)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d of fresh mapping = %d, want 0", i, b)
		}
	}
}

func TestRemapPagesGrowZeroesTail(t *testing.T) {
	size := sysPageSize()
	addr, err := mapPages(size, false)
	if err != nil {
		t.Fatalf("mapPages: %v", err)
	}

	buf := unsafeBytesForTest(addr, size)
	for i := range buf {
		buf[i] = 0xAB
	}

	newAddr, _, err := remapPages(addr, size, size*2, true, true)
	if err != nil {
		t.Fatalf("remapPages grow: %v", err)
	}
	defer unmapPages(newAddr, size*2)

	grown := unsafeBytesForTest(newAddr, size*2)
	for i := 0; i < size; i++ {
		if grown[i] != 0xAB {
			t.Fatalf("original region corrupted by remap at byte %d", i)
		}
	}
	for i := size; i < size*2; i++ {
		if grown[i] != 0 {
			t.Fatalf("grown tail byte %d = %d, want 0 (clean=true)", i, grown[i])
		}
	}
}

func TestRemapPagesNoopWhenSameSize(t *testing.T) {
	size := sysPageSize()
	addr, err := mapPages(size, false)
	if err != nil {
		t.Fatalf("mapPages: %v", err)
	}
	defer unmapPages(addr, size)

	got, moved, err := remapPages(addr, size, size, true, true)
	if err != nil {
		t.Fatalf("remapPages same-size: %v", err)
	}
	if moved || got != addr {
		t.Fatalf("remapPages with equal sizes should be a no-op, got addr=%#x moved=%v", got, moved)
	}
}

// TestMemfileCoexistsWithRawMappings is a smoke test for the one dependency
// this package's test suite borrows purely for I/O convenience: a
// memfile.File gives these tests an in-memory *os.File-shaped scratch area
// to stage data before it gets copied into a raw mmap'd region, without
// touching the real filesystem.
func TestMemfileCoexistsWithRawMappings(t *testing.T) {
	f := memfile.New(nil)
	defer f.Close()

	want := []byte("bmalloc scratch")
	if _, err := f.Write(want); err != nil {
		t.Fatalf("memfile write: %v", err)
	}

	size := sysPageSize()
	addr, err := mapPages(size, false)
	if err != nil {
		t.Fatalf("mapPages: %v", err)
	}
	defer unmapPages(addr, size)

	buf := unsafeBytesForTest(addr, size)
	if _, err := f.ReadAt(buf[:len(want)], 0); err != nil {
		t.Fatalf("memfile readat: %v", err)
	}
	for i, b := range want {
		if buf[i] != b {
			t.Fatalf("byte %d = %d, want %d", i, buf[i], b)
		}
	}
}
