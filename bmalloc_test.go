package bmalloc

import "testing"

func TestInitAndDefaultWrappers(t *testing.T) {
	if err := Init(NewBitmapAllocator()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	addr, err := Allocate(32, true)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if addr == 0 {
		t.Fatalf("Allocate returned a nil address")
	}

	if err := Release(&addr, 32); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if addr != 0 {
		t.Fatalf("Release should clear the caller's address")
	}
}

func TestInitSwapsStrategy(t *testing.T) {
	if err := Init(NewStdlibAllocator()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	addr, err := Allocate(16, false)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := Release(&addr, 16); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
