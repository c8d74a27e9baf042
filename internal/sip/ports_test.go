package sip

import (
	"testing"
)

func TestPortAllocatorSequentialPreference(t *testing.T) {
	alloc := NewPortAllocator(0)

	first, err := alloc.Allocate(42150, 5)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer first.Release()
	if first.Port() != 42150 {
		t.Fatalf("first port = %d, want 42150", first.Port())
	}

	second, err := alloc.Allocate(42150, 5)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer second.Release()
	if second.Port() != 42151 {
		t.Errorf("second port = %d, want 42151", second.Port())
	}
}

func TestPortAllocatorSkipsRemotePBXPort(t *testing.T) {
	alloc := NewPortAllocator(42160)

	b, err := alloc.Allocate(42160, 5)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer b.Release()
	if b.Port() == 42160 {
		t.Fatal("allocator handed out the remote PBX port")
	}
	if b.Port() != 42161 {
		t.Errorf("port = %d, want 42161 (first candidate past the remote port)", b.Port())
	}
}

func TestPortAllocatorNeverDuplicatesUnreleased(t *testing.T) {
	alloc := NewPortAllocator(0)

	const n = 8
	seen := make(map[int]bool)
	bindings := make([]*PortBinding, 0, n)
	for i := 0; i < n; i++ {
		b, err := alloc.Allocate(42170, n+2)
		if err != nil {
			t.Fatalf("Allocate() #%d error = %v", i, err)
		}
		bindings = append(bindings, b)
		if seen[b.Port()] {
			t.Fatalf("port %d handed out twice while still held", b.Port())
		}
		seen[b.Port()] = true
	}
	for _, b := range bindings {
		b.Release()
	}
}

func TestPortAllocatorReuseAfterRelease(t *testing.T) {
	alloc := NewPortAllocator(0)

	first, err := alloc.Allocate(42190, 3)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	port := first.Port()
	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	second, err := alloc.Allocate(42190, 3)
	if err != nil {
		t.Fatalf("Allocate() after release error = %v", err)
	}
	defer second.Release()
	if second.Port() != port {
		t.Errorf("port after release = %d, want %d", second.Port(), port)
	}
}

func TestPortBindingReleaseIdempotent(t *testing.T) {
	alloc := NewPortAllocator(0)

	b, err := alloc.Allocate(42200, 3)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := b.Release(); err != nil {
		t.Errorf("second Release() error = %v, want nil", err)
	}

	// The pool must hold exactly one free slot for the number, not two.
	again, err := alloc.Allocate(42200, 1)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer again.Release()
	if again.Port() != b.Port() {
		t.Errorf("port = %d, want %d", again.Port(), b.Port())
	}
}

func TestPortAllocatorRandomFallback(t *testing.T) {
	alloc := NewPortAllocator(0)

	a, err := alloc.Allocate(42210, 2)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer a.Release()
	b, err := alloc.Allocate(42210, 2)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer b.Release()

	// Sequential candidates are spent; the next allocation must come from
	// the randomized high range.
	c, err := alloc.Allocate(42210, 2)
	if err != nil {
		t.Fatalf("Allocate() with spent sequential range error = %v", err)
	}
	defer c.Release()
	if c.Port() < randomPortMin || c.Port() >= randomPortMax {
		t.Errorf("fallback port = %d, want within [%d, %d)", c.Port(), randomPortMin, randomPortMax)
	}
}

func TestPortAllocatorDefaults(t *testing.T) {
	alloc := NewPortAllocator(0)

	b, err := alloc.Allocate(0, 0)
	if err != nil {
		// The default range may legitimately be occupied on a shared
		// machine; the fallback still has to produce something.
		t.Fatalf("Allocate() with defaults error = %v", err)
	}
	defer b.Release()
	if b.Port() < DefaultPortStart && (b.Port() < randomPortMin || b.Port() >= randomPortMax) {
		t.Errorf("default allocation produced unexpected port %d", b.Port())
	}
}
