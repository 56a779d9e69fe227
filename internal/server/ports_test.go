package server

import "testing"

func TestPortAllocator(t *testing.T) {
	p := NewPortAllocator(10000, 10002)

	first, err := p.Allocate("a")
	if err != nil || first != 10000 {
		t.Fatalf("Allocate() = (%d, %v), want 10000", first, err)
	}
	second, _ := p.Allocate("b")
	third, _ := p.Allocate("c")
	if second != 10001 || third != 10002 {
		t.Errorf("Allocate() = %d, %d, want 10001, 10002", second, third)
	}

	if _, err := p.Allocate("d"); err != ErrNoPortsAvailable {
		t.Errorf("Allocate() on full range error = %v, want %v", err, ErrNoPortsAvailable)
	}

	if owner, ok := p.Owner(10001); !ok || owner != "b" {
		t.Errorf("Owner(10001) = (%q, %v), want b", owner, ok)
	}

	p.Release(10001)
	reused, err := p.Allocate("e")
	if err != nil || reused != 10001 {
		t.Errorf("Allocate() after release = (%d, %v), want 10001", reused, err)
	}

	if p.InUse() != 3 {
		t.Errorf("InUse() = %d, want 3", p.InUse())
	}
}

func TestPortAllocatorDefaults(t *testing.T) {
	p := NewPortAllocator(0, 0)
	port, err := p.Allocate("x")
	if err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	if port < DefaultPortRangeStart || port > DefaultPortRangeEnd {
		t.Errorf("Allocate() = %d, want within default range", port)
	}
}
