package pagepool

import (
	"errors"
	"testing"
)

func newTestPool(t *testing.T, pages int) *Pool {
	t.Helper()
	p, err := New("test", pages, 0x100000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAllocFreeRoundTrip(t *testing.T) {
	p := newTestPool(t, 8)

	a, err := p.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a != 0x100000 {
		t.Fatalf("expected first page at base, got 0x%x", a)
	}
	b, err := p.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b != a+PageSize {
		t.Fatalf("expected contiguous allocation, got 0x%x", b)
	}
	if used := p.Used(); used != 3 {
		t.Fatalf("expected 3 used pages, got %d", used)
	}
	if err := p.Free(a, 1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := p.Free(b, 2); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if used := p.Used(); used != 0 {
		t.Fatalf("expected empty pool, got %d used", used)
	}
}

func TestAllocZeroesReusedPage(t *testing.T) {
	p := newTestPool(t, 2)

	a, _ := p.Alloc(1)
	if err := p.WritePhys(a, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WritePhys: %v", err)
	}
	if err := p.Free(a, 1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	b, _ := p.Alloc(1)
	if b != a {
		t.Fatalf("expected first-fit reuse of 0x%x, got 0x%x", a, b)
	}
	buf := make([]byte, 4)
	if err := p.ReadPhys(b, buf); err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, v)
		}
	}
}

func TestAllocContiguousAcrossGaps(t *testing.T) {
	p := newTestPool(t, 4)

	a, _ := p.Alloc(1)
	_, _ = p.Alloc(1)
	if err := p.Free(a, 1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	// One free page at the front, two at the back; a two-page request
	// must skip the front hole.
	c, err := p.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if c != 0x100000+2*PageSize {
		t.Fatalf("expected allocation past the hole, got 0x%x", c)
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := newTestPool(t, 2)

	if _, err := p.Alloc(3); !errors.Is(err, ErrOutOfPages) {
		t.Fatalf("expected ErrOutOfPages, got %v", err)
	}
	p.Alloc(2)
	if _, err := p.Alloc(1); !errors.Is(err, ErrOutOfPages) {
		t.Fatalf("expected ErrOutOfPages, got %v", err)
	}
}

func TestFreeErrors(t *testing.T) {
	p := newTestPool(t, 4)

	a, _ := p.Alloc(1)
	if err := p.Free(a+1, 1); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("expected ErrMisaligned, got %v", err)
	}
	if err := p.Free(0x900000, 1); !errors.Is(err, ErrBadAddress) {
		t.Fatalf("expected ErrBadAddress, got %v", err)
	}
	if err := p.Free(a, 1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := p.Free(a, 1); !errors.Is(err, ErrDoubleFree) {
		t.Fatalf("expected ErrDoubleFree, got %v", err)
	}
}

func TestPhysAccessBounds(t *testing.T) {
	p := newTestPool(t, 1)

	if err := p.WritePhys(0x100000+PageSize-2, []byte{1, 2, 3}); !errors.Is(err, ErrBadAddress) {
		t.Fatalf("expected ErrBadAddress, got %v", err)
	}
	if !p.Contains(0x100000, PageSize) {
		t.Fatalf("pool should contain its own page")
	}
	if p.Contains(0x100000-PageSize, PageSize) {
		t.Fatalf("pool should not contain addresses below base")
	}
}
