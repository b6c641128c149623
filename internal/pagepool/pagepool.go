// Package pagepool provides a named arena of fixed-size physical page slots.
// Page-table pages, control blocks and guest RAM are all carved out of a pool,
// and addresses handed out by a pool act as the physical addresses the rest of
// the core computes with.
package pagepool

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const PageSize = 4096

var (
	ErrOutOfPages  = errors.New("pagepool: out of pages")
	ErrBadAddress  = errors.New("pagepool: address outside pool")
	ErrDoubleFree  = errors.New("pagepool: page not allocated")
	ErrMisaligned  = errors.New("pagepool: address not page-aligned")
	ErrBadPageSpan = errors.New("pagepool: invalid page count")
)

// Pool is a contiguous run of page slots backed by anonymous mapped memory.
// The first slot sits at Base; a physical address p maps to byte offset
// p-Base in the backing.
type Pool struct {
	name string
	base uint64
	mem  []byte

	mu     sync.Mutex
	bitmap []uint64
	used   int
}

// New maps an arena of pages pages starting at physical address base.
func New(name string, pages int, base uint64) (*Pool, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("pagepool %q: %w", name, ErrBadPageSpan)
	}
	if base%PageSize != 0 {
		return nil, fmt.Errorf("pagepool %q: %w", name, ErrMisaligned)
	}
	mem, err := unix.Mmap(-1, 0, pages*PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pagepool %q: mmap %d pages: %w", name, pages, err)
	}
	return &Pool{
		name:   name,
		base:   base,
		mem:    mem,
		bitmap: make([]uint64, (pages+63)/64),
	}, nil
}

func (p *Pool) Name() string { return p.name }
func (p *Pool) Base() uint64 { return p.base }
func (p *Pool) Pages() int   { return len(p.mem) / PageSize }

// Used reports the number of allocated pages.
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Close unmaps the backing. All outstanding addresses become invalid.
func (p *Pool) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

func (p *Pool) bit(i int) bool      { return p.bitmap[i/64]&(1<<(i%64)) != 0 }
func (p *Pool) setBit(i int)        { p.bitmap[i/64] |= 1 << (i % 64) }
func (p *Pool) clearBit(i int)      { p.bitmap[i/64] &^= 1 << (i % 64) }
func (p *Pool) pageIndex(addr uint64) int {
	return int((addr - p.base) / PageSize)
}

// Alloc reserves n contiguous pages and returns the physical address of the
// first one. The pages are zeroed.
func (p *Pool) Alloc(n int) (uint64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("pagepool %q: %w", p.name, ErrBadPageSpan)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	pages := p.Pages()
	run := 0
	for i := 0; i < pages; i++ {
		if p.bit(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			first := i - n + 1
			for j := first; j <= i; j++ {
				p.setBit(j)
			}
			p.used += n
			off := first * PageSize
			clear(p.mem[off : off+n*PageSize])
			return p.base + uint64(off), nil
		}
	}
	return 0, fmt.Errorf("pagepool %q: alloc %d pages: %w", p.name, n, ErrOutOfPages)
}

// Free releases n pages starting at addr.
func (p *Pool) Free(addr uint64, n int) error {
	if addr%PageSize != 0 {
		return fmt.Errorf("pagepool %q: %w", p.name, ErrMisaligned)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.contains(addr, n*PageSize) {
		return fmt.Errorf("pagepool %q: free 0x%x: %w", p.name, addr, ErrBadAddress)
	}
	first := p.pageIndex(addr)
	for i := first; i < first+n; i++ {
		if !p.bit(i) {
			return fmt.Errorf("pagepool %q: free 0x%x: %w", p.name, addr, ErrDoubleFree)
		}
	}
	for i := first; i < first+n; i++ {
		p.clearBit(i)
	}
	p.used -= n
	return nil
}

func (p *Pool) contains(addr uint64, size int) bool {
	return addr >= p.base && addr+uint64(size) <= p.base+uint64(len(p.mem))
}

// Contains reports whether [addr, addr+size) lies inside the pool.
func (p *Pool) Contains(addr uint64, size int) bool {
	return p.contains(addr, size)
}

// Bytes returns the backing window for [addr, addr+size). The window stays
// valid until Close.
func (p *Pool) Bytes(addr uint64, size int) ([]byte, error) {
	if !p.contains(addr, size) {
		return nil, fmt.Errorf("pagepool %q: 0x%x+0x%x: %w", p.name, addr, size, ErrBadAddress)
	}
	off := addr - p.base
	return p.mem[off : off+uint64(size)], nil
}

// ReadPhys copies len(b) bytes from physical address addr.
func (p *Pool) ReadPhys(addr uint64, b []byte) error {
	src, err := p.Bytes(addr, len(b))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// WritePhys copies b to physical address addr.
func (p *Pool) WritePhys(addr uint64, b []byte) error {
	dst, err := p.Bytes(addr, len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}
