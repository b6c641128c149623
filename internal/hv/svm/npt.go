package svm

import (
	"fmt"

	"github.com/partvisor/partvisor/internal/hv"
	"github.com/partvisor/partvisor/internal/paging"
	"github.com/partvisor/partvisor/internal/x86"
)

// The nested tables use the native long-mode layout, but every non-leaf
// entry carries the user bit: the guest always runs in the extension's
// less-privileged ring.
var nptFormat = &paging.Format{
	Name: "npt",
	Levels: []paging.Level{
		{Shift: 39, Bits: 9, EntrySize: 8},
		{Shift: 30, Bits: 9, EntrySize: 8},
		{Shift: 21, Bits: 9, EntrySize: 8},
		{Shift: 12, Bits: 9, EntrySize: 8},
	},
	AddrMask: paging.PhysAddrMask,
	MakeTableEntry: func(next uint64) uint64 {
		return (next & paging.PhysAddrMask) |
			paging.FlagPresent | paging.FlagRW | paging.FlagUser
	},
}

// The parked guest executes a one-page halt loop. The page is mapped at a
// fixed guest-physical base so a reset vector of 0xf0 lands on the loop.
const (
	parkingCodeBase   = 0x000ff000
	parkingCodeOffset = 0xff0
)

// cli; 1: hlt; jmp 1b
var parkingCode = [4]byte{0xfa, 0xf4, 0xeb, 0xfc}

// Cell is one guest partition: its nested address space, its I/O-port
// bitmap and its shared communication page.
type Cell struct {
	name string
	sys  *SVM

	space    *paging.Space
	iopm     uint64
	commPage uint64
}

// NewCell implements hv.Variant. The returned cell has the
// interrupt-controller page mapped and nothing else.
func (s *SVM) NewCell(name string) (hv.Cell, error) {
	iopm, err := s.newIOBitmap()
	if err != nil {
		return nil, fmt.Errorf("svm: cell %q: io bitmap: %w", name, err)
	}
	commPage, err := s.pool.Alloc(1)
	if err != nil {
		return nil, fmt.Errorf("svm: cell %q: comm page: %w", name, err)
	}
	space, err := paging.NewSpace(nptFormat, s.pool)
	if err != nil {
		return nil, fmt.Errorf("svm: cell %q: %w", name, err)
	}
	cell := &Cell{name: name, sys: s, space: space, iopm: iopm, commPage: commPage}

	if s.avicPage != 0 {
		// Accelerated controller: back the page with the dedicated
		// in-memory register file, read-write.
		err = space.Map(x86.XAPICBase, s.avicPage, x86.PageSize,
			paging.FlagPresent|paging.FlagRW|paging.FlagUser)
	} else {
		// Map the controller page in place: reads pass through,
		// writes trap.
		err = space.Map(x86.XAPICBase, x86.XAPICBase, x86.PageSize,
			paging.FlagPresent|paging.FlagUser)
	}
	if err != nil {
		return nil, fmt.Errorf("svm: cell %q: apic page: %w", name, err)
	}
	return cell, nil
}

func (c *Cell) Name() string { return c.name }

// CommPagePhys returns the physical address of the cell's communication page.
func (c *Cell) CommPagePhys() uint64 { return c.commPage }

func regionFlags(r hv.MemRegion) uint64 {
	flags := uint64(paging.FlagUser)
	if r.Flags&hv.MemRead != 0 {
		flags |= paging.FlagPresent
	}
	if r.Flags&hv.MemWrite != 0 {
		flags |= paging.FlagRW
	}
	if r.Flags&hv.MemExecute == 0 {
		flags |= paging.FlagNX
	}
	return flags
}

// MapRegion installs one guest-physical region. A communication region is
// redirected to the cell's own comm page whatever physical address was
// requested.
func (c *Cell) MapRegion(r hv.MemRegion) error {
	phys := r.PhysStart
	if r.Flags&hv.MemCommRegion != 0 {
		phys = c.commPage
	}
	if err := c.space.Map(r.VirtStart, phys, r.Size, regionFlags(r)); err != nil {
		return fmt.Errorf("svm: cell %q: map 0x%x+0x%x: %w", c.name, r.VirtStart, r.Size, err)
	}
	return nil
}

// UnmapRegion removes a region by exact range.
func (c *Cell) UnmapRegion(r hv.MemRegion) error {
	if err := c.space.Unmap(r.VirtStart, r.Size); err != nil {
		return fmt.Errorf("svm: cell %q: unmap 0x%x+0x%x: %w", c.name, r.VirtStart, r.Size, err)
	}
	return nil
}

// Translate resolves a guest-physical address through the nested tables.
func (c *Cell) Translate(phys uint64) (uint64, uint64, error) {
	return c.space.Query(phys)
}

// Destroy tears the cell down: the controller page is unmapped and the
// top-level table freed. The caller must have unmapped all regions first.
func (c *Cell) Destroy() error {
	if err := c.space.Unmap(x86.XAPICBase, x86.PageSize); err != nil {
		return err
	}
	if err := c.space.Destroy(); err != nil {
		return err
	}
	if err := c.sys.pool.Free(c.iopm, ioBitmapPages); err != nil {
		return err
	}
	return c.sys.pool.Free(c.commPage, 1)
}

// readGuestPhys reads guest-physical memory through the nested tables into b.
func (c *Cell) readGuestPhys(addr uint64, b []byte) error {
	for len(b) > 0 {
		chunk := x86.PageSize - int(addr%x86.PageSize)
		if chunk > len(b) {
			chunk = len(b)
		}
		host, _, err := c.space.Query(addr)
		if err != nil {
			return err
		}
		if err := c.sys.pool.ReadPhys(host, b[:chunk]); err != nil {
			return err
		}
		b = b[chunk:]
		addr += uint64(chunk)
	}
	return nil
}

var _ hv.Cell = (*Cell)(nil)
