// Package paging implements multi-level page-table construction and walking
// over a physical page pool. A Format describes one translation-table layout
// as a list of levels plus the rule for building non-leaf entries, so the
// same walker serves the second-level tables of the virtualization extension
// and read-only walks of a guest's own tables.
package paging

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/partvisor/partvisor/internal/pagepool"
)

// Entry flag bits shared by the supported formats.
const (
	FlagPresent = 1 << 0
	FlagRW      = 1 << 1
	FlagUser    = 1 << 2
	FlagPageSz  = 1 << 7
	FlagNX      = uint64(1) << 63
)

// PhysAddrMask extracts the table/page address from a 64-bit entry.
const PhysAddrMask = 0x000ffffffffff000

var (
	ErrNotMapped  = errors.New("paging: address not mapped")
	ErrOverlap    = errors.New("paging: mapping overlaps existing entry")
	ErrMisaligned = errors.New("paging: address or size not page-aligned")
	ErrBadFormat  = errors.New("paging: unsupported table format")
)

// PhysReader reads physical memory during a table walk.
type PhysReader interface {
	ReadPhys(addr uint64, b []byte) error
}

// Level describes one translation level: the bit position its index starts
// at, the index width, and the entry size in bytes.
type Level struct {
	Shift     uint
	Bits      uint
	EntrySize int
}

// Format describes a complete table layout, root level first. An empty level
// list means no translation (identity). MakeTableEntry is the per-format rule
// for encoding a non-leaf entry pointing at the next-level table.
type Format struct {
	Name           string
	Levels         []Level
	AddrMask       uint64
	MakeTableEntry func(nextTable uint64) uint64
}

// X86_64 is the 4-level long-mode layout with 64-bit entries.
var X86_64 = &Format{
	Name: "x86_64",
	Levels: []Level{
		{Shift: 39, Bits: 9, EntrySize: 8},
		{Shift: 30, Bits: 9, EntrySize: 8},
		{Shift: 21, Bits: 9, EntrySize: 8},
		{Shift: 12, Bits: 9, EntrySize: 8},
	},
	AddrMask: PhysAddrMask,
	MakeTableEntry: func(next uint64) uint64 {
		return (next & PhysAddrMask) | FlagPresent | FlagRW
	},
}

// I386 is the legacy 2-level layout with 32-bit entries, used by guests that
// page without extended physical addressing.
var I386 = &Format{
	Name: "i386",
	Levels: []Level{
		{Shift: 22, Bits: 10, EntrySize: 4},
		{Shift: 12, Bits: 10, EntrySize: 4},
	},
	AddrMask: 0xfffff000,
	MakeTableEntry: func(next uint64) uint64 {
		return (next & 0xfffff000) | FlagPresent | FlagRW
	},
}

// RealMode translates nothing: every address maps to itself. The root only
// anchors the fixed bootstrap page so callers have something mappable.
var RealMode = &Format{Name: "realmode"}

func (f *Format) index(l int, addr uint64) uint64 {
	lv := f.Levels[l]
	return (addr >> lv.Shift) & ((1 << lv.Bits) - 1)
}

func readEntry(r PhysReader, addr uint64, size int) (uint64, error) {
	var b [8]byte
	if err := r.ReadPhys(addr, b[:size]); err != nil {
		return 0, err
	}
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(b[:4])), nil
	}
	return binary.LittleEndian.Uint64(b[:8]), nil
}

// Walk resolves addr through the tables rooted at root, reading entries
// via r. Large-page leaf entries are honored above the last level. The
// returned flags are the raw bits of the leaf entry.
func Walk(r PhysReader, f *Format, root, addr uint64) (phys, flags uint64, err error) {
	if len(f.Levels) == 0 {
		return addr, FlagPresent | FlagRW | FlagUser, nil
	}
	table := root
	for l, lv := range f.Levels {
		entryAddr := table + f.index(l, addr)*uint64(lv.EntrySize)
		entry, err := readEntry(r, entryAddr, lv.EntrySize)
		if err != nil {
			return 0, 0, err
		}
		if entry&FlagPresent == 0 {
			return 0, 0, fmt.Errorf("%s level %d for 0x%x: %w", f.Name, l, addr, ErrNotMapped)
		}
		last := l == len(f.Levels)-1
		if last || entry&FlagPageSz != 0 {
			pageMask := uint64(1)<<lv.Shift - 1
			return (entry & f.AddrMask &^ pageMask) | (addr & pageMask), entry &^ f.AddrMask, nil
		}
		table = entry & f.AddrMask
	}
	return 0, 0, fmt.Errorf("%s for 0x%x: %w", f.Name, addr, ErrNotMapped)
}

// Space is one translation-table hierarchy whose table pages are owned by a
// physical page pool.
type Space struct {
	f    *Format
	pool *pagepool.Pool
	root uint64
}

// NewSpace allocates an empty root table from pool.
func NewSpace(f *Format, pool *pagepool.Pool) (*Space, error) {
	if len(f.Levels) == 0 || f.MakeTableEntry == nil {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrBadFormat)
	}
	root, err := pool.Alloc(1)
	if err != nil {
		return nil, fmt.Errorf("paging: root table: %w", err)
	}
	return &Space{f: f, pool: pool, root: root}, nil
}

// Root returns the physical address of the top-level table.
func (s *Space) Root() uint64 { return s.root }

func (s *Space) readEntry(addr uint64, size int) (uint64, error) {
	return readEntry(s.pool, addr, size)
}

func (s *Space) writeEntry(addr uint64, size int, entry uint64) error {
	var b [8]byte
	if size == 4 {
		binary.LittleEndian.PutUint32(b[:4], uint32(entry))
	} else {
		binary.LittleEndian.PutUint64(b[:8], entry)
	}
	return s.pool.WritePhys(addr, b[:size])
}

// entrySlot descends to the leaf-level entry slot for virt, allocating
// intermediate tables on first use when alloc is set.
func (s *Space) entrySlot(virt uint64, alloc bool) (addr uint64, size int, err error) {
	table := s.root
	for l, lv := range s.f.Levels {
		entryAddr := table + s.f.index(l, virt)*uint64(lv.EntrySize)
		if l == len(s.f.Levels)-1 {
			return entryAddr, lv.EntrySize, nil
		}
		entry, err := s.readEntry(entryAddr, lv.EntrySize)
		if err != nil {
			return 0, 0, err
		}
		if entry&FlagPresent == 0 {
			if !alloc {
				return 0, 0, fmt.Errorf("level %d for 0x%x: %w", l, virt, ErrNotMapped)
			}
			next, err := s.pool.Alloc(1)
			if err != nil {
				return 0, 0, fmt.Errorf("paging: level %d table: %w", l+1, err)
			}
			entry = s.f.MakeTableEntry(next)
			if err := s.writeEntry(entryAddr, lv.EntrySize, entry); err != nil {
				return 0, 0, err
			}
		}
		table = entry & s.f.AddrMask
	}
	return 0, 0, fmt.Errorf("0x%x: %w", virt, ErrBadFormat)
}

// Map installs a page-granular mapping of [virt, virt+size) onto
// [phys, phys+size) with the given leaf flags. Overlapping an existing
// mapping fails; the caller contract is exact non-overlap.
func (s *Space) Map(virt, phys, size, flags uint64) error {
	if virt%x86Page != 0 || phys%x86Page != 0 || size == 0 || size%x86Page != 0 {
		return ErrMisaligned
	}
	for off := uint64(0); off < size; off += x86Page {
		slot, esz, err := s.entrySlot(virt+off, true)
		if err != nil {
			return err
		}
		old, err := s.readEntry(slot, esz)
		if err != nil {
			return err
		}
		if old&FlagPresent != 0 {
			return fmt.Errorf("0x%x: %w", virt+off, ErrOverlap)
		}
		entry := ((phys + off) & s.f.AddrMask) | (flags &^ s.f.AddrMask)
		if err := s.writeEntry(slot, esz, entry); err != nil {
			return err
		}
	}
	return nil
}

// Unmap removes the exact range mapped earlier. Intermediate tables are left
// in place; only the root is reclaimed, by Destroy, after the caller has
// unmapped every region.
func (s *Space) Unmap(virt, size uint64) error {
	if virt%x86Page != 0 || size == 0 || size%x86Page != 0 {
		return ErrMisaligned
	}
	for off := uint64(0); off < size; off += x86Page {
		slot, esz, err := s.entrySlot(virt+off, false)
		if err != nil {
			return err
		}
		old, err := s.readEntry(slot, esz)
		if err != nil {
			return err
		}
		if old&FlagPresent == 0 {
			return fmt.Errorf("0x%x: %w", virt+off, ErrNotMapped)
		}
		if err := s.writeEntry(slot, esz, 0); err != nil {
			return err
		}
	}
	return nil
}

// Query resolves virt read-only through this space.
func (s *Space) Query(virt uint64) (phys, flags uint64, err error) {
	return Walk(s.pool, s.f, s.root, virt)
}

// Destroy frees the root table. Regions must have been unmapped first.
func (s *Space) Destroy() error {
	if s.root == 0 {
		return nil
	}
	err := s.pool.Free(s.root, 1)
	s.root = 0
	return err
}

const x86Page = 4096
