package svm

import (
	"errors"
	"fmt"

	"github.com/partvisor/partvisor/internal/paging"
	"github.com/partvisor/partvisor/internal/x86"
)

var (
	errBadPagingMode = errors.New("svm: unsupported guest paging mode")
	errBadInst       = errors.New("svm: unexpected instruction")
)

// guestPagingStructs classifies the guest's own translation regime from its
// control state. With paging off the fixed root points the walk at the page
// holding the bootstrap code, which every cell maps.
func (c *PerCPU) guestPagingStructs() (*paging.Format, uint64, error) {
	v := &c.vmcb
	switch {
	case v.EFER&x86.EferLMA != 0:
		return paging.X86_64, v.CR3 & paging.PhysAddrMask, nil
	case v.CR0&x86.CR0PG != 0 && v.CR4&x86.CR4PAE == 0:
		return paging.I386, v.CR3 & 0xfffff000, nil
	case v.CR0&x86.CR0PG == 0:
		return paging.RealMode, parkingCodeBase, nil
	}
	// 32-bit PAE. Not worth a third walker.
	return nil, 0, errBadPagingMode
}

// nptReader adapts a cell's nested tables to the walker's reader interface:
// guest-physical entry addresses become host-physical pool reads.
type nptReader struct {
	cell *Cell
}

func (r nptReader) ReadPhys(addr uint64, b []byte) error {
	return r.cell.readGuestPhys(addr, b)
}

// fetchInst returns up to n instruction bytes at the guest's current RIP.
// The hardware's fetch buffer is used when the exit filled it; otherwise the
// bytes are pulled through the guest's own page tables and the nested
// tables, page by page.
func (c *PerCPU) fetchInst(n int) ([]byte, error) {
	v := &c.vmcb
	if c.sys.hasAssists && v.BytesFetched > 0 {
		if int(v.BytesFetched) < n {
			n = int(v.BytesFetched)
		}
		return v.GuestBytes[:n], nil
	}

	format, root, err := c.guestPagingStructs()
	if err != nil {
		return nil, err
	}

	// Long mode ignores the CS base for code addressing.
	linear := v.RIP
	if v.EFER&x86.EferLMA == 0 {
		linear += v.CS.Base
	}
	buf := make([]byte, 0, n)
	r := nptReader{c.cell}
	for len(buf) < n {
		gphys, _, err := paging.Walk(r, format, root, linear)
		if err != nil {
			return nil, fmt.Errorf("svm: inst fetch at 0x%x: %w", linear, err)
		}
		chunk := x86.PageSize - int(linear%x86.PageSize)
		if rest := n - len(buf); chunk > rest {
			chunk = rest
		}
		part := make([]byte, chunk)
		if err := c.cell.readGuestPhys(gphys, part); err != nil {
			return nil, fmt.Errorf("svm: inst fetch at 0x%x: %w", linear, err)
		}
		buf = append(buf, part...)
		linear += uint64(chunk)
	}
	return buf, nil
}

// parseMOVToCR decodes a mov-to-control-register instruction and returns
// the general-purpose source register index. Prefix bytes are not handled,
// so only the low eight registers can be the source. Only the register the
// exit reported may be the destination.
func parseMOVToCR(code []byte, cr int) (int, error) {
	if len(code) < 3 || code[0] != 0x0f || code[1] != 0x22 {
		return 0, errBadInst
	}
	modrm := code[2]
	if int(modrm>>3&7) != cr {
		return 0, fmt.Errorf("svm: mov to cr%d, expected cr%d: %w",
			modrm>>3&7, cr, errBadInst)
	}
	return int(modrm & 7), nil
}
