package svm

import "github.com/partvisor/partvisor/internal/x86"

// msrBitmap is the process-wide MSR intercept table: two bits per register
// (read, write), a set bit traps the access. Quadrant 0 covers MSRs
// 0x00000000-0x00001fff, quadrant 1 0xc0000000-0xc0001fff, quadrant 2
// 0xc0010000-0xc0011fff; the last quadrant is reserved.
type msrBitmap [4][0x800]byte

func (m *msrBitmap) locate(msr uint32) (quadrant int, index uint32, ok bool) {
	switch {
	case msr <= 0x1fff:
		return 0, msr, true
	case msr >= 0xc0000000 && msr <= 0xc0001fff:
		return 1, msr - 0xc0000000, true
	case msr >= 0xc0010000 && msr <= 0xc0011fff:
		return 2, msr - 0xc0010000, true
	}
	return 0, 0, false
}

func (m *msrBitmap) set(msr uint32, read, write bool) {
	q, i, ok := m.locate(msr)
	if !ok {
		return
	}
	bit := (i % 4) * 2
	if read {
		m[q][i/4] |= 1 << bit
	} else {
		m[q][i/4] &^= 1 << bit
	}
	if write {
		m[q][i/4] |= 1 << (bit + 1)
	} else {
		m[q][i/4] &^= 1 << (bit + 1)
	}
}

// Trapped reports whether an access to msr is intercepted.
func (m *msrBitmap) Trapped(msr uint32, write bool) bool {
	q, i, ok := m.locate(msr)
	if !ok {
		return true
	}
	bit := (i % 4) * 2
	if write {
		bit++
	}
	return m[q][i/4]&(1<<bit) != 0
}

// The virtual-APIC register accesses that must stay trapped when the
// controller is emulated rather than accelerated.
var x2apicTraps = []struct {
	lo, hi      uint32
	read, write bool
}{
	{0x802, 0x803, true, false},
	{0x808, 0x808, true, true},
	{0x80a, 0x80a, true, false},
	{0x80b, 0x80b, false, true},
	{0x80d, 0x80d, false, true},
	{0x80f, 0x80f, true, true},
	{0x810, 0x827, true, false},
	{0x828, 0x828, true, true},
	{0x82f, 0x82f, true, true},
	{0x830, 0x830, true, true},
	{0x832, 0x833, true, true},
	{0x834, 0x837, true, true},
	{0x838, 0x838, true, true},
	{0x839, 0x839, true, false},
	{0x83e, 0x83e, true, true},
	{0x83f, 0x83f, true, false},
}

// buildMSRBitmap constructs the intercept table. Everything defaults to
// direct access; only the registers the emulators must see are trapped.
// When the hardware exposes x2APIC mode the virtual-APIC range is opened
// up except for interrupt-command writes.
func buildMSRBitmap(x2apic bool) *msrBitmap {
	m := &msrBitmap{}

	m.set(x86.MSRAPICBase, false, true)
	m.set(x86.MSRMTRRDefType, false, true)
	m.set(x86.MSREFER, false, true)

	if x2apic {
		m.set(x86.MSRX2APICICR, false, true)
		return m
	}
	for _, t := range x2apicTraps {
		for msr := t.lo; msr <= t.hi; msr++ {
			m.set(msr, t.read, t.write)
		}
	}
	return m
}

// Pages backing the pool copy of the MSR intercept table the control block
// points at.
const msrBitmapPages = 2

// Number of pages of the per-cell I/O-port bitmap: one bit per port for
// 0x10000 ports, plus the trailing bits the hardware reads past the end.
const ioBitmapPages = 3

// newIOBitmap allocates a cell's port bitmap with every port trapped.
func (s *SVM) newIOBitmap() (uint64, error) {
	phys, err := s.pool.Alloc(ioBitmapPages)
	if err != nil {
		return 0, err
	}
	b, err := s.pool.Bytes(phys, ioBitmapPages*x86.PageSize)
	if err != nil {
		return 0, err
	}
	for i := range b {
		b[i] = 0xff
	}
	return phys, nil
}
