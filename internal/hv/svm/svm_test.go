package svm

import (
	"errors"
	"testing"

	"github.com/partvisor/partvisor/internal/hv"
	"github.com/partvisor/partvisor/internal/pagepool"
	"github.com/partvisor/partvisor/internal/paging"
	"github.com/partvisor/partvisor/internal/x86"
)

func newTestPool(t *testing.T) *pagepool.Pool {
	t.Helper()
	pool, err := pagepool.New("svm-test", 256, 0x1000000)
	if err != nil {
		t.Fatalf("pagepool.New: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestInitRequiresSVM(t *testing.T) {
	ops := newFakeOps()
	ops.setCPUID(0x80000001, 0, 0, 0, 0, 0)
	s := New(ops, &scriptRunner{}, Options{})
	if err := s.Init(newTestPool(t)); !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestInitRequiresNestedPaging(t *testing.T) {
	ops := newFakeOps()
	ops.setCPUID(0x8000000A, 0, 1, 8, 0, cpuidFeatDecodeAssist)
	s := New(ops, &scriptRunner{}, Options{})
	if err := s.Init(newTestPool(t)); !errors.Is(err, hv.ErrNoNestedPaging) {
		t.Fatalf("expected ErrNoNestedPaging, got %v", err)
	}
}

func TestInitRejectsFirmwareDisable(t *testing.T) {
	ops := newFakeOps()
	ops.msrs[x86.MSRVMCR] = vmcrSVMDis
	s := New(ops, &scriptRunner{}, Options{})
	if err := s.Init(newTestPool(t)); !errors.Is(err, hv.ErrDisabledByFirmware) {
		t.Fatalf("expected ErrDisabledByFirmware, got %v", err)
	}
}

func TestInitIsOneShot(t *testing.T) {
	ops := newFakeOps()
	s := New(ops, &scriptRunner{}, Options{})
	pool := newTestPool(t)
	if err := s.Init(pool); err != nil {
		t.Fatalf("Init: %v", err)
	}
	used := pool.Used()
	if err := s.Init(pool); err != nil {
		t.Fatalf("Init again: %v", err)
	}
	if pool.Used() != used {
		t.Fatalf("second Init allocated pages: %d -> %d", used, pool.Used())
	}
}

func TestMSRBitmapDefaults(t *testing.T) {
	m := buildMSRBitmap(false)

	// Trapped writes.
	for _, msr := range []uint32{x86.MSRAPICBase, x86.MSRMTRRDefType, x86.MSREFER} {
		if !m.Trapped(msr, true) {
			t.Fatalf("msr 0x%x write should be trapped", msr)
		}
		if m.Trapped(msr, false) {
			t.Fatalf("msr 0x%x read should pass through", msr)
		}
	}
	// Pass-through examples.
	for _, msr := range []uint32{x86.MSRPAT, x86.MSRStar, x86.MSRLStar, x86.MSRFSBase} {
		if m.Trapped(msr, false) || m.Trapped(msr, true) {
			t.Fatalf("msr 0x%x should pass through", msr)
		}
	}
	// Outside all quadrants means no direct access.
	if !m.Trapped(0x40000000, false) {
		t.Fatalf("unmapped msr range should trap")
	}
	// The interrupt-command register is trapped both ways.
	if !m.Trapped(x86.MSRX2APICICR, false) || !m.Trapped(x86.MSRX2APICICR, true) {
		t.Fatalf("icr should be fully trapped without the carve-out")
	}
}

func TestMSRBitmapX2APICCarveOut(t *testing.T) {
	m := buildMSRBitmap(true)

	if m.Trapped(x86.MSRX2APICICR, false) {
		t.Fatalf("icr read should pass through in compatibility mode")
	}
	if !m.Trapped(x86.MSRX2APICICR, true) {
		t.Fatalf("icr write must stay trapped in compatibility mode")
	}
	// The rest of the controller range is direct.
	for _, msr := range []uint32{0x802, 0x808, 0x820, 0x83f} {
		if m.Trapped(msr, false) || m.Trapped(msr, true) {
			t.Fatalf("msr 0x%x should pass through in compatibility mode", msr)
		}
	}
	// The base traps stay regardless.
	if !m.Trapped(x86.MSREFER, true) {
		t.Fatalf("efer write must stay trapped")
	}
}

func TestParkingPageLayout(t *testing.T) {
	ops := newFakeOps()
	s := New(ops, &scriptRunner{}, Options{})
	pool := newTestPool(t)
	if err := s.Init(pool); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// The parked mapping must resolve the reset entry point to the halt
	// loop.
	phys, flags, err := paging.Walk(pool, nptFormat, s.parkedRoot,
		parkingCodeBase+parkingCodeOffset)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if flags&paging.FlagRW != 0 {
		t.Fatalf("parking page must not be writable, flags 0x%x", flags)
	}
	var code [4]byte
	if err := pool.ReadPhys(phys, code[:]); err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if code != parkingCode {
		t.Fatalf("expected halt loop %x, got %x", parkingCode, code)
	}
}

func TestIOBitmapAllTrapped(t *testing.T) {
	w := newWorld(t, Options{})

	b, err := w.pool.Bytes(w.cell.iopm, ioBitmapPages*x86.PageSize)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	for i, v := range b {
		if v != 0xff {
			t.Fatalf("io bitmap byte %d not fully trapped: %#x", i, v)
		}
	}
}
