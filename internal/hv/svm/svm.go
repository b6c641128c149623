// Package svm implements the AMD-V variant of the per-CPU virtualization
// core: control-block construction, the VM-exit dispatcher and its
// sensitive-instruction emulators, the nested page tables backing each
// cell's memory view, and the parked mode for CPUs with no assigned cell.
package svm

import (
	"fmt"
	"sync"

	"github.com/partvisor/partvisor/internal/hv"
	"github.com/partvisor/partvisor/internal/pagepool"
	"github.com/partvisor/partvisor/internal/paging"
	"github.com/partvisor/partvisor/internal/x86"
)

// CPUID feature bits for the extension.
const (
	cpuidFeatSVM          = 1 << 2  // 0x80000001 ECX
	cpuidFeatNP           = 1 << 0  // 0x8000000A EDX
	cpuidFeatFlushByASID  = 1 << 6  // 0x8000000A EDX
	cpuidFeatDecodeAssist = 1 << 7  // 0x8000000A EDX
	cpuidFeatAVIC         = 1 << 13 // 0x8000000A EDX
)

// VM_CR bit: the extension was disabled by firmware.
const vmcrSVMDis = 1 << 4

// Runner executes the guest described by a control block until the next
// exit, leaving the exit code and exit information in the control block.
// On hardware this is the vmload/vmrun/vmsave transition; the scenario
// runner and tests provide a software model. Run reports false when the
// guest has left virtualization for good and the CPU loop should unwind.
type Runner interface {
	Run(vmcb *VMCB, regs *x86.GuestRegs) bool
}

// Options selects platform-wide interrupt-controller behavior.
type Options struct {
	// X2APIC opens direct access to the virtual-APIC register range
	// except interrupt-command writes.
	X2APIC bool
}

// SVM is the AMD-V implementation of hv.Variant. One instance exists per
// process; Init must run before cells or CPUs are created.
type SVM struct {
	ops    hv.HostOps
	runner Runner
	opts   Options

	pool *pagepool.Pool

	hasAssists     bool
	hasAVIC        bool
	hasFlushByASID bool

	initOnce sync.Once
	initErr  error

	msrpm       *msrBitmap
	msrpmPhys   uint64
	parkingCode uint64
	parkedRoot  uint64
	avicPage    uint64
}

// New returns an uninitialized AMD-V variant bound to a host boundary and
// an enter-guest runner.
func New(ops hv.HostOps, runner Runner, opts Options) *SVM {
	return &SVM{ops: ops, runner: runner, opts: opts}
}

func (s *SVM) Name() string { return "svm" }

// checkFeatures probes the extension's CPU-identification leaves. Nested
// paging is mandatory; decode assists, AVIC and flush-by-ASID are remembered
// for later paths.
func (s *SVM) checkFeatures() error {
	_, _, ecx, _ := s.ops.CPUID(0x80000001, 0)
	if ecx&cpuidFeatSVM == 0 {
		return hv.ErrNotSupported
	}
	_, _, _, edx := s.ops.CPUID(0x8000000A, 0)
	if edx&cpuidFeatNP == 0 {
		return hv.ErrNoNestedPaging
	}
	s.hasAssists = edx&cpuidFeatDecodeAssist != 0
	s.hasAVIC = edx&cpuidFeatAVIC != 0
	s.hasFlushByASID = edx&cpuidFeatFlushByASID != 0
	return nil
}

// Init implements hv.Variant. It verifies hardware support, builds the
// process-wide MSR intercept bitmap and maps the shared parking code page.
// The results are immutable afterwards.
func (s *SVM) Init(pool *pagepool.Pool) error {
	s.initOnce.Do(func() {
		s.initErr = s.init(pool)
	})
	return s.initErr
}

func (s *SVM) init(pool *pagepool.Pool) error {
	if err := s.checkFeatures(); err != nil {
		return err
	}
	if s.ops.ReadMSR(x86.MSRVMCR)&vmcrSVMDis != 0 {
		return hv.ErrDisabledByFirmware
	}
	s.pool = pool

	s.msrpm = buildMSRBitmap(s.opts.X2APIC)
	msrpm, err := pool.Alloc(msrBitmapPages)
	if err != nil {
		return fmt.Errorf("svm: msr bitmap: %w", err)
	}
	for q := range s.msrpm {
		if err := pool.WritePhys(msrpm+uint64(q*0x800), s.msrpm[q][:]); err != nil {
			return err
		}
	}
	s.msrpmPhys = msrpm

	// The parking page is laid out so the code starts at 0x000ffff0, the
	// address a reset vector of 0xf0 lands on.
	code, err := pool.Alloc(1)
	if err != nil {
		return fmt.Errorf("svm: parking code page: %w", err)
	}
	if err := pool.WritePhys(code+parkingCodeOffset, parkingCode[:]); err != nil {
		return err
	}
	s.parkingCode = code

	parked, err := paging.NewSpace(nptFormat, pool)
	if err != nil {
		return fmt.Errorf("svm: parked mapping: %w", err)
	}
	if err := parked.Map(parkingCodeBase, code, x86.PageSize,
		paging.FlagPresent|paging.FlagUser); err != nil {
		return fmt.Errorf("svm: parked mapping: %w", err)
	}
	s.parkedRoot = parked.Root()

	if !s.opts.X2APIC && s.hasAVIC {
		s.avicPage, err = pool.Alloc(1)
		if err != nil {
			return fmt.Errorf("svm: avic page: %w", err)
		}
	}
	return nil
}

var _ hv.Variant = (*SVM)(nil)
