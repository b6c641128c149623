// Package sim is a software model of the host boundary: a CPUID table, an
// MSR file, control-register and interrupt-gate state, and a scripted
// enter-guest runner. Tests and the scenario CLI use it to exercise the
// whole exit path without AMD hardware.
package sim

import (
	"github.com/partvisor/partvisor/internal/hv"
	"github.com/partvisor/partvisor/internal/hv/svm"
	"github.com/partvisor/partvisor/internal/x86"
)

// Host implements hv.HostOps over plain in-memory state.
type Host struct {
	MSRs map[uint32]uint64
	XCRs map[uint32]uint64

	CR0, CR4 uint64
	GIF      bool
	Halted   bool

	// CPUID table keyed by leaf<<32 | subleaf.
	CPUIDs map[uint64][4]uint32

	// GIFToggles counts gate transitions, for the management-exit tests.
	GIFToggles int
}

// NewAMDHost returns a host model advertising the full AMD-V feature set:
// nested paging, decode assists, flush-by-ASID and AVIC.
func NewAMDHost() *Host {
	h := &Host{
		MSRs:   map[uint32]uint64{},
		XCRs:   map[uint32]uint64{},
		GIF:    true,
		CPUIDs: map[uint64][4]uint32{},
	}
	// Vendor "AuthenticAMD".
	h.SetCPUID(0, 0, 0xd, 0x68747541, 0x444d4163, 0x69746e65)
	// XSAVE available.
	h.SetCPUID(1, 0, 0, 0, 1<<26, 0)
	// x87 and SSE state supported.
	h.SetCPUID(0x0d, 0, 0x3, 0, 0, 0)
	// SVM present.
	h.SetCPUID(0x80000001, 0, 0, 0, 1<<2, 0)
	// Nested paging, flush-by-ASID, decode assists, AVIC.
	h.SetCPUID(0x8000000A, 0, 1, 8, 0, 1<<0|1<<6|1<<7|1<<13)
	return h
}

func (h *Host) SetCPUID(leaf, sub, eax, ebx, ecx, edx uint32) {
	h.CPUIDs[uint64(leaf)<<32|uint64(sub)] = [4]uint32{eax, ebx, ecx, edx}
}

func (h *Host) CPUID(leaf, sub uint32) (eax, ebx, ecx, edx uint32) {
	r := h.CPUIDs[uint64(leaf)<<32|uint64(sub)]
	return r[0], r[1], r[2], r[3]
}

func (h *Host) ReadMSR(msr uint32) uint64       { return h.MSRs[msr] }
func (h *Host) WriteMSR(msr uint32, val uint64) { h.MSRs[msr] = val }
func (h *Host) WriteCR0(val uint64)             { h.CR0 = val }
func (h *Host) WriteCR4(val uint64)             { h.CR4 = val }

func (h *Host) SetGIF(enabled bool) {
	if h.GIF != enabled {
		h.GIFToggles++
	}
	h.GIF = enabled
}

func (h *Host) XSetBV(index uint32, val uint64) { h.XCRs[index] = val }
func (h *Host) Stop()                           { h.Halted = true }

var _ hv.HostOps = (*Host)(nil)

// Event is one scripted exit: the code and exit information the hardware
// would report, plus register state the guest supposedly produced before
// trapping. RAX is routed into the control block, where it lives across the
// world switch.
type Event struct {
	Code         uint64
	Info1, Info2 uint64
	Regs         map[string]uint64

	// Apply, when set, runs after Regs for adjustments a map cannot
	// express.
	Apply func(vmcb *svm.VMCB, regs *x86.GuestRegs)
}

// Runner replays a fixed event sequence through the svm.Runner contract.
// An exhausted script ends the guest.
type Runner struct {
	Events  []Event
	Entries int
}

func setReg(vmcb *svm.VMCB, regs *x86.GuestRegs, name string, val uint64) {
	switch name {
	case "rax":
		vmcb.RAX = val
	case "rbx":
		regs.RBX = val
	case "rcx":
		regs.RCX = val
	case "rdx":
		regs.RDX = val
	case "rsi":
		regs.RSI = val
	case "rdi":
		regs.RDI = val
	case "rbp":
		regs.RBP = val
	case "rsp":
		vmcb.RSP = val
	case "rip":
		vmcb.RIP = val
	case "r8":
		regs.R8 = val
	case "r9":
		regs.R9 = val
	case "r10":
		regs.R10 = val
	case "r11":
		regs.R11 = val
	case "r12":
		regs.R12 = val
	case "r13":
		regs.R13 = val
	case "r14":
		regs.R14 = val
	case "r15":
		regs.R15 = val
	}
}

func (r *Runner) Run(vmcb *svm.VMCB, regs *x86.GuestRegs) bool {
	r.Entries++
	if len(r.Events) == 0 {
		return false
	}
	ev := r.Events[0]
	r.Events = r.Events[1:]

	vmcb.ExitCode = ev.Code
	vmcb.ExitInfo1 = ev.Info1
	vmcb.ExitInfo2 = ev.Info2
	vmcb.BytesFetched = 0
	for name, val := range ev.Regs {
		setReg(vmcb, regs, name, val)
	}
	if ev.Apply != nil {
		ev.Apply(vmcb, regs)
	}
	return true
}

var _ svm.Runner = (*Runner)(nil)
