// Package hv defines the capability surface of the per-CPU virtualization
// core: the contracts a hardware-extension variant implements, the
// collaborator interfaces the exit dispatcher delegates to, and the per-CPU
// exit statistics an external reporting layer reads.
package hv

import (
	"errors"

	"github.com/partvisor/partvisor/internal/pagepool"
	"github.com/partvisor/partvisor/internal/x86"
)

var (
	// ErrNotSupported: the hardware virtualization extension is absent.
	ErrNotSupported = errors.New("hv: virtualization extension not supported")
	// ErrNoNestedPaging: the extension lacks second-level address translation.
	ErrNoNestedPaging = errors.New("hv: nested paging not supported")
	// ErrDisabledByFirmware: the extension is fused off or locked by firmware.
	ErrDisabledByFirmware = errors.New("hv: virtualization disabled by firmware")
	// ErrAlreadyEnabled: the enable bit is already set on this CPU.
	ErrAlreadyEnabled = errors.New("hv: virtualization already enabled")
	// ErrCPUStopped: the CPU was halted by the fatal path and will not resume.
	ErrCPUStopped = errors.New("hv: cpu stopped")
)

// HostState is the host processor state captured at the moment
// virtualization is armed. The control-block builder transcodes it so a
// success entry resumes the host in its own context.
type HostState struct {
	CR0, CR3, CR4 uint64
	EFER          uint64

	CS, DS, ES, FS, GS, TSS x86.Segment
	GDTR, IDTR              x86.DescTable

	// SP and IP locate the frame the host's restart path expects.
	SP, IP uint64

	// SavedRegs holds the callee-saved registers the entry transition
	// restores before handing the CPU to the guest: r15, r14, r13, r12,
	// rbx, rbp in push order.
	SavedRegs [6]uint64
}

// ExecState is the guest execution snapshot passed to the hypercall
// collaborator.
type ExecState struct {
	EFER   uint64
	RFlags uint64
	CS     uint16
	RIP    uint64
}

// Memory region permission flags.
const (
	MemRead = 1 << iota
	MemWrite
	MemExecute
	// MemCommRegion redirects the mapping to the cell's shared
	// communication page regardless of the physical address requested.
	MemCommRegion
)

// MemRegion describes one guest-physical memory assignment of a cell.
type MemRegion struct {
	PhysStart uint64
	VirtStart uint64
	Size      uint64
	Flags     uint64
}

// HostOps is the narrow boundary to the physical CPU the core runs on. On
// real hardware these are privileged instructions; tests and the scenario
// runner provide a software model.
type HostOps interface {
	CPUID(leaf, sub uint32) (eax, ebx, ecx, edx uint32)
	ReadMSR(msr uint32) uint64
	WriteMSR(msr uint32, val uint64)
	WriteCR0(val uint64)
	WriteCR4(val uint64)
	// SetGIF toggles the global interrupt gate.
	SetGIF(enabled bool)
	XSetBV(index uint32, val uint64)
	// Stop halts this physical CPU permanently.
	Stop()
}

// HypercallHandler receives explicit guest-to-hypervisor calls. The guest is
// resumed unconditionally after the call returns.
type HypercallHandler interface {
	Hypercall(regs *x86.GuestRegs, state ExecState) error
}

// PortIOHandler receives trapped port accesses. It reports whether the
// access was handled; an unhandled port is fatal to the guest.
type PortIOHandler interface {
	PortAccess(regs *x86.GuestRegs, port uint16, size int, in, str bool) bool
}

// IRQController emulates the interrupt controller behind its trapped MMIO
// page and register range.
type IRQController interface {
	// MMIOAccess handles an access to controller register index. It
	// returns the trapped instruction's byte length, or 0 on failure.
	MMIOAccess(regs *x86.GuestRegs, index int, isWrite bool) int
	// MSRRead synthesizes a read of the controller register selected by
	// the guest's RCX into RAX/RDX.
	MSRRead(regs *x86.GuestRegs)
	// MSRWrite applies and validates a write; false is fatal.
	MSRWrite(regs *x86.GuestRegs) bool
}

// FaultHandler receives second-level page faults that are not
// interrupt-controller accesses.
type FaultHandler interface {
	PageFault(regs *x86.GuestRegs, phys uint64, isWrite bool) bool
}

// BSPPseudoSIPI is the synthetic startup vector for the bootstrap CPU. A
// reset with this vector lands on the architectural reset entry point
// instead of a real startup trampoline.
const BSPPseudoSIPI = 0x100

// PlatformEvents is polled once per management exit.
type PlatformEvents interface {
	// PollEvents returns a startup vector for this CPU, or -1.
	PollEvents(cpu int) int
	// CheckPendingFaults reports and clears pending hardware fault state.
	CheckPendingFaults(cpu int)
}

// Handlers bundles the collaborators the dispatcher drives.
type Handlers struct {
	Hypercall HypercallHandler
	PortIO    PortIOHandler
	IRQ       IRQController
	Fault     FaultHandler
	Events    PlatformEvents
}

// Cell is one isolated guest partition's second-level address space plus the
// per-cell intercept state.
type Cell interface {
	Name() string
	MapRegion(r MemRegion) error
	UnmapRegion(r MemRegion) error
	// Translate resolves a guest-physical address.
	Translate(phys uint64) (hostPhys, flags uint64, err error)
	Destroy() error
}

// CPU is one physical CPU's virtual-execution context. Exactly one exists
// per CPU; exits on it are strictly sequential.
type CPU interface {
	Enable() error
	Disable()
	// Activate enters the guest and services exits until the guest leaves
	// virtualization or the CPU is stopped by the fatal path.
	Activate() error
	Park()
	FlushTLB()
	State() ExecState
	Stats() *Stats
}

// Variant is implemented once per hardware virtualization extension and
// selected at startup by feature detection.
type Variant interface {
	Name() string
	// Init checks hardware features and builds the process-wide intercept
	// tables and the parked-mode mapping.
	Init(pool *pagepool.Pool) error
	NewCell(name string) (Cell, error)
	NewCPU(id int, cell Cell, host *HostState, handlers Handlers) (CPU, error)
}
