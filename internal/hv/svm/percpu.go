package svm

import (
	"fmt"
	"log/slog"

	"github.com/partvisor/partvisor/internal/hv"
	"github.com/partvisor/partvisor/internal/x86"
)

// PerCPU is one physical CPU's virtualization context: its control block,
// the shared register save area and the exit counters. All methods run on
// the owning CPU; nothing here is safe for concurrent use.
type PerCPU struct {
	id   int
	sys  *SVM
	cell *Cell

	host     *hv.HostState
	handlers hv.Handlers

	vmcb VMCB
	regs x86.GuestRegs

	stats hv.Stats

	// hsave is the page the hardware spills host state into across the
	// world switch.
	hsave uint64

	// gsBase is captured when virtualization is armed and rewritten at
	// the start of every exit, before any Go code that may touch
	// thread-local state runs.
	gsBase uint64

	enabled bool
	stopped bool

	log *slog.Logger
}

// NewCPU implements hv.Variant.
func (s *SVM) NewCPU(id int, cell hv.Cell, host *hv.HostState, handlers hv.Handlers) (hv.CPU, error) {
	c, ok := cell.(*Cell)
	if !ok {
		return nil, fmt.Errorf("svm: cpu %d: foreign cell %q", id, cell.Name())
	}
	return &PerCPU{
		id:       id,
		sys:      s,
		cell:     c,
		host:     host,
		handlers: handlers,
		log:      slog.With("cpu", id),
	}, nil
}

// Enable arms virtualization on this CPU: the enable bit is set, the control
// block is built from the captured host state and the host-save area is
// registered. The CPU is ready for Activate afterwards.
func (c *PerCPU) Enable() error {
	if c.host.CR0&x86.CR0Reserved != 0 {
		return fmt.Errorf("svm: cpu %d: unknown host cr0 bits 0x%x",
			c.id, c.host.CR0&x86.CR0Reserved)
	}

	efer := c.sys.ops.ReadMSR(x86.MSREFER)
	if efer&x86.EferSVME != 0 {
		return hv.ErrAlreadyEnabled
	}
	c.sys.ops.WriteMSR(x86.MSREFER, efer|x86.EferSVME)

	// Force a well-defined host control state before the first world
	// switch.
	c.sys.ops.WriteCR0(c.host.CR0 | x86.CR0HostState)
	c.sys.ops.WriteCR4(c.host.CR4 | x86.CR4HostState)

	hsave, err := c.sys.pool.Alloc(1)
	if err != nil {
		c.sys.ops.WriteMSR(x86.MSREFER, efer)
		return fmt.Errorf("svm: cpu %d: host-save area: %w", c.id, err)
	}
	c.hsave = hsave
	c.sys.ops.WriteMSR(x86.MSRVMHSavePA, hsave)

	c.gsBase = c.sys.ops.ReadMSR(x86.MSRGSBase)

	c.vmcbSetup()
	c.enabled = true
	return nil
}

// Disable tears virtualization back down. The interrupt gate is reopened and
// the enable bit cleared; the CPU is back to its pre-Enable state.
func (c *PerCPU) Disable() {
	if !c.enabled {
		return
	}
	c.sys.ops.SetGIF(true)
	c.sys.ops.WriteMSR(x86.MSRVMHSavePA, 0)
	c.sys.ops.WriteMSR(x86.MSREFER, c.sys.ops.ReadMSR(x86.MSREFER)&^uint64(x86.EferSVME))
	if c.hsave != 0 {
		if err := c.sys.pool.Free(c.hsave, 1); err != nil {
			c.log.Error("host-save area leak", "err", err)
		}
		c.hsave = 0
	}
	c.enabled = false
}

// Activate enters the guest and services exits until the guest finally
// leaves virtualization, or until the fatal path stops the CPU.
func (c *PerCPU) Activate() error {
	// The guest owns the PAT from here on.
	c.sys.ops.WriteMSR(x86.MSRPAT, x86.PATResetValue)
	c.sys.ops.SetGIF(false)

	for c.sys.runner.Run(&c.vmcb, &c.regs) {
		c.handleExit()
		if c.stopped {
			return hv.ErrCPUStopped
		}
	}
	return nil
}

// Deactivate undoes what entering the guest changed on the host side and
// returns the state the host restart path needs. The control block holds the
// authoritative copies of the syscall MSRs at this point.
func (c *PerCPU) Deactivate() *hv.HostState {
	v := &c.vmcb

	c.sys.ops.WriteMSR(x86.MSRStar, v.STAR)
	c.sys.ops.WriteMSR(x86.MSRLStar, v.LSTAR)
	c.sys.ops.WriteMSR(x86.MSRCStar, v.CSTAR)
	c.sys.ops.WriteMSR(x86.MSRSFMask, v.SFMask)
	c.sys.ops.WriteMSR(x86.MSRKernelGSBase, v.KernelGSBase)
	c.sys.ops.WriteMSR(x86.MSRPAT, v.GPAT)
	c.sys.ops.WriteMSR(x86.MSRSysenterCS, v.SysenterCS)
	c.sys.ops.WriteMSR(x86.MSRSysenterESP, v.SysenterESP)
	c.sys.ops.WriteMSR(x86.MSRSysenterEIP, v.SysenterEIP)

	return &hv.HostState{
		CR0:  v.CR0,
		CR3:  v.CR3,
		CR4:  v.CR4,
		EFER: v.EFER &^ uint64(x86.EferSVME),
		CS:   x86.Segment{Selector: v.CS.Selector},
		DS:   x86.Segment{Selector: v.DS.Selector},
		ES:   x86.Segment{Selector: v.ES.Selector},
		FS:   x86.Segment{Selector: v.FS.Selector, Base: v.FS.Base},
		GS:   x86.Segment{Selector: v.GS.Selector, Base: v.GS.Base},
		TSS:  x86.Segment{Selector: v.TR.Selector},
		GDTR: x86.DescTable{Base: v.GDTR.Base, Limit: uint16(v.GDTR.Limit)},
		IDTR: x86.DescTable{Base: v.IDTR.Base, Limit: uint16(v.IDTR.Limit)},
		SP:   v.RSP,
		IP:   v.RIP,
	}
}

// Park switches this CPU to the halt-loop mapping. The guest context is
// reset as if a startup signal had arrived and the nested tables are swapped
// for the shared parked mapping.
func (c *PerCPU) Park() {
	c.reset(hv.BSPPseudoSIPI)
	c.vmcb.NCR3 = c.sys.parkedRoot
	c.vmcb.MarkDirty(cleanNP)
	c.FlushTLB()
}

// FlushTLB requests a guest TLB flush on the next entry, narrowed to this
// guest's ASID when the hardware can.
func (c *PerCPU) FlushTLB() {
	if c.sys.hasFlushByASID {
		c.vmcb.TLBControl = tlbFlushGuest
	} else {
		c.vmcb.TLBControl = tlbFlushAll
	}
}

// State returns the execution snapshot for the hypercall collaborator.
func (c *PerCPU) State() hv.ExecState {
	return hv.ExecState{
		EFER:   c.vmcb.EFER,
		RFlags: c.vmcb.RFlags,
		CS:     c.vmcb.CS.Selector,
		RIP:    c.vmcb.RIP,
	}
}

func (c *PerCPU) Stats() *hv.Stats { return &c.stats }

// Regs exposes the register save area to the entry transition and to tests.
func (c *PerCPU) Regs() *x86.GuestRegs { return &c.regs }

// VMCB exposes the control block to the entry transition and to tests.
func (c *PerCPU) VMCB() *VMCB { return &c.vmcb }

var _ hv.CPU = (*PerCPU)(nil)
