package svm

import (
	"fmt"

	"github.com/partvisor/partvisor/internal/x86"
)

// handleExit classifies one hardware-reported exit and drives the matching
// emulator. Exits on a CPU are strictly sequential; by the time this runs
// the transition has already spilled the guest registers into the save
// area.
func (c *PerCPU) handleExit() {
	// The world switch clobbered the per-CPU addressing base; restore it
	// before anything else runs.
	c.sys.ops.WriteMSR(x86.MSRGSBase, c.gsBase)

	v := &c.vmcb
	c.stats.Total.Add(1)

	// Dirty by default. Emulators re-validate only the state groups they
	// know they left untouched.
	v.SetAllDirty()

	// RAX lives in the control block across the switch; keep the save
	// area coherent for the emulators, and write back on the way out.
	c.regs.RAX = v.RAX
	defer func() { v.RAX = c.regs.RAX }()

	switch v.ExitCode {
	case ExitInvalid:
		c.log.Error("vm entry failed, control block rejected")

	case ExitNMI:
		c.stats.Management.Add(1)
		// Reopen the interrupt gate for one instant so the pending
		// interrupt latches into the host handler.
		c.sys.ops.SetGIF(true)
		c.sys.ops.SetGIF(false)
		c.checkEvents()
		return

	case ExitCPUID:
		// Not intercepted; the hardware runs CPUID natively. An exit
		// here can only come from a stale control block, resume.
		return

	case ExitVMMCALL:
		c.stats.Hypercall.Add(1)
		state := c.State()
		v.AdvanceRIP(x86.InstLenVMMCALL)
		// A failed call is the caller's problem; the guest always
		// continues, with the verdict delivered in its registers.
		if err := c.handlers.Hypercall.Hypercall(&c.regs, state); err != nil {
			c.log.Warn("hypercall failed", "err", err)
		}
		return

	case ExitCR0SelWrite:
		c.stats.CR.Add(1)
		if c.handleCR() {
			return
		}

	case ExitMSR:
		c.stats.MSR.Add(1)
		if v.ExitInfo1 == 1 {
			if c.handleMSRWrite() {
				return
			}
		} else {
			if c.handleMSRRead() {
				return
			}
		}

	case ExitIOIO:
		c.stats.PortIO.Add(1)
		if c.handlePortIO() {
			return
		}

	case ExitXSETBV:
		c.stats.XSetBV.Add(1)
		if c.handleXSetBV() {
			return
		}

	case ExitNPF:
		if c.handleNPF() {
			return
		}

	default:
		c.log.Error("unhandled exit",
			"code", fmt.Sprintf("0x%x", v.ExitCode),
			"info1", fmt.Sprintf("0x%x", v.ExitInfo1),
			"info2", fmt.Sprintf("0x%x", v.ExitInfo2))
	}

	c.fatal()
}

// checkEvents runs the platform event handler after a management exit. A
// reported startup vector resets the virtual CPU to it, the wake path for a
// CPU another CPU wants to boot.
func (c *PerCPU) checkEvents() {
	if vector := c.handlers.Events.PollEvents(c.id); vector >= 0 {
		c.reset(vector)
		c.regs.Clear()
	}
	c.handlers.Events.CheckPendingFaults(c.id)
}

// fatal dumps the guest state and halts this physical CPU for good. Guest
// and hypervisor state can no longer be trusted after an emulation failure.
func (c *PerCPU) fatal() {
	c.dumpGuestState()
	c.stopped = true
	c.sys.ops.Stop()
}

func (c *PerCPU) dumpGuestState() {
	v := &c.vmcb
	r := &c.regs
	hex := func(x uint64) string { return fmt.Sprintf("0x%016x", x) }

	c.log.Error("guest state at failure",
		"rip", hex(v.RIP), "rsp", hex(v.RSP), "rflags", hex(v.RFlags))
	c.log.Error("guest registers",
		"rax", hex(v.RAX), "rbx", hex(r.RBX), "rcx", hex(r.RCX),
		"rdx", hex(r.RDX), "rsi", hex(r.RSI), "rdi", hex(r.RDI))
	c.log.Error("guest control state",
		"cr0", hex(v.CR0), "cr3", hex(v.CR3), "cr4", hex(v.CR4),
		"efer", hex(v.EFER))
	c.log.Error("guest segments",
		"cs", fmt.Sprintf("0x%x base 0x%x", v.CS.Selector, v.CS.Base),
		"ds", fmt.Sprintf("0x%x", v.DS.Selector),
		"ss", fmt.Sprintf("0x%x", v.SS.Selector),
		"cpl", v.CPL)
	c.log.Error("exit reason",
		"code", fmt.Sprintf("0x%x", v.ExitCode),
		"info1", hex(v.ExitInfo1), "info2", hex(v.ExitInfo2))
}
