package svm

import (
	"fmt"

	"github.com/partvisor/partvisor/internal/x86"
)

// XSAVE feature bit in CPUID leaf 1 ECX.
const cpuidFeatXSave = 1 << 26

// setCR0 applies a guest write to control register 0. Bits the hardware
// cannot virtualize are masked off; toggling any of the paging or cache
// control bits costs a TLB flush.
func (c *PerCPU) setCR0(val uint64) {
	v := &c.vmcb
	if (v.CR0^val)&(x86.CR0PG|x86.CR0WP|x86.CR0CD|x86.CR0NW) != 0 {
		c.FlushTLB()
	}
	v.CR0 = val &^ uint64(x86.CR0NW)
	v.MarkDirty(cleanCRX)
	if val&x86.CR0PG != 0 {
		c.updateEFER()
	}
}

// updateEFER derives the long-mode-active bit the hardware does not set on
// its own when paging is enabled under long-mode-enable.
func (c *PerCPU) updateEFER() {
	v := &c.vmcb
	efer := v.EFER
	if efer&(x86.EferLME|x86.EferLMA) != x86.EferLME {
		return
	}
	c.FlushTLB()
	v.EFER = efer | x86.EferLMA
	v.MarkDirty(cleanCRX)
}

// handleCR emulates the intercepted selective write to control register 0.
// The destination register comes from the hardware's decode assist when
// available, from the instruction stream otherwise.
func (c *PerCPU) handleCR() bool {
	v := &c.vmcb
	var reg int
	if c.sys.hasAssists {
		if v.ExitInfo1&(1<<63) == 0 {
			c.log.Error("decode assist reports invalid mov to cr0")
			return false
		}
		reg = int(v.ExitInfo1 & 0x07)
	} else {
		code, err := c.fetchInst(x86.InstLenMovToCR)
		if err != nil {
			c.log.Error("mov to cr0 fetch failed", "err", err)
			return false
		}
		reg, err = parseMOVToCR(code, 0)
		if err != nil {
			c.log.Error("mov to cr0 decode failed", "err", err)
			return false
		}
	}

	var val uint64
	if reg == 4 {
		val = v.RSP
	} else {
		val = c.regs.ByIndex(reg)
	}
	v.AdvanceRIP(x86.InstLenMovToCR)
	c.setCR0(val)
	return true
}

func wrmsrValue(regs *x86.GuestRegs) uint64 {
	return regs.RDX<<32 | regs.RAX&0xffffffff
}

// handleMSRRead services a trapped rdmsr. Only the virtual-APIC range is
// ever read-trapped; everything else means the intercept table and the
// emulators disagree.
func (c *PerCPU) handleMSRRead() bool {
	rcx := uint32(c.regs.RCX)
	if rcx >= x86.MSRX2APICBase && rcx <= x86.MSRX2APICEnd {
		c.handlers.IRQ.MSRRead(&c.regs)
		c.vmcb.AdvanceRIP(x86.InstLenRDMSR)
		return true
	}
	c.log.Error("unhandled msr read", "msr", fmt.Sprintf("0x%x", rcx))
	return false
}

// handleMSRWrite services a trapped wrmsr.
func (c *PerCPU) handleMSRWrite() bool {
	v := &c.vmcb
	rcx := uint32(c.regs.RCX)

	switch {
	case rcx >= x86.MSRX2APICBase && rcx <= x86.MSRX2APICEnd:
		if !c.handlers.IRQ.MSRWrite(&c.regs) {
			return false
		}
	case rcx == x86.MSREFER:
		// The guest must never see virtualization disabled under
		// itself.
		val := wrmsrValue(&c.regs) | x86.EferSVME
		if (v.EFER^val)&(x86.EferLME|x86.EferNXE) != 0 {
			c.FlushTLB()
		}
		v.EFER = val
		v.MarkDirty(cleanCRX)
	case rcx == x86.MSRMTRRDefType:
		// Coarse memory-type emulation: with the legacy range
		// registers disabled the host pattern forces everything
		// uncached, with them enabled the power-on pattern returns.
		val := wrmsrValue(&c.regs)
		if val&x86.MTRRDefTypeEnable != 0 {
			c.sys.ops.WriteMSR(x86.MSRPAT, x86.PATResetValue)
		} else {
			c.sys.ops.WriteMSR(x86.MSRPAT, 0)
		}
	default:
		c.log.Error("unhandled msr write", "msr", fmt.Sprintf("0x%x", rcx))
		return false
	}
	v.AdvanceRIP(x86.InstLenWRMSR)
	return true
}

// handleAPICAccess emulates a trapped access to the interrupt-controller
// page. The hardware only reports the faulting physical address; the
// collaborator decodes the instruction and returns its byte length.
func (c *PerCPU) handleAPICAccess() bool {
	v := &c.vmcb
	offset := v.ExitInfo2 - x86.XAPICBase
	if offset&0xf != 0 {
		c.log.Error("misaligned apic access", "offset", offset)
		return false
	}
	isWrite := v.ExitInfo1&0x2 != 0
	instLen := c.handlers.IRQ.MMIOAccess(&c.regs, int(offset>>4), isWrite)
	if instLen == 0 {
		return false
	}
	v.AdvanceRIP(uint64(instLen))
	return true
}

// handleXSetBV executes the extended-state enable on the guest's behalf,
// but only for a configuration the hardware actually supports: selector 0,
// floating-point state on, no bits beyond what enumeration reports.
func (c *PerCPU) handleXSetBV() bool {
	_, _, ecx, _ := c.sys.ops.CPUID(1, 0)
	supported, _, _, _ := c.sys.ops.CPUID(0x0d, 0)

	r := &c.regs
	if ecx&cpuidFeatXSave != 0 &&
		r.RAX&x86.XCR0FP != 0 &&
		r.RAX&^uint64(supported) == 0 &&
		r.RCX == 0 && r.RDX == 0 {
		c.vmcb.AdvanceRIP(x86.InstLenXSETBV)
		c.sys.ops.XSetBV(0, r.RAX)
		return true
	}
	c.log.Error("invalid xsetbv parameters",
		"xcr", r.RCX, "value", fmt.Sprintf("0x%x%08x", r.RDX, uint32(r.RAX)))
	return false
}

// handlePortIO decodes the exit information of a trapped port access and
// delegates it. The hardware stores the next instruction pointer in the
// second exit-information field.
func (c *PerCPU) handlePortIO() bool {
	v := &c.vmcb
	port := uint16(v.ExitInfo1 >> 16)
	size := int(v.ExitInfo1 >> 4 & 0x7)
	in := v.ExitInfo1&0x1 != 0
	str := v.ExitInfo1&0x4 != 0 || v.ExitInfo1&0x8 != 0

	if !c.handlers.PortIO.PortAccess(&c.regs, port, size, in, str) {
		c.log.Error("unhandled port access",
			"port", fmt.Sprintf("0x%x", port), "size", size, "in", in)
		return false
	}
	v.RIP = v.ExitInfo2
	return true
}

// handleNPF routes a second-level fault: an ordinary data access to the
// controller page goes to the controller emulator, everything else to the
// memory-mapped I/O collaborator.
func (c *PerCPU) handleNPF() bool {
	v := &c.vmcb
	if v.ExitInfo1&0x7 == 0x7 &&
		v.ExitInfo2 >= x86.XAPICBase &&
		v.ExitInfo2 < x86.XAPICBase+x86.PageSize {
		c.stats.XAPIC.Add(1)
		return c.handleAPICAccess()
	}
	c.stats.MMIO.Add(1)
	return c.handlers.Fault.PageFault(&c.regs, v.ExitInfo2, v.ExitInfo1&0x2 != 0)
}
