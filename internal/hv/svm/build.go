package svm

import (
	"github.com/partvisor/partvisor/internal/hv"
	"github.com/partvisor/partvisor/internal/x86"
)

// transcodeSegment converts a captured host segment into the control block's
// packed encoding. The generic form keeps the descriptor's two attribute
// bytes apart; the packed form drops the hole between them. An absent
// segment becomes all zeroes, which the hardware reads as unusable.
func transcodeSegment(s x86.Segment) Segment {
	if s.AccessRights == x86.AccessRightsAbsent {
		return Segment{Selector: s.Selector}
	}
	return Segment{
		Selector:     s.Selector,
		AccessRights: uint16((s.AccessRights&0xf000)>>4 | s.AccessRights&0xff),
		Limit:        s.Limit,
		Base:         s.Base,
	}
}

func segmentFromDescTable(t x86.DescTable) Segment {
	return Segment{Limit: uint32(t.Limit), Base: t.Base}
}

// setCellConfig points the control block at the per-cell intercept state.
func (c *PerCPU) setCellConfig() {
	c.vmcb.IOPMBasePA = c.cell.iopm
	c.vmcb.NCR3 = c.cell.space.Root()
}

// vmcbSetup builds the control block so the first entry resumes the host
// kernel exactly where it handed the CPU over, with every sensitive
// operation intercepted.
func (c *PerCPU) vmcbSetup() {
	v := &c.vmcb
	*v = VMCB{}

	v.CR0 = c.host.CR0 &^ uint64(x86.CR0NW)
	v.CR3 = c.host.CR3
	v.CR4 = c.host.CR4

	v.CS = transcodeSegment(c.host.CS)
	v.DS = transcodeSegment(c.host.DS)
	v.ES = transcodeSegment(c.host.ES)
	v.FS = transcodeSegment(c.host.FS)
	v.GS = transcodeSegment(c.host.GS)
	v.TR = transcodeSegment(c.host.TSS)
	// The 64-bit kernel does not use SS; leave it unusable.
	v.SS = Segment{}
	v.LDTR = Segment{}
	v.GDTR = segmentFromDescTable(c.host.GDTR)
	v.IDTR = segmentFromDescTable(c.host.IDTR)
	v.CPL = 0

	v.EFER = c.host.EFER | x86.EferSVME

	v.RFlags = 0x02
	v.RIP = c.host.IP
	// The entry frame holds the callee-saved registers plus the return
	// address; the restart path pops them itself.
	v.RSP = c.host.SP + uint64(len(c.host.SavedRegs)+1)*8

	v.STAR = c.sys.ops.ReadMSR(x86.MSRStar)
	v.LSTAR = c.sys.ops.ReadMSR(x86.MSRLStar)
	v.CSTAR = c.sys.ops.ReadMSR(x86.MSRCStar)
	v.SFMask = c.sys.ops.ReadMSR(x86.MSRSFMask)
	v.KernelGSBase = c.sys.ops.ReadMSR(x86.MSRKernelGSBase)
	v.SysenterCS = c.sys.ops.ReadMSR(x86.MSRSysenterCS)
	v.SysenterESP = c.sys.ops.ReadMSR(x86.MSRSysenterESP)
	v.SysenterEIP = c.sys.ops.ReadMSR(x86.MSRSysenterEIP)
	v.GPAT = c.sys.ops.ReadMSR(x86.MSRPAT)

	v.DR6 = 0x00000ff0
	v.DR7 = 0x00000400

	v.Intercepts1 = intercept1NMI | intercept1CR0SelWrite |
		intercept1IOIOProt | intercept1MSRProt | intercept1ShutdownEvt
	v.Intercepts2 = intercept2VMRUN | intercept2VMMCALL | intercept2XSETBV

	v.MSRPMBasePA = c.sys.msrpmPhys
	v.NPEnable = true
	v.GuestASID = 1

	c.setCellConfig()
	v.SetAllDirty()
}

// reset rewires the guest context to the architectural power-on state,
// entered at the given startup vector. The intercept configuration and the
// cell binding survive the reset.
func (c *PerCPU) reset(sipiVector int) {
	v := &c.vmcb

	v.CR0 = x86.CR0NW | x86.CR0CD | x86.CR0ET
	v.CR2 = 0
	v.CR3 = 0
	v.CR4 = 0

	v.RFlags = 0x02
	rip := uint64(0)
	if sipiVector == hv.BSPPseudoSIPI {
		// Bootstrap pseudo-startup: begin at the reset entry point.
		rip = 0xfff0
		sipiVector = 0xf0
	}
	v.RIP = rip
	v.RSP = 0
	v.RAX = 0

	v.CS = Segment{
		Selector:     uint16(sipiVector << 8),
		AccessRights: 0x9b,
		Limit:        0xffff,
		Base:         uint64(sipiVector) << 12,
	}
	data := Segment{AccessRights: 0x93, Limit: 0xffff}
	v.DS, v.ES, v.FS, v.GS, v.SS = data, data, data, data, data
	v.TR = Segment{AccessRights: 0x8b, Limit: 0xffff}
	v.LDTR = Segment{AccessRights: 0x82, Limit: 0xffff}
	v.GDTR = Segment{Limit: 0xffff}
	v.IDTR = Segment{Limit: 0xffff}
	v.CPL = 0

	v.EFER = x86.EferSVME

	// Undefined on reset; pick a clean slate.
	v.STAR, v.LSTAR, v.CSTAR, v.SFMask = 0, 0, 0, 0
	v.KernelGSBase = 0
	v.SysenterCS, v.SysenterESP, v.SysenterEIP = 0, 0, 0
	v.GPAT = x86.PATResetValue

	v.DR6 = 0x00000ff0
	v.DR7 = 0x00000400

	c.setCellConfig()
	v.SetAllDirty()
}
