// Package x86 holds architectural constants and register types shared by the
// virtualization core.
package x86

const (
	PageSize  = 4096
	PageShift = 12
)

// CR0 bits
const (
	CR0PE = 1 << 0
	CR0MP = 1 << 1
	CR0EM = 1 << 2
	CR0TS = 1 << 3
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0NW = 1 << 29
	CR0CD = 1 << 30
	CR0PG = 1 << 31
)

// Reserved CR0 bits must read back as previously seen; a host that has any of
// them set is using a feature this core does not know about.
const CR0Reserved = 0xffffffff00000000 |
	(0x3ff << 19) | (1 << 17) | (0x3ff << 6)

// Well-defined host state the core forces before arming virtualization.
const (
	CR0HostState = CR0PG | CR0WP | CR0NE | CR0ET | CR0MP | CR0PE
	CR4HostState = CR4PAE
)

// CR4 bits
const (
	CR4VME     = 1 << 0
	CR4PVI     = 1 << 1
	CR4TSD     = 1 << 2
	CR4DE      = 1 << 3
	CR4PSE     = 1 << 4
	CR4PAE     = 1 << 5
	CR4MCE     = 1 << 6
	CR4PGE     = 1 << 7
	CR4OSXSAVE = 1 << 18
)

// EFER bits
const (
	EferSCE  = 1 << 0
	EferLME  = 1 << 8
	EferLMA  = 1 << 10
	EferNXE  = 1 << 11
	EferSVME = 1 << 12
)

// XCR0 bits
const (
	XCR0FP  = 1 << 0
	XCR0SSE = 1 << 1
)

// MSR addresses
const (
	MSRAPICBase     = 0x01b
	MSRSysenterCS   = 0x174
	MSRSysenterESP  = 0x175
	MSRSysenterEIP  = 0x176
	MSRPAT          = 0x277
	MSRMTRRDefType  = 0x2ff
	MSRX2APICBase   = 0x800
	MSRX2APICEnd    = 0x83f
	MSRX2APICICR    = 0x830
	MSREFER         = 0xc0000080
	MSRStar         = 0xc0000081
	MSRLStar        = 0xc0000082
	MSRCStar        = 0xc0000083
	MSRSFMask       = 0xc0000084
	MSRFSBase       = 0xc0000100
	MSRGSBase       = 0xc0000101
	MSRKernelGSBase = 0xc0000102
	MSRVMCR         = 0xc0010114
	MSRVMHSavePA    = 0xc0010117
)

// PATResetValue is the architectural power-on PAT pattern.
const PATResetValue = 0x0007040600070406

// MTRRDefTypeEnable is the MTRR enable bit in the default-type MSR.
const MTRRDefTypeEnable = 0x800

// XAPICBase is the fixed physical address of the memory-mapped local APIC.
const XAPICBase = 0xfee00000

// Known instruction lengths of the traps the core emulates.
const (
	InstLenMovToCR = 3
	InstLenVMMCALL = 3
	InstLenRDMSR   = 2
	InstLenWRMSR   = 2
	InstLenXSETBV  = 3
)

// Segment describes a segment register in the generic (VMX-style) encoding
// captured from the host.
type Segment struct {
	Selector     uint16
	AccessRights uint32
	Limit        uint32
	Base         uint64
}

// AccessRightsAbsent marks a zero-width selector captured from the host.
const AccessRightsAbsent = 0x10000

// DescTable describes a descriptor-table register (GDTR/IDTR).
type DescTable struct {
	Base  uint64
	Limit uint16
}

// GuestRegs is the general-purpose register save area shared between the
// entry/exit transition and the emulation handlers. The field order mirrors
// the order the transition pushes them in, so the ModRM register index can be
// resolved positionally.
type GuestRegs struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	R11 uint64
	R10 uint64
	R9  uint64
	R8  uint64
	RDI uint64
	RSI uint64
	RBP uint64
	RSP uint64
	RBX uint64
	RDX uint64
	RCX uint64
	RAX uint64
}

// ByIndex returns the register named by an x86 register index (0=RAX, 1=RCX,
// ..., 15=R15). Index 4 (RSP) is not live in the save area; callers must read
// it from the control block instead.
func (r *GuestRegs) ByIndex(idx int) uint64 {
	switch idx {
	case 0:
		return r.RAX
	case 1:
		return r.RCX
	case 2:
		return r.RDX
	case 3:
		return r.RBX
	case 4:
		return r.RSP
	case 5:
		return r.RBP
	case 6:
		return r.RSI
	case 7:
		return r.RDI
	case 8:
		return r.R8
	case 9:
		return r.R9
	case 10:
		return r.R10
	case 11:
		return r.R11
	case 12:
		return r.R12
	case 13:
		return r.R13
	case 14:
		return r.R14
	case 15:
		return r.R15
	}
	return 0
}

// Clear zeroes the whole save area.
func (r *GuestRegs) Clear() {
	*r = GuestRegs{}
}
