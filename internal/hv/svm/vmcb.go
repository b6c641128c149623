package svm

// Hardware-reported exit codes.
const (
	ExitInvalid     = ^uint64(0)
	ExitINTR        = 0x60
	ExitNMI         = 0x61
	ExitCR0SelWrite = 0x65
	ExitCPUID       = 0x72
	ExitIOIO        = 0x7b
	ExitMSR         = 0x7c
	ExitShutdown    = 0x7f
	ExitVMRUN       = 0x80
	ExitVMMCALL     = 0x81
	ExitXSETBV      = 0x8d
	ExitNPF         = 0x400
)

// Intercept bits, first general vector.
const (
	intercept1INTR        = 1 << 0
	intercept1NMI         = 1 << 1
	intercept1CR0SelWrite = 1 << 5
	intercept1IOIOProt    = 1 << 27
	intercept1MSRProt     = 1 << 28
	intercept1ShutdownEvt = 1 << 31
)

// Intercept bits, second general vector.
const (
	intercept2VMRUN   = 1 << 0
	intercept2VMMCALL = 1 << 1
	intercept2XSETBV  = 1 << 13
)

// Clean-field bits. A set bit lets the hardware trust its cached copy of
// that state group; clear forces a reload.
const (
	cleanIntercepts = 1 << 0
	cleanIOPM       = 1 << 1
	cleanASID       = 1 << 2
	cleanTPR        = 1 << 3
	cleanNP         = 1 << 4
	cleanCRX        = 1 << 5
	cleanDRX        = 1 << 6
	cleanDT         = 1 << 7
	cleanSeg        = 1 << 8
	cleanCR2        = 1 << 9
	cleanLBR        = 1 << 10
	cleanAVIC       = 1 << 11
)

// TLB control values.
const (
	tlbFlushNothing = 0
	tlbFlushAll     = 1
	tlbFlushGuest   = 3
)

// Segment is a segment register in the control block's native encoding.
type Segment struct {
	Selector     uint16
	AccessRights uint16
	Limit        uint32
	Base         uint64
}

// VMCB is the per-CPU virtual-execution control block: the intercept
// configuration, the exit-reason fields the hardware reports into, and the
// cached guest register state.
type VMCB struct {
	// Control area.
	Intercepts1 uint32
	Intercepts2 uint32
	IOPMBasePA  uint64
	MSRPMBasePA uint64
	GuestASID   uint32
	TLBControl  uint8
	NPEnable    bool
	NCR3        uint64
	CleanBits   uint32

	ExitCode  uint64
	ExitInfo1 uint64
	ExitInfo2 uint64

	// Decode-assist fetch buffer.
	BytesFetched uint8
	GuestBytes   [15]byte

	// Guest state area.
	CS, DS, ES, FS, GS, SS, TR, LDTR Segment
	GDTR, IDTR                       Segment
	CPL                              uint8

	EFER               uint64
	CR0, CR2, CR3, CR4 uint64
	DR6, DR7           uint64

	RFlags        uint64
	RIP, RSP, RAX uint64

	STAR, LSTAR, CSTAR, SFMask           uint64
	KernelGSBase                         uint64
	SysenterCS, SysenterESP, SysenterEIP uint64
	GPAT                                 uint64
}

// SetAllDirty forces the hardware to reload every cached state group.
func (v *VMCB) SetAllDirty() {
	v.CleanBits = 0
}

// MarkDirty clears the given clean bits so the named state groups are
// reloaded on the next entry.
func (v *VMCB) MarkDirty(mask uint32) {
	v.CleanBits &^= mask
}

// AdvanceRIP moves the guest past the instruction just emulated.
func (v *VMCB) AdvanceRIP(instLen uint64) {
	v.RIP += instLen
}
