package svm

import (
	"testing"

	"github.com/partvisor/partvisor/internal/hv"
	"github.com/partvisor/partvisor/internal/pagepool"
	"github.com/partvisor/partvisor/internal/x86"
)

// fakeOps models the privileged host boundary in memory.
type fakeOps struct {
	msrs   map[uint32]uint64
	xcrs   map[uint32]uint64
	cpuids map[uint64][4]uint32

	cr0, cr4   uint64
	gif        bool
	gifToggles int
	halted     bool
}

func newFakeOps() *fakeOps {
	f := &fakeOps{
		msrs:   map[uint32]uint64{},
		xcrs:   map[uint32]uint64{},
		cpuids: map[uint64][4]uint32{},
		gif:    true,
	}
	f.setCPUID(1, 0, 0, 0, cpuidFeatXSave, 0)
	f.setCPUID(0x0d, 0, x86.XCR0FP|x86.XCR0SSE, 0, 0, 0)
	f.setCPUID(0x80000001, 0, 0, 0, cpuidFeatSVM, 0)
	f.setCPUID(0x8000000A, 0, 1, 8, 0,
		cpuidFeatNP|cpuidFeatFlushByASID|cpuidFeatDecodeAssist|cpuidFeatAVIC)
	return f
}

func (f *fakeOps) setCPUID(leaf, sub, eax, ebx, ecx, edx uint32) {
	f.cpuids[uint64(leaf)<<32|uint64(sub)] = [4]uint32{eax, ebx, ecx, edx}
}

func (f *fakeOps) CPUID(leaf, sub uint32) (uint32, uint32, uint32, uint32) {
	r := f.cpuids[uint64(leaf)<<32|uint64(sub)]
	return r[0], r[1], r[2], r[3]
}

func (f *fakeOps) ReadMSR(msr uint32) uint64       { return f.msrs[msr] }
func (f *fakeOps) WriteMSR(msr uint32, val uint64) { f.msrs[msr] = val }
func (f *fakeOps) WriteCR0(val uint64)             { f.cr0 = val }
func (f *fakeOps) WriteCR4(val uint64)             { f.cr4 = val }

func (f *fakeOps) SetGIF(enabled bool) {
	if f.gif != enabled {
		f.gifToggles++
	}
	f.gif = enabled
}

func (f *fakeOps) XSetBV(index uint32, val uint64) { f.xcrs[index] = val }
func (f *fakeOps) Stop()                           { f.halted = true }

// scriptRunner replays exit-injection functions; an empty script ends the
// guest.
type scriptRunner struct {
	script  []func(*VMCB, *x86.GuestRegs)
	entries int
}

func (r *scriptRunner) Run(vmcb *VMCB, regs *x86.GuestRegs) bool {
	r.entries++
	if len(r.script) == 0 {
		return false
	}
	step := r.script[0]
	r.script = r.script[1:]
	vmcb.BytesFetched = 0
	step(vmcb, regs)
	return true
}

type fakeIRQ struct {
	mmio     []struct {
		index   int
		isWrite bool
	}
	instLen   int
	msrReads  int
	msrWrites int
	reject    bool
	value     uint64
}

func (q *fakeIRQ) MMIOAccess(regs *x86.GuestRegs, index int, isWrite bool) int {
	if q.reject {
		return 0
	}
	q.mmio = append(q.mmio, struct {
		index   int
		isWrite bool
	}{index, isWrite})
	if !isWrite {
		regs.RAX = q.value
	}
	return q.instLen
}

func (q *fakeIRQ) MSRRead(regs *x86.GuestRegs) {
	q.msrReads++
	regs.RAX = q.value & 0xffffffff
	regs.RDX = q.value >> 32
}

func (q *fakeIRQ) MSRWrite(regs *x86.GuestRegs) bool {
	if q.reject {
		return false
	}
	q.msrWrites++
	return true
}

type fakePorts struct {
	handled map[uint16]bool
	log     []uint16
}

func (p *fakePorts) PortAccess(regs *x86.GuestRegs, port uint16, size int, in, str bool) bool {
	if !p.handled[port] {
		return false
	}
	p.log = append(p.log, port)
	if in {
		regs.RAX = 0x5a
	}
	return true
}

type fakeFault struct {
	handled bool
	faults  []struct {
		phys    uint64
		isWrite bool
	}
}

func (f *fakeFault) PageFault(regs *x86.GuestRegs, phys uint64, isWrite bool) bool {
	if !f.handled {
		return false
	}
	f.faults = append(f.faults, struct {
		phys    uint64
		isWrite bool
	}{phys, isWrite})
	return true
}

type fakeEvents struct {
	vectors     []int
	faultChecks int
}

func (e *fakeEvents) PollEvents(cpu int) int {
	if len(e.vectors) == 0 {
		return -1
	}
	v := e.vectors[0]
	e.vectors = e.vectors[1:]
	return v
}

func (e *fakeEvents) CheckPendingFaults(cpu int) { e.faultChecks++ }

type fakeHypercall struct {
	calls  []uint64
	states []hv.ExecState
	err    error
}

func (h *fakeHypercall) Hypercall(regs *x86.GuestRegs, state hv.ExecState) error {
	h.states = append(h.states, state)
	if h.err != nil {
		return h.err
	}
	h.calls = append(h.calls, regs.RDI)
	return nil
}

// world bundles everything a dispatcher test needs.
type world struct {
	sys    *SVM
	ops    *fakeOps
	runner *scriptRunner
	pool   *pagepool.Pool
	cell   *Cell
	cpu    *PerCPU

	irq    *fakeIRQ
	ports  *fakePorts
	fault  *fakeFault
	events *fakeEvents
	calls  *fakeHypercall
}

func testHostState() *hv.HostState {
	return &hv.HostState{
		CR0:  x86.CR0PE | x86.CR0MP | x86.CR0ET | x86.CR0NE | x86.CR0WP | x86.CR0PG,
		CR3:  0x5000,
		CR4:  x86.CR4PAE,
		EFER: x86.EferSCE | x86.EferLME | x86.EferLMA,
		CS:   x86.Segment{Selector: 0x10, AccessRights: 0xa09b, Limit: 0xffffffff},
		DS:   x86.Segment{AccessRights: x86.AccessRightsAbsent},
		ES:   x86.Segment{AccessRights: x86.AccessRightsAbsent},
		FS:   x86.Segment{AccessRights: x86.AccessRightsAbsent},
		GS:   x86.Segment{AccessRights: x86.AccessRightsAbsent, Base: 0xffff800000001000},
		TSS:  x86.Segment{Selector: 0x40, AccessRights: 0x8b, Limit: 0x67},
		GDTR: x86.DescTable{Base: 0x6000, Limit: 0x7f},
		IDTR: x86.DescTable{Base: 0x7000, Limit: 0xfff},
		SP:   0x9000,
		IP:   0xffffffff81000000,
	}
}

func newWorld(t *testing.T, opts Options) *world {
	t.Helper()
	return newWorldCustom(t, opts, nil)
}

// newWorldCustom lets a test adjust the host feature set before the variant
// probes it.
func newWorldCustom(t *testing.T, opts Options, tweak func(*fakeOps)) *world {
	t.Helper()
	pool, err := pagepool.New("svm-test", 256, 0x1000000)
	if err != nil {
		t.Fatalf("pagepool.New: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	w := &world{
		ops:    newFakeOps(),
		runner: &scriptRunner{},
		pool:   pool,
		irq:    &fakeIRQ{instLen: 3},
		ports:  &fakePorts{handled: map[uint16]bool{}},
		fault:  &fakeFault{},
		events: &fakeEvents{},
		calls:  &fakeHypercall{},
	}
	if tweak != nil {
		tweak(w.ops)
	}
	w.sys = New(w.ops, w.runner, opts)
	if err := w.sys.Init(pool); err != nil {
		t.Fatalf("Init: %v", err)
	}

	cell, err := w.sys.NewCell("test")
	if err != nil {
		t.Fatalf("NewCell: %v", err)
	}
	w.cell = cell.(*Cell)

	handlers := hv.Handlers{
		Hypercall: w.calls,
		PortIO:    w.ports,
		IRQ:       w.irq,
		Fault:     w.fault,
		Events:    w.events,
	}
	cpu, err := w.sys.NewCPU(0, cell, testHostState(), handlers)
	if err != nil {
		t.Fatalf("NewCPU: %v", err)
	}
	w.cpu = cpu.(*PerCPU)
	return w
}

// mapRAM allocates backing pages in the pool and maps them for the guest.
func (w *world) mapRAM(t *testing.T, virt uint64, pages int) uint64 {
	t.Helper()
	phys, err := w.pool.Alloc(pages)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	region := hv.MemRegion{
		PhysStart: phys,
		VirtStart: virt,
		Size:      uint64(pages) * x86.PageSize,
		Flags:     hv.MemRead | hv.MemWrite | hv.MemExecute,
	}
	if err := w.cell.MapRegion(region); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	return phys
}

func (w *world) enable(t *testing.T) {
	t.Helper()
	if err := w.cpu.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
}
