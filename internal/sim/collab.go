package sim

import (
	"github.com/partvisor/partvisor/internal/hv"
	"github.com/partvisor/partvisor/internal/x86"
)

// apicRegisters is the number of 16-byte register slots in the controller
// page.
const apicRegisters = 256

// APIC is a minimal interrupt-controller model: a flat register file with
// every access recorded. Interrupt-command writes are kept separately so
// tests can assert on the signalling path.
type APIC struct {
	Regs [apicRegisters]uint64

	// ICRWrites logs every interrupt-command value written, MSR or MMIO.
	ICRWrites []uint64

	// InstLen is the byte length reported for page accesses.
	InstLen int

	// RejectWrites makes every write fail, for the fatal-path tests.
	RejectWrites bool
}

const icrIndex = (x86.MSRX2APICICR - x86.MSRX2APICBase) // 0x30

func NewAPIC() *APIC { return &APIC{InstLen: 3} }

func (a *APIC) MMIOAccess(regs *x86.GuestRegs, index int, isWrite bool) int {
	if index < 0 || index >= apicRegisters {
		return 0
	}
	if isWrite {
		if a.RejectWrites {
			return 0
		}
		a.Regs[index] = regs.RAX
		if index == icrIndex {
			a.ICRWrites = append(a.ICRWrites, regs.RAX)
		}
	} else {
		regs.RAX = a.Regs[index]
	}
	return a.InstLen
}

func (a *APIC) MSRRead(regs *x86.GuestRegs) {
	val := a.Regs[uint32(regs.RCX)-x86.MSRX2APICBase]
	regs.RAX = val & 0xffffffff
	regs.RDX = val >> 32
}

func (a *APIC) MSRWrite(regs *x86.GuestRegs) bool {
	if a.RejectWrites {
		return false
	}
	index := uint32(regs.RCX) - x86.MSRX2APICBase
	val := regs.RDX<<32 | regs.RAX&0xffffffff
	a.Regs[index] = val
	if index == icrIndex {
		a.ICRWrites = append(a.ICRWrites, val)
	}
	return true
}

var _ hv.IRQController = (*APIC)(nil)

// PortBus serves trapped port I/O from a value-per-port map. Accesses to
// ports outside the map are declined.
type PortBus struct {
	Ports map[uint16]uint64

	// Accesses logs each handled access for assertions.
	Accesses []PortAccessRecord
}

type PortAccessRecord struct {
	Port  uint16
	Size  int
	In    bool
	Value uint64
}

func NewPortBus(ports ...uint16) *PortBus {
	b := &PortBus{Ports: map[uint16]uint64{}}
	for _, p := range ports {
		b.Ports[p] = 0
	}
	return b
}

func (b *PortBus) PortAccess(regs *x86.GuestRegs, port uint16, size int, in, str bool) bool {
	val, ok := b.Ports[port]
	if !ok {
		return false
	}
	if in {
		regs.RAX = val
	} else {
		b.Ports[port] = regs.RAX
		val = regs.RAX
	}
	b.Accesses = append(b.Accesses, PortAccessRecord{port, size, in, val})
	return true
}

var _ hv.PortIOHandler = (*PortBus)(nil)

// MMIOBus accepts faults inside registered windows and declines the rest.
type MMIOBus struct {
	Windows []struct{ Base, Size uint64 }
	Faults  []FaultRecord
}

type FaultRecord struct {
	Phys    uint64
	IsWrite bool
}

func (m *MMIOBus) AddWindow(base, size uint64) {
	m.Windows = append(m.Windows, struct{ Base, Size uint64 }{base, size})
}

func (m *MMIOBus) PageFault(regs *x86.GuestRegs, phys uint64, isWrite bool) bool {
	for _, w := range m.Windows {
		if phys >= w.Base && phys < w.Base+w.Size {
			m.Faults = append(m.Faults, FaultRecord{phys, isWrite})
			return true
		}
	}
	return false
}

var _ hv.FaultHandler = (*MMIOBus)(nil)

// Events queues startup vectors per CPU for the management-exit path.
type Events struct {
	Vectors     map[int][]int
	FaultChecks int
}

func NewEvents() *Events { return &Events{Vectors: map[int][]int{}} }

// QueueSIPI schedules a startup vector for cpu; the next management exit on
// it resets the guest there.
func (e *Events) QueueSIPI(cpu, vector int) {
	e.Vectors[cpu] = append(e.Vectors[cpu], vector)
}

func (e *Events) PollEvents(cpu int) int {
	q := e.Vectors[cpu]
	if len(q) == 0 {
		return -1
	}
	e.Vectors[cpu] = q[1:]
	return q[0]
}

func (e *Events) CheckPendingFaults(cpu int) { e.FaultChecks++ }

var _ hv.PlatformEvents = (*Events)(nil)

// Hypercalls records guest calls and answers them in RAX.
type Hypercalls struct {
	Calls   []uint64
	Returns map[uint64]uint64
	Err     error
}

func (h *Hypercalls) Hypercall(regs *x86.GuestRegs, state hv.ExecState) error {
	if h.Err != nil {
		return h.Err
	}
	h.Calls = append(h.Calls, regs.RDI)
	if ret, ok := h.Returns[regs.RDI]; ok {
		regs.RAX = ret
	}
	return nil
}

var _ hv.HypercallHandler = (*Hypercalls)(nil)

// Handlers bundles one of each collaborator model.
func Handlers(apic *APIC, ports *PortBus, mmio *MMIOBus, events *Events, calls *Hypercalls) hv.Handlers {
	return hv.Handlers{
		Hypercall: calls,
		PortIO:    ports,
		IRQ:       apic,
		Fault:     mmio,
		Events:    events,
	}
}
