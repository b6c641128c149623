package sim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/partvisor/partvisor/internal/hv"
	"github.com/partvisor/partvisor/internal/hv/svm"
	"github.com/partvisor/partvisor/internal/pagepool"
	"github.com/partvisor/partvisor/internal/x86"
)

// Scenario is a scripted run: one cell layout plus the exit sequence the
// simulated guest produces.
type Scenario struct {
	Name   string     `yaml:"name"`
	X2APIC bool       `yaml:"x2apic"`
	Cell   CellSpec   `yaml:"cell"`
	Exits  []ExitSpec `yaml:"exits"`
}

type CellSpec struct {
	Name    string       `yaml:"name"`
	Regions []RegionSpec `yaml:"regions"`
}

type RegionSpec struct {
	Phys  uint64   `yaml:"phys"`
	Virt  uint64   `yaml:"virt"`
	Size  uint64   `yaml:"size"`
	Flags []string `yaml:"flags"`
}

type ExitSpec struct {
	Code  string            `yaml:"code"`
	Info1 uint64            `yaml:"info1"`
	Info2 uint64            `yaml:"info2"`
	Regs  map[string]uint64 `yaml:"regs"`
}

var exitCodes = map[string]uint64{
	"nmi":     svm.ExitNMI,
	"cr0":     svm.ExitCR0SelWrite,
	"io":      svm.ExitIOIO,
	"msr":     svm.ExitMSR,
	"vmmcall": svm.ExitVMMCALL,
	"xsetbv":  svm.ExitXSETBV,
	"npf":     svm.ExitNPF,
}

func (r RegionSpec) flags() (uint64, error) {
	var f uint64
	for _, name := range r.Flags {
		switch name {
		case "read":
			f |= hv.MemRead
		case "write":
			f |= hv.MemWrite
		case "execute":
			f |= hv.MemExecute
		case "comm":
			f |= hv.MemCommRegion
		default:
			return 0, fmt.Errorf("sim: unknown region flag %q", name)
		}
	}
	return f, nil
}

// LoadScenario parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("sim: scenario %s: %w", path, err)
	}
	return &sc, nil
}

func (sc *Scenario) events() ([]Event, error) {
	evs := make([]Event, 0, len(sc.Exits))
	for i, e := range sc.Exits {
		code, ok := exitCodes[e.Code]
		if !ok {
			return nil, fmt.Errorf("sim: exit %d: unknown code %q", i, e.Code)
		}
		evs = append(evs, Event{Code: code, Info1: e.Info1, Info2: e.Info2, Regs: e.Regs})
	}
	return evs, nil
}

// World is a built scenario ready to run: the host model, the variant, one
// cell and one CPU, and the collaborator models.
type World struct {
	Host   *Host
	Runner *Runner
	Pool   *pagepool.Pool
	Cell   hv.Cell
	CPU    hv.CPU

	APIC       *APIC
	Ports      *PortBus
	MMIO       *MMIOBus
	Events     *Events
	Hypercalls *Hypercalls
}

// poolPages sizes the simulated physical arena. Table hierarchies for a
// handful of regions fit with plenty of slack.
const poolPages = 1024

// BuildWorld assembles a runnable world from a scenario.
func BuildWorld(sc *Scenario) (*World, error) {
	host := NewAMDHost()
	evs, err := sc.events()
	if err != nil {
		return nil, err
	}
	runner := &Runner{Events: evs}

	pool, err := pagepool.New("sim", poolPages, 0x1000000)
	if err != nil {
		return nil, err
	}

	sys := svm.New(host, runner, svm.Options{X2APIC: sc.X2APIC})
	if err := sys.Init(pool); err != nil {
		pool.Close()
		return nil, err
	}

	name := sc.Cell.Name
	if name == "" {
		name = "cell0"
	}
	cell, err := sys.NewCell(name)
	if err != nil {
		pool.Close()
		return nil, err
	}
	for _, r := range sc.Regions() {
		flags, err := r.flags()
		if err != nil {
			pool.Close()
			return nil, err
		}
		region := hv.MemRegion{PhysStart: r.Phys, VirtStart: r.Virt, Size: r.Size, Flags: flags}
		if err := cell.MapRegion(region); err != nil {
			pool.Close()
			return nil, err
		}
	}

	w := &World{
		Host:       host,
		Runner:     runner,
		Pool:       pool,
		Cell:       cell,
		APIC:       NewAPIC(),
		Ports:      NewPortBus(0x3f8, 0x70, 0x71),
		MMIO:       &MMIOBus{},
		Events:     NewEvents(),
		Hypercalls: &Hypercalls{Returns: map[uint64]uint64{}},
	}

	cpu, err := sys.NewCPU(0, cell, defaultHostState(), Handlers(w.APIC, w.Ports, w.MMIO, w.Events, w.Hypercalls))
	if err != nil {
		pool.Close()
		return nil, err
	}
	w.CPU = cpu
	return w, nil
}

// Regions returns the cell's region list.
func (sc *Scenario) Regions() []RegionSpec { return sc.Cell.Regions }

// defaultHostState is a plausible 64-bit host snapshot.
func defaultHostState() *hv.HostState {
	return &hv.HostState{
		CR0:  x86.CR0PE | x86.CR0MP | x86.CR0ET | x86.CR0NE | x86.CR0WP | x86.CR0PG,
		CR3:  0x2000,
		CR4:  x86.CR4PAE | x86.CR4PGE,
		EFER: x86.EferSCE | x86.EferLME | x86.EferLMA | x86.EferNXE,
		CS:   x86.Segment{Selector: 0x10, AccessRights: 0xa09b, Limit: 0xffffffff},
		DS:   x86.Segment{AccessRights: x86.AccessRightsAbsent},
		ES:   x86.Segment{AccessRights: x86.AccessRightsAbsent},
		FS:   x86.Segment{AccessRights: x86.AccessRightsAbsent},
		GS:   x86.Segment{AccessRights: x86.AccessRightsAbsent, Base: 0xffff800000000000},
		TSS:  x86.Segment{Selector: 0x40, AccessRights: 0x8b, Limit: 0x67},
		GDTR: x86.DescTable{Base: 0x3000, Limit: 0x7f},
		IDTR: x86.DescTable{Base: 0x4000, Limit: 0xfff},
		SP:   0xffff880000010000,
		IP:   0xffffffff81000000,
	}
}

// Run executes the scenario: enables virtualization, activates the CPU and
// returns the per-category exit counters.
func (w *World) Run() (map[string]uint64, error) {
	if err := w.CPU.Enable(); err != nil {
		return nil, err
	}
	err := w.CPU.Activate()
	return w.CPU.Stats().Snapshot(), err
}

// Close releases the world's backing memory.
func (w *World) Close() error {
	return w.Pool.Close()
}
