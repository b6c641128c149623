package hv

import "gvisor.dev/gvisor/pkg/atomicbitops"

// Stats holds the per-CPU exit counters. Each counter only ever increases;
// the owning CPU writes, external reporting layers read concurrently.
type Stats struct {
	Total      atomicbitops.Uint64
	Management atomicbitops.Uint64
	Hypercall  atomicbitops.Uint64
	PortIO     atomicbitops.Uint64
	MMIO       atomicbitops.Uint64
	XAPIC      atomicbitops.Uint64
	CR         atomicbitops.Uint64
	MSR        atomicbitops.Uint64
	XSetBV     atomicbitops.Uint64
}

// Snapshot returns a point-in-time copy keyed by the reporting layer's
// counter names.
func (s *Stats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"vmexits_total":      s.Total.Load(),
		"vmexits_management": s.Management.Load(),
		"vmexits_hypercall":  s.Hypercall.Load(),
		"vmexits_pio":        s.PortIO.Load(),
		"vmexits_mmio":       s.MMIO.Load(),
		"vmexits_xapic":      s.XAPIC.Load(),
		"vmexits_cr":         s.CR.Load(),
		"vmexits_msr":        s.MSR.Load(),
		"vmexits_xsetbv":     s.XSetBV.Load(),
	}
}
