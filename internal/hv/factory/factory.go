// Package factory selects the hardware virtualization variant once at
// startup by CPU vendor and feature detection.
package factory

import (
	"encoding/binary"
	"fmt"

	"github.com/partvisor/partvisor/internal/hv"
	"github.com/partvisor/partvisor/internal/hv/svm"
)

func vendorString(ebx, edx, ecx uint32) string {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:], ebx)
	binary.LittleEndian.PutUint32(b[4:], edx)
	binary.LittleEndian.PutUint32(b[8:], ecx)
	return string(b[:])
}

// Detect probes the CPU vendor and returns the matching variant. The VMX
// variant is not implemented; Intel hardware is reported as unsupported
// rather than misdetected.
func Detect(ops hv.HostOps, runner svm.Runner, opts svm.Options) (hv.Variant, error) {
	_, ebx, ecx, edx := ops.CPUID(0, 0)
	switch vendor := vendorString(ebx, edx, ecx); vendor {
	case "AuthenticAMD":
		return svm.New(ops, runner, opts), nil
	case "GenuineIntel":
		return nil, fmt.Errorf("factory: vmx: %w", hv.ErrNotSupported)
	default:
		return nil, fmt.Errorf("factory: unknown cpu vendor %q: %w",
			vendor, hv.ErrNotSupported)
	}
}
