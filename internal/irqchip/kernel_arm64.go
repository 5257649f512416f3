//go:build linux && arm64

package irqchip

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/kvm"
)

// DefaultRoutes is empty: GIC SPIs are routed once the VGIC is placed.
func DefaultRoutes() []hv.IrqRoute { return nil }

// createArchIrqChip fails: a VGIC needs distributor and redistributor
// addresses from the board layout, which this package does not choose.
func createArchIrqChip(vm *kvm.Vm) ([]hv.IrqRoute, error) {
	return nil, fmt.Errorf("irqchip: kernel irqchip on arm64: %w", hv.ErrUnsupported)
}
