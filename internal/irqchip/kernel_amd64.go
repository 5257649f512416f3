//go:build linux && amd64

package irqchip

import (
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/kvm"
)

const (
	numPicPins    = 8
	numIoapicPins = 24
	picCascadePin = 2
)

// DefaultRoutes returns the routes of a legacy PC: GSIs 0..15 go to both
// PICs and the IOAPIC, 16..23 to the IOAPIC only.
func DefaultRoutes() []hv.IrqRoute {
	routes := make([]hv.IrqRoute, 0, 2*numPicPins-1+numIoapicPins)
	for i := uint32(0); i < numPicPins; i++ {
		if i == picCascadePin {
			continue
		}
		routes = append(routes, hv.PicRoute(hv.IrqSourceChipPicPrimary, i))
	}
	for i := uint32(numPicPins); i < 2*numPicPins; i++ {
		routes = append(routes, hv.PicRoute(hv.IrqSourceChipPicSecondary, i))
	}
	for i := uint32(0); i < numIoapicPins; i++ {
		routes = append(routes, hv.IoapicRoute(i))
	}
	return routes
}

func createArchIrqChip(vm *kvm.Vm) ([]hv.IrqRoute, error) {
	if err := vm.CreateIrqChip(); err != nil {
		return nil, err
	}
	if err := vm.CreatePit(); err != nil {
		return nil, err
	}
	return DefaultRoutes(), nil
}
