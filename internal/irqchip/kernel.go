//go:build linux

package irqchip

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/kvm"
	"golang.org/x/sys/unix"
)

// kernelState is shared by every clone of a KernelIrqChip.
type kernelState struct {
	refs atomic.Int32

	routesMu sync.Mutex
	routes   []hv.IrqRoute

	vcpusMu sync.Mutex
	vcpus   []hv.VirtualCPU
	// owned marks vcpus this chip cloned and must close.
	owned []bool
}

// KernelIrqChip hands interrupt delivery to the in-kernel irqchip. It keeps
// a host-side mirror of the GSI routing table.
type KernelIrqChip struct {
	vm    hv.VirtualMachine
	state *kernelState
}

// NewKernelIrqChip creates the in-kernel interrupt controller for vm and
// installs the default routes for the host architecture.
func NewKernelIrqChip(vm *kvm.Vm, numVcpus int) (*KernelIrqChip, error) {
	routes, err := createArchIrqChip(vm)
	if err != nil {
		return nil, err
	}
	chip := newKernelIrqChip(vm, numVcpus, routes)
	if err := chip.SetIrqRoutes(routes); err != nil {
		return nil, err
	}
	return chip, nil
}

func newKernelIrqChip(vm hv.VirtualMachine, numVcpus int, routes []hv.IrqRoute) *KernelIrqChip {
	state := &kernelState{
		routes: slices.Clone(routes),
		vcpus:  make([]hv.VirtualCPU, numVcpus),
		owned:  make([]bool, numVcpus),
	}
	state.refs.Store(1)
	return &KernelIrqChip{vm: vm, state: state}
}

// AddVcpu stores a clone of vcpu when the backend can clone it, so the
// caller keeps sole use of its own handle.
func (c *KernelIrqChip) AddVcpu(id int, vcpu hv.VirtualCPU) error {
	s := c.state
	s.vcpusMu.Lock()
	defer s.vcpusMu.Unlock()

	if id < 0 || id >= len(s.vcpus) {
		return fmt.Errorf("irqchip: add vcpu %d of %d: %w", id, len(s.vcpus), unix.ENOENT)
	}

	stored, owned := vcpu, false
	if kv, ok := vcpu.(*kvm.Vcpu); ok {
		clone, err := kv.TryClone()
		if err != nil {
			return fmt.Errorf("irqchip: add vcpu %d: %w", id, err)
		}
		stored, owned = clone, true
	}

	if s.owned[id] {
		if err := s.vcpus[id].Close(); err != nil {
			slog.Error("irqchip: close replaced vcpu", "vcpu", id, "error", err)
		}
	}
	s.vcpus[id] = stored
	s.owned[id] = owned
	return nil
}

func (c *KernelIrqChip) vcpu(id int) (hv.VirtualCPU, error) {
	s := c.state
	s.vcpusMu.Lock()
	defer s.vcpusMu.Unlock()

	if id < 0 || id >= len(s.vcpus) || s.vcpus[id] == nil {
		return nil, fmt.Errorf("irqchip: vcpu %d: %w", id, unix.ENOENT)
	}
	return s.vcpus[id], nil
}

func (c *KernelIrqChip) RegisterIrqEvent(irq uint32, evt, resample hv.EventFd) (*EventIndex, error) {
	if err := c.vm.RegisterIrqfd(irq, evt, resample); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *KernelIrqChip) UnregisterIrqEvent(irq uint32, evt hv.EventFd) error {
	return c.vm.UnregisterIrqfd(irq, evt)
}

func (c *KernelIrqChip) RouteIrq(route hv.IrqRoute) error {
	s := c.state
	s.routesMu.Lock()
	defer s.routesMu.Unlock()

	s.routes = slices.DeleteFunc(s.routes, func(r hv.IrqRoute) bool { return r.GSI == route.GSI })
	s.routes = append(s.routes, route)
	return c.vm.SetGsiRouting(s.routes)
}

func (c *KernelIrqChip) SetIrqRoutes(routes []hv.IrqRoute) error {
	s := c.state
	s.routesMu.Lock()
	defer s.routesMu.Unlock()

	s.routes = slices.Clone(routes)
	return c.vm.SetGsiRouting(s.routes)
}

// Routes returns a copy of the current route table.
func (c *KernelIrqChip) Routes() []hv.IrqRoute {
	s := c.state
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	return slices.Clone(s.routes)
}

func (c *KernelIrqChip) ServiceIrq(irq uint32, level bool) error {
	return c.vm.SetIrqLine(irq, level)
}

// ServiceIrqEvent is never needed: no event is serviced in userspace.
func (c *KernelIrqChip) ServiceIrqEvent(index EventIndex) error {
	slog.Error("irqchip: ServiceIrqEvent called on the kernel irqchip", "index", index)
	return nil
}

func (c *KernelIrqChip) BroadcastEoi(vector uint8) error {
	slog.Error("irqchip: BroadcastEoi called on the kernel irqchip", "vector", vector)
	return nil
}

func (c *KernelIrqChip) InjectInterrupts(vcpu hv.VirtualCPU) error {
	slog.Error("irqchip: InjectInterrupts called on the kernel irqchip", "vcpu", vcpu.ID())
	return nil
}

// The kernel blocks and wakes halted vcpus itself.
func (c *KernelIrqChip) Halted(vcpuID int) {}

func (c *KernelIrqChip) WaitUntilRunnable(vcpu hv.VirtualCPU) (VcpuRunState, error) {
	return VcpuRunnable, nil
}

func (c *KernelIrqChip) KickHaltedVcpus() {}

func (c *KernelIrqChip) GetMPState(vcpuID int) (hv.MPState, error) {
	vcpu, err := c.vcpu(vcpuID)
	if err != nil {
		return hv.MPStateRunnable, err
	}
	return vcpu.GetMPState()
}

func (c *KernelIrqChip) SetMPState(vcpuID int, state hv.MPState) error {
	vcpu, err := c.vcpu(vcpuID)
	if err != nil {
		return err
	}
	return vcpu.SetMPState(state)
}

func (c *KernelIrqChip) CheckCapability(cap Cap) bool {
	switch cap {
	case CapTscDeadlineTimer:
		return c.vm.Hypervisor().CheckCapability(hv.HypervisorCapTscDeadlineTimer)
	case CapX2Apic:
		return true
	default:
		return false
	}
}

func (c *KernelIrqChip) FinalizeDevices() error { return nil }

func (c *KernelIrqChip) ProcessDelayedIrqEvents() error { return nil }

// TryClone returns a chip sharing the route and vcpu tables.
func (c *KernelIrqChip) TryClone() (IrqChip, error) {
	c.state.refs.Add(1)
	return &KernelIrqChip{vm: c.vm, state: c.state}, nil
}

// Close closes the vcpu clones once the last chip handle is closed.
func (c *KernelIrqChip) Close() error {
	if c.state == nil {
		return nil
	}
	s := c.state
	c.state = nil
	if s.refs.Add(-1) > 0 {
		return nil
	}

	s.vcpusMu.Lock()
	defer s.vcpusMu.Unlock()

	var firstErr error
	for id, vcpu := range s.vcpus {
		if !s.owned[id] {
			continue
		}
		if err := vcpu.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("irqchip: close vcpu %d: %w", id, err)
		}
		s.vcpus[id] = nil
		s.owned[id] = false
	}
	return firstErr
}

var (
	_ IrqChip = &KernelIrqChip{}
)
