// Package irqchip defines the interrupt controller interface the run loop
// and device models use, and its in-kernel KVM implementation.
package irqchip

import (
	"io"

	"github.com/tinyrange/vmm/internal/hv"
)

type Cap int

const (
	// CapTscDeadlineTimer is the local APIC TSC deadline timer mode.
	CapTscDeadlineTimer Cap = iota
	// CapX2Apic is the local APIC in x2APIC mode.
	CapX2Apic
)

func (c Cap) String() string {
	switch c {
	case CapTscDeadlineTimer:
		return "TscDeadlineTimer"
	case CapX2Apic:
		return "X2Apic"
	default:
		return "Unknown"
	}
}

// EventIndex names an interrupt event serviced in userspace.
type EventIndex int

// VcpuRunState is returned by WaitUntilRunnable.
type VcpuRunState int

const (
	VcpuRunnable VcpuRunState = iota
	VcpuInterrupted
)

// IrqChip routes interrupts into the guest. Backends that leave interrupt
// delivery to the kernel implement the userspace-only operations as no-ops.
type IrqChip interface {
	io.Closer

	// AddVcpu records vcpu under id for MP state queries.
	AddVcpu(id int, vcpu hv.VirtualCPU) error

	// RegisterIrqEvent makes a write to evt raise irq. A nil index means
	// the event is serviced outside the process.
	RegisterIrqEvent(irq uint32, evt, resample hv.EventFd) (*EventIndex, error)
	UnregisterIrqEvent(irq uint32, evt hv.EventFd) error

	// RouteIrq adds route, replacing any route with the same GSI.
	RouteIrq(route hv.IrqRoute) error
	// SetIrqRoutes replaces the whole route table.
	SetIrqRoutes(routes []hv.IrqRoute) error
	Routes() []hv.IrqRoute

	ServiceIrq(irq uint32, level bool) error
	ServiceIrqEvent(index EventIndex) error
	BroadcastEoi(vector uint8) error
	InjectInterrupts(vcpu hv.VirtualCPU) error

	Halted(vcpuID int)
	WaitUntilRunnable(vcpu hv.VirtualCPU) (VcpuRunState, error)
	KickHaltedVcpus()

	GetMPState(vcpuID int) (hv.MPState, error)
	SetMPState(vcpuID int, state hv.MPState) error

	CheckCapability(cap Cap) bool

	FinalizeDevices() error
	ProcessDelayedIrqEvents() error

	TryClone() (IrqChip, error)
}
