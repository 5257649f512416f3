package hv

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrUnsupported is returned by backends for operations they do not
	// implement.
	ErrUnsupported = errors.New("operation unsupported on this backend")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// HypervisorCap is a capability of the hypervisor itself, independent of
// any VM.
type HypervisorCap int

const (
	HypervisorCapArmPmuV3 HypervisorCap = iota
	HypervisorCapImmediateExit
	HypervisorCapS390UserSigp
	HypervisorCapTscDeadlineTimer
	HypervisorCapUserMemory
	HypervisorCapXcrs
)

func (c HypervisorCap) String() string {
	switch c {
	case HypervisorCapArmPmuV3:
		return "ArmPmuV3"
	case HypervisorCapImmediateExit:
		return "ImmediateExit"
	case HypervisorCapS390UserSigp:
		return "S390UserSigp"
	case HypervisorCapTscDeadlineTimer:
		return "TscDeadlineTimer"
	case HypervisorCapUserMemory:
		return "UserMemory"
	case HypervisorCapXcrs:
		return "Xcrs"
	default:
		return fmt.Sprintf("HypervisorCap(%d)", int(c))
	}
}

// AllHypervisorCaps lists every HypervisorCap in declaration order.
var AllHypervisorCaps = []HypervisorCap{
	HypervisorCapArmPmuV3,
	HypervisorCapImmediateExit,
	HypervisorCapS390UserSigp,
	HypervisorCapTscDeadlineTimer,
	HypervisorCapUserMemory,
	HypervisorCapXcrs,
}

// VmCap is a capability that depends on a created VM.
type VmCap int

const (
	VmCapDirtyLog VmCap = iota
	VmCapPvClock
	VmCapPvClockSuspend
	VmCapProtected
)

func (c VmCap) String() string {
	switch c {
	case VmCapDirtyLog:
		return "DirtyLog"
	case VmCapPvClock:
		return "PvClock"
	case VmCapPvClockSuspend:
		return "PvClockSuspend"
	case VmCapProtected:
		return "Protected"
	default:
		return fmt.Sprintf("VmCap(%d)", int(c))
	}
}

var AllVmCaps = []VmCap{VmCapDirtyLog, VmCapPvClock, VmCapPvClockSuspend, VmCapProtected}

// DeviceKind names an in-kernel device backend.
type DeviceKind int

const (
	DeviceKindVfio DeviceKind = iota
	DeviceKindArmVgicV2
	DeviceKindArmVgicV3
)

// ClockState is the paravirtual clock as reported by the hypervisor.
type ClockState struct {
	Clock uint64
	Flags uint32
}

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture
	CheckCapability(cap HypervisorCap) bool
}

// EventFd is a host event notifier backed by a file descriptor, such as a
// gVisor eventfd.Eventfd.
type EventFd interface {
	FD() int
}

// VirtualMachine is the backend-neutral view of a VM: memory slot
// management, interrupt routing and event registration.
type VirtualMachine interface {
	io.Closer

	Hypervisor() Hypervisor
	CheckCapability(cap VmCap) bool

	AddMemoryRegion(guestAddr uint64, region MappedRegion, readOnly, logDirtyPages bool) (MemSlot, error)
	RemoveMemoryRegion(slot MemSlot) (MappedRegion, error)
	MsyncMemoryRegion(slot MemSlot, offset, size uint64) error
	AddFdMapping(slot MemSlot, offset, size uint64, fd int, fdOffset uint64, prot Protection) error
	RemoveMapping(slot MemSlot, offset, size uint64) error
	GetDirtyLog(slot MemSlot, bitmap []byte) error

	SetGsiRouting(routes []IrqRoute) error
	SetIrqLine(irq uint32, active bool) error
	RegisterIrqfd(gsi uint32, evt, resample EventFd) error
	UnregisterIrqfd(gsi uint32, evt EventFd) error
	RegisterIoevent(evt EventFd, addr IoEventAddress, datamatch Datamatch) error
	UnregisterIoevent(evt EventFd, addr IoEventAddress, datamatch Datamatch) error

	CreateDevice(kind DeviceKind) (*os.File, error)

	GetPvclock() (ClockState, error)
	SetPvclock(state ClockState) error
}

// VirtualCPU is one virtual CPU. Run-handle acquisition is backend
// specific, so the run call itself lives on the backend type.
type VirtualCPU interface {
	io.Closer

	ID() int

	SetData(data []byte) error
	SetImmediateExit(exit bool)
	SetSignalMask(signals []unix.Signal) error
	PvclockCtrl() error
	EnableRawCapability(cap uint32, args [4]uint64) error

	GetMPState() (MPState, error)
	SetMPState(state MPState) error
}
