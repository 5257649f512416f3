//go:build linux

package kvm

import "unsafe"

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmDirtyLog struct {
	Slot        uint32
	_           uint32
	DirtyBitmap uint64
}

type kvmIrqLevel struct {
	Irq   uint32
	Level uint32
}

type kvmIrqfdArgs struct {
	Fd         uint32
	Gsi        uint32
	Flags      uint32
	ResampleFd uint32
	_          [16]byte
}

type kvmIoeventfdArgs struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	Fd        int32
	Flags     uint32
	_         [36]byte
}

type kvmIrqRoutingHeader struct {
	Nr    uint32
	Flags uint32
}

type kvmIrqRoutingEntry struct {
	Gsi   uint32
	Type  uint32
	Flags uint32
	_     uint32
	U     [32]byte
}

type kvmRoutingIrqchip struct {
	Irqchip uint32
	Pin     uint32
}

type kvmRoutingMsi struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	_         uint32
}

type kvmCreateDeviceArgs struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

type kvmMpState struct {
	MpState uint32
}

type kvmEnableCapArgs struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	_     [64]byte
}

type kvmClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	Realtime uint64
	HostTsc  uint64
	_        [4]uint32
}

const syncRegsSizeBytes = 2048

// kvmRunData is the header of the shared run page, struct kvm_run.
type kvmRunData struct {
	requestInterruptWindow     uint8
	immediateExit              uint8
	_                          [6]uint8
	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	flags                      uint16
	cr8                        uint64
	apicBase                   uint64
	exit                       [256]byte
	kvmValidRegs               uint64
	kvmDirtyRegs               uint64
	s                          [syncRegsSizeBytes]byte
}

type kvmRunExitIo struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

type kvmRunExitMmio struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

type kvmRunExitFailEntry struct {
	HardwareEntryFailureReason uint64
	Cpu                        uint32
}

type kvmRunExitEoi struct {
	Vector uint8
}

type kvmRunExitSystemEvent struct {
	Type  uint32
	Ndata uint32
	Flags uint64
}

type kvmRunExitHyperv struct {
	Type uint32
	_    uint32
	U    [32]byte
}

type kvmHypervSynic struct {
	Msr     uint32
	_       uint32
	Control uint64
	EvtPage uint64
	MsgPage uint64
}

type kvmHypervHcall struct {
	Input  uint64
	Result uint64
	Params [2]uint64
}

type kvmRunExitInternalError struct {
	Suberror uint32
	Ndata    uint32
	Data     [16]uint64
}

// exitPayload reinterprets the exit union of the run page as T.
func exitPayload[T any](run *kvmRunData) *T {
	return (*T)(unsafe.Pointer(&run.exit[0]))
}
