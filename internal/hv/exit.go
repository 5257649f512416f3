package hv

import "fmt"

// VcpuExit is the reason a vCPU run call returned to the host. Exits without
// a payload are ExitKind values; the rest are the *Exit structs below.
type VcpuExit interface {
	Kind() ExitKind
}

type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitException
	ExitIoIn
	ExitIoOut
	ExitHypercall
	ExitDebug
	ExitHlt
	ExitMmioRead
	ExitMmioWrite
	ExitIrqWindowOpen
	ExitShutdown
	ExitFailEntry
	ExitIntr
	ExitSetTpr
	ExitTprAccess
	ExitS390Sieic
	ExitS390Reset
	ExitDcr
	ExitNmi
	ExitInternalError
	ExitOsi
	ExitPaprHcall
	ExitS390Ucontrol
	ExitWatchdog
	ExitS390Tsch
	ExitEpr
	ExitSystemEvent
	ExitIoapicEoi
	ExitHypervSynic
	ExitHypervHcall
)

var exitKindNames = map[ExitKind]string{
	ExitUnknown:       "Unknown",
	ExitException:     "Exception",
	ExitIoIn:          "IoIn",
	ExitIoOut:         "IoOut",
	ExitHypercall:     "Hypercall",
	ExitDebug:         "Debug",
	ExitHlt:           "Hlt",
	ExitMmioRead:      "MmioRead",
	ExitMmioWrite:     "MmioWrite",
	ExitIrqWindowOpen: "IrqWindowOpen",
	ExitShutdown:      "Shutdown",
	ExitFailEntry:     "FailEntry",
	ExitIntr:          "Intr",
	ExitSetTpr:        "SetTpr",
	ExitTprAccess:     "TprAccess",
	ExitS390Sieic:     "S390Sieic",
	ExitS390Reset:     "S390Reset",
	ExitDcr:           "Dcr",
	ExitNmi:           "Nmi",
	ExitInternalError: "InternalError",
	ExitOsi:           "Osi",
	ExitPaprHcall:     "PaprHcall",
	ExitS390Ucontrol:  "S390Ucontrol",
	ExitWatchdog:      "Watchdog",
	ExitS390Tsch:      "S390Tsch",
	ExitEpr:           "Epr",
	ExitSystemEvent:   "SystemEvent",
	ExitIoapicEoi:     "IoapicEoi",
	ExitHypervSynic:   "HypervSynic",
	ExitHypervHcall:   "HypervHcall",
}

func (k ExitKind) Kind() ExitKind { return k }

func (k ExitKind) String() string {
	if name, ok := exitKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ExitKind(%d)", int(k))
}

// IoInExit is a port read. Size is the total byte count; a string
// instruction reads Size/ElemSize elements of ElemSize bytes from Port.
// An ElemSize of zero means a single access of Size bytes.
type IoInExit struct {
	Port     uint16
	Size     int
	ElemSize int
}

// IoOutExit is a port write. Size and ElemSize are as for IoInExit. Up to
// eight bytes are carried in Data; longer string writes are built with
// NewIoOutExit.
type IoOutExit struct {
	Port     uint16
	Size     int
	ElemSize int
	Data     [8]byte

	long []byte
}

// NewIoOutExit returns an out exit carrying a copy of data.
func NewIoOutExit(port uint16, elemSize int, data []byte) IoOutExit {
	e := IoOutExit{Port: port, Size: len(data), ElemSize: elemSize}
	if len(data) <= len(e.Data) {
		copy(e.Data[:], data)
	} else {
		e.long = append([]byte(nil), data...)
	}
	return e
}

// Elements returns the size of each access and how many there are.
func (e IoInExit) Elements() (size, count int) { return ioElements(e.Size, e.ElemSize) }

// Elements returns the size of each access and how many there are.
func (e IoOutExit) Elements() (size, count int) { return ioElements(e.Size, e.ElemSize) }

func ioElements(total, elem int) (int, int) {
	if elem <= 0 || elem >= total {
		return total, 1
	}
	return elem, total / elem
}

type MmioReadExit struct {
	Address uint64
	Size    int
}

type MmioWriteExit struct {
	Address uint64
	Size    int
	Data    [8]byte
}

type IoapicEoiExit struct {
	Vector uint8
}

type HypervSynicExit struct {
	Msr     uint32
	Control uint64
	EvtPage uint64
	MsgPage uint64
}

type HypervHcallExit struct {
	Input  uint64
	Params [2]uint64
}

type FailEntryExit struct {
	HardwareEntryFailureReason uint64
}

type SystemEventExit struct {
	Type  uint32
	Flags uint64
}

func (IoInExit) Kind() ExitKind        { return ExitIoIn }
func (IoOutExit) Kind() ExitKind       { return ExitIoOut }
func (MmioReadExit) Kind() ExitKind    { return ExitMmioRead }
func (MmioWriteExit) Kind() ExitKind   { return ExitMmioWrite }
func (IoapicEoiExit) Kind() ExitKind   { return ExitIoapicEoi }
func (HypervSynicExit) Kind() ExitKind { return ExitHypervSynic }
func (HypervHcallExit) Kind() ExitKind { return ExitHypervHcall }
func (FailEntryExit) Kind() ExitKind   { return ExitFailEntry }
func (SystemEventExit) Kind() ExitKind { return ExitSystemEvent }

// Bytes returns the written bytes of an I/O out exit.
func (e IoOutExit) Bytes() []byte {
	if e.long != nil {
		return e.long
	}
	return e.Data[:e.Size]
}

// Bytes returns the written bytes of an MMIO write exit.
func (e MmioWriteExit) Bytes() []byte { return e.Data[:e.Size] }

// MPState is the multiprocessor lifecycle state of a vCPU.
type MPState int

const (
	MPStateRunnable MPState = iota
	MPStateUninitialized
	MPStateInitReceived
	MPStateHalted
	MPStateSipiReceived
	MPStateStopped
)

func (s MPState) String() string {
	switch s {
	case MPStateRunnable:
		return "Runnable"
	case MPStateUninitialized:
		return "Uninitialized"
	case MPStateInitReceived:
		return "InitReceived"
	case MPStateHalted:
		return "Halted"
	case MPStateSipiReceived:
		return "SipiReceived"
	case MPStateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("MPState(%d)", int(s))
	}
}
