package chipset

// PortIOHandler handles reads and writes to individual I/O ports. data is
// sized to the access width.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MmioRegion is a guest physical range [Address, Address+Size).
type MmioRegion struct {
	Address uint64
	Size    uint64
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []MmioRegion
	Handler MmioHandler
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// Device is implemented by everything registered on the chipset.
type Device interface {
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
}
