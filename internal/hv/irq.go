package hv

import "fmt"

// IrqSourceChip names an interrupt controller that can be the target of a
// route.
type IrqSourceChip int

const (
	IrqSourceChipPicPrimary IrqSourceChip = iota
	IrqSourceChipPicSecondary
	IrqSourceChipIoapic
	IrqSourceChipGic
)

func (c IrqSourceChip) String() string {
	switch c {
	case IrqSourceChipPicPrimary:
		return "pic-primary"
	case IrqSourceChipPicSecondary:
		return "pic-secondary"
	case IrqSourceChipIoapic:
		return "ioapic"
	case IrqSourceChipGic:
		return "gic"
	default:
		return fmt.Sprintf("IrqSourceChip(%d)", int(c))
	}
}

// IrqSource is where a routed GSI is delivered. It is either an IrqChipSource
// or an MsiSource.
type IrqSource interface {
	isIrqSource()
}

type IrqChipSource struct {
	Chip IrqSourceChip
	Pin  uint32
}

type MsiSource struct {
	Address uint64
	Data    uint32
}

func (IrqChipSource) isIrqSource() {}
func (MsiSource) isIrqSource()     {}

// IrqRoute maps a GSI onto a source. A routing table holds at most one route
// per GSI.
type IrqRoute struct {
	GSI    uint32
	Source IrqSource
}

func IoapicRoute(pin uint32) IrqRoute {
	return IrqRoute{GSI: pin, Source: IrqChipSource{Chip: IrqSourceChipIoapic, Pin: pin}}
}

// PicRoute routes irq to pin irq%8 of the given PIC.
func PicRoute(chip IrqSourceChip, irq uint32) IrqRoute {
	return IrqRoute{GSI: irq, Source: IrqChipSource{Chip: chip, Pin: irq % 8}}
}

// IoEventAddress is a guest address an ioevent listens on.
type IoEventAddress struct {
	Pio  bool
	Addr uint64
}

func PioAddress(port uint64) IoEventAddress  { return IoEventAddress{Pio: true, Addr: port} }
func MmioAddress(addr uint64) IoEventAddress { return IoEventAddress{Addr: addr} }

// Datamatch restricts which writes trigger an ioevent. The zero value matches
// a write of any length and value.
type Datamatch struct {
	// Length is 0 for any length, or one of 1, 2, 4 and 8.
	Length uint32
	// Value is compared against the written data when set.
	Value *uint64
}

var DatamatchAnyLength = Datamatch{}

func DatamatchU8(v *uint64) Datamatch  { return Datamatch{Length: 1, Value: v} }
func DatamatchU16(v *uint64) Datamatch { return Datamatch{Length: 2, Value: v} }
func DatamatchU32(v *uint64) Datamatch { return Datamatch{Length: 4, Value: v} }
func DatamatchU64(v *uint64) Datamatch { return Datamatch{Length: 8, Value: v} }
