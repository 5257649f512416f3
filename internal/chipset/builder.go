package chipset

import (
	"fmt"
	"maps"

	"github.com/tinyrange/vmm/internal/memory"
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint32, level bool)
}

// Builder registers devices and their intercepts before creating a Chipset.
type Builder struct {
	devices    map[string]Device
	pio        map[uint16]PortIOHandler
	mmio       *memory.RangeMap[MmioHandler]
	interrupts map[uint32]InterruptSink
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		devices:    make(map[string]Device),
		pio:        make(map[uint16]PortIOHandler),
		mmio:       memory.NewRangeMap[MmioHandler](),
		interrupts: make(map[uint32]InterruptSink),
	}
}

// RegisterDevice adds a device and wires up its intercepts.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided port I/O ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if err := b.WithPioPort(port, intercept.Handler); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.WithMmioRegion(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPioPort registers a single I/O port handler.
func (b *Builder) WithPioPort(port uint16, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port %#x is nil", port)
	}
	if _, exists := b.pio[port]; exists {
		return fmt.Errorf("PIO port %#x already registered", port)
	}
	b.pio[port] = handler
	return nil
}

// WithMmioRegion registers a memory-mapped region handler.
func (b *Builder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("MMIO handler for region %#x size %#x is nil", base, size)
	}
	if err := b.mmio.Insert(base, size, handler); err != nil {
		return fmt.Errorf("MMIO region %#x size %#x: %w", base, size, err)
	}
	return nil
}

// WithInterruptLine registers a sink for a specific interrupt line.
func (b *Builder) WithInterruptLine(line uint32, sink InterruptSink) error {
	if sink == nil {
		return fmt.Errorf("interrupt sink for line %d is nil", line)
	}
	if _, exists := b.interrupts[line]; exists {
		return fmt.Errorf("interrupt line %d already registered", line)
	}
	b.interrupts[line] = sink
	return nil
}

// Build finalizes the layout. The builder must not be used afterwards.
func (b *Builder) Build() *Chipset {
	return &Chipset{
		devices:    maps.Clone(b.devices),
		pio:        maps.Clone(b.pio),
		mmio:       b.mmio,
		interrupts: maps.Clone(b.interrupts),
	}
}
