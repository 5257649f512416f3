package chipset

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memory"
)

// ErrNoHandler is returned for accesses no device claims.
var ErrNoHandler = errors.New("chipset: no handler")

// Chipset holds the built dispatch tables.
type Chipset struct {
	devices    map[string]Device
	pio        map[uint16]PortIOHandler
	mmio       *memory.RangeMap[MmioHandler]
	interrupts map[uint32]InterruptSink
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("%w for I/O port %#04x", ErrNoHandler, port)
	}
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access that must fall entirely inside one
// registered region.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at %#016x", addr)
	}

	_, end, handler, ok := c.mmio.Lookup(addr)
	if !ok || accessEnd > end {
		return fmt.Errorf("%w for MMIO address %#016x", ErrNoHandler, addr)
	}
	if isWrite {
		return handler.WriteMMIO(addr, data)
	}
	return handler.ReadMMIO(addr, data)
}

// SetIRQ forwards a line change to the sink registered for line.
func (c *Chipset) SetIRQ(line uint32, level bool) error {
	sink, ok := c.interrupts[line]
	if !ok {
		return fmt.Errorf("%w for interrupt line %d", ErrNoHandler, line)
	}
	sink.SetIRQ(line, level)
	return nil
}

// DataSetter completes a read exit.
type DataSetter interface {
	SetData(data []byte) error
}

// HandleExit services port and MMIO exits. String port I/O is split into
// one device access per element. Reads no device claims see all ones and
// writes are dropped, as on an open bus. It reports false for exits that
// are not I/O.
func (c *Chipset) HandleExit(vcpu DataSetter, exit hv.VcpuExit) (bool, error) {
	switch e := exit.(type) {
	case hv.IoInExit:
		data := make([]byte, e.Size)
		size, count := e.Elements()
		for i := range count {
			elem := data[i*size : (i+1)*size]
			if err := c.HandlePIO(e.Port, elem, false); err != nil {
				if !errors.Is(err, ErrNoHandler) {
					return true, err
				}
				slog.Debug("chipset: unclaimed port read", "port", e.Port, "size", size)
				fillOnes(elem)
			}
		}
		return true, vcpu.SetData(data)
	case hv.IoOutExit:
		data := e.Bytes()
		size, count := e.Elements()
		for i := range count {
			err := c.HandlePIO(e.Port, data[i*size:(i+1)*size], true)
			if errors.Is(err, ErrNoHandler) {
				slog.Debug("chipset: unclaimed port write", "port", e.Port, "size", e.Size)
				return true, nil
			}
			if err != nil {
				return true, err
			}
		}
		return true, nil
	case hv.MmioReadExit:
		data := make([]byte, e.Size)
		if err := c.HandleMMIO(e.Address, data, false); err != nil {
			if !errors.Is(err, ErrNoHandler) {
				return true, err
			}
			slog.Debug("chipset: unclaimed MMIO read", "addr", e.Address, "size", e.Size)
			fillOnes(data)
		}
		return true, vcpu.SetData(data)
	case hv.MmioWriteExit:
		err := c.HandleMMIO(e.Address, e.Bytes(), true)
		if errors.Is(err, ErrNoHandler) {
			slog.Debug("chipset: unclaimed MMIO write", "addr", e.Address, "size", e.Size)
			return true, nil
		}
		return true, err
	default:
		return false, nil
	}
}

func fillOnes(b []byte) {
	for i := range b {
		b[i] = 0xff
	}
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
