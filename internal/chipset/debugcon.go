package chipset

import (
	"io"
	"sync"
)

// DebugConPort is the Bochs/QEMU debug console port.
const DebugConPort = 0xe9

// DebugCon copies every byte the guest writes to its port to an io.Writer.
// Reads return the port number, which is how guests detect it.
type DebugCon struct {
	mu   sync.Mutex
	port uint16
	out  io.Writer
}

func NewDebugCon(port uint16, out io.Writer) *DebugCon {
	return &DebugCon{port: port, out: out}
}

func (d *DebugCon) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = byte(d.port)
	}
	return nil
}

func (d *DebugCon) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Only the low byte of a wider access is a character.
	_, err := d.out.Write(data[:1])
	return err
}

func (d *DebugCon) SupportsPortIO() *PortIOIntercept {
	return &PortIOIntercept{Ports: []uint16{d.port}, Handler: d}
}

func (d *DebugCon) SupportsMmio() *MmioIntercept { return nil }

func (d *DebugCon) Start() error { return nil }
func (d *DebugCon) Stop() error  { return nil }
func (d *DebugCon) Reset() error { return nil }
