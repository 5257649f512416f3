package chipset

import (
	"io"
	"sync"
)

const (
	COM1Port = 0x3f8
	COM1Irq  = 4

	uartRegisters = 8

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrDCD = 1 << 7

	ierRxData = 1 << 0
	ierTHRE   = 1 << 1

	iirNone   = 0x01
	iirTHRE   = 0x02
	iirRxData = 0x04
)

// UART is a transmit-only 16550. Received bytes only come from loopback.
type UART struct {
	mu   sync.Mutex
	base uint16
	irq  LineInterrupt
	out  io.Writer

	dll, dlm byte
	ier      byte
	lcr      byte
	mcr      byte
	lsr      byte
	scr      byte
	rx       byte

	// THRE interrupts are cleared by reading IIR until the next write.
	threPending bool
}

// NewUART creates a UART at base. A nil irq leaves the line detached.
func NewUART(base uint16, irq LineInterrupt, out io.Writer) *UART {
	if irq == nil {
		irq = LineInterruptDetached()
	}
	u := &UART{base: base, irq: irq, out: out}
	u.reset()
	return u
}

func (u *UART) reset() {
	u.dll, u.dlm = 0, 0
	u.ier, u.lcr, u.mcr, u.scr, u.rx = 0, 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.threPending = false
}

func (u *UART) ReadIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range data {
		data[i] = u.read(port - u.base)
	}
	return nil
}

func (u *UART) WriteIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, b := range data {
		if err := u.write(port-u.base, b); err != nil {
			return err
		}
	}
	return nil
}

func (u *UART) read(reg uint16) byte {
	switch reg {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		v := u.rx
		u.lsr &^= lsrDataReady
		u.update()
		return v
	case 1:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case 2:
		iir := u.iir()
		if iir == iirTHRE {
			u.threPending = false
			u.update()
		}
		return iir
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		return u.lsr
	case 6:
		return msrCTS | msrDSR | msrDCD
	case 7:
		return u.scr
	}
	return 0
}

func (u *UART) write(reg uint16, b byte) error {
	switch reg {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			u.dll = b
			return nil
		}
		return u.transmit(b)
	case 1:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = b
			return nil
		}
		// Enabling THRE with an empty holding register raises it at once.
		if b&ierTHRE != 0 && u.ier&ierTHRE == 0 {
			u.threPending = true
		}
		u.ier = b & 0x0f
		u.update()
	case 3:
		u.lcr = b
	case 4:
		u.mcr = b & 0x1f
		u.update()
	case 7:
		u.scr = b
	}
	return nil
}

func (u *UART) transmit(b byte) error {
	if u.mcr&mcrLoop != 0 {
		u.rx = b
		u.lsr |= lsrDataReady
	} else if _, err := u.out.Write([]byte{b}); err != nil {
		return err
	}
	u.threPending = true
	u.update()
	return nil
}

func (u *UART) iir() byte {
	switch {
	case u.ier&ierRxData != 0 && u.lsr&lsrDataReady != 0:
		return iirRxData
	case u.ier&ierTHRE != 0 && u.threPending:
		return iirTHRE
	}
	return iirNone
}

// OUT2 gates the interrupt output.
func (u *UART) update() {
	u.irq.SetLevel(u.iir() != iirNone && u.mcr&mcrOUT2 != 0)
}

func (u *UART) SupportsPortIO() *PortIOIntercept {
	ports := make([]uint16, uartRegisters)
	for i := range ports {
		ports[i] = u.base + uint16(i)
	}
	return &PortIOIntercept{Ports: ports, Handler: u}
}

func (u *UART) SupportsMmio() *MmioIntercept { return nil }

func (u *UART) Start() error { return nil }
func (u *UART) Stop() error  { return nil }

func (u *UART) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reset()
	u.irq.SetLevel(false)
	return nil
}
