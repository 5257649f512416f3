package chipset

import (
	"log/slog"
	"sync"
)

// IrqServicer is the part of an interrupt controller a LineSet drives.
type IrqServicer interface {
	ServiceIrq(irq uint32, level bool) error
}

// IrqChipSink adapts an interrupt controller to an InterruptSink.
func IrqChipSink(chip IrqServicer) InterruptSink {
	return irqChipSink{chip}
}

type irqChipSink struct {
	chip IrqServicer
}

func (s irqChipSink) SetIRQ(line uint32, level bool) {
	if err := s.chip.ServiceIrq(line, level); err != nil {
		slog.Error("chipset: service irq", "line", line, "level", level, "error", err)
	}
}

// LineSet manages interrupt lines and EOI callbacks.
type LineSet struct {
	mu sync.Mutex

	sink  InterruptSink
	lines map[uint32]*lineState
	eoi   map[uint8][]func()
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint32]*lineState),
		eoi:   make(map[uint8][]func()),
	}
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint32) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

// RegisterEOICallback registers fn to run when the guest signals EOI for
// vector.
func (l *LineSet) RegisterEOICallback(vector uint8, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[vector] = append(l.eoi[vector], fn)
}

// BroadcastEOI runs the callbacks registered for vector. The run loop calls
// it on IoapicEoi exits.
func (l *LineSet) BroadcastEOI(vector uint8) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[vector]...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	irq   uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) setLevel(irq uint32, high bool) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(irq, high)
	}
}

func (l *LineSet) pulse(irq uint32) {
	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}
