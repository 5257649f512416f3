package chipset

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/hv"
)

type access struct {
	Addr  uint64
	Data  []byte
	Write bool
}

type recordingDevice struct {
	ports   []uint16
	regions []MmioRegion
	log     []access
	fill    byte
	started bool
}

func (d *recordingDevice) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = d.fill
	}
	d.log = append(d.log, access{Addr: uint64(port), Data: append([]byte(nil), data...)})
	return nil
}

func (d *recordingDevice) WriteIOPort(port uint16, data []byte) error {
	d.log = append(d.log, access{Addr: uint64(port), Data: append([]byte(nil), data...), Write: true})
	return nil
}

func (d *recordingDevice) ReadMMIO(addr uint64, data []byte) error {
	return d.ReadIOPort(uint16(addr), data)
}

func (d *recordingDevice) WriteMMIO(addr uint64, data []byte) error {
	d.log = append(d.log, access{Addr: addr, Data: append([]byte(nil), data...), Write: true})
	return nil
}

func (d *recordingDevice) SupportsPortIO() *PortIOIntercept {
	if len(d.ports) == 0 {
		return nil
	}
	return &PortIOIntercept{Ports: d.ports, Handler: d}
}

func (d *recordingDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *recordingDevice) Start() error { d.started = true; return nil }
func (d *recordingDevice) Stop() error  { d.started = false; return nil }
func (d *recordingDevice) Reset() error { d.log = nil; return nil }

type fakeVcpu struct {
	data []byte
}

func (v *fakeVcpu) SetData(data []byte) error {
	v.data = append([]byte(nil), data...)
	return nil
}

func TestRegisterDeviceConflicts(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.RegisterDevice("a", &recordingDevice{ports: []uint16{0x60}}))

	assert.Error(t, b.RegisterDevice("a", &recordingDevice{}))
	assert.Error(t, b.RegisterDevice("", &recordingDevice{}))
	assert.Error(t, b.RegisterDevice("b", &recordingDevice{ports: []uint16{0x60}}))
}

func TestMmioOverlapRejected(t *testing.T) {
	b := NewBuilder()
	dev := &recordingDevice{}
	require.NoError(t, b.WithMmioRegion(0x1000, 0x1000, dev))

	assert.Error(t, b.WithMmioRegion(0x1800, 0x1000, dev))
	assert.Error(t, b.WithMmioRegion(0x0800, 0x1000, dev))
	assert.Error(t, b.WithMmioRegion(0x3000, 0, dev))
	assert.Error(t, b.WithMmioRegion(^uint64(0), 2, dev))
	assert.NoError(t, b.WithMmioRegion(0x2000, 0x1000, dev))
}

func TestDispatch(t *testing.T) {
	dev := &recordingDevice{
		ports:   []uint16{0x70, 0x71},
		regions: []MmioRegion{{Address: 0xd0000000, Size: 0x100}},
		fill:    0xab,
	}
	b := NewBuilder()
	require.NoError(t, b.RegisterDevice("rtc", dev))
	cs := b.Build()

	require.NoError(t, cs.Start())
	assert.True(t, dev.started)

	require.NoError(t, cs.HandlePIO(0x70, []byte{0x0a}, true))
	buf := make([]byte, 1)
	require.NoError(t, cs.HandlePIO(0x71, buf, false))
	assert.Equal(t, []byte{0xab}, buf)
	require.NoError(t, cs.HandleMMIO(0xd0000010, []byte{1, 2, 3, 4}, true))

	want := []access{
		{Addr: 0x70, Data: []byte{0x0a}, Write: true},
		{Addr: 0x71, Data: []byte{0xab}},
		{Addr: 0xd0000010, Data: []byte{1, 2, 3, 4}, Write: true},
	}
	if diff := cmp.Diff(want, dev.log); diff != "" {
		t.Fatalf("accesses mismatch (-want +got):\n%s", diff)
	}

	assert.True(t, errors.Is(cs.HandlePIO(0x80, buf, false), ErrNoHandler))
	// Straddles the end of the region.
	assert.ErrorIs(t, cs.HandleMMIO(0xd00000fe, []byte{1, 2, 3, 4}, true), ErrNoHandler)

	require.NoError(t, cs.Stop())
	assert.False(t, dev.started)
	require.NoError(t, cs.Reset())
	assert.Empty(t, dev.log)
}

func TestHandleExit(t *testing.T) {
	dev := &recordingDevice{ports: []uint16{0x10}, fill: 0x42}
	b := NewBuilder()
	require.NoError(t, b.RegisterDevice("dev", dev))
	cs := b.Build()
	vcpu := &fakeVcpu{}

	handled, err := cs.HandleExit(vcpu, hv.IoInExit{Port: 0x10, Size: 2})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []byte{0x42, 0x42}, vcpu.data)

	// Unclaimed reads float high.
	handled, err = cs.HandleExit(vcpu, hv.MmioReadExit{Address: 0x1000, Size: 4})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, vcpu.data)

	handled, err = cs.HandleExit(vcpu, hv.IoOutExit{Port: 0x99, Size: 1})
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = cs.HandleExit(vcpu, hv.ExitHlt)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestHandleExitStringIO(t *testing.T) {
	dev := &recordingDevice{ports: []uint16{0x10}, fill: 0x42}
	b := NewBuilder()
	require.NoError(t, b.RegisterDevice("dev", dev))
	cs := b.Build()
	vcpu := &fakeVcpu{}

	// rep insb of three bytes.
	handled, err := cs.HandleExit(vcpu, hv.IoInExit{Port: 0x10, Size: 3, ElemSize: 1})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []byte{0x42, 0x42, 0x42}, vcpu.data)

	// rep outsw of twelve bytes, past the inline payload.
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	handled, err = cs.HandleExit(vcpu, hv.NewIoOutExit(0x10, 2, payload))
	require.NoError(t, err)
	assert.True(t, handled)

	want := []access{
		{Addr: 0x10, Data: []byte{0x42}},
		{Addr: 0x10, Data: []byte{0x42}},
		{Addr: 0x10, Data: []byte{0x42}},
	}
	for i := 0; i < len(payload); i += 2 {
		want = append(want, access{Addr: 0x10, Data: payload[i : i+2], Write: true})
	}
	if diff := cmp.Diff(want, dev.log); diff != "" {
		t.Fatalf("accesses mismatch (-want +got):\n%s", diff)
	}

	// Unclaimed string reads float high across every element.
	_, err = cs.HandleExit(vcpu, hv.IoInExit{Port: 0x99, Size: 4, ElemSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, vcpu.data)
}

func TestIoOutExitBytes(t *testing.T) {
	short := hv.NewIoOutExit(0xe9, 1, []byte{'a', 'b'})
	assert.Equal(t, []byte("ab"), short.Bytes())
	size, count := short.Elements()
	assert.Equal(t, 1, size)
	assert.Equal(t, 2, count)

	long := hv.NewIoOutExit(0xe9, 4, make([]byte, 16))
	assert.Len(t, long.Bytes(), 16)
	size, count = long.Elements()
	assert.Equal(t, 4, size)
	assert.Equal(t, 4, count)

	size, count = hv.IoOutExit{Port: 0xe9, Size: 2}.Elements()
	assert.Equal(t, 2, size)
	assert.Equal(t, 1, count)
}

func TestDebugCon(t *testing.T) {
	var out bytes.Buffer
	b := NewBuilder()
	require.NoError(t, b.RegisterDevice("debugcon", NewDebugCon(DebugConPort, &out)))
	cs := b.Build()

	for _, c := range []byte("hi\n") {
		exit := hv.IoOutExit{Port: DebugConPort, Size: 1}
		exit.Data[0] = c
		_, err := cs.HandleExit(&fakeVcpu{}, exit)
		require.NoError(t, err)
	}
	assert.Equal(t, "hi\n", out.String())

	vcpu := &fakeVcpu{}
	_, err := cs.HandleExit(vcpu, hv.IoInExit{Port: DebugConPort, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xe9}, vcpu.data)
}

type sinkRecord struct {
	Line  uint32
	Level bool
}

type recordingSink struct {
	got []sinkRecord
}

func (s *recordingSink) SetIRQ(line uint32, level bool) {
	s.got = append(s.got, sinkRecord{line, level})
}

type fakeIrqChip struct {
	levels map[uint32]bool
}

func (c *fakeIrqChip) ServiceIrq(irq uint32, level bool) error {
	c.levels[irq] = level
	return nil
}

func TestLineSet(t *testing.T) {
	sink := &recordingSink{}
	ls := NewLineSet(sink)

	line := ls.AllocateLine(4)
	line.SetLevel(true)
	line.SetLevel(true)
	line.SetLevel(false)
	line.PulseInterrupt()

	want := []sinkRecord{{4, true}, {4, false}, {4, true}, {4, false}}
	if diff := cmp.Diff(want, sink.got); diff != "" {
		t.Fatalf("line changes mismatch (-want +got):\n%s", diff)
	}

	eois := 0
	ls.RegisterEOICallback(0x24, func() { eois++ })
	ls.BroadcastEOI(0x24)
	ls.BroadcastEOI(0x25)
	assert.Equal(t, 1, eois)
}

func TestIrqChipSink(t *testing.T) {
	chip := &fakeIrqChip{levels: map[uint32]bool{}}
	b := NewBuilder()
	require.NoError(t, b.WithInterruptLine(5, IrqChipSink(chip)))
	assert.Error(t, b.WithInterruptLine(5, IrqChipSink(chip)))
	cs := b.Build()

	require.NoError(t, cs.SetIRQ(5, true))
	assert.True(t, chip.levels[5])
	assert.ErrorIs(t, cs.SetIRQ(6, true), ErrNoHandler)
}
