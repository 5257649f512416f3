//go:build linux

package kvm

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memory"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	kvm, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := kvm.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

// newTestVm creates a VM over a single guest region of size bytes at 0.
func newTestVm(t testing.TB, size uint64) *Vm {
	t.Helper()
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	t.Cleanup(func() { kvm.Close() })

	mem, err := memory.NewGuestMemory([]memory.Range{{GuestAddr: 0, Size: size}})
	if err != nil {
		t.Fatalf("Allocate guest memory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	vm, err := NewVm(kvm, mem)
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return vm
}

func newMapping(t testing.TB, size uint64) *memory.Mapping {
	t.Helper()
	m, err := memory.NewAnonymous(size)
	if err != nil {
		t.Fatalf("Map anonymous memory: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDirtyLogBitmapSize(t *testing.T) {
	const p = hostarch.PageSize
	tests := []struct {
		size uint64
		want uint64
	}{
		{0, 0},
		{1, 1},
		{p, 1},
		{8 * p, 1},
		{8*p + 1, 2},
		{100 * p, 13},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DirtyLogBitmapSize(tt.size), "size %#x", tt.size)
	}
}

func TestMPStateDecode(t *testing.T) {
	assert.Equal(t, hv.MPStateHalted, mpStateFromKvm(kvmMpStateHalted))
	assert.Equal(t, hv.MPStateStopped, mpStateFromKvm(kvmMpStateStopped))
	assert.Equal(t, hv.MPStateRunnable, mpStateFromKvm(0xdead))

	for _, s := range []hv.MPState{
		hv.MPStateRunnable, hv.MPStateUninitialized, hv.MPStateInitReceived,
		hv.MPStateHalted, hv.MPStateSipiReceived, hv.MPStateStopped,
	} {
		assert.Equal(t, s, mpStateFromKvm(mpStateToKvm(s)))
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	clone, err := kvm.TryClone()
	if err != nil {
		t.Fatalf("Clone KVM hypervisor: %v", err)
	}
	if err := clone.Close(); err != nil {
		t.Fatalf("Close cloned KVM hypervisor: %v", err)
	}

	if err := kvm.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := OpenPath("/nonexistent/kvm")
	assert.ErrorIs(t, err, unix.ENOENT)
}

func TestCheckCapability(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	require.NoError(t, err)
	defer kvm.Close()

	assert.True(t, kvm.CheckCapability(hv.HypervisorCapUserMemory))
	assert.False(t, kvm.CheckCapability(hv.HypervisorCapS390UserSigp))
}

func TestVcpuMmapSize(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	require.NoError(t, err)
	defer kvm.Close()

	size, err := kvm.VcpuMmapSize()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, hostarch.PageSize)
	assert.Zero(t, size%hostarch.PageSize)
}

func TestVmCheckCapability(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	assert.True(t, vm.CheckCapability(hv.VmCapDirtyLog))
	assert.False(t, vm.CheckCapability(hv.VmCapProtected))
}

func TestAddMemory(t *testing.T) {
	vm := newTestVm(t, 0x1000)

	m := newMapping(t, 0x1000)
	slot, err := vm.AddMemoryRegion(0x1000, m, false, false)
	require.NoError(t, err)
	assert.Equal(t, hv.MemSlot(1), slot)

	m2 := newMapping(t, 0x1000)
	slot2, err := vm.AddMemoryRegion(0x10000, m2, true, false)
	require.NoError(t, err)
	assert.Equal(t, hv.MemSlot(2), slot2)
}

func TestAddMemoryOverlap(t *testing.T) {
	vm := newTestVm(t, 0x10000)

	// Overlaps the initial guest memory.
	_, err := vm.AddMemoryRegion(0x2000, newMapping(t, 0x1000), false, false)
	assert.ErrorIs(t, err, unix.ENOSPC)

	_, err = vm.AddMemoryRegion(0x10000, newMapping(t, 0x2000), false, false)
	require.NoError(t, err)

	// Overlaps the region added above, from either side.
	_, err = vm.AddMemoryRegion(0x11000, newMapping(t, 0x2000), false, false)
	assert.ErrorIs(t, err, unix.ENOSPC)
	_, err = vm.AddMemoryRegion(0xf000, newMapping(t, 0x4000), false, false)
	assert.ErrorIs(t, err, unix.ENOSPC)
}

func TestAddMemoryOverflow(t *testing.T) {
	vm := newTestVm(t, 0x1000)

	_, err := vm.AddMemoryRegion(^uint64(0)-0xfff, newMapping(t, 0x2000), false, false)
	assert.ErrorIs(t, err, unix.EOVERFLOW)
}

func TestRemoveMemory(t *testing.T) {
	vm := newTestVm(t, 0x1000)

	m := newMapping(t, 0x1000)
	slot, err := vm.AddMemoryRegion(0x1000, m, false, false)
	require.NoError(t, err)

	region, err := vm.RemoveMemoryRegion(slot)
	require.NoError(t, err)
	assert.Equal(t, m.Size(), region.Size())
	assert.Equal(t, m.Pointer(), region.Pointer())

	// The range is free again.
	_, err = vm.AddMemoryRegion(0x1000, m, false, false)
	require.NoError(t, err)
}

func TestRemoveInvalidMemory(t *testing.T) {
	vm := newTestVm(t, 0x1000)

	_, err := vm.RemoveMemoryRegion(0)
	assert.ErrorIs(t, err, unix.ENOENT)
	_, err = vm.RemoveMemoryRegion(42)
	assert.ErrorIs(t, err, unix.ENOENT)
}

func TestMemorySlotReuse(t *testing.T) {
	vm := newTestVm(t, 0x1000)

	var slots []hv.MemSlot
	for i := 0; i < 4; i++ {
		slot, err := vm.AddMemoryRegion(uint64(i+1)*0x10000, newMapping(t, 0x1000), false, false)
		require.NoError(t, err)
		slots = append(slots, slot)
	}
	assert.Equal(t, []hv.MemSlot{1, 2, 3, 4}, slots)

	_, err := vm.RemoveMemoryRegion(3)
	require.NoError(t, err)
	_, err = vm.RemoveMemoryRegion(2)
	require.NoError(t, err)

	// The smallest freed slot is handed out first.
	slot, err := vm.AddMemoryRegion(0x100000, newMapping(t, 0x1000), false, false)
	require.NoError(t, err)
	assert.Equal(t, hv.MemSlot(2), slot)

	slot, err = vm.AddMemoryRegion(0x110000, newMapping(t, 0x1000), false, false)
	require.NoError(t, err)
	assert.Equal(t, hv.MemSlot(3), slot)

	slot, err = vm.AddMemoryRegion(0x120000, newMapping(t, 0x1000), false, false)
	require.NoError(t, err)
	assert.Equal(t, hv.MemSlot(5), slot)
}

func TestMemorySlotsUnique(t *testing.T) {
	vm := newTestVm(t, 0x1000)
	rng := rand.New(rand.NewSource(1))

	live := map[hv.MemSlot]uint64{}
	var next uint64 = 0x100000
	for i := 0; i < 200; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			for slot := range live {
				_, err := vm.RemoveMemoryRegion(slot)
				require.NoError(t, err)
				delete(live, slot)
				break
			}
			continue
		}
		slot, err := vm.AddMemoryRegion(next, newMapping(t, 0x1000), false, false)
		require.NoError(t, err)
		_, dup := live[slot]
		require.False(t, dup, "slot %d handed out twice", slot)
		require.NotZero(t, slot, "slot 0 belongs to guest memory")
		live[slot] = next
		next += 0x1000
	}
}

func TestMsyncMemory(t *testing.T) {
	vm := newTestVm(t, 0x1000)

	slot, err := vm.AddMemoryRegion(0x10000, newMapping(t, 0x4000), false, false)
	require.NoError(t, err)

	assert.NoError(t, vm.MsyncMemoryRegion(slot, 0, 0x4000))
	assert.NoError(t, vm.MsyncMemoryRegion(slot, 0x1000, 0x1000))
	assert.ErrorIs(t, vm.MsyncMemoryRegion(slot, 0x1000, 0x4000), unix.EFAULT)
	assert.ErrorIs(t, vm.MsyncMemoryRegion(slot, 0x10, 0x10), unix.EINVAL)
	assert.ErrorIs(t, vm.MsyncMemoryRegion(slot+1, 0, 0x1000), unix.ENOENT)
}

func TestFdMappingUnknownSlot(t *testing.T) {
	vm := newTestVm(t, 0x1000)

	assert.ErrorIs(t, vm.AddFdMapping(7, 0, 0x1000, 0, 0, hv.ProtRead), unix.EINVAL)
	assert.ErrorIs(t, vm.RemoveMapping(7, 0, 0x1000), unix.EINVAL)
}

func TestGetDirtyLog(t *testing.T) {
	vm := newTestVm(t, 0x1000)

	m := newMapping(t, 16*hostarch.PageSize)
	slot, err := vm.AddMemoryRegion(0x100000, m, false, true)
	require.NoError(t, err)

	assert.ErrorIs(t, vm.GetDirtyLog(slot, make([]byte, 1)), unix.EINVAL)
	assert.NoError(t, vm.GetDirtyLog(slot, make([]byte, 2)))
	assert.ErrorIs(t, vm.GetDirtyLog(slot+1, make([]byte, 2)), unix.ENOENT)
}

func TestGetDirtyLogStaysInBuffer(t *testing.T) {
	vm := newTestVm(t, 0x1000)

	m := newMapping(t, 16*hostarch.PageSize)
	slot, err := vm.AddMemoryRegion(0x100000, m, false, true)
	require.NoError(t, err)

	backing := make([]byte, 16)
	for i := range backing {
		backing[i] = 0xaa
	}
	bitmap := backing[:2:2]
	require.NoError(t, vm.GetDirtyLog(slot, bitmap))
	assert.Equal(t, []byte{0, 0}, bitmap)
	for i, b := range backing[2:] {
		assert.Equalf(t, byte(0xaa), b, "guard byte %d overwritten", i+2)
	}
}

// emptyRegion reports a size of zero over a real mapping.
type emptyRegion struct{ *memory.Mapping }

func (emptyRegion) Size() uint64 { return 0 }

func TestAddMemoryEmpty(t *testing.T) {
	vm := newTestVm(t, 0x1000)

	_, err := vm.AddMemoryRegion(0x100000, emptyRegion{newMapping(t, 0x1000)}, false, false)
	assert.ErrorIs(t, err, unix.EINVAL)

	// The failed add must not leak a slot.
	slot, err := vm.AddMemoryRegion(0x100000, newMapping(t, 0x1000), false, false)
	require.NoError(t, err)
	assert.Equal(t, hv.MemSlot(1), slot)
}

func newEventfd(t testing.TB) eventfd.Eventfd {
	t.Helper()
	evt, err := eventfd.Create()
	if err != nil {
		t.Fatalf("Create eventfd: %v", err)
	}
	t.Cleanup(func() { evt.Close() })
	return evt
}

func TestRegisterIrqfd(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	createTestIrqChip(t, vm)

	evt1 := newEventfd(t)
	evt2 := newEventfd(t)
	evt3 := newEventfd(t)

	require.NoError(t, vm.RegisterIrqfd(4, evt1, nil))
	require.NoError(t, vm.RegisterIrqfd(8, evt2, nil))
	require.NoError(t, vm.RegisterIrqfd(4, evt3, nil))
	assert.Error(t, vm.RegisterIrqfd(4, evt3, nil))

	require.NoError(t, vm.UnregisterIrqfd(4, evt1))
	require.NoError(t, vm.RegisterIrqfd(4, evt1, nil))
}

func TestRegisterIrqfdResample(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	createTestIrqChip(t, vm)

	evt := newEventfd(t)
	resample := newEventfd(t)
	require.NoError(t, vm.RegisterIrqfd(4, evt, resample))
	require.NoError(t, vm.UnregisterIrqfd(4, evt))
}

func TestRegisterIoevent(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	evt := newEventfd(t)

	v := func(x uint64) *uint64 { return &x }

	require.NoError(t, vm.RegisterIoevent(evt, hv.PioAddress(0xf4), hv.DatamatchAnyLength))
	require.NoError(t, vm.RegisterIoevent(evt, hv.MmioAddress(0x1000), hv.DatamatchAnyLength))
	require.NoError(t, vm.RegisterIoevent(evt, hv.PioAddress(0xc1), hv.DatamatchU8(v(0x7f))))
	require.NoError(t, vm.RegisterIoevent(evt, hv.PioAddress(0xc2), hv.DatamatchU16(v(0x1337))))
	require.NoError(t, vm.RegisterIoevent(evt, hv.PioAddress(0xc4), hv.DatamatchU32(v(0xdeadbeef))))
	require.NoError(t, vm.RegisterIoevent(evt, hv.PioAddress(0xc8), hv.DatamatchU64(v(0xdeadbeefdeadbeef))))

	assert.ErrorIs(t, vm.RegisterIoevent(evt, hv.PioAddress(0xd0), hv.Datamatch{Length: 3}), unix.EINVAL)

	require.NoError(t, vm.UnregisterIoevent(evt, hv.PioAddress(0xf4), hv.DatamatchAnyLength))
	require.NoError(t, vm.UnregisterIoevent(evt, hv.MmioAddress(0x1000), hv.DatamatchAnyLength))
	require.NoError(t, vm.UnregisterIoevent(evt, hv.PioAddress(0xc1), hv.DatamatchU8(v(0x7f))))
}

func TestSetGsiRouting(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	createTestIrqChip(t, vm)

	routes := defaultTestRoutes()
	routes = append(routes, hv.IrqRoute{GSI: 30, Source: hv.MsiSource{Address: 0xfee00000, Data: 0x41}})
	require.NoError(t, vm.SetGsiRouting(routes))
	require.NoError(t, vm.SetGsiRouting(nil))
}

func TestCreateDeviceUnsupported(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	if hostArchitecture == hv.ArchitectureARM64 {
		t.Skip("all device kinds are supported on arm64")
	}
	_, err := vm.CreateDevice(hv.DeviceKindArmVgicV3)
	assert.ErrorIs(t, err, unix.ENXIO)
}

func TestTakeRunHandle(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	vcpu, err := vm.CreateVcpu(0)
	require.NoError(t, err)
	defer vcpu.Close()

	h, err := vcpu.TakeRunHandle(nil)
	require.NoError(t, err)

	_, err = vcpu.TakeRunHandle(nil)
	assert.ErrorIs(t, err, unix.EBUSY)

	// Another thread cannot take it either.
	errc := make(chan error, 1)
	go func() {
		h, err := vcpu.TakeRunHandle(nil)
		if err == nil {
			h.Close()
		}
		errc <- err
	}()
	assert.ErrorIs(t, <-errc, unix.EBUSY)

	assert.ErrorIs(t, vcpu.Close(), unix.EBUSY)

	require.NoError(t, h.Close())

	h, err = vcpu.TakeRunHandle(nil)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestTakeRunHandleOneVcpuPerThread(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	vcpu0, err := vm.CreateVcpu(0)
	require.NoError(t, err)
	defer vcpu0.Close()
	vcpu1, err := vm.CreateVcpu(1)
	require.NoError(t, err)
	defer vcpu1.Close()

	h, err := vcpu0.TakeRunHandle(nil)
	require.NoError(t, err)
	defer h.Close()

	_, err = vcpu1.TakeRunHandle(nil)
	assert.ErrorIs(t, err, unix.EBUSY)

	// The failed attempt must not leave vcpu1 bound.
	done := make(chan error, 1)
	go func() {
		h, err := vcpu1.TakeRunHandle(nil)
		if err == nil {
			err = h.Close()
		}
		done <- err
	}()
	assert.NoError(t, <-done)
}

func TestRunWithForeignHandlePanics(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	vcpu0, err := vm.CreateVcpu(0)
	require.NoError(t, err)
	defer vcpu0.Close()
	vcpu1, err := vm.CreateVcpu(1)
	require.NoError(t, err)
	defer vcpu1.Close()

	h, err := vcpu0.TakeRunHandle(nil)
	require.NoError(t, err)
	defer h.Close()

	assert.Panics(t, func() { vcpu1.Run(h) })
	assert.Panics(t, func() { vcpu0.Run(nil) })
}

func TestClonedVcpuHasOwnRunHandle(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	vcpu, err := vm.CreateVcpu(0)
	require.NoError(t, err)
	defer vcpu.Close()

	clone, err := vcpu.TryClone()
	require.NoError(t, err)
	defer clone.Close()
	assert.Equal(t, vcpu.ID(), clone.ID())

	h, err := vcpu.TakeRunHandle(nil)
	require.NoError(t, err)
	defer h.Close()

	done := make(chan error, 1)
	go func() {
		h, err := clone.TakeRunHandle(nil)
		if err == nil {
			err = h.Close()
		}
		done <- err
	}()
	assert.NoError(t, <-done)
}

func TestSetSignalMask(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	vcpu, err := vm.CreateVcpu(0)
	require.NoError(t, err)
	defer vcpu.Close()

	require.NoError(t, vcpu.SetSignalMask([]unix.Signal{unix.SIGUSR1}))
	require.NoError(t, vcpu.SetSignalMask(nil))
	assert.ErrorIs(t, vcpu.SetSignalMask([]unix.Signal{0}), unix.EINVAL)
}

func TestSetDataWithoutPendingExit(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	vcpu, err := vm.CreateVcpu(0)
	require.NoError(t, err)
	defer vcpu.Close()

	assert.ErrorIs(t, vcpu.SetData([]byte{0}), unix.EINVAL)
}

func TestMPState(t *testing.T) {
	vm := newTestVm(t, 0x10000)
	createTestIrqChip(t, vm)

	vcpu, err := vm.CreateVcpu(0)
	require.NoError(t, err)
	defer vcpu.Close()

	state, err := vcpu.GetMPState()
	require.NoError(t, err)
	assert.Equal(t, hv.MPStateRunnable, state)

	// x86 KVM rejects Stopped.
	require.NoError(t, vcpu.SetMPState(hv.MPStateHalted))
	state, err = vcpu.GetMPState()
	require.NoError(t, err)
	assert.Equal(t, hv.MPStateHalted, state)
}

func TestSetLocalImmediateExitUnbound(t *testing.T) {
	// No vcpu is bound to this thread; the call must be a no-op.
	SetLocalImmediateExit(true)
	_, ok := LocalSignal()
	assert.False(t, ok)
}

func TestVmTryCloneSharesSlots(t *testing.T) {
	vm := newTestVm(t, 0x1000)
	clone, err := vm.TryClone()
	require.NoError(t, err)
	defer clone.Close()

	slot, err := vm.AddMemoryRegion(0x10000, newMapping(t, 0x1000), false, false)
	require.NoError(t, err)

	_, err = clone.AddMemoryRegion(0x10000, newMapping(t, 0x1000), false, false)
	assert.ErrorIs(t, err, unix.ENOSPC)

	_, err = clone.RemoveMemoryRegion(slot)
	require.NoError(t, err)
	_, err = vm.RemoveMemoryRegion(slot)
	assert.True(t, errors.Is(err, unix.ENOENT))
}
