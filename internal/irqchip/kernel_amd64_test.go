//go:build linux && amd64

package irqchip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/kvm"
	"github.com/tinyrange/vmm/internal/memory"
)

func newTestVm(t *testing.T) *kvm.Vm {
	t.Helper()

	k, err := kvm.Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	t.Cleanup(func() { k.Close() })

	mem, err := memory.NewGuestMemory([]memory.Range{{GuestAddr: 0, Size: 0x10000}})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	vm, err := kvm.NewVm(k, mem)
	require.NoError(t, err)
	t.Cleanup(func() { vm.Close() })
	return vm
}

func TestDefaultRoutes(t *testing.T) {
	routes := DefaultRoutes()
	assert.Len(t, routes, 7+8+24)

	for _, r := range routes {
		src := r.Source.(hv.IrqChipSource)
		if src.Chip != hv.IrqSourceChipIoapic {
			assert.NotEqual(t, uint32(2), r.GSI, "cascade pin must not be routed")
			assert.Equal(t, r.GSI%8, src.Pin)
		}
	}
}

func TestKernelIrqChipMPState(t *testing.T) {
	vm := newTestVm(t)

	chip, err := NewKernelIrqChip(vm, 1)
	require.NoError(t, err)
	defer chip.Close()

	vcpu, err := vm.CreateVcpu(0)
	require.NoError(t, err)
	defer vcpu.Close()

	require.NoError(t, chip.AddVcpu(0, vcpu))

	state, err := chip.GetMPState(0)
	require.NoError(t, err)
	assert.Equal(t, hv.MPStateRunnable, state)

	// x86 KVM rejects Stopped.
	require.NoError(t, chip.SetMPState(0, hv.MPStateHalted))
	state, err = chip.GetMPState(0)
	require.NoError(t, err)
	assert.Equal(t, hv.MPStateHalted, state)

	// The chip holds its own clone; the caller's handle is still usable.
	state, err = vcpu.GetMPState()
	require.NoError(t, err)
	assert.Equal(t, hv.MPStateHalted, state)
}

func TestKernelIrqChipServiceIrq(t *testing.T) {
	vm := newTestVm(t)

	chip, err := NewKernelIrqChip(vm, 1)
	require.NoError(t, err)
	defer chip.Close()

	require.NoError(t, chip.ServiceIrq(4, true))
	require.NoError(t, chip.ServiceIrq(4, false))
	require.NoError(t, chip.RouteIrq(hv.IrqRoute{GSI: 40, Source: hv.MsiSource{Address: 0xfee00000, Data: 0x41}}))
}
