//go:build linux && amd64

package runner

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv/kvm"
	"github.com/tinyrange/vmm/internal/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const entry = 0x1000

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newGuest creates a VM running code in real mode on n vcpus.
func newGuest(t *testing.T, code []byte, n int) []*kvm.Vcpu {
	t.Helper()

	k, err := kvm.Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	t.Cleanup(func() { k.Close() })

	mem, err := memory.NewGuestMemory([]memory.Range{{GuestAddr: 0, Size: 0x10000}})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	_, err = mem.WriteAt(code, entry)
	require.NoError(t, err)

	vm, err := kvm.NewVm(k, mem)
	require.NoError(t, err)
	t.Cleanup(func() { vm.Close() })

	var vcpus []*kvm.Vcpu
	for i := 0; i < n; i++ {
		vcpu, err := vm.CreateVcpu(i)
		require.NoError(t, err)
		t.Cleanup(func() { vcpu.Close() })
		require.NoError(t, vcpu.SetRealModeEntry(entry))
		vcpus = append(vcpus, vcpu)
	}
	return vcpus
}

func debugConChipset(t *testing.T, out *syncBuffer) *chipset.Chipset {
	b := chipset.NewBuilder()
	require.NoError(t, b.RegisterDevice("debugcon", chipset.NewDebugCon(chipset.DebugConPort, out)))
	return b.Build()
}

func TestRunUntilHalt(t *testing.T) {
	code := []byte{
		0xb0, 'o', 0xe6, 0xe9, // mov al, 'o'; out 0xe9, al
		0xb0, 'k', 0xe6, 0xe9, // mov al, 'k'; out 0xe9, al
		0xf4, // hlt
	}
	vcpus := newGuest(t, code, 1)

	var out syncBuffer
	r := New(Config{Vcpus: vcpus, Chipset: debugConChipset(t, &out)})
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, "ok", out.String())
}

func TestRunAllVcpusHalt(t *testing.T) {
	// mov al, '.'; out 0xe9, al; hlt
	vcpus := newGuest(t, []byte{0xb0, '.', 0xe6, 0xe9, 0xf4}, 2)

	var out syncBuffer
	r := New(Config{Vcpus: vcpus, Chipset: debugConChipset(t, &out)})
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, "..", out.String())
}

func TestRunCancel(t *testing.T) {
	// jmp $
	vcpus := newGuest(t, []byte{0xeb, 0xfe}, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- New(Config{Vcpus: vcpus}).Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	// Handles were released: the vcpus can be taken again.
	for _, vcpu := range vcpus {
		h, err := vcpu.TakeRunHandle(nil)
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}
}

func TestRunTripleFaultShutsDown(t *testing.T) {
	// An empty IDT turns int3 into a triple fault.
	code := []byte{
		0x0f, 0x01, 0x1e, 0x00, 0x11, // lidt [0x1100]
		0xcc, // int3
	}
	vcpus := newGuest(t, code, 1)

	err := New(Config{Vcpus: vcpus}).Run(context.Background())
	if err != nil && strings.Contains(err.Error(), "KVM internal error") {
		// Nested KVM can report the triple fault as an emulation failure.
		t.Skipf("host reported an internal error instead of shutdown: %v", err)
	}
	assert.NoError(t, err)
}

func TestRunNoVcpus(t *testing.T) {
	assert.Error(t, New(Config{}).Run(context.Background()))
}
