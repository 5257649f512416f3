//go:build linux

package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// nextFingerprint hands out run handle fingerprints. 0 is never issued.
var nextFingerprint atomicbitops.Uint64

// vcpuThread is the state bound to an OS thread while it owns a vcpu.
type vcpuThread struct {
	run    *kvmRunData
	signal *unix.Signal
}

// threads maps a thread id to the vcpu it currently owns. Entries exist only
// between TakeRunHandle and RunHandle.Close.
var (
	threadsMu sync.Mutex
	threads   = make(map[int]*vcpuThread)
)

// RunHandle proves that the calling thread is the only runner of a vcpu.
type RunHandle struct {
	vcpu        *Vcpu
	fingerprint uint64
	tid         int
	signal      *unix.Signal
	closed      bool
}

// TakeRunHandle binds the vcpu to the calling goroutine and its OS thread.
// It fails with EBUSY if another handle for this vcpu is live or the thread
// already owns a vcpu.
//
// If signal is set it stays blocked on this thread until the handle is
// closed, so a kick sent between runs stays pending until the next KVM_RUN
// unblocks it through the mask installed with SetSignalMask.
func (v *Vcpu) TakeRunHandle(signal *unix.Signal) (*RunHandle, error) {
	fingerprint := nextFingerprint.Add(1)
	if !v.fingerprint.CompareAndSwap(0, fingerprint) {
		return nil, fmt.Errorf("kvm: take run handle for vcpu %d: %w", v.id, unix.EBUSY)
	}

	runtime.LockOSThread()
	tid := unix.Gettid()

	release := func() {
		runtime.UnlockOSThread()
		v.fingerprint.Store(0)
	}

	threadsMu.Lock()
	defer threadsMu.Unlock()

	if _, bound := threads[tid]; bound {
		release()
		return nil, fmt.Errorf("kvm: thread %d already runs a vcpu: %w", tid, unix.EBUSY)
	}
	if signal != nil {
		if err := changeSignal(unix.SIG_BLOCK, *signal); err != nil {
			release()
			return nil, fmt.Errorf("kvm: block signal %d: %w", *signal, err)
		}
	}
	threads[tid] = &vcpuThread{run: v.runData(), signal: signal}

	return &RunHandle{vcpu: v, fingerprint: fingerprint, tid: tid, signal: signal}, nil
}

// Tid returns the OS thread the handle is bound to.
func (h *RunHandle) Tid() int { return h.tid }

// Close releases the vcpu. It must be called from the goroutine that took
// the handle.
func (h *RunHandle) Close() error {
	if h.closed {
		return nil
	}
	if tid := unix.Gettid(); tid != h.tid {
		panic(fmt.Sprintf("kvm: run handle of thread %d closed on thread %d", h.tid, tid))
	}
	h.closed = true

	threadsMu.Lock()
	delete(threads, h.tid)
	threadsMu.Unlock()

	if h.signal != nil {
		if err := changeSignal(unix.SIG_UNBLOCK, *h.signal); err != nil {
			slog.Warn("kvm: unblock signal", "signal", *h.signal, "error", err)
		}
	}

	h.vcpu.fingerprint.Store(0)
	runtime.UnlockOSThread()
	return nil
}

// SetLocalImmediateExit sets immediate_exit on the vcpu owned by the calling
// thread. It does nothing on a thread that owns no vcpu.
func SetLocalImmediateExit(exit bool) {
	tid := unix.Gettid()

	threadsMu.Lock()
	t := threads[tid]
	threadsMu.Unlock()

	if t != nil {
		setImmediateExit(t.run, exit)
	}
}

// LocalSignal returns the signal blocked for the vcpu owned by the calling
// thread.
func LocalSignal() (unix.Signal, bool) {
	threadsMu.Lock()
	defer threadsMu.Unlock()

	t := threads[unix.Gettid()]
	if t == nil || t.signal == nil {
		return 0, false
	}
	return *t.signal, true
}

func changeSignal(how int, sig unix.Signal) error {
	var set unix.Sigset_t
	n := uint(sig) - 1
	set.Val[n/64] |= 1 << (n % 64)
	return unix.PthreadSigmask(how, &set, nil)
}
