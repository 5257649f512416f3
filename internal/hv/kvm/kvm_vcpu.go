//go:build linux

package kvm

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/tinyrange/vmm/internal/hv"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// Vcpu is one KVM virtual CPU and its mapped run page.
type Vcpu struct {
	vm          *Vm
	id          int
	fd          int
	run         unsafe.Pointer
	runMmapSize int

	// fingerprint is the fingerprint of the live RunHandle, or 0 when no
	// thread owns this vcpu.
	fingerprint atomicbitops.Uint64
}

// CreateVcpu creates vCPU id and maps its run page.
func (v *Vm) CreateVcpu(id int) (*Vcpu, error) {
	fd, err := createVcpu(v.fd, id)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vcpu %d: %w", id, err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	if err := v.initVcpuArch(fd); err != nil {
		return nil, fmt.Errorf("kvm: init vcpu %d: %w", id, err)
	}

	run, err := mapRunPage(fd, v.runMmapSize)
	if err != nil {
		return nil, fmt.Errorf("kvm: map run page of vcpu %d: %w", id, err)
	}

	cu.Release()
	return &Vcpu{vm: v, id: id, fd: fd, run: run, runMmapSize: v.runMmapSize}, nil
}

func mapRunPage(fd int, size int) (unsafe.Pointer, error) {
	return unix.MmapPtr(fd, 0, nil, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// implements hv.VirtualCPU.
func (v *Vcpu) ID() int { return v.id }

func (v *Vcpu) runData() *kvmRunData { return (*kvmRunData)(v.run) }

// TryClone returns a second handle on the same kernel vCPU. The clone maps
// its own view of the run page and has its own run-handle slot.
func (v *Vcpu) TryClone() (*Vcpu, error) {
	fd, err := unix.FcntlInt(uintptr(v.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: dup vcpu %d fd: %w", v.id, err)
	}
	run, err := mapRunPage(fd, v.runMmapSize)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: map run page of vcpu %d: %w", v.id, err)
	}
	return &Vcpu{vm: v.vm, id: v.id, fd: fd, run: run, runMmapSize: v.runMmapSize}, nil
}

// Run enters the guest until the next exit. h must be the live handle of
// this vcpu; anything else is a programming error and panics.
//
// A failed KVM_RUN is returned as the bare errno. EINTR means the vcpu was
// kicked or the thread took a signal and is not fatal.
func (v *Vcpu) Run(h *RunHandle) (hv.VcpuExit, error) {
	if h == nil || h.fingerprint != v.fingerprint.Load() {
		panic(fmt.Sprintf("kvm: invalid RunHandle used to run vcpu %d", v.id))
	}

	if _, err := ioctl(uintptr(v.fd), kvmRun, 0); err != nil {
		return nil, err
	}
	return v.decodeExit()
}

func (v *Vcpu) decodeExit() (hv.VcpuExit, error) {
	run := v.runData()
	reason := kvmExitReason(run.exitReason)

	switch reason {
	case kvmExitIo:
		io := exitPayload[kvmRunExitIo](run)
		// String instructions carry Count elements in the data page.
		elem := int(io.Size)
		total := elem * int(max(io.Count, 1))
		switch io.Direction {
		case kvmExitIoIn:
			return hv.IoInExit{Port: io.Port, Size: total, ElemSize: elem}, nil
		case kvmExitIoOut:
			data := unsafe.Slice((*byte)(unsafe.Add(v.run, io.DataOffset)), total)
			return hv.NewIoOutExit(io.Port, elem, data), nil
		default:
			return nil, fmt.Errorf("kvm: io exit direction %d: %w", io.Direction, unix.EINVAL)
		}
	case kvmExitMmio:
		mmio := exitPayload[kvmRunExitMmio](run)
		size := min(int(mmio.Len), 8)
		if mmio.IsWrite != 0 {
			return hv.MmioWriteExit{Address: mmio.PhysAddr, Size: size, Data: mmio.Data}, nil
		}
		return hv.MmioReadExit{Address: mmio.PhysAddr, Size: size}, nil
	case kvmExitIoapicEoi:
		return hv.IoapicEoiExit{Vector: exitPayload[kvmRunExitEoi](run).Vector}, nil
	case kvmExitHyperv:
		hyperv := exitPayload[kvmRunExitHyperv](run)
		switch hyperv.Type {
		case kvmExitHypervSynic:
			synic := (*kvmHypervSynic)(unsafe.Pointer(&hyperv.U[0]))
			return hv.HypervSynicExit{
				Msr:     synic.Msr,
				Control: synic.Control,
				EvtPage: synic.EvtPage,
				MsgPage: synic.MsgPage,
			}, nil
		case kvmExitHypervHcall:
			hcall := (*kvmHypervHcall)(unsafe.Pointer(&hyperv.U[0]))
			return hv.HypervHcallExit{Input: hcall.Input, Params: hcall.Params}, nil
		default:
			return nil, fmt.Errorf("kvm: hyperv exit type %d: %w", hyperv.Type, unix.EINVAL)
		}
	case kvmExitFailEntry:
		fail := exitPayload[kvmRunExitFailEntry](run)
		return hv.FailEntryExit{HardwareEntryFailureReason: fail.HardwareEntryFailureReason}, nil
	case kvmExitSystemEvent:
		event := exitPayload[kvmRunExitSystemEvent](run)
		return hv.SystemEventExit{Type: event.Type, Flags: event.Flags}, nil
	case kvmExitInternalError:
		ie := exitPayload[kvmRunExitInternalError](run)
		slog.Error("kvm internal error", "vcpu", v.id, "suberror", ie.Suberror, "ndata", ie.Ndata)
		return hv.ExitInternalError, nil
	}

	if kind, ok := simpleExits[reason]; ok {
		return kind, nil
	}
	panic(fmt.Sprintf("kvm: unknown exit reason %s on vcpu %d", reason, v.id))
}

var simpleExits = map[kvmExitReason]hv.ExitKind{
	kvmExitUnknown:       hv.ExitUnknown,
	kvmExitException:     hv.ExitException,
	kvmExitHypercall:     hv.ExitHypercall,
	kvmExitDebug:         hv.ExitDebug,
	kvmExitHlt:           hv.ExitHlt,
	kvmExitIrqWindowOpen: hv.ExitIrqWindowOpen,
	kvmExitShutdown:      hv.ExitShutdown,
	kvmExitIntr:          hv.ExitIntr,
	kvmExitSetTpr:        hv.ExitSetTpr,
	kvmExitTprAccess:     hv.ExitTprAccess,
	kvmExitS390Sieic:     hv.ExitS390Sieic,
	kvmExitS390Reset:     hv.ExitS390Reset,
	kvmExitDcr:           hv.ExitDcr,
	kvmExitNmi:           hv.ExitNmi,
	kvmExitOsi:           hv.ExitOsi,
	kvmExitPaprHcall:     hv.ExitPaprHcall,
	kvmExitS390Ucontrol:  hv.ExitS390Ucontrol,
	kvmExitWatchdog:      hv.ExitWatchdog,
	kvmExitS390Tsch:      hv.ExitS390Tsch,
	kvmExitEpr:           hv.ExitEpr,
}

// SetData completes the pending IoIn, MmioRead or HypervHcall exit with the
// value the guest should observe.
func (v *Vcpu) SetData(data []byte) error {
	run := v.runData()

	switch kvmExitReason(run.exitReason) {
	case kvmExitIo:
		io := exitPayload[kvmRunExitIo](run)
		if io.Direction != kvmExitIoIn {
			return fmt.Errorf("kvm: set data on io out exit: %w", unix.EINVAL)
		}
		if total := int(io.Size) * int(max(io.Count, 1)); len(data) != total {
			return fmt.Errorf("kvm: set data of %d bytes for %d byte io: %w", len(data), total, unix.EINVAL)
		}
		copy(unsafe.Slice((*byte)(unsafe.Add(v.run, io.DataOffset)), len(data)), data)
		return nil
	case kvmExitMmio:
		mmio := exitPayload[kvmRunExitMmio](run)
		if mmio.IsWrite != 0 {
			return fmt.Errorf("kvm: set data on mmio write exit: %w", unix.EINVAL)
		}
		if len(data) != int(mmio.Len) {
			return fmt.Errorf("kvm: set data of %d bytes for %d byte mmio: %w", len(data), mmio.Len, unix.EINVAL)
		}
		copy(mmio.Data[:], data)
		return nil
	case kvmExitHyperv:
		hyperv := exitPayload[kvmRunExitHyperv](run)
		if hyperv.Type != kvmExitHypervHcall {
			return fmt.Errorf("kvm: set data on hyperv exit type %d: %w", hyperv.Type, unix.EINVAL)
		}
		if len(data) != 8 {
			return fmt.Errorf("kvm: set data of %d bytes for hcall result: %w", len(data), unix.EINVAL)
		}
		hcall := (*kvmHypervHcall)(unsafe.Pointer(&hyperv.U[0]))
		hcall.Result = binary.LittleEndian.Uint64(data)
		return nil
	default:
		return fmt.Errorf("kvm: set data on %s exit: %w", kvmExitReason(run.exitReason), unix.EINVAL)
	}
}

// SetImmediateExit sets the immediate_exit flag on the run page. While set,
// KVM_RUN returns EINTR without entering the guest.
func (v *Vcpu) SetImmediateExit(exit bool) {
	setImmediateExit(v.runData(), exit)
}

func setImmediateExit(run *kvmRunData, exit bool) {
	if exit {
		run.immediateExit = 1
	} else {
		run.immediateExit = 0
	}
}

// Kick forces the vcpu running on thread tid out of KVM_RUN. sig must be
// unblocked inside KVM_RUN (see SetSignalMask).
func (v *Vcpu) Kick(tid int, sig unix.Signal) error {
	v.SetImmediateExit(true)
	if err := unix.Tgkill(unix.Getpid(), tid, sig); err != nil {
		return fmt.Errorf("kvm: kick vcpu %d: %w", v.id, err)
	}
	return nil
}

// SetSignalMask sets the signals blocked while the vcpu is inside KVM_RUN.
func (v *Vcpu) SetSignalMask(signals []unix.Signal) error {
	var mask uint64
	for _, sig := range signals {
		if sig < 1 || sig > 64 {
			return fmt.Errorf("kvm: signal %d out of range: %w", sig, unix.EINVAL)
		}
		mask |= 1 << (uint(sig) - 1)
	}

	// struct kvm_signal_mask followed by the 8 byte kernel sigset.
	arg := struct {
		Len uint32
		Lo  uint32
		Hi  uint32
	}{Len: 8, Lo: uint32(mask), Hi: uint32(mask >> 32)}

	if err := ioctlPtr(v.fd, kvmSetSignalMask, &arg); err != nil {
		return fmt.Errorf("kvm: set signal mask of vcpu %d: %w", v.id, err)
	}
	return nil
}

// EnableRawCapability enables a vCPU capability with KVM_ENABLE_CAP.
func (v *Vcpu) EnableRawCapability(cap uint32, args [4]uint64) error {
	if err := enableCap(v.fd, cap, 0, args); err != nil {
		return fmt.Errorf("kvm: enable vcpu capability %d: %w", cap, err)
	}
	return nil
}

// GetMPState requires an in-kernel irqchip on the VM.
func (v *Vcpu) GetMPState() (hv.MPState, error) {
	var state kvmMpState
	if err := ioctlPtr(v.fd, kvmGetMpState, &state); err != nil {
		return hv.MPStateRunnable, fmt.Errorf("kvm: get mp state of vcpu %d: %w", v.id, err)
	}
	return mpStateFromKvm(state.MpState), nil
}

func (v *Vcpu) SetMPState(state hv.MPState) error {
	arg := kvmMpState{MpState: mpStateToKvm(state)}
	if err := ioctlPtr(v.fd, kvmSetMpState, &arg); err != nil {
		return fmt.Errorf("kvm: set mp state of vcpu %d: %w", v.id, err)
	}
	return nil
}

// mpStateFromKvm treats states it does not know as runnable.
func mpStateFromKvm(state uint32) hv.MPState {
	switch state {
	case kvmMpStateRunnable:
		return hv.MPStateRunnable
	case kvmMpStateUninitialized:
		return hv.MPStateUninitialized
	case kvmMpStateInitReceived:
		return hv.MPStateInitReceived
	case kvmMpStateHalted:
		return hv.MPStateHalted
	case kvmMpStateSipiReceived:
		return hv.MPStateSipiReceived
	case kvmMpStateStopped:
		return hv.MPStateStopped
	default:
		slog.Warn("kvm: unknown mp state, treating as runnable", "state", state)
		return hv.MPStateRunnable
	}
}

func mpStateToKvm(state hv.MPState) uint32 {
	switch state {
	case hv.MPStateUninitialized:
		return kvmMpStateUninitialized
	case hv.MPStateInitReceived:
		return kvmMpStateInitReceived
	case hv.MPStateHalted:
		return kvmMpStateHalted
	case hv.MPStateSipiReceived:
		return kvmMpStateSipiReceived
	case hv.MPStateStopped:
		return kvmMpStateStopped
	default:
		return kvmMpStateRunnable
	}
}

// Close unmaps the run page and closes the vcpu fd. A vcpu with a live
// RunHandle cannot be closed.
func (v *Vcpu) Close() error {
	if v.fingerprint.Load() != 0 {
		return fmt.Errorf("kvm: close vcpu %d with a live run handle: %w", v.id, unix.EBUSY)
	}
	if v.run != nil {
		if err := unix.MunmapPtr(v.run, uintptr(v.runMmapSize)); err != nil {
			slog.Error("kvm: unmap run page", "vcpu", v.id, "error", err)
		}
		v.run = nil
	}
	if v.fd >= 0 {
		if err := unix.Close(v.fd); err != nil {
			return fmt.Errorf("kvm: close vcpu %d: %w", v.id, err)
		}
		v.fd = -1
	}
	return nil
}

var (
	_ hv.VirtualCPU = &Vcpu{}
)
