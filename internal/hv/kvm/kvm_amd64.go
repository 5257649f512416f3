//go:build linux && amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
	"golang.org/x/sys/unix"
)

const (
	hostArchitecture = hv.ArchitectureX86_64
	archHasPvclock   = true

	// Three pages just below the 4GiB BIOS area, as QEMU uses.
	defaultIdentityMapAddr = 0xfffbc000
	defaultTssAddr         = 0xfffbd000
)

func archHypervisorCapToKvm(cap hv.HypervisorCap) (uint32, bool) {
	switch cap {
	case hv.HypervisorCapTscDeadlineTimer:
		return kvmCapTscDeadlineTimer, true
	case hv.HypervisorCapXcrs:
		return kvmCapXcrs, true
	default:
		return 0, false
	}
}

func irqChipToKvm(chip hv.IrqSourceChip) (uint32, error) {
	switch chip {
	case hv.IrqSourceChipPicPrimary:
		return kvmIrqchipPicMaster, nil
	case hv.IrqSourceChipPicSecondary:
		return kvmIrqchipPicSlave, nil
	case hv.IrqSourceChipIoapic:
		return kvmIrqchipIoapic, nil
	default:
		return 0, fmt.Errorf("irq chip %s: %w", chip, unix.EINVAL)
	}
}

func deviceKindToKvm(kind hv.DeviceKind) (uint32, bool) {
	switch kind {
	case hv.DeviceKindVfio:
		return kvmDevTypeVfio, true
	default:
		return 0, false
	}
}

func (v *Vm) initArch() error {
	if err := v.SetIdentityMapAddr(defaultIdentityMapAddr); err != nil {
		return err
	}
	return v.SetTssAddr(defaultTssAddr)
}

func (v *Vm) initVcpuArch(fd int) error { return nil }

// SetTssAddr places the three page TSS region Intel VMX needs for real mode.
func (v *Vm) SetTssAddr(addr uint64) error {
	if _, err := ioctlWithRetry(uintptr(v.fd), kvmSetTssAddr, uintptr(addr)); err != nil {
		return fmt.Errorf("kvm: set TSS address %#x: %w", addr, err)
	}
	return nil
}

func (v *Vm) SetIdentityMapAddr(addr uint64) error {
	if err := ioctlPtr(v.fd, kvmSetIdentityMapAddr, &addr); err != nil {
		return fmt.Errorf("kvm: set identity map address %#x: %w", addr, err)
	}
	return nil
}

// CreatePit creates the in-kernel i8254 PIT. The irqchip must exist first.
func (v *Vm) CreatePit() error {
	cfg := kvmPitConfig{Flags: kvmPitSpeakerDummy}
	if err := ioctlPtr(v.fd, kvmCreatePit2, &cfg); err != nil {
		return fmt.Errorf("kvm: create PIT: %w", err)
	}
	return nil
}

func (v *Vm) GetPvclock() (hv.ClockState, error) {
	var data kvmClockData
	if err := ioctlPtr(v.fd, kvmGetClock, &data); err != nil {
		return hv.ClockState{}, fmt.Errorf("kvm: get clock: %w", err)
	}
	return hv.ClockState{Clock: data.Clock, Flags: data.Flags}, nil
}

func (v *Vm) SetPvclock(state hv.ClockState) error {
	data := kvmClockData{Clock: state.Clock, Flags: state.Flags}
	if err := ioctlPtr(v.fd, kvmSetClock, &data); err != nil {
		return fmt.Errorf("kvm: set clock: %w", err)
	}
	return nil
}

// PvclockCtrl tells the guest kernel that the vcpu was paused, so its
// watchdogs do not fire on resume.
func (v *Vcpu) PvclockCtrl() error {
	if _, err := ioctlWithRetry(uintptr(v.fd), kvmKvmclockCtrl, 0); err != nil {
		return fmt.Errorf("kvm: pvclock ctrl on vcpu %d: %w", v.id, err)
	}
	return nil
}

// SetRealModeEntry resets the vcpu to 16-bit real mode with flat zero
// segments, starting execution at ip.
func (v *Vcpu) SetRealModeEntry(ip uint64) error {
	var sregs kvmSRegs
	if err := ioctlPtr(v.fd, kvmGetSregs, &sregs); err != nil {
		return fmt.Errorf("kvm: get sregs of vcpu %d: %w", v.id, err)
	}
	for _, seg := range []*kvmSegment{&sregs.Cs, &sregs.Ds, &sregs.Es, &sregs.Fs, &sregs.Gs, &sregs.Ss} {
		seg.Base = 0
		seg.Selector = 0
	}
	if err := ioctlPtr(v.fd, kvmSetSregs, &sregs); err != nil {
		return fmt.Errorf("kvm: set sregs of vcpu %d: %w", v.id, err)
	}

	regs := kvmRegs{Rip: ip, Rflags: 0x2}
	if err := ioctlPtr(v.fd, kvmSetRegs, &regs); err != nil {
		return fmt.Errorf("kvm: set regs of vcpu %d: %w", v.id, err)
	}
	return nil
}
