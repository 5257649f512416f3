//go:build linux && arm64

package kvm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
	"golang.org/x/sys/unix"
)

const (
	hostArchitecture = hv.ArchitectureARM64
	archHasPvclock   = false

	kvmArmVcpuInitFeatureWords = 7
	kvmArmVcpuFeaturePsci02    = 2

	kvmArmVcpuInit        = 0x4020aeae
	kvmArmPreferredTarget = 0x8020aeaf
)

type kvmVcpuInit struct {
	Target   uint32
	Features [kvmArmVcpuInitFeatureWords]uint32
}

func archHypervisorCapToKvm(cap hv.HypervisorCap) (uint32, bool) {
	switch cap {
	case hv.HypervisorCapArmPmuV3:
		return kvmCapArmPmuV3, true
	default:
		return 0, false
	}
}

func irqChipToKvm(chip hv.IrqSourceChip) (uint32, error) {
	switch chip {
	case hv.IrqSourceChipGic:
		return 0, nil
	default:
		return 0, fmt.Errorf("irq chip %s: %w", chip, unix.EINVAL)
	}
}

func deviceKindToKvm(kind hv.DeviceKind) (uint32, bool) {
	switch kind {
	case hv.DeviceKindVfio:
		return kvmDevTypeVfio, true
	case hv.DeviceKindArmVgicV2:
		return kvmDevTypeArmVgicV2, true
	case hv.DeviceKindArmVgicV3:
		return kvmDevTypeArmVgicV3, true
	default:
		return 0, false
	}
}

func (v *Vm) initArch() error { return nil }

// initVcpuArch initializes the vcpu for the preferred target with PSCI 0.2.
func (v *Vm) initVcpuArch(fd int) error {
	var init kvmVcpuInit
	if err := ioctlPtr(v.fd, kvmArmPreferredTarget, &init); err != nil {
		return fmt.Errorf("get preferred target: %w", err)
	}
	init.Features[kvmArmVcpuFeaturePsci02/32] |= 1 << (kvmArmVcpuFeaturePsci02 % 32)
	if err := ioctlPtr(fd, kvmArmVcpuInit, &init); err != nil {
		return fmt.Errorf("arm vcpu init: %w", err)
	}
	return nil
}

func (v *Vm) GetPvclock() (hv.ClockState, error) {
	return hv.ClockState{}, fmt.Errorf("kvm: get clock: %w", hv.ErrUnsupported)
}

func (v *Vm) SetPvclock(state hv.ClockState) error {
	return fmt.Errorf("kvm: set clock: %w", hv.ErrUnsupported)
}

func (v *Vcpu) PvclockCtrl() error {
	return fmt.Errorf("kvm: pvclock ctrl: %w", hv.ErrUnsupported)
}
