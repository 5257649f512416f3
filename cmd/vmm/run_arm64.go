//go:build linux && arm64

package main

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/kvm"
)

// TODO: set PC through KVM_SET_ONE_REG once vcpus are initialised with
// KVM_ARM_VCPU_INIT.
func setEntry(vcpu *kvm.Vcpu, addr uint64) error {
	return fmt.Errorf("vcpu %d entry %#x: %w", vcpu.ID(), addr, hv.ErrUnsupported)
}
