//go:build !linux

// Package kvm implements the hv interfaces on top of Linux KVM.
package kvm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

const DefaultDevicePath = "/dev/kvm"

// Kvm is an open handle to the KVM device. It cannot be opened on this
// platform.
type Kvm struct{}

// Open reports hv.ErrHypervisorUnsupported.
func Open() (*Kvm, error) {
	return OpenPath(DefaultDevicePath)
}

// OpenPath reports hv.ErrHypervisorUnsupported.
func OpenPath(path string) (*Kvm, error) {
	return nil, fmt.Errorf("kvm: open %s: %w", path, hv.ErrHypervisorUnsupported)
}

func (k *Kvm) Close() error { return nil }
