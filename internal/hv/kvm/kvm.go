//go:build linux

// Package kvm implements the hv interfaces on top of Linux KVM.
package kvm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
	"golang.org/x/sys/unix"
)

const DefaultDevicePath = "/dev/kvm"

// Kvm is an open handle to the KVM device.
type Kvm struct {
	fd int
}

// Open opens /dev/kvm.
func Open() (*Kvm, error) {
	return OpenPath(DefaultDevicePath)
}

// OpenPath opens the KVM device at path and checks its API version.
func OpenPath(path string) (*Kvm, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open %s: %w", path, err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: get API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d: %w", version, hv.ErrHypervisorUnsupported)
	}

	return &Kvm{fd: fd}, nil
}

// TryClone returns a handle sharing the same KVM context.
func (k *Kvm) TryClone() (*Kvm, error) {
	fd, err := unix.FcntlInt(uintptr(k.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: dup hypervisor fd: %w", err)
	}
	return &Kvm{fd: fd}, nil
}

// implements hv.Hypervisor.
func (k *Kvm) Architecture() hv.CpuArchitecture { return hostArchitecture }

// CheckCapability reports whether cap is supported. Capabilities with no
// meaning on this architecture report false.
func (k *Kvm) CheckCapability(cap hv.HypervisorCap) bool {
	kc, ok := hypervisorCapToKvm(cap)
	if !ok {
		return false
	}
	return checkExtension(k.fd, kc) == 1
}

// CheckRawCapability returns the KVM_CHECK_EXTENSION result for cap.
func (k *Kvm) CheckRawCapability(cap uint32) int {
	return checkExtension(k.fd, cap)
}

// VcpuMmapSize returns the size of each vCPU's shared run page mapping.
func (k *Kvm) VcpuMmapSize() (int, error) {
	size, err := getVcpuMmapSize(k.fd)
	if err != nil {
		return 0, fmt.Errorf("kvm: get vcpu mmap size: %w", err)
	}
	return size, nil
}

func (k *Kvm) Close() error {
	if k.fd < 0 {
		return nil
	}
	if err := unix.Close(k.fd); err != nil {
		return fmt.Errorf("kvm: close hypervisor fd: %w", err)
	}
	k.fd = -1
	return nil
}

func hypervisorCapToKvm(cap hv.HypervisorCap) (uint32, bool) {
	switch cap {
	case hv.HypervisorCapImmediateExit:
		return kvmCapImmediateExit, true
	case hv.HypervisorCapS390UserSigp:
		return kvmCapS390UserSigp, true
	case hv.HypervisorCapUserMemory:
		return kvmCapUserMemory, true
	default:
		return archHypervisorCapToKvm(cap)
	}
}

var (
	_ hv.Hypervisor = &Kvm{}
)
