//go:build linux && amd64

package main

import "github.com/tinyrange/vmm/internal/hv/kvm"

func setEntry(vcpu *kvm.Vcpu, addr uint64) error {
	return vcpu.SetRealModeEntry(addr)
}
