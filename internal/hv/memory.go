package hv

import "golang.org/x/sys/unix"

// MemSlot identifies one guest physical to host mapping registered with the
// hypervisor.
type MemSlot uint32

// Protection is the access allowed on a host mapping.
type Protection struct {
	Read  bool
	Write bool
}

var (
	ProtRead      = Protection{Read: true}
	ProtReadWrite = Protection{Read: true, Write: true}
)

// Prot returns the mmap PROT_* flags for p.
func (p Protection) Prot() int {
	prot := unix.PROT_NONE
	if p.Read {
		prot |= unix.PROT_READ
	}
	if p.Write {
		prot |= unix.PROT_WRITE
	}
	return prot
}

// MappedRegion is host memory that can back a memory slot.
//
// Once donated to a VirtualMachine with AddMemoryRegion the VM owns the
// region until RemoveMemoryRegion hands it back. The owner must not unmap it
// in between.
type MappedRegion interface {
	Size() uint64
	Pointer() uintptr

	Msync(offset, size uint64) error
	AddFdMapping(offset, size uint64, fd int, fdOffset uint64, prot Protection) error
	RemoveMapping(offset, size uint64) error
}
