//go:build linux

package kvm

import (
	"runtime"
	"unsafe"

	"github.com/tinyrange/vmm/internal/debug"
	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

// ioctlWithRetry restarts requests interrupted by signals. It must not be
// used for KVM_RUN, where EINTR is how a kick is reported.
func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			debug.Writef("kvm ioctl", "fd=%d req=%#x err=%v", fd, request, err)
		}
		return v1, err
	}
}

func ioctlPtr[T any](fd int, request uint64, arg *T) error {
	_, err := ioctlWithRetry(uintptr(fd), request, uintptr(unsafe.Pointer(arg)))
	runtime.KeepAlive(arg)
	return err
}

func ioctlInt(request uint64) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), request, 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion   = ioctlInt(kvmGetApiVersion)
	getVcpuMmapSize = ioctlInt(kvmGetVcpuMmapSize)
)

func createVm(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmCreateVm, 0)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func checkExtension(fd int, cap uint32) int {
	v, err := ioctlWithRetry(uintptr(fd), kvmCheckExtension, uintptr(cap))
	if err != nil {
		return 0
	}
	return int(v)
}

func createVcpu(vmFd int, id int) (int, error) {
	v, err := ioctlWithRetry(uintptr(vmFd), kvmCreateVcpu, uintptr(id))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func setUserMemoryRegion(vmFd int, slot uint32, readOnly, logDirty bool, guestAddr, size uint64, hostAddr uintptr) error {
	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestAddr,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}
	if readOnly {
		region.Flags |= kvmMemReadonly
	}
	if logDirty {
		region.Flags |= kvmMemLogDirtyPages
	}
	debug.Writef("kvm setUserMemoryRegion", "slot=%d gpa=%#x size=%#x flags=%#x", slot, guestAddr, size, region.Flags)
	return ioctlPtr(vmFd, kvmSetUserMemoryRegion, &region)
}

func enableCap(fd int, cap uint32, flags uint32, args [4]uint64) error {
	arg := kvmEnableCapArgs{Cap: cap, Flags: flags, Args: args}
	return ioctlPtr(fd, kvmEnableCap, &arg)
}
