//go:build linux

package kvm

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memory"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"
)

type memRegion struct {
	guestAddr uint64
	size      uint64 // page rounded
	region    hv.MappedRegion
}

// regionTable tracks the slots added after VM creation. It is shared by all
// clones of a Vm. When both locks are needed, mu is taken before gapsMu.
type regionTable struct {
	mu     sync.Mutex
	slots  map[hv.MemSlot]*memRegion
	ranges *memory.RangeMap[hv.MemSlot]

	gapsMu sync.Mutex
	gaps   *btree.BTreeG[hv.MemSlot]
}

func newRegionTable() *regionTable {
	return &regionTable{
		slots:  make(map[hv.MemSlot]*memRegion),
		ranges: memory.NewRangeMap[hv.MemSlot](),
		gaps:   btree.NewG(4, func(a, b hv.MemSlot) bool { return a < b }),
	}
}

// Vm is a KVM virtual machine.
type Vm struct {
	kvm         *Kvm
	fd          int
	guestMem    *memory.GuestMemory
	regions     *regionTable
	runMmapSize int
}

// NewVm creates a VM and registers each region of guestMem as slots
// 0..N-1. Slots registered before a failing region are not unwound; the VM
// descriptor is closed, which releases them all.
func NewVm(k *Kvm, guestMem *memory.GuestMemory) (*Vm, error) {
	kvm, err := k.TryClone()
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { kvm.Close() })
	defer cu.Clean()

	fd, err := createVm(kvm.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}
	cu.Add(func() { unix.Close(fd) })

	for _, r := range guestMem.Regions() {
		if err := setUserMemoryRegion(fd, uint32(r.Index), false, false,
			r.GuestAddr, r.Mapping.Size(), r.Mapping.Pointer()); err != nil {
			return nil, fmt.Errorf("kvm: register guest region %d at %#x: %w", r.Index, r.GuestAddr, err)
		}
	}

	mmapSize, err := kvm.VcpuMmapSize()
	if err != nil {
		return nil, err
	}

	vm := &Vm{
		kvm:         kvm,
		fd:          fd,
		guestMem:    guestMem,
		regions:     newRegionTable(),
		runMmapSize: mmapSize,
	}
	if err := vm.initArch(); err != nil {
		return nil, err
	}

	cu.Release()
	return vm, nil
}

// TryClone returns a Vm sharing the kernel VM, guest memory and slot table.
func (v *Vm) TryClone() (*Vm, error) {
	kvm, err := v.kvm.TryClone()
	if err != nil {
		return nil, err
	}
	fd, err := unix.FcntlInt(uintptr(v.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		kvm.Close()
		return nil, fmt.Errorf("kvm: dup VM fd: %w", err)
	}
	return &Vm{
		kvm:         kvm,
		fd:          fd,
		guestMem:    v.guestMem,
		regions:     v.regions,
		runMmapSize: v.runMmapSize,
	}, nil
}

// implements hv.VirtualMachine.
func (v *Vm) Hypervisor() hv.Hypervisor { return v.kvm }

// GetMemory returns the guest memory the VM was created with.
func (v *Vm) GetMemory() *memory.GuestMemory { return v.guestMem }

func (v *Vm) CheckCapability(cap hv.VmCap) bool {
	switch cap {
	case hv.VmCapDirtyLog:
		return true
	case hv.VmCapPvClock:
		return archHasPvclock
	case hv.VmCapPvClockSuspend:
		return archHasPvclock && checkExtension(v.fd, kvmCapKvmclockCtrl) == 1
	case hv.VmCapProtected:
		return false
	default:
		return false
	}
}

// CheckRawCapability returns the KVM_CHECK_EXTENSION result for cap on
// this VM.
func (v *Vm) CheckRawCapability(cap uint32) int {
	return checkExtension(v.fd, cap)
}

// EnableRawCapability enables a VM capability with KVM_ENABLE_CAP.
func (v *Vm) EnableRawCapability(cap uint32, flags uint32, args [4]uint64) error {
	if err := enableCap(v.fd, cap, flags, args); err != nil {
		return fmt.Errorf("kvm: enable VM capability %d: %w", cap, err)
	}
	return nil
}

// AddMemoryRegion registers region at guestAddr and returns its slot. The VM
// owns region until it is removed.
func (v *Vm) AddMemoryRegion(guestAddr uint64, region hv.MappedRegion, readOnly, logDirtyPages bool) (hv.MemSlot, error) {
	if region.Size() == 0 {
		return 0, fmt.Errorf("kvm: add empty memory region at %#x: %w", guestAddr, unix.EINVAL)
	}
	size, ok := hostarch.PageRoundUp(region.Size())
	end := guestAddr + size
	if !ok || end < guestAddr {
		return 0, fmt.Errorf("kvm: add memory region at %#x size %#x: %w", guestAddr, region.Size(), unix.EOVERFLOW)
	}

	t := v.regions
	t.mu.Lock()
	defer t.mu.Unlock()

	if v.guestMem.RangeOverlap(guestAddr, end) || t.ranges.Overlaps(guestAddr, end) {
		return 0, fmt.Errorf("kvm: add memory region [%#x, %#x): %w", guestAddr, end, unix.ENOSPC)
	}

	t.gapsMu.Lock()
	defer t.gapsMu.Unlock()

	slot, reused := t.gaps.DeleteMin()
	if !reused {
		slot = hv.MemSlot(len(t.slots) + v.guestMem.NumRegions())
	}

	if err := setUserMemoryRegion(v.fd, uint32(slot), readOnly, logDirtyPages, guestAddr, size, region.Pointer()); err != nil {
		t.gaps.ReplaceOrInsert(slot)
		return 0, fmt.Errorf("kvm: set memory slot %d: %w", slot, err)
	}

	if err := t.ranges.Insert(guestAddr, size, slot); err != nil {
		if rerr := setUserMemoryRegion(v.fd, uint32(slot), false, false, guestAddr, 0, 0); rerr != nil {
			return 0, fmt.Errorf("kvm: roll back memory slot %d: %w", slot, errors.Join(err, rerr))
		}
		t.gaps.ReplaceOrInsert(slot)
		return 0, fmt.Errorf("kvm: add memory region [%#x, %#x): %w", guestAddr, end, err)
	}
	t.slots[slot] = &memRegion{guestAddr: guestAddr, size: size, region: region}
	return slot, nil
}

// RemoveMemoryRegion unregisters slot and hands its region back to the
// caller.
func (v *Vm) RemoveMemoryRegion(slot hv.MemSlot) (hv.MappedRegion, error) {
	t := v.regions
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.slots[slot]
	if !ok {
		return nil, fmt.Errorf("kvm: remove memory slot %d: %w", slot, unix.ENOENT)
	}

	if err := setUserMemoryRegion(v.fd, uint32(slot), false, false, 0, 0, 0); err != nil {
		return nil, fmt.Errorf("kvm: clear memory slot %d: %w", slot, err)
	}

	t.gapsMu.Lock()
	t.gaps.ReplaceOrInsert(slot)
	t.gapsMu.Unlock()

	delete(t.slots, slot)
	t.ranges.Delete(r.guestAddr)
	return r.region, nil
}

// regionErrno maps a MappedRegion failure onto an errno.
func regionErrno(err error) unix.Errno {
	var errno unix.Errno
	switch {
	case errors.Is(err, memory.ErrInvalidAddress):
		return unix.EFAULT
	case errors.Is(err, memory.ErrNotPageAligned):
		return unix.EINVAL
	case errors.As(err, &errno):
		return errno
	default:
		return unix.EIO
	}
}

func (v *Vm) MsyncMemoryRegion(slot hv.MemSlot, offset, size uint64) error {
	t := v.regions
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.slots[slot]
	if !ok {
		return fmt.Errorf("kvm: msync memory slot %d: %w", slot, unix.ENOENT)
	}
	if err := r.region.Msync(offset, size); err != nil {
		return fmt.Errorf("kvm: msync memory slot %d: %w", slot, regionErrno(err))
	}
	return nil
}

// AddFdMapping maps fd over part of the region in slot.
func (v *Vm) AddFdMapping(slot hv.MemSlot, offset, size uint64, fd int, fdOffset uint64, prot hv.Protection) error {
	t := v.regions
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.slots[slot]
	if !ok {
		return fmt.Errorf("kvm: add fd mapping to slot %d: %w", slot, unix.EINVAL)
	}
	if err := r.region.AddFdMapping(offset, size, fd, fdOffset, prot); err != nil {
		return fmt.Errorf("kvm: add fd mapping to slot %d: %w", slot, regionErrno(err))
	}
	return nil
}

// RemoveMapping replaces part of the region in slot with anonymous memory.
func (v *Vm) RemoveMapping(slot hv.MemSlot, offset, size uint64) error {
	t := v.regions
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.slots[slot]
	if !ok {
		return fmt.Errorf("kvm: remove mapping from slot %d: %w", slot, unix.EINVAL)
	}
	if err := r.region.RemoveMapping(offset, size); err != nil {
		return fmt.Errorf("kvm: remove mapping from slot %d: %w", slot, regionErrno(err))
	}
	return nil
}

// DirtyLogBitmapSize returns the number of bytes needed for the dirty log of
// a slot of size bytes: one bit per page.
func DirtyLogBitmapSize(size uint64) uint64 {
	pages := size/hostarch.PageSize + min(size%hostarch.PageSize, 1)
	return pages/8 + min(pages%8, 1)
}

// GetDirtyLog fills bitmap with one bit per page of slot written since the
// previous call. The slot must have been added with dirty logging.
func (v *Vm) GetDirtyLog(slot hv.MemSlot, bitmap []byte) error {
	t := v.regions
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.slots[slot]
	if !ok {
		return fmt.Errorf("kvm: get dirty log of slot %d: %w", slot, unix.ENOENT)
	}
	if uint64(len(bitmap)) < DirtyLogBitmapSize(r.region.Size()) {
		return fmt.Errorf("kvm: dirty log buffer of %d bytes for slot %d: %w", len(bitmap), slot, unix.EINVAL)
	}

	n := DirtyLogBitmapSize(r.region.Size())
	if n == 0 {
		return nil
	}

	// The kernel writes whole 64-bit words, which can run past a bitmap
	// sized to the page count.
	words := make([]uint64, (r.size/hostarch.PageSize+63)/64)
	dl := kvmDirtyLog{Slot: uint32(slot), DirtyBitmap: uint64(uintptr(unsafe.Pointer(&words[0])))}
	err := ioctlPtr(v.fd, kvmGetDirtyLog, &dl)
	runtime.KeepAlive(words)
	if err != nil {
		return fmt.Errorf("kvm: get dirty log of slot %d: %w", slot, err)
	}
	copy(bitmap[:n], unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8))
	return nil
}

// SetGsiRouting replaces the whole GSI routing table with routes.
func (v *Vm) SetGsiRouting(routes []hv.IrqRoute) error {
	headerSize := unsafe.Sizeof(kvmIrqRoutingHeader{})
	entrySize := unsafe.Sizeof(kvmIrqRoutingEntry{})
	size := headerSize + uintptr(len(routes))*entrySize

	// Backed by uint64 so the header and entries are suitably aligned.
	buf := make([]uint64, (size+7)/8)
	base := unsafe.Pointer(&buf[0])

	header := (*kvmIrqRoutingHeader)(base)
	header.Nr = uint32(len(routes))
	entries := unsafe.Slice((*kvmIrqRoutingEntry)(unsafe.Add(base, headerSize)), len(routes))

	for i, route := range routes {
		e := &entries[i]
		e.Gsi = route.GSI
		switch src := route.Source.(type) {
		case hv.IrqChipSource:
			chip, err := irqChipToKvm(src.Chip)
			if err != nil {
				return fmt.Errorf("kvm: route gsi %d: %w", route.GSI, err)
			}
			e.Type = kvmIrqRoutingIrqchip
			*(*kvmRoutingIrqchip)(unsafe.Pointer(&e.U[0])) = kvmRoutingIrqchip{Irqchip: chip, Pin: src.Pin}
		case hv.MsiSource:
			e.Type = kvmIrqRoutingMsi
			*(*kvmRoutingMsi)(unsafe.Pointer(&e.U[0])) = kvmRoutingMsi{
				AddressLo: uint32(src.Address),
				AddressHi: uint32(src.Address >> 32),
				Data:      src.Data,
			}
		default:
			return fmt.Errorf("kvm: route gsi %d: unknown source %T: %w", route.GSI, route.Source, unix.EINVAL)
		}
	}

	debug.Writef("kvm SetGsiRouting", "routes=%d", len(routes))
	_, err := ioctlWithRetry(uintptr(v.fd), kvmSetGsiRouting, uintptr(base))
	runtime.KeepAlive(buf)
	if err != nil {
		return fmt.Errorf("kvm: set GSI routing: %w", err)
	}
	return nil
}

// SetIrqLine drives an interrupt line of the in-kernel irqchip.
func (v *Vm) SetIrqLine(irq uint32, active bool) error {
	level := kvmIrqLevel{Irq: irq}
	if active {
		level.Level = 1
	}
	if err := ioctlPtr(v.fd, kvmIrqLine, &level); err != nil {
		return fmt.Errorf("kvm: set irq line %d: %w", irq, err)
	}
	return nil
}

// CreateIrqChip creates the in-kernel interrupt controller.
func (v *Vm) CreateIrqChip() error {
	if _, err := ioctlWithRetry(uintptr(v.fd), kvmCreateIrqchip, 0); err != nil {
		return fmt.Errorf("kvm: create irqchip: %w", err)
	}
	return nil
}

// RegisterIrqfd makes a write to evt inject gsi. When resample is set the
// line is level triggered and resample is signalled on EOI.
func (v *Vm) RegisterIrqfd(gsi uint32, evt, resample hv.EventFd) error {
	irqfd := kvmIrqfdArgs{Fd: uint32(evt.FD()), Gsi: gsi}
	if resample != nil {
		irqfd.Flags = kvmIrqfdFlagResample
		irqfd.ResampleFd = uint32(resample.FD())
	}
	if err := ioctlPtr(v.fd, kvmIrqfd, &irqfd); err != nil {
		return fmt.Errorf("kvm: register irqfd for gsi %d: %w", gsi, err)
	}
	return nil
}

func (v *Vm) UnregisterIrqfd(gsi uint32, evt hv.EventFd) error {
	irqfd := kvmIrqfdArgs{Fd: uint32(evt.FD()), Gsi: gsi, Flags: kvmIrqfdFlagDeassign}
	if err := ioctlPtr(v.fd, kvmIrqfd, &irqfd); err != nil {
		return fmt.Errorf("kvm: unregister irqfd for gsi %d: %w", gsi, err)
	}
	return nil
}

// RegisterIoevent signals evt on guest writes to addr that match datamatch.
func (v *Vm) RegisterIoevent(evt hv.EventFd, addr hv.IoEventAddress, datamatch hv.Datamatch) error {
	return v.ioeventfd(evt, addr, datamatch, false)
}

func (v *Vm) UnregisterIoevent(evt hv.EventFd, addr hv.IoEventAddress, datamatch hv.Datamatch) error {
	return v.ioeventfd(evt, addr, datamatch, true)
}

func (v *Vm) ioeventfd(evt hv.EventFd, addr hv.IoEventAddress, datamatch hv.Datamatch, deassign bool) error {
	switch datamatch.Length {
	case 0, 1, 2, 4, 8:
	default:
		return fmt.Errorf("kvm: ioevent datamatch length %d: %w", datamatch.Length, unix.EINVAL)
	}

	arg := kvmIoeventfdArgs{
		Addr: addr.Addr,
		Len:  datamatch.Length,
		Fd:   int32(evt.FD()),
	}
	if datamatch.Value != nil {
		arg.Flags |= kvmIoeventfdFlagDatamatch
		arg.Datamatch = *datamatch.Value
	}
	if addr.Pio {
		arg.Flags |= kvmIoeventfdFlagPio
	}
	if deassign {
		arg.Flags |= kvmIoeventfdFlagDeassign
	}

	if err := ioctlPtr(v.fd, kvmIoeventfd, &arg); err != nil {
		op := "register"
		if deassign {
			op = "unregister"
		}
		return fmt.Errorf("kvm: %s ioevent at %#x: %w", op, addr.Addr, err)
	}
	return nil
}

// CreateDevice instantiates an in-kernel device and returns its descriptor.
func (v *Vm) CreateDevice(kind hv.DeviceKind) (*os.File, error) {
	typ, ok := deviceKindToKvm(kind)
	if !ok {
		return nil, fmt.Errorf("kvm: create device kind %d: %w", kind, unix.ENXIO)
	}
	dev := kvmCreateDeviceArgs{Type: typ}
	if err := ioctlPtr(v.fd, kvmCreateDevice, &dev); err != nil {
		return nil, fmt.Errorf("kvm: create device type %d: %w", typ, err)
	}
	return os.NewFile(uintptr(dev.Fd), "kvm-device"), nil
}

// Close releases this handle on the VM. Clones stay valid.
func (v *Vm) Close() error {
	if v.fd < 0 {
		return nil
	}
	err := unix.Close(v.fd)
	v.fd = -1
	if cerr := v.kvm.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("kvm: close VM: %w", err)
	}
	return nil
}

var (
	_ hv.VirtualMachine = &Vm{}
)
