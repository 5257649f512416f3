//go:build linux

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmCreateVcpu          = 0xae41
	kvmGetDirtyLog         = 0x4010ae42
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTssAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmCreateIrqchip       = 0xae60
	kvmIrqLine             = 0x4008ae61
	kvmSetGsiRouting       = 0x4008ae6a
	kvmIrqfd               = 0x4020ae76
	kvmCreatePit2          = 0x4040ae77
	kvmIoeventfd           = 0x4040ae79
	kvmSetClock            = 0x4030ae7b
	kvmGetClock            = 0x8030ae7c
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmSetSignalMask       = 0x4004ae8b
	kvmGetMpState          = 0x8004ae98
	kvmSetMpState          = 0x4004ae99
	kvmEnableCap           = 0x4068aea3
	kvmSignalMsi           = 0x4020aea5
	kvmKvmclockCtrl        = 0xaead
	kvmCreateDevice        = 0xc00caee0
)

// Extension numbers for KVM_CHECK_EXTENSION.
const (
	kvmCapIrqchip          = 0
	kvmCapUserMemory       = 3
	kvmCapNrMemslots       = 10
	kvmCapMpState          = 14
	kvmCapIrqRouting       = 25
	kvmCapIrqfd            = 32
	kvmCapIoeventfd        = 36
	kvmCapAdjustClock      = 39
	kvmCapXcrs             = 56
	kvmCapTscDeadlineTimer = 72
	kvmCapKvmclockCtrl     = 76
	kvmCapSignalMsi        = 77
	kvmCapS390UserSigp     = 106
	kvmCapSplitIrqchip     = 121
	kvmCapArmPmuV3         = 126
	kvmCapImmediateExit    = 136
)

const (
	kvmMemLogDirtyPages = 1 << 0
	kvmMemReadonly      = 1 << 1

	kvmIrqfdFlagDeassign = 1 << 0
	kvmIrqfdFlagResample = 1 << 1

	kvmIoeventfdFlagDatamatch = 1 << 0
	kvmIoeventfdFlagPio       = 1 << 1
	kvmIoeventfdFlagDeassign  = 1 << 2

	kvmIrqRoutingIrqchip = 1
	kvmIrqRoutingMsi     = 2

	kvmIrqchipPicMaster = 0
	kvmIrqchipPicSlave  = 1
	kvmIrqchipIoapic    = 2

	kvmDevTypeVfio      = 4
	kvmDevTypeArmVgicV2 = 5
	kvmDevTypeArmVgicV3 = 7

	kvmExitIoIn  = 0
	kvmExitIoOut = 1

	kvmExitHypervSynic = 1
	kvmExitHypervHcall = 2
)

const (
	kvmMpStateRunnable      = 0
	kvmMpStateUninitialized = 1
	kvmMpStateInitReceived  = 2
	kvmMpStateHalted        = 3
	kvmMpStateSipiReceived  = 4
	kvmMpStateStopped       = 5
)

type kvmExitReason uint32

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitIrqWindowOpen kvmExitReason = 7
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitSetTpr        kvmExitReason = 11
	kvmExitTprAccess     kvmExitReason = 12
	kvmExitS390Sieic     kvmExitReason = 13
	kvmExitS390Reset     kvmExitReason = 14
	kvmExitDcr           kvmExitReason = 15
	kvmExitNmi           kvmExitReason = 16
	kvmExitInternalError kvmExitReason = 17
	kvmExitOsi           kvmExitReason = 18
	kvmExitPaprHcall     kvmExitReason = 19
	kvmExitS390Ucontrol  kvmExitReason = 20
	kvmExitWatchdog      kvmExitReason = 21
	kvmExitS390Tsch      kvmExitReason = 22
	kvmExitEpr           kvmExitReason = 23
	kvmExitSystemEvent   kvmExitReason = 24
	kvmExitIoapicEoi     kvmExitReason = 26
	kvmExitHyperv        kvmExitReason = 27
)

func (r kvmExitReason) String() string {
	switch r {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitException:
		return "KVM_EXIT_EXCEPTION"
	case kvmExitIo:
		return "KVM_EXIT_IO"
	case kvmExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case kvmExitDebug:
		return "KVM_EXIT_DEBUG"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMmio:
		return "KVM_EXIT_MMIO"
	case kvmExitIrqWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitIntr:
		return "KVM_EXIT_INTR"
	case kvmExitSetTpr:
		return "KVM_EXIT_SET_TPR"
	case kvmExitTprAccess:
		return "KVM_EXIT_TPR_ACCESS"
	case kvmExitS390Sieic:
		return "KVM_EXIT_S390_SIEIC"
	case kvmExitS390Reset:
		return "KVM_EXIT_S390_RESET"
	case kvmExitDcr:
		return "KVM_EXIT_DCR"
	case kvmExitNmi:
		return "KVM_EXIT_NMI"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitOsi:
		return "KVM_EXIT_OSI"
	case kvmExitPaprHcall:
		return "KVM_EXIT_PAPR_HCALL"
	case kvmExitS390Ucontrol:
		return "KVM_EXIT_S390_UCONTROL"
	case kvmExitWatchdog:
		return "KVM_EXIT_WATCHDOG"
	case kvmExitS390Tsch:
		return "KVM_EXIT_S390_TSCH"
	case kvmExitEpr:
		return "KVM_EXIT_EPR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	case kvmExitIoapicEoi:
		return "KVM_EXIT_IOAPIC_EOI"
	case kvmExitHyperv:
		return "KVM_EXIT_HYPERV"
	default:
		return fmt.Sprintf("kvmExitReason(%d)", uint32(r))
	}
}
