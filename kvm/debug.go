package kvm

import "unsafe"

const (
	kvmSetGuestDebug = 0x4048AE9B
	kvmGetDebugRegs  = 0x8080AEA1
	kvmSetDebugRegs  = 0x4080AEA2

	guestDebugEnable     = 1 << 0
	guestDebugSingleStep = 1 << 1
	guestDebugUseHWBP    = 1 << 17

	// dr7Reserved is DR7 bit 10, which always reads as 1; the L0..L3
	// enable bits are set per configured address in SetHardwareBreakpoints.
	dr7Reserved = 1 << 10
)

// GuestDebugArch carries the x86 debug-register state for
// KVM_SET_GUEST_DEBUG.
type GuestDebugArch struct {
	DebugReg [8]uint64
}

// GuestDebug mirrors struct kvm_guest_debug.
type GuestDebug struct {
	Control uint32
	_       uint32
	Arch    GuestDebugArch
}

// SingleStep arms or disarms MTF-style single-stepping: the vCPU will
// EXITDEBUG after every guest instruction while enabled.
// machine.Machine.SingleStep applies it to every vCPU.
func SingleStep(vcpuFd uintptr, onoff bool) error {
	dbg := GuestDebug{}
	if onoff {
		dbg.Control = guestDebugEnable | guestDebugSingleStep
	}

	_, err := Ioctl(vcpuFd, uintptr(kvmSetGuestDebug), uintptr(unsafe.Pointer(&dbg)))

	return err
}

// SetHardwareBreakpoints installs up to 4 hardware execution
// breakpoints via DR0-DR3/DR7, the mechanism a hidden hardware
// breakpoint (as opposed to a 0xCC software patch) rides on.
func SetHardwareBreakpoints(vcpuFd uintptr, addrs []uint64) error {
	dbg := GuestDebug{Control: guestDebugEnable}

	if len(addrs) == 0 {
		_, err := Ioctl(vcpuFd, uintptr(kvmSetGuestDebug), uintptr(unsafe.Pointer(&dbg)))

		return err
	}

	dbg.Control |= guestDebugUseHWBP

	dr7 := uint64(dr7Reserved)

	for i, addr := range addrs {
		if i >= 4 {
			break
		}

		dbg.Arch.DebugReg[i] = addr
		dr7 |= 1 << uint(i*2) //nolint:gosec // i < 4, no overflow
	}

	dbg.Arch.DebugReg[7] = dr7

	_, err := Ioctl(vcpuFd, uintptr(kvmSetGuestDebug), uintptr(unsafe.Pointer(&dbg)))

	return err
}

// DebugRegs mirrors struct kvm_debugregs.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// GetDebugRegs reads the current debug-register state from a vCPU into dregs.
func GetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmGetDebugRegs), uintptr(unsafe.Pointer(dregs)))

	return err
}

// SetDebugRegs writes debug-register state to a vCPU.
func SetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmSetDebugRegs), uintptr(unsafe.Pointer(dregs)))

	return err
}
