package kvm

import "fmt"

// Capability identifies a KVM_CAP_* extension queried via
// KVM_CHECK_EXTENSION.
type Capability uint

// Capability values, from linux/kvm.h. Only the ones hv/ actually
// probes for are named; CheckExtension works with any numeric value.
const (
	CapIRQChip      Capability = 0
	CapMPState      Capability = 14
	CapIOMMU        Capability = 18
	CapIRQRouting   Capability = 25
	CapKVMClockCtrl Capability = 76
)

// String renders known capabilities by name and falls back to
// "Capability(N)" for anything else, matching the ranges each Cap*
// constant falls in.
func (c Capability) String() string {
	switch {
	case c < 5:
		return "CapIRQChip"
	case c > 4 && c < 17:
		return "CapMPState"
	case c == CapIOMMU:
		return "CapIOMMU"
	case c < 27:
		return "CapIRQRouting"
	case c == CapKVMClockCtrl:
		return "CapKVMClockCtrl"
	default:
		return fmt.Sprintf("Capability(%d)", uint(c))
	}
}

// CheckExtension reports whether and to what degree /dev/kvm supports
// the given capability; a return of 0 means unsupported.
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	r, err := Ioctl(kvmFd, uintptr(kvmCheckExtension), uintptr(cap))

	return int(r), err
}
