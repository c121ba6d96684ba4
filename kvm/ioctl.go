// Package kvm provides low-level bindings to the Linux /dev/kvm ioctl
// surface: VM and vCPU lifecycle, register access, memory slots, CPUID,
// MSRs, guest-debug control, and the KVM_RUN exit-reason vocabulary.
//
// These are the only primitives userspace gets onto Intel VT-x/EPT on
// Linux; everything in hv/ is built on top of this package instead of
// on raw VMX intrinsics.
package kvm

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ioctl request-code construction, mirroring Linux's asm-generic/ioctl.h.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2

	kvmIOCType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmIOCType << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// IIO builds a parameterless ioctl request code.
func IIO(nr uintptr) uintptr { return ioc(0, nr, 0) }

// IIOW builds a "write" (userspace -> kernel) ioctl request code.
func IIOW(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// IIOR builds a "read" (kernel -> userspace) ioctl request code.
func IIOR(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// IIOWR builds a bidirectional ioctl request code.
func IIOWR(nr, size uintptr) uintptr { return ioc(iocWrite|iocRead, nr, size) }

// Ioctl issues a single ioctl(2) against fd, retrying transparently on
// EINTR the way any KVM ioctl must: a vCPU thread that takes a signal
// mid-ioctl sees EINTR and is expected to retry, not fail.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return 0, errno
		}

		return res, nil
	}
}
