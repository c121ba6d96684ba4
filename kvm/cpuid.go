package kvm

import (
	"encoding/binary"
	"unsafe"
)

const (
	kvmGetSupportedCPUID = 0xC008AE05
	kvmSetCPUID2         = 0x4008AE90
	kvmGetCPUID2         = 0xC008AE09

	// CPUIDSignature is the KVM leaf a hypervisor-aware guest probes for.
	CPUIDSignature = 0x40000000
	// CPUIDFeatures is the KVM feature leaf returned just above the signature leaf.
	CPUIDFeatures = 0x40000001
	// CPUIDFuncPerMon is the architectural performance monitoring leaf;
	// guests without a vPMU should see it zeroed out.
	CPUIDFuncPerMon = 0x0A

	cpuidEntrySize = 40 // unsafe.Sizeof(CPUIDEntry2{})
	cpuidHeaderLen = 8  // Nent + Padding
)

// CPUID is the set of CPUID entries exchanged with KVM. The kernel
// struct carries entries as a C99 flexible array member; Go has no
// equivalent, so Entries is a plain slice and the ioctl helpers below
// marshal it into a flat buffer before calling into the kernel.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries []CPUIDEntry2
}

// CPUIDEntry2 is one CPUID leaf/subleaf entry.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

func (c *CPUID) marshal() []byte {
	buf := make([]byte, cpuidHeaderLen+len(c.Entries)*cpuidEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(c.Entries)))
	binary.LittleEndian.PutUint32(buf[4:8], c.Padding)

	for i, e := range c.Entries {
		off := cpuidHeaderLen + i*cpuidEntrySize
		binary.LittleEndian.PutUint32(buf[off+0:], e.Function)
		binary.LittleEndian.PutUint32(buf[off+4:], e.Index)
		binary.LittleEndian.PutUint32(buf[off+8:], e.Flags)
		binary.LittleEndian.PutUint32(buf[off+12:], e.Eax)
		binary.LittleEndian.PutUint32(buf[off+16:], e.Ebx)
		binary.LittleEndian.PutUint32(buf[off+20:], e.Ecx)
		binary.LittleEndian.PutUint32(buf[off+24:], e.Edx)
	}

	return buf
}

func (c *CPUID) unmarshal(buf []byte) {
	c.Nent = binary.LittleEndian.Uint32(buf[0:4])

	n := int(c.Nent)
	if n > len(c.Entries) {
		n = len(c.Entries)
	}

	for i := 0; i < n; i++ {
		off := cpuidHeaderLen + i*cpuidEntrySize
		c.Entries[i] = CPUIDEntry2{
			Function: binary.LittleEndian.Uint32(buf[off+0:]),
			Index:    binary.LittleEndian.Uint32(buf[off+4:]),
			Flags:    binary.LittleEndian.Uint32(buf[off+8:]),
			Eax:      binary.LittleEndian.Uint32(buf[off+12:]),
			Ebx:      binary.LittleEndian.Uint32(buf[off+16:]),
			Ecx:      binary.LittleEndian.Uint32(buf[off+20:]),
			Edx:      binary.LittleEndian.Uint32(buf[off+24:]),
		}
	}
}

// GetSupportedCPUID gets all CPUID entries the host/KVM combination
// supports.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	buf := kvmCPUID.marshal()

	_, err := Ioctl(kvmFd, uintptr(kvmGetSupportedCPUID), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	kvmCPUID.unmarshal(buf)

	return nil
}

// SetCPUID2 sets the CPUID entries visible to a vCPU. The progression
// is: fetch supported entries for the VM, edit as needed (e.g. to
// inject the KVM signature leaf), then push them into each vCPU.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	buf := kvmCPUID.marshal()
	_, err := Ioctl(vcpuFd, uintptr(kvmSetCPUID2), uintptr(unsafe.Pointer(&buf[0])))

	return err
}

// GetCPUID2 reads back the CPUID entries currently configured for a vCPU.
func GetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	buf := kvmCPUID.marshal()

	_, err := Ioctl(vcpuFd, uintptr(kvmGetCPUID2), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	kvmCPUID.unmarshal(buf)

	return nil
}
