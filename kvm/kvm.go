// Package kvm provides low-level bindings to the Linux /dev/kvm ioctl
// surface: VM and vCPU lifecycle, register access, memory slots, CPUID,
// MSRs, guest-debug control, and the KVM_RUN exit-reason vocabulary.
//
// These are the only primitives userspace gets onto Intel VT-x/EPT on
// Linux; everything in hv/ is built on top of this package instead of
// on raw VMX intrinsics.
package kvm

import "unsafe"

// ioctl numbers, from linux/kvm.h.
const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmGetVCPUMMapSize     = 44548
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmSetUserMemoryRegion = 1075883590
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmCreatePIT2          = 0x4040AE77
	kvmIRQLine             = 0xc008ae67
	kvmCheckExtension      = 0xAE03
	kvmGetMSRIndexList     = 0xC004AE02
)

// RunData is the mmap'd kvm_run structure shared between the kernel and
// userspace for one vCPU. Only the fields common to every exit reason,
// plus the io/mmio union members actually used, are modeled here; Go
// has no way to express the kernel's C union, so callers reach into
// Data by exit reason the same way IO() and MMIO() do.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the kvm_run.io union member for an EXITIO exit.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the kvm_run.mmio union member for an EXITMMIO exit: a
// guest physical address, up to 8 bytes of data, the access length,
// and whether it was a write. This is the path a write-monitor hook
// rides on: hv/ept carves the watched page into its own read-only
// memory slot, so a guest write lands here instead of silently
// succeeding.
func (r *RunData) MMIO() (physAddr uint64, data [8]byte, length uint32, isWrite bool) {
	physAddr = r.Data[0]

	b := r.Data[1]
	for i := 0; i < 8; i++ {
		data[i] = byte(b >> (8 * i))
	}

	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return physAddr, data, length, isWrite
}

// UserspaceMemoryRegion describes one guest-physical-to-host-virtual
// memory slot.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemReadonly marks the region read-only: a guest write MMIO-exits
// instead of succeeding. This stands in for an EPT write-monitor
// violation (see hv/ept) on top of stock KVM memory slots.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// GetAPIVersion returns the KVM API version, expected to be 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmGetAPIVersion), 0)
}

// CreateVM creates a new VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU number cpu within the VM and returns its fd.
func CreateVCPU(vmFd uintptr, cpu int) (uintptr, error) {
	return Ioctl(vmFd, uintptr(kvmCreateVCPU), uintptr(cpu))
}

// Run executes the guest until the next VM-exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmRun), 0)

	return err
}

// GetVCPUMMmapSize returns the size to mmap from a vCPU fd to obtain its
// kvm_run structure.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmGetVCPUMMapSize), 0)
}

// SetUserMemoryRegion installs or updates one guest memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr sets the guest TSS address, required on Intel hosts before
// the first vCPU is run.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, uintptr(kvmSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the address of the identity-map page KVM uses
// internally for real-mode paravirtualization on Intel hosts.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	a := addr
	_, err := Ioctl(vmFd, uintptr(kvmSetIdentityMapAddr), uintptr(unsafe.Pointer(&a)))

	return err
}

// CreateIRQChip creates an in-kernel PIC/IOAPIC for the VM.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, uintptr(kvmCreateIRQChip), 0)

	return err
}

// PitConfig configures the in-kernel programmable interval timer.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates an in-kernel PIT.
func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{}
	_, err := Ioctl(vmFd, uintptr(kvmCreatePIT2), uintptr(unsafe.Pointer(&pit)))

	return err
}

// IRQLevel sets one GSI's level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises or lowers one IRQ line.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	_, err := Ioctl(vmFd, uintptr(kvmIRQLine), uintptr(unsafe.Pointer(&l)))

	return err
}

// MSRList is the variable-length list of MSR indices KVM supports.
// NMSRs must be set to the capacity of Indicies before calling
// GetMSRIndexList; it is not updated by the kernel, so callers
// re-probe with KVM_GET_MSR_INDEX_LIST's E2BIG convention.
type MSRList struct {
	NMSRs    uint32
	Indicies [512]uint32
}

// GetMSRIndexList fetches the supported MSR index list.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	_, err := Ioctl(kvmFd, uintptr(kvmGetMSRIndexList), uintptr(unsafe.Pointer(list)))

	return err
}
