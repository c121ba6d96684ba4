// Package hv is the userspace-VMM realization of HyperDbg's hypervisor
// core: a per-vCPU state table (C1), a VM-exit dispatcher (C5), and a
// broadcaster (C7), wired to the EPT hook engine (hv/ept), the
// event/action engine (hv/event), the transparent-mode filter
// (hv/transparent), the kernel-debugger core (hv/debugger), and the
// serial transport (hv/transport).
package hv

import (
	"fmt"
	"sync"

	"github.com/bobuhiro11/gokvm/kvm"
)

// RunState is a core's coarse execution state. hv/debugger's halt and
// pause paths do not change it.
type RunState int

const (
	Running RunState = iota
	Halted
	Paused
)

// EventFlags are the four per-core control bits spec.md §3 names.
type EventFlags struct {
	WaitForImmediateVMExit    bool
	RegisterBreakOnMTF        bool
	TransparentTrapFlagArmed  bool
	InstrumentationStepInMode bool
}

// CoreState is one record per vCPU goroutine, the KVM-era stand-in for
// spec.md §3's per-core record: no VMXON region or host IDT/GDT/TSS,
// since KVM owns those, but everything else that's meaningful above the
// VMCS carries over.
type CoreState struct {
	mu sync.Mutex

	CoreID      int
	VCPUFd      uintptr
	HasLaunched bool

	Flags EventFlags

	// SavedRegs/SavedSregs hold an emergency capture, e.g. taken just
	// before a pause so the debugger can render state without racing the
	// vCPU goroutine's own KVM_GET_REGS.
	SavedRegs  kvm.Regs
	SavedSregs kvm.Sregs

	State RunState

	// InstrumentationRIP remembers the RIP of the instruction currently
	// being single-stepped through, so instrumentation step-in can
	// re-arm TF until a genuinely new RIP is observed rather than
	// re-pausing on every #DB delivered into kernel code.
	InstrumentationRIP uint64
}

func (c *CoreState) setState(s RunState) {
	c.mu.Lock()
	c.State = s
	c.mu.Unlock()
}

// GetState returns the core's current run state.
func (c *CoreState) GetState() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.State
}

// VCPU is the subset of machine.Machine a CoreState's owning goroutine
// needs to read/write its own register state and drive stepping.
type VCPU interface {
	GetRegs(cpu int) (*kvm.Regs, error)
	GetSRegs(cpu int) (*kvm.Sregs, error)
	SetRegs(cpu int, r *kvm.Regs) error
	SetSRegs(cpu int, s *kvm.Sregs) error
	CPUToFD(cpu int) (uintptr, error)
	SingleStep(onoff bool) error
}

// Hypervisor owns the per-core table plus every subsystem wired to it. It
// is created once per running machine and torn down on Close.
type Hypervisor struct {
	vcpu  VCPU
	cores []*CoreState

	Dispatcher *Dispatcher
}

// New allocates a CoreState per vCPU and the dispatcher that routes exits
// to it, mirroring the init broadcast of spec.md §4.1.
func New(vcpu VCPU, ncpus int) *Hypervisor {
	cores := make([]*CoreState, ncpus)
	for i := range cores {
		cores[i] = &CoreState{CoreID: i}
	}

	h := &Hypervisor{vcpu: vcpu, cores: cores}
	h.Dispatcher = NewDispatcher(h)

	return h
}

// Core returns the per-core record for coreID, or an error if out of
// range.
func (h *Hypervisor) Core(coreID int) (*CoreState, error) {
	if coreID < 0 || coreID >= len(h.cores) {
		return nil, fmt.Errorf("core %d out of range 0-%d", coreID, len(h.cores))
	}

	return h.cores[coreID], nil
}

// NCPUs reports how many cores this hypervisor manages.
func (h *Hypervisor) NCPUs() int {
	return len(h.cores)
}

// Cores returns every per-core record, in index order.
func (h *Hypervisor) Cores() []*CoreState {
	return h.cores
}

// Close tears down the per-core table, the termination broadcast's
// counterpart to New.
func (h *Hypervisor) Close() {
	h.cores = nil
}
