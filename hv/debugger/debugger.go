// Package debugger implements the C9 kernel-debugger core: the
// command/response surface a remote debugger client drives (pause,
// continue, step, breakpoints, event registration, memory/register
// access), plus the halt rendezvous every pausing command relies on.
//
// spec.md's halt-all broadcasts an NMI to every logical core so each
// parks synchronously at a well-defined point. KVM's vCPU goroutines have
// no equivalent cross-thread interrupt cheaply available from Go, so this
// reinterpretation keeps a shared halted flag instead. The core whose
// exit reaches NotifyHalt (a breakpoint or single-step) sets the flag and
// blocks until Continue clears it; Pause only sets the flag. Other cores
// are not stopped by either: nothing in the vCPU loop checks the flag, so
// they keep running guest code and block only if they themselves reach
// NotifyHalt.
package debugger

import (
	"fmt"
	"sync"

	"github.com/bobuhiro11/gokvm/hv"
	"github.com/bobuhiro11/gokvm/hv/ept"
	"github.com/bobuhiro11/gokvm/hv/event"
	"github.com/bobuhiro11/gokvm/kvm"
)

// PausedPacket is what Pause/a breakpoint hit hands back to the remote
// client: the halted core's full register state plus why it stopped.
type PausedPacket struct {
	CoreID int
	Reason string
	Regs   kvm.Regs
	Sregs  kvm.Sregs
}

// Memory is the subset of hv/memmap.Mapper the controller needs for
// ReadMemory/EditMemory/Search.
type Memory interface {
	ReadVirt(core int, vaddr uint64, buf []byte) (bool, error)
	WriteVirt(core int, vaddr uint64, buf []byte) (bool, error)
	ReadPhys(phys uint64, buf []byte) error
	WritePhys(phys uint64, buf []byte) error
}

// Translator resolves guest virtual addresses to physical, the
// VAToPA/PAToVA command pair's direct dependency.
type Translator interface {
	Translate(core int, vaddr uint64) (phys uint64, ok bool, err error)
}

// Controller is the single owner of the halt-all rendezvous and every
// command spec.md §4.9/§6 lists; one Controller exists per running
// hypervisor instance.
type Controller struct {
	mu sync.Mutex

	h    *hv.Hypervisor
	ept  *ept.Manager
	ev   *event.Engine
	mem  Memory
	tr   Translator
	bc   *hv.Broadcaster

	activeCore    int
	activeProcess int
	activeThread  int

	// halted is the shared flag set by Pause and NotifyHalt; cond wakes the
	// goroutines blocked in NotifyHalt once Continue clears it.
	halted bool
	cond   *sync.Cond
}

// New builds a Controller over an already-constructed Hypervisor, EPT
// manager, and event engine. mem/tr may be nil until run.go wires a
// real memmap.Mapper once guest memory is available.
func New(h *hv.Hypervisor, m *ept.Manager, ev *event.Engine, mem Memory, tr Translator) *Controller {
	c := &Controller{
		h: h, ept: m, ev: ev, mem: mem, tr: tr,
		bc:            hv.NewBroadcaster(h),
		activeCore:    0,
		activeProcess: -1,
		activeThread:  -1,
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// Pause sets the shared halted flag and returns immediately. It does not
// stop a running vCPU; see the package doc comment.
func (c *Controller) Pause() (hv.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted {
		return hv.StatusAlreadyHalted, nil
	}

	c.halted = true

	return hv.StatusSuccess, nil
}

// Continue releases every parked core and resumes normal dispatch.
func (c *Controller) Continue() (hv.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.halted {
		return hv.StatusNotHalted, nil
	}

	c.halted = false
	c.cond.Broadcast()

	return hv.StatusSuccess, nil
}

// Halted reports whether the VM is currently parked.
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.halted
}

// WaitWhileHalted blocks the calling goroutine (a vCPU goroutine that
// just observed halted) until Continue clears the flag.
func (c *Controller) WaitWhileHalted() {
	c.mu.Lock()
	for c.halted {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// NotifyHalt is called by the machine's ExitHook when a core delivers a
// #DB (hidden breakpoint or single-step). It records the halting core's
// register snapshot, marks the VM halted, emits a paused packet for the
// transport layer to forward (non-blocking: a full channel drops the
// notification rather than stalling the vCPU goroutine), and blocks the
// caller until Continue runs.
func (c *Controller) NotifyHalt(coreID int, reason string, regs kvm.Regs, sregs kvm.Sregs, out chan<- PausedPacket) {
	if core, err := c.h.Core(coreID); err == nil {
		core.SavedRegs = regs
		core.SavedSregs = sregs
	}

	c.mu.Lock()
	c.halted = true
	c.mu.Unlock()

	select {
	case out <- PausedPacket{CoreID: coreID, Reason: reason, Regs: regs, Sregs: sregs}:
	default:
	}

	c.WaitWhileHalted()
}

// ChangeCore switches which core subsequent register/step commands target.
func (c *Controller) ChangeCore(coreID int) (hv.Status, error) {
	if _, err := c.h.Core(coreID); err != nil {
		return hv.StatusInvalidCoreID, err
	}

	c.mu.Lock()
	c.activeCore = coreID
	c.mu.Unlock()

	return hv.StatusSuccess, nil
}

// ChangeProcess switches the active process filter used by per-process
// event registration and memory commands (-1 means "all").
func (c *Controller) ChangeProcess(pid int) hv.Status {
	c.mu.Lock()
	c.activeProcess = pid
	c.mu.Unlock()

	return hv.StatusSuccess
}

// ChangeThread switches the active thread filter.
func (c *Controller) ChangeThread(tid int) hv.Status {
	c.mu.Lock()
	c.activeThread = tid
	c.mu.Unlock()

	return hv.StatusSuccess
}

// Flush discards any buffered action-result data queued by script/custom
// code actions (spec.md's "flush" command); the event engine currently
// streams everything synchronously, so this is a deliberate no-op kept as
// an explicit command for remote-protocol symmetry.
func (c *Controller) Flush() hv.Status {
	return hv.StatusSuccess
}

// ReadRegisters returns the active core's last-captured registers. The
// core must be halted; callers that need a live read during normal
// execution should Pause first.
func (c *Controller) ReadRegisters() (kvm.Regs, kvm.Sregs, hv.Status, error) {
	c.mu.Lock()
	coreID := c.activeCore
	c.mu.Unlock()

	core, err := c.h.Core(coreID)
	if err != nil {
		return kvm.Regs{}, kvm.Sregs{}, hv.StatusInvalidCoreID, err
	}

	return core.SavedRegs, core.SavedSregs, hv.StatusSuccess, nil
}

// ReadMemory reads length bytes at addr from the active core's address
// space (virtual, by default) into a freshly allocated buffer.
func (c *Controller) ReadMemory(addr uint64, length int, physical bool) ([]byte, hv.Status, error) {
	buf := make([]byte, length)

	if physical {
		if err := c.mem.ReadPhys(addr, buf); err != nil {
			return nil, hv.StatusInvalidAddress, err
		}

		return buf, hv.StatusSuccess, nil
	}

	c.mu.Lock()
	coreID := c.activeCore
	c.mu.Unlock()

	ok, err := c.mem.ReadVirt(coreID, addr, buf)
	if err != nil {
		return nil, hv.StatusInvalidAddress, err
	}

	if !ok {
		return nil, hv.StatusInvalidAddress, fmt.Errorf("read %#x: no translation", addr)
	}

	return buf, hv.StatusSuccess, nil
}

// EditMemory writes data into the active core's address space.
func (c *Controller) EditMemory(addr uint64, data []byte, physical bool) (hv.Status, error) {
	if physical {
		if err := c.mem.WritePhys(addr, data); err != nil {
			return hv.StatusInvalidAddress, err
		}

		return hv.StatusSuccess, nil
	}

	c.mu.Lock()
	coreID := c.activeCore
	c.mu.Unlock()

	ok, err := c.mem.WriteVirt(coreID, addr, data)
	if err != nil {
		return hv.StatusInvalidAddress, err
	}

	if !ok {
		return hv.StatusInvalidAddress, fmt.Errorf("write %#x: no translation", addr)
	}

	return hv.StatusSuccess, nil
}

// SetBreakpoint installs a hidden breakpoint at a guest physical address
// via the EPT hook engine.
func (c *Controller) SetBreakpoint(phys uint64) (hv.Status, error) {
	if err := c.ept.HookHiddenBreakpoint(phys); err != nil {
		return hv.StatusEptPml1FetchFailed, err
	}

	return hv.StatusSuccess, nil
}

// ListOrModifyBreakpoints reports the physical addresses currently
// carrying a hidden breakpoint on the page containing phys, or removes
// one when remove is true.
func (c *Controller) ListOrModifyBreakpoints(phys uint64, remove bool) ([]uint64, hv.Status, error) {
	page, ok := c.ept.FindByPhysAddress(phys)
	if !ok {
		return nil, hv.StatusInvalidAddress, ept.ErrNotHooked
	}

	if remove {
		if err := c.ept.UnhookBreakpoint(phys); err != nil {
			return nil, hv.StatusInvalidAddress, err
		}
	}

	return append([]uint64(nil), page.BreakpointAddresses...), hv.StatusSuccess, nil
}

// RegisterEvent registers a new event/action pair with the event engine
// and reports its tag on success.
func (c *Controller) RegisterEvent(kind event.Type, condition []byte, actions []event.Action) (uint64, hv.Status, error) {
	c.mu.Lock()
	pid := c.activeProcess
	core := c.activeCore
	c.mu.Unlock()

	ev, err := c.ev.Register(kind, core, pid, condition, actions)
	if err != nil {
		return 0, hv.StatusInvalidEventTag, err
	}

	return ev.Tag, hv.StatusSuccess, nil
}

// QueryAndModifyEvent enables or disables an already-registered event.
// Adding an action to a live event is handled by re-registering with the
// combined action chain instead, since hv/event.Event's Actions slice has
// no separate append entry point by design: actions are fixed at Register
// time so Trigger never observes a chain mutating mid-walk.
func (c *Controller) QueryAndModifyEvent(tag uint64, enable bool) hv.Status {
	if err := c.ev.SetEnabled(tag, enable); err != nil {
		return hv.StatusInvalidEventTag
	}

	return hv.StatusSuccess
}

// TerminateEvent removes a registered event entirely.
func (c *Controller) TerminateEvent(tag uint64) hv.Status {
	if err := c.ev.Terminate(tag); err != nil {
		return hv.StatusInvalidEventTag
	}

	return hv.StatusSuccess
}

// VAToPA translates a virtual address under the active core's page
// tables.
func (c *Controller) VAToPA(vaddr uint64) (uint64, hv.Status, error) {
	c.mu.Lock()
	coreID := c.activeCore
	c.mu.Unlock()

	phys, ok, err := c.tr.Translate(coreID, vaddr)
	if err != nil {
		return 0, hv.StatusInvalidAddress, err
	}

	if !ok {
		return 0, hv.StatusInvalidAddress, fmt.Errorf("va %#x: no translation", vaddr)
	}

	return phys, hv.StatusSuccess, nil
}

// PTE reports the same translation VAToPA does, named separately for
// wire-protocol parity with spec.md's distinct pte/va2pa commands even
// though this reinterpretation's software page walk has no separate
// per-level PTE object to expose.
func (c *Controller) PTE(vaddr uint64) (uint64, hv.Status, error) {
	return c.VAToPA(vaddr)
}

// Search scans the active core's virtual address range [from, to) for
// pattern, returning every match offset.
func (c *Controller) Search(from, to uint64, pattern []byte) ([]uint64, hv.Status, error) {
	if to <= from || len(pattern) == 0 {
		return nil, hv.StatusInvalidAddress, fmt.Errorf("search: empty range or pattern")
	}

	buf := make([]byte, to-from)

	c.mu.Lock()
	coreID := c.activeCore
	c.mu.Unlock()

	ok, err := c.mem.ReadVirt(coreID, from, buf)
	if err != nil {
		return nil, hv.StatusInvalidAddress, err
	}

	if !ok {
		return nil, hv.StatusInvalidAddress, fmt.Errorf("search %#x-%#x: no translation", from, to)
	}

	var hits []uint64

	for i := 0; i+len(pattern) <= len(buf); i++ {
		if matches(buf[i:i+len(pattern)], pattern) {
			hits = append(hits, from+uint64(i))
		}
	}

	return hits, hv.StatusSuccess, nil
}

func matches(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// TestQuery answers the debugger's liveness/capability probe, the
// reinterpretation of spec.md's test-query command used by client
// tooling to confirm the transport round-trips before issuing real
// commands.
func (c *Controller) TestQuery() (ncpus int, halted bool) {
	return c.h.NCPUs(), c.Halted()
}

// SymbolReload is a deliberate no-op: this reinterpretation has no PDB
// symbol server to re-resolve against, unlike the Windows-guest original.
func (c *Controller) SymbolReload() hv.Status {
	return hv.StatusSuccess
}
