package hv

import (
	"fmt"

	"github.com/bobuhiro11/gokvm/hv/event"
	"github.com/bobuhiro11/gokvm/kvm"
)

// ExitContext is what the assembly save/restore stub would have handed
// the dispatcher on bare metal: the exit reason plus whatever exit
// qualification fields the handler needs, decoded from the per-vCPU
// kvm_run mmap region by (*Machine).RunOnce's caller.
type ExitContext struct {
	Core       int
	ExitReason kvm.ExitType
	Regs       *kvm.Regs
	Sregs      *kvm.Sregs

	// EXITMMIO fields (EPT monitor violations).
	GuestPhysAddr uint64
	MMIOData      [8]byte
	MMIOLength    uint32
	MMIOWrite     bool

	// EXITIO fields.
	IODirection uint64
	IOSize      uint64
	IOPort      uint64
	IOCount     uint64
}

// Handler processes one exit reason. ok false means "not handled, try the
// next layer" (callers fall back to the teacher's existing ioportHandlers
// table for ordinary device I/O); err aborts the vCPU loop.
type Handler func(ctx *ExitContext) (ok bool, err error)

// Dispatcher is the C5 VM-exit dispatcher: one per Hypervisor, with
// default event mappings for EXITMMIO (EPT monitor violations) and
// EXITDEBUG (breakpoints/stepping). machine.Machine.RunOnce does not call
// it: RunOnce hands EXITDEBUG and EXITMMIO to machine.Machine.ExitHook,
// which the debug subcommand (hv/debugger) sets to its own handler.
type Dispatcher struct {
	h        *Hypervisor
	handlers map[kvm.ExitType]Handler

	// Events wires in the pre/emulate/post envelope of spec.md §4.5.
	// Events may be nil in tests that only exercise raw dispatch.
	Events *event.Engine

	// exitKind maps an exit reason to the event kind whose pre/post pair
	// wraps its handler. Exit reasons with no mapping run unwrapped.
	exitKind map[kvm.ExitType]event.Type
}

// NewDispatcher builds an empty dispatcher for h.
func NewDispatcher(h *Hypervisor) *Dispatcher {
	return &Dispatcher{
		h:        h,
		handlers: make(map[kvm.ExitType]Handler),
		exitKind: map[kvm.ExitType]event.Type{
			kvm.EXITDEBUG: event.HiddenHookExecCC,
			kvm.EXITMMIO:  event.HiddenHookReadWrite,
		},
	}
}

// Handle registers (or replaces) the handler for an exit reason.
func (d *Dispatcher) Handle(reason kvm.ExitType, h Handler) {
	d.handlers[reason] = h
}

// MapEventKind associates an exit reason with the event kind whose
// pre/post envelope should wrap it.
func (d *Dispatcher) MapEventKind(reason kvm.ExitType, kind event.Type) {
	d.exitKind[reason] = kind
}

// Dispatch routes ctx to its registered handler. For an exit reason mapped
// to an event kind, Trigger runs once before the handler and, when the
// handler returns no error, once more after it. Trigger reports no
// want-post result, so that post pass runs after every handled mapped
// exit, not only when an action asks for it. A pre pass that returns
// SuccessfulIgnoreEmulation skips both the handler and the post pass.
//
// IgnoreEmulation is the short-circuit signal used by actions (e.g. a
// script that has already written the intended result registers).
func (d *Dispatcher) Dispatch(ctx *ExitContext) (bool, error) {
	kind, wrapped := d.exitKind[ctx.ExitReason]

	if wrapped && d.Events != nil {
		result, err := d.Events.Trigger(kind, ctx.Core, -1, ctx.Regs)
		if err != nil {
			return false, fmt.Errorf("dispatch %s: pre-event: %w", ctx.ExitReason, err)
		}

		if result == event.SuccessfulIgnoreEmulation {
			return true, nil
		}
	}

	h, ok := d.handlers[ctx.ExitReason]
	if !ok {
		return false, nil
	}

	handled, err := h(ctx)
	if err != nil {
		return handled, fmt.Errorf("dispatch %s: %w", ctx.ExitReason, err)
	}

	if wrapped && d.Events != nil {
		if _, err := d.Events.Trigger(kind, ctx.Core, -1, ctx.Regs); err != nil {
			return handled, fmt.Errorf("dispatch %s: post-event: %w", ctx.ExitReason, err)
		}
	}

	return handled, nil
}
