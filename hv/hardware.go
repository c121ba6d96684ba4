package hv

import "github.com/bobuhiro11/gokvm/hv/event"

// Enable satisfies hv/event.Hardware. Most event kinds need no separate
// hardware toggle here: hv/ept's HookHiddenBreakpoint/HookMonitor calls,
// made by the caller that registers the event, already installed the
// mechanism that triggers it. Kinds with no EPT hook of their own (CPUID,
// RDMSR/WRMSR, IN/OUT, exceptions, ...) are reported through the
// dispatcher's ordinary exit handling regardless of whether any event
// is registered for them, so enabling them here would be redundant.
func (h *Hypervisor) Enable(kind event.Type) error { return nil }

// Disable is Enable's counterpart, symmetric no-op.
func (h *Hypervisor) Disable(kind event.Type) error { return nil }
