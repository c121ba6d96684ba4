package debugger

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// StepMode is the three stepping flavors this package provides: trace-into,
// step-over, and instrumentation step-in. Go-up (run to the next RET) is
// not provided.
type StepMode int

const (
	// StepInto ('t') single-steps into a CALL instead of over it.
	StepInto StepMode = iota
	// StepOver ('p') runs to the instruction after a CALL without
	// entering it, by placing a temporary hidden breakpoint at the
	// return address instead of single-stepping through the callee.
	StepOver
	// StepInstrument is instrumentation step-in: single-step
	// until RIP leaves the instruction currently executing, re-arming
	// the trap flag rather than pausing on every micro-step, used to
	// skip over `rep`-prefixed instructions a plain trace-into would
	// otherwise stop on once per iteration.
	StepInstrument
)

// Decoder decodes one instruction starting at code, matching
// golang.org/x/arch/x86/x86asm.Decode's signature so real decoding can be
// swapped for a stub in tests.
type Decoder func(code []byte, mode int) (x86asm.Inst, error)

// DefaultDecoder wraps x86asm.Decode for 64-bit mode.
func DefaultDecoder(code []byte, mode int) (x86asm.Inst, error) {
	return x86asm.Decode(code, mode)
}

// BreakpointInstaller is the slice of hv/ept.Manager a Stepper needs to
// place and remove the temporary return-address breakpoint a step-over
// relies on.
type BreakpointInstaller interface {
	HookHiddenBreakpoint(phys uint64) error
	UnhookBreakpoint(phys uint64) error
}

// Stepper drives one core's single-step loop from outside the vCPU
// goroutine: it reads the instruction at RIP, decides whether this step
// needs a temporary return-address breakpoint (StepOver over a CALL), and
// arms/disarms the guest's trap flag via SetHardwareTrap accordingly.
type Stepper struct {
	decode Decoder
	ept    BreakpointInstaller
}

// NewStepper builds a Stepper using decode to read instructions and ept
// to place the temporary return-address breakpoint a step-over needs.
func NewStepper(decode Decoder, eptMgr BreakpointInstaller) *Stepper {
	if decode == nil {
		decode = DefaultDecoder
	}

	return &Stepper{decode: decode, ept: eptMgr}
}

// Plan inspects the instruction at rip (already translated to phys by the
// caller) and reports how this step should proceed: whether a temporary
// breakpoint must be armed at the instruction's far side (a CALL under
// StepOver) and the size of the current instruction as a fallback when
// single-stepping instead.
type Plan struct {
	IsCall     bool
	InstrLen   int
	ReturnPhys uint64 // valid when IsCall
}

// Plan decodes the instruction at code (already read from the guest at
// phys) and classifies it for mode.
func (s *Stepper) Plan(code []byte, phys uint64, mode StepMode) (Plan, error) {
	inst, err := s.decode(code, 64)
	if err != nil {
		return Plan{}, fmt.Errorf("step: decode at %#x: %w", phys, err)
	}

	plan := Plan{InstrLen: inst.Len}

	if mode == StepOver && inst.Op == x86asm.CALL {
		plan.IsCall = true
		plan.ReturnPhys = phys + uint64(inst.Len)
	}

	return plan, nil
}

// ArmStepOver installs the temporary return-address breakpoint a
// step-over needs when Plan reports IsCall.
func (s *Stepper) ArmStepOver(plan Plan) error {
	if !plan.IsCall {
		return nil
	}

	return s.ept.HookHiddenBreakpoint(plan.ReturnPhys)
}

// DisarmStepOver removes the temporary return-address breakpoint once the
// call has returned.
func (s *Stepper) DisarmStepOver(plan Plan) error {
	if !plan.IsCall {
		return nil
	}

	return s.ept.UnhookBreakpoint(plan.ReturnPhys)
}

// ShouldRearm reports whether instrumentation step-in should re-arm the
// trap flag rather than surface a pause: true as long as rip is still
// inside the instruction it started on (a multi-iteration `rep`-prefixed
// instruction retires the same RIP repeatedly under single-step).
func ShouldRearm(mode StepMode, startRIP, currentRIP uint64) bool {
	return mode == StepInstrument && currentRIP == startRIP
}

// HardwareTrap is the subset of the VCPU contract stepping needs: toggle
// the trap flag (EFLAGS.TF via KVM_SET_GUEST_DEBUG's single-step bit).
type HardwareTrap interface {
	SingleStep(onoff bool) error
}

// Arm enables single-stepping on vcpu for the given core.
func Arm(vcpu HardwareTrap) error {
	return vcpu.SingleStep(true)
}

// Disarm disables single-stepping on vcpu for the given core.
func Disarm(vcpu HardwareTrap) error {
	return vcpu.SingleStep(false)
}
