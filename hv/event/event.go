// Package event implements the C6 event/action engine: user-declared
// conditions under which a VM-exit is interesting, turned into per-core
// activations of the underlying mechanism (EPT hook, MSR bitmap bit,
// exception-bitmap bit, RDTSC exiting, ...), with script-driven actions
// run at trigger time.
package event

import (
	"fmt"
	"sync"

	"github.com/bobuhiro11/gokvm/kvm"
)

// Type enumerates the event kinds, grounded verbatim on
// original_source/hyperdbg/include/Definition.h's
// DEBUGGER_EVENT_TYPE_ENUM.
type Type int

const (
	HiddenHookReadWrite Type = iota
	HiddenHookRead
	HiddenHookWrite
	HiddenHookExecDetours
	HiddenHookExecCC
	SyscallHookEferSyscall
	SyscallHookEferSysret
	CPUIDInstructionExecution
	RDMSRInstructionExecution
	WRMSRInstructionExecution
	InInstructionExecution
	OutInstructionExecution
	ExceptionOccurred
	ExternalInterruptOccurred
	DebugRegistersAccessed
	TSCInstructionExecution
	PMCInstructionExecution
	VMCallInstructionExecution

	numTypes
)

func (t Type) String() string {
	names := [numTypes]string{
		"HiddenHookReadWrite", "HiddenHookRead", "HiddenHookWrite",
		"HiddenHookExecDetours", "HiddenHookExecCC",
		"SyscallHookEferSyscall", "SyscallHookEferSysret",
		"CPUIDInstructionExecution", "RDMSRInstructionExecution",
		"WRMSRInstructionExecution", "InInstructionExecution",
		"OutInstructionExecution", "ExceptionOccurred",
		"ExternalInterruptOccurred", "DebugRegistersAccessed",
		"TSCInstructionExecution", "PMCInstructionExecution",
		"VMCallInstructionExecution",
	}
	if t < 0 || t >= numTypes {
		return fmt.Sprintf("Type(%d)", int(t))
	}

	return names[t]
}

// ActionKind is one of the three action flavors spec.md §3 names.
type ActionKind int

const (
	BreakToDebugger ActionKind = iota
	RunScript
	RunCustomCode
)

const anyCore = -1
const anyProcess = -1

// MaxTempCount bounds the scratch-slot pool handed to a script run.
const MaxTempCount = 32

// ActionBuffer describes whether a script/custom-code action's results
// should stream immediately or be buffered for the next post-event pass.
type ActionBuffer struct {
	Buffered bool
	Data     []byte
}

// ScriptRunner is the external script interpreter's invocation contract:
// given bytecode and the live register/temp/global state, it executes
// until completion or the first out-of-bounds operation. shortCircuit
// tells the caller to set IgnoreEmulation; wantPost requests a post-event
// pass.
type ScriptRunner func(bytecode []byte, regs *kvm.Regs, temps *[MaxTempCount]uint64,
	globals []uint64, ab *ActionBuffer) (shortCircuit, wantPost bool, err error)

// CustomCodeRunner is the custom-bytecode action's invocation contract,
// validated at registration time.
type CustomCodeRunner func(regs *kvm.Regs, payload []byte) (shortCircuit bool, err error)

// Action is one step of an event's action chain.
type Action struct {
	Kind       ActionKind
	Ordinal    int
	ResultSize int
	Script     []byte
	CustomCode []byte
}

// Event is one registered condition, with its action chain.
type Event struct {
	Tag     uint64
	Kind    Type
	CoreID  int // anyCore for "all"
	PID     int // anyProcess for "all"
	Enabled bool

	OptionalParams [4]uint64

	// Condition is optional bytecode stored with the event. Trigger does
	// not evaluate it: an event with a Condition fires exactly as one
	// without.
	Condition []byte

	Actions []Action
}

// Matches reports whether e applies to the given core/process.
func (e *Event) Matches(core, pid int) bool {
	if !e.Enabled {
		return false
	}

	if e.CoreID != anyCore && e.CoreID != core {
		return false
	}

	if e.PID != anyProcess && e.PID != pid {
		return false
	}

	return true
}

// Result is the 3-valued outcome of Engine.Trigger, per spec.md §4.6.
type Result int

const (
	Successful Result = iota
	SuccessfulIgnoreEmulation
	NotInitialized
)

// Hardware is the broadcaster-shaped contract the engine uses to enable
// or disable the VMCS/MSR-bitmap/exception-bitmap feature an event kind
// needs, and to ask whether the feature is still needed by some other
// live event before disabling it globally.
type Hardware interface {
	Enable(kind Type) error
	Disable(kind Type) error
}

// Engine holds one list per event kind and drives registration,
// triggering, and termination.
type Engine struct {
	mu sync.Mutex

	events  map[Type][]*Event
	byTag   map[uint64]*Event
	nextTag uint64

	hw     Hardware
	runner ScriptRunner
	custom CustomCodeRunner

	// deferred holds events whose records are scheduled for free but not
	// yet reclaimed, the Go shape of PASSIVE_LEVEL-deferred pool frees.
	deferred chan *Event
}

// New builds an Engine. hw may be nil in tests that only exercise
// registration/triggering bookkeeping without real hardware side effects.
func New(hw Hardware, runner ScriptRunner, custom CustomCodeRunner) *Engine {
	e := &Engine{
		events:   make(map[Type][]*Event),
		byTag:    make(map[uint64]*Event),
		hw:       hw,
		runner:   runner,
		custom:   custom,
		deferred: make(chan *Event, 256),
	}

	go e.poolManager()

	return e
}

// poolManager drains deferred frees, the Go-native stand-in for a
// PASSIVE_LEVEL worker servicing a lock-free free queue.
func (e *Engine) poolManager() {
	for range e.deferred {
		// Nothing to release explicitly; Go's GC reclaims the record
		// once this function's reference to it is the last one.
	}
}

// Register validates kind, allocates an event record, and enables the
// underlying hardware feature. CoreID/PID of -1 mean "all."
func (e *Engine) Register(kind Type, coreID, pid int, condition []byte, actions []Action) (*Event, error) {
	if kind < 0 || kind >= numTypes {
		return nil, fmt.Errorf("register: invalid event kind %d", kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextTag++
	ev := &Event{
		Tag:       e.nextTag,
		Kind:      kind,
		CoreID:    coreID,
		PID:       pid,
		Enabled:   true,
		Condition: condition,
		Actions:   append([]Action(nil), actions...),
	}

	needEnable := len(e.events[kind]) == 0

	e.events[kind] = append(e.events[kind], ev)
	e.byTag[ev.Tag] = ev

	if needEnable && e.hw != nil {
		if err := e.hw.Enable(kind); err != nil {
			return nil, fmt.Errorf("register: enabling %s: %w", kind, err)
		}
	}

	return ev, nil
}

// stillNeeded answers the protected-hv-resources predicate: does any
// enabled event of kind still exist.
func (e *Engine) stillNeeded(kind Type) bool {
	for _, ev := range e.events[kind] {
		if ev.Enabled {
			return true
		}
	}

	return false
}

// Terminate removes one event by tag without disturbing its siblings: if
// others of the same kind remain, the hardware feature stays enabled;
// otherwise it is disabled. The record itself is handed to the deferred
// pool manager rather than freed synchronously.
func (e *Engine) Terminate(tag uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, ok := e.byTag[tag]
	if !ok {
		return fmt.Errorf("terminate: unknown tag %d", tag)
	}

	list := e.events[ev.Kind]
	for i, cand := range list {
		if cand.Tag == tag {
			list = append(list[:i], list[i+1:]...)

			break
		}
	}
	e.events[ev.Kind] = list
	delete(e.byTag, tag)

	if !e.stillNeeded(ev.Kind) && e.hw != nil {
		if err := e.hw.Disable(ev.Kind); err != nil {
			return fmt.Errorf("terminate: disabling %s: %w", ev.Kind, err)
		}
	}

	select {
	case e.deferred <- ev:
	default:
	}

	return nil
}

// SetEnabled toggles an event without removing it.
func (e *Engine) SetEnabled(tag uint64, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, ok := e.byTag[tag]
	if !ok {
		return fmt.Errorf("set-enabled: unknown tag %d", tag)
	}

	ev.Enabled = on

	return nil
}

// Trigger walks the list for kind and runs every matching, enabled
// event's action chain in registration order, then in action order within
// each event.
func (e *Engine) Trigger(kind Type, core, pid int, regs *kvm.Regs) (Result, error) {
	e.mu.Lock()
	list := append([]*Event(nil), e.events[kind]...)
	e.mu.Unlock()

	if len(list) == 0 {
		return NotInitialized, nil
	}

	shortCircuit := false

	for _, ev := range list {
		if !ev.Matches(core, pid) {
			continue
		}

		for _, act := range ev.Actions {
			sc, err := e.runAction(ev, act, regs)
			if err != nil {
				return NotInitialized, err
			}

			shortCircuit = shortCircuit || sc
		}
	}

	if shortCircuit {
		return SuccessfulIgnoreEmulation, nil
	}

	return Successful, nil
}

func (e *Engine) runAction(ev *Event, act Action, regs *kvm.Regs) (bool, error) {
	switch act.Kind {
	case BreakToDebugger:
		// The caller (hv.Dispatcher) observes this via the event's
		// Tag once Trigger returns; nothing to do here beyond firing.
		return false, nil

	case RunScript:
		if e.runner == nil {
			return false, fmt.Errorf("event %d: no script runner configured", ev.Tag)
		}

		var temps [MaxTempCount]uint64

		sc, _, err := e.runner(act.Script, regs, &temps, nil, &ActionBuffer{})

		return sc, err

	case RunCustomCode:
		if e.custom == nil {
			return false, fmt.Errorf("event %d: no custom-code runner configured", ev.Tag)
		}

		return e.custom(regs, act.CustomCode)

	default:
		return false, fmt.Errorf("event %d: unknown action kind %d", ev.Tag, act.Kind)
	}
}

// Close stops the pool manager goroutine.
func (e *Engine) Close() {
	close(e.deferred)
}
