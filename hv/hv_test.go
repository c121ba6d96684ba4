package hv

import (
	"testing"

	"github.com/bobuhiro11/gokvm/hv/event"
	"github.com/bobuhiro11/gokvm/kvm"
)

type stubVCPU struct{}

func (stubVCPU) GetRegs(cpu int) (*kvm.Regs, error)   { return &kvm.Regs{}, nil }
func (stubVCPU) GetSRegs(cpu int) (*kvm.Sregs, error) { return &kvm.Sregs{}, nil }
func (stubVCPU) SetRegs(cpu int, r *kvm.Regs) error    { return nil }
func (stubVCPU) SetSRegs(cpu int, s *kvm.Sregs) error  { return nil }
func (stubVCPU) CPUToFD(cpu int) (uintptr, error)      { return uintptr(cpu), nil }
func (stubVCPU) SingleStep(onoff bool) error           { return nil }

func TestNewAllocatesOneCoreStatePerCPU(t *testing.T) {
	h := New(stubVCPU{}, 4)

	if h.NCPUs() != 4 {
		t.Fatalf("expected 4 cores, got %d", h.NCPUs())
	}

	for i, c := range h.Cores() {
		if c.CoreID != i {
			t.Fatalf("core %d has CoreID %d", i, c.CoreID)
		}

		if c.GetState() != Running {
			t.Fatalf("expected new core to start Running, got %v", c.GetState())
		}
	}
}

func TestCoreOutOfRange(t *testing.T) {
	h := New(stubVCPU{}, 2)

	if _, err := h.Core(5); err == nil {
		t.Fatal("expected error for out-of-range core")
	}

	if _, err := h.Core(-1); err == nil {
		t.Fatal("expected error for negative core")
	}
}

func TestBroadcasterAll(t *testing.T) {
	h := New(stubVCPU{}, 3)
	b := NewBroadcaster(h)

	visited := make([]bool, 3)
	err := b.All(func(c *CoreState) error {
		visited[c.CoreID] = true

		return nil
	})
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	for i, v := range visited {
		if !v {
			t.Fatalf("core %d not visited", i)
		}
	}
}

func TestBroadcasterOne(t *testing.T) {
	h := New(stubVCPU{}, 3)
	b := NewBroadcaster(h)

	var got int = -1
	if err := b.One(1, func(c *CoreState) error { got = c.CoreID; return nil }); err != nil {
		t.Fatalf("One: %v", err)
	}

	if got != 1 {
		t.Fatalf("expected core 1, got %d", got)
	}
}

func TestBroadcasterHaltedRequiresHaltedState(t *testing.T) {
	h := New(stubVCPU{}, 2)
	b := NewBroadcaster(h)

	if err := b.Halted(func(c *CoreState) error { return nil }); err == nil {
		t.Fatal("expected error broadcasting to non-halted cores")
	}

	for _, c := range h.Cores() {
		c.setState(Halted)
	}

	if err := b.Halted(func(c *CoreState) error { return nil }); err != nil {
		t.Fatalf("Halted: %v", err)
	}
}

func TestHardwareEnableDisableAreNoops(t *testing.T) {
	h := New(stubVCPU{}, 1)

	if err := h.Enable(event.CPUIDInstructionExecution); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	if err := h.Disable(event.CPUIDInstructionExecution); err != nil {
		t.Fatalf("Disable: %v", err)
	}
}

func TestDispatchUnregisteredHandler(t *testing.T) {
	h := New(stubVCPU{}, 1)
	d := h.Dispatcher

	ok, err := d.Dispatch(&ExitContext{Core: 0, ExitReason: kvm.EXITHLT, Regs: &kvm.Regs{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if ok {
		t.Fatal("expected unhandled exit reason to report ok=false")
	}
}

func TestDispatchRoutesToHandler(t *testing.T) {
	h := New(stubVCPU{}, 1)
	d := h.Dispatcher

	called := false
	d.Handle(kvm.EXITHLT, func(ctx *ExitContext) (bool, error) {
		called = true

		return true, nil
	})

	ok, err := d.Dispatch(&ExitContext{Core: 0, ExitReason: kvm.EXITHLT, Regs: &kvm.Regs{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !ok || !called {
		t.Fatal("expected handler to run and report ok=true")
	}
}

func TestDispatchEventShortCircuitSkipsHandler(t *testing.T) {
	h := New(stubVCPU{}, 1)
	d := h.Dispatcher

	runner := func(bytecode []byte, regs *kvm.Regs, temps *[event.MaxTempCount]uint64,
		globals []uint64, ab *event.ActionBuffer,
	) (bool, bool, error) {
		return true, false, nil
	}
	eng := event.New(h, runner, nil)
	defer eng.Close()

	if _, err := eng.Register(event.HiddenHookExecCC, -1, -1, nil,
		[]event.Action{{Kind: event.RunScript}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	d.Events = eng

	handlerCalled := false
	d.Handle(kvm.EXITDEBUG, func(ctx *ExitContext) (bool, error) {
		handlerCalled = true

		return true, nil
	})

	ok, err := d.Dispatch(&ExitContext{Core: 0, ExitReason: kvm.EXITDEBUG, Regs: &kvm.Regs{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !ok {
		t.Fatal("expected ok=true on short-circuited dispatch")
	}

	if handlerCalled {
		t.Fatal("expected handler to be skipped when pre-event short-circuits emulation")
	}
}

func TestStatusStringUnknown(t *testing.T) {
	if got := Status(999).String(); got != "Status(unknown)" {
		t.Fatalf("expected Status(unknown), got %q", got)
	}
}

func TestStatusStringKnown(t *testing.T) {
	if got := StatusSuccess.String(); got != "Success" {
		t.Fatalf("expected Success, got %q", got)
	}
}
