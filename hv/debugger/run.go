package debugger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/bobuhiro11/gokvm/flag"
	"github.com/bobuhiro11/gokvm/hv"
	"github.com/bobuhiro11/gokvm/hv/ept"
	"github.com/bobuhiro11/gokvm/hv/event"
	"github.com/bobuhiro11/gokvm/hv/memmap"
	"github.com/bobuhiro11/gokvm/hv/transparent"
	"github.com/bobuhiro11/gokvm/hv/transport"
	"github.com/bobuhiro11/gokvm/kvm"
	"github.com/bobuhiro11/gokvm/machine"
	"github.com/bobuhiro11/gokvm/profiling"
	"gopkg.in/yaml.v3"
)

// vtop adapts *machine.Machine's existing per-core page walk to both
// hv/memmap.Translator and this package's Translator, the single
// implementation every address-translating command rides on.
type vtop struct{ m *machine.Machine }

func (t vtop) Translate(core int, vaddr uint64) (uint64, bool, error) {
	phys, err := t.m.VtoP(core, uintptr(vaddr))
	if err != nil || phys < 0 {
		return 0, false, nil
	}

	return uint64(phys), true, nil
}

// EventPreload is one entry of a YAML event file: the debug subcommand's
// EventsFile preloads breakpoints/events before the guest starts running.
type EventPreload struct {
	Kind      string   `yaml:"kind"`
	Core      int      `yaml:"core"`
	PID       int      `yaml:"pid"`
	Addresses []uint64 `yaml:"addresses"`
}

var eventKindNames = map[string]event.Type{
	"hidden-hook-rw":            event.HiddenHookReadWrite,
	"hidden-hook-read":          event.HiddenHookRead,
	"hidden-hook-write":         event.HiddenHookWrite,
	"hidden-hook-exec-detours":  event.HiddenHookExecDetours,
	"hidden-hook-exec-cc":       event.HiddenHookExecCC,
	"syscall-hook-efer-syscall": event.SyscallHookEferSyscall,
	"syscall-hook-efer-sysret":  event.SyscallHookEferSysret,
	"cpuid":                     event.CPUIDInstructionExecution,
	"rdmsr":                     event.RDMSRInstructionExecution,
	"wrmsr":                     event.WRMSRInstructionExecution,
	"in":                        event.InInstructionExecution,
	"out":                       event.OutInstructionExecution,
	"exception":                 event.ExceptionOccurred,
	"external-interrupt":        event.ExternalInterruptOccurred,
	"debug-registers":           event.DebugRegistersAccessed,
	"tsc":                       event.TSCInstructionExecution,
	"pmc":                       event.PMCInstructionExecution,
	"vmcall":                    event.VMCallInstructionExecution,
}

// loadEvents parses a YAML event-preload file, installs a hidden
// breakpoint at each address of a hidden-hook-exec-cc or
// hidden-hook-exec-detours entry (a detours entry gets a hidden breakpoint,
// not a detour; read/write kinds install no hook), and registers every
// entry with eng.
func loadEvents(path string, eng *event.Engine, mgr *ept.Manager) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	var entries []EventPreload
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	for _, e := range entries {
		kind, ok := eventKindNames[e.Kind]
		if !ok {
			return fmt.Errorf("load events: unknown kind %q", e.Kind)
		}

		if kind == event.HiddenHookExecCC || kind == event.HiddenHookExecDetours {
			for _, a := range e.Addresses {
				if err := mgr.HookHiddenBreakpoint(a); err != nil {
					return fmt.Errorf("load events: hook %#x: %w", a, err)
				}
			}
		}

		if _, err := eng.Register(kind, e.Core, e.PID, nil,
			[]event.Action{{Kind: event.BreakToDebugger}}); err != nil {
			return fmt.Errorf("load events: register %s: %w", e.Kind, err)
		}
	}

	return nil
}

// dialChannel opens the transport named by chan: "com<N>" opens a real
// UART device, anything containing ':' is treated as a host:port TCP
// listen address (the debuggee side always listens; the debugger client
// dials in), matching the common same-host two-VM deployment.
func dialChannel(channel string) (conn io.ReadWriteCloser, closeFn func(), err error) {
	if strings.Contains(channel, ":") {
		l, err := transport.ListenTCP(channel)
		if err != nil {
			return nil, nil, err
		}

		c, err := l.Accept()
		if err != nil {
			l.Close()

			return nil, nil, fmt.Errorf("dial channel: accept: %w", err)
		}

		return c, func() { c.Close(); l.Close() }, nil
	}

	n, err := strconv.Atoi(strings.TrimPrefix(channel, "com"))
	if err != nil || n < 1 {
		return nil, nil, fmt.Errorf("dial channel: %q is neither com<N> nor host:port", channel)
	}

	path := fmt.Sprintf("/dev/ttyS%d", n-1)
	u, err := transport.OpenUART(path, 115200)

	if err != nil {
		return nil, nil, err
	}

	return u, func() { u.Close() }, nil
}

// Run is the debug subcommand's entry point: build a machine, wire every
// hv subsystem to it, and drive the command loop over the configured
// transport until every vCPU exits.
func Run(args flag.DebugArgs) error {
	defer profiling.Start(args.ProfileMode)()

	m, err := machine.New(args.Dev, args.NCPUs, args.MemSize)
	if err != nil {
		return fmt.Errorf("hv debug: %w", err)
	}

	kern, err := os.Open(args.Kernel)
	if err != nil {
		return fmt.Errorf("hv debug: %w", err)
	}
	defer kern.Close()

	initrd, err := os.Open(args.Initrd)
	if err != nil {
		return fmt.Errorf("hv debug: %w", err)
	}
	defer initrd.Close()

	if err := m.LoadLinux(kern, initrd, args.Params); err != nil {
		return fmt.Errorf("hv debug: %w", err)
	}

	h := hv.New(m, args.NCPUs)
	mgr := ept.New(m.Mem(), m, m)
	eng := event.New(h, nil, nil)
	mapper := memmap.New(m.Mem(), vtop{m})
	transparentFilter := transparent.New(mgr, nil)
	ctl := New(h, mgr, eng, mapper, vtop{m})

	if args.EventsFile != "" {
		if err := loadEvents(args.EventsFile, eng, mgr); err != nil {
			return err
		}
	}

	paused := make(chan PausedPacket, 16)
	wireExits(m, h, mgr, eng, transparentFilter, ctl, paused)

	conn, closeConn, err := dialChannel(args.Chan)
	if err != nil {
		return fmt.Errorf("hv debug: %w", err)
	}
	defer closeConn()

	var wg sync.WaitGroup
	for cpu := 0; cpu < args.NCPUs; cpu++ {
		m.StartVCPU(cpu, 0, &wg)
		wg.Add(1)
	}

	go forwardPaused(conn, paused)
	go serveCommands(ctl, conn)

	wg.Wait()

	return nil
}

// wireExits installs the machine's ExitHook: EXITDEBUG hands control to
// Controller.NotifyHalt (breakpoint/single-step), EXITMMIO runs the
// matching hidden-hook-read-write event and, for writes, applies the
// write host-side since the guest's own write was blocked by the
// read-only monitor slot that made it MMIO-exit in the first place.
func wireExits(m *machine.Machine, h *hv.Hypervisor, mgr *ept.Manager, eng *event.Engine,
	filter *transparent.Filter, ctl *Controller, paused chan<- PausedPacket,
) {
	m.ExitHook = func(cpu int, exit kvm.ExitType) (bool, error) {
		regs, err := m.GetRegs(cpu)
		if err != nil {
			return false, err
		}

		sregs, err := m.GetSRegs(cpu)
		if err != nil {
			return false, err
		}

		switch exit {
		case kvm.EXITDEBUG:
			reason := "single-step"
			if _, ok := mgr.FindByPhysAddress(regs.RIP); ok {
				reason = "breakpoint"
			}

			if filter.Enabled() {
				if handled, _ := filter.OnDebugException(0, uint32(cpu),
					func(addr uint64, buf []byte) error { return physMapper(m).ReadPhys(addr, buf) },
					func(addr uint64, buf []byte) error { return physMapper(m).WritePhys(addr, buf) }); handled {
					return true, nil
				}
			}

			ctl.NotifyHalt(cpu, reason, *regs, *sregs, paused)

			return true, nil

		case kvm.EXITMMIO:
			physAddr, data, length, isWrite := m.RunData()[cpu].MMIO()

			if isWrite {
				copy(m.Mem()[physAddr:physAddr+uint64(length)], data[:length])
			}

			if _, err := eng.Trigger(event.HiddenHookReadWrite, cpu, -1, regs); err != nil {
				return false, err
			}

			return true, nil

		default:
			return false, fmt.Errorf("hv debug: unexpected exit %s", exit)
		}
	}
}

// physMapper builds a throwaway memmap.Mapper over m's memory for the
// transparent filter's scrub callbacks, which only ever need ReadPhys/
// WritePhys (no virtual-address translation), so no Translator is wired.
func physMapper(m *machine.Machine) *memmap.Mapper {
	return memmap.New(m.Mem(), nil)
}

// forwardPaused streams every paused notification to the transport as an
// unsolicited DebuggeeToDebugger ActionPausedPacket frame.
func forwardPaused(conn io.ReadWriteCloser, paused <-chan PausedPacket) {
	sender := transport.NewSender(conn)

	for p := range paused {
		payload := make([]byte, 16)
		payload[0] = byte(p.CoreID)
		copy(payload[8:], []byte(p.Reason))

		if err := sender.Send(transport.DebuggeeToDebugger, transport.ActionPausedPacket, payload); err != nil {
			return
		}
	}
}

// serveCommands runs the debuggee side's command loop: read one framed
// request, dispatch it against ctl, send back a status-coded response.
// A frame that fails its checksum is dropped and the loop goes on; any
// other receive error ends the loop.
func serveCommands(ctl *Controller, conn io.ReadWriteCloser) {
	recv := transport.NewReceiver(conn, transport.IsDebuggerSide)
	send := transport.NewSender(conn)

	for {
		hdr, payload, err := recv.Next()
		if errors.Is(err, transport.ErrChecksum) {
			continue
		}

		if err != nil {
			return
		}

		status := dispatchCommand(ctl, hdr.RequestedAction, payload)

		resp := []byte{byte(status)}
		if err := send.Send(transport.DebuggeeToDebugger, transport.ActionStatus, resp); err != nil {
			return
		}
	}
}

// dispatchCommand runs one decoded RequestedAction against ctl. Only the
// control-flow and single-value commands are wired to raw bytes here;
// commands with richer payloads (ReadMemory/EditMemory/RegisterEvent/
// Search) are reachable directly through Controller's Go API for a
// same-process client and are intentionally not re-decoded from the wire
// in this reinterpretation's minimal dispatcher.
func dispatchCommand(ctl *Controller, action transport.RequestedAction, payload []byte) hv.Status {
	switch action {
	case transport.ActionPause:
		status, _ := ctl.Pause()

		return status

	case transport.ActionContinue:
		status, _ := ctl.Continue()

		return status

	case transport.ActionChangeCore:
		if len(payload) < 4 {
			return hv.StatusInvalidCoreID
		}

		coreID := int(payload[0]) | int(payload[1])<<8 | int(payload[2])<<16 | int(payload[3])<<24
		status, _ := ctl.ChangeCore(coreID)

		return status

	case transport.ActionFlush:
		return ctl.Flush()

	case transport.ActionTestQuery:
		ctl.TestQuery()

		return hv.StatusSuccess

	case transport.ActionSymbolReload:
		return ctl.SymbolReload()

	default:
		return hv.StatusUnknownCommand
	}
}
