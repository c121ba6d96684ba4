package flag

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

var ErrorInvalidSubcommands = errors.New("expected 'debug' subcommand")

// DebugArgs configures the debug subcommand, which attaches the hv
// hypervisor layer to a running machine and speaks the debugger wire
// protocol over a serial device or TCP endpoint.
type DebugArgs struct {
	Kernel  string
	MemSize int
	NCPUs   int
	Dev     string
	Initrd  string
	Params  string

	// Chan names the device the debugger transport listens/dials on,
	// e.g. "com2" for a second serial UART, or a host:port TCP address.
	Chan string

	// EventsFile optionally preloads a YAML file of breakpoints/events
	// to arm before the guest starts running.
	EventsFile string

	ProfileMode string
}

func parseDebugArgs(args []string) (*DebugArgs, error) {
	debugCmd := flag.NewFlagSet("debug subcommand", flag.ExitOnError)
	c := &DebugArgs{}

	debugCmd.StringVar(&c.Dev, "D", "/dev/kvm", "path of kvm device")
	debugCmd.StringVar(&c.Kernel, "k", "./bzImage", "kernel image path")
	debugCmd.StringVar(&c.Initrd, "i", "", "initrd path")
	debugCmd.StringVar(&c.Params, "p", "console=ttyS0", "kernel command-line parameters")
	debugCmd.StringVar(&c.Chan, "s", "com2", "debugger transport: com2, or host:port for TCP")
	debugCmd.StringVar(&c.EventsFile, "e", "", "YAML file of breakpoints/events to preload")
	debugCmd.StringVar(&c.ProfileMode, "prof", "", "profile mode: cpu, mem, or empty to disable")

	debugCmd.IntVar(&c.NCPUs, "c", 1, "number of cpus")

	msize := debugCmd.String("m", "1G",
		"memory size: as number[gGmM], optional units, defaults to G")

	var err error

	if err = debugCmd.Parse(args); err != nil {
		return nil, err
	}

	if c.MemSize, err = ParseSize(*msize, "g"); err != nil {
		return nil, err
	}

	return c, nil
}

func ParseArgs(args []string) (*DebugArgs, error) {
	if len(args) < 2 {
		return nil, ErrorInvalidSubcommands
	}

	if args[1] != "debug" {
		return nil, ErrorInvalidSubcommands
	}

	return parseDebugArgs(args[2:])
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
