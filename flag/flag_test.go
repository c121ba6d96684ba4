package flag_test

import (
	"errors"
	"strconv"
	"testing"

	"github.com/bobuhiro11/gokvm/flag"
)

func TestParsesize(t *testing.T) { // nolint:paralleltest
	for _, tt := range []struct {
		name string
		unit string
		m    string
		amt  int
		err  error
	}{
		{name: "badsuffix", m: "1T", amt: -1, err: strconv.ErrSyntax},
		{name: "1G", m: "1G", amt: 1 << 30, err: nil},
		{name: "1g", m: "1g", amt: 1 << 30, err: nil},
		{name: "1M", m: "1M", amt: 1 << 20, err: nil},
		{name: "1m", m: "1m", amt: 1 << 20, err: nil},
		{name: "1K", m: "1K", amt: 1 << 10, err: nil},
		{name: "1k", m: "1k", amt: 1 << 10, err: nil},
		{name: "1 with unit k", m: "1", unit: "k", amt: 1 << 10, err: nil},
		{name: "1 with unit \"\"", m: "1", unit: "", amt: 1, err: nil},
		{name: "8192m", m: "8192m", amt: 8192 << 20, err: nil},
		{name: "bogusgarbage", m: "123411;3413234134", amt: -1, err: strconv.ErrSyntax},
		{name: "bogusgarbagemsuffix", m: "123411;3413234134m", amt: -1, err: strconv.ErrSyntax},
		{name: "bogustoobig", m: "0xfffffffffffffffffffffff", amt: -1, err: strconv.ErrRange},
	} {
		amt, err := flag.ParseSize(tt.m, tt.unit)
		if !errors.Is(err, tt.err) || amt != tt.amt {
			t.Errorf("%s:parseMemSize(%s): got (%d, %v), want (%d, %v)", tt.name, tt.m, amt, err, tt.amt, tt.err)
		}
	}
}

func TestCmdlineDebugParsing(t *testing.T) {
	t.Parallel()

	args := []string{
		"gokvm",
		"debug",
		"-D", "/dev/kvm",
		"-k", "kernel_path",
		"-i", "initrd_path",
		"-m", "1G",
		"-c", "2",
		"-s", "127.0.0.1:1234",
		"-e", "events.yaml",
		"-prof", "cpu",
	}

	debug, err := flag.ParseArgs(args)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if debug.Dev != "/dev/kvm" || debug.Kernel != "kernel_path" || debug.Initrd != "initrd_path" || debug.NCPUs != 2 {
		t.Fatalf("unexpected DebugArgs: %+v", debug)
	}

	if debug.MemSize != 1<<30 {
		t.Fatalf("expected MemSize 1G, got %d", debug.MemSize)
	}

	if debug.Chan != "127.0.0.1:1234" || debug.EventsFile != "events.yaml" || debug.ProfileMode != "cpu" {
		t.Fatalf("unexpected DebugArgs: %+v", debug)
	}
}

func TestParseArgsInvalidSubcommand(t *testing.T) {
	t.Parallel()

	if _, err := flag.ParseArgs([]string{"gokvm", "bogus"}); !errors.Is(err, flag.ErrorInvalidSubcommands) {
		t.Fatalf("expected ErrorInvalidSubcommands, got %v", err)
	}
}

func TestParseArgsNoSubcommand(t *testing.T) {
	t.Parallel()

	if _, err := flag.ParseArgs([]string{"gokvm"}); !errors.Is(err, flag.ErrorInvalidSubcommands) {
		t.Fatalf("expected ErrorInvalidSubcommands, got %v", err)
	}
}
