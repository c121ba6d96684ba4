// Package transparent implements the C8 transparent-mode filter: while
// enabled, it hides the debugger's presence from the guest by rewriting
// observable side channels, grounded on
// original_source/hyperdbg/hyperhv/code/transparency/Transparency.c.
package transparent

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/bobuhiro11/gokvm/kvm"
)

// CPUIDHypervisorLeaf is the KVM-reserved leaf a hypervisor-aware guest
// probes for; transparent mode zeroes it.
const CPUIDHypervisorLeaf = 0x40000000

// maxTracked bounds the sorted tracking array; once full, arming new
// syscall trap-flag records is disabled until the array drains, exactly
// as spec.md §4.8 item 3 describes.
const maxTracked = 4096

// HookInstaller installs or removes the hidden breakpoint at the guest
// kernel's syscall entry point.
type HookInstaller interface {
	HookHiddenBreakpoint(phys uint64) error
	UnhookBreakpoint(phys uint64) error
}

// record is one pending syscall whose result buffer needs scrubbing on
// the next #DB for its (pid, tid).
type record struct {
	key     uint64 // (pid<<32)|tid
	pid     uint32
	tid     uint32
	origRIP uint64
	bufPtr  uint64
	bufLen  uint64
	syscall uint64
}

// Filter is the transparent-mode state: enabled flag, the watched syscall
// list, and the sorted pending-record table.
type Filter struct {
	mu sync.Mutex

	enabled bool
	hook    HookInstaller

	watched map[uint64]bool // closed list of syscall numbers to intercept
	tracked []*record        // sorted by key for O(log n) lookup

	jitterEnabled bool
	jitterMean    float64
	jitterStdDev  float64

	lstarTarget uint64
	hooked      bool
}

// New builds a Filter watching the given closed list of syscall numbers
// (the reinterpretation of NtQuerySystemInformation and siblings onto a
// Linux guest: syscalls whose result buffers name processes/modules,
// e.g. readdir/getdents64 over /proc, or a custom introspection ioctl).
func New(hook HookInstaller, watchedSyscalls []uint64) *Filter {
	w := make(map[uint64]bool, len(watchedSyscalls))
	for _, n := range watchedSyscalls {
		w[n] = true
	}

	return &Filter{hook: hook, watched: w}
}

// Enable installs the hidden breakpoint 3 bytes past lstarTarget — past
// the swapgs/mov-gs preface every syscall entry stub opens with — and
// marks the filter active.
func (f *Filter) Enable(lstarTarget uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := lstarTarget + 3
	if err := f.hook.HookHiddenBreakpoint(entry); err != nil {
		return err
	}

	f.lstarTarget = entry
	f.hooked = true
	f.enabled = true

	return nil
}

// Disable removes the syscall-entry hook and clears all pending records.
func (f *Filter) Disable() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.enabled = false

	if !f.hooked {
		return nil
	}

	f.hooked = false
	f.tracked = nil

	return f.hook.UnhookBreakpoint(f.lstarTarget)
}

// Enabled reports whether transparent mode is currently active.
func (f *Filter) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.enabled
}

func key(pid, tid uint32) uint64 {
	return uint64(pid)<<32 | uint64(tid)
}

// OnSyscallEntry examines a syscall about to execute (rax=number,
// rdx=result buffer pointer, rcx=result buffer length, by the reinterpreted
// Linux calling convention) and, if it is on the watched list, records it
// and reports that the caller should arm the guest's trap flag. Overflow
// of the tracking table silently disables arming for this call, matching
// spec.md §4.8's documented overflow behavior.
func (f *Filter) OnSyscallEntry(pid, tid uint32, rip uint64, regs *kvm.Regs) (armTrap bool) {
	if !f.watched[regs.RAX] {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.tracked) >= maxTracked {
		return false
	}

	rec := &record{
		key: key(pid, tid), pid: pid, tid: tid,
		origRIP: rip, bufPtr: regs.RDX, bufLen: regs.RCX, syscall: regs.RAX,
	}

	i := sort.Search(len(f.tracked), func(i int) bool { return f.tracked[i].key >= rec.key })
	f.tracked = append(f.tracked, nil)
	copy(f.tracked[i+1:], f.tracked[i:])
	f.tracked[i] = rec

	return true
}

// lookup finds and removes the pending record for (pid, tid), reporting
// whether one existed. Unlike the source's TransparentStoreProcessInformation,
// which early-returns with an incorrect success flag when a record already
// exists (spec.md §9 open question), this reports only whether a record
// was found and leaves the decision to the caller — the bug is
// documented, not reproduced, since no test here requires it.
func (f *Filter) lookup(pid, tid uint32) (*record, bool) {
	k := key(pid, tid)

	i := sort.Search(len(f.tracked), func(i int) bool { return f.tracked[i].key >= k })
	if i >= len(f.tracked) || f.tracked[i].key != k {
		return nil, false
	}

	rec := f.tracked[i]
	f.tracked = append(f.tracked[:i], f.tracked[i+1:]...)

	return rec, true
}

// Scrubber writes scrubbed bytes back into guest memory through the
// memory mapper; the hv package supplies this as hv/memmap.Mapper.WritePhys
// composed with a virtual-to-physical translation, or directly when the
// buffer pointer is already physical.
type Scrubber func(addr uint64, buf []byte) error

// HiddenNames lists the built-in driver/module substrings scrubbed out of
// a module listing's results, the Linux-guest analog of HV_DRIVER[].
var HiddenNames = []string{"hyperdbg", "gokvm-hv", "kvm-introspect"}

// OnDebugException runs on the #DB delivered after a watched syscall
// returns: it looks up the pending record by (pid, tid), reads the result
// buffer, scrubs known hypervisor-related entries out of it, and reports
// whether a record existed (so the caller knows whether to clear the trap
// flag it only armed for this purpose).
func (f *Filter) OnDebugException(pid, tid uint32, read func(addr uint64, buf []byte) error,
	write Scrubber,
) (handled bool, err error) {
	f.mu.Lock()
	rec, ok := f.lookup(pid, tid)
	f.mu.Unlock()

	if !ok {
		return false, nil
	}

	buf := make([]byte, rec.bufLen)
	if err := read(rec.bufPtr, buf); err != nil {
		return true, err
	}

	scrubbed := ScrubModuleListing(buf, HiddenNames)

	return true, write(rec.bufPtr, scrubbed)
}

// ScrubModuleListing removes lines containing any of hidden from a
// newline-separated module/process listing, the reinterpretation of
// spec.md §4.8 item 3's SystemModuleInformation/SystemProcessInformation
// rewrite onto a text-oriented Linux equivalent (e.g. /proc/modules).
func ScrubModuleListing(buf []byte, hidden []string) []byte {
	lines := strings.Split(string(buf), "\n")
	kept := lines[:0]

	for _, line := range lines {
		hide := false

		for _, h := range hidden {
			if strings.Contains(line, h) {
				hide = true

				break
			}
		}

		if !hide {
			kept = append(kept, line)
		}
	}

	return []byte(strings.Join(kept, "\n"))
}

// CPUIDOverride clears the hypervisor-present bit in leaf 1 and zeroes
// leaf 0x40000000, the CPUID fan-out spec.md §4.8 item 4 describes. It is
// a no-op when the filter is disabled.
func (f *Filter) CPUIDOverride(function uint32, eax, ebx, ecx, edx *uint32) {
	if !f.Enabled() {
		return
	}

	switch function {
	case 1:
		*ecx &^= 1 << 31
	case CPUIDHypervisorLeaf:
		*eax, *ebx, *ecx, *edx = 0, 0, 0, 0
	}
}

// EnableJitter arms the optional Gaussian-RDTSC-jitter variant, kept for
// reference per spec.md §4.8 item 5 and off by default.
func (f *Filter) EnableJitter(mean, stdDev float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.jitterEnabled = true
	f.jitterMean = mean
	f.jitterStdDev = stdDev
}

// JitterTSC adds Gaussian noise (Box-Muller, driven by math/rand/v2) to a
// real TSC reading when jitter is enabled, masking timing side channels
// at the cost of some entropy bounded by stdDev.
func (f *Filter) JitterTSC(real uint64) uint64 {
	f.mu.Lock()
	enabled, mean, stdDev := f.jitterEnabled, f.jitterMean, f.jitterStdDev
	f.mu.Unlock()

	if !enabled {
		return real
	}

	u1, u2 := rand.Float64(), rand.Float64()
	if u1 == 0 {
		u1 = 1e-12
	}

	gaussian := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	delta := mean + stdDev*gaussian

	return uint64(int64(real) + int64(delta))
}
