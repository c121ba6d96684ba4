// Package memmap implements the C2 memory mapper: reading and writing
// guest memory by physical address or by (virtual address, core), safely
// and without allocating on the hot path.
//
// On bare-metal VT-x the mapper reserves unbacked kernel virtual pages and
// retargets their PML1 entry to the frame of interest for the duration of
// one memcpy. Here the "physical memory" is already a single host-process
// []byte (the VMM's mmap'd guest RAM), so the reserved-VA dance collapses
// to direct slicing; what survives is the contract: bounds-checked,
// core-aware for the virtual-address path, and a false/error return
// instead of a fault when the translation is missing.
package memmap

import (
	"errors"
	"fmt"
)

// ErrOutOfRange indicates the requested physical range falls outside
// guest memory.
var ErrOutOfRange = errors.New("address out of range")

// Translator resolves a guest virtual address, in the context of a given
// core's current page tables, to a physical address. ok is false when the
// address has no valid translation (missing page or privilege violation);
// Translator must never panic or block on such input.
type Translator interface {
	Translate(core int, vaddr uint64) (phys uint64, ok bool, err error)
}

// Mapper reads and writes guest physical memory, and guest virtual memory
// by first resolving it through a Translator.
type Mapper struct {
	mem   []byte
	trans Translator
}

// New builds a Mapper over mem (the guest's flat physical address space)
// using trans to resolve virtual addresses.
func New(mem []byte, trans Translator) *Mapper {
	return &Mapper{mem: mem, trans: trans}
}

// ReadPhys copies len(buf) bytes starting at phys into buf.
func (m *Mapper) ReadPhys(phys uint64, buf []byte) error {
	if phys+uint64(len(buf)) > uint64(len(m.mem)) {
		return fmt.Errorf("read %#x+%d: %w", phys, len(buf), ErrOutOfRange)
	}

	copy(buf, m.mem[phys:phys+uint64(len(buf))])

	return nil
}

// WritePhys copies buf into guest memory starting at phys.
func (m *Mapper) WritePhys(phys uint64, buf []byte) error {
	if phys+uint64(len(buf)) > uint64(len(m.mem)) {
		return fmt.Errorf("write %#x+%d: %w", phys, len(buf), ErrOutOfRange)
	}

	copy(m.mem[phys:phys+uint64(len(buf))], buf)

	return nil
}

// ReadVirt translates vaddr under core's current CR3 and reads len(buf)
// bytes, splitting the read at 4 KiB boundaries exactly as a physical
// frame-by-frame copy would. ok is false when any page in the range fails
// to translate; no partial write to buf is observable by the caller in
// that case beyond what was already copied for earlier pages.
func (m *Mapper) ReadVirt(core int, vaddr uint64, buf []byte) (ok bool, err error) {
	return m.walk(core, vaddr, buf, false)
}

// WriteVirt is the write-side counterpart of ReadVirt.
func (m *Mapper) WriteVirt(core int, vaddr uint64, buf []byte) (ok bool, err error) {
	return m.walk(core, vaddr, buf, true)
}

const pageSize = 4096

func (m *Mapper) walk(core int, vaddr uint64, buf []byte, write bool) (bool, error) {
	done := 0

	for done < len(buf) {
		cur := vaddr + uint64(done)

		phys, ok, err := m.trans.Translate(core, cur)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}

		// Never cross a 4 KiB boundary within one physical run: the next
		// page need not be contiguous in guest-physical space.
		chunk := pageSize - int(cur%pageSize)
		if chunk > len(buf)-done {
			chunk = len(buf) - done
		}

		var txErr error
		if write {
			txErr = m.WritePhys(phys, buf[done:done+chunk])
		} else {
			txErr = m.ReadPhys(phys, buf[done:done+chunk])
		}

		if txErr != nil {
			return false, txErr
		}

		done += chunk
	}

	return true, nil
}
