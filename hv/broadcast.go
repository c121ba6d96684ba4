package hv

import "fmt"

// CoreFunc is a configuration-change callback run against one core's
// state, the Go shape of a DPC targeted at a specific logical CPU.
type CoreFunc func(core *CoreState) error

// Broadcaster is a façade over "run this on every CPU," with the three
// forms spec.md §4.7 names: All, One (cpu-local events), and Halted,
// which runs only when every core's state already reads Halted.
type Broadcaster struct {
	h *Hypervisor
}

// NewBroadcaster builds a Broadcaster over h's core table.
func NewBroadcaster(h *Hypervisor) *Broadcaster {
	return &Broadcaster{h: h}
}

// All runs fn against every core in index order, stopping at the first
// error.
func (b *Broadcaster) All(fn CoreFunc) error {
	for _, c := range b.h.cores {
		if err := fn(c); err != nil {
			return fmt.Errorf("broadcast all: core %d: %w", c.CoreID, err)
		}
	}

	return nil
}

// One runs fn against a single core, for cpu-local event registration.
func (b *Broadcaster) One(coreID int, fn CoreFunc) error {
	c, err := b.h.Core(coreID)
	if err != nil {
		return err
	}

	return fn(c)
}

// Halted runs fn against every core, asserting each is already Halted,
// and returns an error at the first core that is not. It issues no
// interrupt and parks nothing itself, and hv/debugger's halt path does
// not set a core's state to Halted.
func (b *Broadcaster) Halted(fn CoreFunc) error {
	for _, c := range b.h.cores {
		if c.GetState() != Halted {
			return fmt.Errorf("broadcast halted: core %d not halted", c.CoreID)
		}

		if err := fn(c); err != nil {
			return fmt.Errorf("broadcast halted: core %d: %w", c.CoreID, err)
		}
	}

	return nil
}
