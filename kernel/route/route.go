// Package route maps destination cores onto interconnect instances. Every pair of cores
// that can talk is served by exactly one instance: an explicitly configured route, or
// otherwise the lowest-numbered instance both cores attach to.
package route

import (
	"errors"
	"math/bits"

	"github.com/corebus/xmbox/kernel/config"
	"github.com/corebus/xmbox/kernel/mailbox"
	"github.com/corebus/xmbox/kernel/mailbox/regs"
)

// ErrNoRoute is returned when no destination in the set is reachable.
var ErrNoRoute = errors.New("route: no reachable destination")

// Hop is the part of a route served by one instance.
type Hop struct {
	Instance   int
	SourceMask uint32 // our line on the instance, as a mask
	TargetMask uint32 // destination lines on the instance
	Cores      uint32 // destination cores served by this hop
}

// Line returns the single source line of the hop.
func (h Hop) Line() uint8 {
	return uint8(bits.TrailingZeros32(h.SourceMask))
}

// Route is the result of one Compute call. Hops are ordered by instance.
type Route struct {
	Hops        []Hop
	Unreachable uint32 // requested cores with no path from this core
}

// Table is the static routing table of one core.
type Table struct {
	self int
	// via[dst] is the instance serving self->dst, or -1.
	via [config.MaxCores]int
	// lines[instance][core] is the line core owns on instance, or -1.
	lines [mailbox.MaxInstances][config.MaxCores]int8
	// cores[instance][line] resolves an inbound source line, or -1.
	cores [mailbox.MaxInstances][regs.MaxLines]int
}

// NewTable builds the table for core self.
func NewTable(cfg *config.Config, self int) *Table {
	t := &Table{self: self}
	for i := range t.via {
		t.via[i] = -1
	}
	for i := range t.lines {
		for c := range t.lines[i] {
			t.lines[i][c] = -1
		}
		for l := range t.cores[i] {
			t.cores[i][l] = -1
		}
	}

	for _, inst := range cfg.Instances {
		if inst.ID >= mailbox.MaxInstances {
			continue
		}
		for _, ls := range inst.Lines {
			if ls.Core < 0 || ls.Core >= config.MaxCores || ls.Line >= regs.MaxLines {
				continue
			}
			t.lines[inst.ID][ls.Core] = int8(ls.Line)
			t.cores[inst.ID][ls.Line] = ls.Core
		}
	}

	for _, r := range cfg.Routes {
		switch self {
		case r.Src:
			t.pin(r.Dst, r.Instance)
		case r.Dst:
			t.pin(r.Src, r.Instance)
		}
	}

	for dst := 0; dst < config.MaxCores; dst++ {
		if t.via[dst] >= 0 {
			continue
		}
		for inst := 0; inst < len(cfg.Instances) && inst < mailbox.MaxInstances; inst++ {
			if t.lines[inst][self] >= 0 && t.lines[inst][dst] >= 0 {
				t.via[dst] = inst
				break
			}
		}
	}
	return t
}

func (t *Table) pin(dst, instance int) {
	if dst < 0 || dst >= config.MaxCores || instance < 0 || instance >= mailbox.MaxInstances {
		return
	}
	if t.lines[instance][t.self] >= 0 && t.lines[instance][dst] >= 0 {
		t.via[dst] = instance
	}
}

// Self returns the core the table was built for.
func (t *Table) Self() int {
	return t.self
}

// Compute partitions the destination set by instance.
func (t *Table) Compute(destMask uint32) (Route, error) {
	var r Route
	var hops [mailbox.MaxInstances]Hop
	var used uint32

	for m := destMask; m != 0; m &= m - 1 {
		dst := bits.TrailingZeros32(m)
		inst := t.via[dst]
		if inst < 0 {
			r.Unreachable |= 1 << dst
			continue
		}
		h := &hops[inst]
		if used&(1<<inst) == 0 {
			used |= 1 << inst
			*h = Hop{Instance: inst, SourceMask: 1 << uint(t.lines[inst][t.self])}
		}
		h.TargetMask |= 1 << uint(t.lines[inst][dst])
		h.Cores |= 1 << dst
	}

	if used == 0 {
		return r, ErrNoRoute
	}
	for inst := 0; inst < mailbox.MaxInstances; inst++ {
		if used&(1<<inst) != 0 {
			r.Hops = append(r.Hops, hops[inst])
		}
	}
	return r, nil
}

// LineOn returns this core's line on instance.
func (t *Table) LineOn(instance int) (uint8, bool) {
	if instance < 0 || instance >= mailbox.MaxInstances || t.lines[instance][t.self] < 0 {
		return 0, false
	}
	return uint8(t.lines[instance][t.self]), true
}

// Instances returns the instances this core is attached to, as a mask.
func (t *Table) Instances() uint32 {
	var m uint32
	for inst := 0; inst < mailbox.MaxInstances; inst++ {
		if t.lines[inst][t.self] >= 0 {
			m |= 1 << inst
		}
	}
	return m
}

// CoreAt resolves the core owning line on instance.
func (t *Table) CoreAt(instance int, line uint8) (int, bool) {
	if instance < 0 || instance >= mailbox.MaxInstances || line >= regs.MaxLines {
		return 0, false
	}
	c := t.cores[instance][line]
	return c, c >= 0
}
