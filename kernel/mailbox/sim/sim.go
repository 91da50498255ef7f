// Package sim emulates mailbox interconnect instances in memory. A Bank implements
// hal.RegisterBank with the side effects of the real block (ownership claim, send and
// acknowledge triggers, write-1-to-clear status) and raises one hal.SoftLine per
// interrupt line, so several cores in one process can share a simulated SoC.
package sim

import (
	"sync"

	"github.com/corebus/xmbox/kernel/hal"
	"github.com/corebus/xmbox/kernel/mailbox/regs"
)

// Options describes one simulated instance.
type Options struct {
	Slots    int
	Features uint32
}

// DefaultOptions matches the reference SoC.
func DefaultOptions() Options {
	return Options{Slots: 16, Features: regs.DefaultFeatureFlags}
}

// Bank is one simulated instance.
type Bank struct {
	mu    sync.Mutex
	mem   *hal.MemoryBank
	lines [regs.MaxLines]*hal.SoftLine
	slots int

	deliver [regs.MaxLines]uint32
	ack     [regs.MaxLines]uint32
	enable  [regs.MaxLines]uint32
}

// NewBank creates an instance with identity registers populated and every slot free.
func NewBank(opts Options) *Bank {
	if opts.Slots <= 0 || opts.Slots > regs.MaxSlots {
		opts.Slots = DefaultOptions().Slots
	}
	b := &Bank{
		mem:   hal.NewMemoryBank(regs.Span),
		slots: opts.Slots,
	}
	for i := range b.lines {
		b.lines[i] = hal.NewSoftLine()
	}
	b.mem.Write32(regs.RegID, regs.IDMagic)
	b.mem.Write32(regs.RegVersion, regs.Version)
	b.mem.Write32(regs.RegConfig, uint32(opts.Slots)|opts.Features&regs.ConfigFeatureMask)
	return b
}

// Line returns the interrupt line for line index n.
func (b *Bank) Line(n uint8) *hal.SoftLine {
	return b.lines[n]
}

func (b *Bank) Size() uint32 {
	return b.mem.Size()
}

func (b *Bank) Read32(offset uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	kind, n, reg := regs.Decode(offset)
	if kind != 'l' || n >= regs.MaxLines {
		return b.mem.Read32(offset)
	}
	switch reg {
	case regs.LineStatus:
		return (b.deliver[n] | b.ack[n]) & b.enable[n]
	case regs.LineEnable:
		return b.enable[n]
	case regs.LineDeliver:
		return b.deliver[n]
	case regs.LineAck:
		return b.ack[n]
	default:
		return 0
	}
}

func (b *Bank) Write32(offset uint32, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kind, n, reg := regs.Decode(offset)
	switch kind {
	case 'g':
		if offset == regs.RegHint {
			b.mem.Write32(offset, val)
		}
	case 'l':
		b.writeLine(n, reg, val)
	case 's':
		b.writeSlot(n, reg, offset, val)
	}
}

func (b *Bank) writeLine(n int, reg uint32, val uint32) {
	if n >= regs.MaxLines {
		return
	}
	switch reg {
	case regs.LineEnable:
		b.enable[n] = val
		b.raise(n)
	case regs.LineDeliverClr:
		b.deliver[n] &^= val
	case regs.LineAckClr:
		b.ack[n] &^= val
	}
}

func (b *Bank) writeSlot(s int, reg uint32, offset uint32, val uint32) {
	if s >= b.slots {
		return
	}
	bit := uint32(1) << s
	switch {
	case reg == regs.SlotOwner:
		owner := b.mem.Read32(offset)
		switch {
		case val == 0:
			b.mem.Write32(offset, 0)
			b.mem.Write32(regs.Slot(s, regs.SlotAckPend), 0)
			for i := range b.deliver {
				b.deliver[i] &^= bit
			}
		case owner == 0:
			b.mem.Write32(offset, val)
		}
	case reg == regs.SlotTrigger:
		b.trigger(s, val)
	case reg == regs.SlotAckPend:
	default:
		b.mem.Write32(offset, val)
	}
}

func (b *Bank) trigger(s int, val uint32) {
	bit := uint32(1) << s
	owner := b.mem.Read32(regs.Slot(s, regs.SlotOwner))
	if owner == 0 {
		return
	}

	switch val & 0xff {
	case regs.TriggerSend:
		dest := b.mem.Read32(regs.Slot(s, regs.SlotDest)) & (1<<regs.MaxLines - 1)
		b.mem.Write32(regs.Slot(s, regs.SlotAckPend), dest)
		for n := 0; n < regs.MaxLines; n++ {
			if dest&(1<<n) != 0 {
				b.deliver[n] |= bit
				b.raise(n)
			}
		}
	case regs.TriggerAck:
		line := (val >> 8) & 0xff
		pend := b.mem.Read32(regs.Slot(s, regs.SlotAckPend))
		if line >= regs.MaxLines || pend&(1<<line) == 0 {
			return
		}
		pend &^= 1 << line
		b.mem.Write32(regs.Slot(s, regs.SlotAckPend), pend)
		b.deliver[line] &^= bit

		mode := regs.AckMode(b.mem.Read32(regs.Slot(s, regs.SlotMode)))
		if src := int(owner - 1); src < regs.MaxLines && (mode == regs.AckManual || pend == 0) {
			b.ack[src] |= bit
			b.raise(src)
		}
	}
}

func (b *Bank) raise(n int) {
	if (b.deliver[n]|b.ack[n])&b.enable[n] != 0 {
		b.lines[n].Fire()
	}
}

// Barrier is a no-op: every access is serialized by the bank lock.
func (b *Bank) Barrier() {}

// Close is a no-op. The bank is shared by every core attached to it; Fabric.Close
// shuts the interrupt lines down.
func (b *Bank) Close() error {
	return nil
}

// Occupy marks the slots in slotMask as owned by line, as if a peer core had claimed them.
func (b *Bank) Occupy(slotMask uint32, line uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := 0; s < b.slots; s++ {
		if slotMask&(1<<s) != 0 {
			b.mem.Write32(regs.Slot(s, regs.SlotOwner), uint32(line)+1)
		}
	}
}

// Owner returns the raw ownership register of slot s.
func (b *Bank) Owner(s int) uint32 {
	return b.Read32(regs.Slot(s, regs.SlotOwner))
}

// Poke writes a register without side effects.
func (b *Bank) Poke(offset uint32, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mem.Write32(offset, val)
}

// Fabric is the set of instances of one simulated SoC.
type Fabric struct {
	banks []*Bank
	once  sync.Once
}

// NewFabric creates n instances with the same options.
func NewFabric(n int, opts Options) *Fabric {
	f := &Fabric{banks: make([]*Bank, n)}
	for i := range f.banks {
		f.banks[i] = NewBank(opts)
	}
	return f
}

// Bank returns instance i.
func (f *Fabric) Bank(i int) *Bank {
	return f.banks[i]
}

// Len returns the number of instances.
func (f *Fabric) Len() int {
	return len(f.banks)
}

// Close shuts down every interrupt line.
func (f *Fabric) Close() error {
	f.once.Do(func() {
		for _, b := range f.banks {
			for _, l := range b.lines {
				_ = l.Close()
			}
		}
	})
	return nil
}
