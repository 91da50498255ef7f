// Package mailbox drives one physical mailbox interconnect instance: claiming and
// releasing slots, loading and unloading payload words, triggering sends and
// acknowledgments, and classifying hardware events. It knows nothing about protocols.
package mailbox

import (
	"errors"
	"math/bits"
	"sync"

	"github.com/corebus/xmbox/kernel/hal"
	"github.com/corebus/xmbox/kernel/mailbox/regs"
	"github.com/corebus/xmbox/kernel/utils"
)

// MaxInstances is the number of interconnect blocks a SoC may carry.
const MaxInstances = 5

// DefaultAcquirePasses bounds the contention loop inside one Acquire call.
const DefaultAcquirePasses = 3

var (
	ErrDeviceInvalid      = errors.New("mailbox: device identity mismatch")
	ErrDeviceDisabled     = errors.New("mailbox: instance not initialized")
	ErrChannelUnavailable = errors.New("mailbox: source interrupt id not owned by this core")
	ErrMailboxUnavailable = errors.New("mailbox: no free mailbox")
	ErrNotOwner           = errors.New("mailbox: slot not claimed by this source")
	ErrSenderGone         = errors.New("mailbox: sender released the slot")
)

// Cause classifies a hardware event.
type Cause uint8

const (
	CauseUnknown Cause = iota
	CauseDelivery
	CauseAck
)

func (c Cause) String() string {
	switch c {
	case CauseDelivery:
		return "delivery"
	case CauseAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Descriptor names one slot as seen from one interrupt line.
type Descriptor struct {
	Instance int
	Slot     int
	Line     uint8
	Ack      regs.AckMode
}

// Event is one classified hardware event.
type Event struct {
	Slot   int
	Cause  Cause
	Ack    regs.AckMode
	Source uint8 // line that owns the slot
}

// Instance is this core's view of one interconnect block.
type Instance struct {
	id     int
	bank   hal.RegisterBank
	logger *utils.Logger

	mu         sync.Mutex
	ready      bool
	slots      int
	slotMask   uint32
	sourceMask uint32
	claimed    [regs.MaxLines]uint32
	fast       bool
	autoAck    bool
	passes     int
}

// New wraps a register bank. The instance stays unusable until Initialize succeeds.
func New(id int, bank hal.RegisterBank, logger *utils.Logger) *Instance {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Instance{
		id:     id,
		bank:   bank,
		logger: logger.With(utils.Int("instance", id)),
		passes: DefaultAcquirePasses,
	}
}

// ID returns the instance number.
func (in *Instance) ID() int {
	return in.id
}

// SetAcquirePasses overrides the contention loop bound.
func (in *Instance) SetAcquirePasses(n int) {
	if n < 1 {
		n = 1
	}
	in.mu.Lock()
	in.passes = n
	in.mu.Unlock()
}

// Initialize validates the block and takes ownership of the lines in sourceMask.
//
// Slots in slotMask still owned by one of our lines are left over from a previous
// driver instance and are reset. Slots owned by a peer line are left untouched: the
// peer may have a boot-time message in flight.
func (in *Instance) Initialize(sourceMask, slotMask uint32) error {
	if in.bank.Size() < regs.Span {
		return ErrDeviceInvalid
	}
	id := in.bank.Read32(regs.RegID)
	version := in.bank.Read32(regs.RegVersion)
	if id != regs.IDMagic || version>>16 != regs.Version>>16 {
		in.logger.Error("Identity registers do not match",
			utils.Hex32("id", id), utils.Hex32("version", version))
		return ErrDeviceInvalid
	}

	config := in.bank.Read32(regs.RegConfig)
	slots := int(config & regs.ConfigSlotMask)
	if slots == 0 || slots > regs.MaxSlots {
		return ErrDeviceInvalid
	}
	slotMask &= uint32(uint64(1)<<slots - 1)
	sourceMask &= 1<<regs.MaxLines - 1

	in.mu.Lock()
	defer in.mu.Unlock()

	reset := 0
	for s := 0; s < slots; s++ {
		if slotMask&(1<<s) == 0 {
			continue
		}
		owner := in.bank.Read32(regs.Slot(s, regs.SlotOwner))
		if owner == 0 || sourceMask&(1<<(owner-1)) == 0 {
			continue
		}
		in.bank.Write32(regs.Slot(s, regs.SlotOwner), 0)
		in.bank.Write32(regs.Line(uint8(owner-1), regs.LineAckClr), 1<<s)
		reset++
	}

	for line := uint8(0); line < regs.MaxLines; line++ {
		if sourceMask&(1<<line) != 0 {
			in.bank.Write32(regs.Line(line, regs.LineEnable), slotMask)
		}
	}

	in.slots = slots
	in.slotMask = slotMask
	in.sourceMask = sourceMask
	in.claimed = [regs.MaxLines]uint32{}
	in.fast = config&regs.FeatureFastAcquire != 0
	in.autoAck = config&regs.FeatureAutoAck != 0
	if in.fast {
		in.bank.Write32(regs.RegHint, 0)
	}
	in.ready = true

	in.logger.Info("Instance initialized",
		utils.Int("slots", slots),
		utils.Hex32("slot_mask", slotMask),
		utils.Hex32("source_mask", sourceMask),
		utils.Bool("fast_acquire", in.fast),
		utils.Int("reset", reset))
	return nil
}

// Ready reports whether Initialize succeeded.
func (in *Instance) Ready() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ready
}

// Slots returns the number of slots the block implements.
func (in *Instance) Slots() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.slots
}

// Acquire claims a free slot for source line. A multicast targetMask forces
// auto-acknowledge mode.
func (in *Instance) Acquire(line uint8, targetMask uint32) (Descriptor, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.ready {
		return Descriptor{}, ErrDeviceDisabled
	}
	if line >= regs.MaxLines || in.sourceMask&(1<<line) == 0 || targetMask == 0 {
		return Descriptor{}, ErrChannelUnavailable
	}

	ack := regs.AckManual
	if bits.OnesCount32(targetMask) > 1 {
		if !in.autoAck {
			return Descriptor{}, ErrChannelUnavailable
		}
		ack = regs.AckAuto
	}

	start := 0
	if in.fast {
		if hint := in.bank.Read32(regs.RegHint); hint != 0 && int(hint) <= in.slots {
			start = int(hint) - 1
		}
	}

	for pass := 0; pass < in.passes; pass++ {
		for i := 0; i < in.slots; i++ {
			s := (start + i) % in.slots
			bit := uint32(1) << s
			if in.slotMask&bit == 0 || in.claimed[line]&bit != 0 {
				continue
			}
			if in.claimLocked(s, line) {
				in.claimed[line] |= bit
				return Descriptor{Instance: in.id, Slot: s, Line: line, Ack: ack}, nil
			}
		}
	}
	return Descriptor{}, ErrMailboxUnavailable
}

// claimLocked writes the ownership register and reads it back. Another core may have
// won the slot between our read and our write; the read-back is authoritative.
func (in *Instance) claimLocked(s int, line uint8) bool {
	owner := regs.Slot(s, regs.SlotOwner)
	if in.bank.Read32(owner) != 0 {
		return false
	}
	in.bank.Write32(owner, uint32(line)+1)
	in.bank.Barrier()
	return in.bank.Read32(owner) == uint32(line)+1
}

// Send loads data into the slot and triggers delivery to targetMask. The trigger is
// written last, behind a barrier, so no target can observe a partial frame.
func (in *Instance) Send(d Descriptor, targetMask uint32, data []byte) error {
	if err := in.checkOwner(d); err != nil {
		return err
	}
	in.storeData(d.Slot, data)
	in.bank.Write32(regs.Slot(d.Slot, regs.SlotDest), targetMask)
	in.bank.Write32(regs.Slot(d.Slot, regs.SlotMode), uint32(d.Ack))
	in.bank.Barrier()
	in.bank.Write32(regs.Slot(d.Slot, regs.SlotTrigger), regs.TriggerSend)
	return nil
}

// Reply acknowledges a delivered slot from target line d.Line. In manual mode data is
// written back first; in auto mode the payload is skipped. Once the sender has released
// the slot nothing is written and ErrSenderGone is returned.
func (in *Instance) Reply(d Descriptor, data []byte) error {
	// A released slot has no owner; writing now would land in the next sender's data.
	if in.bank.Read32(regs.Slot(d.Slot, regs.SlotOwner)) == 0 {
		return ErrSenderGone
	}
	if d.Ack == regs.AckManual {
		in.storeData(d.Slot, data)
		in.bank.Barrier()
	}
	in.bank.Write32(regs.Slot(d.Slot, regs.SlotTrigger), regs.AckTrigger(d.Line))
	return nil
}

// Load copies the slot payload into buf.
func (in *Instance) Load(slot int, buf []byte) {
	var word [4]byte
	for w := 0; w < regs.DataWords && w*4 < len(buf); w++ {
		v := in.bank.Read32(regs.Data(slot, w))
		word[0], word[1], word[2], word[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		copy(buf[w*4:], word[:])
	}
}

func (in *Instance) storeData(slot int, data []byte) {
	if len(data) > regs.DataBytes {
		data = data[:regs.DataBytes]
	}
	for w := 0; w*4 < len(data); w++ {
		var word [4]byte
		copy(word[:], data[w*4:])
		v := uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
		in.bank.Write32(regs.Data(slot, w), v)
	}
}

// Pending returns the raw event bitmap for line, restricted to enabled slots.
func (in *Instance) Pending(line uint8) uint32 {
	return in.bank.Read32(regs.Line(line, regs.LineStatus)) & in.enabled()
}

// ReadEvent classifies the lowest pending event on line and clears it. ok is false
// when nothing is pending.
func (in *Instance) ReadEvent(line uint8) (ev Event, ok bool) {
	pending := in.Pending(line)
	if pending == 0 {
		return Event{}, false
	}
	s := bits.TrailingZeros32(pending)
	bit := uint32(1) << s

	ev.Slot = s
	ev.Ack = regs.AckMode(in.bank.Read32(regs.Slot(s, regs.SlotMode)))
	if owner := in.bank.Read32(regs.Slot(s, regs.SlotOwner)); owner != 0 {
		ev.Source = uint8(owner - 1)
	}

	switch {
	case in.bank.Read32(regs.Line(line, regs.LineDeliver))&bit != 0:
		ev.Cause = CauseDelivery
		in.bank.Write32(regs.Line(line, regs.LineDeliverClr), bit)
	case in.bank.Read32(regs.Line(line, regs.LineAck))&bit != 0:
		ev.Cause = CauseAck
		in.bank.Write32(regs.Line(line, regs.LineAckClr), bit)
	default:
		ev.Cause = CauseUnknown
		in.bank.Write32(regs.Line(line, regs.LineDeliverClr), bit)
		in.bank.Write32(regs.Line(line, regs.LineAckClr), bit)
	}
	return ev, true
}

// Release drops our claim on the slot and records it as the next acquisition hint.
func (in *Instance) Release(d Descriptor) {
	in.mu.Lock()
	defer in.mu.Unlock()

	bit := uint32(1) << d.Slot
	if d.Line < regs.MaxLines {
		in.claimed[d.Line] &^= bit
		// Drop an acknowledgment that raced the release so it cannot complete the
		// next owner's send.
		in.bank.Write32(regs.Line(d.Line, regs.LineAckClr), bit)
	}
	owner := regs.Slot(d.Slot, regs.SlotOwner)
	if in.bank.Read32(owner) == uint32(d.Line)+1 {
		in.bank.Write32(owner, 0)
	}
	if in.fast {
		in.bank.Write32(regs.RegHint, uint32(d.Slot)+1)
	}
}

// Claimed returns the slots currently held by source line.
func (in *Instance) Claimed(line uint8) uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	if line >= regs.MaxLines {
		return 0
	}
	return in.claimed[line]
}

func (in *Instance) checkOwner(d Descriptor) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.ready {
		return ErrDeviceDisabled
	}
	if d.Line >= regs.MaxLines || in.claimed[d.Line]&(1<<d.Slot) == 0 {
		return ErrNotOwner
	}
	return nil
}

func (in *Instance) enabled() uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.slotMask
}
