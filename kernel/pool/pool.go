// Package pool owns one record per hardware slot across every instance. A record's index
// is its ticket. Each record tracks its send side and receive side independently so a
// core can message itself through a single slot.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/corebus/xmbox/kernel/mailbox"
	"github.com/corebus/xmbox/kernel/wire"
)

// Ticket identifies a mailbox record.
type Ticket uint16

// NoTicket is the zero-value placeholder for "no mailbox".
const NoTicket Ticket = 0xffff

// ClientID identifies the owner of a side. Kernel is used by in-process handlers.
type ClientID uint32

const Kernel ClientID = 0

// ClientKind tells how a side's owner consumes completions.
type ClientKind uint8

const (
	// Direct owners are in-process callers.
	Direct ClientKind = iota
	// FrontEnd owners are clients of the control interface and can be swept on exit.
	FrontEnd
)

var ErrBadTransition = errors.New("pool: illegal state transition")

// Source is the send side of a record.
type Source struct {
	State    SourceState
	Resume   SourceState // state to return to after an interrupted wait
	Owner    ClientID
	Kind     ClientKind
	Restarts uint32
	Desc     mailbox.Descriptor
	Mode     wire.Mode
	Channel  uint8
	Cores    uint32 // destination cores served by this record
	Frame    wire.Frame

	Completed bool // acknowledgment observed; Frame holds the reply
	RemoteErr bool
	Swept     bool  // owner exited while the record was in flight
	Carry     error // outcome of earlier records in the same send, kept across a restart

	done chan struct{}
	gen  uint64
}

// Target is the receive side of a record.
type Target struct {
	State      TargetState
	Owner      ClientID
	Kind       ClientKind
	Restarts   uint32
	Desc       mailbox.Descriptor
	Mode       wire.Mode
	Channel    uint8
	Subchannel uint8
	From       int // source core
	Frame      wire.Frame

	// Offered is set once deferred dispatch hands the record to waiters. Only offered
	// records may be claimed by WaitReceive calls.
	Offered bool
	// OfferedTo restricts the claim to one front-end registrant (queue mode).
	OfferedTo *ClientID

	gen uint64
}

// Mailbox is one record. Fields are guarded by the embedded mutex.
type Mailbox struct {
	sync.Mutex

	Ticket   Ticket
	Instance int
	Slot     int

	Src Source
	Tgt Target

	// parked holds owner+1 while the send side is WaitInterrupted.
	parked atomic.Uint32
}

// MoveSource applies a send side transition.
func (mb *Mailbox) MoveSource(next SourceState) error {
	if !mb.Src.State.CanTransition(next) {
		return fmt.Errorf("%w: ticket %d source %s -> %s", ErrBadTransition, mb.Ticket, mb.Src.State, next)
	}
	mb.Src.State = next
	return nil
}

// MoveTarget applies a receive side transition.
func (mb *Mailbox) MoveTarget(next TargetState) error {
	if !mb.Tgt.State.CanTransition(next) {
		return fmt.Errorf("%w: ticket %d target %s -> %s", ErrBadTransition, mb.Ticket, mb.Tgt.State, next)
	}
	mb.Tgt.State = next
	return nil
}

// BindSource claims the send side for owner. The side must be free.
func (mb *Mailbox) BindSource(owner ClientID, kind ClientKind, desc mailbox.Descriptor, state SourceState) error {
	if mb.Src.State != SourceFree {
		return fmt.Errorf("%w: ticket %d source busy (%s)", ErrBadTransition, mb.Ticket, mb.Src.State)
	}
	restarts := mb.Src.Restarts
	gen := mb.Src.gen + 1
	mb.Src = Source{
		Owner:    owner,
		Kind:     kind,
		Desc:     desc,
		Restarts: restarts,
		done:     make(chan struct{}, 1),
		gen:      gen,
	}
	mb.parked.Store(0)
	return mb.MoveSource(state)
}

// ReleaseSource returns the send side to Free. Restart counters survive.
func (mb *Mailbox) ReleaseSource() {
	mb.Src.State = SourceFree
	mb.Src.Owner = Kernel
	mb.Src.Carry = nil
	mb.parked.Store(0)
}

// Done returns the completion channel of the current binding.
func (mb *Mailbox) Done() <-chan struct{} {
	return mb.Src.done
}

// Generation identifies the current binding of the send side.
func (mb *Mailbox) Generation() uint64 {
	return mb.Src.gen
}

// Signal wakes the sender without blocking.
func (mb *Mailbox) Signal() {
	select {
	case mb.Src.done <- struct{}{}:
	default:
	}
}

// BindTarget records an inbound delivery. The side must be free.
func (mb *Mailbox) BindTarget(desc mailbox.Descriptor, from int) error {
	if err := mb.MoveTarget(TargetPending); err != nil {
		return err
	}
	restarts := mb.Tgt.Restarts
	gen := mb.Tgt.gen + 1
	mb.Tgt = Target{
		State:    TargetPending,
		Restarts: restarts,
		Desc:     desc,
		From:     from,
		gen:      gen,
	}
	return nil
}

// Binding identifies the current delivery on the receive side. A claimant compares it
// before answering to learn whether its delivery was superseded.
func (mb *Mailbox) Binding() uint64 {
	return mb.Tgt.gen
}

// Supersede drops a receive side that was never answered because its sender released
// the slot and sent again. It counts a target restart and reports whether anything
// was dropped.
func (mb *Mailbox) Supersede() bool {
	if mb.Tgt.State == TargetFree {
		return false
	}
	mb.Tgt.Restarts++
	mb.ReleaseTarget()
	return true
}

// ReleaseTarget returns the receive side to Free.
func (mb *Mailbox) ReleaseTarget() {
	mb.Tgt.State = TargetFree
	mb.Tgt.Owner = Kernel
	mb.Tgt.Offered = false
	mb.Tgt.OfferedTo = nil
}

// Park marks the send side interrupted on behalf of owner.
func (mb *Mailbox) Park(owner ClientID) error {
	prev := mb.Src.State
	if err := mb.MoveSource(SourceWaitInterrupted); err != nil {
		return err
	}
	mb.Src.Resume = prev
	mb.parked.Store(uint32(owner) + 1)
	return nil
}

// Resume returns an interrupted send side to the wait it was parked from. It fails
// unless owner parked it.
func (mb *Mailbox) Resume(owner ClientID) error {
	if mb.Src.State != SourceWaitInterrupted || !mb.Unpark(owner) {
		return fmt.Errorf("%w: ticket %d not parked by client %d", ErrBadTransition, mb.Ticket, owner)
	}
	mb.Src.Restarts++
	return mb.MoveSource(mb.Src.Resume)
}

// ParkedBy returns the owner of an interrupted send side.
func (mb *Mailbox) ParkedBy() (ClientID, bool) {
	tag := mb.parked.Load()
	if tag == 0 {
		return 0, false
	}
	return ClientID(tag - 1), true
}

// Unpark clears the parked tag if owner holds it.
func (mb *Mailbox) Unpark(owner ClientID) bool {
	return mb.parked.CompareAndSwap(uint32(owner)+1, 0)
}

// InUse reports whether either side is held.
func (mb *Mailbox) InUse() bool {
	return mb.Src.State != SourceFree || mb.Tgt.State != TargetFree
}

// Pool is the fixed record array.
type Pool struct {
	mu        sync.Mutex
	slots     int
	instances int
	boxes     []Mailbox
}

// New creates instances*slots free records.
func New(instances, slots int) *Pool {
	p := &Pool{
		slots:     slots,
		instances: instances,
		boxes:     make([]Mailbox, instances*slots),
	}
	for i := range p.boxes {
		mb := &p.boxes[i]
		mb.Ticket = Ticket(i)
		mb.Instance = i / slots
		mb.Slot = i % slots
	}
	return p
}

// Lock takes the pool lock used for scans and multi-record acquisition. It must be
// taken before any record lock.
func (p *Pool) Lock() {
	p.mu.Lock()
}

func (p *Pool) Unlock() {
	p.mu.Unlock()
}

// Len returns the number of records.
func (p *Pool) Len() int {
	return len(p.boxes)
}

// SlotsPerInstance returns the record count of each instance.
func (p *Pool) SlotsPerInstance() int {
	return p.slots
}

// Instances returns the instance count.
func (p *Pool) Instances() int {
	return p.instances
}

// At returns the record for t, or nil.
func (p *Pool) At(t Ticket) *Mailbox {
	if int(t) >= len(p.boxes) {
		return nil
	}
	return &p.boxes[t]
}

// TicketOf maps a slot to its ticket.
func (p *Pool) TicketOf(instance, slot int) Ticket {
	if instance < 0 || instance >= p.instances || slot < 0 || slot >= p.slots {
		return NoTicket
	}
	return Ticket(instance*p.slots + slot)
}

// Locate maps a ticket back to its slot.
func (p *Pool) Locate(t Ticket) (instance, slot int, ok bool) {
	if int(t) >= len(p.boxes) {
		return 0, 0, false
	}
	return int(t) / p.slots, int(t) % p.slots, true
}

// Each calls fn for every record, with the record locked, until fn returns false.
// The caller must hold the pool lock.
func (p *Pool) Each(fn func(mb *Mailbox) bool) {
	for i := range p.boxes {
		mb := &p.boxes[i]
		mb.Lock()
		more := fn(mb)
		mb.Unlock()
		if !more {
			return
		}
	}
}

// Parked returns the interrupted send sides held by owner, optionally filtered by mode.
func (p *Pool) Parked(owner ClientID, mode *wire.Mode) []Ticket {
	var out []Ticket
	for i := range p.boxes {
		mb := &p.boxes[i]
		if who, ok := mb.ParkedBy(); !ok || who != owner {
			continue
		}
		mb.Lock()
		if mb.Src.State == SourceWaitInterrupted && (mode == nil || mb.Src.Mode == *mode) {
			out = append(out, mb.Ticket)
		}
		mb.Unlock()
	}
	return out
}

// InUse returns the bitmap of held slots on instance. With a filter only sides owned
// by that client count.
func (p *Pool) InUse(instance int, filter *ClientID) uint32 {
	var m uint32
	for s := 0; s < p.slots; s++ {
		t := p.TicketOf(instance, s)
		if t == NoTicket {
			break
		}
		mb := &p.boxes[t]
		mb.Lock()
		held := mb.InUse()
		if held && filter != nil {
			held = (mb.Src.State != SourceFree && mb.Src.Owner == *filter) ||
				(mb.Tgt.State != TargetFree && mb.Tgt.Owner == *filter)
		}
		mb.Unlock()
		if held {
			m |= 1 << s
		}
	}
	return m
}

// InUseCount returns how many records have either side held.
func (p *Pool) InUseCount() int {
	n := 0
	for i := range p.boxes {
		mb := &p.boxes[i]
		mb.Lock()
		if mb.InUse() {
			n++
		}
		mb.Unlock()
	}
	return n
}

// Restarts sums the restart counters of both sides.
func (p *Pool) Restarts() (source, target uint64) {
	for i := range p.boxes {
		mb := &p.boxes[i]
		mb.Lock()
		source += uint64(mb.Src.Restarts)
		target += uint64(mb.Tgt.Restarts)
		mb.Unlock()
	}
	return source, target
}
