package ipc

import (
	"errors"
	"math/bits"

	"github.com/corebus/xmbox/kernel/mailbox"
	"github.com/corebus/xmbox/kernel/mailbox/regs"
	"github.com/corebus/xmbox/kernel/pool"
	"github.com/corebus/xmbox/kernel/utils"
	"github.com/corebus/xmbox/kernel/wire"
)

// service drains the event bitmap of one instance. Each pass handles at most as many
// events as the snapshot it started from; the loop ends when a snapshot is empty.
// Nothing here blocks beyond a record lock.
func (c *Core) service(i int) {
	in := c.instances[i]
	line := c.lineIDs[i]
	for {
		pending := in.Pending(line)
		if pending == 0 {
			return
		}
		for n := bits.OnesCount32(pending); n > 0; n-- {
			ev, ok := in.ReadEvent(line)
			if !ok {
				break
			}
			switch ev.Cause {
			case mailbox.CauseAck:
				c.completeSend(i, in, ev)
			case mailbox.CauseDelivery:
				c.deliver(i, in, line, ev)
			default:
				c.metrics.UnknownEvents.Inc()
				if c.throttled("unknown") {
					c.logger.Warn("Unclassified mailbox event",
						utils.Int("instance", i), utils.Int("slot", ev.Slot))
				}
			}
		}
	}
}

// completeSend handles an acknowledgment for one of our sends.
func (c *Core) completeSend(i int, in *mailbox.Instance, ev mailbox.Event) {
	mb := c.pool.At(c.pool.TicketOf(i, ev.Slot))
	if mb == nil {
		return
	}
	c.metrics.Acks.Inc()

	mb.Lock()
	defer mb.Unlock()

	switch mb.Src.State {
	case pool.SourceWaitResponse, pool.SourceWaitNonPosted, pool.SourceWaitInterrupted:
		if mb.Src.Desc.Ack == regs.AckManual {
			in.Load(ev.Slot, mb.Src.Frame[:])
			if h, err := mb.Src.Frame.Header(); err == nil {
				mb.Src.RemoteErr = h.Error
			}
		}
		mb.Src.Completed = true
		mb.Signal()
	case pool.SourceWaitPosted, pool.SourceWaitNoResponse:
		in.Release(mb.Src.Desc)
		mb.ReleaseSource()
	default:
		c.lateAcks.Add(1)
		c.metrics.LateAcks.Inc()
		if c.throttled("late-ack") {
			c.logger.Warn("Dropped late acknowledgment",
				utils.Int("instance", i), utils.Int("slot", ev.Slot),
				utils.String("state", mb.Src.State.String()))
		}
	}
}

// deliver records an inbound frame and either runs a high-priority handler inline or
// schedules the deferred context.
func (c *Core) deliver(i int, in *mailbox.Instance, line uint8, ev mailbox.Event) {
	mb := c.pool.At(c.pool.TicketOf(i, ev.Slot))
	if mb == nil {
		return
	}
	from, ok := c.table.CoreAt(i, ev.Source)
	if !ok {
		from = -1
	}
	desc := mailbox.Descriptor{Instance: i, Slot: ev.Slot, Line: line, Ack: ev.Ack}

	mb.Lock()
	// A bound receive side means the sender released the slot and sent again: the old
	// frame is abandoned whether or not anyone claimed it.
	if prev := mb.Tgt.State; mb.Supersede() {
		c.metrics.Superseded.Inc()
		if c.throttled("superseded") {
			c.logger.Debug("Superseded unanswered delivery",
				utils.Int("instance", i), utils.Int("slot", ev.Slot), utils.String("state", prev.String()))
		}
	}
	if err := mb.BindTarget(desc, from); err != nil {
		mb.Unlock()
		c.logger.Error("Bind on a freed receive side", utils.Err(err))
		return
	}

	in.Load(ev.Slot, mb.Tgt.Frame[:])
	h, err := mb.Tgt.Frame.Header()
	if err != nil || h.Mode == wire.ModeCommandResponse {
		c.metrics.Malformed.Inc()
		if c.throttled("malformed") {
			c.logger.Warn("Rejected malformed frame",
				utils.Int("instance", i), utils.Int("slot", ev.Slot),
				utils.Hex32("header", uint32(mb.Tgt.Frame[wire.HeaderOffset])))
		}
		_ = in.Reply(desc, errorFrame(h))
		mb.ReleaseTarget()
		mb.Unlock()
		return
	}
	mb.Tgt.Mode = h.Mode
	mb.Tgt.Channel = h.Channel
	if h.Mode == wire.ModeQueue {
		mb.Tgt.Subchannel = mb.Tgt.Frame.Subchannel()
	}
	mb.Unlock()

	c.metrics.Received.WithLabelValues(h.Mode.String()).Inc()
	if c.runInline(mb, h) {
		return
	}
	c.deferred.Schedule(int(mb.Ticket))
}

// runInline serves a delivery on a high-priority channel from the interrupt loop. It
// reports false when the channel has no inline handler or is demoted.
func (c *Core) runInline(mb *pool.Mailbox, h wire.Header) bool {
	switch h.Mode {
	case wire.ModeCommand:
		slot := c.registry.command(h.Channel)
		if slot == nil || slot.priority != PriorityHigh {
			return false
		}
		_, ran, _ := c.inline.run(h.Mode, h.Channel, func() ([]byte, error) {
			msg := c.claimKernel(mb)
			reply, err := slot.inline.HandleCommandInline(msg)
			c.respond(mb, msg.binding, reply, err)
			return reply, err
		})
		return ran
	case wire.ModeNotification:
		slot := c.registry.notification(h.Channel)
		if slot == nil || slot.priority != PriorityHigh {
			return false
		}
		_, ran, _ := c.inline.run(h.Mode, h.Channel, func() ([]byte, error) {
			msg := c.claimKernel(mb)
			err := slot.inline.HandleNotificationInline(msg)
			c.ackClaimed(mb, msg.binding, err != nil)
			return nil, err
		})
		return ran
	}
	return false
}

// runDeferred is the work queue task for one record. Routing and claiming happen under
// the record lock so a superseding delivery cannot slip in between.
func (c *Core) runDeferred(key int) {
	mb := c.pool.At(pool.Ticket(key))
	if mb == nil {
		return
	}

	var (
		msg      Message
		command  *commandSlot
		notify   *notificationSlot
		listener QueueListener
		owner    *pool.ClientID
		offered  bool
		platform bool
	)

	mb.Lock()
	if mb.Tgt.State != pool.TargetPending || mb.Tgt.Offered {
		mb.Unlock()
		return
	}
	mode, channel, sub := mb.Tgt.Mode, mb.Tgt.Channel, mb.Tgt.Subchannel
	switch mode {
	case wire.ModeCommand:
		if channel == PlatformChannel {
			// Ops the built-in handlers do not serve go to channel 0 waiters.
			platform = c.platform.handles(mode, mb.Tgt.Frame.Payload(mode)[0])
			offered = !platform
		} else {
			command = c.registry.command(channel)
			offered = command == nil
		}
	case wire.ModeNotification:
		if channel == PlatformChannel {
			platform = c.platform.handles(mode, mb.Tgt.Frame.Payload(mode)[0])
			offered = !platform
		} else {
			notify = c.registry.notification(channel)
			offered = notify == nil
		}
	case wire.ModeQueue:
		listener, owner = c.registry.queueRoute(channel, sub)
		offered = listener == nil && owner != nil
		if listener == nil && owner == nil {
			c.discardTarget(mb)
			mb.Unlock()
			if c.throttled("discard") {
				c.logger.Debug("Discarded unregistered queue frame",
					utils.Int("channel", int(channel)), utils.Int("subchannel", int(sub)))
			}
			return
		}
	}
	if offered {
		mb.Tgt.Offered = true
		mb.Tgt.OfferedTo = owner
	} else {
		msg = c.claimLocked(mb)
	}
	mb.Unlock()

	if offered {
		if ep := c.offer(mode, channel); ep != nil {
			ep.Increment()
		}
		// The registrant may have left between routing and offering.
		if owner != nil {
			if cur, ok := c.registry.registrant(channel, sub); !ok || cur != *owner {
				c.discardOffered(*owner, func(m *pool.Mailbox) bool { return m.Ticket == mb.Ticket })
			}
		}
		return
	}

	switch {
	case platform && mode == wire.ModeCommand:
		reply, err := c.platform.serveCommand(msg)
		c.respond(mb, msg.binding, reply, err)
	case platform:
		c.platform.serveNotification(msg)
		c.ackClaimed(mb, msg.binding, false)
	case command != nil:
		var reply []byte
		var err error
		if command.priority == PriorityHigh {
			reply, err = command.inline.HandleCommandInline(msg)
		} else {
			reply, err = command.normal.HandleCommand(c.ctx, msg)
		}
		c.respond(mb, msg.binding, reply, err)
	case notify != nil:
		var err error
		if notify.priority == PriorityHigh {
			err = notify.inline.HandleNotificationInline(msg)
		} else {
			err = notify.normal.HandleNotification(c.ctx, msg)
		}
		c.ackClaimed(mb, msg.binding, err != nil)
	case listener != nil:
		c.ackClaimed(mb, msg.binding, false)
		listener.HandleQueue(msg)
	}
}

// claimKernel claims a pending record for an in-process handler.
func (c *Core) claimKernel(mb *pool.Mailbox) Message {
	mb.Lock()
	defer mb.Unlock()
	return c.claimLocked(mb)
}

// claimLocked claims the receive side for the kernel. The record must be locked.
func (c *Core) claimLocked(mb *pool.Mailbox) Message {
	if err := mb.MoveTarget(pool.TargetClaimed); err != nil {
		c.logger.Error("Claim failed", utils.Err(err))
	}
	mb.Tgt.Owner = pool.Kernel
	mb.Tgt.Kind = pool.Direct
	return message(mb)
}

// message snapshots the receive side. The record must be locked.
func message(mb *pool.Mailbox) Message {
	h, _ := mb.Tgt.Frame.Header()
	return Message{
		Ticket:     mb.Ticket,
		From:       mb.Tgt.From,
		Mode:       mb.Tgt.Mode,
		Channel:    mb.Tgt.Channel,
		Subchannel: mb.Tgt.Subchannel,
		Payload:    mb.Tgt.Frame.Payload(mb.Tgt.Mode),
		Error:      h.Error,
		binding:    mb.Binding(),
	}
}

// respond answers a claimed command. Handler errors set the error flag; a reply that
// does not fit is replaced by an empty error reply.
func (c *Core) respond(mb *pool.Mailbox, binding uint64, reply []byte, herr error) {
	mb.Lock()
	defer mb.Unlock()
	if !c.current(mb, binding) {
		return
	}
	h := wire.Header{Channel: mb.Tgt.Channel, Mode: wire.ModeCommandResponse, Error: herr != nil}
	frame, err := wire.Build(h, 0, reply)
	if err != nil {
		c.logger.Warn("Reply dropped", utils.Int("channel", int(h.Channel)), utils.Err(err))
		h.Error = true
		frame, _ = wire.Build(h, 0, nil)
	}
	_ = c.replyTarget(mb, frame, pool.TargetResponded)
}

// ackClaimed acknowledges a claimed notification or queue frame with the header only.
func (c *Core) ackClaimed(mb *pool.Mailbox, binding uint64, failed bool) {
	mb.Lock()
	defer mb.Unlock()
	if !c.current(mb, binding) {
		return
	}
	frame, _ := wire.Build(wire.Header{Channel: mb.Tgt.Channel, Mode: mb.Tgt.Mode, Error: failed}, 0, nil)
	_ = c.replyTarget(mb, frame, pool.TargetAcked)
}

// current reports whether the claim taken at binding still holds the receive side. A
// superseded claim's answer is dropped and counted. The record must be locked.
func (c *Core) current(mb *pool.Mailbox, binding uint64) bool {
	if mb.Binding() == binding && mb.Tgt.State == pool.TargetClaimed {
		return true
	}
	c.metrics.LateReplies.Inc()
	return false
}

// replyTarget writes the reply, moves through via and frees the receive side. A
// sender that already released the slot gets nothing; the reply is counted as late
// and mailbox.ErrSenderGone returned. The record must be locked.
func (c *Core) replyTarget(mb *pool.Mailbox, frame wire.Frame, via pool.TargetState) error {
	in, err := c.instance(mb.Instance)
	if err != nil {
		return err
	}
	rerr := in.Reply(mb.Tgt.Desc, frame[:])
	if errors.Is(rerr, mailbox.ErrSenderGone) {
		c.metrics.LateReplies.Inc()
	}
	if err := mb.MoveTarget(via); err != nil {
		c.logger.Error("Reply on unclaimed mailbox", utils.Err(err))
	}
	mb.ReleaseTarget()
	return rerr
}

// discardTarget acknowledges and drops a pending frame. The record must be locked.
func (c *Core) discardTarget(mb *pool.Mailbox) {
	in, err := c.instance(mb.Instance)
	if err != nil {
		return
	}
	frame, _ := wire.Build(wire.Header{Channel: mb.Tgt.Channel, Mode: mb.Tgt.Mode}, 0, nil)
	_ = in.Reply(mb.Tgt.Desc, frame[:])
	if err := mb.MoveTarget(pool.TargetFree); err != nil {
		c.logger.Error("Discard on claimed mailbox", utils.Err(err))
	}
	mb.ReleaseTarget()
	c.discards.Add(1)
	c.metrics.Discards.Inc()
}

// discardOffered drops every frame still offered to owner that match accepts.
func (c *Core) discardOffered(owner pool.ClientID, match func(*pool.Mailbox) bool) int {
	n := 0
	c.pool.Lock()
	defer c.pool.Unlock()
	c.pool.Each(func(mb *pool.Mailbox) bool {
		t := &mb.Tgt
		if t.State == pool.TargetPending && t.Offered && t.OfferedTo != nil && *t.OfferedTo == owner && match(mb) {
			c.discardTarget(mb)
			n++
		}
		return true
	})
	return n
}

func errorFrame(h wire.Header) []byte {
	h.Error = true
	var f wire.Frame
	f.SetHeader(h)
	return f[:]
}
