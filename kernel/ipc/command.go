package ipc

import (
	"context"
	"errors"
	"time"

	"github.com/corebus/xmbox/kernel/config"
	"github.com/corebus/xmbox/kernel/mailbox"
	"github.com/corebus/xmbox/kernel/pool"
	"github.com/corebus/xmbox/kernel/utils"
	"github.com/corebus/xmbox/kernel/wire"
)

// checkChannelRange rejects channels outside the header field. Any client may send
// and wait on the platform channel; only handler registration is reserved.
func checkChannelRange(channel uint8) error {
	if channel >= wire.MaxChannels {
		return errMalformed("channel out of range", wire.ErrBadChannel).WithContext("channel", channel)
	}
	return nil
}

// sendCommand acquires one mailbox toward dst and triggers it. state is WaitResponse
// for a call and WaitNoResponse for a post; it is set before the trigger so the
// acknowledgment can never race the bookkeeping.
func (c *Core) sendCommand(cl *Client, channel uint8, dst int, payload []byte, state pool.SourceState) (pool.Ticket, error) {
	if err := c.running(); err != nil {
		return pool.NoTicket, err
	}
	if err := checkChannelRange(channel); err != nil {
		return pool.NoTicket, err
	}
	if dst < 0 || dst >= config.MaxCores {
		return pool.NoTicket, errNoRoute(0, nil).WithContext("dst", dst)
	}
	frame, err := wire.Build(wire.Header{Channel: channel, Mode: wire.ModeCommand}, 0, payload)
	if err != nil {
		return pool.NoTicket, errMalformed("command payload", err)
	}
	r, err := c.table.Compute(1 << uint(dst))
	if err != nil {
		return pool.NoTicket, errNoRoute(1<<uint(dst), err)
	}
	hop := r.Hops[0]
	in, err := c.instance(hop.Instance)
	if err != nil {
		return pool.NoTicket, err
	}

	c.pool.Lock()
	defer c.pool.Unlock()

	d, err := in.Acquire(hop.Line(), hop.TargetMask)
	if err != nil {
		return pool.NoTicket, c.acquireError(hop.Instance, err)
	}
	mb := c.pool.At(c.pool.TicketOf(hop.Instance, d.Slot))
	mb.Lock()
	defer mb.Unlock()

	if err := mb.BindSource(cl.id, cl.kind, d, pool.SourceSent); err != nil {
		in.Release(d)
		c.logger.Error("Hardware slot free but record held", utils.Err(err))
		return pool.NoTicket, errBusy(hop.Instance, err)
	}
	mb.Src.Mode = wire.ModeCommand
	mb.Src.Channel = channel
	mb.Src.Cores = hop.Cores
	mb.Src.Frame = frame
	if err := mb.MoveSource(state); err != nil {
		mb.ReleaseSource()
		in.Release(d)
		return pool.NoTicket, err
	}
	if err := in.Send(d, hop.TargetMask, frame[:]); err != nil {
		mb.ReleaseSource()
		in.Release(d)
		return pool.NoTicket, errDeviceInvalid(hop.Instance, err)
	}
	c.metrics.Sent.WithLabelValues(wire.ModeCommand.String()).Inc()
	return mb.Ticket, nil
}

func (c *Core) acquireError(instance int, err error) error {
	if errors.Is(err, mailbox.ErrMailboxUnavailable) {
		c.metrics.Busy.Inc()
		return errBusy(instance, err)
	}
	return errDeviceInvalid(instance, err)
}

// waitResponse blocks until the reply for ticket t arrives. An interrupted wait parks
// the mailbox; calling again with the same ticket from the same client resumes it.
func (c *Core) waitResponse(ctx context.Context, cl *Client, t pool.Ticket, timeout time.Duration) (Message, error) {
	mb := c.pool.At(t)
	if mb == nil {
		return Message{}, errInvalidTicket(uint16(t))
	}

	mb.Lock()
	if mb.Src.Mode != wire.ModeCommand {
		mb.Unlock()
		return Message{}, errInvalidTicket(uint16(t))
	}
	switch mb.Src.State {
	case pool.SourceWaitInterrupted:
		if err := mb.Resume(cl.id); err != nil {
			mb.Unlock()
			return Message{}, errPermission("ticket parked by another client").WithContext("ticket", uint16(t))
		}
		c.metrics.Restarts.Inc()
	case pool.SourceWaitResponse:
		if mb.Src.Owner != cl.id {
			mb.Unlock()
			return Message{}, errPermission("ticket held by another client").WithContext("ticket", uint16(t))
		}
	default:
		swept := mb.Src.Swept
		mb.Unlock()
		if swept {
			return Message{}, errReleased(uint16(t))
		}
		return Message{}, errInvalidTicket(uint16(t))
	}
	gen, done := mb.Generation(), mb.Done()
	mb.Unlock()

	var reply Message
	err := c.await(ctx, cl, mb, gen, done, timeout, func(mb *pool.Mailbox) error {
		h, _ := mb.Src.Frame.Header()
		reply = Message{
			Ticket:  mb.Ticket,
			From:    firstCore(mb.Src.Cores),
			Mode:    h.Mode,
			Channel: mb.Src.Channel,
			Payload: mb.Src.Frame.Payload(wire.ModeCommandResponse),
			Error:   mb.Src.RemoteErr,
		}
		if mb.Src.RemoteErr {
			c.metrics.RemoteErrors.Inc()
			return errRemote(mb.Instance, uint16(mb.Ticket))
		}
		return nil
	})
	return reply, err
}

// await waits for the completion of one send side. On completion finish runs with the
// record locked and the mailbox is released. Cancellation parks the record for
// cl and returns a RESTART error; the timeout drains the mailbox.
func (c *Core) await(ctx context.Context, cl *Client, mb *pool.Mailbox, gen uint64, done <-chan struct{},
	timeout time.Duration, finish func(mb *pool.Mailbox) error) error {
	if timeout <= 0 {
		timeout = c.cfg.Runtime.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ctx, stop := cl.bind(ctx)
	defer stop()

	var interrupted, expired bool
	select {
	case <-done:
	case <-ctx.Done():
		interrupted = true
	case <-timer.C:
		expired = true
	}

	mb.Lock()
	defer mb.Unlock()

	if mb.Generation() != gen || mb.Src.Swept {
		return errReleased(uint16(mb.Ticket))
	}
	if mb.Src.Completed {
		err := finish(mb)
		c.closeSource(mb)
		return err
	}
	switch {
	case interrupted:
		if cl.closed.Load() {
			c.closeSource(mb)
			return errClosed()
		}
		if err := mb.Park(cl.id); err != nil {
			return err
		}
		return errRestart(ctx.Err(), uint16(mb.Ticket))
	case expired:
		c.closeSource(mb)
		c.metrics.Timeouts.Inc()
		return errTimeout(mb.Instance, uint16(mb.Ticket))
	}
	// Woken without completion: the binding was torn down under us.
	return errReleased(uint16(mb.Ticket))
}

// closeSource releases the hardware slot and frees the send side. The record must be
// locked.
func (c *Core) closeSource(mb *pool.Mailbox) {
	if in, err := c.instance(mb.Instance); err == nil {
		in.Release(mb.Src.Desc)
	}
	mb.ReleaseSource()
}

// sendResponse answers a command claimed by cl. If the sender gave up in the meantime
// the reply is dropped and RELEASED returned.
func (c *Core) sendResponse(cl *Client, t pool.Ticket, payload []byte, hasError bool) error {
	mb := c.pool.At(t)
	if mb == nil {
		return errInvalidTicket(uint16(t))
	}
	mb.Lock()
	defer mb.Unlock()

	binding, ok := cl.claimOf(t)
	if !ok {
		if mb.Tgt.State == pool.TargetClaimed && mb.Tgt.Mode == wire.ModeCommand && mb.Tgt.Owner != cl.id {
			return errPermission("command claimed by another client").WithContext("ticket", uint16(t))
		}
		return errInvalidTicket(uint16(t))
	}
	if mb.Binding() != binding || mb.Tgt.State != pool.TargetClaimed {
		cl.forgetClaim(t)
		c.metrics.LateReplies.Inc()
		return errReleased(uint16(t))
	}
	frame, err := wire.Build(wire.Header{Channel: mb.Tgt.Channel, Mode: wire.ModeCommandResponse, Error: hasError}, 0, payload)
	if err != nil {
		return errMalformed("response payload", err)
	}
	cl.forgetClaim(t)
	if err := c.replyTarget(mb, frame, pool.TargetResponded); errors.Is(err, mailbox.ErrSenderGone) {
		return errReleased(uint16(t))
	}
	return nil
}

// receive claims the next frame offered on (mode, channel[, sub]) for cl, waiting for
// one if none is pending.
func (c *Core) receive(ctx context.Context, cl *Client, mode wire.Mode, channel, sub uint8) (Message, error) {
	if err := c.running(); err != nil {
		return Message{}, err
	}
	ep := c.offer(mode, channel)
	if ep == nil {
		return Message{}, errMalformed("channel out of range", wire.ErrBadChannel).WithContext("channel", channel)
	}
	ctx, stop := cl.bind(ctx)
	defer stop()

	for {
		seen := ep.Load()
		if msg, ok := c.claim(cl, mode, channel, sub); ok {
			return msg, nil
		}
		if _, err := ep.WaitForChange(ctx, seen); err != nil {
			if cl.closed.Load() {
				return Message{}, errClosed()
			}
			return Message{}, errRestart(err)
		}
	}
}

// claim takes the first matching offered record. Exactly one caller can move a record
// from Pending to Claimed.
func (c *Core) claim(cl *Client, mode wire.Mode, channel, sub uint8) (Message, bool) {
	var msg Message
	found := false

	c.pool.Lock()
	defer c.pool.Unlock()
	c.pool.Each(func(mb *pool.Mailbox) bool {
		t := &mb.Tgt
		if t.State != pool.TargetPending || !t.Offered || t.Mode != mode || t.Channel != channel {
			return true
		}
		if mode == wire.ModeQueue && (t.Subchannel != sub || t.OfferedTo == nil || *t.OfferedTo != cl.id) {
			return true
		}
		if err := mb.MoveTarget(pool.TargetClaimed); err != nil {
			return true
		}
		t.Owner = cl.id
		t.Kind = cl.kind
		msg = message(mb)
		if mode == wire.ModeCommand {
			cl.noteClaim(mb.Ticket, msg.binding)
		} else {
			frame, _ := wire.Build(wire.Header{Channel: channel, Mode: mode}, 0, nil)
			_ = c.replyTarget(mb, frame, pool.TargetAcked)
		}
		found = true
		return false
	})
	return msg, found
}

func firstCore(cores uint32) int {
	for i := 0; i < 32; i++ {
		if cores&(1<<i) != 0 {
			return i
		}
	}
	return -1
}
