package ipc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"github.com/corebus/xmbox/kernel/mailbox"
	"github.com/corebus/xmbox/kernel/pool"
	"github.com/corebus/xmbox/kernel/route"
	"github.com/corebus/xmbox/kernel/wire"
)

type leg struct {
	hop route.Hop
	in  *mailbox.Instance
	d   mailbox.Descriptor
}

// multicast sends one frame to every core in dests, one mailbox per instance on the
// route. Acquisition is all-or-nothing: if any instance has no free slot, every slot
// taken so far is returned and BUSY is reported. Unreachable cores and per-instance
// trigger failures are folded into the error while the remaining hops still go out.
func (c *Core) multicast(cl *Client, h wire.Header, sub uint8, dests uint32, payload []byte, state pool.SourceState) ([]pool.Ticket, error) {
	if err := c.running(); err != nil {
		return nil, err
	}
	if err := checkChannelRange(h.Channel); err != nil {
		return nil, err
	}
	frame, err := wire.Build(h, sub, payload)
	if err != nil {
		return nil, errMalformed(h.Mode.String()+" payload", err)
	}
	r, err := c.table.Compute(dests)
	if err != nil {
		return nil, errNoRoute(dests, err)
	}

	var failed error
	if r.Unreachable != 0 {
		failed = errNoRoute(r.Unreachable, route.ErrNoRoute)
	}

	c.pool.Lock()
	defer c.pool.Unlock()

	legs := make([]leg, 0, len(r.Hops))
	for _, hop := range r.Hops {
		in, err := c.instance(hop.Instance)
		if err != nil {
			failed = multierr.Append(failed, err)
			continue
		}
		d, err := in.Acquire(hop.Line(), hop.TargetMask)
		if err != nil {
			for _, l := range legs {
				l.in.Release(l.d)
			}
			return nil, c.acquireError(hop.Instance, err)
		}
		legs = append(legs, leg{hop: hop, in: in, d: d})
	}

	tickets := make([]pool.Ticket, 0, len(legs))
	for _, l := range legs {
		mb := c.pool.At(c.pool.TicketOf(l.hop.Instance, l.d.Slot))
		mb.Lock()
		var ferr *Error
		if err := mb.BindSource(cl.id, cl.kind, l.d, state); err != nil {
			ferr = errBusy(l.hop.Instance, err)
		} else {
			mb.Src.Mode = h.Mode
			mb.Src.Channel = h.Channel
			mb.Src.Cores = l.hop.Cores
			mb.Src.Frame = frame
			if err := l.in.Send(l.d, l.hop.TargetMask, frame[:]); err != nil {
				mb.ReleaseSource()
				ferr = errDeviceInvalid(l.hop.Instance, err)
			}
		}
		if ferr != nil {
			l.in.Release(l.d)
			failed = multierr.Append(failed, ferr.WithContext("cores", l.hop.Cores))
		} else {
			tickets = append(tickets, mb.Ticket)
			c.metrics.Sent.WithLabelValues(h.Mode.String()).Inc()
		}
		mb.Unlock()
	}
	return tickets, failed
}

// sendNotification sends a notification to dests. A posted send returns once every
// mailbox is triggered. A non-posted send waits for every acknowledgment; if the
// wait is interrupted the tickets still outstanding are returned with a RESTART error
// and can be resumed with resumeNotification.
func (c *Core) sendNotification(ctx context.Context, cl *Client, channel uint8, dests uint32, payload []byte,
	posted bool, timeout time.Duration) ([]pool.Ticket, error) {
	state := pool.SourceWaitNonPosted
	if posted {
		state = pool.SourceWaitPosted
	}
	tickets, err := c.multicast(cl, wire.Header{Channel: channel, Mode: wire.ModeNotification}, 0, dests, payload, state)
	if posted || len(tickets) == 0 {
		return nil, err
	}
	return c.waitAck(ctx, cl, tickets, err, timeout)
}

// waitAck waits for each ticket in order. carry holds the outcome of everything
// before tickets and is returned joined with theirs.
func (c *Core) waitAck(ctx context.Context, cl *Client, tickets []pool.Ticket, carry error, timeout time.Duration) ([]pool.Ticket, error) {
	for i, t := range tickets {
		mb := c.pool.At(t)
		mb.Lock()
		if mb.Src.State != pool.SourceWaitNonPosted || mb.Src.Owner != cl.id {
			mb.Unlock()
			carry = multierr.Append(carry, errReleased(uint16(t)))
			continue
		}
		gen, done := mb.Generation(), mb.Done()
		mb.Unlock()

		err := c.await(ctx, cl, mb, gen, done, timeout, func(mb *pool.Mailbox) error {
			if mb.Src.RemoteErr {
				c.metrics.RemoteErrors.Inc()
				return errRemote(mb.Instance, uint16(mb.Ticket)).WithContext("cores", mb.Src.Cores)
			}
			return nil
		})
		if errors.Is(err, ErrRestart) {
			rest := tickets[i:]
			c.park(cl, rest[1:])
			mb.Lock()
			if mb.Generation() == gen && mb.Src.State == pool.SourceWaitInterrupted {
				mb.Src.Carry = carry
			}
			mb.Unlock()
			return rest, errRestart(ctx.Err(), ticketValues(rest)...)
		}
		carry = multierr.Append(carry, err)
	}
	return nil, carry
}

// park interrupts waits that were never started.
func (c *Core) park(cl *Client, tickets []pool.Ticket) {
	for _, t := range tickets {
		mb := c.pool.At(t)
		mb.Lock()
		if mb.Src.State == pool.SourceWaitNonPosted && mb.Src.Owner == cl.id {
			_ = mb.Park(cl.id)
		}
		mb.Unlock()
	}
}

// resumeNotification continues an interrupted non-posted send. Every ticket must be
// parked by cl; none is touched otherwise.
func (c *Core) resumeNotification(ctx context.Context, cl *Client, tickets []pool.Ticket, timeout time.Duration) ([]pool.Ticket, error) {
	if len(tickets) == 0 {
		return nil, errInvalidTicket(uint16(pool.NoTicket))
	}
	mbs := make([]*pool.Mailbox, len(tickets))
	for i, t := range tickets {
		mb := c.pool.At(t)
		if mb == nil {
			return nil, errInvalidTicket(uint16(t))
		}
		mb.Lock()
		parked := mb.Src.State == pool.SourceWaitInterrupted && mb.Src.Mode == wire.ModeNotification
		swept := mb.Src.Swept
		mb.Unlock()
		if !parked {
			if swept {
				return nil, errReleased(uint16(t))
			}
			return nil, errInvalidTicket(uint16(t))
		}
		if who, ok := mb.ParkedBy(); !ok || who != cl.id {
			return nil, errPermission("ticket parked by another client").WithContext("ticket", uint16(t))
		}
		mbs[i] = mb
	}

	var carry error
	for i, mb := range mbs {
		mb.Lock()
		err := mb.Resume(cl.id)
		if err == nil && i == 0 {
			carry, mb.Src.Carry = mb.Src.Carry, nil
		}
		mb.Unlock()
		if err != nil {
			// Lost a race with another resume: put back what was taken.
			for j, prev := range mbs[:i] {
				prev.Lock()
				_ = prev.Park(cl.id)
				if j == 0 {
					prev.Src.Carry = carry
				}
				prev.Unlock()
			}
			return nil, errPermission("ticket no longer parked").WithContext("ticket", uint16(mb.Ticket))
		}
		c.metrics.Restarts.Inc()
	}
	return c.waitAck(ctx, cl, tickets, carry, timeout)
}

func ticketValues(ts []pool.Ticket) []uint16 {
	out := make([]uint16, len(ts))
	for i, t := range ts {
		out[i] = uint16(t)
	}
	return out
}
