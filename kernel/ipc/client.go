package ipc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corebus/xmbox/kernel/pool"
	"github.com/corebus/xmbox/kernel/utils"
	"github.com/corebus/xmbox/kernel/wire"
)

// Client is one user of the transport. Every mailbox a client holds is released when it
// closes. Methods are safe for concurrent use.
type Client struct {
	core   *Core
	id     pool.ClientID
	kind   pool.ClientKind
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	// claims maps each command this client claimed and has not answered to the
	// binding it claimed.
	claimsMu sync.Mutex
	claims   map[pool.Ticket]uint64
}

// NewClient opens a front-end client.
func (c *Core) NewClient() (*Client, error) {
	if err := c.running(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(c.ctx)
	cl := &Client{
		core:   c,
		id:     pool.ClientID(c.nextClient.Add(1)),
		kind:   pool.FrontEnd,
		ctx:    ctx,
		cancel: cancel,
	}
	c.clientsMu.Lock()
	c.clients[cl.id] = cl
	c.clientsMu.Unlock()
	return cl, nil
}

// Kernel returns the in-process client. It may use the platform channel and is
// never closed.
func (c *Core) Kernel() *Client {
	return c.kernel
}

// ID returns the client identity.
func (cl *Client) ID() pool.ClientID {
	return cl.id
}

// bind derives a context that ends with either ctx or the client.
func (cl *Client) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cl.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (cl *Client) noteClaim(t pool.Ticket, binding uint64) {
	cl.claimsMu.Lock()
	defer cl.claimsMu.Unlock()
	if cl.claims == nil {
		cl.claims = make(map[pool.Ticket]uint64)
	}
	cl.claims[t] = binding
}

func (cl *Client) claimOf(t pool.Ticket) (uint64, bool) {
	cl.claimsMu.Lock()
	defer cl.claimsMu.Unlock()
	b, ok := cl.claims[t]
	return b, ok
}

func (cl *Client) forgetClaim(t pool.Ticket) {
	cl.claimsMu.Lock()
	delete(cl.claims, t)
	cl.claimsMu.Unlock()
}

func (cl *Client) check() error {
	if cl.closed.Load() {
		return errClosed().WithContext("client", uint32(cl.id))
	}
	return nil
}

// SendCommand sends a command to dst and returns the ticket to wait on.
func (cl *Client) SendCommand(channel uint8, dst int, payload []byte) (pool.Ticket, error) {
	if err := cl.check(); err != nil {
		return pool.NoTicket, err
	}
	return cl.core.sendCommand(cl, channel, dst, payload, pool.SourceWaitResponse)
}

// WaitResponse waits for the reply to a command sent by this client. After a RESTART
// error call it again with the same ticket. A zero timeout uses the configured default.
func (cl *Client) WaitResponse(ctx context.Context, t pool.Ticket, timeout time.Duration) (Message, error) {
	if err := cl.check(); err != nil {
		return Message{}, err
	}
	return cl.core.waitResponse(ctx, cl, t, timeout)
}

// Call sends a command and waits for its reply. On RESTART the returned message
// carries the ticket to resume with WaitResponse.
func (cl *Client) Call(ctx context.Context, channel uint8, dst int, payload []byte, timeout time.Duration) (Message, error) {
	t, err := cl.SendCommand(channel, dst, payload)
	if err != nil {
		return Message{}, err
	}
	msg, err := cl.core.waitResponse(ctx, cl, t, timeout)
	msg.Ticket = t
	return msg, err
}

// PostCommand sends a command whose reply is discarded.
func (cl *Client) PostCommand(channel uint8, dst int, payload []byte) error {
	if err := cl.check(); err != nil {
		return err
	}
	_, err := cl.core.sendCommand(cl, channel, dst, payload, pool.SourceWaitNoResponse)
	return err
}

// WaitReceiveCommand claims the next command on channel.
func (cl *Client) WaitReceiveCommand(ctx context.Context, channel uint8) (Message, error) {
	if err := cl.check(); err != nil {
		return Message{}, err
	}
	if err := checkChannelRange(channel); err != nil {
		return Message{}, err
	}
	return cl.core.receive(ctx, cl, wire.ModeCommand, channel, 0)
}

// SendResponse answers a command claimed with WaitReceiveCommand.
func (cl *Client) SendResponse(t pool.Ticket, payload []byte, hasError bool) error {
	if err := cl.check(); err != nil {
		return err
	}
	return cl.core.sendResponse(cl, t, payload, hasError)
}

// SendNotification sends a notification to every core in dests. Posted sends return
// after the triggers; otherwise every acknowledgment is awaited. On RESTART the
// outstanding tickets are returned for ResumeNotification.
func (cl *Client) SendNotification(ctx context.Context, channel uint8, dests uint32, payload []byte, posted bool) ([]pool.Ticket, error) {
	if err := cl.check(); err != nil {
		return nil, err
	}
	return cl.core.sendNotification(ctx, cl, channel, dests, payload, posted, 0)
}

// ResumeNotification continues a non-posted send interrupted by RESTART.
func (cl *Client) ResumeNotification(ctx context.Context, tickets ...pool.Ticket) ([]pool.Ticket, error) {
	if err := cl.check(); err != nil {
		return nil, err
	}
	return cl.core.resumeNotification(ctx, cl, tickets, 0)
}

// WaitReceiveNotification claims the next notification on channel. The sender is
// acknowledged before this returns.
func (cl *Client) WaitReceiveNotification(ctx context.Context, channel uint8) (Message, error) {
	if err := cl.check(); err != nil {
		return Message{}, err
	}
	if err := checkChannelRange(channel); err != nil {
		return Message{}, err
	}
	return cl.core.receive(ctx, cl, wire.ModeNotification, channel, 0)
}

// SendQueue posts a queue frame on (channel, sub) to every core in dests.
func (cl *Client) SendQueue(channel, sub uint8, dests uint32, payload []byte) error {
	if err := cl.check(); err != nil {
		return err
	}
	return cl.core.sendQueue(cl, channel, sub, dests, payload)
}

// WaitReceiveQueue claims the next frame on a registered pair.
func (cl *Client) WaitReceiveQueue(ctx context.Context, channel, sub uint8) (Message, error) {
	if err := cl.check(); err != nil {
		return Message{}, err
	}
	return cl.core.recvQueue(ctx, cl, channel, sub)
}

// RegisterQueue makes this client the consumer of (channel, sub).
func (cl *Client) RegisterQueue(channel, sub uint8) error {
	if err := cl.check(); err != nil {
		return err
	}
	return cl.core.registerQueue(cl, channel, sub)
}

func (cl *Client) DeregisterQueue(channel, sub uint8) error {
	if err := cl.check(); err != nil {
		return err
	}
	return cl.core.deregisterQueue(cl, channel, sub)
}

// Parked lists the tickets this client left interrupted in mode, or in any mode when
// mode is nil.
func (cl *Client) Parked(mode *wire.Mode) []pool.Ticket {
	return cl.core.pool.Parked(cl.id, mode)
}

// QueryMailboxUsage snapshots the in-use bitmaps. With a filter only that client's
// mailboxes are reported.
func (cl *Client) QueryMailboxUsage(filter *pool.ClientID) Usage {
	return cl.core.usage(filter)
}

// Close releases everything the client holds: in-flight sends, claimed frames still
// unanswered, offered queue frames and queue registrations. Waits in progress return
// CLOSED or RELEASED.
func (cl *Client) Close() error {
	if cl.id == pool.Kernel || !cl.closed.CompareAndSwap(false, true) {
		return nil
	}
	cl.cancel()

	c := cl.core
	c.clientsMu.Lock()
	delete(c.clients, cl.id)
	c.clientsMu.Unlock()

	queues := c.registry.dropClient(cl.id)
	n := c.sweep(func(id pool.ClientID) bool { return id == cl.id }, false)
	if n > 0 || queues > 0 {
		c.logger.Info("Client released",
			utils.Uint32("client", uint32(cl.id)),
			utils.Int("mailboxes", n),
			utils.Int("queues", queues))
	}
	return nil
}

// sweep force-releases mailboxes whose owner match accepts. Send sides are released
// and their waiters woken; claimed receive sides get an error reply; offered frames
// are dropped. With all set, every unclaimed inbound frame is refused as well.
func (c *Core) sweep(match func(pool.ClientID) bool, all bool) int {
	n := 0
	c.pool.Lock()
	defer c.pool.Unlock()
	c.pool.Each(func(mb *pool.Mailbox) bool {
		if mb.Src.State != pool.SourceFree && match(mb.Src.Owner) {
			c.closeSource(mb)
			mb.Src.Swept = true
			mb.Signal()
			n++
		}

		t := &mb.Tgt
		switch {
		case t.State == pool.TargetClaimed && t.Owner != pool.Kernel && match(t.Owner):
			via := pool.TargetAcked
			if t.Mode == wire.ModeCommand {
				via = pool.TargetResponded
			}
			frame, _ := wire.Build(replyHeader(t, true), 0, nil)
			t.Restarts++
			_ = c.replyTarget(mb, frame, via)
			n++
		case t.State == pool.TargetPending && t.Offered && t.OfferedTo != nil && match(*t.OfferedTo):
			c.discardTarget(mb)
			n++
		case all && t.State == pool.TargetPending:
			c.refuseTarget(mb)
			n++
		}
		return true
	})
	if n > 0 {
		c.metrics.Released.Add(float64(n))
	}
	return n
}

// refuseTarget answers a pending frame with an error. The record must be locked.
func (c *Core) refuseTarget(mb *pool.Mailbox) {
	in, err := c.instance(mb.Instance)
	if err != nil {
		return
	}
	_ = in.Reply(mb.Tgt.Desc, errorFrame(replyHeader(&mb.Tgt, true)))
	if err := mb.MoveTarget(pool.TargetFree); err != nil {
		c.logger.Error("Refuse on claimed mailbox", utils.Err(err))
	}
	mb.ReleaseTarget()
}

// replyHeader is the header a receiver answers t with.
func replyHeader(t *pool.Target, failed bool) wire.Header {
	h := wire.Header{Channel: t.Channel, Mode: t.Mode, Error: failed}
	if t.Mode == wire.ModeCommand {
		h.Mode = wire.ModeCommandResponse
	}
	return h
}
