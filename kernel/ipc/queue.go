package ipc

import (
	"context"

	"github.com/corebus/xmbox/kernel/pool"
	"github.com/corebus/xmbox/kernel/utils"
	"github.com/corebus/xmbox/kernel/wire"
)

// sendQueue posts one queue frame on (channel, sub) to every core in dests. Queue
// sends are always posted: the receiver acknowledges with the header only.
func (c *Core) sendQueue(cl *Client, channel, sub uint8, dests uint32, payload []byte) error {
	_, err := c.multicast(cl, wire.Header{Channel: channel, Mode: wire.ModeQueue}, sub, dests, payload, pool.SourceWaitPosted)
	return err
}

// recvQueue claims the next frame offered on a pair cl is registered for.
func (c *Core) recvQueue(ctx context.Context, cl *Client, channel, sub uint8) (Message, error) {
	if err := checkChannelRange(channel); err != nil {
		return Message{}, err
	}
	if owner, ok := c.registry.registrant(channel, sub); !ok || owner != cl.id {
		return Message{}, newError(CodeNotRegistered, "client is not the queue registrant").
			WithContext("channel", channel).WithContext("subchannel", sub)
	}
	return c.receive(ctx, cl, wire.ModeQueue, channel, sub)
}

func (c *Core) registerQueue(cl *Client, channel, sub uint8) error {
	if err := checkChannelRange(channel); err != nil {
		return err
	}
	if err := c.registry.registerQueue(channel, sub, cl.id); err != nil {
		return err
	}
	c.logger.Debug("Queue registered",
		utils.Int("channel", int(channel)), utils.Int("subchannel", int(sub)), utils.Uint32("client", uint32(cl.id)))
	return nil
}

// deregisterQueue drops the registration and acknowledges every frame still offered
// to cl on the pair.
func (c *Core) deregisterQueue(cl *Client, channel, sub uint8) error {
	if err := c.registry.deregisterQueue(channel, sub, cl.id); err != nil {
		return err
	}
	n := c.discardOffered(cl.id, func(mb *pool.Mailbox) bool {
		return mb.Tgt.Mode == wire.ModeQueue && mb.Tgt.Channel == channel && mb.Tgt.Subchannel == sub
	})
	if n > 0 {
		c.logger.Debug("Discarded queued frames on deregister",
			utils.Int("channel", int(channel)), utils.Int("subchannel", int(sub)), utils.Int("count", n))
	}
	return nil
}
