package ipc

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corebus/xmbox/kernel/utils"
	"github.com/corebus/xmbox/kernel/wire"
)

// Platform channel operations. The first payload byte selects the operation.
const (
	OpPing     uint8 = 0x01
	OpAnnounce uint8 = 0x02
	OpQuery    uint8 = 0x03
)

// Core power states carried by OpAnnounce and OpQuery.
const (
	PowerOff     uint8 = 0
	PowerOn      uint8 = 1
	PowerSuspend uint8 = 2
)

// platform serves channel 0: liveness pings and core state exchange between kernels.
// Other channel 0 traffic is offered to front-end waiters like any unhandled channel.
type platform struct {
	c     *Core
	mu    sync.RWMutex
	peers map[int]uint8
	state atomic.Uint32
	seq   atomic.Uint32
}

func newPlatform(c *Core) *platform {
	p := &platform{c: c, peers: make(map[int]uint8)}
	p.state.Store(uint32(PowerOn))
	return p
}

// handles reports whether a built-in handler serves op in mode.
func (p *platform) handles(mode wire.Mode, op uint8) bool {
	switch mode {
	case wire.ModeCommand:
		return op == OpPing || op == OpQuery
	case wire.ModeNotification:
		return op == OpAnnounce
	}
	return false
}

func (p *platform) serveCommand(msg Message) ([]byte, error) {
	switch msg.Payload[0] {
	case OpPing:
		return msg.Payload, nil
	case OpQuery:
		return []byte{OpQuery, uint8(p.state.Load())}, nil
	}
	return nil, errMalformed("unknown platform command", nil).
		WithContext("op", msg.Payload[0]).WithContext("from", msg.From)
}

func (p *platform) serveNotification(msg Message) {
	p.mu.Lock()
	p.peers[msg.From] = msg.Payload[1]
	p.mu.Unlock()
	p.c.logger.Debug("Peer state",
		utils.Int("peer", msg.From), utils.Int("state", int(msg.Payload[1])))
}

// Ping measures the round trip of a platform command to dst.
func (c *Core) Ping(ctx context.Context, dst int) (time.Duration, error) {
	payload := make([]byte, 5)
	payload[0] = OpPing
	seq := c.platform.seq.Add(1)
	binary.LittleEndian.PutUint32(payload[1:], seq)

	start := time.Now()
	reply, err := c.kernel.Call(ctx, PlatformChannel, dst, payload, 0)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	if reply.Payload[0] != OpPing || binary.LittleEndian.Uint32(reply.Payload[1:]) != seq {
		return rtt, errMalformed("ping echo mismatch", nil).WithContext("dst", dst)
	}
	return rtt, nil
}

// QueryState asks dst for its power state.
func (c *Core) QueryState(ctx context.Context, dst int) (uint8, error) {
	reply, err := c.kernel.Call(ctx, PlatformChannel, dst, []byte{OpQuery}, 0)
	if err != nil {
		return 0, err
	}
	if reply.Payload[0] != OpQuery {
		return 0, errMalformed("query reply mismatch", nil).WithContext("dst", dst)
	}
	return reply.Payload[1], nil
}

// AnnounceState records this core's power state and posts it to dests.
func (c *Core) AnnounceState(ctx context.Context, state uint8, dests uint32) error {
	c.platform.state.Store(uint32(state))
	_, err := c.kernel.SendNotification(ctx, PlatformChannel, dests, []byte{OpAnnounce, state}, true)
	return err
}

// PeerState returns the last state announced by core.
func (c *Core) PeerState(core int) (uint8, bool) {
	c.platform.mu.RLock()
	defer c.platform.mu.RUnlock()
	s, ok := c.platform.peers[core]
	return s, ok
}
