package ipc

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebus/xmbox/kernel/config"
	"github.com/corebus/xmbox/kernel/pool"
	"github.com/corebus/xmbox/kernel/wire"
)

func echo(_ context.Context, msg Message) ([]byte, error) {
	return msg.Payload, nil
}

func TestCommand_LoopbackEveryPayloadLength(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0)
	ap0 := s.cores[config.CoreAP0]
	require.NoError(t, ap0.RegisterCommandHandler(1, CommandHandlerFunc(echo)))
	cl := s.client(ap0)
	ctx := testContext(t)

	for n := 0; n <= wire.MaxPayload; n++ {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i + 1)
		}
		reply, err := cl.Call(ctx, 1, config.CoreAP0, payload, 0)
		require.NoError(t, err, "length %d", n)
		require.Len(t, reply.Payload, wire.MaxPayload)
		assert.Equal(t, payload, reply.Payload[:n], "length %d", n)
		assert.Equal(t, make([]byte, wire.MaxPayload-n), reply.Payload[n:], "length %d padding", n)
		assert.False(t, reply.Error)
		assert.Equal(t, config.CoreAP0, reply.From)
	}

	_, err := cl.Call(ctx, 1, config.CoreAP0, make([]byte, wire.MaxPayload+1), 0)
	assert.ErrorIs(t, err, ErrMalformed)
	s.idle(ap0)
}

func TestCommand_RemoteErrorFlag(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	require.NoError(t, s.cores[config.CoreAP1].RegisterCommandHandler(2,
		CommandHandlerFunc(func(context.Context, Message) ([]byte, error) {
			return []byte("nope"), errors.New("refused")
		})))
	cl := s.client(s.cores[config.CoreAP0])

	reply, err := cl.Call(testContext(t), 2, config.CoreAP1, []byte{1}, 0)
	assert.ErrorIs(t, err, ErrRemote)
	assert.True(t, reply.Error)
	assert.Equal(t, []byte("nope"), reply.Payload[:4])
	assert.Equal(t, 1.0, testutil.ToFloat64(s.cores[config.CoreAP0].Metrics().RemoteErrors))
}

func TestCommand_AtMostOneClaim(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	ap0, ap1 := s.cores[config.CoreAP0], s.cores[config.CoreAP1]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var claims atomic.Int32
	var seen sync.Map
	var waiters sync.WaitGroup
	for i := 0; i < 3; i++ {
		srv := s.client(ap1)
		waiters.Add(1)
		go func() {
			defer waiters.Done()
			for {
				msg, err := srv.WaitReceiveCommand(ctx, 3)
				if err != nil {
					assert.ErrorIs(t, err, ErrRestart)
					return
				}
				claims.Add(1)
				_, dup := seen.LoadOrStore(msg.Payload[0], true)
				assert.False(t, dup, "payload %d claimed twice", msg.Payload[0])
				assert.NoError(t, srv.SendResponse(msg.Ticket, msg.Payload[:1], false))
			}
		}()
	}

	const calls = 8
	var senders sync.WaitGroup
	for i := 0; i < calls; i++ {
		cl := s.client(ap0)
		senders.Add(1)
		go func(i int) {
			defer senders.Done()
			reply, err := cl.Call(testContext(t), 3, config.CoreAP1, []byte{byte(i)}, 2*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, byte(i), reply.Payload[0])
			}
		}(i)
	}
	senders.Wait()
	cancel()
	waiters.Wait()

	assert.Equal(t, int32(calls), claims.Load())
	s.idle(ap0)
	s.idle(ap1)
}

func TestCommand_RestartAndIdentity(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	ap0 := s.cores[config.CoreAP0]
	a, b := s.client(ap0), s.client(ap0)

	tk, err := a.SendCommand(6, config.CoreAP1, []byte("hello"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err = a.WaitResponse(ctx, tk, 5*time.Second)
	cancel()
	require.ErrorIs(t, err, ErrRestart)
	assert.Equal(t, []pool.Ticket{tk}, a.Parked(nil))
	assert.Empty(t, b.Parked(nil))

	_, err = b.WaitResponse(context.Background(), tk, time.Second)
	assert.ErrorIs(t, err, ErrPermission)

	// Interrupting the resumed wait parks it again.
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err = a.WaitResponse(ctx, tk, 5*time.Second)
	cancel()
	require.ErrorIs(t, err, ErrRestart)

	srv := s.client(s.cores[config.CoreAP1])
	go func() {
		msg, err := srv.WaitReceiveCommand(testContext(t), 6)
		if assert.NoError(t, err) {
			assert.True(t, bytes.HasPrefix(msg.Payload, []byte("hello")))
			assert.NoError(t, srv.SendResponse(msg.Ticket, []byte("world"), false))
		}
	}()

	reply, err := a.WaitResponse(testContext(t), tk, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), reply.Payload[:5])
	assert.Equal(t, 2.0, testutil.ToFloat64(ap0.Metrics().Restarts))

	// The ticket is spent.
	_, err = a.WaitResponse(context.Background(), tk, time.Second)
	assert.ErrorIs(t, err, ErrInvalidTicket)
	s.idle(ap0)
}

func TestCommand_TimeoutDrainsMailbox(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	ap0 := s.cores[config.CoreAP0]
	cl := s.client(ap0)

	// Nobody serves channel 9 on ap1.
	_, err := cl.Call(testContext(t), 9, config.CoreAP1, []byte{1}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(ap0.Metrics().Timeouts))
	s.idle(ap0)
}

func TestCommand_LateReplyDropped(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	ap0, ap1 := s.cores[config.CoreAP0], s.cores[config.CoreAP1]
	caller, srv := s.client(ap0), s.client(ap1)

	tk, err := caller.SendCommand(4, config.CoreAP1, []byte{1})
	require.NoError(t, err)
	msg, err := srv.WaitReceiveCommand(testContext(t), 4)
	require.NoError(t, err)
	_, err = caller.WaitResponse(testContext(t), tk, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// The answer comes after the sender released the slot.
	assert.ErrorIs(t, srv.SendResponse(msg.Ticket, []byte{9}, false), ErrReleased)
	assert.Equal(t, 1.0, testutil.ToFloat64(ap1.Metrics().LateReplies))
	s.idle(ap1)
	s.idle(ap0)

	served := serveOnce(t, srv, 4)
	reply, err := caller.Call(testContext(t), 4, config.CoreAP1, []byte{2}, 0)
	require.NoError(t, err)
	assert.False(t, reply.Error)
	assert.Equal(t, byte(20), reply.Payload[0])
	require.NoError(t, <-served)
	assert.Zero(t, testutil.ToFloat64(ap0.Metrics().LateAcks))
}

func TestCommand_TimedOutClaimSuperseded(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	ap0, ap1 := s.cores[config.CoreAP0], s.cores[config.CoreAP1]
	caller, stale := s.client(ap0), s.client(ap1)

	tk, err := caller.SendCommand(4, config.CoreAP1, []byte{1})
	require.NoError(t, err)
	old, err := stale.WaitReceiveCommand(testContext(t), 4)
	require.NoError(t, err)
	_, err = caller.WaitResponse(testContext(t), tk, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// The next command reuses the released slot while the old claim is still held.
	served := serveOnce(t, s.client(ap1), 4)
	reply, err := caller.Call(testContext(t), 4, config.CoreAP1, []byte{2}, 0)
	require.NoError(t, err)
	assert.Equal(t, tk, reply.Ticket)
	assert.False(t, reply.Error)
	assert.Equal(t, byte(20), reply.Payload[0])
	require.NoError(t, <-served)

	assert.ErrorIs(t, stale.SendResponse(old.Ticket, []byte{7}, false), ErrReleased)
	assert.Equal(t, 1.0, testutil.ToFloat64(ap1.Metrics().Superseded))
	assert.Equal(t, 1.0, testutil.ToFloat64(ap1.Metrics().LateReplies))
	assert.Zero(t, testutil.ToFloat64(ap1.Metrics().Discards))
	_, tgt := ap1.pool.Restarts()
	assert.Equal(t, uint64(1), tgt)
	s.idle(ap0)
	s.idle(ap1)
}

// serveOnce answers one command on channel with ten times its first byte.
func serveOnce(t *testing.T, cl *Client, channel uint8) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	ctx := testContext(t)
	go func() {
		msg, err := cl.WaitReceiveCommand(ctx, channel)
		if err != nil {
			done <- err
			return
		}
		done <- cl.SendResponse(msg.Ticket, []byte{msg.Payload[0] * 10}, false)
	}()
	return done
}

func TestCommand_PostFreesOnAck(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreCompanion)
	got := make(chan byte, 1)
	require.NoError(t, s.cores[config.CoreCompanion].RegisterCommandHandler(4,
		CommandHandlerFunc(func(_ context.Context, msg Message) ([]byte, error) {
			got <- msg.Payload[0]
			return nil, nil
		})))

	ap0 := s.cores[config.CoreAP0]
	require.NoError(t, s.client(ap0).PostCommand(4, config.CoreCompanion, []byte{42}))
	select {
	case v := <-got:
		assert.Equal(t, byte(42), v)
	case <-time.After(2 * time.Second):
		t.Fatal("command not delivered")
	}
	s.idle(ap0)
}

func TestCommand_Exhaustion(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	ap0 := s.cores[config.CoreAP0]
	cl := s.client(ap0)

	var tickets []pool.Ticket
	for i := 0; i < s.cfg.Slots; i++ {
		tk, err := cl.SendCommand(7, config.CoreAP1, []byte{byte(i)})
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	_, err := cl.SendCommand(7, config.CoreAP1, nil)
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(ap0.Metrics().Busy))

	usage := cl.QueryMailboxUsage(nil)
	require.NotEmpty(t, usage.Instances)
	assert.Equal(t, uint32(0xffff), usage.Instances[0].InUse)

	require.NoError(t, cl.Close())
	for _, tk := range tickets {
		_, err := cl.core.waitResponse(context.Background(), cl, tk, time.Millisecond)
		assert.ErrorIs(t, err, ErrReleased)
	}
	s.idle(ap0)
}

func TestCommand_ChannelValidation(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0)
	ap0 := s.cores[config.CoreAP0]
	cl := s.client(ap0)

	reply, err := cl.Call(testContext(t), PlatformChannel, config.CoreAP0, []byte{OpQuery}, 0)
	require.NoError(t, err, "front-end clients may use the platform channel")
	assert.Equal(t, []byte{OpQuery, PowerOn}, reply.Payload[:2])

	_, err = cl.SendCommand(wire.MaxChannels, config.CoreAP0, nil)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = cl.WaitReceiveCommand(context.Background(), wire.MaxChannels)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = cl.SendCommand(1, 7, nil)
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.ErrorIs(t, ap0.RegisterCommandHandler(PlatformChannel, CommandHandlerFunc(echo)), ErrPermission)
	s.idle(ap0)
}

func TestCommand_ResponseRequiresClaim(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0)
	ap0 := s.cores[config.CoreAP0]
	a, b := s.client(ap0), s.client(ap0)

	tk, err := a.SendCommand(8, config.CoreAP0, []byte{5})
	require.NoError(t, err)
	msg, err := a.WaitReceiveCommand(testContext(t), 8)
	require.NoError(t, err)
	assert.Equal(t, tk, msg.Ticket, "loopback uses one mailbox for both sides")

	assert.ErrorIs(t, b.SendResponse(msg.Ticket, nil, false), ErrPermission)
	require.NoError(t, a.SendResponse(msg.Ticket, []byte{6}, false))
	assert.ErrorIs(t, a.SendResponse(msg.Ticket, nil, false), ErrInvalidTicket)

	reply, err := a.WaitResponse(testContext(t), tk, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(6), reply.Payload[0])
	s.idle(ap0)
}
