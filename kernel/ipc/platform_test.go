package ipc

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebus/xmbox/kernel/config"
)

func TestPlatform_Ping(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreDSP0)
	ap0 := s.cores[config.CoreAP0]

	for i := 0; i < 3; i++ {
		rtt, err := ap0.Ping(testContext(t), config.CoreDSP0)
		require.NoError(t, err)
		assert.Positive(t, rtt)
	}
	rtt, err := ap0.Ping(testContext(t), config.CoreAP0)
	require.NoError(t, err, "loopback ping")
	assert.Positive(t, rtt)
	s.idle(ap0)
}

func TestPlatform_AnnounceAndQuery(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1, config.CoreDSP1)
	ap0 := s.cores[config.CoreAP0]

	_, ok := s.cores[config.CoreDSP1].PeerState(config.CoreAP0)
	assert.False(t, ok)

	require.NoError(t, ap0.AnnounceState(testContext(t), PowerSuspend, 1<<config.CoreAP1|1<<config.CoreDSP1))
	for _, id := range []int{config.CoreAP1, config.CoreDSP1} {
		peer := s.cores[id]
		require.Eventually(t, func() bool {
			st, ok := peer.PeerState(config.CoreAP0)
			return ok && st == PowerSuspend
		}, 2*time.Second, 5*time.Millisecond, "core %d", id)
	}

	st, err := s.cores[config.CoreDSP1].QueryState(testContext(t), config.CoreAP0)
	require.NoError(t, err)
	assert.Equal(t, PowerSuspend, st)
	st, err = ap0.QueryState(testContext(t), config.CoreAP1)
	require.NoError(t, err)
	assert.Equal(t, PowerOn, st)
}

func TestPlatform_UnknownOpOfferedToWaiters(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	ap1 := s.cores[config.CoreAP1]
	cl, srv := s.client(s.cores[config.CoreAP0]), s.client(ap1)

	served := make(chan error, 1)
	go func() {
		msg, err := srv.WaitReceiveCommand(testContext(t), PlatformChannel)
		if err != nil {
			served <- err
			return
		}
		served <- srv.SendResponse(msg.Ticket, []byte{0x7f, msg.Payload[1] + 1}, false)
	}()
	reply, err := cl.Call(testContext(t), PlatformChannel, config.CoreAP1, []byte{0x7f, 4}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7f, 5}, reply.Payload[:2])
	require.NoError(t, <-served)

	// Built-in ops never reach the waiters.
	reply, err = cl.Call(testContext(t), PlatformChannel, config.CoreAP1, []byte{OpQuery}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{OpQuery, PowerOn}, reply.Payload[:2])

	got := make(chan Message, 1)
	go func() {
		if msg, err := srv.WaitReceiveNotification(testContext(t), PlatformChannel); err == nil {
			got <- msg
		}
	}()
	_, err = cl.SendNotification(testContext(t), PlatformChannel, 1<<config.CoreAP1, []byte{0x55}, false)
	require.NoError(t, err)
	select {
	case msg := <-got:
		assert.Equal(t, byte(0x55), msg.Payload[0])
		assert.Equal(t, config.CoreAP0, msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("platform notification not offered")
	}
	s.idle(ap1)
}

func TestPlatform_UnknownOpWithoutWaiter(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)

	_, err := s.client(s.cores[config.CoreAP0]).Call(testContext(t), PlatformChannel, config.CoreAP1, []byte{0x7f}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, testutil.ToFloat64(s.cores[config.CoreAP1].Metrics().Malformed))
}
