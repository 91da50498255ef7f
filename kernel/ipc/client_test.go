package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebus/xmbox/kernel/config"
	"github.com/corebus/xmbox/kernel/pool"
	"github.com/corebus/xmbox/kernel/wire"
)

func TestClient_CloseWakesWaiter(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	ap0 := s.cores[config.CoreAP0]
	cl := s.client(ap0)

	tk, err := cl.SendCommand(9, config.CoreAP1, []byte{1})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := cl.WaitResponse(context.Background(), tk, 10*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cl.Close())

	select {
	case err := <-done:
		assert.True(t, CodeOf(err) == CodeClosed || CodeOf(err) == CodeReleased, "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by close")
	}
	s.idle(ap0)
	assert.NoError(t, cl.Close(), "second close")
	_, err = cl.SendCommand(9, config.CoreAP1, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_CloseAnswersClaimedCommand(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	ap1 := s.cores[config.CoreAP1]
	srv := s.client(ap1)
	caller := s.client(s.cores[config.CoreAP0])

	tk, err := caller.SendCommand(10, config.CoreAP1, []byte{3})
	require.NoError(t, err)
	_, err = srv.WaitReceiveCommand(testContext(t), 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), bitsSet(srv.QueryMailboxUsage(ptr(srv.ID()))))

	// The server exits without answering; the caller gets an error reply.
	require.NoError(t, srv.Close())
	reply, err := caller.WaitResponse(testContext(t), tk, 0)
	assert.ErrorIs(t, err, ErrRemote)
	assert.True(t, reply.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(ap1.Metrics().Released))

	_, tgt := ap1.pool.Restarts()
	assert.Equal(t, uint64(1), tgt)
	s.idle(ap1)
}

func TestClient_NoLeak(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1, config.CoreDSP0)
	ap0 := s.cores[config.CoreAP0]
	require.NoError(t, s.cores[config.CoreAP1].RegisterCommandHandler(1, CommandHandlerFunc(echo)))
	require.NoError(t, s.cores[config.CoreDSP0].RegisterNotificationHandler(1,
		NotificationHandlerFunc(func(context.Context, Message) error { return nil })))
	require.NoError(t, ap0.RegisterCommandHandler(1, CommandHandlerFunc(echo)))

	baseline := ap0.pool.InUseCount()
	cl := s.client(ap0)
	ctx := testContext(t)
	for i := 0; i < 20; i++ {
		_, err := cl.Call(ctx, 1, config.CoreAP1, []byte{byte(i)}, 0)
		require.NoError(t, err)
		_, err = cl.Call(ctx, 1, config.CoreAP0, []byte{byte(i)}, 0)
		require.NoError(t, err)
		_, err = cl.SendNotification(ctx, 1, 1<<config.CoreDSP0, []byte{byte(i)}, i%2 == 0)
		require.NoError(t, err)
		require.NoError(t, cl.PostCommand(1, config.CoreAP1, []byte{byte(i)}))
	}
	require.Eventually(t, func() bool {
		return ap0.pool.InUseCount() == baseline
	}, 2*time.Second, 5*time.Millisecond)
	for _, id := range []int{config.CoreAP1, config.CoreDSP0} {
		s.idle(s.cores[id])
	}
	assert.Empty(t, cl.Parked(nil))
}

func TestClient_ReceiveInterrupted(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0)
	cl := s.client(s.cores[config.CoreAP0])

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cl.WaitReceiveNotification(ctx, 2)
	assert.ErrorIs(t, err, ErrRestart)

	done := make(chan error, 1)
	go func() {
		_, err := cl.WaitReceiveCommand(context.Background(), 2)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cl.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receive not woken by close")
	}
}

func TestClient_ParkedByMode(t *testing.T) {
	s := newSoC(t, nil, config.CoreAP0, config.CoreAP1)
	cl := s.client(s.cores[config.CoreAP0])

	tk, err := cl.SendCommand(11, config.CoreAP1, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = cl.WaitResponse(ctx, tk, time.Second)
	require.ErrorIs(t, err, ErrRestart)

	cmd, note := wire.ModeCommand, wire.ModeNotification
	assert.Equal(t, []pool.Ticket{tk}, cl.Parked(&cmd))
	assert.Empty(t, cl.Parked(&note))
}

func ptr[T any](v T) *T {
	return &v
}

func bitsSet(u Usage) uint32 {
	var n uint32
	for _, inst := range u.Instances {
		for m := inst.InUse; m != 0; m &= m - 1 {
			n++
		}
	}
	return n
}
