package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebus/xmbox/kernel/pool"
)

func TestRegistry_QueueRouting(t *testing.T) {
	r := NewRegistry()

	l, owner := r.queueRoute(2, 7)
	assert.Nil(t, l)
	assert.Nil(t, owner)

	require.NoError(t, r.registerQueue(2, 7, 11))
	l, owner = r.queueRoute(2, 7)
	assert.Nil(t, l)
	require.NotNil(t, owner)
	assert.Equal(t, pool.ClientID(11), *owner)

	var heard []uint8
	require.NoError(t, r.setListener(2, 7, QueueListenerFunc(func(msg Message) {
		heard = append(heard, msg.Subchannel)
	})))
	l, owner = r.queueRoute(2, 7)
	require.NotNil(t, l)
	assert.Nil(t, owner, "listener wins over the registrant")
	l.HandleQueue(Message{Subchannel: 7})
	assert.Equal(t, []uint8{7}, heard)

	// Neighbouring pairs are independent.
	l, owner = r.queueRoute(2, 8)
	assert.Nil(t, l)
	assert.Nil(t, owner)

	fe, priv := r.Counts()
	assert.Equal(t, uint(1), fe)
	assert.Equal(t, uint(1), priv)
}

func TestRegistry_RegistrantOwnership(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.registerQueue(1, 0, 5))
	require.NoError(t, r.registerQueue(1, 255, 5))
	require.NoError(t, r.registerQueue(15, 3, 6))

	assert.ErrorIs(t, r.registerQueue(1, 0, 6), ErrAlreadyRegistered)
	assert.ErrorIs(t, r.deregisterQueue(1, 0, 6), ErrPermission)
	assert.ErrorIs(t, r.deregisterQueue(1, 1, 5), ErrNotRegistered)
	assert.ErrorIs(t, r.registerQueue(16, 0, 5), ErrMalformed)

	who, ok := r.registrant(1, 255)
	assert.True(t, ok)
	assert.Equal(t, pool.ClientID(5), who)

	assert.Equal(t, 2, r.dropClient(5))
	_, ok = r.registrant(1, 255)
	assert.False(t, ok)
	who, ok = r.registrant(15, 3)
	assert.True(t, ok)
	assert.Equal(t, pool.ClientID(6), who)
}

func TestRegistry_HandlerSlots(t *testing.T) {
	r := NewRegistry()
	slot := &commandSlot{priority: PriorityHigh}
	require.NoError(t, r.setCommand(3, slot))
	assert.Same(t, slot, r.command(3))
	assert.Nil(t, r.command(4))
	assert.Nil(t, r.command(200))

	assert.ErrorIs(t, r.setNotification(PlatformChannel, &notificationSlot{}), ErrPermission)
	assert.ErrorIs(t, r.clearNotification(3), ErrNotRegistered)
}
