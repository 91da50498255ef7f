package ipc

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/corebus/xmbox/kernel/pool"
	"github.com/corebus/xmbox/kernel/wire"
)

// PlatformChannel carries the built-in boot and liveness exchange. Handler
// registration is reserved; ops the kernel does not serve go to waiters.
const PlatformChannel = 0

// Message is one received frame.
type Message struct {
	Ticket     pool.Ticket
	From       int
	Mode       wire.Mode
	Channel    uint8
	Subchannel uint8
	// Payload is the whole payload area of the frame, zero padded: 27 bytes, or 26 in
	// queue mode.
	Payload []byte
	// Error is the header error flag. Only meaningful on command responses.
	Error bool

	binding uint64
}

// CommandHandler serves a command channel from the deferred context.
type CommandHandler interface {
	HandleCommand(ctx context.Context, msg Message) ([]byte, error)
}

// InlineCommandHandler serves a command channel from the interrupt loop. It must not
// block; runs longer than the inline budget demote the channel to the deferred context.
type InlineCommandHandler interface {
	HandleCommandInline(msg Message) ([]byte, error)
}

// NotificationHandler serves a notification channel from the deferred context.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, msg Message) error
}

// InlineNotificationHandler serves a notification channel from the interrupt loop.
type InlineNotificationHandler interface {
	HandleNotificationInline(msg Message) error
}

// QueueListener is a privileged in-process consumer of one queue pair.
type QueueListener interface {
	HandleQueue(msg Message)
}

type CommandHandlerFunc func(ctx context.Context, msg Message) ([]byte, error)

func (f CommandHandlerFunc) HandleCommand(ctx context.Context, msg Message) ([]byte, error) {
	return f(ctx, msg)
}

type InlineCommandHandlerFunc func(msg Message) ([]byte, error)

func (f InlineCommandHandlerFunc) HandleCommandInline(msg Message) ([]byte, error) {
	return f(msg)
}

type NotificationHandlerFunc func(ctx context.Context, msg Message) error

func (f NotificationHandlerFunc) HandleNotification(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

type InlineNotificationHandlerFunc func(msg Message) error

func (f InlineNotificationHandlerFunc) HandleNotificationInline(msg Message) error {
	return f(msg)
}

type QueueListenerFunc func(msg Message)

func (f QueueListenerFunc) HandleQueue(msg Message) {
	f(msg)
}

// Priority is the execution tier of a channel handler.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

type commandSlot struct {
	priority Priority
	normal   CommandHandler
	inline   InlineCommandHandler
}

type notificationSlot struct {
	priority Priority
	normal   NotificationHandler
	inline   InlineNotificationHandler
}

// Registry holds handler slots and the queue registration matrices. The front-end and
// privileged matrices are channel x subchannel bitsets indexed by queueKey.
type Registry struct {
	mu sync.RWMutex

	commands      [wire.MaxChannels]*commandSlot
	notifications [wire.MaxChannels]*notificationSlot

	frontEnd    *bitset.BitSet
	privileged  *bitset.BitSet
	registrants map[uint]pool.ClientID
	listeners   map[uint]QueueListener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	size := uint(wire.MaxChannels * wire.MaxSubchannels)
	return &Registry{
		frontEnd:    bitset.New(size),
		privileged:  bitset.New(size),
		registrants: make(map[uint]pool.ClientID),
		listeners:   make(map[uint]QueueListener),
	}
}

func queueKey(channel, sub uint8) uint {
	return uint(channel)*wire.MaxSubchannels + uint(sub)
}

func checkChannel(channel uint8) error {
	if channel >= wire.MaxChannels {
		return errMalformed("channel out of range", wire.ErrBadChannel).WithContext("channel", channel)
	}
	if channel == PlatformChannel {
		return errPermission("channel 0 is reserved").WithContext("channel", channel)
	}
	return nil
}

func (r *Registry) setCommand(channel uint8, slot *commandSlot) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commands[channel] != nil {
		return newError(CodeAlreadyRegistered, "command channel taken").WithContext("channel", channel)
	}
	r.commands[channel] = slot
	return nil
}

func (r *Registry) clearCommand(channel uint8) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commands[channel] == nil {
		return newError(CodeNotRegistered, "no command handler").WithContext("channel", channel)
	}
	r.commands[channel] = nil
	return nil
}

func (r *Registry) command(channel uint8) *commandSlot {
	if channel >= wire.MaxChannels {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commands[channel]
}

func (r *Registry) setNotification(channel uint8, slot *notificationSlot) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notifications[channel] != nil {
		return newError(CodeAlreadyRegistered, "notification channel taken").WithContext("channel", channel)
	}
	r.notifications[channel] = slot
	return nil
}

func (r *Registry) clearNotification(channel uint8) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notifications[channel] == nil {
		return newError(CodeNotRegistered, "no notification handler").WithContext("channel", channel)
	}
	r.notifications[channel] = nil
	return nil
}

func (r *Registry) notification(channel uint8) *notificationSlot {
	if channel >= wire.MaxChannels {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifications[channel]
}

// registerQueue makes client the front-end registrant of (channel, sub).
func (r *Registry) registerQueue(channel, sub uint8, client pool.ClientID) error {
	if channel >= wire.MaxChannels {
		return errMalformed("channel out of range", wire.ErrBadChannel).WithContext("channel", channel)
	}
	key := queueKey(channel, sub)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frontEnd.Test(key) {
		return newError(CodeAlreadyRegistered, "queue pair has a registrant").
			WithContext("channel", channel).WithContext("subchannel", sub)
	}
	r.frontEnd.Set(key)
	r.registrants[key] = client
	return nil
}

func (r *Registry) deregisterQueue(channel, sub uint8, client pool.ClientID) error {
	if channel >= wire.MaxChannels {
		return errMalformed("channel out of range", wire.ErrBadChannel).WithContext("channel", channel)
	}
	key := queueKey(channel, sub)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.frontEnd.Test(key) {
		return newError(CodeNotRegistered, "queue pair not registered").
			WithContext("channel", channel).WithContext("subchannel", sub)
	}
	if r.registrants[key] != client {
		return errPermission("queue pair registered by another client").
			WithContext("channel", channel).WithContext("subchannel", sub)
	}
	r.frontEnd.Clear(key)
	delete(r.registrants, key)
	return nil
}

// dropClient removes every queue registration held by client.
func (r *Registry) dropClient(client pool.ClientID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, owner := range r.registrants {
		if owner == client {
			r.frontEnd.Clear(key)
			delete(r.registrants, key)
			n++
		}
	}
	return n
}

func (r *Registry) setListener(channel, sub uint8, l QueueListener) error {
	if channel >= wire.MaxChannels {
		return errMalformed("channel out of range", wire.ErrBadChannel).WithContext("channel", channel)
	}
	key := queueKey(channel, sub)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.privileged.Test(key) {
		return newError(CodeAlreadyRegistered, "queue pair has a listener").
			WithContext("channel", channel).WithContext("subchannel", sub)
	}
	r.privileged.Set(key)
	r.listeners[key] = l
	return nil
}

func (r *Registry) clearListener(channel, sub uint8) error {
	if channel >= wire.MaxChannels {
		return errMalformed("channel out of range", wire.ErrBadChannel).WithContext("channel", channel)
	}
	key := queueKey(channel, sub)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.privileged.Test(key) {
		return newError(CodeNotRegistered, "queue pair has no listener").
			WithContext("channel", channel).WithContext("subchannel", sub)
	}
	r.privileged.Clear(key)
	delete(r.listeners, key)
	return nil
}

// queueRoute resolves an inbound queue pair. The privileged listener wins over the
// front-end registrant.
func (r *Registry) queueRoute(channel, sub uint8) (QueueListener, *pool.ClientID) {
	key := queueKey(channel, sub)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.privileged.Test(key) {
		return r.listeners[key], nil
	}
	if r.frontEnd.Test(key) {
		owner := r.registrants[key]
		return nil, &owner
	}
	return nil, nil
}

// registrant returns the front-end owner of a pair.
func (r *Registry) registrant(channel, sub uint8) (pool.ClientID, bool) {
	key := queueKey(channel, sub)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.frontEnd.Test(key) {
		return 0, false
	}
	return r.registrants[key], true
}

// Counts returns how many queue pairs are registered in each matrix.
func (r *Registry) Counts() (frontEnd, privileged uint) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frontEnd.Count(), r.privileged.Count()
}
