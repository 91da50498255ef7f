// Package ipc is the cross-core message transport: command/response, notification and
// queue protocols on top of the mailbox pool, plus interrupt and deferred dispatch.
//
// A Core is one processor core's view of the SoC. Callers talk to it through Clients;
// in-process services register handlers on the Core directly.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/corebus/xmbox/kernel/config"
	"github.com/corebus/xmbox/kernel/foundation"
	"github.com/corebus/xmbox/kernel/hal"
	"github.com/corebus/xmbox/kernel/mailbox"
	"github.com/corebus/xmbox/kernel/pool"
	"github.com/corebus/xmbox/kernel/route"
	"github.com/corebus/xmbox/kernel/utils"
	"github.com/corebus/xmbox/kernel/wire"
)

// State is the lifecycle state of a Core.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

var stateNames = map[State]string{
	StateCreated:  "CREATED",
	StateStarting: "STARTING",
	StateRunning:  "RUNNING",
	StateStopping: "STOPPING",
	StateStopped:  "STOPPED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

// Options configures a Core.
type Options struct {
	Config *config.Config
	Self   int
	// Banks holds one register bank per configured instance; nil entries are absent.
	// Banks stay owned by the caller.
	Banks []hal.RegisterBank
	// Lines holds this core's interrupt line on each instance. The Core closes them.
	Lines  []hal.InterruptLine
	Logger *utils.Logger
}

// Core is the transport instance of one processor core.
type Core struct {
	state  atomic.Int32
	cfg    *config.Config
	self   int
	name   string
	logger *utils.Logger

	table     *route.Table
	pool      *pool.Pool
	banks     []hal.RegisterBank
	lines     []hal.InterruptLine
	lineIDs   []uint8
	instances []*mailbox.Instance

	registry *Registry
	inline   *inlineGuard
	metrics  *Metrics
	deferred *foundation.WorkQueue
	offers   map[wire.Mode]*[wire.MaxChannels]*foundation.Epoch
	platform *platform
	diag     *limiter.TokenBucket

	clientsMu  sync.Mutex
	clients    map[pool.ClientID]*Client
	nextClient atomic.Uint32
	kernel     *Client

	discards atomic.Uint64
	lateAcks atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a Core. Nothing touches hardware until Start.
func New(opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.HasCore(opts.Self) {
		return nil, fmt.Errorf("ipc: core %d not in configuration", opts.Self)
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.NopLogger()
	}

	c := &Core{
		cfg:       cfg,
		self:      opts.Self,
		name:      cfg.CoreName(opts.Self),
		table:     route.NewTable(cfg, opts.Self),
		pool:      pool.New(len(cfg.Instances), cfg.Slots),
		banks:     opts.Banks,
		lines:     opts.Lines,
		lineIDs:   make([]uint8, len(cfg.Instances)),
		instances: make([]*mailbox.Instance, len(cfg.Instances)),
		registry:  NewRegistry(),
		offers:    make(map[wire.Mode]*[wire.MaxChannels]*foundation.Epoch),
		clients:   make(map[pool.ClientID]*Client),
	}
	c.logger = logger.Named("ipc").With(utils.String("core", c.name))
	c.metrics = newMetrics(c.name, func() float64 { return float64(c.pool.InUseCount()) })
	c.inline = newInlineGuard(cfg.Runtime.InlineBudget, cfg.Runtime.BreakerFailures,
		cfg.Runtime.BreakerCooldown, c.metrics, c.logger)
	c.deferred = foundation.NewWorkQueue(c.pool.Len(), cfg.Runtime.DeferredWorkers, c.runDeferred)
	for _, mode := range []wire.Mode{wire.ModeCommand, wire.ModeNotification, wire.ModeQueue} {
		var set [wire.MaxChannels]*foundation.Epoch
		for ch := range set {
			set[ch] = foundation.NewEpoch()
		}
		c.offers[mode] = &set
	}

	rate := int64(cfg.Runtime.DiagnosticsPerSecond)
	if rate < 1 {
		rate = 1
	}
	c.diag, _ = limiter.NewTokenBucket(
		limiter.Config{
			Rate:     rate,
			Duration: time.Second,
			Burst:    rate,
		},
		store.NewMemoryStore(time.Minute),
	)

	c.platform = newPlatform(c)
	c.kernel = &Client{core: c, id: pool.Kernel, kind: pool.Direct, ctx: context.Background(), cancel: func() {}}
	c.nextClient.Store(uint32(pool.Kernel))
	return c, nil
}

// State returns the lifecycle state.
func (c *Core) State() State {
	return State(c.state.Load())
}

// Self returns the core id.
func (c *Core) Self() int {
	return c.self
}

// Name returns the configured core name.
func (c *Core) Name() string {
	return c.name
}

// Metrics returns the core's collectors.
func (c *Core) Metrics() *Metrics {
	return c.metrics
}

// Table returns the routing table.
func (c *Core) Table() *route.Table {
	return c.table
}

// Start initializes every instance this core attaches to and launches the interrupt
// loops and deferred workers. An instance failing identity validation stays disabled;
// Start fails only if no instance is usable.
func (c *Core) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("ipc: start in state %s", c.State())
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	var initErrs error
	ready := 0
	for i := range c.cfg.Instances {
		ls, ok := c.cfg.LineOf(c.self, i)
		if !ok {
			continue
		}
		if i >= len(c.banks) || c.banks[i] == nil || i >= len(c.lines) || c.lines[i] == nil {
			c.logger.Warn("Instance not wired", utils.Int("instance", i))
			continue
		}
		in := mailbox.New(i, c.banks[i], c.logger.Named("mailbox"))
		in.SetAcquirePasses(c.cfg.Runtime.AcquirePasses)
		if err := in.Initialize(1<<ls.Line, c.cfg.SlotMask(ls)); err != nil {
			c.logger.Error("Instance disabled", utils.Int("instance", i), utils.Err(err))
			initErrs = multierr.Append(initErrs, errDeviceInvalid(i, err))
			continue
		}
		c.instances[i] = in
		c.lineIDs[i] = ls.Line
		ready++
	}
	if ready == 0 {
		c.cancel()
		c.state.Store(int32(StateStopped))
		if initErrs == nil {
			initErrs = errDeviceInvalid(-1, mailbox.ErrDeviceDisabled)
		}
		return initErrs
	}

	c.deferred.Start(c.ctx)
	g, gctx := errgroup.WithContext(c.ctx)
	for i, in := range c.instances {
		if in == nil {
			continue
		}
		i := i
		g.Go(func() error {
			return c.serve(gctx, i)
		})
	}
	c.group = g

	c.state.Store(int32(StateRunning))
	c.logger.Info("Core running",
		utils.Int("instances", ready),
		utils.Int("mailboxes", c.pool.Len()),
		utils.Int("workers", c.cfg.Runtime.DeferredWorkers))
	return nil
}

// Close closes every client, force-releases every mailbox still held, and stops the
// interrupt loops and workers.
func (c *Core) Close() error {
	if c.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
		return nil
	}
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}

	var errs error
	c.clientsMu.Lock()
	clients := make([]*Client, 0, len(c.clients))
	for _, cl := range c.clients {
		clients = append(clients, cl)
	}
	c.clientsMu.Unlock()
	for _, cl := range clients {
		errs = multierr.Append(errs, cl.Close())
	}

	if n := c.sweep(func(pool.ClientID) bool { return true }, true); n > 0 {
		c.logger.Info("Released mailboxes on close", utils.Int("count", n))
	}

	c.cancel()
	for _, l := range c.lines {
		if l != nil {
			errs = multierr.Append(errs, l.Close())
		}
	}
	if c.group != nil {
		errs = multierr.Append(errs, c.group.Wait())
	}
	c.deferred.Stop()

	c.state.Store(int32(StateStopped))
	c.logger.Info("Core stopped")
	return errs
}

// serve is the interrupt loop of one instance.
func (c *Core) serve(ctx context.Context, i int) error {
	line := c.lines[i]
	label := strconv.Itoa(i)
	for {
		if err := line.Wait(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, hal.ErrClosed) {
				return nil
			}
			return utils.WrapErrorf(err, "instance %d interrupt", i)
		}
		c.metrics.Interrupts.WithLabelValues(label).Inc()
		c.service(i)
		if err := line.Unmask(); err != nil {
			return utils.WrapErrorf(err, "instance %d unmask", i)
		}
	}
}

func (c *Core) running() error {
	if c.State() != StateRunning {
		return errClosed().WithContext("state", c.State().String())
	}
	return nil
}

func (c *Core) instance(i int) (*mailbox.Instance, error) {
	if i < 0 || i >= len(c.instances) || c.instances[i] == nil {
		return nil, errDeviceInvalid(i, mailbox.ErrDeviceDisabled)
	}
	return c.instances[i], nil
}

func (c *Core) offer(mode wire.Mode, channel uint8) *foundation.Epoch {
	set, ok := c.offers[mode]
	if !ok || channel >= wire.MaxChannels {
		return nil
	}
	return set[channel]
}

// throttled reports whether a repetitive diagnostic keyed by key may be logged now.
func (c *Core) throttled(key string) bool {
	return c.diag != nil && c.diag.Allow(key)
}

// RegisterCommandHandler serves a command channel from the deferred context.
func (c *Core) RegisterCommandHandler(channel uint8, h CommandHandler) error {
	return c.registry.setCommand(channel, &commandSlot{priority: PriorityNormal, normal: h})
}

// RegisterInlineCommandHandler serves a command channel from the interrupt loop.
func (c *Core) RegisterInlineCommandHandler(channel uint8, h InlineCommandHandler) error {
	return c.registry.setCommand(channel, &commandSlot{priority: PriorityHigh, inline: h})
}

func (c *Core) DeregisterCommandHandler(channel uint8) error {
	return c.registry.clearCommand(channel)
}

// RegisterNotificationHandler serves a notification channel from the deferred context.
func (c *Core) RegisterNotificationHandler(channel uint8, h NotificationHandler) error {
	return c.registry.setNotification(channel, &notificationSlot{priority: PriorityNormal, normal: h})
}

// RegisterInlineNotificationHandler serves a notification channel from the interrupt loop.
func (c *Core) RegisterInlineNotificationHandler(channel uint8, h InlineNotificationHandler) error {
	return c.registry.setNotification(channel, &notificationSlot{priority: PriorityHigh, inline: h})
}

func (c *Core) DeregisterNotificationHandler(channel uint8) error {
	return c.registry.clearNotification(channel)
}

// RegisterQueueListener installs the privileged consumer of a queue pair.
func (c *Core) RegisterQueueListener(channel, sub uint8, l QueueListener) error {
	return c.registry.setListener(channel, sub, l)
}

func (c *Core) DeregisterQueueListener(channel, sub uint8) error {
	return c.registry.clearListener(channel, sub)
}

// InlineState returns the breaker state of a high-priority channel.
func (c *Core) InlineState(mode wire.Mode, channel uint8) string {
	return c.inline.state(mode, channel)
}
