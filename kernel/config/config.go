// Package config describes the SoC topology (cores, interconnect instances, the interrupt
// line each core owns on each instance, explicit routes) and the runtime knobs of the
// transport. Files are YAML; anything omitted keeps the reference SoC default.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corebus/xmbox/kernel/mailbox"
	"github.com/corebus/xmbox/kernel/mailbox/regs"
)

// MaxCores bounds core ids so a destination set fits a 32-bit mask.
const MaxCores = 32

var ErrInvalid = errors.New("config: invalid")

// Core is one processor core.
type Core struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// LineSpec binds a core to one interrupt line of an instance.
type LineSpec struct {
	Core int   `yaml:"core"`
	Line uint8 `yaml:"line"`
	// SlotMask restricts the slots the core may use; 0 means every slot.
	SlotMask uint32 `yaml:"slot_mask"`
	// UIO names the userspace interrupt device for this line in hardware mode.
	UIO string `yaml:"uio"`
}

// InstanceSpec is one interconnect block.
type InstanceSpec struct {
	ID    int        `yaml:"id"`
	Base  uint64     `yaml:"base"`
	Size  uint32     `yaml:"size"`
	Lines []LineSpec `yaml:"lines"`
}

// RouteSpec pins the instance used between two cores. Routes are symmetric.
type RouteSpec struct {
	Src      int `yaml:"src"`
	Dst      int `yaml:"dst"`
	Instance int `yaml:"instance"`
}

// Runtime holds the transport's tunables.
type Runtime struct {
	DeferredWorkers int           `yaml:"deferred_workers"`
	InlineBudget    time.Duration `yaml:"inline_budget"`
	// BreakerFailures consecutive inline overruns or errors open a channel's breaker.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	AcquirePasses   int           `yaml:"acquire_passes"`
	// DiagnosticsPerSecond throttles repetitive warnings (discards, overruns, late acks).
	DiagnosticsPerSecond int    `yaml:"diagnostics_per_second"`
	LogLevel             string `yaml:"log_level"`
	MetricsAddr          string `yaml:"metrics_addr"`
}

// Config is the full description of one SoC.
type Config struct {
	Slots     int            `yaml:"slots"`
	Cores     []Core         `yaml:"cores"`
	Instances []InstanceSpec `yaml:"instances"`
	Routes    []RouteSpec    `yaml:"routes,omitempty"`
	Runtime   Runtime        `yaml:"runtime"`
}

// Reference SoC core ids.
const (
	CoreAP0 = iota
	CoreAP1
	CoreCompanion
	CoreDSP0
	CoreDSP1
)

// Default returns the reference SoC: two application cores, a companion core and two
// DSPs attached to three 16-slot instances.
func Default() *Config {
	return &Config{
		Slots: 16,
		Cores: []Core{
			{ID: CoreAP0, Name: "ap0"},
			{ID: CoreAP1, Name: "ap1"},
			{ID: CoreCompanion, Name: "companion"},
			{ID: CoreDSP0, Name: "dsp0"},
			{ID: CoreDSP1, Name: "dsp1"},
		},
		Instances: []InstanceSpec{
			{ID: 0, Base: 0x1f300000, Size: regs.Span, Lines: []LineSpec{
				{Core: CoreAP0, Line: 0}, {Core: CoreAP1, Line: 1}, {Core: CoreCompanion, Line: 2},
			}},
			{ID: 1, Base: 0x1f301000, Size: regs.Span, Lines: []LineSpec{
				{Core: CoreAP0, Line: 0}, {Core: CoreAP1, Line: 1}, {Core: CoreDSP0, Line: 2},
			}},
			{ID: 2, Base: 0x1f302000, Size: regs.Span, Lines: []LineSpec{
				{Core: CoreAP0, Line: 0}, {Core: CoreAP1, Line: 1},
				{Core: CoreDSP1, Line: 2}, {Core: CoreCompanion, Line: 3},
			}},
		},
		Runtime: DefaultRuntime(),
	}
}

// DefaultRuntime returns the default tunables.
func DefaultRuntime() Runtime {
	return Runtime{
		DeferredWorkers:      4,
		InlineBudget:         50 * time.Microsecond,
		BreakerFailures:      5,
		BreakerCooldown:      10 * time.Second,
		DefaultTimeout:       time.Second,
		AcquirePasses:        mailbox.DefaultAcquirePasses,
		DiagnosticsPerSecond: 10,
		LogLevel:             "info",
		MetricsAddr:          ":9464",
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Lists given in the
// document replace the default lists wholesale.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the topology against the hardware limits.
func (c *Config) Validate() error {
	if c.Slots < 1 || c.Slots > regs.MaxSlots {
		return fmt.Errorf("%w: slots %d outside 1..%d", ErrInvalid, c.Slots, regs.MaxSlots)
	}
	if len(c.Instances) == 0 || len(c.Instances) > mailbox.MaxInstances {
		return fmt.Errorf("%w: %d instances, want 1..%d", ErrInvalid, len(c.Instances), mailbox.MaxInstances)
	}

	cores := make(map[int]bool, len(c.Cores))
	for _, core := range c.Cores {
		if core.ID < 0 || core.ID >= MaxCores {
			return fmt.Errorf("%w: core id %d outside 0..%d", ErrInvalid, core.ID, MaxCores-1)
		}
		if cores[core.ID] {
			return fmt.Errorf("%w: duplicate core id %d", ErrInvalid, core.ID)
		}
		cores[core.ID] = true
	}

	for i, inst := range c.Instances {
		if inst.ID != i {
			return fmt.Errorf("%w: instance %d listed at position %d", ErrInvalid, inst.ID, i)
		}
		var lines, owners uint64
		for _, ls := range inst.Lines {
			if ls.Line >= regs.MaxLines {
				return fmt.Errorf("%w: instance %d line %d outside 0..%d", ErrInvalid, i, ls.Line, regs.MaxLines-1)
			}
			if !cores[ls.Core] {
				return fmt.Errorf("%w: instance %d references unknown core %d", ErrInvalid, i, ls.Core)
			}
			if lines&(1<<ls.Line) != 0 {
				return fmt.Errorf("%w: instance %d line %d assigned twice", ErrInvalid, i, ls.Line)
			}
			if owners&(1<<ls.Core) != 0 {
				return fmt.Errorf("%w: core %d owns two lines on instance %d", ErrInvalid, ls.Core, i)
			}
			lines |= 1 << ls.Line
			owners |= 1 << ls.Core
		}
	}

	for _, r := range c.Routes {
		if r.Instance < 0 || r.Instance >= len(c.Instances) {
			return fmt.Errorf("%w: route %d->%d uses unknown instance %d", ErrInvalid, r.Src, r.Dst, r.Instance)
		}
		if _, ok := c.LineOf(r.Src, r.Instance); !ok {
			return fmt.Errorf("%w: route %d->%d: core %d not on instance %d", ErrInvalid, r.Src, r.Dst, r.Src, r.Instance)
		}
		if _, ok := c.LineOf(r.Dst, r.Instance); !ok {
			return fmt.Errorf("%w: route %d->%d: core %d not on instance %d", ErrInvalid, r.Src, r.Dst, r.Dst, r.Instance)
		}
	}

	rt := c.Runtime
	switch {
	case rt.DeferredWorkers < 1:
		return fmt.Errorf("%w: deferred_workers must be positive", ErrInvalid)
	case rt.InlineBudget <= 0:
		return fmt.Errorf("%w: inline_budget must be positive", ErrInvalid)
	case rt.DefaultTimeout <= 0:
		return fmt.Errorf("%w: default_timeout must be positive", ErrInvalid)
	case rt.AcquirePasses < 1:
		return fmt.Errorf("%w: acquire_passes must be positive", ErrInvalid)
	}
	return nil
}

// HasCore reports whether id is a configured core.
func (c *Config) HasCore(id int) bool {
	for _, core := range c.Cores {
		if core.ID == id {
			return true
		}
	}
	return false
}

// CoreName returns the configured name of core id.
func (c *Config) CoreName(id int) string {
	for _, core := range c.Cores {
		if core.ID == id {
			return core.Name
		}
	}
	return fmt.Sprintf("core%d", id)
}

// CoreByName resolves a core name to its id.
func (c *Config) CoreByName(name string) (int, bool) {
	for _, core := range c.Cores {
		if core.Name == name {
			return core.ID, true
		}
	}
	return 0, false
}

// LineOf returns the line core owns on instance.
func (c *Config) LineOf(core, instance int) (LineSpec, bool) {
	if instance < 0 || instance >= len(c.Instances) {
		return LineSpec{}, false
	}
	for _, ls := range c.Instances[instance].Lines {
		if ls.Core == core {
			return ls, true
		}
	}
	return LineSpec{}, false
}

// SlotMask returns the slot mask the line may use, with 0 widened to every slot.
func (c *Config) SlotMask(ls LineSpec) uint32 {
	all := uint32(uint64(1)<<c.Slots - 1)
	if ls.SlotMask == 0 {
		return all
	}
	return ls.SlotMask & all
}
