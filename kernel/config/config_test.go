package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Len(t, cfg.Instances, 3)
	assert.Equal(t, 16, cfg.Slots)

	ls, ok := cfg.LineOf(CoreDSP1, 2)
	require.True(t, ok)
	assert.Equal(t, uint8(2), ls.Line)

	_, ok = cfg.LineOf(CoreDSP1, 0)
	assert.False(t, ok)

	assert.Equal(t, uint32(0xffff), cfg.SlotMask(ls))
}

func TestParse_OverridesRuntime(t *testing.T) {
	cfg, err := Parse([]byte(`
runtime:
  deferred_workers: 2
  inline_budget: 20us
  default_timeout: 250ms
  log_level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Runtime.DeferredWorkers)
	assert.Equal(t, 20*time.Microsecond, cfg.Runtime.InlineBudget)
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.DefaultTimeout)
	assert.Equal(t, "debug", cfg.Runtime.LogLevel)
	assert.Len(t, cfg.Instances, 3, "topology keeps the defaults")
}

func TestParse_ReplacesTopology(t *testing.T) {
	cfg, err := Parse([]byte(`
slots: 8
cores:
  - {id: 0, name: host}
  - {id: 1, name: peer}
instances:
  - id: 0
    lines:
      - {core: 0, line: 0, slot_mask: 0x0f}
      - {core: 1, line: 1}
routes:
  - {src: 0, dst: 1, instance: 0}
`))
	require.NoError(t, err)

	require.Len(t, cfg.Instances, 1)
	host, ok := cfg.CoreByName("host")
	require.True(t, ok)
	ls, ok := cfg.LineOf(host, 0)
	require.True(t, ok)
	assert.Equal(t, uint32(0x0f), cfg.SlotMask(ls))
	assert.Equal(t, "peer", cfg.CoreName(1))
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"too many slots", func(c *Config) { c.Slots = 33 }},
		{"too many instances", func(c *Config) {
			for len(c.Instances) < 6 {
				c.Instances = append(c.Instances, InstanceSpec{ID: len(c.Instances)})
			}
		}},
		{"line out of range", func(c *Config) { c.Instances[0].Lines[0].Line = 8 }},
		{"duplicate line", func(c *Config) { c.Instances[0].Lines[1].Line = 0 }},
		{"unknown core", func(c *Config) { c.Instances[0].Lines[0].Core = 9 }},
		{"instance out of order", func(c *Config) { c.Instances[1].ID = 7 }},
		{"route through foreign instance", func(c *Config) {
			c.Routes = []RouteSpec{{Src: CoreAP0, Dst: CoreDSP0, Instance: 0}}
		}},
		{"zero workers", func(c *Config) { c.Runtime.DeferredWorkers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoad_RoundTripsMarshal(t *testing.T) {
	data, err := Default().Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "soc.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
