package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebus/xmbox/kernel/config"
)

func mask(cores ...int) uint32 {
	var m uint32
	for _, c := range cores {
		m |= 1 << c
	}
	return m
}

func TestCompute_SingleDestination(t *testing.T) {
	tbl := NewTable(config.Default(), config.CoreAP0)

	r, err := tbl.Compute(mask(config.CoreDSP0))
	require.NoError(t, err)
	require.Len(t, r.Hops, 1)

	h := r.Hops[0]
	assert.Equal(t, 1, h.Instance)
	assert.Equal(t, uint32(1<<0), h.SourceMask)
	assert.Equal(t, uint32(1<<2), h.TargetMask)
	assert.Equal(t, uint8(0), h.Line())
	assert.Zero(t, r.Unreachable)
}

func TestCompute_PartitionsByInstance(t *testing.T) {
	tbl := NewTable(config.Default(), config.CoreAP0)

	r, err := tbl.Compute(mask(config.CoreAP1, config.CoreDSP0, config.CoreDSP1))
	require.NoError(t, err)
	require.Len(t, r.Hops, 3)

	// ap1 shares every instance; the lowest wins.
	assert.Equal(t, 0, r.Hops[0].Instance)
	assert.Equal(t, mask(config.CoreAP1), r.Hops[0].Cores)
	assert.Equal(t, 1, r.Hops[1].Instance)
	assert.Equal(t, mask(config.CoreDSP0), r.Hops[1].Cores)
	assert.Equal(t, 2, r.Hops[2].Instance)
	assert.Equal(t, uint32(1<<2), r.Hops[2].TargetMask)
}

func TestCompute_ExplicitRouteWins(t *testing.T) {
	cfg := config.Default()
	cfg.Routes = []config.RouteSpec{{Src: config.CoreCompanion, Dst: config.CoreAP0, Instance: 2}}
	require.NoError(t, cfg.Validate())

	fromAP0 := NewTable(cfg, config.CoreAP0)
	r, err := fromAP0.Compute(mask(config.CoreCompanion))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Hops[0].Instance)
	assert.Equal(t, uint32(1<<3), r.Hops[0].TargetMask)

	fromCompanion := NewTable(cfg, config.CoreCompanion)
	r, err = fromCompanion.Compute(mask(config.CoreAP0))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Hops[0].Instance)
	assert.Equal(t, uint32(1<<3), r.Hops[0].SourceMask)
}

func TestCompute_Unreachable(t *testing.T) {
	tbl := NewTable(config.Default(), config.CoreDSP0)

	_, err := tbl.Compute(0)
	assert.ErrorIs(t, err, ErrNoRoute)

	_, err = tbl.Compute(mask(config.CoreDSP1))
	assert.ErrorIs(t, err, ErrNoRoute)

	r, err := tbl.Compute(mask(config.CoreAP0, config.CoreDSP1, 20))
	require.NoError(t, err)
	assert.Len(t, r.Hops, 1)
	assert.Equal(t, mask(config.CoreDSP1, 20), r.Unreachable)
}

func TestCoreAt(t *testing.T) {
	tbl := NewTable(config.Default(), config.CoreAP0)

	c, ok := tbl.CoreAt(2, 3)
	require.True(t, ok)
	assert.Equal(t, config.CoreCompanion, c)

	_, ok = tbl.CoreAt(1, 3)
	assert.False(t, ok)

	line, ok := tbl.LineOn(2)
	require.True(t, ok)
	assert.Equal(t, uint8(0), line)
	assert.Equal(t, uint32(0b111), tbl.Instances())
}
