// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

package frag

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/livetable"
)

func newAnalyzer(t *testing.T, regions RegionSource, mutate func(*config.Frag)) (*Analyzer, *livetable.Table) {
	t.Helper()
	cfg := config.Default().Engine.Frag
	if mutate != nil {
		mutate(&cfg)
	}
	tbl, err := livetable.New(16, 1<<16)
	require.NoError(t, err)
	return New(cfg, tbl, regions, slog.New(slog.NewTextHandler(os.Stderr, nil))), tbl
}

func staticRegions(sizes ...uint64) RegionSource {
	return func() []RegionInfo {
		return []RegionInfo{{Start: 0x10000, End: 0x20000, FreeBlockSizes: sizes}}
	}
}

func TestExternalFragmentation(t *testing.T) {
	a, _ := newAnalyzer(t, staticRegions(100, 300, 600), nil)

	rep := a.Analyze(1)
	assert.InDelta(t, 0.4, rep.ExternalFragPct, 0.001) // 1 - 600/1000
	assert.Equal(t, uint64(600), rep.LargestFreeBlock)
	assert.Equal(t, uint64(1000), rep.TotalFreeBytes)
	assert.Equal(t, 1, rep.RegionCount)
	assert.False(t, rep.InsufficientData)
}

func TestSingleFreeBlockIsZeroExternal(t *testing.T) {
	a, _ := newAnalyzer(t, staticRegions(4096), nil)

	rep := a.Analyze(1)
	assert.Zero(t, rep.ExternalFragPct, "one contiguous block is no fragmentation")
}

func TestInternalFragmentationFromPadding(t *testing.T) {
	a, tbl := newAnalyzer(t, staticRegions(4096), nil)
	// 100 bytes rounded up to a 64-byte boundary wastes 28.
	tbl.Insert(livetable.Record{ID: 1, Addr: 0x1000, Size: 100, Align: 64})

	rep := a.Analyze(1)
	assert.Equal(t, uint64(28), rep.PaddingBytes)
	assert.Equal(t, uint64(100), rep.AllocatedBytes)
	assert.InDelta(t, 28.0/128.0, rep.InternalFragPct, 0.001)
}

func TestInsufficientData(t *testing.T) {
	a, _ := newAnalyzer(t, nil, nil)

	rep := a.Analyze(1)
	assert.True(t, rep.InsufficientData)
	assert.Zero(t, rep.ExternalFragPct)
	assert.Zero(t, rep.InternalFragPct)
}

func TestDefragNeedsConsecutiveWindows(t *testing.T) {
	// Many equal small blocks: external = 1 - 1/16 ≈ 0.94, over threshold.
	frag := staticRegions(64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64)
	a, _ := newAnalyzer(t, frag, func(c *config.Frag) {
		c.AlertThreshold = 0.30
		c.ConsecutiveWindows = 3
	})

	assert.False(t, a.Analyze(1).RecommendDefrag, "run 1 of 3")
	assert.False(t, a.Analyze(2).RecommendDefrag, "run 2 of 3")
	rep := a.Analyze(3)
	assert.True(t, rep.RecommendDefrag)
	assert.Equal(t, 3, rep.OverThresholdRuns)
	require.NotEmpty(t, rep.Opportunities)
	assert.Equal(t, "defragment", rep.Opportunities[0].Kind)
}

func TestHealthyWindowResetsStreak(t *testing.T) {
	fragmented := true
	source := func() []RegionInfo {
		if fragmented {
			return []RegionInfo{{FreeBlockSizes: []uint64{64, 64, 64, 64}}}
		}
		return []RegionInfo{{FreeBlockSizes: []uint64{4096}}}
	}
	a, _ := newAnalyzer(t, source, func(c *config.Frag) {
		c.AlertThreshold = 0.30
		c.ConsecutiveWindows = 2
	})

	a.Analyze(1) // over, streak 1
	fragmented = false
	a.Analyze(2) // healthy, streak resets
	fragmented = true
	rep := a.Analyze(3) // over, streak 1 again
	assert.False(t, rep.RecommendDefrag)
	assert.Equal(t, 1, rep.OverThresholdRuns)
}

func TestPoolingOpportunity(t *testing.T) {
	a, tbl := newAnalyzer(t, staticRegions(4096), nil)
	for i := uint64(0); i < 100; i++ {
		tbl.Insert(livetable.Record{ID: i + 1, Addr: 0x1000 + i*0x100, Size: 64})
	}

	rep := a.Analyze(1)
	var kinds []string
	for _, o := range rep.Opportunities {
		kinds = append(kinds, o.Kind)
	}
	assert.Contains(t, kinds, "pool_small_objects")
}

func TestLastReturnsPublishedReport(t *testing.T) {
	a, _ := newAnalyzer(t, staticRegions(100, 900), nil)
	want := a.Analyze(42)
	got := a.Last()
	assert.Equal(t, want.TimestampNs, got.TimestampNs)
	assert.Equal(t, want.ExternalFragPct, got.ExternalFragPct)
}
