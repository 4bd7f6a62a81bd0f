// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

package mapper

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/memtrace/internal/cacheprof"
	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
	"github.com/platformbuilds/memtrace/internal/frag"
	"github.com/platformbuilds/memtrace/internal/leak"
	"github.com/platformbuilds/memtrace/internal/livetable"
	"github.com/platformbuilds/memtrace/internal/numaprof"
	"github.com/platformbuilds/memtrace/internal/pattern"
	"github.com/platformbuilds/memtrace/internal/ring"
	"github.com/platformbuilds/memtrace/internal/stackprof"
	"github.com/platformbuilds/memtrace/internal/track"
)

type harness struct {
	mapper  *Mapper
	tracker *track.Tracker
	rings   *ring.Set
	table   *livetable.Table
	nowNs   uint64
}

func (h *harness) clock() uint64 { return h.nowNs }

func (h *harness) push(t *testing.T, rec event.Record) {
	t.Helper()
	require.True(t, h.rings.ForCPU(rec.CPU).Push(rec))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Default()
	cfg.Engine.CPUs = 2
	cfg.Engine.RingCapacity = 256
	cfg.Engine.HistorySize = 8
	cfg.Engine.Leak.AgeThreshold = model.Duration(time.Second)
	cfg.Engine.Leak.SizeThreshold = 64

	h := &harness{nowNs: 0}
	rings, err := ring.NewSet(cfg.Engine.CPUs, cfg.Engine.RingCapacity, ring.DropNewest)
	require.NoError(t, err)
	table, err := livetable.New(cfg.Engine.TableShards, cfg.Engine.TableCapacity)
	require.NoError(t, err)

	cache := cacheprof.New(cfg.Engine.Cache)
	stack := stackprof.New(cfg.Engine.Stack, log)
	numa := numaprof.New(cfg.Engine.NUMA, log)
	pats := pattern.New(cfg.Engine.Pattern, log)
	tracker := track.New(cfg.Engine, rings, table, track.Sinks{
		Cache: cache, Stack: stack, NUMA: numa, Pattern: pats,
	}, log, h.clock)
	leaks := leak.New(cfg.Engine.Leak, table, log)
	frags := frag.New(cfg.Engine.Frag, table, func() []frag.RegionInfo {
		return []frag.RegionInfo{{FreeBlockSizes: []uint64{100, 300, 600}}}
	}, log)

	h.rings, h.table, h.tracker = rings, table, tracker
	h.mapper = New(Components{
		Tracker: tracker, Table: table, Leaks: leaks, Frags: frags,
		Cache: cache, Stack: stack, NUMA: numa, Pattern: pats,
	}, log, h.clock)
	return h
}

func TestSnapshotAndHistory(t *testing.T) {
	h := newHarness(t)
	h.push(t, event.Record{Kind: event.KindAlloc, ID: 1, Addr: 0x1000, Size: 128})
	h.nowNs = uint64(time.Second)
	h.tracker.TickOnce()

	snap, ok := h.mapper.Snapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.AllocCount)
	assert.Equal(t, uint64(128), snap.BytesLive)
	assert.Len(t, h.mapper.History(0), 1)
}

func TestLeakReportConfidenceFilter(t *testing.T) {
	h := newHarness(t)
	h.push(t, event.Record{Kind: event.KindAlloc, ID: 1, Addr: 0x1000, Size: 128, TSNs: 1})
	h.nowNs = uint64(time.Second)
	h.tracker.TickOnce()
	h.nowNs = uint64(5 * time.Second)

	all := h.mapper.LeakReport(0)
	require.Len(t, all.Candidates, 1)

	none := h.mapper.LeakReport(1.1) // above the maximum possible confidence
	assert.Empty(t, none.Candidates)
	assert.Zero(t, none.SuspectedBytes)
}

func TestLookupAddressCaches(t *testing.T) {
	h := newHarness(t)
	h.push(t, event.Record{Kind: event.KindAlloc, ID: 7, Addr: 0x2000, Size: 64})
	h.tracker.TickOnce()

	rec, ok := h.mapper.LookupAddress(0x2000)
	require.True(t, ok)
	assert.Equal(t, uint64(7), rec.ID)

	// Cached answers must not outlive the allocation.
	h.push(t, event.Record{Kind: event.KindFree, ID: 7, Addr: 0x2000})
	h.tracker.TickOnce()
	_, ok = h.mapper.LookupAddress(0x2000)
	assert.False(t, ok)
}

func TestLookupRange(t *testing.T) {
	h := newHarness(t)
	h.push(t, event.Record{Kind: event.KindAlloc, ID: 1, Addr: 0x1000, Size: 64})
	h.push(t, event.Record{Kind: event.KindAlloc, ID: 2, Addr: 0x2000, Size: 64})
	h.push(t, event.Record{Kind: event.KindAlloc, ID: 3, Addr: 0x9000, Size: 64})
	h.tracker.TickOnce()

	got := h.mapper.LookupRange(0x1000, 0x3000)
	assert.Len(t, got, 2)
}

func TestNUMAReportFillsResidency(t *testing.T) {
	h := newHarness(t)
	h.push(t, event.Record{Kind: event.KindAlloc, ID: 1, Addr: 0x1000, Size: 256, Node: 0, OriginNode: 0})
	h.nowNs = uint64(time.Second)
	h.tracker.TickOnce()

	states, _ := h.mapper.NUMAReport()
	require.NotEmpty(t, states)
	assert.Equal(t, uint64(256), states[0].BytesResident)
}

func TestComprehensiveReport(t *testing.T) {
	h := newHarness(t)
	h.push(t, event.Record{Kind: event.KindAlloc, ID: 1, Addr: 0x1000, Size: 128, TSNs: 1})
	h.push(t, event.Record{Kind: event.KindCacheAccess, Level: event.CacheL1, Hit: true})
	h.push(t, event.Record{Kind: event.KindStackSample, Thread: 1, Depth: 4, HighWater: 1024})
	h.nowNs = uint64(time.Second)
	h.tracker.TickOnce()
	h.nowNs = uint64(5 * time.Second)

	b, err := h.mapper.ComprehensiveReport()
	require.NoError(t, err)
	assert.Equal(t, ReportVersion, b.Version)
	assert.NotEmpty(t, b.EngineBuild)
	assert.Equal(t, uint64(1), b.Snapshot.AllocCount)
	assert.Len(t, b.Cache, 3)
	require.Len(t, b.Stack.Threads, 1)
	require.Len(t, b.Leaks.Candidates, 1)
	assert.False(t, b.Fragmentation.InsufficientData)

	// The bundle must round-trip as JSON for the HTTP surface.
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.EqualValues(t, 1, decoded["version"])
}

func TestComprehensiveReportSharedAcrossCallers(t *testing.T) {
	h := newHarness(t)
	h.push(t, event.Record{Kind: event.KindAlloc, ID: 1, Addr: 0x1000, Size: 128})
	h.tracker.TickOnce()

	const callers = 8
	out := make([]*Bundle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := h.mapper.ComprehensiveReport()
			assert.NoError(t, err)
			out[i] = b
		}(i)
	}
	wg.Wait()
	for i := 0; i < callers; i++ {
		require.NotNil(t, out[i])
		assert.Equal(t, ReportVersion, out[i].Version)
	}
}
