// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

package track

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
	"github.com/platformbuilds/memtrace/internal/livetable"
	"github.com/platformbuilds/memtrace/internal/ring"
)

type fakeClock struct{ ns uint64 }

func (f *fakeClock) Advance(d time.Duration) { f.ns += uint64(d) }
func (f *fakeClock) Now() uint64             { return f.ns }

type recordingSink struct {
	records []event.Record
	ticks   int
}

func (s *recordingSink) Observe(r event.Record) { s.records = append(s.records, r) }
func (s *recordingSink) Tick(uint64)            { s.ticks++ }

func newTestTracker(t *testing.T, mutate func(*config.Engine)) (*Tracker, *ring.Set, *livetable.Table, *fakeClock, *Sinks) {
	t.Helper()
	cfg := config.Default().Engine
	cfg.HistorySize = 4
	cfg.RingCapacity = 1024
	if mutate != nil {
		mutate(&cfg)
	}
	rs, err := ring.NewSet(2, cfg.RingCapacity, ring.DropNewest)
	require.NoError(t, err)
	tbl, err := livetable.New(16, 1<<16)
	require.NoError(t, err)
	clk := &fakeClock{ns: 1}
	sinks := &Sinks{Cache: &recordingSink{}, Stack: &recordingSink{}, NUMA: &recordingSink{}}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	tr := New(cfg, rs, tbl, *sinks, log, clk.Now)
	return tr, rs, tbl, clk, sinks
}

func pushAlloc(rs *ring.Set, cpu event.CPUID, id, addr, size uint64, ts uint64) {
	rs.ForCPU(cpu).Push(event.Record{Kind: event.KindAlloc, CPU: cpu, ID: id, Addr: addr, Size: size, TSNs: ts})
}

func pushFree(rs *ring.Set, cpu event.CPUID, id, addr uint64, ts uint64) {
	rs.ForCPU(cpu).Push(event.Record{Kind: event.KindFree, CPU: cpu, ID: id, Addr: addr, TSNs: ts})
}

func TestBytesLiveMatchesTable(t *testing.T) {
	tr, rs, tbl, clk, _ := newTestTracker(t, nil)

	for i := uint64(0); i < 50; i++ {
		pushAlloc(rs, event.CPUID(i%2), i+1, 0x1000+i*0x100, 64, 1)
	}
	for i := uint64(0); i < 20; i++ {
		pushFree(rs, event.CPUID(i%2), i+1, 0x1000+i*0x100, 2)
	}
	clk.Advance(time.Second)
	snap := tr.TickOnce()

	assert.Equal(t, uint64(50), snap.AllocCount)
	assert.Equal(t, uint64(20), snap.FreeCount)
	assert.Equal(t, uint64(30*64), snap.BytesLive)
	assert.Equal(t, tbl.BytesLive(), snap.BytesLive)
	assert.Equal(t, uint64(50*64+20*64), snap.BytesChurned)
	assert.Zero(t, snap.DroppedEvents)
}

func TestSinkRouting(t *testing.T) {
	tr, rs, _, clk, sinks := newTestTracker(t, nil)

	pushAlloc(rs, 0, 1, 0x1000, 64, 1)
	rs.ForCPU(0).Push(event.Record{Kind: event.KindCacheAccess, Level: event.CacheL1, Hit: true, TSNs: 1})
	rs.ForCPU(1).Push(event.Record{Kind: event.KindStackSample, Thread: 3, Depth: 5, TSNs: 1})

	clk.Advance(time.Second)
	tr.TickOnce()

	cache := sinks.Cache.(*recordingSink)
	stack := sinks.Stack.(*recordingSink)
	numa := sinks.NUMA.(*recordingSink)
	assert.Len(t, cache.records, 1)
	assert.Len(t, stack.records, 1)
	assert.Len(t, numa.records, 1, "NUMA sink sees alloc placements")
	assert.Equal(t, 1, cache.ticks)
	assert.Equal(t, 1, stack.ticks)
	assert.Equal(t, 1, numa.ticks)
}

func TestPressureDetection(t *testing.T) {
	tr, rs, _, clk, _ := newTestTracker(t, func(e *config.Engine) {
		e.PressureBytesPerSec = 1000
	})

	clk.Advance(time.Second)
	tr.TickOnce() // baseline with zero live bytes

	var fired []Snapshot
	tr.OnPressure(func(s Snapshot) { fired = append(fired, s) })

	// 4KB growth over one second versus a 1KB/s threshold.
	pushAlloc(rs, 0, 1, 0x1000, 4096, clk.Now())
	clk.Advance(time.Second)
	snap := tr.TickOnce()

	assert.True(t, snap.Pressure)
	assert.InDelta(t, 4096, snap.GrowthBytesPerSec, 1)
	assert.Equal(t, uint64(1), tr.PressureEvents())
	require.Len(t, fired, 1)

	// Flat window: no new pressure event.
	clk.Advance(time.Second)
	snap = tr.TickOnce()
	assert.False(t, snap.Pressure)
	assert.Equal(t, uint64(1), tr.PressureEvents())
}

func TestHistoryRingEviction(t *testing.T) {
	tr, _, _, clk, _ := newTestTracker(t, nil) // history size 4

	for i := 0; i < 6; i++ {
		clk.Advance(time.Second)
		tr.TickOnce()
	}
	hist := tr.History(0)
	require.Len(t, hist, 4)
	for i := 1; i < len(hist); i++ {
		assert.Greater(t, hist[i].WindowEndNs, hist[i-1].WindowEndNs, "oldest first")
	}
	cur, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, hist[3], cur)
}

func TestCurrentIdempotentWithoutNewEvents(t *testing.T) {
	tr, rs, _, clk, _ := newTestTracker(t, nil)
	pushAlloc(rs, 0, 1, 0x1000, 64, 1)
	clk.Advance(time.Second)
	tr.TickOnce()

	a, ok := tr.Current()
	require.True(t, ok)
	b, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, a, b)
}

func TestDroppedEventsSurfaceInSnapshot(t *testing.T) {
	tr, rs, _, clk, _ := newTestTracker(t, func(e *config.Engine) {
		e.RingCapacity = 8
	})
	for i := uint64(0); i < 20; i++ {
		pushAlloc(rs, 0, i+1, 0x1000+i*0x10, 16, 1)
	}
	clk.Advance(time.Second)
	snap := tr.TickOnce()
	assert.Equal(t, uint64(8), snap.AllocCount)
	assert.Equal(t, uint64(12), snap.DroppedEvents)
}
