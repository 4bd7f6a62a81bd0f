// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package track runs the engine's background drain loop. On every tick the
// tracker empties the per-CPU rings, applies alloc/free records to the live
// table, fans the rest out to the registered window sinks and appends an
// immutable Snapshot to a bounded history ring. Only this goroutine touches
// the consumer side of the rings.
package track

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
	"github.com/platformbuilds/memtrace/internal/livetable"
	"github.com/platformbuilds/memtrace/internal/ring"
)

// Snapshot is the immutable per-window aggregate. Cumulative counters
// (drops, gaps) ride along so consumers can tell complete data from lossy.
type Snapshot struct {
	WindowStartNs uint64 `json:"window_start_ns"`
	WindowEndNs   uint64 `json:"window_end_ns"`

	AllocCount   uint64 `json:"alloc_count"`
	FreeCount    uint64 `json:"free_count"`
	BytesLive    uint64 `json:"bytes_live"`
	BytesChurned uint64 `json:"bytes_churned"`
	LiveCount    uint64 `json:"live_count"`

	DroppedEvents  uint64 `json:"dropped_events"`
	TrackingGaps   uint64 `json:"tracking_gaps"`
	UnmatchedFrees uint64 `json:"unmatched_frees"`

	// GrowthBytesPerSec is d(bytes_live)/dt against the previous snapshot.
	GrowthBytesPerSec float64 `json:"growth_bytes_per_sec"`
	Pressure          bool    `json:"pressure"`
}

// WindowSink consumes routed records during a drain and closes its window on
// Tick. Implementations are only ever called from the tracker goroutine.
type WindowSink interface {
	Observe(rec event.Record)
	Tick(nowNs uint64)
}

// Sinks names the per-kind consumers fed by the drain loop. Nil entries are
// skipped.
type Sinks struct {
	Cache   WindowSink // KindCacheAccess
	Stack   WindowSink // KindStackSample
	NUMA    WindowSink // KindAlloc (placement)
	Pattern WindowSink // KindAlloc and call-site-enriched KindFree
}

// Clock returns nanoseconds; injectable for deterministic tests.
type Clock func() uint64

// Tracker owns the drain loop and the snapshot history.
type Tracker struct {
	cfg   config.Engine
	rings *ring.Set
	table *livetable.Table
	sinks Sinks
	log   *slog.Logger
	now   Clock

	mu       sync.RWMutex
	history  []Snapshot // ring, oldest first once full
	histHead int
	histLen  int

	windowStartNs uint64
	drainBuf      []event.Record

	onPressure func(Snapshot)

	pressureEvents atomic.Uint64
	ticks          atomic.Uint64
}

// New builds a tracker. A nil clock uses wall time.
func New(cfg config.Engine, rings *ring.Set, table *livetable.Table, sinks Sinks, log *slog.Logger, now Clock) *Tracker {
	if now == nil {
		now = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	return &Tracker{
		cfg:           cfg,
		rings:         rings,
		table:         table,
		sinks:         sinks,
		log:           log.With("component", "tracker"),
		now:           now,
		history:       make([]Snapshot, cfg.HistorySize),
		windowStartNs: now(),
		drainBuf:      make([]event.Record, 0, cfg.RingCapacity),
	}
}

// OnPressure registers a callback fired from the tracker goroutine whenever
// a snapshot crosses the growth threshold.
func (t *Tracker) OnPressure(fn func(Snapshot)) { t.onPressure = fn }

// Run ticks until ctx is cancelled. The tick in flight finishes before Run
// returns, so a snapshot is never half-written.
func (t *Tracker) Run(ctx context.Context) error {
	interval := time.Duration(t.cfg.TickInterval)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	t.log.Info("tracker started", "interval", interval, "cpus", t.rings.CPUs(), "ring_capacity", t.cfg.RingCapacity)
	for {
		select {
		case <-ctx.Done():
			t.TickOnce() // final drain so late events are not stranded
			t.log.Info("tracker stopped", "ticks", t.ticks.Load())
			return ctx.Err()
		case <-tick.C:
			t.TickOnce()
		}
	}
}

// TickOnce drains every ring, updates the live table, closes the sink
// windows and publishes a new snapshot. Exported for on-demand refresh and
// tests; not safe to call concurrently with Run.
func (t *Tracker) TickOnce() Snapshot {
	nowNs := t.now()

	t.drainBuf = t.drainBuf[:0]
	batch, dropped := t.rings.DrainAll(t.drainBuf, 0)
	t.drainBuf = batch

	var allocs, frees, churned uint64
	for i := range batch {
		rec := &batch[i]
		switch rec.Kind {
		case event.KindAlloc:
			allocs++
			churned += rec.Size
			t.table.Insert(livetable.Record{
				ID:         rec.ID,
				Addr:       rec.Addr,
				Size:       rec.Size,
				Align:      rec.Align,
				Node:       rec.Node,
				OriginNode: rec.OriginNode,
				CallSite:   rec.CallSite,
				Flags:      rec.Flags,
				CreatedNs:  rec.TSNs,
			})
			if t.sinks.NUMA != nil {
				t.sinks.NUMA.Observe(*rec)
			}
			if t.sinks.Pattern != nil {
				t.sinks.Pattern.Observe(*rec)
			}
		case event.KindFree:
			frees++
			if old, ok := t.table.Remove(rec.ID, rec.Addr); ok {
				churned += old.Size
				if t.sinks.Pattern != nil {
					// Free events carry no call site; borrow it from the
					// allocation they release.
					enriched := *rec
					enriched.CallSite = old.CallSite
					enriched.Size = old.Size
					t.sinks.Pattern.Observe(enriched)
				}
			}
		case event.KindCacheAccess:
			if t.sinks.Cache != nil {
				t.sinks.Cache.Observe(*rec)
			}
		case event.KindStackSample:
			if t.sinks.Stack != nil {
				t.sinks.Stack.Observe(*rec)
			}
		}
	}

	if t.sinks.Cache != nil {
		t.sinks.Cache.Tick(nowNs)
	}
	if t.sinks.Stack != nil {
		t.sinks.Stack.Tick(nowNs)
	}
	if t.sinks.NUMA != nil {
		t.sinks.NUMA.Tick(nowNs)
	}
	if t.sinks.Pattern != nil {
		t.sinks.Pattern.Tick(nowNs)
	}

	evictions, unmatched := t.table.Gaps()
	snap := Snapshot{
		WindowStartNs:  t.windowStartNs,
		WindowEndNs:    nowNs,
		AllocCount:     allocs,
		FreeCount:      frees,
		BytesLive:      t.table.BytesLive(),
		BytesChurned:   churned,
		LiveCount:      uint64(t.table.Len()),
		DroppedEvents:  dropped,
		TrackingGaps:   evictions,
		UnmatchedFrees: unmatched,
	}

	if prev, ok := t.Current(); ok && snap.WindowEndNs > prev.WindowEndNs {
		dt := float64(snap.WindowEndNs-prev.WindowEndNs) / 1e9
		snap.GrowthBytesPerSec = (float64(snap.BytesLive) - float64(prev.BytesLive)) / dt
		if t.cfg.PressureBytesPerSec > 0 && snap.GrowthBytesPerSec > float64(t.cfg.PressureBytesPerSec) {
			snap.Pressure = true
		}
	}

	t.mu.Lock()
	idx := (t.histHead + t.histLen) % len(t.history)
	if t.histLen == len(t.history) {
		// Evict oldest.
		t.histHead = (t.histHead + 1) % len(t.history)
		idx = (t.histHead + t.histLen - 1) % len(t.history)
	} else {
		t.histLen++
	}
	t.history[idx] = snap
	t.mu.Unlock()

	t.windowStartNs = nowNs
	t.ticks.Add(1)
	if snap.Pressure {
		t.pressureEvents.Add(1)
		t.log.Warn("memory pressure",
			"growth_bytes_per_sec", int64(snap.GrowthBytesPerSec),
			"bytes_live", snap.BytesLive)
		if t.onPressure != nil {
			t.onPressure(snap)
		}
	}
	return snap
}

// Current returns the most recent snapshot, if any tick has completed.
func (t *Tracker) Current() (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.histLen == 0 {
		return Snapshot{}, false
	}
	return t.history[(t.histHead+t.histLen-1)%len(t.history)], true
}

// History copies out up to n most recent snapshots, oldest first. n <= 0
// means all retained.
func (t *Tracker) History(n int) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > t.histLen {
		n = t.histLen
	}
	out := make([]Snapshot, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = t.history[(t.histHead+t.histLen-1-i)%len(t.history)]
	}
	return out
}

// PressureEvents returns how many pressure snapshots have been produced.
func (t *Tracker) PressureEvents() uint64 { return t.pressureEvents.Load() }

// Ticks returns how many drain cycles have completed.
func (t *Tracker) Ticks() uint64 { return t.ticks.Load() }
