// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package mapper is the read side of the engine. It aggregates the tracker,
// the analyzers and the live table behind one query surface and produces
// the versioned comprehensive report. Queries never block the drain loop:
// every answer is built from the components' published copies, concurrent
// comprehensive-report requests are collapsed into one build, and point
// lookups go through a small TTL cache.
package mapper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platformbuilds/memtrace/internal/cacheprof"
	"github.com/platformbuilds/memtrace/internal/event"
	"github.com/platformbuilds/memtrace/internal/frag"
	"github.com/platformbuilds/memtrace/internal/leak"
	"github.com/platformbuilds/memtrace/internal/livetable"
	"github.com/platformbuilds/memtrace/internal/numaprof"
	"github.com/platformbuilds/memtrace/internal/pattern"
	"github.com/platformbuilds/memtrace/internal/stackprof"
	"github.com/platformbuilds/memtrace/internal/track"
	"github.com/platformbuilds/memtrace/internal/version"
)

// ReportVersion is bumped whenever the bundle layout changes shape.
const ReportVersion = 1

// Bundle is the comprehensive report: every analyzer's current view plus
// recent history, stamped with a schema version.
type Bundle struct {
	Version      int    `json:"version"`
	EngineBuild  string `json:"engine_build"`
	GeneratedNs  uint64 `json:"generated_ns"`

	Snapshot track.Snapshot   `json:"snapshot"`
	History  []track.Snapshot `json:"history"`

	Leaks         leak.Report          `json:"leaks"`
	Fragmentation frag.Report          `json:"fragmentation"`
	Cache         []cacheprof.Stats    `json:"cache"`
	Stack         stackprof.Report     `json:"stack"`
	NUMA          []numaprof.NodeState `json:"numa"`
	NUMAAdvice    []numaprof.Recommendation `json:"numa_advice,omitempty"`
	Patterns      pattern.Report       `json:"patterns"`
}

// Clock returns nanoseconds; injectable for deterministic tests.
type Clock func() uint64

// Mapper aggregates the engine's published state.
type Mapper struct {
	tracker *track.Tracker
	table   *livetable.Table
	leaks   *leak.Detector
	frags   *frag.Analyzer
	cache   *cacheprof.Profiler
	stack   *stackprof.Profiler
	numa    *numaprof.Profiler
	pats    *pattern.Analyzer
	log     *slog.Logger
	now     Clock

	group       singleflight.Group
	lookupCache *expirable.LRU[uint64, livetable.Record]
}

// Components names everything the mapper reads. Nil analyzers yield zero
// values in reports rather than panics.
type Components struct {
	Tracker *track.Tracker
	Table   *livetable.Table
	Leaks   *leak.Detector
	Frags   *frag.Analyzer
	Cache   *cacheprof.Profiler
	Stack   *stackprof.Profiler
	NUMA    *numaprof.Profiler
	Pattern *pattern.Analyzer
}

// New builds a mapper. A nil clock uses wall time.
func New(c Components, log *slog.Logger, now Clock) *Mapper {
	if now == nil {
		now = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	return &Mapper{
		tracker:     c.Tracker,
		table:       c.Table,
		leaks:       c.Leaks,
		frags:       c.Frags,
		cache:       c.Cache,
		stack:       c.Stack,
		numa:        c.NUMA,
		pats:        c.Pattern,
		log:         log.With("component", "mapper"),
		now:         now,
		lookupCache: expirable.NewLRU[uint64, livetable.Record](4096, nil, time.Second),
	}
}

// Snapshot returns the tracker's latest window aggregate.
func (m *Mapper) Snapshot() (track.Snapshot, bool) { return m.tracker.Current() }

// History returns up to n recent snapshots, oldest first.
func (m *Mapper) History(n int) []track.Snapshot { return m.tracker.History(n) }

// LeakReport runs a leak scan and filters candidates below minConfidence.
// The fragmentation analyzer's last external figure feeds classification.
func (m *Mapper) LeakReport(minConfidence float64) leak.Report {
	fragPct := -1.0
	if m.frags != nil {
		if last := m.frags.Last(); !last.InsufficientData {
			fragPct = last.ExternalFragPct
		}
	}
	rep := m.leaks.Scan(m.now(), fragPct)
	if minConfidence > 0 {
		kept := rep.Candidates[:0]
		var bytes uint64
		for _, c := range rep.Candidates {
			if c.Confidence >= minConfidence {
				kept = append(kept, c)
				bytes += c.Record.Size
			}
		}
		rep.Candidates = kept
		rep.SuspectedBytes = bytes
	}
	return rep
}

// FragmentationReport recomputes the fragmentation analysis.
func (m *Mapper) FragmentationReport() frag.Report { return m.frags.Analyze(m.now()) }

// CacheStats returns the last closed window for one cache level.
func (m *Mapper) CacheStats(level event.CacheLevel) cacheprof.Stats { return m.cache.Stats(level) }

// StackReport returns the last published per-thread stack states.
func (m *Mapper) StackReport() stackprof.Report { return m.stack.Report() }

// NUMAReport returns per-node states with BytesResident filled in from the
// live table, plus any standing migration advice.
func (m *Mapper) NUMAReport() ([]numaprof.NodeState, []numaprof.Recommendation) {
	states := m.numa.NodeStates()
	resident := make(map[event.NodeID]uint64, len(states))
	for _, rec := range m.table.Snapshot() {
		resident[rec.Node] += rec.Size
	}
	for i := range states {
		states[i].BytesResident = resident[states[i].Node]
	}
	return states, m.numa.Recommendations()
}

// PatternReport returns the last published allocation pattern analysis.
func (m *Mapper) PatternReport() pattern.Report { return m.pats.Report() }

// LookupAddress resolves the live allocation covering addr, if any. Hits go
// through a short-TTL cache keyed on the exact address; ranged queries and
// misses always consult the table.
func (m *Mapper) LookupAddress(addr uint64) (livetable.Record, bool) {
	if rec, ok := m.lookupCache.Get(addr); ok {
		// The cached record may have been freed since; verify liveness.
		if cur, live := m.table.Lookup(rec.Addr); live && cur.ID == rec.ID {
			return cur, true
		}
		m.lookupCache.Remove(addr)
	}
	rec, ok := m.table.Lookup(addr)
	if ok {
		m.lookupCache.Add(addr, rec)
	}
	return rec, ok
}

// LookupRange returns all live allocations whose start address falls in
// [lo, hi).
func (m *Mapper) LookupRange(lo, hi uint64) []livetable.Record {
	return m.table.LookupRange(lo, hi)
}

// ComprehensiveReport assembles the full bundle. Concurrent callers share
// one build.
func (m *Mapper) ComprehensiveReport() (*Bundle, error) {
	v, err, _ := m.group.Do("comprehensive", func() (any, error) {
		return m.buildBundle(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("build report: %w", err)
	}
	return v.(*Bundle), nil
}

func (m *Mapper) buildBundle() *Bundle {
	nowNs := m.now()
	b := &Bundle{
		Version:     ReportVersion,
		EngineBuild: version.Version(),
		GeneratedNs: nowNs,
	}
	if snap, ok := m.tracker.Current(); ok {
		b.Snapshot = snap
	}
	b.History = m.tracker.History(0)
	b.Fragmentation = m.frags.Analyze(nowNs)
	b.Leaks = m.leaks.Scan(nowNs, b.Fragmentation.ExternalFragPct)
	b.Cache = m.cache.AllStats()
	b.Stack = m.stack.Report()
	b.NUMA, b.NUMAAdvice = m.NUMAReport()
	b.Patterns = m.pats.Report()

	m.log.Debug("comprehensive report built",
		"live", b.Snapshot.LiveCount,
		"leak_candidates", len(b.Leaks.Candidates),
		"history", len(b.History))
	return b
}
