// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package cacheprof aggregates cache access events into per-level hit/miss
// statistics and watches for coherence anomalies (repeated misses on one
// line inside a window, the false-sharing signature). It consumes records
// from the tracker's drain loop only.
package cacheprof

import (
	"sync"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
)

// Stats describes one cache level over the most recently closed window.
// When a window saw no accesses for the level, InsufficientData is set and
// the ratio fields are meaningless; callers must not read a 0% or 100% out
// of an empty window.
type Stats struct {
	Level            event.CacheLevel `json:"level"`
	WindowEndNs      uint64           `json:"window_end_ns"`
	Hits             uint64           `json:"hits"`
	Misses           uint64           `json:"misses"`
	HitRatio         float64          `json:"hit_ratio"`
	AvgLatencyNs     float64          `json:"avg_latency_ns"`
	InsufficientData bool             `json:"insufficient_data"`

	// Cumulative counters since engine start.
	TotalHits   uint64 `json:"total_hits"`
	TotalMisses uint64 `json:"total_misses"`

	// CoherenceAnomalies counts lines whose miss count crossed the
	// false-sharing threshold in the window.
	CoherenceAnomalies uint64 `json:"coherence_anomalies"`
}

type levelAgg struct {
	hits, misses uint64
	latencySum   uint64
	latencyN     uint64
}

// Profiler implements track.WindowSink for cache access records.
type Profiler struct {
	cfg config.Cache

	// Tracker-goroutine state, unsynchronized.
	window     [4]levelAgg // indexed by CacheLevel, slot 0 unused
	lineMisses map[uint64]int
	anomalies  uint64

	mu        sync.RWMutex
	published [4]Stats
	total     [4]struct{ hits, misses uint64 }
	totalAnom uint64
}

// New creates a cache profiler.
func New(cfg config.Cache) *Profiler {
	return &Profiler{
		cfg:        cfg,
		lineMisses: make(map[uint64]int),
	}
}

// Observe folds one cache access record into the open window.
func (p *Profiler) Observe(rec event.Record) {
	if rec.Kind != event.KindCacheAccess || rec.Level < event.CacheL1 || rec.Level > event.CacheL3 {
		return
	}
	agg := &p.window[rec.Level]
	if rec.Hit {
		agg.hits++
	} else {
		agg.misses++
		line := rec.Addr &^ (p.cfg.LineSize - 1)
		p.lineMisses[line]++
		if p.lineMisses[line] == p.cfg.FalseSharingInvalidations {
			p.anomalies++
		}
	}
	if rec.LatencyNs > 0 {
		agg.latencySum += uint64(rec.LatencyNs)
		agg.latencyN++
	}
}

// Tick closes the window: per-level stats are published atomically and the
// working counters reset.
func (p *Profiler) Tick(nowNs uint64) {
	p.mu.Lock()
	for lvl := event.CacheL1; lvl <= event.CacheL3; lvl++ {
		agg := p.window[lvl]
		s := Stats{Level: lvl, WindowEndNs: nowNs, Hits: agg.hits, Misses: agg.misses}
		accesses := agg.hits + agg.misses
		if accesses == 0 {
			s.InsufficientData = true
		} else {
			s.HitRatio = float64(agg.hits) / float64(accesses)
		}
		if agg.latencyN > 0 {
			s.AvgLatencyNs = float64(agg.latencySum) / float64(agg.latencyN)
		}
		p.total[lvl].hits += agg.hits
		p.total[lvl].misses += agg.misses
		s.TotalHits = p.total[lvl].hits
		s.TotalMisses = p.total[lvl].misses
		s.CoherenceAnomalies = p.anomalies
		p.published[lvl] = s
		p.window[lvl] = levelAgg{}
	}
	p.totalAnom += p.anomalies
	p.mu.Unlock()

	p.anomalies = 0
	clear(p.lineMisses)
}

// Stats returns the last closed window for level.
func (p *Profiler) Stats(level event.CacheLevel) Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if level < event.CacheL1 || level > event.CacheL3 {
		return Stats{Level: level, InsufficientData: true}
	}
	s := p.published[level]
	if s.WindowEndNs == 0 {
		// No window has closed yet.
		s.Level = level
		s.InsufficientData = true
	}
	return s
}

// AllStats returns the last closed window for every level, L1 first.
func (p *Profiler) AllStats() []Stats {
	out := make([]Stats, 0, 3)
	for lvl := event.CacheL1; lvl <= event.CacheL3; lvl++ {
		out = append(out, p.Stats(lvl))
	}
	return out
}

// TotalAnomalies returns the cumulative coherence anomaly count.
func (p *Profiler) TotalAnomalies() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalAnom
}
