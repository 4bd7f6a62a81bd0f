// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package frag derives external and internal fragmentation metrics from the
// live-allocation table plus a read-only free-region snapshot supplied by
// the host allocator. The analyzer owns neither input; each Analyze call
// recomputes the report from scratch. A defragmentation recommendation
// needs the external figure to stay over threshold for several consecutive
// analyses so a transient spike never triggers one.
package frag

import (
	"log/slog"
	"sync"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/livetable"
)

// RegionInfo describes one allocator region's free state. Supplied by the
// host as a read-only snapshot.
type RegionInfo struct {
	Start          uint64   `json:"start"`
	End            uint64   `json:"end"`
	FreeBlockSizes []uint64 `json:"free_block_sizes"`
}

// RegionSource yields the current free-region snapshot. A nil source or an
// empty snapshot produces an insufficient-data report, never a division by
// zero.
type RegionSource func() []RegionInfo

// Opportunity is an advisory optimization derived from the metrics.
type Opportunity struct {
	Kind        string  `json:"kind"` // defragment | pool_small_objects | adjust_size_classes
	Description string  `json:"description"`
	Estimate    float64 `json:"estimated_improvement"` // fraction of waste addressed
}

// Report is one fragmentation analysis outcome.
type Report struct {
	TimestampNs uint64 `json:"timestamp_ns"`

	ExternalFragPct  float64 `json:"external_frag_pct"` // [0,1]
	InternalFragPct  float64 `json:"internal_frag_pct"` // [0,1]
	LargestFreeBlock uint64  `json:"largest_free_block"`
	TotalFreeBytes   uint64  `json:"total_free_bytes"`
	RegionCount      int     `json:"region_count"`
	PaddingBytes     uint64  `json:"padding_bytes"`
	AllocatedBytes   uint64  `json:"allocated_bytes"`

	// InsufficientData is set when there is no free-region snapshot or no
	// live allocation to measure.
	InsufficientData bool `json:"insufficient_data"`

	// RecommendDefrag is set only after ConsecutiveWindows over-threshold
	// analyses in a row; OverThresholdRuns is the current streak.
	RecommendDefrag   bool `json:"recommend_defrag"`
	OverThresholdRuns int  `json:"over_threshold_runs"`

	Opportunities []Opportunity `json:"opportunities,omitempty"`
}

// Analyzer computes fragmentation reports on demand.
type Analyzer struct {
	cfg     config.Frag
	table   *livetable.Table
	regions RegionSource
	log     *slog.Logger

	mu        sync.Mutex
	streak    int
	published Report
}

// New creates an analyzer over table and the host's region source.
func New(cfg config.Frag, table *livetable.Table, regions RegionSource, log *slog.Logger) *Analyzer {
	return &Analyzer{
		cfg:     cfg,
		table:   table,
		regions: regions,
		log:     log.With("component", "frag_analyzer"),
	}
}

// Analyze recomputes the report at nowNs and updates the recommendation
// streak.
func (a *Analyzer) Analyze(nowNs uint64) Report {
	rep := Report{TimestampNs: nowNs}

	var regions []RegionInfo
	if a.regions != nil {
		regions = a.regions()
	}
	rep.RegionCount = len(regions)

	var totalFree, largest uint64
	for _, r := range regions {
		for _, sz := range r.FreeBlockSizes {
			totalFree += sz
			if sz > largest {
				largest = sz
			}
		}
	}
	rep.TotalFreeBytes = totalFree
	rep.LargestFreeBlock = largest

	live := a.table.Snapshot()
	var allocated, padding uint64
	for _, rec := range live {
		allocated += rec.Size
		padding += alignPadding(rec.Size, uint64(rec.Align))
	}
	rep.AllocatedBytes = allocated
	rep.PaddingBytes = padding

	if totalFree == 0 && allocated == 0 {
		rep.InsufficientData = true
	}
	if totalFree > 0 {
		rep.ExternalFragPct = 1 - float64(largest)/float64(totalFree)
	}
	if allocated > 0 {
		rep.InternalFragPct = float64(padding) / float64(allocated+padding)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !rep.InsufficientData && rep.ExternalFragPct > a.cfg.AlertThreshold {
		a.streak++
	} else {
		a.streak = 0
	}
	rep.OverThresholdRuns = a.streak
	if a.streak >= a.cfg.ConsecutiveWindows {
		rep.RecommendDefrag = true
	}
	rep.Opportunities = a.opportunities(rep, live)
	a.published = rep

	if rep.RecommendDefrag {
		a.log.Info("defragmentation recommended",
			"external_frag_pct", rep.ExternalFragPct,
			"runs", rep.OverThresholdRuns,
			"largest_free_block", rep.LargestFreeBlock)
	}
	return rep
}

// Last returns the most recent report.
func (a *Analyzer) Last() Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.published
}

func (a *Analyzer) opportunities(rep Report, live []livetable.Record) []Opportunity {
	var out []Opportunity
	if rep.RecommendDefrag {
		out = append(out, Opportunity{
			Kind:        "defragment",
			Description: "largest free block is small relative to total free memory; compaction would recover contiguity",
			Estimate:    rep.ExternalFragPct,
		})
	}
	if rep.InternalFragPct > 0.10 {
		out = append(out, Opportunity{
			Kind:        "adjust_size_classes",
			Description: "alignment padding exceeds 10% of allocated bytes; size classes do not match request sizes",
			Estimate:    rep.InternalFragPct,
		})
	}
	// Many small identically-sized live allocations pool well.
	if n := len(live); n >= 64 {
		sizes := make(map[uint64]int, 16)
		for _, rec := range live {
			if rec.Size <= 256 {
				sizes[rec.Size]++
			}
		}
		for sz, cnt := range sizes {
			if cnt >= n/2 {
				out = append(out, Opportunity{
					Kind:        "pool_small_objects",
					Description: "dominant small size class would benefit from a dedicated pool",
					Estimate:    float64(cnt*int(sz)) / float64(rep.AllocatedBytes+1),
				})
				break
			}
		}
	}
	return out
}

// alignPadding returns the bytes lost rounding size up to align. Zero or
// one-byte alignment wastes nothing.
func alignPadding(size, align uint64) uint64 {
	if align <= 1 {
		return 0
	}
	rem := size % align
	if rem == 0 {
		return 0
	}
	return align - rem
}
