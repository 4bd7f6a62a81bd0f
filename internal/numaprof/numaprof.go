// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package numaprof tracks where allocations land relative to the node that
// asked for them. A request served off-node counts as remote against the
// requesting node; a remote ratio held above the configured threshold for
// enough consecutive windows produces an advisory migration recommendation.
// Nothing here executes migrations.
package numaprof

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
)

// NodeState is the per-node view over the last closed window. BytesResident
// is filled in by the aggregator from the live table.
type NodeState struct {
	Node          event.NodeID `json:"node_id"`
	LocalAllocs   uint64       `json:"local_allocs"`
	RemoteAllocs  uint64       `json:"remote_allocs"`
	LocalityRatio float64      `json:"locality_ratio"`
	// InsufficientData marks a window with zero allocation requests from
	// this node; the ratio is meaningless then.
	InsufficientData bool   `json:"insufficient_data"`
	TotalLocal       uint64 `json:"total_local"`
	TotalRemote      uint64 `json:"total_remote"`
	BytesResident    uint64 `json:"bytes_resident"`
	WindowEndNs      uint64 `json:"window_end_ns"`
}

// Recommendation is an advisory migration hint for one node.
type Recommendation struct {
	Node        event.NodeID `json:"node_id"`
	TargetNode  event.NodeID `json:"target_node"`
	RemoteRatio float64      `json:"remote_ratio"`
	Windows     int          `json:"windows"`
	Reason      string       `json:"reason"`
}

type nodeAgg struct {
	local, remote uint64
	remoteTo      map[event.NodeID]uint64
}

// Profiler implements track.WindowSink for allocation placement records.
type Profiler struct {
	cfg config.NUMA
	log *slog.Logger

	// Tracker-goroutine state.
	window    []nodeAgg
	sustained []int // consecutive over-threshold windows per node

	mu         sync.RWMutex
	published  []NodeState
	recs       []Recommendation
	totalLocal []uint64
	totalRem   []uint64
}

// New creates a NUMA profiler for cfg.Nodes nodes.
func New(cfg config.NUMA, log *slog.Logger) *Profiler {
	p := &Profiler{
		cfg:        cfg,
		log:        log.With("component", "numa_profiler"),
		window:     make([]nodeAgg, cfg.Nodes),
		sustained:  make([]int, cfg.Nodes),
		totalLocal: make([]uint64, cfg.Nodes),
		totalRem:   make([]uint64, cfg.Nodes),
	}
	for i := range p.window {
		p.window[i].remoteTo = make(map[event.NodeID]uint64)
	}
	return p
}

// Observe folds an allocation placement into the requesting node's window.
func (p *Profiler) Observe(rec event.Record) {
	if rec.Kind != event.KindAlloc {
		return
	}
	origin := int(rec.OriginNode)
	if origin >= len(p.window) {
		return
	}
	agg := &p.window[origin]
	if rec.Node == rec.OriginNode {
		agg.local++
	} else {
		agg.remote++
		agg.remoteTo[rec.Node]++
	}
}

// Tick closes the window, updates the sustain counters and publishes node
// states plus any migration recommendations.
func (p *Profiler) Tick(nowNs uint64) {
	states := make([]NodeState, len(p.window))
	var recs []Recommendation
	for i := range p.window {
		agg := &p.window[i]
		node := event.NodeID(i)
		st := NodeState{Node: node, LocalAllocs: agg.local, RemoteAllocs: agg.remote, WindowEndNs: nowNs}
		total := agg.local + agg.remote
		if total == 0 {
			st.InsufficientData = true
			p.sustained[i] = 0
		} else {
			st.LocalityRatio = float64(agg.local) / float64(total)
			remoteRatio := 1 - st.LocalityRatio
			if remoteRatio > p.cfg.MigrationRemoteRatio {
				p.sustained[i]++
			} else {
				p.sustained[i] = 0
			}
			if p.sustained[i] >= p.cfg.SustainWindows {
				target := dominantTarget(agg.remoteTo)
				recs = append(recs, Recommendation{
					Node:        node,
					TargetNode:  target,
					RemoteRatio: remoteRatio,
					Windows:     p.sustained[i],
					Reason: fmt.Sprintf("node %d served %.0f%% of requests remotely for %d windows, mostly from node %d",
						node, remoteRatio*100, p.sustained[i], target),
				})
				p.log.Info("migration recommended",
					"node", node, "target", target,
					"remote_ratio", remoteRatio, "windows", p.sustained[i])
			}
		}
		p.totalLocal[i] += agg.local
		p.totalRem[i] += agg.remote
		st.TotalLocal = p.totalLocal[i]
		st.TotalRemote = p.totalRem[i]
		states[i] = st

		agg.local, agg.remote = 0, 0
		clear(agg.remoteTo)
	}

	p.mu.Lock()
	p.published = states
	p.recs = recs
	p.mu.Unlock()
}

func dominantTarget(remoteTo map[event.NodeID]uint64) event.NodeID {
	var best event.NodeID
	var bestN uint64
	for node, n := range remoteTo {
		if n > bestN || (n == bestN && node < best) {
			best, bestN = node, n
		}
	}
	return best
}

// NodeStates returns the last published per-node view.
func (p *Profiler) NodeStates() []NodeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]NodeState, len(p.published))
	copy(out, p.published)
	return out
}

// Recommendations returns the advisory migrations from the last window.
func (p *Profiler) Recommendations() []Recommendation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Recommendation, len(p.recs))
	copy(out, p.recs)
	return out
}
