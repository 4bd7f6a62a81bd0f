// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackprof tracks per-thread stack depth and high-water marks from
// the independent stack sample stream. Each thread walks a one-way state
// machine keyed to its high-water mark: Normal -> Warning -> Critical ->
// Overflowed. Overflowed is terminal and reported exactly once; profiling
// for that thread is over.
package stackprof

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
)

// State is a thread's stack pressure state.
type State uint8

const (
	Normal State = iota
	Warning
	Critical
	Overflowed
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Overflowed:
		return "overflowed"
	default:
		return "unknown"
	}
}

// ThreadState is the published view of one thread's stack usage.
type ThreadState struct {
	Thread         event.ThreadID `json:"thread_id"`
	Depth          uint32         `json:"depth"`
	MaxDepth       uint32         `json:"max_depth"`
	HighWater      uint64         `json:"high_water"`
	Budget         uint64         `json:"budget"`
	UtilizationPct float64        `json:"utilization_pct"`
	State          State          `json:"state"`
	LastSampleNs   uint64         `json:"last_sample_ns"`
}

// Report summarizes every tracked thread at the last closed window.
type Report struct {
	WindowEndNs uint64        `json:"window_end_ns"`
	Threads     []ThreadState `json:"threads"`
	Warnings    int           `json:"warnings"`
	Criticals   int           `json:"criticals"`
	Overflows   int           `json:"overflows"`
}

type threadTrack struct {
	state    ThreadState
	reported bool // overflow logged once
}

// Profiler implements track.WindowSink for stack samples.
type Profiler struct {
	cfg config.Stack
	log *slog.Logger

	// Tracker-goroutine state.
	threads map[event.ThreadID]*threadTrack
	budgets map[event.ThreadID]uint64

	mu        sync.RWMutex
	published Report

	overflowsTotal atomic.Uint64
}

// New creates a stack profiler.
func New(cfg config.Stack, log *slog.Logger) *Profiler {
	return &Profiler{
		cfg:     cfg,
		log:     log.With("component", "stack_profiler"),
		threads: make(map[event.ThreadID]*threadTrack),
		budgets: make(map[event.ThreadID]uint64),
	}
}

// SetBudget overrides the stack budget for one thread. Must be called
// before the thread's samples arrive to take full effect.
func (p *Profiler) SetBudget(thread event.ThreadID, bytes uint64) {
	if bytes == 0 {
		return
	}
	p.mu.Lock()
	p.budgets[thread] = bytes
	p.mu.Unlock()
}

func (p *Profiler) budgetFor(thread event.ThreadID) uint64 {
	p.mu.RLock()
	b, ok := p.budgets[thread]
	p.mu.RUnlock()
	if !ok {
		return p.cfg.DefaultBudget
	}
	return b
}

// Observe folds one stack sample into the thread's track. The state machine
// is driven by the high-water mark, so transitions are monotone and each
// fires at most once.
func (p *Profiler) Observe(rec event.Record) {
	if rec.Kind != event.KindStackSample {
		return
	}
	tt, ok := p.threads[rec.Thread]
	if !ok {
		tt = &threadTrack{state: ThreadState{
			Thread: rec.Thread,
			Budget: p.budgetFor(rec.Thread),
		}}
		p.threads[rec.Thread] = tt
	}
	st := &tt.state
	if st.State == Overflowed {
		// Terminal: the session for this thread is over.
		return
	}
	st.Depth = rec.Depth
	if rec.Depth > st.MaxDepth {
		st.MaxDepth = rec.Depth
	}
	if rec.HighWater > st.HighWater {
		st.HighWater = rec.HighWater
	}
	st.LastSampleNs = rec.TSNs
	st.UtilizationPct = 100 * float64(st.HighWater) / float64(st.Budget)

	prev := st.State
	switch {
	case st.HighWater >= st.Budget:
		st.State = Overflowed
	case st.UtilizationPct >= float64(p.cfg.CriticalPct):
		st.State = Critical
	case st.UtilizationPct >= float64(p.cfg.WarnPct):
		st.State = Warning
	}
	if st.State != prev {
		p.log.Warn("stack state transition",
			"thread", st.Thread,
			"from", prev.String(),
			"to", st.State.String(),
			"high_water", st.HighWater,
			"budget", st.Budget)
		if st.State == Overflowed && !tt.reported {
			tt.reported = true
			p.overflowsTotal.Add(1)
		}
	}
}

// Tick publishes a copy of every thread's state.
func (p *Profiler) Tick(nowNs uint64) {
	rep := Report{WindowEndNs: nowNs, Threads: make([]ThreadState, 0, len(p.threads))}
	for _, tt := range p.threads {
		rep.Threads = append(rep.Threads, tt.state)
		switch tt.state.State {
		case Warning:
			rep.Warnings++
		case Critical:
			rep.Criticals++
		case Overflowed:
			rep.Overflows++
		}
	}
	p.mu.Lock()
	p.published = rep
	p.mu.Unlock()
}

// Report returns the last published per-thread view.
func (p *Profiler) Report() Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published
}

// Overflows returns the total number of threads that ever overflowed.
func (p *Profiler) Overflows() uint64 { return p.overflowsTotal.Load() }
