// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

package stackprof

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
)

func newProfiler(t *testing.T) *Profiler {
	t.Helper()
	return New(config.Default().Engine.Stack, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func sample(thread event.ThreadID, depth uint32, highWater uint64, ts uint64) event.Record {
	return event.Record{Kind: event.KindStackSample, Thread: thread, Depth: depth, HighWater: highWater, TSNs: ts}
}

func stateOf(t *testing.T, p *Profiler, thread event.ThreadID) ThreadState {
	t.Helper()
	for _, ts := range p.Report().Threads {
		if ts.Thread == thread {
			return ts
		}
	}
	t.Fatalf("thread %d not in report", thread)
	return ThreadState{}
}

func TestStateMachineWalksExactlyOnceInOrder(t *testing.T) {
	p := newProfiler(t) // default budget 16KiB, warn 70%, critical 90%

	const budget = 16 << 10
	steps := []struct {
		highWater uint64
		want      State
	}{
		{budget * 10 / 100, Normal},
		{budget * 69 / 100, Normal},
		{budget * 70 / 100, Warning},
		{budget * 75 / 100, Warning},
		{budget * 90 / 100, Critical},
		{budget * 95 / 100, Critical},
		{budget, Overflowed},
	}
	for i, step := range steps {
		p.Observe(sample(1, uint32(i+1), step.highWater, uint64(i+1)))
		p.Tick(uint64(i + 1))
		assert.Equal(t, step.want, stateOf(t, p, 1).State, "step %d high_water %d", i, step.highWater)
	}
	assert.Equal(t, uint64(1), p.Overflows())

	// Terminal: later samples are ignored.
	p.Observe(sample(1, 1, 10, 99))
	p.Tick(99)
	st := stateOf(t, p, 1)
	assert.Equal(t, Overflowed, st.State)
	assert.Equal(t, uint64(1), p.Overflows(), "overflow reported once")
}

func TestHighWaterIsMonotone(t *testing.T) {
	p := newProfiler(t)
	p.Observe(sample(2, 10, 12<<10, 1)) // 75% -> Warning
	p.Observe(sample(2, 2, 1<<10, 2))   // shallower sample, high water holds
	p.Tick(2)

	st := stateOf(t, p, 2)
	assert.Equal(t, Warning, st.State)
	assert.Equal(t, uint64(12<<10), st.HighWater)
	assert.Equal(t, uint32(2), st.Depth, "current depth still tracks")
	assert.Equal(t, uint32(10), st.MaxDepth)
}

func TestPerThreadBudgetOverride(t *testing.T) {
	p := newProfiler(t)
	p.SetBudget(3, 1<<10)

	p.Observe(sample(3, 4, 800, 1)) // 78% of 1KiB
	p.Tick(1)
	assert.Equal(t, Warning, stateOf(t, p, 3).State)

	// Default-budget thread at the same high water stays Normal.
	p.Observe(sample(4, 4, 800, 1))
	p.Tick(2)
	assert.Equal(t, Normal, stateOf(t, p, 4).State)
}

func TestReportCounts(t *testing.T) {
	p := newProfiler(t)
	const budget = 16 << 10
	p.Observe(sample(1, 1, budget*10/100, 1))
	p.Observe(sample(2, 1, budget*72/100, 1))
	p.Observe(sample(3, 1, budget*91/100, 1))
	p.Observe(sample(4, 1, budget, 1))
	p.Tick(1)

	rep := p.Report()
	require.Len(t, rep.Threads, 4)
	assert.Equal(t, 1, rep.Warnings)
	assert.Equal(t, 1, rep.Criticals)
	assert.Equal(t, 1, rep.Overflows)
}
