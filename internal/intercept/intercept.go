// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package intercept is the allocation-time half of the engine: a thin
// event.Observer that converts hook arguments into fixed-size records and
// pushes them into the owning CPU's ring buffer. Everything here runs at
// allocation latency, so it must stay O(1), lock-free and allocation-free.
// A full ring means the record is counted as dropped and forgotten; nothing
// is ever retried on this path.
package intercept

import (
	"sync/atomic"
	"time"

	"github.com/platformbuilds/memtrace/internal/event"
	"github.com/platformbuilds/memtrace/internal/ring"
)

// Clock returns the current time in nanoseconds. Injectable for tests and
// for hosts with their own timebase.
type Clock func() uint64

func wallClock() uint64 { return uint64(time.Now().UnixNano()) }

// Interceptor implements event.Observer over a per-CPU ring set.
type Interceptor struct {
	rings *ring.Set
	now   Clock

	nextID atomic.Uint64

	allocs  atomic.Uint64
	frees   atomic.Uint64
	cacheEv atomic.Uint64
	stackEv atomic.Uint64
}

// New creates an interceptor writing into rings. A nil clock uses wall time.
func New(rings *ring.Set, now Clock) *Interceptor {
	if now == nil {
		now = wallClock
	}
	return &Interceptor{rings: rings, now: now}
}

// Counts returns the number of events observed per kind since start,
// including ones later dropped by a full ring.
func (i *Interceptor) Counts() (allocs, frees, cache, stack uint64) {
	return i.allocs.Load(), i.frees.Load(), i.cacheEv.Load(), i.stackEv.Load()
}

// OnAlloc records an allocation event. If the host did not assign an
// allocation id, one is drawn from the interceptor's own counter so the free
// side can still correlate.
func (i *Interceptor) OnAlloc(a event.AllocInfo) {
	i.allocs.Add(1)
	if a.ID == 0 {
		a.ID = i.nextID.Add(1)
	}
	if a.TSNs == 0 {
		a.TSNs = i.now()
	}
	i.rings.ForCPU(a.CPU).Push(event.Record{
		Kind:       event.KindAlloc,
		TSNs:       a.TSNs,
		CPU:        a.CPU,
		ID:         a.ID,
		Addr:       a.Addr,
		Size:       a.Size,
		Align:      a.Align,
		Node:       a.Node,
		OriginNode: a.OriginNode,
		CallSite:   a.CallSite,
		Flags:      a.Flags,
	})
}

// OnFree records a deallocation event.
func (i *Interceptor) OnFree(f event.FreeInfo) {
	i.frees.Add(1)
	if f.TSNs == 0 {
		f.TSNs = i.now()
	}
	i.rings.ForCPU(f.CPU).Push(event.Record{
		Kind: event.KindFree,
		TSNs: f.TSNs,
		CPU:  f.CPU,
		ID:   f.ID,
		Addr: f.Addr,
	})
}

// OnCacheAccess records a cache hit/miss event.
func (i *Interceptor) OnCacheAccess(c event.CacheAccess) {
	i.cacheEv.Add(1)
	if c.TSNs == 0 {
		c.TSNs = i.now()
	}
	i.rings.ForCPU(c.CPU).Push(event.Record{
		Kind:      event.KindCacheAccess,
		TSNs:      c.TSNs,
		CPU:       c.CPU,
		Addr:      c.Addr,
		Size:      uint64(c.Size),
		Level:     c.Level,
		Hit:       c.Hit,
		LatencyNs: c.LatencyNs,
	})
}

// OnStackSample records a stack depth sample.
func (i *Interceptor) OnStackSample(s event.StackSample) {
	i.stackEv.Add(1)
	if s.TSNs == 0 {
		s.TSNs = i.now()
	}
	i.rings.ForCPU(s.CPU).Push(event.Record{
		Kind:      event.KindStackSample,
		TSNs:      s.TSNs,
		CPU:       s.CPU,
		Thread:    s.Thread,
		Depth:     s.Depth,
		HighWater: s.HighWater,
	})
}

var _ event.Observer = (*Interceptor)(nil)
