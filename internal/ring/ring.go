// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package ring implements the per-CPU single-producer single-consumer
// telemetry ring buffers. The producer is the owning CPU's interception
// hook, the consumer is the realtime tracker's drain loop. Indexing is plain
// atomic arithmetic; there are no locks and Push never blocks or allocates.
package ring

import (
	"fmt"
	"sync/atomic"

	"github.com/platformbuilds/memtrace/internal/event"
)

// Policy selects what happens when a ring is full.
type Policy uint8

const (
	// DropNewest rejects the incoming record, preserving the causal order of
	// the records already committed. This is the default.
	DropNewest Policy = iota
	// OverwriteOldest advances the consumer cursor over the oldest record to
	// make room. Recent history wins over completeness.
	OverwriteOldest
)

// noIndex marks an announce slot as inactive.
const noIndex = ^uint64(0)

// Ring is a fixed-capacity SPSC circular buffer of event records.
// Exactly one goroutine may call Push and exactly one may call Drain.
type Ring struct {
	buf    []event.Record
	mask   uint64
	policy Policy

	head atomic.Uint64 // next slot to consume
	tail atomic.Uint64 // next slot to produce

	// OverwriteOldest coordination. Each side announces before touching
	// shared slots and then checks the other's announcement; whoever
	// announced second backs off. A reclaiming Push and a copying Drain
	// therefore never overlap on a slot.
	reclaiming atomic.Uint64 // head index Push is reclaiming, or noIndex
	draining   atomic.Uint64 // first index Drain is copying, or noIndex

	nextSeq   uint64 // producer-owned, stamped at commit
	dropped   atomic.Uint64
	overwrote atomic.Uint64
}

// New creates a ring with the given capacity, which must be a power of two.
func New(capacity int, policy Policy) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", capacity)
	}
	r := &Ring{
		buf:    make([]event.Record, capacity),
		mask:   uint64(capacity - 1),
		policy: policy,
	}
	r.reclaiming.Store(noIndex)
	r.draining.Store(noIndex)
	return r, nil
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the number of committed, unconsumed records. Approximate when
// called from neither the producer nor the consumer.
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Dropped returns the number of records rejected because the ring was full.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Overwrote returns the number of records discarded by OverwriteOldest.
func (r *Ring) Overwrote() uint64 { return r.overwrote.Load() }

// Push commits rec to the ring, stamping its per-ring sequence number.
// Returns false if the record was dropped. Producer-only.
func (r *Ring) Push(rec event.Record) bool {
	t := r.tail.Load()
	if t-r.head.Load() >= uint64(len(r.buf)) {
		if r.policy == DropNewest || !r.reclaimOldest() {
			r.dropped.Add(1)
			return false
		}
	}
	rec.Seq = r.nextSeq
	r.nextSeq++
	r.buf[t&r.mask] = rec
	r.tail.Store(t + 1)
	return true
}

// reclaimOldest frees the oldest slot of a full ring so Push can reuse it.
// It fails when a drain is in flight, because the slot under reclaim may be
// the one the consumer is copying; the caller drops the record instead.
func (r *Ring) reclaimOldest() bool {
	h := r.head.Load()
	r.reclaiming.Store(h)
	if r.draining.Load() != noIndex {
		r.reclaiming.Store(noIndex)
		return false
	}
	// The CAS can lose only to the consumer finishing a drain, which frees
	// slots anyway.
	if r.head.CompareAndSwap(h, h+1) {
		r.overwrote.Add(1)
	}
	r.reclaiming.Store(noIndex)
	return true
}

// Drain appends up to max committed records to dst and advances the consumer
// cursor. It returns the extended slice; records appear in commit order.
// Consumer-only.
func (r *Ring) Drain(dst []event.Record, max int) []event.Record {
	if r.policy == OverwriteOldest {
		return r.drainOverwrite(dst, max)
	}
	// DropNewest: the producer never touches head, so the copy is stable
	// and a plain store releases the batch.
	h := r.head.Load()
	t := r.tail.Load()
	n := t - h
	if n == 0 {
		return dst
	}
	if max > 0 && n > uint64(max) {
		n = uint64(max)
	}
	for i := uint64(0); i < n; i++ {
		dst = append(dst, r.buf[(h+i)&r.mask])
	}
	r.head.Store(h + n)
	return dst
}

func (r *Ring) drainOverwrite(dst []event.Record, max int) []event.Record {
	h := r.head.Load()
	if r.tail.Load() == h {
		return dst
	}
	// Announcing a stale head is fine: it is a lower bound, so any reclaim
	// at or above it backs off.
	r.draining.Store(h)
	defer r.draining.Store(noIndex)
	if r.reclaiming.Load() != noIndex {
		// A reclaim announced first and may be rewriting the head slot.
		// Back off; the next drain picks the batch up.
		return dst
	}
	// Head is stable from here: the in-flight reclaim count is zero and
	// every later one sees our announcement and drops instead.
	h = r.head.Load()
	t := r.tail.Load()
	n := t - h
	if n == 0 {
		return dst
	}
	if max > 0 && n > uint64(max) {
		n = uint64(max)
	}
	for i := uint64(0); i < n; i++ {
		dst = append(dst, r.buf[(h+i)&r.mask])
	}
	r.head.Store(h + n)
	return dst
}

// Set holds one ring per logical CPU.
type Set struct {
	rings []*Ring
}

// NewSet builds a Set of cpus rings, each with the given capacity and policy.
func NewSet(cpus, capacity int, policy Policy) (*Set, error) {
	if cpus <= 0 {
		return nil, fmt.Errorf("ring: cpu count %d must be positive", cpus)
	}
	s := &Set{rings: make([]*Ring, cpus)}
	for i := range s.rings {
		r, err := New(capacity, policy)
		if err != nil {
			return nil, err
		}
		s.rings[i] = r
	}
	return s, nil
}

// CPUs returns the number of rings in the set.
func (s *Set) CPUs() int { return len(s.rings) }

// ForCPU returns the ring owned by cpu. Out-of-range CPUs map onto the set
// by modulo so a hot path never fails.
func (s *Set) ForCPU(cpu event.CPUID) *Ring {
	return s.rings[int(cpu)%len(s.rings)]
}

// Overwrote returns the total records discarded by OverwriteOldest across
// the set.
func (s *Set) Overwrote() uint64 {
	var n uint64
	for _, r := range s.rings {
		n += r.Overwrote()
	}
	return n
}

// DrainAll drains every ring in CPU order into dst and returns the extended
// slice along with the total records dropped so far across the set.
func (s *Set) DrainAll(dst []event.Record, maxPerRing int) ([]event.Record, uint64) {
	var dropped uint64
	for _, r := range s.rings {
		dst = r.Drain(dst, maxPerRing)
		dropped += r.Dropped()
	}
	return dst, dropped
}
