// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package livetable maintains the set of live allocations between an alloc
// event and its matching free. The table is sharded by address hash so the
// tracker's drain loop and on-demand readers never contend on one lock.
// Addresses are opaque integer keys; nothing here dereferences them.
package livetable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/platformbuilds/memtrace/internal/event"
)

// Record is an immutable live-allocation entry. It is created when the
// tracker processes an alloc event and removed by the matching free or by
// capacity eviction.
type Record struct {
	ID         uint64            `json:"id"`
	Addr       uint64            `json:"addr"`
	Size       uint64            `json:"size"`
	Align      uint32            `json:"align"`
	Node       event.NodeID      `json:"numa_node"`
	OriginNode event.NodeID      `json:"origin_node"`
	CallSite   event.CallSiteID  `json:"call_site"`
	Flags      event.AllocFlags  `json:"flags"`
	CreatedNs  uint64            `json:"created_ns"`
}

// Table is the sharded live-allocation set.
type Table struct {
	shards    []shard
	shardMask uint64
	maxPerShard int

	bytesLive      atomic.Uint64
	count          atomic.Int64
	evictions      atomic.Uint64 // tracking gaps from capacity pressure
	unmatchedFrees atomic.Uint64 // frees whose record was already evicted
}

type shard struct {
	mu   sync.RWMutex
	live map[uint64]Record // keyed by address
	fifo []uint64          // addresses in insertion order; may hold stale entries
}

// New creates a table with the given shard count (power of two) and a total
// capacity bound. When a shard exceeds its share of the capacity, its
// oldest-tracked record is evicted and counted as a tracking gap.
func New(shards, maxEntries int) (*Table, error) {
	if shards <= 0 || shards&(shards-1) != 0 {
		return nil, fmt.Errorf("livetable: shard count %d is not a power of two", shards)
	}
	if maxEntries < shards {
		return nil, fmt.Errorf("livetable: capacity %d below shard count %d", maxEntries, shards)
	}
	t := &Table{
		shards:      make([]shard, shards),
		shardMask:   uint64(shards - 1),
		maxPerShard: maxEntries / shards,
	}
	for i := range t.shards {
		t.shards[i].live = make(map[uint64]Record)
	}
	return t, nil
}

func (t *Table) shardFor(addr uint64) *shard {
	// Fibonacci hash spreads low-entropy (aligned) addresses across shards.
	h := addr * 0x9e3779b97f4a7c15
	return &t.shards[(h>>48)&t.shardMask]
}

// Insert adds rec to the live set, evicting the shard's oldest record if the
// shard is at capacity. Returns the number of evicted records.
func (t *Table) Insert(rec Record) int {
	s := t.shardFor(rec.Addr)
	s.mu.Lock()
	evicted := 0
	for len(s.live) >= t.maxPerShard {
		old, ok := s.popOldestLocked()
		if !ok {
			break
		}
		t.bytesLive.Add(^(old.Size - 1))
		t.count.Add(-1)
		t.evictions.Add(1)
		evicted++
	}
	if prev, dup := s.live[rec.Addr]; dup {
		// Address reuse without an observed free (dropped event): replace
		// and account as a gap, not silent loss.
		t.bytesLive.Add(^(prev.Size - 1))
		t.count.Add(-1)
		t.evictions.Add(1)
	}
	s.live[rec.Addr] = rec
	s.fifo = append(s.fifo, rec.Addr)
	s.mu.Unlock()
	t.bytesLive.Add(rec.Size)
	t.count.Add(1)
	return evicted
}

// popOldestLocked removes and returns the oldest still-live record,
// skipping fifo entries already removed by a free.
func (s *shard) popOldestLocked() (Record, bool) {
	for len(s.fifo) > 0 {
		addr := s.fifo[0]
		s.fifo = s.fifo[1:]
		if rec, ok := s.live[addr]; ok {
			delete(s.live, addr)
			return rec, true
		}
	}
	return Record{}, false
}

// Remove drops the record for addr if its id matches. A miss means the
// record was evicted earlier (or the alloc event was dropped); it is counted
// as an unmatched free and is not an error.
func (t *Table) Remove(id, addr uint64) (Record, bool) {
	s := t.shardFor(addr)
	s.mu.Lock()
	rec, ok := s.live[addr]
	if ok && (id == 0 || rec.ID == id) {
		delete(s.live, addr)
		s.mu.Unlock()
		t.bytesLive.Add(^(rec.Size - 1))
		t.count.Add(-1)
		return rec, true
	}
	s.mu.Unlock()
	t.unmatchedFrees.Add(1)
	return Record{}, false
}

// Lookup returns the live record owning addr, if any.
func (t *Table) Lookup(addr uint64) (Record, bool) {
	s := t.shardFor(addr)
	s.mu.RLock()
	rec, ok := s.live[addr]
	s.mu.RUnlock()
	return rec, ok
}

// LookupRange returns all live records whose address lies in [lo, hi).
func (t *Table) LookupRange(lo, hi uint64) []Record {
	var out []Record
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for addr, rec := range s.live {
			if addr >= lo && addr < hi {
				out = append(out, rec)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Snapshot copies every live record out under short per-shard read locks.
// The copy is safe to scan off the hot path.
func (t *Table) Snapshot() []Record {
	out := make([]Record, 0, t.Len())
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, rec := range s.live {
			out = append(out, rec)
		}
		s.mu.RUnlock()
	}
	return out
}

// Len returns the number of live records.
func (t *Table) Len() int { return int(t.count.Load()) }

// BytesLive returns the byte sum of all live records.
func (t *Table) BytesLive() uint64 { return t.bytesLive.Load() }

// Gaps returns capacity evictions and unmatched frees since start. Both mean
// later reports are working from incomplete data.
func (t *Table) Gaps() (evictions, unmatchedFrees uint64) {
	return t.evictions.Load(), t.unmatchedFrees.Load()
}
