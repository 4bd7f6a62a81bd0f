// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the fixed-size telemetry records emitted by the
// allocator, cache and stack hooks, and the Observer interface the host
// allocator calls into. Records are plain value types so that producing one
// never allocates.
package event

// CPUID identifies the logical CPU an event was emitted from.
type CPUID uint16

// ThreadID identifies a kernel thread for stack samples.
type ThreadID uint32

// CallSiteID is an opaque identifier for an allocation call site
// (typically a hashed return address).
type CallSiteID uint64

// NodeID identifies a NUMA node.
type NodeID uint16

// CacheLevel identifies the cache hierarchy level of a cache access event.
type CacheLevel uint8

const (
	CacheL1 CacheLevel = iota + 1
	CacheL2
	CacheL3
)

func (l CacheLevel) String() string {
	switch l {
	case CacheL1:
		return "L1"
	case CacheL2:
		return "L2"
	case CacheL3:
		return "L3"
	default:
		return "unknown"
	}
}

// AllocFlags carries allocator-provided hints about an allocation.
type AllocFlags uint32

const (
	// FlagPinned marks allocations that must not be migrated between nodes.
	FlagPinned AllocFlags = 1 << iota
	// FlagZeroed marks allocations returned pre-zeroed.
	FlagZeroed
	// FlagAtomicCtx marks allocations made from a non-sleepable context.
	FlagAtomicCtx
	// FlagLongLived is an allocator hint that the allocation is expected to
	// outlive the caller (caches, lookup tables). The leak detector lowers
	// confidence for these.
	FlagLongLived
)

func (f AllocFlags) Has(bit AllocFlags) bool { return f&bit != 0 }

// Kind discriminates record payloads inside a ring buffer.
type Kind uint8

const (
	KindAlloc Kind = iota + 1
	KindFree
	KindCacheAccess
	KindStackSample
)

func (k Kind) String() string {
	switch k {
	case KindAlloc:
		return "alloc"
	case KindFree:
		return "free"
	case KindCacheAccess:
		return "cache_access"
	case KindStackSample:
		return "stack_sample"
	default:
		return "unknown"
	}
}

// Record is the single fixed-size wire format held in the per-CPU ring
// buffers. Which fields are meaningful depends on Kind; unused fields are
// zero. Seq is stamped by the ring at commit time and is monotone per CPU.
type Record struct {
	Seq  uint64
	TSNs uint64
	Kind Kind
	CPU  CPUID

	// Alloc / free fields.
	ID       uint64
	Addr     uint64
	Size     uint64
	Align    uint32
	Node     NodeID
	CallSite CallSiteID
	Flags    AllocFlags
	// OriginNode is the node of the CPU that requested the allocation,
	// which may differ from Node when the allocator fell back remotely.
	OriginNode NodeID

	// Cache access fields.
	Level     CacheLevel
	Hit       bool
	LatencyNs uint32

	// Stack sample fields.
	Thread    ThreadID
	Depth     uint32
	HighWater uint64
}

// AllocInfo is the hook argument for an allocation event.
type AllocInfo struct {
	ID         uint64
	Addr       uint64
	Size       uint64
	Align      uint32
	Node       NodeID
	OriginNode NodeID
	CallSite   CallSiteID
	Flags      AllocFlags
	CPU        CPUID
	TSNs       uint64
}

// FreeInfo is the hook argument for a deallocation event. ID correlates to
// the AllocInfo of the same allocation.
type FreeInfo struct {
	ID   uint64
	Addr uint64
	CPU  CPUID
	TSNs uint64
}

// CacheAccess is the hook argument for a cache hit/miss event.
type CacheAccess struct {
	Addr      uint64
	Size      uint32
	Level     CacheLevel
	Hit       bool
	LatencyNs uint32
	CPU       CPUID
	TSNs      uint64
}

// StackSample is the hook argument for a stack depth/high-water sample.
type StackSample struct {
	Thread    ThreadID
	Depth     uint32
	HighWater uint64
	CPU       CPUID
	TSNs      uint64
}

// Observer is the interception surface the host allocator, cache monitor and
// scheduler call into. Implementations must be non-blocking, allocation-free
// and O(1); this is the only engine code permitted on the allocation path.
type Observer interface {
	OnAlloc(AllocInfo)
	OnFree(FreeInfo)
	OnCacheAccess(CacheAccess)
	OnStackSample(StackSample)
}

// NopObserver discards every event. It is the default wiring until an
// engine is attached.
type NopObserver struct{}

func (NopObserver) OnAlloc(AllocInfo)         {}
func (NopObserver) OnFree(FreeInfo)           {}
func (NopObserver) OnCacheAccess(CacheAccess) {}
func (NopObserver) OnStackSample(StackSample) {}
