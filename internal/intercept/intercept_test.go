// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/memtrace/internal/event"
	"github.com/platformbuilds/memtrace/internal/ring"
)

func newTestInterceptor(t *testing.T, cpus, cap int) (*Interceptor, *ring.Set) {
	t.Helper()
	rs, err := ring.NewSet(cpus, cap, ring.DropNewest)
	require.NoError(t, err)
	var ts uint64
	return New(rs, func() uint64 { ts++; return ts }), rs
}

func TestOnAllocAssignsIDAndTimestamp(t *testing.T) {
	ic, rs := newTestInterceptor(t, 1, 16)

	ic.OnAlloc(event.AllocInfo{Addr: 0x1000, Size: 64})
	ic.OnAlloc(event.AllocInfo{ID: 99, Addr: 0x2000, Size: 128, TSNs: 777})

	out := rs.ForCPU(0).Drain(nil, 0)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(1), out[0].ID)
	assert.Equal(t, uint64(1), out[0].TSNs)
	assert.Equal(t, event.KindAlloc, out[0].Kind)
	assert.Equal(t, uint64(99), out[1].ID)
	assert.Equal(t, uint64(777), out[1].TSNs)
}

func TestEventsRouteToOwningCPU(t *testing.T) {
	ic, rs := newTestInterceptor(t, 4, 16)

	ic.OnAlloc(event.AllocInfo{Addr: 0x1000, Size: 64, CPU: 2})
	ic.OnFree(event.FreeInfo{ID: 1, Addr: 0x1000, CPU: 2})
	ic.OnCacheAccess(event.CacheAccess{Addr: 0x1000, Level: event.CacheL1, Hit: true, CPU: 3})
	ic.OnStackSample(event.StackSample{Thread: 7, Depth: 12, HighWater: 4096, CPU: 3})

	cpu2 := rs.ForCPU(2).Drain(nil, 0)
	require.Len(t, cpu2, 2)
	assert.Equal(t, event.KindAlloc, cpu2[0].Kind)
	assert.Equal(t, event.KindFree, cpu2[1].Kind)

	cpu3 := rs.ForCPU(3).Drain(nil, 0)
	require.Len(t, cpu3, 2)
	assert.Equal(t, event.KindCacheAccess, cpu3[0].Kind)
	assert.True(t, cpu3[0].Hit)
	assert.Equal(t, event.KindStackSample, cpu3[1].Kind)
	assert.Equal(t, event.ThreadID(7), cpu3[1].Thread)
}

func TestFullRingDropsWithoutError(t *testing.T) {
	ic, rs := newTestInterceptor(t, 1, 4)

	for n := 0; n < 10; n++ {
		ic.OnAlloc(event.AllocInfo{Addr: uint64(n), Size: 8})
	}
	allocs, _, _, _ := ic.Counts()
	assert.Equal(t, uint64(10), allocs)
	assert.Equal(t, uint64(6), rs.ForCPU(0).Dropped())
	assert.Len(t, rs.ForCPU(0).Drain(nil, 0), 4)
}
