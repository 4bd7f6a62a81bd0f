// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
	"github.com/platformbuilds/memtrace/internal/frag"
	"github.com/platformbuilds/memtrace/internal/selftelemetry"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.CPUs = 2
	cfg.Engine.RingCapacity = 256
	cfg.Engine.TickInterval = model.Duration(10 * time.Millisecond)
	return cfg
}

func TestNewWiresEngine(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	e, err := New(testConfig(), Options{}, log)
	require.NoError(t, err)
	assert.NotNil(t, e.Observer())
	assert.NotNil(t, e.Mapper())
	assert.NotNil(t, e.Leaks())
	assert.NotNil(t, e.Stack())
}

func TestNewRejectsBadRingCapacity(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := testConfig()
	cfg.Engine.RingCapacity = 1000 // not a power of two
	_, err := New(cfg, Options{}, log)
	assert.Error(t, err)
}

func TestEventsFlowThroughToQueries(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	metrics := selftelemetry.NewMetrics("agent_test")
	e, err := New(testConfig(), Options{
		Metrics: metrics,
		Regions: func() []frag.RegionInfo {
			return []frag.RegionInfo{{FreeBlockSizes: []uint64{100, 900}}}
		},
	}, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	obs := e.Observer()
	obs.OnAlloc(event.AllocInfo{Addr: 0x1000, Size: 128, CallSite: 0xAB})
	obs.OnCacheAccess(event.CacheAccess{Addr: 0x1000, Level: event.CacheL1, Hit: true})
	obs.OnStackSample(event.StackSample{Thread: 1, Depth: 3, HighWater: 512})

	require.Eventually(t, func() bool {
		snap, ok := e.Mapper().Snapshot()
		return ok && snap.BytesLive == 128
	}, 2*time.Second, 10*time.Millisecond)

	rec, ok := e.Mapper().LookupAddress(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(128), rec.Size)

	bundle, err := e.Mapper().ComprehensiveReport()
	require.NoError(t, err)
	assert.Equal(t, uint64(128), bundle.Snapshot.BytesLive)
	assert.False(t, bundle.Fragmentation.InsufficientData)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}
