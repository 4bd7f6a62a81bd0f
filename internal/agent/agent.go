// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent assembles the profiling engine: per-CPU rings behind the
// interception layer, the tracker drain loop with its window sinks, the
// scan-based analyzers, and the mapper that fronts them for queries. The
// agent owns the background goroutines; everything else is wiring.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/memtrace/internal/cacheprof"
	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/ebpfsrc"
	"github.com/platformbuilds/memtrace/internal/event"
	"github.com/platformbuilds/memtrace/internal/export"
	"github.com/platformbuilds/memtrace/internal/frag"
	"github.com/platformbuilds/memtrace/internal/intercept"
	"github.com/platformbuilds/memtrace/internal/leak"
	"github.com/platformbuilds/memtrace/internal/livetable"
	"github.com/platformbuilds/memtrace/internal/mapper"
	"github.com/platformbuilds/memtrace/internal/numaprof"
	"github.com/platformbuilds/memtrace/internal/pattern"
	"github.com/platformbuilds/memtrace/internal/ring"
	"github.com/platformbuilds/memtrace/internal/selftelemetry"
	"github.com/platformbuilds/memtrace/internal/stackprof"
	"github.com/platformbuilds/memtrace/internal/track"
)

// Options carries the host-supplied dependencies the config cannot express.
type Options struct {
	// Regions supplies the allocator's free-region snapshot to the
	// fragmentation analyzer. Nil means fragmentation reports carry
	// insufficient data.
	Regions frag.RegionSource
	// Metrics receives the engine's self-telemetry. Nil disables it.
	Metrics *selftelemetry.Metrics
}

// Engine is the assembled profiler.
type Engine struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *selftelemetry.Metrics

	rings       *ring.Set
	interceptor *intercept.Interceptor
	table       *livetable.Table
	tracker     *track.Tracker

	cache *cacheprof.Profiler
	stack *stackprof.Profiler
	numa  *numaprof.Profiler
	pats  *pattern.Analyzer
	leaks *leak.Detector
	frags *frag.Analyzer

	mapper   *mapper.Mapper
	source   *ebpfsrc.Source
	exporter *export.Exporter
}

// New wires an engine from cfg. No goroutine starts until Run.
func New(cfg *config.Config, opts Options, log *slog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, log: log.With("component", "engine"), metrics: opts.Metrics}

	cpus := cfg.Engine.CPUs
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	policy := ring.DropNewest
	if cfg.Engine.OverwriteOldest {
		policy = ring.OverwriteOldest
	}

	var err error
	e.rings, err = ring.NewSet(cpus, cfg.Engine.RingCapacity, policy)
	if err != nil {
		return nil, fmt.Errorf("rings: %w", err)
	}
	e.table, err = livetable.New(cfg.Engine.TableShards, cfg.Engine.TableCapacity)
	if err != nil {
		return nil, fmt.Errorf("live table: %w", err)
	}

	e.interceptor = intercept.New(e.rings, nil)
	e.cache = cacheprof.New(cfg.Engine.Cache)
	e.stack = stackprof.New(cfg.Engine.Stack, log)
	e.numa = numaprof.New(cfg.Engine.NUMA, log)
	e.pats = pattern.New(cfg.Engine.Pattern, log)
	e.tracker = track.New(cfg.Engine, e.rings, e.table, track.Sinks{
		Cache:   e.cache,
		Stack:   e.stack,
		NUMA:    e.numa,
		Pattern: e.pats,
	}, log, nil)
	e.leaks = leak.New(cfg.Engine.Leak, e.table, log)
	e.frags = frag.New(cfg.Engine.Frag, e.table, opts.Regions, log)
	e.mapper = mapper.New(mapper.Components{
		Tracker: e.tracker,
		Table:   e.table,
		Leaks:   e.leaks,
		Frags:   e.frags,
		Cache:   e.cache,
		Stack:   e.stack,
		NUMA:    e.numa,
		Pattern: e.pats,
	}, log, nil)

	e.source = ebpfsrc.New(cfg.Sources, e.interceptor, log)

	if cfg.Export.Enabled {
		e.exporter, err = export.New(cfg.Export, e.mapper, cfg.Agent.ServiceName, log)
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
	}
	return e, nil
}

// Observer is the interception surface host hooks call into.
func (e *Engine) Observer() event.Observer { return e.interceptor }

// Mapper exposes the query API.
func (e *Engine) Mapper() *mapper.Mapper { return e.mapper }

// Leaks exposes the leak detector, e.g. for dynamic allowlisting.
func (e *Engine) Leaks() *leak.Detector { return e.leaks }

// Stack exposes the stack profiler, e.g. for per-thread budget overrides.
func (e *Engine) Stack() *stackprof.Profiler { return e.stack }

// Run starts the tracker, the kernel source, the exporter and the analyzer
// cadence, then blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(e.tracker.Run(ctx)) })
	g.Go(func() error { return e.source.Run(ctx) })
	if e.exporter != nil {
		g.Go(func() error { return ignoreCanceled(e.exporter.Run(ctx)) })
	}
	g.Go(func() error { return e.analyzerLoop(ctx) })
	e.log.Info("engine running",
		"cpus", e.rings.CPUs(),
		"ring_capacity", e.cfg.Engine.RingCapacity,
		"tick", time.Duration(e.cfg.Engine.TickInterval).String())
	return g.Wait()
}

// analyzerLoop runs the scan-based analyzers on the tracker's cadence and
// mirrors engine state into the self-telemetry gauges.
func (e *Engine) analyzerLoop(ctx context.Context) error {
	interval := time.Duration(e.cfg.Engine.TickInterval)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			nowNs := uint64(time.Now().UnixNano())
			fragRep := e.frags.Analyze(nowNs)
			leakRep := e.leaks.Scan(nowNs, fragRep.ExternalFragPct)
			e.syncMetrics(fragRep, leakRep)
		}
	}
}

func (e *Engine) syncMetrics(fragRep frag.Report, leakRep leak.Report) {
	m := e.metrics
	if m == nil {
		return
	}
	allocs, frees, cacheEv, stackEv := e.interceptor.Counts()
	m.EventsReceived.WithLabelValues(event.KindAlloc.String()).Set(float64(allocs))
	m.EventsReceived.WithLabelValues(event.KindFree.String()).Set(float64(frees))
	m.EventsReceived.WithLabelValues(event.KindCacheAccess.String()).Set(float64(cacheEv))
	m.EventsReceived.WithLabelValues(event.KindStackSample.String()).Set(float64(stackEv))

	snap, ok := e.tracker.Current()
	if ok {
		m.BytesLive.Set(float64(snap.BytesLive))
		m.LiveCount.Set(float64(snap.LiveCount))
		m.GrowthBps.Set(snap.GrowthBytesPerSec)
		m.RingDropped.Set(float64(snap.DroppedEvents))
		m.TrackingGaps.Set(float64(snap.TrackingGaps))
		m.UnmatchedFrees.Set(float64(snap.UnmatchedFrees))
	}
	m.Ticks.Set(float64(e.tracker.Ticks()))
	m.PressureEvents.Set(float64(e.tracker.PressureEvents()))
	m.RingOverwrote.Set(float64(e.rings.Overwrote()))

	m.LeakCandidates.Set(float64(len(leakRep.Candidates)))
	m.LeakSuspectedBytes.Set(float64(leakRep.SuspectedBytes))
	m.LeakFalsePositives.Set(float64(leakRep.FalsePositives))
	m.LeakScans.Set(float64(e.leaks.Scans()))
	m.FragExternal.Set(fragRep.ExternalFragPct)
	m.FragInternal.Set(fragRep.InternalFragPct)
	m.CoherenceAnomalies.Set(float64(e.cache.TotalAnomalies()))
	m.StackOverflows.Set(float64(e.stack.Overflows()))

	for _, cs := range e.cache.AllStats() {
		if !cs.InsufficientData {
			m.CacheHitRatio.WithLabelValues(cs.Level.String()).Set(cs.HitRatio)
		}
	}
	for _, ns := range e.numa.NodeStates() {
		if !ns.InsufficientData {
			m.NUMALocality.WithLabelValues(strconv.Itoa(int(ns.Node))).Set(ns.LocalityRatio)
		}
	}
}

func ignoreCanceled(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}
