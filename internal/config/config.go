// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the engine configuration surface. Every threshold
// named in the query API is validated at load time; an invalid config never
// reaches a running engine (the watcher keeps the last-known-good one).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the memtrace agent.
type Config struct {
	Agent struct {
		ServiceName string `yaml:"service_name"`
		LogLevel    string `yaml:"log_level"` // debug | info | warn | error
	} `yaml:"agent"`

	SelfTelemetry struct {
		Listen string `yaml:"listen"`
		NS     string `yaml:"prometheus_namespace"`
	} `yaml:"selfTelemetry"`

	Engine  Engine  `yaml:"engine"`
	Export  Export  `yaml:"export"`
	Sources Sources `yaml:"sources"`
}

// Engine configures the telemetry engine proper.
type Engine struct {
	// CPUs is the number of per-CPU ring buffers. 0 means runtime.NumCPU.
	CPUs int `yaml:"cpus"`
	// RingCapacity is the per-CPU ring size; must be a power of two.
	RingCapacity int `yaml:"ring_capacity"`
	// OverwriteOldest switches a full ring from drop-newest to
	// overwrite-oldest.
	OverwriteOldest bool `yaml:"overwrite_oldest"`

	// TickInterval is the tracker drain period.
	TickInterval model.Duration `yaml:"tick_interval"`
	// HistorySize bounds the retained snapshot ring.
	HistorySize int `yaml:"history_size"`
	// PressureBytesPerSec triggers a pressure event when live bytes grow
	// faster than this between two snapshots. 0 disables.
	PressureBytesPerSec uint64 `yaml:"pressure_bytes_per_sec"`

	// TableShards and TableCapacity bound the live-allocation table.
	TableShards   int `yaml:"table_shards"`
	TableCapacity int `yaml:"table_capacity"`

	Leak    Leak    `yaml:"leak"`
	Frag    Frag    `yaml:"fragmentation"`
	Stack   Stack   `yaml:"stack"`
	NUMA    NUMA    `yaml:"numa"`
	Cache   Cache   `yaml:"cache"`
	Pattern Pattern `yaml:"pattern"`
}

// Leak configures the leak detector.
type Leak struct {
	// AgeThreshold is the minimum age before an allocation can be flagged.
	AgeThreshold model.Duration `yaml:"age_threshold"`
	// SizeThreshold is the minimum size in bytes before flagging.
	SizeThreshold uint64 `yaml:"size_threshold"`
	// ConfirmScans is the number of consecutive sightings that saturates
	// the repeat component of the confidence score.
	ConfirmScans int `yaml:"confirm_scans"`
	// Allowlist holds call sites never reported as leaks.
	Allowlist []uint64 `yaml:"allowlist"`
	// AllowlistTTL bounds how long a dynamically allowlisted call site is
	// honored.
	AllowlistTTL model.Duration `yaml:"allowlist_ttl"`
}

// Frag configures the fragmentation analyzer.
type Frag struct {
	// AlertThreshold is the external fragmentation fraction [0,1] above
	// which defragmentation is considered.
	AlertThreshold float64 `yaml:"alert_threshold"`
	// ConsecutiveWindows is how many over-threshold snapshots in a row are
	// required before recommending action.
	ConsecutiveWindows int `yaml:"consecutive_windows"`
}

// Stack configures the stack profiler.
type Stack struct {
	// DefaultBudget is the assumed per-thread stack size in bytes when the
	// host does not report one.
	DefaultBudget uint64 `yaml:"default_budget"`
	// WarnPct and CriticalPct are utilization percentages for the
	// Normal -> Warning -> Critical transitions.
	WarnPct     int `yaml:"warn_pct"`
	CriticalPct int `yaml:"critical_pct"`
}

// NUMA configures the NUMA profiler.
type NUMA struct {
	// Nodes is the number of NUMA nodes tracked.
	Nodes int `yaml:"nodes"`
	// MigrationRemoteRatio is the remote-access fraction [0,1] above which
	// migration is considered.
	MigrationRemoteRatio float64 `yaml:"migration_remote_ratio"`
	// SustainWindows is how many consecutive windows the ratio must hold.
	SustainWindows int `yaml:"sustain_windows"`
}

// Cache configures the cache profiler.
type Cache struct {
	// FalseSharingInvalidations is the number of misses on one line within
	// a window that raises the coherence-anomaly counter.
	FalseSharingInvalidations int `yaml:"false_sharing_invalidations"`
	// LineSize is the cache line size used to bucket addresses.
	LineSize uint64 `yaml:"line_size"`
}

// Pattern configures the allocation pattern analyzer.
type Pattern struct {
	// WindowSnapshots is how many recent snapshots classification uses.
	WindowSnapshots int `yaml:"window_snapshots"`
	// TopK is how many call sites hotspot attribution reports.
	TopK int `yaml:"top_k"`
}

// Export configures OTLP export of engine reports.
type Export struct {
	Enabled  bool           `yaml:"enabled"`
	Interval model.Duration `yaml:"interval"`
	OTLP     struct {
		Protocol string            `yaml:"protocol"` // grpc | http
		Endpoint string            `yaml:"endpoint"`
		Insecure bool              `yaml:"insecure"`
		Headers  map[string]string `yaml:"headers"`
	} `yaml:"otlp"`
	Traces struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
		Insecure bool   `yaml:"insecure"`
	} `yaml:"traces"`
}

// Sources configures optional event sources beyond the in-process hooks.
type Sources struct {
	EBPF struct {
		Enabled bool `yaml:"enabled"`
		// ObjectPath points at a compiled CO-RE object carrying the kmem
		// tracepoint programs. Empty means the source stays idle.
		ObjectPath string `yaml:"object_path"`
	} `yaml:"ebpf"`
}

// Default returns the documented defaults for every knob.
func Default() *Config {
	c := &Config{}
	c.Agent.ServiceName = "memtrace"
	c.Agent.LogLevel = "info"
	c.SelfTelemetry.Listen = ":19791"
	c.SelfTelemetry.NS = "memtrace"

	c.Engine.CPUs = 0
	c.Engine.RingCapacity = 8192
	c.Engine.TickInterval = model.Duration(time.Second)
	c.Engine.HistorySize = 120
	c.Engine.PressureBytesPerSec = 64 << 20
	c.Engine.TableShards = 64
	c.Engine.TableCapacity = 1 << 20

	c.Engine.Leak.AgeThreshold = model.Duration(60 * time.Second)
	c.Engine.Leak.SizeThreshold = 1024
	c.Engine.Leak.ConfirmScans = 3
	c.Engine.Leak.AllowlistTTL = model.Duration(time.Hour)

	c.Engine.Frag.AlertThreshold = 0.30
	c.Engine.Frag.ConsecutiveWindows = 3

	c.Engine.Stack.DefaultBudget = 16 << 10
	c.Engine.Stack.WarnPct = 70
	c.Engine.Stack.CriticalPct = 90

	c.Engine.NUMA.Nodes = 1
	c.Engine.NUMA.MigrationRemoteRatio = 0.50
	c.Engine.NUMA.SustainWindows = 5

	c.Engine.Cache.FalseSharingInvalidations = 8
	c.Engine.Cache.LineSize = 64

	c.Engine.Pattern.WindowSnapshots = 32
	c.Engine.Pattern.TopK = 10

	c.Export.Interval = model.Duration(15 * time.Second)
	c.Export.OTLP.Protocol = "grpc"
	return c
}

// Validate rejects configurations the engine cannot run with. The error
// names the offending field so operators can fix the file.
func (c *Config) Validate() error {
	switch c.Agent.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.log_level: %q is not debug, info, warn or error", c.Agent.LogLevel)
	}
	e := &c.Engine
	if e.CPUs < 0 {
		return fmt.Errorf("engine.cpus: %d is negative", e.CPUs)
	}
	if e.RingCapacity <= 0 || e.RingCapacity&(e.RingCapacity-1) != 0 {
		return fmt.Errorf("engine.ring_capacity: %d is not a power of two", e.RingCapacity)
	}
	if time.Duration(e.TickInterval) <= 0 {
		return fmt.Errorf("engine.tick_interval: must be positive")
	}
	if e.HistorySize < 2 {
		return fmt.Errorf("engine.history_size: %d below minimum 2", e.HistorySize)
	}
	if e.TableShards <= 0 || e.TableShards&(e.TableShards-1) != 0 {
		return fmt.Errorf("engine.table_shards: %d is not a power of two", e.TableShards)
	}
	if e.TableCapacity < e.TableShards {
		return fmt.Errorf("engine.table_capacity: %d below shard count", e.TableCapacity)
	}
	if time.Duration(e.Leak.AgeThreshold) <= 0 {
		return fmt.Errorf("engine.leak.age_threshold: must be positive")
	}
	if e.Leak.ConfirmScans < 1 {
		return fmt.Errorf("engine.leak.confirm_scans: %d below minimum 1", e.Leak.ConfirmScans)
	}
	if e.Frag.AlertThreshold < 0 || e.Frag.AlertThreshold > 1 {
		return fmt.Errorf("engine.fragmentation.alert_threshold: %v outside [0,1]", e.Frag.AlertThreshold)
	}
	if e.Frag.ConsecutiveWindows < 1 {
		return fmt.Errorf("engine.fragmentation.consecutive_windows: %d below minimum 1", e.Frag.ConsecutiveWindows)
	}
	if e.Stack.WarnPct <= 0 || e.Stack.CriticalPct <= e.Stack.WarnPct || e.Stack.CriticalPct > 100 {
		return fmt.Errorf("engine.stack: warn_pct %d / critical_pct %d must satisfy 0 < warn < critical <= 100",
			e.Stack.WarnPct, e.Stack.CriticalPct)
	}
	if e.Stack.DefaultBudget == 0 {
		return fmt.Errorf("engine.stack.default_budget: must be positive")
	}
	if e.NUMA.Nodes < 1 {
		return fmt.Errorf("engine.numa.nodes: %d below minimum 1", e.NUMA.Nodes)
	}
	if e.NUMA.MigrationRemoteRatio < 0 || e.NUMA.MigrationRemoteRatio > 1 {
		return fmt.Errorf("engine.numa.migration_remote_ratio: %v outside [0,1]", e.NUMA.MigrationRemoteRatio)
	}
	if e.NUMA.SustainWindows < 1 {
		return fmt.Errorf("engine.numa.sustain_windows: %d below minimum 1", e.NUMA.SustainWindows)
	}
	if e.Cache.LineSize == 0 || e.Cache.LineSize&(e.Cache.LineSize-1) != 0 {
		return fmt.Errorf("engine.cache.line_size: %d is not a power of two", e.Cache.LineSize)
	}
	if e.Pattern.WindowSnapshots < 4 {
		return fmt.Errorf("engine.pattern.window_snapshots: %d below minimum 4", e.Pattern.WindowSnapshots)
	}
	if e.Pattern.TopK < 1 {
		return fmt.Errorf("engine.pattern.top_k: %d below minimum 1", e.Pattern.TopK)
	}
	if c.Export.Enabled {
		if c.Export.OTLP.Endpoint == "" {
			return fmt.Errorf("export.otlp.endpoint: required when export is enabled")
		}
		switch c.Export.OTLP.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("export.otlp.protocol: %q is not grpc or http", c.Export.OTLP.Protocol)
		}
	}
	return nil
}

// Load reads path, layers it over the defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(b)
}

// Parse unmarshals b over the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}
