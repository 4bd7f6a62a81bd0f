// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package pattern classifies the allocation time series and attributes load
// to call sites. Classification works over the last few closed windows:
// coefficient of variation separates steady from bursty traffic, a spike is
// a final window far above the mean, and periodicity shows up as a strong
// autocorrelation peak at some lag. Per call site the analyzer keeps
// cumulative alloc/free/byte counters and derives suspicious-pattern
// advisories from their ratios.
package pattern

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
)

// Class is the shape of the recent allocation time series.
type Class uint8

const (
	// ClassUnknown means too few windows or no traffic to classify.
	ClassUnknown Class = iota
	ClassSteady
	ClassBursty
	ClassPeriodic
	ClassSpiking
)

func (c Class) String() string {
	switch c {
	case ClassSteady:
		return "steady"
	case ClassBursty:
		return "bursty"
	case ClassPeriodic:
		return "periodic"
	case ClassSpiking:
		return "spiking"
	default:
		return "unknown"
	}
}

// Hotspot is one call site's cumulative contribution.
type Hotspot struct {
	CallSite       event.CallSiteID `json:"call_site"`
	AllocCount     uint64           `json:"alloc_count"`
	FreeCount      uint64           `json:"free_count"`
	BytesAllocated uint64           `json:"bytes_allocated"`
	BytesLive      uint64           `json:"bytes_live"`
}

// Suspicious is an advisory finding about one call site (or the whole
// series when CallSite is zero).
type Suspicious struct {
	Kind        string           `json:"kind"` // repeated_allocation | memory_bloat | allocation_growth | orphaned_allocations
	CallSite    event.CallSiteID `json:"call_site,omitempty"`
	Description string           `json:"description"`
	Severity    float64          `json:"severity"` // [0,1]
}

// Report is the published analysis for the last closed window.
type Report struct {
	TimestampNs     uint64  `json:"timestamp_ns"`
	Class           Class   `json:"class"`
	ClassName       string  `json:"class_name"`
	WindowsObserved int     `json:"windows_observed"`
	MeanAllocs      float64 `json:"mean_allocs_per_window"`
	CV              float64 `json:"cv"` // stddev / mean
	// PeriodWindows is the detected cycle length, zero unless periodic.
	PeriodWindows int          `json:"period_windows,omitempty"`
	TopSites      []Hotspot    `json:"top_sites"`
	Suspicious    []Suspicious `json:"suspicious,omitempty"`
}

type siteAgg struct {
	allocs, frees uint64
	bytes         uint64
	live          uint64
}

// Analyzer implements track.WindowSink. Observe and Tick run on the tracker
// goroutine; Report may be read from anywhere.
type Analyzer struct {
	cfg config.Pattern
	log *slog.Logger

	// Tracker-goroutine state.
	curAllocs uint64
	series    []float64 // per-window alloc counts, bounded ring
	serHead   int
	serLen    int
	sites     map[event.CallSiteID]*siteAgg

	mu        sync.RWMutex
	published Report
}

// New creates a pattern analyzer.
func New(cfg config.Pattern, log *slog.Logger) *Analyzer {
	return &Analyzer{
		cfg:    cfg,
		log:    log.With("component", "pattern_analyzer"),
		series: make([]float64, cfg.WindowSnapshots),
		sites:  make(map[event.CallSiteID]*siteAgg),
	}
}

// Observe folds one routed record into the open window. Free records are
// expected with the owning allocation's call site and size filled in.
func (a *Analyzer) Observe(rec event.Record) {
	agg := a.sites[rec.CallSite]
	if agg == nil {
		agg = &siteAgg{}
		a.sites[rec.CallSite] = agg
	}
	switch rec.Kind {
	case event.KindAlloc:
		a.curAllocs++
		agg.allocs++
		agg.bytes += rec.Size
		agg.live += rec.Size
	case event.KindFree:
		agg.frees++
		if agg.live >= rec.Size {
			agg.live -= rec.Size
		} else {
			agg.live = 0
		}
	}
}

// Tick closes the window, reclassifies the series and publishes a report.
func (a *Analyzer) Tick(nowNs uint64) {
	idx := (a.serHead + a.serLen) % len(a.series)
	if a.serLen == len(a.series) {
		a.serHead = (a.serHead + 1) % len(a.series)
		idx = (a.serHead + a.serLen - 1) % len(a.series)
	} else {
		a.serLen++
	}
	a.series[idx] = float64(a.curAllocs)
	a.curAllocs = 0

	xs := a.orderedSeries()
	rep := Report{
		TimestampNs:     nowNs,
		WindowsObserved: len(xs),
		TopSites:        a.topSites(),
	}
	rep.Class, rep.MeanAllocs, rep.CV, rep.PeriodWindows = classify(xs)
	rep.ClassName = rep.Class.String()
	rep.Suspicious = a.suspicious(xs)

	a.mu.Lock()
	a.published = rep
	a.mu.Unlock()
}

// Report returns the last published analysis.
func (a *Analyzer) Report() Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.published
}

func (a *Analyzer) orderedSeries() []float64 {
	out := make([]float64, a.serLen)
	for i := 0; i < a.serLen; i++ {
		out[i] = a.series[(a.serHead+i)%len(a.series)]
	}
	return out
}

// classify needs at least four windows with traffic; checks run in priority
// order spike, periodic, bursty, steady.
func classify(xs []float64) (Class, float64, float64, int) {
	mean, sd := meanStddev(xs)
	cv := 0.0
	if mean > 0 {
		cv = sd / mean
	}
	if len(xs) < 4 || mean == 0 {
		return ClassUnknown, mean, cv, 0
	}
	last := xs[len(xs)-1]
	if last > mean+3*sd && last > 2*mean {
		return ClassSpiking, mean, cv, 0
	}
	if lag := dominantLag(xs, mean); lag > 0 {
		return ClassPeriodic, mean, cv, lag
	}
	if cv > 0.8 {
		return ClassBursty, mean, cv, 0
	}
	return ClassSteady, mean, cv, 0
}

func meanStddev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// dominantLag returns the smallest lag in [2, n/2] whose normalized
// autocorrelation exceeds 0.5, or zero. Eight windows minimum.
func dominantLag(xs []float64, mean float64) int {
	n := len(xs)
	if n < 8 {
		return 0
	}
	var denom float64
	for _, x := range xs {
		d := x - mean
		denom += d * d
	}
	if denom == 0 {
		return 0
	}
	for lag := 2; lag <= n/2; lag++ {
		var num float64
		for i := 0; i+lag < n; i++ {
			num += (xs[i] - mean) * (xs[i+lag] - mean)
		}
		if num/denom > 0.5 {
			return lag
		}
	}
	return 0
}

func (a *Analyzer) topSites() []Hotspot {
	out := make([]Hotspot, 0, len(a.sites))
	for cs, agg := range a.sites {
		out = append(out, Hotspot{
			CallSite:       cs,
			AllocCount:     agg.allocs,
			FreeCount:      agg.frees,
			BytesAllocated: agg.bytes,
			BytesLive:      agg.live,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BytesAllocated != out[j].BytesAllocated {
			return out[i].BytesAllocated > out[j].BytesAllocated
		}
		return out[i].CallSite < out[j].CallSite
	})
	if len(out) > a.cfg.TopK {
		out = out[:a.cfg.TopK]
	}
	return out
}

const bloatBytes = 1 << 20

func (a *Analyzer) suspicious(xs []float64) []Suspicious {
	var out []Suspicious

	// Monotone rise across the last four windows reads as unbounded growth.
	if n := len(xs); n >= 4 {
		tail := xs[n-4:]
		rising := tail[3] > tail[0]
		for i := 1; i < 4 && rising; i++ {
			if tail[i] < tail[i-1] {
				rising = false
			}
		}
		if rising {
			sev := (tail[3] - tail[0]) / (tail[0] + 1)
			out = append(out, Suspicious{
				Kind:        "allocation_growth",
				Description: "allocation rate rose across four consecutive windows",
				Severity:    clamp01(sev),
			})
		}
	}

	for cs, agg := range a.sites {
		switch {
		case agg.allocs >= 32 && agg.frees*10 < agg.allocs:
			out = append(out, Suspicious{
				Kind:     "orphaned_allocations",
				CallSite: cs,
				Description: fmt.Sprintf("%d allocations but only %d frees; references may be lost",
					agg.allocs, agg.frees),
				Severity: clamp01(1 - float64(agg.frees)/float64(agg.allocs)),
			})
		case agg.allocs >= 64 && float64(agg.frees) >= float64(agg.allocs)*0.9:
			out = append(out, Suspicious{
				Kind:     "repeated_allocation",
				CallSite: cs,
				Description: fmt.Sprintf("%d alloc/free round trips; reuse or pool the buffer",
					agg.allocs),
				Severity: clamp01(float64(agg.allocs) / 1024),
			})
		case agg.live >= bloatBytes:
			out = append(out, Suspicious{
				Kind:     "memory_bloat",
				CallSite: cs,
				Description: fmt.Sprintf("%d bytes held live from one call site",
					agg.live),
				Severity: clamp01(float64(agg.live) / (16 * bloatBytes)),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].CallSite < out[j].CallSite
	})
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
