// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package leak scans the live-allocation table for allocations that are
// both old and large enough to be suspicious. Candidates are never stored:
// each scan recomputes them, and confidence grows with age overshoot and
// with consecutive sightings, so a single long-lived cache is cheap to tell
// apart from a genuine leak. Call sites can be allowlisted statically via
// config or dynamically with a TTL.
package leak

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
	"github.com/platformbuilds/memtrace/internal/livetable"
)

// Kind classifies a leak candidate.
type Kind uint8

const (
	// Direct marks an allocation that was simply never freed.
	Direct Kind = iota
	// Indirect marks allocations from call sites with many simultaneous
	// suspects, the usual shape of a container leaking its elements.
	// Best-effort, lower confidence.
	Indirect
	// FragmentationInduced marks small allocations that are technically
	// live but sit in heavily fragmented space. Requires the fragmentation
	// analyzer's input; best-effort, lower confidence.
	FragmentationInduced
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Indirect:
		return "indirect"
	case FragmentationInduced:
		return "fragmentation_induced"
	default:
		return "unknown"
	}
}

// Candidate is one suspected leak. Derived per scan, never persisted.
type Candidate struct {
	Record     livetable.Record `json:"record"`
	AgeNs      uint64           `json:"age_ns"`
	Confidence float64          `json:"confidence"`
	Kind       Kind             `json:"kind"`
	KindName   string           `json:"kind_name"`
	Sightings  int              `json:"sightings"`
	// ImpactScore is size times age in seconds, for ranking.
	ImpactScore uint64 `json:"impact_score"`
}

// Recommendation is a priority-ranked fix suggestion for a leak cluster.
type Recommendation struct {
	CallSite     event.CallSiteID `json:"call_site"`
	Kind         string           `json:"kind"`
	Priority     int              `json:"priority"` // higher is more urgent
	Description  string           `json:"description"`
	SuspectCount int              `json:"suspect_count"`
	SuspectBytes uint64           `json:"suspect_bytes"`
}

// Report is the outcome of one scan.
type Report struct {
	TimestampNs    uint64           `json:"timestamp_ns"`
	TotalLive      int              `json:"total_live"`
	Candidates     []Candidate      `json:"candidates"`
	SuspectedBytes uint64           `json:"suspected_bytes"`
	FalsePositives uint64           `json:"false_positives"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Detector holds scan-to-scan state: consecutive sighting counts and the
// call-site allowlist.
type Detector struct {
	cfg   config.Leak
	table *livetable.Table
	log   *slog.Logger

	static  map[event.CallSiteID]struct{}
	dynamic *expirable.LRU[event.CallSiteID, struct{}]

	mu             sync.Mutex
	sightings      map[uint64]int // allocation id -> consecutive scans flagged
	falsePositives uint64
	scans          uint64
}

// New creates a detector over table.
func New(cfg config.Leak, table *livetable.Table, log *slog.Logger) *Detector {
	static := make(map[event.CallSiteID]struct{}, len(cfg.Allowlist))
	for _, cs := range cfg.Allowlist {
		static[event.CallSiteID(cs)] = struct{}{}
	}
	ttl := time.Duration(cfg.AllowlistTTL)
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Detector{
		cfg:       cfg,
		table:     table,
		log:       log.With("component", "leak_detector"),
		static:    static,
		dynamic:   expirable.NewLRU[event.CallSiteID, struct{}](1024, nil, ttl),
		sightings: make(map[uint64]int),
	}
}

// Allow suppresses reports for a call site until the allowlist TTL expires.
func (d *Detector) Allow(cs event.CallSiteID) { d.dynamic.Add(cs, struct{}{}) }

func (d *Detector) allowed(cs event.CallSiteID) bool {
	if _, ok := d.static[cs]; ok {
		return true
	}
	_, ok := d.dynamic.Get(cs)
	return ok
}

// Scan walks a snapshot of the live table and reports every allocation
// strictly older than the age threshold and at least the size threshold.
// fragExternalPct is the fragmentation analyzer's current external
// fragmentation fraction, used only for best-effort classification; pass a
// negative value when unknown.
func (d *Detector) Scan(nowNs uint64, fragExternalPct float64) Report {
	ageThreshold := uint64(time.Duration(d.cfg.AgeThreshold))
	live := d.table.Snapshot()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.scans++

	// Per-site counts of this scan's suspects, for Indirect classification
	// and recommendations.
	siteCount := make(map[event.CallSiteID]int)
	siteBytes := make(map[event.CallSiteID]uint64)

	flagged := make(map[uint64]struct{})
	var candidates []Candidate
	var suspectedBytes uint64

	for _, rec := range live {
		if rec.CreatedNs > nowNs {
			continue
		}
		age := nowNs - rec.CreatedNs
		if age <= ageThreshold || rec.Size < d.cfg.SizeThreshold {
			continue
		}
		if d.allowed(rec.CallSite) {
			continue
		}
		flagged[rec.ID] = struct{}{}
		d.sightings[rec.ID]++
		siteCount[rec.CallSite]++
		siteBytes[rec.CallSite] += rec.Size

		candidates = append(candidates, Candidate{
			Record:      rec,
			AgeNs:       age,
			Sightings:   d.sightings[rec.ID],
			ImpactScore: rec.Size * (age / 1e9),
		})
		suspectedBytes += rec.Size
	}

	// Sightings for ids no longer flagged: either the allocation was freed
	// (a false positive of an earlier scan) or it aged out of the table.
	for id := range d.sightings {
		if _, still := flagged[id]; !still {
			delete(d.sightings, id)
			d.falsePositives++
		}
	}

	for i := range candidates {
		c := &candidates[i]
		c.Kind = d.classify(c, siteCount[c.Record.CallSite], fragExternalPct)
		c.KindName = c.Kind.String()
		c.Confidence = d.confidence(c, siteCount[c.Record.CallSite], ageThreshold)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].ImpactScore > candidates[j].ImpactScore
	})

	rep := Report{
		TimestampNs:     nowNs,
		TotalLive:       len(live),
		Candidates:      candidates,
		SuspectedBytes:  suspectedBytes,
		FalsePositives:  d.falsePositives,
		Recommendations: recommendations(siteCount, siteBytes, candidates),
	}
	if len(candidates) > 0 {
		d.log.Debug("leak scan",
			"live", len(live),
			"candidates", len(candidates),
			"suspected_bytes", suspectedBytes)
	}
	return rep
}

func (d *Detector) classify(c *Candidate, siteSuspects int, fragExternalPct float64) Kind {
	if fragExternalPct > 0.5 && c.Record.Size < d.cfg.SizeThreshold*4 {
		return FragmentationInduced
	}
	if siteSuspects > 4 {
		return Indirect
	}
	return Direct
}

// confidence combines age overshoot, size, repeated sightings and leak kind
// into [0.05, 1]. An allocation flagged for the first time already scores
// above zero; one seen across ConfirmScans consecutive scans gains the full
// repeat component.
func (d *Detector) confidence(c *Candidate, siteSuspects int, ageThreshold uint64) float64 {
	score := 0.0

	over := float64(c.AgeNs) / float64(ageThreshold)
	if over > 2 {
		over = 2
	}
	score += over * 0.15 // >0.15 as soon as the threshold is crossed

	if d.cfg.SizeThreshold > 0 {
		sz := float64(c.Record.Size) / float64(d.cfg.SizeThreshold)
		if sz > 5 {
			sz = 5
		}
		score += sz * 0.04
	}

	repeat := float64(c.Sightings) / float64(d.cfg.ConfirmScans)
	if repeat > 1 {
		repeat = 1
	}
	score += repeat * 0.4

	if siteSuspects > 10 {
		score += 0.1 // hot call site leaking repeatedly
	}
	if c.Record.Flags.Has(event.FlagLongLived) {
		score -= 0.2 // host said this is expected to live long
	}
	// Best-effort kinds are explicitly lower confidence.
	if c.Kind != Direct {
		score *= 0.75
	}

	if score < 0.05 {
		score = 0.05
	}
	if score > 1 {
		score = 1
	}
	return score
}

func recommendations(siteCount map[event.CallSiteID]int, siteBytes map[event.CallSiteID]uint64, candidates []Candidate) []Recommendation {
	kindBySite := make(map[event.CallSiteID]Kind)
	for _, c := range candidates {
		if prev, ok := kindBySite[c.Record.CallSite]; !ok || c.Kind > prev {
			kindBySite[c.Record.CallSite] = c.Kind
		}
	}
	var out []Recommendation
	for site, n := range siteCount {
		r := Recommendation{
			CallSite:     site,
			SuspectCount: n,
			SuspectBytes: siteBytes[site],
		}
		switch kindBySite[site] {
		case Indirect:
			r.Kind = "release_referents"
			r.Priority = 3
			r.Description = "call site accumulates many live suspects; free owned objects when the container is released"
		case FragmentationInduced:
			r.Kind = "reduce_fragmentation"
			r.Priority = 1
			r.Description = "small long-lived allocations in fragmented space; consider pooling or a dedicated size class"
		default:
			r.Kind = "add_free_path"
			r.Priority = 2
			r.Description = "allocation is never freed; pair the allocation with an explicit release"
		}
		if n >= 10 {
			r.Priority++
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].SuspectBytes > out[j].SuspectBytes
	})
	return out
}

// FalsePositives returns how many flagged allocations were later freed.
func (d *Detector) FalsePositives() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.falsePositives
}

// Scans returns the number of scans performed.
func (d *Detector) Scans() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans
}
