// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

// Package ebpfsrc feeds the interception layer from kernel kmem tracepoints.
// The CO-RE object is loaded from a configured path rather than embedded so
// the engine binary stays usable on hosts without the object; with no object
// (or when loading fails) the source idles instead of failing the agent.
package ebpfsrc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
)

// wireRecordSize is the fixed layout emitted by the BPF programs:
// ts_ns, addr, size, call_site, id as u64, then kind u8, pad u8,
// cpu u16, node u16, flags u16.
const wireRecordSize = 48

const (
	wireKindAlloc = 0
	wireKindFree  = 1
)

// Source attaches to kmem/kmalloc and kmem/kfree and forwards decoded
// records to an observer.
type Source struct {
	cfg config.Sources
	obs event.Observer
	log *slog.Logger

	received atomic.Uint64
	lost     atomic.Uint64
}

// New creates the kernel event source.
func New(cfg config.Sources, obs event.Observer, log *slog.Logger) *Source {
	return &Source{cfg: cfg, obs: obs, log: log.With("component", "ebpf_source")}
}

// Received returns how many kernel records were decoded and forwarded.
func (s *Source) Received() uint64 { return s.received.Load() }

// Lost returns how many ring samples were unparseable.
func (s *Source) Lost() uint64 { return s.lost.Load() }

// Run attaches and pumps events until ctx is cancelled. A missing or
// unloadable object downgrades to idling; only a cancelled context ends a
// healthy run.
func (s *Source) Run(ctx context.Context) error {
	if !s.cfg.EBPF.Enabled || s.cfg.EBPF.ObjectPath == "" {
		s.log.Info("ebpf source disabled")
		<-ctx.Done()
		return nil
	}
	if err := s.attachAndPump(ctx); err != nil {
		s.log.Warn("ebpf source unavailable, idling", "error", err)
		<-ctx.Done()
	}
	return nil
}

func (s *Source) attachAndPump(ctx context.Context) error {
	objBytes, err := os.ReadFile(s.cfg.EBPF.ObjectPath)
	if err != nil {
		return fmt.Errorf("read object: %w", err)
	}
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(objBytes))
	if err != nil {
		return fmt.Errorf("parse object: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	defer coll.Close()

	allocProg, ok := coll.Programs["memtrace_kmalloc"]
	if !ok {
		return errors.New("program memtrace_kmalloc not found")
	}
	freeProg, ok := coll.Programs["memtrace_kfree"]
	if !ok {
		return errors.New("program memtrace_kfree not found")
	}
	allocLink, err := link.Tracepoint("kmem", "kmalloc", allocProg, nil)
	if err != nil {
		return fmt.Errorf("attach kmem/kmalloc: %w", err)
	}
	defer allocLink.Close()
	freeLink, err := link.Tracepoint("kmem", "kfree", freeProg, nil)
	if err != nil {
		return fmt.Errorf("attach kmem/kfree: %w", err)
	}
	defer freeLink.Close()

	events, ok := coll.Maps["events"]
	if !ok {
		return errors.New("map events not found")
	}
	rdr, err := ringbuf.NewReader(events)
	if err != nil {
		return fmt.Errorf("ringbuf reader: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = rdr.Close()
	}()
	defer rdr.Close()

	s.log.Info("ebpf source attached", "object", s.cfg.EBPF.ObjectPath)
	for {
		sample, err := rdr.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			s.lost.Add(1)
			continue
		}
		s.forward(sample.RawSample)
	}
}

func (s *Source) forward(raw []byte) {
	if len(raw) < wireRecordSize {
		s.lost.Add(1)
		return
	}
	tsNs := binary.LittleEndian.Uint64(raw[0:8])
	addr := binary.LittleEndian.Uint64(raw[8:16])
	size := binary.LittleEndian.Uint64(raw[16:24])
	callSite := binary.LittleEndian.Uint64(raw[24:32])
	id := binary.LittleEndian.Uint64(raw[32:40])
	kind := raw[40]
	cpu := binary.LittleEndian.Uint16(raw[42:44])
	node := binary.LittleEndian.Uint16(raw[44:46])
	flags := binary.LittleEndian.Uint16(raw[46:48])

	switch kind {
	case wireKindAlloc:
		s.obs.OnAlloc(event.AllocInfo{
			ID:       id,
			Addr:     addr,
			Size:     size,
			TSNs:     tsNs,
			CPU:      event.CPUID(cpu),
			Node:     event.NodeID(node),
			CallSite: event.CallSiteID(callSite),
			Flags:    event.AllocFlags(flags),
		})
	case wireKindFree:
		s.obs.OnFree(event.FreeInfo{
			ID:   id,
			Addr: addr,
			TSNs: tsNs,
			CPU:  event.CPUID(cpu),
		})
	default:
		s.lost.Add(1)
		return
	}
	s.received.Add(1)
}
