// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

// Kernel tracepoints are Linux-only; elsewhere the source idles so the rest
// of the engine is unaffected.
package ebpfsrc

import (
	"context"
	"log/slog"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/event"
)

type Source struct {
	log *slog.Logger
}

func New(cfg config.Sources, obs event.Observer, log *slog.Logger) *Source {
	return &Source{log: log.With("component", "ebpf_source")}
}

func (s *Source) Received() uint64 { return 0 }
func (s *Source) Lost() uint64     { return 0 }

func (s *Source) Run(ctx context.Context) error {
	s.log.Info("ebpf source unsupported on this platform")
	<-ctx.Done()
	return nil
}
