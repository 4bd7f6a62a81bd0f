// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ChangeHandler receives the new validated configuration on reload.
type ChangeHandler func(*Config)

// Watcher polls a config file for changes by content hash. A reload that
// fails parsing or validation is logged and discarded; the last-known-good
// config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu       sync.RWMutex
	current  *Config
	hash     [32]byte
	handlers []ChangeHandler

	wg sync.WaitGroup
}

// NewWatcher creates a watcher seeded with the already-loaded initial config.
func NewWatcher(path string, initial *Config, interval time.Duration, log *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w := &Watcher{
		path:     abs,
		interval: interval,
		current:  initial,
		log:      log.With("component", "config_watcher"),
	}
	if b, err := os.ReadFile(abs); err == nil {
		w.hash = sha256.Sum256(b)
	}
	return w, nil
}

// OnChange registers a handler invoked with each new valid config.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

// Current returns the last-known-good configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	b, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config read failed, keeping current", "path", w.path, "error", err)
		return
	}
	h := sha256.Sum256(b)
	w.mu.RLock()
	unchanged := h == w.hash
	w.mu.RUnlock()
	if unchanged {
		return
	}
	cfg, err := Parse(b)
	if err != nil {
		// Last-known-good stays in effect.
		w.log.Error("config reload rejected, keeping last-known-good", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.hash = h
	w.current = cfg
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()
	w.log.Info("config reloaded", "path", w.path)
	for _, h := range handlers {
		h(cfg)
	}
}
