// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevels(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	} {
		logger, _ := newLogger(level)
		assert.True(t, logger.Enabled(context.Background(), want), "level %q", level)
		if want > slog.LevelDebug {
			assert.False(t, logger.Enabled(context.Background(), want-4), "level %q", level)
		}
	}
}

func TestLogLevelFollowsReload(t *testing.T) {
	logger, lvl := newLogger("info")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))

	lvl.Set(levelFor("debug"))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	lvl.Set(levelFor("error"))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
}
