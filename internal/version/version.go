// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

package version

var (
	version   = "v0.4.2"
	commit    = "release"
	buildDate = "2026-08-26"
)

func Version() string   { return version }
func Commit() string    { return commit }
func BuildDate() string { return buildDate }
