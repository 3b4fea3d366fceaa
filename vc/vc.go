// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information.
package vc // import "go.opentelemetry.io/native-sampler/vc"

import (
	"runtime/debug"
	"sync"
)

var (
	// Set at link time with -ldflags "-X go.opentelemetry.io/native-sampler/vc.version=...".
	// Empty values fall back to the build info embedded by the Go toolchain.
	revision       = ""
	buildTimestamp = ""
	version        = ""

	fillOnce sync.Once
)

func fill() {
	fillOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		if version == "" && info.Main.Version != "" {
			version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if revision == "" {
					revision = s.Value
				}
			case "vcs.time":
				if buildTimestamp == "" {
					buildTimestamp = s.Value
				}
			}
		}
	})
}

// Revision of the sampler.
func Revision() string {
	fill()
	return revision
}

// BuildTimestamp returns the timestamp of the build.
func BuildTimestamp() string {
	fill()
	return buildTimestamp
}

// Version in vX.Y.Z{-N-abbrev} format, or "(devel)" for local builds.
func Version() string {
	fill()
	return version
}
