// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides typed wrappers around the sync primitives used by the
// unwind table registry and the memory probe.
package xsync // import "go.opentelemetry.io/native-sampler/libpf/xsync"
