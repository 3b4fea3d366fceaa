// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/native-sampler/unwinder"

// CaptureSelf stores the registers of its caller at the call site in ctx.
// The context stays valid while the calling frame is live and its goroutine
// stack is not moved.
//
//go:noescape
func CaptureSelf(ctx *Context) error
