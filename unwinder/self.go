// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/native-sampler/unwinder"

// growStackSize is the stack headroom a walk of live memory needs, including
// the recovery of a faulting read.
const growStackSize = 32 << 10

var (
	growStackIndex = 1
	growStackSink  byte
)

// growStack makes sure the goroutine stack has growStackSize bytes free, so
// the stack is not copied while a walk reads it.
//
//go:noinline
func growStack() {
	var buf [growStackSize]byte
	buf[growStackIndex] = byte(growStackIndex)
	growStackSink = buf[growStackIndex]
}

// WalkSelf walks the stack of the calling goroutine into chain. The first
// frame is WalkSelf itself.
//
//go:noinline
func (w *Walker) WalkSelf(maxDepth, skip int, chain []uintptr) (int, error) {
	if w.live.probe == nil {
		return 0, ErrNoProbe
	}
	growStack()
	var ctx Context
	if err := CaptureSelf(&ctx); err != nil {
		return 0, err
	}
	return w.Walk(&ctx, w.live, maxDepth, skip, chain), nil
}

// WalkLive walks ctx reading the memory of the running process. It returns
// zero without a memory probe.
func (w *Walker) WalkLive(ctx *Context, maxDepth, skip int, chain []uintptr) int {
	if w.live.probe == nil {
		return 0
	}
	return w.Walk(ctx, w.live, maxDepth, skip, chain)
}
