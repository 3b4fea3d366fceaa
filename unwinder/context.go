// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder walks native call stacks using the frame descriptors of
// the loaded binaries. Every memory access of a walk is bounds checked and,
// for live memory, guarded against faults.
package unwinder // import "go.opentelemetry.io/native-sampler/unwinder"

import (
	"errors"
	"fmt"
)

const (
	// MinValidPC is the lowest return address accepted. The same distance
	// below the top of the address space is rejected too.
	MinValidPC = 0x1000
	// MaxWalkSize bounds the distance between the stack pointer at the start
	// of a walk and any stack pointer reached by it.
	MaxWalkSize = 0x100000
	// MaxFrameSize bounds the size of a single frame.
	MaxFrameSize = 0x40000

	// redZoneSize is the area below the stack start where reads may keep the
	// current register value.
	redZoneSize = 4096
	wordSize    = 8

	maxValidPC = ^uintptr(MinValidPC - 1)
)

// ErrUnsupportedArch is returned by self capture on architectures without a
// register capture helper.
var ErrUnsupportedArch = errors.New("register capture is not supported on this architecture")

// ErrNoProbe is returned when walking live memory without a memory probe.
var ErrNoProbe = errors.New("no memory probe installed")

// Context is the register context of one frame. A walk advances it in place.
// CaptureSelf relies on the field layout.
type Context struct {
	PC uintptr
	SP uintptr
	FP uintptr

	// origin is the stack pointer the walk started at.
	origin uintptr
}

// NewContext returns the context of a frame with the given registers.
func NewContext(pc, sp, fp uintptr) Context {
	return Context{PC: pc, SP: sp, FP: fp, origin: sp}
}

func (c *Context) String() string {
	return fmt.Sprintf("pc=%#x sp=%#x fp=%#x", c.PC, c.SP, c.FP)
}
