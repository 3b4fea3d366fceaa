// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/native-sampler/unwinder"

import (
	"encoding/binary"

	"go.opentelemetry.io/native-sampler/probe"
)

// Memory is the stack memory a walk reads from.
type Memory interface {
	// Bounds returns the range [lo, hi) readable by a walk that started with
	// stack pointer origin.
	Bounds(origin uintptr) (lo, hi uintptr)
	// Load returns the word at addr. addr is aligned and lies within Bounds.
	Load(addr uintptr) (uintptr, bool)
}

// Snapshot is a copy of the stack range [SPStart, SPEnd).
type Snapshot struct {
	SPStart uintptr
	SPEnd   uintptr
	Data    []byte
}

// NewSnapshot wraps a stack copy taken at address spStart.
func NewSnapshot(spStart uintptr, data []byte) *Snapshot {
	return &Snapshot{
		SPStart: spStart,
		SPEnd:   spStart + uintptr(len(data)),
		Data:    data,
	}
}

func (s *Snapshot) Bounds(uintptr) (lo, hi uintptr) {
	return s.SPStart, s.SPEnd
}

func (s *Snapshot) Load(addr uintptr) (uintptr, bool) {
	idx := addr - s.SPStart
	if idx+wordSize > uintptr(len(s.Data)) {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint64(s.Data[idx:])), true
}

// ReadMemory reads the word at addr. cur is the value the read replaces.
func (s *Snapshot) ReadMemory(addr, cur uintptr) (uintptr, bool) {
	return readWord(s, s.SPStart, s.SPEnd, addr, cur)
}

// LiveMemory reads the stack of the running process through the memory
// probe. A walk may read the MaxWalkSize bytes above its starting stack
// pointer.
type LiveMemory struct {
	probe *probe.Probe
}

// NewLiveMemory returns the live memory reader using p.
func NewLiveMemory(p *probe.Probe) LiveMemory {
	return LiveMemory{probe: p}
}

func (m LiveMemory) Bounds(origin uintptr) (lo, hi uintptr) {
	return origin, origin + MaxWalkSize
}

func (m LiveMemory) Load(addr uintptr) (uintptr, bool) {
	val, ok := m.probe.TryRead64(addr)
	return uintptr(val), ok
}

// readWord reads the word at addr from mem confined to [lo, hi).
//
// Reads just below lo fall into the red zone of a leaf function. They
// succeed without touching memory if cur already points into the stack.
func readWord(mem Memory, lo, hi, addr, cur uintptr) (uintptr, bool) {
	if addr < redZoneSize-1 || addr&(wordSize-1) != 0 || addr+wordSize < addr {
		return 0, false
	}
	if addr < lo && addr > lo-redZoneSize {
		if cur > lo && cur < hi {
			return cur, true
		}
		return 0, false
	}
	if addr < lo || addr+wordSize > hi {
		return 0, false
	}
	return mem.Load(addr)
}
