// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package framedesc defines the frame descriptor, the compact unwinding rule the
// stack walker applies for a range of code, and the sorted per-binary tables
// built from them.
package framedesc // import "go.opentelemetry.io/native-sampler/nativeunwind/framedesc"

import (
	"fmt"
	"math"
	"runtime"
)

const (
	// StackSlot is the size of one stack word.
	StackSlot = 8

	// SameFP marks a frame that leaves the frame pointer register untouched.
	SameFP int32 = math.MinInt32

	// PCOffset is set in FPOff when the caller's PC is the current PC plus
	// FPOff>>1, without any memory read.
	PCOffset int32 = 1

	// RegPLT is the pseudo register of the x86-64 PLT stub rule: the CFA is
	// SP plus the offset, or plus twice the offset in the second half of a
	// 16 byte PLT slot.
	RegPLT uint8 = 128

	// RegInvalid marks a CFA rule the walker cannot evaluate.
	RegInvalid uint8 = 255
)

// Arch holds the DWARF register numbers the frame descriptors refer to.
type Arch struct {
	Name string
	FP   uint8
	SP   uint8
	// PC is the return address column.
	PC uint8
}

var (
	// X86_64 register numbering: rbp, rsp and the return address column.
	X86_64 = Arch{Name: "x86_64", FP: 6, SP: 7, PC: 16}
	// ARM64 register numbering: x29, sp and the link register x30.
	ARM64 = Arch{Name: "aarch64", FP: 29, SP: 31, PC: 30}
)

// HostArch returns the register numbering of the running process.
func HostArch() (Arch, error) {
	switch runtime.GOARCH {
	case "amd64":
		return X86_64, nil
	case "arm64":
		return ARM64, nil
	default:
		return Arch{}, fmt.Errorf("unsupported architecture %s", runtime.GOARCH)
	}
}

// RegName returns a short name for a register used in a CFA rule.
func (a Arch) RegName(reg uint8) string {
	switch reg {
	case a.SP:
		return "sp"
	case a.FP:
		return "fp"
	case a.PC:
		return "pc"
	case RegPLT:
		return "plt"
	case RegInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("r%d", reg)
	}
}

// FrameDesc is the unwinding rule valid from Loc up to the Loc of the next
// descriptor in the same table.
type FrameDesc struct {
	// Loc is the code offset relative to the binary's virtual address zero.
	Loc uint32
	// CFA packs the base register in the low byte and the signed offset
	// in the upper 24 bits.
	CFA int32
	// FPOff is the offset from the CFA of the saved frame pointer, SameFP,
	// or a PC delta tagged with PCOffset.
	FPOff int32
}

// MakeCFA packs a CFA rule.
func MakeCFA(reg uint8, off int32) int32 {
	return int32(reg) | off<<8
}

// CFAReg returns the base register of the CFA rule.
func (d FrameDesc) CFAReg() uint8 {
	return uint8(d.CFA)
}

// CFAOffset returns the offset of the CFA rule.
func (d FrameDesc) CFAOffset() int32 {
	return d.CFA >> 8
}

// HasPCDelta reports whether the caller's PC is derived arithmetically.
func (d FrameDesc) HasPCDelta() bool {
	return d.FPOff&PCOffset != 0
}

// PCDelta returns the PC delta of a descriptor with HasPCDelta set.
func (d FrameDesc) PCDelta() int32 {
	return d.FPOff >> 1
}

// sameRule reports whether both descriptors unwind identically.
func (d FrameDesc) sameRule(o FrameDesc) bool {
	return d.CFA == o.CFA && d.FPOff == o.FPOff
}

// Format renders the descriptor for diagnostics.
func (d FrameDesc) Format(a Arch) string {
	var fp string
	switch {
	case d.HasPCDelta():
		fp = fmt.Sprintf("pc%+d", d.PCDelta())
	case d.FPOff == SameFP:
		fp = "same"
	default:
		fp = fmt.Sprintf("cfa%+d", d.FPOff)
	}
	reg := d.CFAReg()
	if reg == RegInvalid {
		return fmt.Sprintf("%08x cfa=invalid fp=%s", d.Loc, fp)
	}
	return fmt.Sprintf("%08x cfa=%s%+d fp=%s", d.Loc, a.RegName(reg), d.CFAOffset(), fp)
}

// DefaultFrame is applied to code without a table: a standard frame with
// the caller's frame pointer and return address stored just below the CFA.
func DefaultFrame(a Arch) FrameDesc {
	return FrameDesc{
		CFA:   MakeCFA(a.FP, 2*StackSlot),
		FPOff: -2 * StackSlot,
	}
}

// EndFrame is emitted at the end of every function: the return address is on
// top of the stack and the frame pointer is the caller's.
func EndFrame(a Arch, loc uint32) FrameDesc {
	return FrameDesc{
		Loc:   loc,
		CFA:   MakeCFA(a.SP, StackSlot),
		FPOff: SameFP,
	}
}
