// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.opentelemetry.io/native-sampler/nativeunwind/elfunwindinfo"

import (
	"bytes"
	"debug/elf"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"go.opentelemetry.io/native-sampler/nativeunwind/framedesc"
)

// endbr64 is the CET landing pad compilers place before the prologue.
var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

// Pointer authentication and branch target hints that may precede the
// aarch64 prologue.
var (
	paciasp = []byte{0x3f, 0x23, 0x03, 0xd5}
	btiC    = []byte{0x5f, 0x24, 0x03, 0xd5}
)

// prologueWindow is the number of code bytes decoded per function.
const prologueWindow = 16

// matchFramePrologue decodes `push %rbp; mov %rsp,%rbp` at the start of code
// and returns the offsets just after each of the two instructions.
func matchFramePrologue(code []byte) (afterPush, afterMov uint32, ok bool) {
	pos := 0
	if bytes.HasPrefix(code, endbr64) {
		pos = len(endbr64)
	}
	inst, err := x86asm.Decode(code[pos:], 64)
	if err != nil || inst.Op != x86asm.PUSH || inst.Args[0] != x86asm.RBP {
		return 0, 0, false
	}
	pos += inst.Len
	push := pos
	inst, err = x86asm.Decode(code[pos:], 64)
	if err != nil || inst.Op != x86asm.MOV ||
		inst.Args[0] != x86asm.RBP || inst.Args[1] != x86asm.RSP {
		return 0, 0, false
	}
	pos += inst.Len
	return uint32(push), uint32(pos), true
}

// matchFramePrologueARM decodes `stp x29, x30, [sp, #-N]!; mov x29, sp` at
// the start of code and returns the offsets just after each of the two
// instructions.
func matchFramePrologueARM(code []byte) (afterStp, afterMov uint32, ok bool) {
	pos := 0
	if bytes.HasPrefix(code, paciasp) || bytes.HasPrefix(code, btiC) {
		pos = len(paciasp)
	}
	inst, err := arm64asm.Decode(code[pos:])
	if err != nil || inst.Op != arm64asm.STP ||
		inst.Args[0] != arm64asm.X29 || inst.Args[1] != arm64asm.X30 {
		return 0, 0, false
	}
	mem, isMem := inst.Args[2].(arm64asm.MemImmediate)
	if !isMem || mem.Base != arm64asm.RegSP(arm64asm.SP) ||
		mem.Mode != arm64asm.AddrPreIndex || preIndexOffset(mem) >= 0 {
		return 0, 0, false
	}
	pos += 4
	stp := pos
	inst, err = arm64asm.Decode(code[pos:])
	if err != nil || inst.Op != arm64asm.MOV ||
		inst.Args[0] != arm64asm.RegSP(arm64asm.X29) ||
		inst.Args[1] != arm64asm.RegSP(arm64asm.SP) {
		return 0, 0, false
	}
	pos += 4
	return uint32(stp), uint32(pos), true
}

// preIndexOffset returns the immediate of a `[base,#imm]!` operand. The
// decoder keeps it unexported, so it is taken from the operand text.
func preIndexOffset(mem arm64asm.MemImmediate) int64 {
	s := mem.String()
	start, end := strings.IndexByte(s, '#'), strings.IndexByte(s, ']')
	if start < 0 || end < start {
		return 0
	}
	imm, err := strconv.ParseInt(s[start+1:end], 0, 32)
	if err != nil {
		return 0
	}
	return imm
}

// funcSymbols returns the defined function symbols sorted by address, one per
// address.
func funcSymbols(ef *elf.File) []elf.Symbol {
	var funcs []elf.Symbol
	for _, load := range []func() ([]elf.Symbol, error){ef.Symbols, ef.DynamicSymbols} {
		syms, err := load()
		if err != nil {
			continue
		}
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Value != 0 && sym.Size != 0 &&
				sym.Section != elf.SHN_UNDEF {
				funcs = append(funcs, sym)
			}
		}
	}
	sort.Slice(funcs, func(i, j int) bool {
		if funcs[i].Value != funcs[j].Value {
			return funcs[i].Value < funcs[j].Value
		}
		return funcs[i].Size > funcs[j].Size
	})
	n := 0
	for i := range funcs {
		if n > 0 && funcs[n-1].Value == funcs[i].Value {
			continue
		}
		funcs[n] = funcs[i]
		n++
	}
	return funcs[:n]
}

// detectPrologues synthesizes descriptors for code without call frame
// information. Functions starting with the standard frame pointer prologue of
// the architecture get exact descriptors for the prologue, all others get the
// default frame. It returns the table and the number of functions with a
// recognized prologue.
func detectPrologues(ef *elf.File, arch framedesc.Arch) (*framedesc.Table, int) {
	var (
		match func([]byte) (uint32, uint32, bool)
		entry framedesc.FrameDesc
	)
	switch arch {
	case framedesc.X86_64:
		match = matchFramePrologue
		entry = framedesc.EndFrame(arch, 0)
	case framedesc.ARM64:
		// The return address is still in the link register at entry.
		match = matchFramePrologueARM
		entry = framedesc.FrameDesc{
			CFA:   framedesc.MakeCFA(framedesc.RegInvalid, 0),
			FPOff: framedesc.SameFP,
		}
	default:
		return nil, 0
	}

	funcs := funcSymbols(ef)
	b := framedesc.NewBuilder(len(funcs) * 4)
	code := make([]byte, prologueWindow)
	matched := 0

	for _, sym := range funcs {
		if sym.Value+sym.Size > math.MaxUint32 {
			continue
		}
		start, end := uint32(sym.Value), uint32(sym.Value+sym.Size)

		n := min(uint64(len(code)), sym.Size)
		afterSave, afterMov, ok := uint32(0), uint32(0), false
		if err := readVirtual(ef, code[:n], sym.Value); err == nil {
			afterSave, afterMov, ok = match(code[:n])
		}
		if ok {
			matched++
			entry.Loc = start
			b.Add(entry)
			// The saved frame pointer and return address sit at SP.
			b.Add(framedesc.FrameDesc{
				Loc:   start + afterSave,
				CFA:   framedesc.MakeCFA(arch.SP, 2*framedesc.StackSlot),
				FPOff: -2 * framedesc.StackSlot,
			})
			frame := framedesc.DefaultFrame(arch)
			frame.Loc = start + afterMov
			b.Add(frame)
		} else {
			frame := framedesc.DefaultFrame(arch)
			frame.Loc = start
			b.Add(frame)
		}
		b.Add(framedesc.EndFrame(arch, end))
	}
	if matched == 0 {
		return nil, 0
	}
	return b.Table(arch), matched
}
