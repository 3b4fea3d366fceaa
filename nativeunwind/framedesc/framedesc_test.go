// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package framedesc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sp(loc uint32, off, fp int32) FrameDesc {
	return FrameDesc{Loc: loc, CFA: MakeCFA(X86_64.SP, off), FPOff: fp}
}

func TestCFAPacking(t *testing.T) {
	tests := map[string]struct {
		reg uint8
		off int32
	}{
		"sp+8":       {reg: 7, off: 8},
		"fp+16":      {reg: 6, off: 16},
		"negative":   {reg: 29, off: -32},
		"plt":        {reg: RegPLT, off: 8},
		"invalid":    {reg: RegInvalid, off: 8},
		"large":      {reg: 7, off: 1 << 20},
		"large neg":  {reg: 7, off: -(1 << 20)},
		"zero":       {reg: 31, off: 0},
		"max 24 bit": {reg: 7, off: 1<<23 - 1},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			d := FrameDesc{CFA: MakeCFA(test.reg, test.off)}
			assert.Equal(t, test.reg, d.CFAReg())
			assert.Equal(t, test.off, d.CFAOffset())
		})
	}
}

func TestPCDelta(t *testing.T) {
	d := FrameDesc{FPOff: PCOffset | -4<<1}
	assert.True(t, d.HasPCDelta())
	assert.Equal(t, int32(-4), d.PCDelta())

	assert.False(t, FrameDesc{FPOff: -16}.HasPCDelta())
	assert.False(t, FrameDesc{FPOff: SameFP}.HasPCDelta())
}

func TestDefaultAndEndFrame(t *testing.T) {
	def := DefaultFrame(X86_64)
	assert.Equal(t, FrameDesc{Loc: 0, CFA: 6 | 16<<8, FPOff: -16}, def)
	assert.Equal(t, X86_64.FP, def.CFAReg())

	end := EndFrame(ARM64, 0x40)
	assert.Equal(t, uint32(0x40), end.Loc)
	assert.Equal(t, ARM64.SP, end.CFAReg())
	assert.Equal(t, int32(StackSlot), end.CFAOffset())
	assert.Equal(t, SameFP, end.FPOff)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "00000010 cfa=sp+8 fp=same", sp(0x10, 8, SameFP).Format(X86_64))
	assert.Equal(t, "00000020 cfa=fp+16 fp=cfa-16",
		FrameDesc{Loc: 0x20, CFA: MakeCFA(6, 16), FPOff: -16}.Format(X86_64))
	assert.Equal(t, "00000000 cfa=invalid fp=same",
		FrameDesc{CFA: MakeCFA(RegInvalid, 8), FPOff: SameFP}.Format(X86_64))
	assert.Equal(t, "00000000 cfa=sp+0 fp=pc-4",
		FrameDesc{CFA: MakeCFA(31, 0), FPOff: PCOffset | -4<<1}.Format(ARM64))
}

func TestBuilder(t *testing.T) {
	b := NewBuilder(8)
	b.Add(sp(0x00, 8, SameFP))
	b.Add(sp(0x01, 16, SameFP))
	// Same rule as the previous one.
	b.Add(sp(0x02, 16, SameFP))
	// Same location replaces.
	b.Add(sp(0x04, 24, -16))
	b.Add(sp(0x04, 32, -16))
	// Going backwards is dropped.
	b.Add(sp(0x03, 8, SameFP))
	// Replacement collapsing into the previous rule.
	b.Add(sp(0x08, 8, SameFP))
	b.Add(sp(0x08, 32, -16))

	assert.Equal(t, 1, b.Dropped())
	tab := b.Table(X86_64)
	require.Equal(t, 3, tab.Len())
	assert.Equal(t, sp(0x00, 8, SameFP), tab.At(0))
	assert.Equal(t, sp(0x01, 16, SameFP), tab.At(1))
	assert.Equal(t, sp(0x04, 32, -16), tab.At(2))
}

func TestBuilderRollback(t *testing.T) {
	b := NewBuilder(0)
	b.Add(sp(0x00, 8, SameFP))
	b.Add(sp(0x10, 16, -16))

	m := b.Mark()
	b.Add(sp(0x10, 24, -16))
	b.Add(sp(0x20, 8, SameFP))
	b.Add(sp(0x30, 16, SameFP))
	require.Equal(t, 4, b.Len())

	b.Rollback(m)
	require.Equal(t, 2, b.Len())
	tab := b.Table(X86_64)
	assert.Equal(t, sp(0x10, 16, -16), tab.At(1))

	// Rollback after the last element was collapsed away.
	b = NewBuilder(0)
	b.Add(sp(0x00, 8, SameFP))
	b.Add(sp(0x10, 16, SameFP))
	m = b.Mark()
	b.Add(sp(0x10, 8, SameFP))
	require.Equal(t, 1, b.Len())
	b.Rollback(m)
	require.Equal(t, 2, b.Len())
	assert.Equal(t, sp(0x10, 16, SameFP), b.Table(X86_64).At(1))

	// Rollback to empty.
	b = NewBuilder(0)
	m = b.Mark()
	b.Add(sp(0x00, 8, SameFP))
	b.Rollback(m)
	assert.Equal(t, 0, b.Len())
}

func TestTableLookup(t *testing.T) {
	tab, err := NewTable(X86_64, []FrameDesc{
		sp(0x100, 8, SameFP),
		sp(0x101, 16, SameFP),
		sp(0x104, 16, -16),
		EndFrame(X86_64, 0x140),
	})
	require.NoError(t, err)

	tests := map[string]struct {
		loc   uint32
		found bool
		want  uint32
	}{
		"before first": {loc: 0xff, found: false},
		"first":        {loc: 0x100, found: true, want: 0x100},
		"inside":       {loc: 0x103, found: true, want: 0x101},
		"exact":        {loc: 0x104, found: true, want: 0x104},
		"last":         {loc: 0x140, found: true, want: 0x140},
		"after last":   {loc: 0x1000, found: true, want: 0x140},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			d, ok := tab.Lookup(test.loc)
			require.Equal(t, test.found, ok)
			if ok {
				assert.Equal(t, test.want, d.Loc)
			}
		})
	}

	first, last := tab.Bounds()
	assert.Equal(t, uint32(0x100), first)
	assert.Equal(t, uint32(0x140), last)

	_, ok := (&Table{}).Lookup(0)
	assert.False(t, ok)
}

func TestNewTableValidates(t *testing.T) {
	_, err := NewTable(X86_64, []FrameDesc{sp(0x10, 8, SameFP), sp(0x10, 16, SameFP)})
	require.Error(t, err)
	_, err = NewTable(X86_64, []FrameDesc{sp(0x10, 8, SameFP), sp(0x20, 8, SameFP)})
	require.Error(t, err)
}
