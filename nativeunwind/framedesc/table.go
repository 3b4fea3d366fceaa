// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package framedesc // import "go.opentelemetry.io/native-sampler/nativeunwind/framedesc"

import "fmt"

// Builder collects frame descriptors in increasing Loc order.
//
// A descriptor at the Loc of the previous one replaces it. A descriptor with
// the same rule as the previous one is dropped, as is one that would go
// backwards. The resulting table therefore has strictly increasing Loc values
// and no two adjacent descriptors with the same rule.
type Builder struct {
	descs   []FrameDesc
	dropped int
}

// Mark is a position of a Builder to roll back to.
type Mark struct {
	n    int
	tail [2]FrameDesc
}

// NewBuilder returns a Builder with room for sizeHint descriptors.
func NewBuilder(sizeHint int) *Builder {
	return &Builder{descs: make([]FrameDesc, 0, sizeHint)}
}

// Add appends d according to the rules of Builder.
func (b *Builder) Add(d FrameDesc) {
	n := len(b.descs)
	if n > 0 {
		prev := &b.descs[n-1]
		switch {
		case d.Loc < prev.Loc:
			b.dropped++
			return
		case d.Loc == prev.Loc:
			if n > 1 && b.descs[n-2].sameRule(d) {
				b.descs = b.descs[:n-1]
				return
			}
			*prev = d
			return
		case prev.sameRule(d):
			return
		}
	}
	b.descs = append(b.descs, d)
}

// Mark returns the current position.
func (b *Builder) Mark() Mark {
	m := Mark{n: len(b.descs)}
	for i := range m.tail {
		if j := m.n - 1 - i; j >= 0 {
			m.tail[i] = b.descs[j]
		}
	}
	return m
}

// Rollback discards everything added since m was taken.
func (b *Builder) Rollback(m Mark) {
	b.descs = b.descs[:m.n]
	for i := range m.tail {
		if j := m.n - 1 - i; j >= 0 {
			b.descs[j] = m.tail[i]
		}
	}
}

// Len returns the number of descriptors collected so far.
func (b *Builder) Len() int {
	return len(b.descs)
}

// Dropped returns the number of out of order descriptors discarded.
func (b *Builder) Dropped() int {
	return b.dropped
}

// Table returns the finished table. The Builder must not be used afterwards.
func (b *Builder) Table(a Arch) *Table {
	descs := b.descs
	if cap(descs)-len(descs) > len(descs)/4 {
		descs = append(make([]FrameDesc, 0, len(descs)), descs...)
	}
	b.descs = nil
	return &Table{Arch: a, descs: descs}
}

// Table is an immutable, sorted sequence of frame descriptors of one binary.
type Table struct {
	Arch  Arch
	descs []FrameDesc
}

// NewTable validates descs and wraps them in a Table.
func NewTable(a Arch, descs []FrameDesc) (*Table, error) {
	for i := 1; i < len(descs); i++ {
		if descs[i].Loc <= descs[i-1].Loc {
			return nil, fmt.Errorf("descriptor %d at %#x not after %#x",
				i, descs[i].Loc, descs[i-1].Loc)
		}
		if descs[i].sameRule(descs[i-1]) {
			return nil, fmt.Errorf("descriptor %d at %#x repeats the previous rule",
				i, descs[i].Loc)
		}
	}
	return &Table{Arch: a, descs: descs}, nil
}

// Lookup returns the descriptor with the greatest Loc not above loc.
func (t *Table) Lookup(loc uint32) (FrameDesc, bool) {
	lo, hi := 0, len(t.descs)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if t.descs[mid].Loc <= loc {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return FrameDesc{}, false
	}
	return t.descs[lo-1], true
}

// Len returns the number of descriptors.
func (t *Table) Len() int {
	return len(t.descs)
}

// At returns the i-th descriptor.
func (t *Table) At(i int) FrameDesc {
	return t.descs[i]
}

// Bounds returns the Loc of the first and last descriptor.
func (t *Table) Bounds() (first, last uint32) {
	if len(t.descs) == 0 {
		return 0, 0
	}
	return t.descs[0].Loc, t.descs[len(t.descs)-1].Loc
}
