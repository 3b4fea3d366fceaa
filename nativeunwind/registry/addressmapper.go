// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package registry // import "go.opentelemetry.io/native-sampler/nativeunwind/registry"

import (
	"debug/elf"
	"os"
)

// loadSegment contains the program header fields needed to map file offsets
// to virtual addresses.
type loadSegment struct {
	offset uint64
	vaddr  uint64
	filesz uint64
}

// addressMapper converts file offsets of executable segments to the ELF
// virtual addresses they are mapped at by default.
type addressMapper struct {
	segments []loadSegment
}

var pageSizeMinusOne = uint64(os.Getpagesize()) - 1

// newAddressMapper collects the executable PT_LOAD segments of ef.
func newAddressMapper(ef *elf.File) addressMapper {
	segments := make([]loadSegment, 0, 1)
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		segments = append(segments, loadSegment{
			offset: p.Off,
			vaddr:  p.Vaddr,
			filesz: p.Filesz,
		})
	}
	return addressMapper{segments: segments}
}

// fileOffsetToVirtualAddress returns the virtual address of the page aligned
// fileOffset.
//
// The loader maps segments from the page aligned segment offset, so the
// mapping offset found in /proc may lie before the segment start. Both the
// kernel and glibc align with the system page size.
func (am *addressMapper) fileOffsetToVirtualAddress(fileOffset uint64) (uint64, bool) {
	for _, p := range am.segments {
		alignedOffset := p.offset &^ pageSizeMinusOne
		if fileOffset >= alignedOffset && fileOffset < p.offset+p.filesz {
			return p.vaddr - (p.offset - fileOffset), true
		}
	}
	return 0, false
}

// bias returns the difference between the runtime addresses of the mapping and
// the ELF virtual addresses.
func (am *addressMapper) bias(m *Mapping) (uint64, bool) {
	vaddr, ok := am.fileOffsetToVirtualAddress(m.FileOffset)
	if !ok {
		return 0, false
	}
	return m.Vaddr - vaddr, true
}
