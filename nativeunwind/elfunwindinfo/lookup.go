// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.opentelemetry.io/native-sampler/nativeunwind/elfunwindinfo"

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"
)

// ErrFDENotFound is returned by LookupFDE for addresses without an FDE.
var ErrFDENotFound = errors.New("FDE not found")

// FDE is the address range covered by one Frame Description Entry.
type FDE struct {
	Start uint64
	End   uint64
}

// LookupFDE performs a binary search in .eh_frame_hdr for an FDE covering the given addr.
func LookupFDE(ef *elf.File, addr uint64) (FDE, error) {
	ee, err := newExtractor(ef)
	if err != nil {
		return FDE{}, err
	}
	var es ehframeSections
	if err = es.locateSections(ef); err != nil {
		return FDE{}, fmt.Errorf("failed to get EH sections: %w", err)
	}
	if !es.frames.isValid() {
		return FDE{}, errors.New(".eh_frame not found")
	}
	if !es.header.isValid() {
		return FDE{}, errors.New(".eh_frame_hdr not found")
	}

	// entry reads the idx-th search table entry
	entry := func(idx int) (ipStart, fdeAddr uint64, err error) {
		hdr := es.header.offset(idx * 8)
		if ipStart, err = hdr.ptr(es.ehHdr.tableEnc); err != nil {
			return 0, 0, err
		}
		fdeAddr, err = hdr.ptr(es.ehHdr.tableEnc)
		return ipStart, fdeAddr, err
	}

	var searchErr error
	idx := sort.Search(int(es.fdeCount), func(idx int) bool {
		ipStart, _, err := entry(idx)
		if err != nil {
			searchErr = err
			return true
		}
		return ipStart > addr
	})
	if searchErr != nil {
		return FDE{}, searchErr
	}
	idx--
	if idx < 0 {
		return FDE{}, ErrFDENotFound
	}
	ipStart, fdeAddr, err := entry(idx)
	if err != nil {
		return FDE{}, err
	}
	if fdeAddr < es.frames.vaddr || fdeAddr-es.frames.vaddr >= uint64(es.frames.end) {
		return FDE{}, fmt.Errorf("FDE at %#x outside of .eh_frame", fdeAddr)
	}
	fr := es.frames
	fr.pos = int(fdeAddr - es.frames.vaddr)
	_, fde, _, err := ee.parseFDEHeader(&fr, ipStart)
	if err != nil {
		return FDE{}, err
	}
	if addr < fde.ipStart || addr >= fde.ipStart+fde.ipLen {
		return FDE{}, ErrFDENotFound
	}
	return FDE{
		Start: fde.ipStart,
		End:   fde.ipStart + fde.ipLen,
	}, nil
}
