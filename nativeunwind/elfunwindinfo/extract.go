// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfunwindinfo builds frame descriptor tables from the call frame
// information of ELF files.
package elfunwindinfo // import "go.opentelemetry.io/native-sampler/nativeunwind/elfunwindinfo"

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/native-sampler/nativeunwind/framedesc"
)

// Some binaries have few .eh_frame FDEs (e.g. PLT only), and the real ones are
// in a separate debug file. Below this many FDEs .gnu_debuglink is followed.
const numFDEsToOmitDebugLink = 20

// ErrNoUnwindInfo is returned for binaries without any usable unwind data.
var ErrNoUnwindInfo = errors.New("no unwind information")

// Stats describes one table construction.
type Stats struct {
	// EHFrameFDEs and DebugFrameFDEs count the FDEs found per section.
	EHFrameFDEs    int
	DebugFrameFDEs int
	// PrologueFuncs counts functions covered by prologue detection.
	PrologueFuncs int
	// FDEs counts the FDE programs run.
	FDEs int
	// Aborted counts FDEs discarded because of unsupported or broken data.
	Aborted int
	// Dropped counts descriptors discarded for overlapping a previous FDE.
	Dropped int
	// Records is the size of the resulting table.
	Records int
}

// extractor is the main context for building a table from an ELF
type extractor struct {
	file     *elf.File
	arch     framedesc.Arch
	b        *framedesc.Builder
	cieCache *lru.LRU[uint64, *cieInfo]
	stats    Stats
}

// archOf returns the register numbering matching the ELF machine.
func archOf(ef *elf.File) (framedesc.Arch, error) {
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB {
		return framedesc.Arch{}, fmt.Errorf("unsupported ELF class %v %v", ef.Class, ef.Data)
	}
	switch ef.Machine {
	case elf.EM_X86_64:
		return framedesc.X86_64, nil
	case elf.EM_AARCH64:
		return framedesc.ARM64, nil
	default:
		return framedesc.Arch{}, fmt.Errorf("unsupported machine %v", ef.Machine)
	}
}

func newExtractor(ef *elf.File) (*extractor, error) {
	arch, err := archOf(ef)
	if err != nil {
		return nil, err
	}
	cieCache, err := newCIECache()
	if err != nil {
		return nil, err
	}
	return &extractor{
		file:     ef,
		arch:     arch,
		cieCache: cieCache,
	}, nil
}

// collect gathers the FDEs of all sections of the file.
func (ee *extractor) collect() ([]fdeEntry, error) {
	var firstErr error
	entries, err := ee.parseEHFrame()
	if err != nil {
		log.Debugf("eh_frame: %v", err)
		firstErr = err
	}
	ee.stats.EHFrameFDEs = len(entries)

	debugEntries, err := ee.parseDebugFrame()
	if err != nil {
		log.Debugf("debug_frame: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	ee.stats.DebugFrameFDEs = len(debugEntries)
	return append(entries, debugEntries...), firstErr
}

// build runs all FDE programs in address order and returns the table.
func (ee *extractor) build(entries []fdeEntry) *framedesc.Table {
	// Sources are merged, and .eh_frame entries without a search table are
	// not sorted either.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].fde.ipStart < entries[j].fde.ipStart
	})
	ee.b = framedesc.NewBuilder(len(entries) * 4)
	for i := range entries {
		if entries[i].fde.ipStart == 0 && entries[i].prog.debugFrame {
			// .debug_frame of relocatable leftovers often has FDEs at zero
			continue
		}
		ee.parseFDE(&entries[i])
	}
	ee.stats.Dropped = ee.b.Dropped()
	tab := ee.b.Table(ee.arch)
	ee.stats.Records = tab.Len()
	return tab
}

// Parse builds the frame descriptor table of an ELF file. It merges
// .eh_frame and .debug_frame, and falls back to prologue detection when
// neither is present.
func Parse(ef *elf.File) (*framedesc.Table, Stats, error) {
	ee, err := newExtractor(ef)
	if err != nil {
		return nil, Stats{}, err
	}
	entries, collectErr := ee.collect()
	if len(entries) > 0 {
		return ee.build(entries), ee.stats, nil
	}
	if tab, n := detectPrologues(ef, ee.arch); n > 0 {
		ee.stats.PrologueFuncs = n
		ee.stats.Records = tab.Len()
		return tab, ee.stats, nil
	}
	if collectErr != nil {
		return nil, ee.stats, fmt.Errorf("%w: %v", ErrNoUnwindInfo, collectErr)
	}
	return nil, ee.stats, ErrNoUnwindInfo
}

// ParseFile opens the ELF file at path and builds its table. If the file
// carries only a handful of FDEs, the separate debug file referenced by
// .gnu_debuglink is used instead when it has more.
func ParseFile(path string) (*framedesc.Table, Stats, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, Stats{}, err
	}
	defer ef.Close()

	tab, stats, err := Parse(ef)
	if stats.EHFrameFDEs+stats.DebugFrameFDEs >= numFDEsToOmitDebugLink {
		return tab, stats, err
	}
	debugPath := findDebugLink(path, ef)
	if debugPath == "" {
		return tab, stats, err
	}
	dbg, dbgErr := elf.Open(debugPath)
	if dbgErr != nil {
		return tab, stats, err
	}
	defer dbg.Close()
	dbgTab, dbgStats, dbgErr := Parse(dbg)
	if dbgErr != nil || (tab != nil && dbgTab.Len() <= tab.Len()) {
		return tab, stats, err
	}
	log.Debugf("Using unwind information of %s for %s", debugPath, path)
	return dbgTab, dbgStats, nil
}

// Extract builds the frame descriptor table of the ELF file at path.
func Extract(path string) (*framedesc.Table, error) {
	tab, stats, err := ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("%s: %d records from %d+%d FDEs (%d aborted, %d dropped)",
		path, stats.Records, stats.EHFrameFDEs, stats.DebugFrameFDEs,
		stats.Aborted, stats.Dropped)
	return tab, nil
}

// ExtractELF builds the frame descriptor table of an opened ELF file.
func ExtractELF(ef *elf.File) (*framedesc.Table, error) {
	tab, _, err := Parse(ef)
	return tab, err
}

// findDebugLink returns the first existing candidate named by .gnu_debuglink.
func findDebugLink(path string, ef *elf.File) string {
	sec := ef.Section(".gnu_debuglink")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil {
		return ""
	}
	n := bytes.IndexByte(data, 0)
	if n <= 0 {
		return ""
	}
	name := string(data[:n])
	dir := filepath.Dir(path)
	for _, candidate := range []string{
		filepath.Join(dir, name),
		filepath.Join(dir, ".debug", name),
		filepath.Join("/usr/lib/debug", dir, name),
	} {
		if candidate == path {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// sectionData returns the contents and address of the named section, or nil
// when the section does not exist or has no file data.
func sectionData(ef *elf.File, name string) ([]byte, uint64) {
	sec := ef.Section(name)
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil, 0
	}
	data, err := sec.Data()
	if err != nil {
		log.Debugf("Failed to read %s: %v", name, err)
		return nil, 0
	}
	return data, sec.Addr
}

// readVirtual reads len(buf) bytes of the file image at virtual address vaddr.
func readVirtual(ef *elf.File, buf []byte, vaddr uint64) error {
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || vaddr < prog.Vaddr {
			continue
		}
		off := vaddr - prog.Vaddr
		if off+uint64(len(buf)) > prog.Filesz {
			continue
		}
		_, err := prog.ReadAt(buf, int64(off))
		return err
	}
	return fmt.Errorf("address %#x not in a loaded segment", vaddr)
}

// loadSegmentTail returns the file data of the PT_LOAD segment containing
// vaddr, from vaddr to the end of the segment.
func loadSegmentTail(ef *elf.File, vaddr uint64) ([]byte, error) {
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || vaddr < prog.Vaddr ||
			vaddr >= prog.Vaddr+prog.Filesz {
			continue
		}
		data := make([]byte, prog.Vaddr+prog.Filesz-vaddr)
		if _, err := prog.ReadAt(data, int64(vaddr-prog.Vaddr)); err != nil {
			return nil, err
		}
		return data, nil
	}
	return nil, fmt.Errorf("eh_frame at %#x not in a loaded segment", vaddr)
}
