// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package registry // import "go.opentelemetry.io/native-sampler/nativeunwind/registry"

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/prometheus/procfs"

	"go.opentelemetry.io/native-sampler/nativeunwind/framedesc"
)

// Mapping is one memory mapping of a loaded binary.
type Mapping struct {
	// Vaddr is the virtual memory start for this mapping
	Vaddr uint64
	// Length is the length of the mapping
	Length uint64
	// Flags contains the mapping flags and permissions
	Flags elf.ProgFlag
	// FileOffset contains for file backed mappings the offset from the file start
	FileOffset uint64
	// Device holds the device ID where the file is located
	Device uint64
	// Inode holds the mapped file's inode number
	Inode uint64
	// Path contains the file name for file backed mappings
	Path string
}

// End returns the first address after the mapping.
func (m *Mapping) End() uint64 {
	return m.Vaddr + m.Length
}

func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X == elf.PF_X
}

func (m *Mapping) IsAnonymous() bool {
	return m.Path == "" || strings.HasPrefix(m.Path, "/memfd:")
}

// IsPseudo reports kernel provided mappings such as [vdso] or [stack].
func (m *Mapping) IsPseudo() bool {
	return strings.HasPrefix(m.Path, "[")
}

func (m *Mapping) String() string {
	return fmt.Sprintf("%#x-%#x %s@%#x", m.Vaddr, m.End(), m.Path, m.FileOffset)
}

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		// Some JIT engines map JIT area from /dev/zero
		// make it anonymous.
		return ""
	}
	return path
}

// mappingFromProc converts a /proc/self/maps entry.
func mappingFromProc(pm *procfs.ProcMap) Mapping {
	var flags elf.ProgFlag
	if pm.Perms != nil {
		if pm.Perms.Read {
			flags |= elf.PF_R
		}
		if pm.Perms.Write {
			flags |= elf.PF_W
		}
		if pm.Perms.Execute {
			flags |= elf.PF_X
		}
	}
	return Mapping{
		Vaddr:      uint64(pm.StartAddr),
		Length:     uint64(pm.EndAddr - pm.StartAddr),
		Flags:      flags,
		FileOffset: uint64(pm.Offset),
		Device:     pm.Dev,
		Inode:      pm.Inode,
		Path:       trimMappingPath(pm.Pathname),
	}
}

// BinaryTable is the frame descriptor table of one mapped binary together
// with the bias translating runtime addresses into table locations.
type BinaryTable struct {
	Mapping
	Bias  uint64
	Table *framedesc.Table
}

// Contains reports whether pc lies in the mapping.
func (b *BinaryTable) Contains(pc uintptr) bool {
	return uint64(pc) >= b.Vaddr && uint64(pc) < b.End()
}

// Lookup returns the descriptor for the runtime address pc.
func (b *BinaryTable) Lookup(pc uintptr) (framedesc.FrameDesc, bool) {
	loc := uint64(pc) - b.Bias
	if loc > 1<<32-1 {
		return framedesc.FrameDesc{}, false
	}
	return b.Table.Lookup(uint32(loc))
}
