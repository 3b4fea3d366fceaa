// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testutils // import "go.opentelemetry.io/native-sampler/testutils"

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"
)

// Addresses used by EHFrameImage.
const (
	TextAddr       = 0x1000
	TextSize       = 0x100
	EHFrameHdrAddr = 0x2000
	EHFrameAddr    = 0x2100
)

// EHFrameImage returns an ELF image with a .text section at TextAddr and
// .eh_frame_hdr plus .eh_frame describing fdes.
func EHFrameImage(machine elf.Machine, cie CIE, fdes []FDE) []byte {
	ehFrame, offsets := EHFrame(EHFrameAddr, cie, fdes)
	return BuildELF(machine, []Section{
		{
			Name:  ".text",
			Type:  elf.SHT_PROGBITS,
			Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			Addr:  TextAddr,
			Data:  bytes.Repeat([]byte{0xcc}, TextSize),
		},
		{
			Name:  ".eh_frame_hdr",
			Type:  elf.SHT_PROGBITS,
			Flags: elf.SHF_ALLOC,
			Addr:  EHFrameHdrAddr,
			Data:  EHFrameHdr(EHFrameHdrAddr, EHFrameAddr, fdes, offsets),
		},
		{
			Name:  ".eh_frame",
			Type:  elf.SHT_PROGBITS,
			Flags: elf.SHF_ALLOC,
			Addr:  EHFrameAddr,
			Data:  ehFrame,
		},
	})
}

// WriteTemp stores data in a file below the test's temporary directory and
// returns its path.
func WriteTemp(tb testing.TB, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}
