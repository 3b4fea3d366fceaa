// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// A command-line tool to build frame descriptor tables from given ELF files.
// This tool can generate statistics on the number of descriptors and distinct
// unwind rules seen, a full listing of the descriptors of the file given with
// the -target option, or the FDE covering the address given with -lookup.
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"path/filepath"
	"strconv"

	"go.opentelemetry.io/native-sampler/nativeunwind/elfunwindinfo"
	"go.opentelemetry.io/native-sampler/nativeunwind/framedesc"
)

var (
	target = flag.String("target", "", "The target executable to operate on.")

	lookup = flag.String("lookup", "",
		"Print the FDE and descriptor covering this address of -target.")
)

// rule is a descriptor without its location.
type rule struct {
	cfa, fpOff int32
}

type stats struct {
	seenRules map[rule]struct{}

	numRecords, numAborted, numDropped int
}

func dumpTable(tab *framedesc.Table) {
	arch := tab.Arch
	fmt.Printf("# %-8v %v\n", "loc", "rule")
	for i := range tab.Len() {
		fmt.Printf("  %s\n", tab.At(i).Format(arch))
	}
}

func lookupAddress(filename, addrStr string) error {
	addr, err := strconv.ParseUint(addrStr, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %v", addrStr, err)
	}
	ef, err := elf.Open(filename)
	if err != nil {
		return err
	}
	defer ef.Close()

	fde, err := elfunwindinfo.LookupFDE(ef, addr)
	if err != nil {
		return fmt.Errorf("failed to look up %#x: %v", addr, err)
	}
	fmt.Printf("# %#x: FDE [%#x, %#x)\n", addr, fde.Start, fde.End)

	tab, err := elfunwindinfo.ExtractELF(ef)
	if err != nil {
		return err
	}
	if desc, ok := tab.Lookup(uint32(addr)); ok {
		fmt.Printf("# %#x: %s\n", addr, desc.Format(tab.Arch))
	}
	return nil
}

func analyzeFile(filename string, s *stats, dump bool) error {
	absPath, err := filepath.Abs(filename)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for %v: %v",
			filename, err)
	}

	tab, fileStats, err := elfunwindinfo.ParseFile(absPath)
	if err != nil {
		return fmt.Errorf("failed to build frame descriptors: %v", err)
	}

	if dump {
		dumpTable(tab)
	}

	for i := range tab.Len() {
		d := tab.At(i)
		s.seenRules[rule{cfa: d.CFA, fpOff: d.FPOff}] = struct{}{}
	}
	s.numRecords += tab.Len()
	s.numAborted += fileStats.Aborted
	s.numDropped += fileStats.Dropped

	fmt.Printf("# %v: %v records from %d .eh_frame and %d .debug_frame FDEs, "+
		"%d prologue functions, %d aborted, %d dropped\n",
		filename, tab.Len(), fileStats.EHFrameFDEs, fileStats.DebugFrameFDEs,
		fileStats.PrologueFuncs, fileStats.Aborted, fileStats.Dropped)

	return nil
}

func main() {
	s := stats{
		seenRules: make(map[rule]struct{}),
	}

	flag.Parse()

	if *target != "" {
		if *lookup != "" {
			if err := lookupAddress(*target, *lookup); err != nil {
				fmt.Printf("# %s: %s\n", *target, err)
			}
		} else if err := analyzeFile(*target, &s, true); err != nil {
			fmt.Printf("# %s: %s\n", *target, err)
		}
	}
	for _, f := range flag.Args() {
		if err := analyzeFile(f, &s, false); err != nil {
			fmt.Printf("# %s: %s\n", f, err)
		}
	}
	fmt.Printf("# %v records, %v unique rules, %v aborted FDEs, %v dropped records\n",
		s.numRecords, len(s.seenRules), s.numAborted, s.numDropped)
}
