// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"debug/elf"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.opentelemetry.io/native-sampler/metrics"
	"go.opentelemetry.io/native-sampler/nativeunwind/elfunwindinfo"
	"go.opentelemetry.io/native-sampler/nativeunwind/framedesc"
	"go.opentelemetry.io/native-sampler/testutils"
)

const testBase = 0x10000

var amd64 = framedesc.X86_64

func writeTestBinary(t *testing.T) string {
	t.Helper()
	image := testutils.EHFrameImage(elf.EM_X86_64, testutils.DefaultCIE(), []testutils.FDE{
		{Start: testutils.TextAddr, Len: 0x20, Insns: testutils.FramePointerFunction()},
		{Start: testutils.TextAddr + 0x20, Len: 0x20, Insns: testutils.FramePointerFunction()},
	})
	return testutils.WriteTemp(t, "libtest.so", image)
}

func textMapping(path string, vaddr uint64) Mapping {
	return Mapping{
		Vaddr:  vaddr,
		Length: 0x3000,
		Flags:  elf.PF_R | elf.PF_X,
		Path:   path,
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(Config{CacheSize: 8, Workers: 2})
	require.NoError(t, err)
	return r
}

func metricValue(ms []metrics.Metric, id metrics.MetricID) metrics.MetricValue {
	for _, m := range ms {
		if m.ID == id {
			return m.Value
		}
	}
	return -1
}

func TestAddressMapper(t *testing.T) {
	mapper := addressMapper{segments: []loadSegment{
		{offset: 0x1234, vaddr: 0x401234, filesz: 0x1000},
	}}

	tests := map[string]struct {
		offset uint64
		vaddr  uint64
		ok     bool
	}{
		"page start":  {offset: 0x1000, vaddr: 0x401000, ok: true},
		"inside":      {offset: 0x1010, vaddr: 0x401010, ok: true},
		"segment end": {offset: 0x2234},
		"beyond":      {offset: 0x3000},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			vaddr, ok := mapper.fileOffsetToVirtualAddress(test.offset)
			assert.Equal(t, test.ok, ok)
			assert.Equal(t, test.vaddr, vaddr)
		})
	}
}

func TestMappingFromProc(t *testing.T) {
	m := mappingFromProc(&procfs.ProcMap{
		StartAddr: 0x7f0000001000,
		EndAddr:   0x7f0000003000,
		Perms:     &procfs.ProcMapPermissions{Read: true, Execute: true, Private: true},
		Offset:    0x1000,
		Dev:       0x803,
		Inode:     42,
		Pathname:  "/usr/lib/libc.so.6 (deleted)",
	})
	assert.Equal(t, Mapping{
		Vaddr:      0x7f0000001000,
		Length:     0x2000,
		Flags:      elf.PF_R | elf.PF_X,
		FileOffset: 0x1000,
		Device:     0x803,
		Inode:      42,
		Path:       "/usr/lib/libc.so.6",
	}, m)
	assert.True(t, m.IsExecutable())
	assert.False(t, m.IsAnonymous())

	tests := map[string]struct {
		path      string
		anonymous bool
		pseudo    bool
	}{
		"file":      {path: "/bin/true"},
		"dev zero":  {path: "/dev/zero", anonymous: true},
		"anonymous": {path: "", anonymous: true},
		"memfd":     {path: "/memfd:jit (deleted)", anonymous: true},
		"vdso":      {path: "[vdso]", pseudo: true},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m := mappingFromProc(&procfs.ProcMap{Pathname: test.path})
			assert.Equal(t, test.anonymous, m.IsAnonymous())
			assert.Equal(t, test.pseudo, m.IsPseudo())
			assert.False(t, m.IsExecutable())
		})
	}
}

func TestLoadAndLookup(t *testing.T) {
	path := writeTestBinary(t)
	r := newRegistry(t)

	bt, err := r.Load(textMapping(path, testBase))
	require.NoError(t, err)
	assert.Equal(t, uint64(testBase), bt.Bias)
	assert.Same(t, bt, r.Resolve(testBase+0x1000))
	assert.Same(t, bt, r.Resolve(testBase+0x2fff))
	assert.Nil(t, r.Resolve(testBase-1))
	assert.Nil(t, r.Resolve(testBase+0x3000))

	tests := map[string]struct {
		pc   uintptr
		desc framedesc.FrameDesc
		ok   bool
	}{
		"entry": {pc: testBase + 0x1000, ok: true, desc: framedesc.FrameDesc{
			Loc: 0x1000, CFA: framedesc.MakeCFA(amd64.SP, 8), FPOff: framedesc.SameFP}},
		"after push": {pc: testBase + 0x1002, ok: true, desc: framedesc.FrameDesc{
			Loc: 0x1001, CFA: framedesc.MakeCFA(amd64.SP, 16), FPOff: -16}},
		"body": {pc: testBase + 0x1010, ok: true, desc: framedesc.FrameDesc{
			Loc: 0x1004, CFA: framedesc.MakeCFA(amd64.FP, 16), FPOff: -16}},
		"second function": {pc: testBase + 0x1020, ok: true, desc: framedesc.FrameDesc{
			Loc: 0x1020, CFA: framedesc.MakeCFA(amd64.SP, 8), FPOff: framedesc.SameFP}},
		"before first record": {pc: testBase + 0x10},
		"unmapped":            {pc: 0x1000},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			for range 2 {
				desc, ok := r.FindFrameDesc(test.pc)
				assert.Equal(t, test.ok, ok)
				assert.Equal(t, test.desc, desc)
			}
		})
	}
}

func TestLoadReusesParsedBinary(t *testing.T) {
	path := writeTestBinary(t)
	r := newRegistry(t)

	var parses atomic.Int32
	r.parse = func(path string) (*binaryFile, error) {
		parses.Add(1)
		// Keep the first parse in flight while the others arrive.
		time.Sleep(10 * time.Millisecond)
		return parseBinary(path)
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Load(textMapping(path, uint64(i+1)*0x100000))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), parses.Load())
	tables := r.Tables()
	require.Len(t, tables, 8)
	for i, bt := range tables {
		assert.Equal(t, uint64(i+1)*0x100000, bt.Vaddr)
		assert.Same(t, tables[0].Table, bt.Table)
	}

	ms := r.CollectMetrics()
	assert.Equal(t, metrics.MetricValue(8), metricValue(ms, metrics.IDRegistryLoads))
	assert.Equal(t, metrics.MetricValue(8), metricValue(ms, metrics.IDRegistryTables))
	assert.Equal(t, metrics.MetricValue(2), metricValue(ms, metrics.IDEHFrameFDEs))
	assert.Equal(t, metrics.MetricValue(0), metricValue(ms, metrics.IDEHFrameAborted))

	ms = r.CollectMetrics()
	assert.Equal(t, metrics.MetricValue(0), metricValue(ms, metrics.IDRegistryLoads))
	assert.Equal(t, metrics.MetricValue(8), metricValue(ms, metrics.IDRegistryTables))
}

func TestLoadReplacesAndUnloads(t *testing.T) {
	path := writeTestBinary(t)
	r := newRegistry(t)

	_, err := r.Load(textMapping(path, testBase))
	require.NoError(t, err)
	second, err := r.Load(textMapping(path, 2*testBase))
	require.NoError(t, err)
	replacement, err := r.Load(textMapping(path, testBase+0x1000))
	require.NoError(t, err)

	assert.Equal(t, []*BinaryTable{replacement, second}, r.Tables())
	assert.Nil(t, r.Resolve(testBase))
	assert.Same(t, replacement, r.Resolve(testBase+0x1000))

	assert.False(t, r.Unload(testBase))
	assert.True(t, r.Unload(testBase+0x1000))
	assert.Equal(t, []*BinaryTable{second}, r.Tables())
	assert.True(t, r.Unload(2*testBase))
	assert.Empty(t, r.Tables())

	ms := r.CollectMetrics()
	assert.Equal(t, metrics.MetricValue(3), metricValue(ms, metrics.IDRegistryLoads))
	assert.Equal(t, metrics.MetricValue(3), metricValue(ms, metrics.IDRegistryUnloads))
	assert.Equal(t, metrics.MetricValue(2), metricValue(ms, metrics.IDRegistryCacheHits))
}

func TestLoadErrors(t *testing.T) {
	path := writeTestBinary(t)
	noUnwind := testutils.WriteTemp(t, "nounwind.so",
		testutils.BuildELF(elf.EM_X86_64, []testutils.Section{{
			Name:  ".text",
			Type:  elf.SHT_PROGBITS,
			Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			Addr:  testutils.TextAddr,
			Data:  make([]byte, 0x10),
		}}))

	withOffset := textMapping(path, testBase)
	withOffset.FileOffset = 0x100000
	readOnly := textMapping(path, testBase)
	readOnly.Flags = elf.PF_R

	tests := map[string]struct {
		mapping Mapping
		err     error
	}{
		"anonymous":        {mapping: textMapping("", testBase), err: ErrNotFileBacked},
		"pseudo":           {mapping: textMapping("[vdso]", testBase), err: ErrNotFileBacked},
		"not executable":   {mapping: readOnly, err: ErrNotFileBacked},
		"missing file":     {mapping: textMapping(filepath.Join(t.TempDir(), "missing"), testBase), err: os.ErrNotExist},
		"no unwind info":   {mapping: textMapping(noUnwind, testBase), err: elfunwindinfo.ErrNoUnwindInfo},
		"offset not found": {mapping: withOffset, err: ErrNoSegment},
	}
	r := newRegistry(t)
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			bt, err := r.Load(test.mapping)
			require.ErrorIs(t, err, test.err)
			assert.Nil(t, bt)
		})
	}
	assert.Empty(t, r.Tables())
	assert.Equal(t, metrics.MetricValue(len(tests)),
		metricValue(r.CollectMetrics(), metrics.IDRegistryLoadErrors))
}

func TestSyncSelf(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Sync())

	ms := r.CollectMetrics()
	loads := metricValue(ms, metrics.IDRegistryLoads)
	assert.Equal(t, loads, metricValue(ms, metrics.IDRegistryTables))
	assert.Positive(t, loads+metricValue(ms, metrics.IDRegistryLoadErrors))

	exe, err := os.Executable()
	require.NoError(t, err)
	exe, err = filepath.EvalSymlinks(exe)
	require.NoError(t, err)

	// The test binary may lack unwind information on some platforms.
	if bt := r.Resolve(reflect.ValueOf(TestSyncSelf).Pointer()); bt != nil {
		assert.Equal(t, exe, bt.Path)
		assert.True(t, bt.IsExecutable())
	}

	// Nothing changed, so a second pass neither loads nor unloads.
	require.NoError(t, r.Sync())
	ms = r.CollectMetrics()
	assert.Equal(t, metrics.MetricValue(0), metricValue(ms, metrics.IDRegistryLoads))
	assert.Equal(t, metrics.MetricValue(0), metricValue(ms, metrics.IDRegistryUnloads))
	assert.Equal(t, loads, metricValue(ms, metrics.IDRegistryTables))
}

func TestRefresher(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger, stop := r.StartRefresher(ctx, time.Hour)
	trigger()
	trigger()
	assert.Eventually(t, func() bool {
		return r.loads.Load()+r.loadErrors.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)
	stop()
}
