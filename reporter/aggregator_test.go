// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/native-sampler/metrics"
	"go.opentelemetry.io/native-sampler/nativeunwind/registry"
)

type staticMappings []*registry.BinaryTable

func (m staticMappings) Tables() []*registry.BinaryTable {
	return m
}

func testMappings() staticMappings {
	return staticMappings{
		{Mapping: registry.Mapping{Vaddr: 0x1000, Length: 0x1000, Path: "/usr/bin/app"}},
		{Mapping: registry.Mapping{Vaddr: 0x7f0000000000, Length: 0x2000,
			FileOffset: 0x1000, Path: "/usr/lib/libc.so.6"}},
	}
}

func TestAggregatorWeights(t *testing.T) {
	a := NewAggregator(testMappings())

	chain := []uintptr{0x1100, 0x7f0000000010}
	a.Add(1, chain, 0.5)
	chain[0] = 0xdead
	a.Add(1, chain, 0.25)
	a.Add(2, []uintptr{0x1100, 0x9000}, 1)
	a.Add(3, []uintptr{0x1200}, 0)
	assert.Equal(t, 3, a.Len())

	prof, err := a.Profile(time.Second)
	require.NoError(t, err)
	require.Len(t, prof.Sample, 3)
	assert.Equal(t, []string{"samples", "weighted"},
		[]string{prof.SampleType[0].Type, prof.SampleType[1].Type})
	assert.Equal(t, time.Second.Nanoseconds(), prof.DurationNanos)

	addresses := func(s *profile.Sample) []uint64 {
		var out []uint64
		for _, loc := range s.Location {
			out = append(out, loc.Address)
		}
		return out
	}
	// The first chain is kept as seen first and weighted 2 + 4.
	assert.Equal(t, []uint64{0x1100, 0x7f0000000010}, addresses(prof.Sample[0]))
	assert.Equal(t, []int64{2, 6}, prof.Sample[0].Value)
	assert.Equal(t, []uint64{0x1100, 0x9000}, addresses(prof.Sample[1]))
	assert.Equal(t, []int64{1, 1}, prof.Sample[1].Value)
	assert.Equal(t, []int64{1, 1}, prof.Sample[2].Value)

	// Locations are shared between samples.
	assert.Len(t, prof.Location, 4)
	assert.Same(t, prof.Sample[0].Location[0], prof.Sample[1].Location[0])

	require.Len(t, prof.Mapping, 2)
	assert.Equal(t, "/usr/bin/app", prof.Sample[0].Location[0].Mapping.File)
	assert.Equal(t, "/usr/lib/libc.so.6", prof.Sample[0].Location[1].Mapping.File)
	assert.Equal(t, uint64(0x1000), prof.Sample[0].Location[1].Mapping.Offset)
	assert.Nil(t, prof.Sample[1].Location[1].Mapping)
}

func TestFindMapping(t *testing.T) {
	mappings := []*profile.Mapping{
		{ID: 1, Start: 0x1000, Limit: 0x2000},
		{ID: 2, Start: 0x4000, Limit: 0x5000},
	}
	tests := map[string]struct {
		addr uint64
		id   uint64
	}{
		"below":        {addr: 0xfff},
		"first start":  {addr: 0x1000, id: 1},
		"first end":    {addr: 0x1fff, id: 1},
		"gap":          {addr: 0x2000},
		"second":       {addr: 0x4800, id: 2},
		"beyond last":  {addr: 0x5000},
		"far above":    {addr: 1 << 60},
		"second start": {addr: 0x4000, id: 2},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m := findMapping(mappings, test.addr)
			if test.id == 0 {
				assert.Nil(t, m)
				return
			}
			require.NotNil(t, m)
			assert.Equal(t, test.id, m.ID)
		})
	}
}

func TestAggregatorConcurrentAdds(t *testing.T) {
	a := NewAggregator(nil)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				a.Add(42, []uintptr{0x1000, uintptr(0x2000)}, 0.5)
				a.Add(uint64(i), []uintptr{uintptr(0x3000 + i)}, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 9, a.Len())
	prof, err := a.Profile(time.Minute)
	require.NoError(t, err)
	var total int64
	for _, s := range prof.Sample {
		total += s.Value[0]
		if len(s.Location) == 2 {
			assert.Equal(t, []int64{8000, 16000}, s.Value)
		}
	}
	assert.Equal(t, int64(16000), total)
}

func TestAggregatorWriteTo(t *testing.T) {
	a := NewAggregator(testMappings())
	a.Add(1, []uintptr{0x1100, 0x1200}, 0.5)
	a.Add(2, []uintptr{0x1300}, 1)

	var buf bytes.Buffer
	n, err := a.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	// gzip magic
	assert.Equal(t, []byte{0x1f, 0x8b}, buf.Bytes()[:2])

	prof, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.NoError(t, prof.CheckValid())
	assert.Len(t, prof.Sample, 2)
	assert.Len(t, prof.Mapping, 2)
	assert.Positive(t, prof.TimeNanos)
}

func TestAggregatorReset(t *testing.T) {
	a := NewAggregator(nil)
	a.Add(1, []uintptr{0x1000}, 1)
	assert.Equal(t, []metrics.Metric{{ID: metrics.IDReporterChains, Value: 1}},
		a.CollectMetrics())

	a.Reset()
	assert.Zero(t, a.Len())
	prof, err := a.Profile(0)
	require.NoError(t, err)
	assert.Empty(t, prof.Sample)
	assert.Equal(t, []metrics.Metric{{ID: metrics.IDReporterChains, Value: 0}},
		a.CollectMetrics())
}
