// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package reporter aggregates captured call chains and exports them as
// pprof profiles.
package reporter // import "go.opentelemetry.io/native-sampler/reporter"

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
	"github.com/puzpuzpuz/xsync/v3"

	"go.opentelemetry.io/native-sampler/metrics"
	"go.opentelemetry.io/native-sampler/nativeunwind/registry"
)

// MappingSource lists the executable mappings used to annotate locations.
type MappingSource interface {
	Tables() []*registry.BinaryTable
}

// chainStats is the aggregate of one distinct call chain.
type chainStats struct {
	chain  []uintptr
	count  int64
	weight float64
}

// Aggregator counts call chains by fingerprint. Each sample is weighted by
// the inverse of the probability it was kept with, which estimates the
// number of events it stands for. It is safe for concurrent use.
type Aggregator struct {
	chains   *xsync.MapOf[uint64, chainStats]
	mappings MappingSource
	// start is the begin of the profile period in Unix nanoseconds.
	start atomic.Int64
}

// NewAggregator returns an empty aggregator. mappings may be nil.
func NewAggregator(mappings MappingSource) *Aggregator {
	a := &Aggregator{
		chains:   xsync.NewMapOf[uint64, chainStats](),
		mappings: mappings,
	}
	a.start.Store(time.Now().UnixNano())
	return a
}

// Add implements capture.Sink.
func (a *Aggregator) Add(fingerprint uint64, chain []uintptr, probability float64) {
	weight := 1.0
	if probability > 0 && probability < 1 {
		weight = 1 / probability
	}
	a.chains.Compute(fingerprint, func(old chainStats, loaded bool) (chainStats, bool) {
		if !loaded {
			old.chain = slices.Clone(chain)
		}
		old.count++
		old.weight += weight
		return old, false
	})
}

// Len returns the number of distinct chains.
func (a *Aggregator) Len() int {
	return a.chains.Size()
}

// Reset drops all chains and restarts the profile period.
func (a *Aggregator) Reset() {
	a.chains.Clear()
	a.start.Store(time.Now().UnixNano())
}

func (a *Aggregator) pprofMappings() []*profile.Mapping {
	if a.mappings == nil {
		return nil
	}
	tables := a.mappings.Tables()
	mappings := make([]*profile.Mapping, 0, len(tables))
	for _, t := range tables {
		mappings = append(mappings, &profile.Mapping{
			ID:     uint64(len(mappings) + 1),
			Start:  t.Vaddr,
			Limit:  t.End(),
			Offset: t.FileOffset,
			File:   t.Path,
		})
	}
	return mappings
}

// findMapping returns the mapping covering addr in mappings sorted by start.
func findMapping(mappings []*profile.Mapping, addr uint64) *profile.Mapping {
	idx := sort.Search(len(mappings), func(i int) bool {
		return mappings[i].Start > addr
	}) - 1
	if idx < 0 || addr >= mappings[idx].Limit {
		return nil
	}
	return mappings[idx]
}

// Profile returns the aggregated chains as a pprof profile covering
// duration. Every sample carries the number of captures and the estimated
// number of events.
func (a *Aggregator) Profile(duration time.Duration) (*profile.Profile, error) {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "weighted", Unit: "count"},
		},
		PeriodType:    &profile.ValueType{Type: "events", Unit: "count"},
		Period:        1,
		TimeNanos:     a.start.Load(),
		DurationNanos: duration.Nanoseconds(),
		Mapping:       a.pprofMappings(),
	}

	var fingerprints []uint64
	a.chains.Range(func(fingerprint uint64, _ chainStats) bool {
		fingerprints = append(fingerprints, fingerprint)
		return true
	})
	slices.Sort(fingerprints)

	locations := make(map[uintptr]*profile.Location)
	for _, fingerprint := range fingerprints {
		stats, ok := a.chains.Load(fingerprint)
		if !ok {
			continue
		}
		sample := &profile.Sample{
			Location: make([]*profile.Location, 0, len(stats.chain)),
			Value:    []int64{stats.count, int64(math.Round(stats.weight))},
		}
		for _, pc := range stats.chain {
			loc, ok := locations[pc]
			if !ok {
				loc = &profile.Location{
					ID:      uint64(len(prof.Location) + 1),
					Address: uint64(pc),
					Mapping: findMapping(prof.Mapping, uint64(pc)),
				}
				locations[pc] = loc
				prof.Location = append(prof.Location, loc)
			}
			sample.Location = append(sample.Location, loc)
		}
		prof.Sample = append(prof.Sample, sample)
	}

	if err := prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return prof, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteTo writes the gzip compressed pprof profile of everything aggregated
// since the start or the last Reset.
func (a *Aggregator) WriteTo(w io.Writer) (int64, error) {
	prof, err := a.Profile(time.Since(time.Unix(0, a.start.Load())))
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: w}
	if err := prof.Write(cw); err != nil {
		return cw.n, fmt.Errorf("failed to write profile: %w", err)
	}
	return cw.n, nil
}

// CollectMetrics implements enginemetrics.Source.
func (a *Aggregator) CollectMetrics() []metrics.Metric {
	return []metrics.Metric{
		{ID: metrics.IDReporterChains, Value: metrics.MetricValue(a.chains.Size())},
	}
}
