// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package enginemetrics periodically collects the counters of the sampling
// engine components together with the resource usage of the process.
package enginemetrics // import "go.opentelemetry.io/native-sampler/metrics/enginemetrics"

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/native-sampler/metrics"
	"go.opentelemetry.io/native-sampler/periodiccaller"
)

// Source is implemented by components that keep internal counters.
// CollectMetrics returns the deltas since its previous call and gauges at
// their current value.
type Source interface {
	CollectMetrics() []metrics.Metric
}

// rusageTimes holds the time values of the previous rusage call.
type rusageTimes struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta returns the difference between two time values in milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	secDelta := (now.Sec - prev.Sec) * 1000
	usecDelta := (now.Usec - prev.Usec) / 1000
	return int64(secDelta) + int64(usecDelta)
}

type collector struct {
	prev    rusageTimes
	sources []Source
}

func (c *collector) collect() []metrics.Metric {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	batch := []metrics.Metric{
		{ID: metrics.IDEngineGoRoutines, Value: metrics.MetricValue(runtime.NumGoroutine())},
		{ID: metrics.IDEngineHeapAlloc, Value: metrics.MetricValue(stats.HeapAlloc)},
	}

	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		log.Errorf("Failed to fetch Rusage: %v", err)
	} else {
		batch = append(batch,
			metrics.Metric{
				ID:    metrics.IDEngineUTime,
				Value: metrics.MetricValue(timeDelta(rusage.Utime, c.prev.utime)),
			},
			metrics.Metric{
				ID:    metrics.IDEngineSTime,
				Value: metrics.MetricValue(timeDelta(rusage.Stime, c.prev.stime)),
			})
		c.prev = rusageTimes{utime: rusage.Utime, stime: rusage.Stime}
	}

	for _, src := range c.sources {
		batch = append(batch, src.CollectMetrics()...)
	}
	return batch
}

// Start collects from all sources every interval and forwards the result to
// the metrics package. The returned function stops collection and performs a
// final collection and flush.
func Start(ctx context.Context, interval time.Duration, sources ...Source) (func(), error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return func() {}, err
	}

	c := &collector{
		prev:    rusageTimes{utime: rusage.Utime, stime: rusage.Stime},
		sources: sources,
	}

	stop := periodiccaller.Start(ctx, interval, func() {
		metrics.AddSlice(c.collect())
	})

	return func() {
		stop()
		metrics.AddSlice(c.collect())
		metrics.Flush()
	}, nil
}
