// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package enginemetrics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/native-sampler/metrics"
)

func TestTimeDelta(t *testing.T) {
	tests := map[string]struct {
		now, prev unix.Timeval
		want      int64
	}{
		"same":         {now: unix.Timeval{Sec: 3, Usec: 0}, prev: unix.Timeval{Sec: 3}, want: 0},
		"seconds":      {now: unix.Timeval{Sec: 5}, prev: unix.Timeval{Sec: 3}, want: 2000},
		"usec borrow":  {now: unix.Timeval{Sec: 5, Usec: 1000}, prev: unix.Timeval{Sec: 4, Usec: 501000}, want: 500},
		"milliseconds": {now: unix.Timeval{Sec: 1, Usec: 250000}, prev: unix.Timeval{Sec: 1}, want: 250},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, timeDelta(tc.now, tc.prev))
		})
	}
}

type countingSource struct {
	calls atomic.Int32
}

func (s *countingSource) CollectMetrics() []metrics.Metric {
	s.calls.Add(1)
	return []metrics.Metric{{ID: metrics.IDProbeFaults, Value: 1}}
}

func TestCollectIncludesSources(t *testing.T) {
	src := &countingSource{}
	c := &collector{sources: []Source{src}}

	batch := c.collect()
	ids := make([]metrics.MetricID, 0, len(batch))
	for _, m := range batch {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, metrics.MetricID(metrics.IDEngineGoRoutines))
	assert.Contains(t, ids, metrics.MetricID(metrics.IDProbeFaults))
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestStartStop(t *testing.T) {
	src := &countingSource{}
	stop, err := Start(context.Background(), time.Millisecond, src)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return src.calls.Load() >= 2 },
		time.Second, time.Millisecond)
	stop()

	n := src.calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, src.calls.Load())
}
