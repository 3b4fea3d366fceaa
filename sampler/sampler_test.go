// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/native-sampler/metrics"
)

func newManual(t *testing.T, spw int32, onRoll func()) *AdaptiveSampler {
	t.Helper()
	s, err := New(Config{
		SamplesPerWindow: spw,
		AverageLookback:  1,
		BudgetLookback:   1,
	}, onRoll)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestInvalidLookback(t *testing.T) {
	tests := map[string]Config{
		"average zero":     {SamplesPerWindow: 2, AverageLookback: 0, BudgetLookback: 1},
		"budget zero":      {SamplesPerWindow: 2, AverageLookback: 1, BudgetLookback: 0},
		"average negative": {SamplesPerWindow: 2, AverageLookback: -3, BudgetLookback: 1},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			s, err := New(cfg, nil)
			require.ErrorIs(t, err, ErrInvalidLookback)
			assert.Nil(t, s)
		})
	}
}

func TestComputeIntervalAlpha(t *testing.T) {
	assert.Equal(t, 0.0, computeIntervalAlpha(1))
	assert.InDelta(t, 1-1/1.4142135623730951, computeIntervalAlpha(2), 1e-12)
	assert.Greater(t, computeIntervalAlpha(16), 0.0)
	assert.Less(t, computeIntervalAlpha(16), 1.0)
}

func TestKeepAndDropCounters(t *testing.T) {
	s := newManual(t, 2, nil)

	assert.True(t, s.Keep())
	st := s.State()
	assert.Equal(t, int64(1), st.TestCount)
	assert.Equal(t, int64(1), st.SampleCount)

	assert.False(t, s.Drop())
	st = s.State()
	assert.Equal(t, int64(2), st.TestCount)
	assert.Equal(t, int64(1), st.SampleCount)
}

func TestWindowRollSequence(t *testing.T) {
	var rolls atomic.Int32
	s := newManual(t, 2, func() { rolls.Add(1) })

	assert.Equal(t, State{Budget: 4, Probability: 1}, s.State())

	s.Keep()
	s.Drop()
	s.RollWindow()
	assert.Equal(t, State{Budget: 1, Probability: 0.5, TotalAverage: 2}, s.State())

	s.Keep()
	s.Keep()
	s.Drop()
	s.RollWindow()
	assert.Equal(t, State{Budget: 0, Probability: 0, TotalAverage: 3}, s.State())

	s.Drop()
	s.Drop()
	s.Drop()
	s.RollWindow()
	st := s.State()
	assert.Equal(t, int64(0), st.TestCount)
	assert.Equal(t, int64(0), st.SampleCount)
	assert.Equal(t, int64(2), st.Budget)
	assert.Equal(t, 3.0, st.TotalAverage)
	assert.InDelta(t, 2.0/3.0, st.Probability, 1e-12)

	assert.Equal(t, int32(3), rolls.Load())
}

func TestEmptyWindowResetsProbability(t *testing.T) {
	s := newManual(t, 2, nil)
	s.RollWindow()
	st := s.State()
	assert.Equal(t, 1.0, st.Probability)
	assert.Equal(t, 0.0, st.TotalAverage)
	assert.Equal(t, int64(2), st.Budget)
}

func TestSampleWithZeroProbability(t *testing.T) {
	s := newManual(t, 2, nil)
	s.Keep()
	s.Keep()
	s.Drop()
	s.RollWindow()
	require.Equal(t, 0.0, s.Probability())

	for range 100 {
		assert.False(t, s.Sample())
	}
	st := s.State()
	assert.Equal(t, int64(100), st.TestCount)
	assert.Equal(t, int64(0), st.SampleCount)
}

func TestSampleBudgetSaturates(t *testing.T) {
	s := newManual(t, 50, nil)
	budget := s.State().Budget
	require.Equal(t, int64(100), budget)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				if s.Sample() {
					accepted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	st := s.State()
	assert.Equal(t, int64(8000), st.TestCount)
	assert.Equal(t, budget, st.SampleCount)
	assert.Equal(t, budget-1, accepted.Load())
}

func TestConcurrentCountingDuringRoll(t *testing.T) {
	s := newManual(t, 10, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var drops atomic.Int64
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s.Drop()
					drops.Add(1)
				}
			}
		}()
	}
	for range 50 {
		s.RollWindow()
	}
	close(stop)
	wg.Wait()

	st := s.State()
	assert.GreaterOrEqual(t, st.Probability, 0.0)
	assert.LessOrEqual(t, st.Probability, 1.0)
	assert.GreaterOrEqual(t, st.Budget, int64(0))
	assert.LessOrEqual(t, st.TestCount, drops.Load())
}

func TestStopDetachesCallback(t *testing.T) {
	var rolls atomic.Int32
	s, err := New(Config{
		Window:           time.Millisecond,
		SamplesPerWindow: 2,
		AverageLookback:  1,
		BudgetLookback:   1,
	}, func() { rolls.Add(1) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rolls.Load() > 0 },
		time.Second, time.Millisecond)

	s.Stop()
	n := rolls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, rolls.Load())

	// A manual roll after Stop still updates the state but runs no callback.
	s.RollWindow()
	assert.Equal(t, n, rolls.Load())
}

func TestCollectMetrics(t *testing.T) {
	s := newManual(t, 2, nil)
	s.Keep()
	s.Drop()
	s.RollWindow()

	got := make(metrics.Summary)
	for _, m := range s.CollectMetrics() {
		got[m.ID] = m.Value
	}
	assert.Equal(t, metrics.MetricValue(1), got[metrics.IDSamplerWindows])
	assert.Equal(t, metrics.MetricValue(2), got[metrics.IDSamplerTests])
	assert.Equal(t, metrics.MetricValue(1), got[metrics.IDSamplerSamples])
	assert.Equal(t, metrics.MetricValue(500), got[metrics.IDSamplerProbability])
	assert.Equal(t, metrics.MetricValue(1), got[metrics.IDSamplerBudget])

	got = make(metrics.Summary)
	for _, m := range s.CollectMetrics() {
		got[m.ID] = m.Value
	}
	assert.Equal(t, metrics.MetricValue(0), got[metrics.IDSamplerWindows])
	assert.Equal(t, metrics.MetricValue(0), got[metrics.IDSamplerTests])
}
