// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler implements an adaptive sampler that keeps the number of
// accepted events per time window close to a target, while the acceptance
// probability follows the observed event rate.
package sampler // import "go.opentelemetry.io/native-sampler/sampler"

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/native-sampler/metrics"
	"go.opentelemetry.io/native-sampler/periodiccaller"
)

// ErrInvalidLookback is returned by New for a lookback below 1.
var ErrInvalidLookback = errors.New("lookback must be at least 1")

// Config holds the sampler parameters.
type Config struct {
	// Window is the length of one sampling window. Zero disables the internal
	// timer and the caller drives RollWindow.
	Window time.Duration
	// SamplesPerWindow is the targeted number of accepted events per window.
	SamplesPerWindow int32
	// AverageLookback is the number of windows the event rate average spans.
	AverageLookback int32
	// BudgetLookback is the number of windows the sample budget average spans.
	BudgetLookback int32
}

// State is a snapshot of the sampler. TestCount and SampleCount belong to the
// active window.
type State struct {
	TestCount    int64
	SampleCount  int64
	Budget       int64
	Probability  float64
	TotalAverage float64
}

// AdaptiveSampler decides whether an event is kept. Sample, Keep and Drop are
// safe for concurrent use and never block on window maintenance.
//
// Two counts slots exist. RollWindow flips the active index and drains the
// retired slot. A caller that loaded the index just before the flip may still
// count into the retired slot, which moves a few events across the window
// boundary. That error is bounded and averages out over the following windows.
type AdaptiveSampler struct {
	slots  [2]counts
	active atomic.Uint32

	// Written by RollWindow, read on the sampling path.
	budget      atomic.Int64
	probability atomic.Uint64

	// rollMu serializes RollWindow and guards the averages below.
	rollMu       sync.Mutex
	totalAverage float64
	avgSamples   float64

	samplesPerWindow int64
	budgetLookback   int64
	emaAlpha         float64
	budgetAlpha      float64

	rngMu sync.Mutex
	rng   *rand.Rand

	cbMu   sync.Mutex
	onRoll func()

	timer *periodiccaller.Timer

	// Totals of rolled windows, exported as metrics.
	windows       atomic.Int64
	rolledTests   atomic.Int64
	rolledSamples atomic.Int64
	reported      struct {
		sync.Mutex
		windows, tests, samples int64
	}
}

// computeIntervalAlpha returns the EMA weight for a lookback of n windows.
// A lookback of 1 yields 0, which means "use the last window verbatim".
func computeIntervalAlpha(lookback int32) float64 {
	return 1 - math.Pow(float64(lookback), -1.0/float64(lookback))
}

// New returns a sampler for cfg. onRoll, if not nil, is called after every
// window roll. A non-zero cfg.Window starts the internal window timer.
func New(cfg Config, onRoll func()) (*AdaptiveSampler, error) {
	if cfg.AverageLookback < 1 {
		return nil, fmt.Errorf("averageLookback %d: %w", cfg.AverageLookback, ErrInvalidLookback)
	}
	if cfg.BudgetLookback < 1 {
		return nil, fmt.Errorf("budgetLookback %d: %w", cfg.BudgetLookback, ErrInvalidLookback)
	}
	if cfg.SamplesPerWindow < 0 {
		return nil, fmt.Errorf("samplesPerWindow %d must not be negative", cfg.SamplesPerWindow)
	}

	s := &AdaptiveSampler{
		avgSamples:       math.NaN(),
		samplesPerWindow: int64(cfg.SamplesPerWindow),
		budgetLookback:   int64(cfg.BudgetLookback),
		emaAlpha:         computeIntervalAlpha(cfg.AverageLookback),
		budgetAlpha:      computeIntervalAlpha(cfg.BudgetLookback),
		rng:              rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		onRoll:           onRoll,
	}
	s.budget.Store(s.samplesPerWindow + s.budgetLookback*s.samplesPerWindow)
	s.probability.Store(math.Float64bits(1))

	log.Debugf("Adaptive sampler: window %v, %d samples per window, lookback %d/%d",
		cfg.Window, cfg.SamplesPerWindow, cfg.AverageLookback, cfg.BudgetLookback)

	if cfg.Window > 0 {
		s.timer = periodiccaller.NewTimer(cfg.Window, s.RollWindow)
		s.timer.Start()
	}
	return s, nil
}

func (s *AdaptiveSampler) current() *counts {
	return &s.slots[s.active.Load()]
}

func (s *AdaptiveSampler) nextDouble() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// Sample counts the event and decides whether it is kept.
func (s *AdaptiveSampler) Sample() bool {
	c := s.current()
	c.addTest()

	if s.nextDouble() < math.Float64frombits(s.probability.Load()) {
		return c.addSampleLimited(s.budget.Load())
	}
	return false
}

// Keep counts the event as tested and sampled and returns true. It is used
// when the caller captures regardless of the sampling decision.
func (s *AdaptiveSampler) Keep() bool {
	c := s.current()
	c.addTest()
	c.addSample()
	return true
}

// Drop counts the event as tested and returns false.
func (s *AdaptiveSampler) Drop() bool {
	s.current().addTest()
	return false
}

// calculateBudgetEMA folds sampled into the sample average and returns the
// budget for the next window. Must be called with rollMu held.
func (s *AdaptiveSampler) calculateBudgetEMA(sampled int64) int64 {
	if math.IsNaN(s.avgSamples) || s.budgetAlpha <= 0 {
		s.avgSamples = float64(sampled)
	} else {
		s.avgSamples += s.budgetAlpha * (float64(sampled) - s.avgSamples)
	}
	return int64(math.Round(math.Max(float64(s.samplesPerWindow)-s.avgSamples, 0) *
		float64(s.budgetLookback)))
}

// RollWindow closes the active window and recomputes budget and probability
// from its counts. It is driven by the internal timer, or by the caller when
// the sampler was created without a window.
func (s *AdaptiveSampler) RollWindow() {
	s.rollMu.Lock()

	idx := s.active.Load()
	retired := &s.slots[idx]
	s.active.Store(idx ^ 1)

	total := retired.tests.Load()
	sampled := retired.samples.Load()

	budget := s.calculateBudgetEMA(sampled)
	s.budget.Store(budget)

	if s.totalAverage == 0 || s.emaAlpha <= 0 {
		s.totalAverage = float64(total)
	} else {
		s.totalAverage += s.emaAlpha * (float64(total) - s.totalAverage)
	}

	probability := 1.0
	if s.totalAverage > 0 {
		probability = math.Min(float64(budget)/s.totalAverage, 1)
	}
	s.probability.Store(math.Float64bits(probability))

	retired.reset()

	s.windows.Add(1)
	s.rolledTests.Add(total)
	s.rolledSamples.Add(sampled)
	s.rollMu.Unlock()

	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.onRoll != nil {
		s.onRoll()
	}
}

// State returns a snapshot of the sampler.
func (s *AdaptiveSampler) State() State {
	c := s.current()

	s.rollMu.Lock()
	totalAverage := s.totalAverage
	s.rollMu.Unlock()

	return State{
		TestCount:    c.tests.Load(),
		SampleCount:  c.samples.Load(),
		Budget:       s.budget.Load(),
		Probability:  math.Float64frombits(s.probability.Load()),
		TotalAverage: totalAverage,
	}
}

// Probability returns the current acceptance probability.
func (s *AdaptiveSampler) Probability() float64 {
	return math.Float64frombits(s.probability.Load())
}

// Stop stops the window timer and detaches the roll callback. No callback is
// running or will run once Stop returns.
func (s *AdaptiveSampler) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}

	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onRoll = nil
}

// CollectMetrics implements enginemetrics.Source.
func (s *AdaptiveSampler) CollectMetrics() []metrics.Metric {
	s.reported.Lock()
	defer s.reported.Unlock()

	windows := s.windows.Load()
	tests := s.rolledTests.Load()
	samples := s.rolledSamples.Load()

	result := []metrics.Metric{
		{ID: metrics.IDSamplerWindows, Value: metrics.MetricValue(windows - s.reported.windows)},
		{ID: metrics.IDSamplerTests, Value: metrics.MetricValue(tests - s.reported.tests)},
		{ID: metrics.IDSamplerSamples, Value: metrics.MetricValue(samples - s.reported.samples)},
		{ID: metrics.IDSamplerProbability, Value: metrics.MetricValue(
			math.Round(s.Probability() * 1000))},
		{ID: metrics.IDSamplerBudget, Value: metrics.MetricValue(s.budget.Load())},
	}
	s.reported.windows, s.reported.tests, s.reported.samples = windows, tests, samples
	return result
}
