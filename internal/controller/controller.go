// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/native-sampler/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/native-sampler/capture"
	"go.opentelemetry.io/native-sampler/metrics/enginemetrics"
	"go.opentelemetry.io/native-sampler/nativeunwind/registry"
	"go.opentelemetry.io/native-sampler/probe"
	"go.opentelemetry.io/native-sampler/reporter"
	"go.opentelemetry.io/native-sampler/sampler"
	"go.opentelemetry.io/native-sampler/unwinder"
)

// DefaultMetricsInterval is the default collection interval of component
// counters.
const DefaultMetricsInterval = 10 * time.Second

// Controller is an instance that runs, manages and stops the sampling engine.
type Controller struct {
	config          *Config
	metricsInterval time.Duration
	manualWindows   bool

	registry   *registry.Registry
	probe      *probe.Probe
	walker     *unwinder.Walker
	sampler    *sampler.AdaptiveSampler
	capturer   *capture.Capturer
	aggregator *reporter.Aggregator

	triggerRefresh func()
	stopRefresher  func()
	stopMetrics    func()
}

// New creates a new controller.
// The controller installs the process wide fault probe on start. So there
// should only ever be one running.
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{
		config:          cfg,
		metricsInterval: DefaultMetricsInterval,
	}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	return c
}

// Start builds the unwind tables of the current process and sets up the
// sampling pipeline. The controller should only be started once.
func (c *Controller) Start(ctx context.Context) error {
	if c.config == nil {
		return errors.New("missing configuration")
	}
	if err := c.config.Validate(); err != nil {
		return err
	}
	strategy, err := capture.ParseStrategy(c.config.Strategy)
	if err != nil {
		return err
	}

	c.registry, err = registry.New(registry.Config{
		CacheSize: uint32(c.config.CacheSize),
		Workers:   c.config.Workers,
	})
	if err != nil {
		return fmt.Errorf("failed to create unwind table registry: %w", err)
	}

	now := time.Now()
	if err = c.registry.Sync(); err != nil {
		return fmt.Errorf("failed to load unwind tables: %w", err)
	}
	log.Infof("Loaded unwind tables of %d mappings in %v",
		len(c.registry.Tables()), time.Since(now))

	c.probe, err = probe.Install()
	if err != nil {
		return fmt.Errorf("failed to install memory probe: %w", err)
	}

	c.walker, err = unwinder.New(c.registry, c.probe)
	switch {
	case err == nil:
	case strategy == capture.StrategyRuntime:
		log.Warnf("Stack walker unavailable: %v", err)
	default:
		return fmt.Errorf("failed to create stack walker: %w", err)
	}

	window := c.config.Window
	if c.manualWindows {
		window = 0
	}
	c.sampler, err = sampler.New(sampler.Config{
		Window:           window,
		SamplesPerWindow: int32(c.config.SamplesPerWindow),
		AverageLookback:  int32(c.config.AverageLookback),
		BudgetLookback:   int32(c.config.BudgetLookback),
	}, c.windowRolled)
	if err != nil {
		return fmt.Errorf("failed to create sampler: %w", err)
	}

	c.aggregator = reporter.NewAggregator(c.registry)
	c.capturer, err = capture.New(capture.Config{
		Strategy: strategy,
		MaxDepth: c.config.MaxDepth,
	}, c.sampler, c.walker, c.aggregator)
	if err != nil {
		return fmt.Errorf("failed to create capturer: %w", err)
	}
	log.Infof("Capturing with the %v strategy", strategy)

	c.triggerRefresh, c.stopRefresher =
		c.registry.StartRefresher(ctx, c.config.RefreshInterval)

	sources := []enginemetrics.Source{c.registry, c.probe, c.sampler,
		c.capturer, c.aggregator}
	if c.walker != nil {
		sources = append(sources, c.walker)
	}
	c.stopMetrics, err = enginemetrics.Start(ctx, c.metricsInterval, sources...)
	if err != nil {
		return fmt.Errorf("failed to start metric collection: %w", err)
	}
	return nil
}

func (c *Controller) windowRolled() {
	state := c.sampler.State()
	log.Debugf("Sampling window rolled: probability %.4f, budget %d",
		state.Probability, state.Budget)
}

// Capturer returns the capturer fed by the started pipeline.
func (c *Controller) Capturer() *capture.Capturer {
	return c.capturer
}

// Aggregator returns the aggregator collecting the captured chains.
func (c *Controller) Aggregator() *reporter.Aggregator {
	return c.aggregator
}

// RollWindow closes the current sampling window.
func (c *Controller) RollWindow() {
	c.sampler.RollWindow()
}

// RefreshMappings requests an immediate reload of the unwind tables, for
// example after a library was loaded.
func (c *Controller) RefreshMappings() {
	if c.triggerRefresh != nil {
		c.triggerRefresh()
	}
}

// WriteProfile writes the aggregated profile to the configured output file.
func (c *Controller) WriteProfile() error {
	f, err := os.Create(c.config.Output)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	n, err := c.aggregator.WriteTo(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", c.config.Output, err)
	}
	log.Infof("Wrote %d call chains (%d bytes) to %s",
		c.aggregator.Len(), n, c.config.Output)
	return nil
}

// Shutdown stops the controller
func (c *Controller) Shutdown() {
	log.Info("Stop processing ...")
	if c.stopRefresher != nil {
		c.stopRefresher()
	}
	if c.sampler != nil {
		c.sampler.Stop()
	}
	if c.stopMetrics != nil {
		c.stopMetrics()
	}
}
