// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/native-sampler/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/native-sampler/capture"
	"go.opentelemetry.io/native-sampler/sampler"
)

// MaxArgMaxDepth is the largest accepted value of the max-depth flag.
const MaxArgMaxDepth = 1024

// Config holds the settings of one sampling run.
type Config struct {
	Window           time.Duration
	SamplesPerWindow int
	AverageLookback  int
	BudgetLookback   int

	Strategy string
	MaxDepth int
	Skip     int

	RefreshInterval time.Duration
	Workers         int
	CacheSize       uint

	// Duration ends the run after the given time. Zero runs until a signal
	// arrives.
	Duration time.Duration
	Output   string

	VerboseMode bool
	Version     bool

	// ConfigFile is the optional file further flag values are read from.
	ConfigFile string

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	if cfg.Fs == nil {
		return
	}
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.Window <= 0 {
		return errors.New("window must be positive")
	}
	if cfg.SamplesPerWindow < 0 || cfg.SamplesPerWindow > math.MaxInt32 {
		return fmt.Errorf("samples per window %d out of range [0,%d]",
			cfg.SamplesPerWindow, math.MaxInt32)
	}
	if cfg.AverageLookback < 1 || cfg.AverageLookback > math.MaxInt32 {
		return fmt.Errorf("average lookback %d: %w", cfg.AverageLookback,
			sampler.ErrInvalidLookback)
	}
	if cfg.BudgetLookback < 1 || cfg.BudgetLookback > math.MaxInt32 {
		return fmt.Errorf("budget lookback %d: %w", cfg.BudgetLookback,
			sampler.ErrInvalidLookback)
	}
	if _, err := capture.ParseStrategy(cfg.Strategy); err != nil {
		return err
	}
	if cfg.MaxDepth < 1 || cfg.MaxDepth > MaxArgMaxDepth {
		return fmt.Errorf("max depth %d out of range [1,%d]", cfg.MaxDepth, MaxArgMaxDepth)
	}
	if cfg.Skip < 0 {
		return fmt.Errorf("negative skip %d", cfg.Skip)
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be positive")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("invalid number of workers %d", cfg.Workers)
	}
	if cfg.CacheSize < 1 || cfg.CacheSize > math.MaxUint32 {
		return fmt.Errorf("cache size %d out of range [1,%d]", cfg.CacheSize,
			uint64(math.MaxUint32))
	}
	if cfg.Duration < 0 {
		return errors.New("negative duration")
	}
	if cfg.Output == "" {
		return errors.New("no output file given")
	}
	return nil
}
