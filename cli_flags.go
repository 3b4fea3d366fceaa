// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"runtime"
	"time"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
	"github.com/tklauser/numcpus"

	"go.opentelemetry.io/native-sampler/capture"
	"go.opentelemetry.io/native-sampler/internal/controller"
)

const (
	// Default values for CLI flags
	defaultArgWindow           = time.Second
	defaultArgSamplesPerWindow = 100
	defaultArgAverageLookback  = 16
	defaultArgBudgetLookback   = 16
	defaultArgRefreshInterval  = 30 * time.Second
	defaultArgCacheSize        = 128
	defaultArgOutput           = "native-sampler.pb.gz"
)

// Help strings for command line arguments
var (
	windowHelp           = "Length of one sampling window."
	samplesPerWindowHelp = "Targeted number of captured events per sampling window."
	averageLookbackHelp  = "Number of windows the event rate average spans."
	budgetLookbackHelp   = "Number of windows the sample budget average spans."
	strategyHelp         = fmt.Sprintf("Stack capture strategy, %q or %q.",
		capture.StrategyTableWalk, capture.StrategyRuntime)
	maxDepthHelp = fmt.Sprintf("Maximum number of frames per call chain (max %d).",
		controller.MaxArgMaxDepth)
	skipHelp            = "Number of innermost caller frames left out of every chain."
	refreshIntervalHelp = "Interval of unwind table reloads from the process mappings."
	workersHelp         = "Number of binaries parsed concurrently. " +
		"Defaults to the number of online CPUs."
	cacheSizeHelp = "Number of parsed binaries kept after their mappings are gone."
	configHelp    = "Path of a configuration file with one \"flag value\" pair per line."
	durationHelp  = "Stop after the given time and write the profile. " +
		"Zero runs until interrupted."
	outputHelp      = "File the gzip compressed pprof profile is written to."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	versionHelp     = "Show version."
)

// defaultStrategy prefers the table walk where self capture is available.
func defaultStrategy() string {
	if runtime.GOARCH == "amd64" {
		return capture.StrategyTableWalk.String()
	}
	return capture.StrategyRuntime.String()
}

func defaultWorkers() int {
	online, err := numcpus.GetOnline()
	if err != nil || online < 1 {
		log.Debugf("Failed to read online CPUs: %v", err)
		return runtime.NumCPU()
	}
	return online
}

func parseArgs(arguments []string) (*controller.Config, error) {
	var args controller.Config

	fs := flag.NewFlagSet("native-sampler", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.IntVar(&args.AverageLookback, "average-lookback", defaultArgAverageLookback,
		averageLookbackHelp)
	fs.IntVar(&args.BudgetLookback, "budget-lookback", defaultArgBudgetLookback,
		budgetLookbackHelp)

	fs.UintVar(&args.CacheSize, "cache-size", defaultArgCacheSize, cacheSizeHelp)
	fs.StringVar(&args.ConfigFile, "config", "", configHelp)

	fs.DurationVar(&args.Duration, "duration", 0, durationHelp)

	fs.IntVar(&args.MaxDepth, "max-depth", capture.DefaultMaxDepth, maxDepthHelp)

	fs.StringVar(&args.Output, "o", defaultArgOutput, "Shorthand for -output.")
	fs.StringVar(&args.Output, "output", defaultArgOutput, outputHelp)

	fs.DurationVar(&args.RefreshInterval, "refresh-interval", defaultArgRefreshInterval,
		refreshIntervalHelp)

	fs.IntVar(&args.SamplesPerWindow, "samples-per-window", defaultArgSamplesPerWindow,
		samplesPerWindowHelp)
	fs.IntVar(&args.Skip, "skip", 0, skipHelp)
	fs.StringVar(&args.Strategy, "strategy", defaultStrategy(), strategyHelp)

	fs.BoolVar(&args.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	fs.DurationVar(&args.Window, "window", defaultArgWindow, windowHelp)
	fs.IntVar(&args.Workers, "workers", defaultWorkers(), workersHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.Fs = fs

	return &args, ff.Parse(fs, arguments,
		ff.WithEnvVarPrefix("NATIVE_SAMPLER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that this
		// version does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
