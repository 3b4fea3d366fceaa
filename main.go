// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/oklog/run"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/native-sampler/internal/controller"
	"go.opentelemetry.io/native-sampler/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		return parseError("Failure to parse arguments: %v", err)
	}

	if cfg.Version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if cfg.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		cfg.Dump()
	}

	if err = cfg.Validate(); err != nil {
		return parseError("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Infof("Starting native sampler %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	ctlr := controller.New(cfg)
	if err = ctlr.Start(ctx); err != nil {
		ctlr.Shutdown()
		return failure("Failed to start sampling: %v", err)
	}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			events := ctlr.RunWorkload(ctx)
			log.Infof("Generated %d events", events)
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		// SIGHUP reloads the unwind tables right away.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, unix.SIGHUP)
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			for {
				select {
				case <-hup:
					log.Info("Refreshing unwind tables")
					ctlr.RefreshMappings()
				case <-ctx.Done():
					return nil
				}
			}
		}, func(error) {
			signal.Stop(hup)
			cancel()
		})
	}
	if cfg.Duration > 0 {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			select {
			case <-time.After(cfg.Duration):
				log.Infof("Sampled for %v", cfg.Duration)
			case <-ctx.Done():
			}
			return nil
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(ctx, unix.SIGINT, unix.SIGTERM))

	if err = g.Run(); err != nil {
		log.Infof("Stopping: %v", err)
	}

	ctlr.Shutdown()
	if err = ctlr.WriteProfile(); err != nil {
		return failure("Failed to write profile: %v", err)
	}

	log.Info("Exiting ...")
	return exitSuccess
}

func parseError(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
