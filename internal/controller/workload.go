// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/native-sampler/internal/controller"

import (
	"context"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/native-sampler/capture"
)

const (
	// workloadBurst is the number of events generated between two pauses.
	workloadBurst = 4096
	workloadPause = time.Millisecond
	maxRecursion  = 16
)

// RunWorkload generates events of varying call depth and feeds them to the
// capturer until ctx is done. It returns the number of generated events.
func (c *Controller) RunWorkload(ctx context.Context) uint64 {
	capt, skip := c.capturer, c.config.Skip
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	var events uint64
	for {
		for range workloadBurst {
			if rng.IntN(2) == 0 {
				eventA(capt, rng.IntN(maxRecursion), skip)
			} else {
				eventB(capt, rng.IntN(maxRecursion), skip)
			}
		}
		events += workloadBurst

		select {
		case <-ctx.Done():
			return events
		case <-time.After(workloadPause):
		}
	}
}

//go:noinline
func eventA(capt *capture.Capturer, depth, skip int) bool {
	if depth > 0 {
		return eventA(capt, depth-1, skip)
	}
	return capt.MaybeCapture(skip)
}

//go:noinline
func eventB(capt *capture.Capturer, depth, skip int) bool {
	if depth > 0 {
		return eventB(capt, depth-1, skip)
	}
	return capt.MaybeCapture(skip)
}
