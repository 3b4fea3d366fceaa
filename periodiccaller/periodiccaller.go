// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller runs callbacks periodically on a background goroutine,
// away from the goroutines being sampled.
package periodiccaller // import "go.opentelemetry.io/native-sampler/periodiccaller"

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// loop calls callback whenever the ticker fires or trigger delivers a value, until
// ctx is done. next computes the ticker period after each timeout.
// The returned function cancels the loop and waits for the goroutine to exit, so
// no callback is running or will run once it returns.
func loop(ctx context.Context, next func() time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) func() {
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(next())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
				ticker.Reset(next())
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// Start calls callback every interval until ctx is canceled or the returned
// stop function is called.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	return loop(ctx, func() time.Duration { return interval }, nil,
		func(bool) { callback() })
}

// StartWithManualTrigger calls callback every interval until ctx is canceled.
// A value received from trigger calls callback immediately with manualTrigger set.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) func() {
	return loop(ctx, func() time.Duration { return interval }, trigger, callback)
}

// StartWithJitter calls callback every baseDuration +/- jitter until ctx is
// canceled. jitter is a fraction in [0..1] of baseDuration, drawn anew for
// every period.
func StartWithJitter(ctx context.Context, baseDuration time.Duration, jitter float64,
	callback func()) func() {
	return loop(ctx, func() time.Duration { return addJitter(baseDuration, jitter) }, nil,
		func(bool) { callback() })
}

func addJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	if jitter > 1 {
		jitter = 1
	}
	d := time.Duration((1 + jitter*(2*rand.Float64()-1)) * float64(base))
	if d <= 0 {
		return base
	}
	return d
}

// Timer invokes a callback once per period on a dedicated goroutine.
// Stop wakes the goroutine and waits for it, so it never has to wait for the
// next period to elapse.
type Timer struct {
	interval time.Duration
	callback func()

	mu   sync.Mutex
	stop func()
}

// NewTimer returns a stopped Timer.
func NewTimer(interval time.Duration, callback func()) *Timer {
	return &Timer{
		interval: interval,
		callback: callback,
	}
}

// Start launches the timer goroutine. Calling Start on a running Timer, or on a
// Timer with a non-positive interval, does nothing.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil || t.interval <= 0 {
		return
	}
	t.stop = Start(context.Background(), t.interval, t.callback)
}

// Stop terminates the timer goroutine and returns after any callback in flight
// has completed. It must not be called from within the callback.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop == nil {
		return
	}
	t.stop()
	t.stop = nil
}

// Running reports whether the timer goroutine is active.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
