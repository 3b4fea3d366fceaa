// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler // import "go.opentelemetry.io/native-sampler/sampler"

import "sync/atomic"

// counts is one measurement window.
type counts struct {
	tests   atomic.Int64
	samples atomic.Int64
}

func (c *counts) addTest() {
	c.tests.Add(1)
}

// addSampleLimited increments the sample counter saturating at limit and
// reports whether the incremented value is still below limit.
func (c *counts) addSampleLimited(limit int64) bool {
	for {
		prev := c.samples.Load()
		next := min(prev+1, limit)
		if c.samples.CompareAndSwap(prev, next) {
			return next < limit
		}
	}
}

func (c *counts) addSample() {
	c.samples.Add(1)
}

func (c *counts) reset() {
	c.tests.Store(0)
	c.samples.Store(0)
}
