// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/native-sampler/internal/controller"

import "time"

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithMetricsInterval sets how often component counters are collected.
// This defaults to [DefaultMetricsInterval].
func WithMetricsInterval(interval time.Duration) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.metricsInterval = interval
		return c
	})
}

// WithManualWindows disables the sampler timer. Windows are then only
// rolled by RollWindow.
func WithManualWindows() Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.manualWindows = true
		return c
	})
}
