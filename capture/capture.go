// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture turns sampler decisions into call chains and hands them to
// a sink.
package capture // import "go.opentelemetry.io/native-sampler/capture"

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/native-sampler/libpf/pfunsafe"
	"go.opentelemetry.io/native-sampler/metrics"
	"go.opentelemetry.io/native-sampler/sampler"
	"go.opentelemetry.io/native-sampler/unwinder"
)

// Strategy selects how the stack of the sampled goroutine is captured.
type Strategy uint8

const (
	// StrategyTableWalk walks the stack with the frame descriptor tables.
	StrategyTableWalk Strategy = iota
	// StrategyRuntime asks the Go runtime for the call chain.
	StrategyRuntime
)

var strategyNames = [...]string{
	StrategyTableWalk: "tablewalk",
	StrategyRuntime:   "runtime",
}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("Strategy(%d)", uint8(s))
}

// ParseStrategy returns the strategy with the given name.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return Strategy(s), nil
		}
	}
	return 0, fmt.Errorf("unknown capture strategy %q", name)
}

// DefaultMaxDepth is the chain length used when Config.MaxDepth is zero.
const DefaultMaxDepth = 64

// extraSkip hides the capture functions themselves from the chain.
const extraSkip = 2

// Sink receives captured chains. chain is only valid during the call.
type Sink interface {
	Add(fingerprint uint64, chain []uintptr, probability float64)
}

// Config holds the capture settings.
type Config struct {
	Strategy Strategy
	MaxDepth int
}

// Capturer captures the stack of sampled events.
type Capturer struct {
	strategy Strategy
	maxDepth int
	sampler  *sampler.AdaptiveSampler
	walker   *unwinder.Walker
	sink     Sink

	buffers sync.Pool

	captured atomic.Uint64
	empty    atomic.Uint64
	reported atomic.Uint64
}

// New returns a capturer. The table walk strategy needs walker and a host
// architecture that supports self capture.
func New(cfg Config, s *sampler.AdaptiveSampler, w *unwinder.Walker,
	sink Sink) (*Capturer, error) {
	if s == nil || sink == nil {
		return nil, errors.New("sampler and sink are required")
	}
	switch cfg.Strategy {
	case StrategyTableWalk:
		if w == nil {
			return nil, errors.New("table walk capture requires a walker")
		}
		if runtime.GOARCH != "amd64" {
			return nil, fmt.Errorf("%v capture: %w", cfg.Strategy, unwinder.ErrUnsupportedArch)
		}
	case StrategyRuntime:
	default:
		return nil, fmt.Errorf("invalid capture strategy %v", cfg.Strategy)
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}

	c := &Capturer{
		strategy: cfg.Strategy,
		maxDepth: cfg.MaxDepth,
		sampler:  s,
		walker:   w,
		sink:     sink,
	}
	c.buffers.New = func() any {
		buf := make([]uintptr, c.maxDepth)
		return &buf
	}
	return c, nil
}

// Strategy returns the strategy selected at construction.
func (c *Capturer) Strategy() Strategy {
	return c.strategy
}

// MaybeCapture asks the sampler whether the current event is kept, and if so
// captures the call chain of the caller. skip drops further caller frames.
// It returns the sampler decision.
//
//go:noinline
func (c *Capturer) MaybeCapture(skip int) bool {
	if !c.sampler.Sample() {
		return false
	}

	buf := c.buffers.Get().(*[]uintptr)
	defer c.buffers.Put(buf)
	chain := *buf

	var n int
	switch c.strategy {
	case StrategyRuntime:
		n = runtime.Callers(skip+extraSkip, chain)
	case StrategyTableWalk:
		// Only ErrNoProbe is possible here, and it yields an empty chain.
		n, _ = c.walker.WalkSelf(c.maxDepth, skip+extraSkip, chain)
	}
	c.deliver(chain[:n])
	return true
}

// CaptureContext walks an externally provided register context, reading
// snap when given and live memory otherwise. The sampler is not consulted,
// the chain is reported with the current sampling probability.
func (c *Capturer) CaptureContext(ctx unwinder.Context, snap *unwinder.Snapshot) int {
	if c.walker == nil {
		return 0
	}
	buf := c.buffers.Get().(*[]uintptr)
	defer c.buffers.Put(buf)
	chain := *buf

	var n int
	if snap != nil {
		n = c.walker.Walk(&ctx, snap, c.maxDepth, 0, chain)
	} else {
		n = c.walker.WalkLive(&ctx, c.maxDepth, 0, chain)
	}
	c.deliver(chain[:n])
	return n
}

func (c *Capturer) deliver(chain []uintptr) {
	c.captured.Add(1)
	if len(chain) == 0 {
		c.empty.Add(1)
		return
	}
	c.sink.Add(Fingerprint(chain), chain, c.sampler.Probability())
}

// Captured returns the number of chains captured, including empty ones.
func (c *Capturer) Captured() uint64 {
	return c.captured.Load()
}

// CollectMetrics implements enginemetrics.Source.
func (c *Capturer) CollectMetrics() []metrics.Metric {
	empty := c.empty.Load()
	prev := c.reported.Swap(empty)
	return []metrics.Metric{
		{ID: metrics.IDCaptureEmpty, Value: metrics.MetricValue(empty - prev)},
	}
}

// Fingerprint hashes a call chain.
func Fingerprint(chain []uintptr) uint64 {
	return xxh3.Hash(pfunsafe.FromSlice(chain))
}
