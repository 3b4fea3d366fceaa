// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/native-sampler/unwinder"

import (
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/native-sampler/metrics"
	"go.opentelemetry.io/native-sampler/nativeunwind/framedesc"
	"go.opentelemetry.io/native-sampler/probe"
)

// Resolver finds the frame descriptor covering a runtime address.
type Resolver interface {
	FindFrameDesc(pc uintptr) (framedesc.FrameDesc, bool)
}

// stopReason tells why a step ended the walk.
type stopReason uint8

const (
	stopNone stopReason = iota
	stopBadCFA
	stopSPRange
	stopSPAlign
	stopReadFP
	stopReadPC
	stopBadPC
	numStopReasons
)

var stopMetricIDs = [numStopReasons]metrics.MetricID{
	stopBadCFA:  metrics.IDUnwindErrBadCFA,
	stopSPRange: metrics.IDUnwindErrSPRange,
	stopSPAlign: metrics.IDUnwindErrSPAlign,
	stopReadFP:  metrics.IDUnwindErrReadFP,
	stopReadPC:  metrics.IDUnwindErrReadPC,
	stopBadPC:   metrics.IDUnwindErrBadPC,
}

// Walker steps register contexts through native frames. It is safe for
// concurrent use and does not allocate while walking.
type Walker struct {
	arch         framedesc.Arch
	resolver     Resolver
	defaultFrame framedesc.FrameDesc
	live         LiveMemory

	walks         atomic.Uint64
	frames        atomic.Uint64
	defaultFrames atomic.Uint64
	stops         [numStopReasons]atomic.Uint64

	reported struct {
		sync.Mutex
		walks, frames, defaultFrames uint64
		stops                        [numStopReasons]uint64
	}
}

// New returns a walker for the host architecture. p serves the reads of
// WalkSelf.
func New(r Resolver, p *probe.Probe) (*Walker, error) {
	arch, err := framedesc.HostArch()
	if err != nil {
		return nil, err
	}
	return NewForArch(arch, r, p), nil
}

// NewForArch returns a walker interpreting descriptors for arch.
func NewForArch(arch framedesc.Arch, r Resolver, p *probe.Probe) *Walker {
	return &Walker{
		arch:         arch,
		resolver:     r,
		defaultFrame: framedesc.DefaultFrame(arch),
		live:         NewLiveMemory(p),
	}
}

// Arch returns the architecture the walker interprets descriptors for.
func (w *Walker) Arch() framedesc.Arch {
	return w.arch
}

// Step unwinds ctx by one frame. It returns false if the caller frame could
// not be recovered, in which case ctx is left in an unspecified state.
func (w *Walker) Step(ctx *Context, mem Memory) bool {
	if ctx.origin == 0 {
		ctx.origin = ctx.SP
	}
	lo, hi := mem.Bounds(ctx.origin)
	reason := w.step(ctx, mem, lo, hi)
	if reason != stopNone {
		w.stops[reason].Add(1)
		return false
	}
	return true
}

func (w *Walker) step(ctx *Context, mem Memory, lo, hi uintptr) stopReason {
	desc, ok := w.resolver.FindFrameDesc(ctx.PC)
	if !ok {
		desc = w.defaultFrame
		w.defaultFrames.Add(1)
	}

	prevSP := ctx.SP
	off := uintptr(int64(desc.CFAOffset()))
	var cfa uintptr
	switch desc.CFAReg() {
	case w.arch.SP:
		cfa = ctx.SP + off
	case w.arch.FP:
		cfa = ctx.FP + off
	case framedesc.RegPLT:
		if ctx.PC&15 >= 11 {
			off *= 2
		}
		cfa = ctx.SP + off
	default:
		return stopBadCFA
	}

	// The caller frame must be above the current one on the same stack.
	if cfa <= prevSP || cfa >= prevSP+MaxFrameSize || cfa >= ctx.origin+MaxWalkSize {
		return stopSPRange
	}
	if cfa&(wordSize-1) != 0 {
		return stopSPAlign
	}
	ctx.SP = cfa

	if desc.HasPCDelta() {
		ctx.PC += uintptr(int64(desc.PCDelta()))
	} else {
		if desc.FPOff != framedesc.SameFP &&
			desc.FPOff < MaxFrameSize && desc.FPOff > -MaxFrameSize {
			fp, ok := readWord(mem, lo, hi, cfa+uintptr(int64(desc.FPOff)), ctx.FP)
			if !ok {
				return stopReadFP
			}
			ctx.FP = fp
		}
		// The return address is saved at CFA-8. aarch64 leaf frames keep it in LR.
		pc, ok := readWord(mem, lo, hi, cfa-wordSize, ctx.PC)
		if !ok {
			return stopReadPC
		}
		ctx.PC = pc
	}

	if ctx.PC < MinValidPC || ctx.PC > maxValidPC {
		return stopBadPC
	}
	return stopNone
}

// Walk records the program counters of up to maxDepth frames starting at
// ctx into chain, after skipping the innermost skip frames. It returns the
// number of recorded frames.
func (w *Walker) Walk(ctx *Context, mem Memory, maxDepth, skip int, chain []uintptr) int {
	if ctx.origin == 0 {
		ctx.origin = ctx.SP
	}
	maxDepth = min(maxDepth, len(chain))
	lo, hi := mem.Bounds(ctx.origin)
	w.walks.Add(1)

	depth := -skip
	for depth < maxDepth {
		d := depth
		depth++
		if d >= 0 {
			chain[d] = ctx.PC
		}
		if reason := w.step(ctx, mem, lo, hi); reason != stopNone {
			w.stops[reason].Add(1)
			break
		}
	}

	n := max(depth, 0)
	w.frames.Add(uint64(n))
	return n
}

// CollectMetrics implements enginemetrics.Source.
func (w *Walker) CollectMetrics() []metrics.Metric {
	w.reported.Lock()
	defer w.reported.Unlock()

	walks := w.walks.Load()
	frames := w.frames.Load()
	defaultFrames := w.defaultFrames.Load()
	result := make([]metrics.Metric, 0, 3+numStopReasons)
	result = append(result,
		metrics.Metric{ID: metrics.IDUnwindWalks,
			Value: metrics.MetricValue(walks - w.reported.walks)},
		metrics.Metric{ID: metrics.IDUnwindFrames,
			Value: metrics.MetricValue(frames - w.reported.frames)},
		metrics.Metric{ID: metrics.IDUnwindDefaultFrame,
			Value: metrics.MetricValue(defaultFrames - w.reported.defaultFrames)})
	for reason := stopBadCFA; reason < numStopReasons; reason++ {
		count := w.stops[reason].Load()
		result = append(result, metrics.Metric{
			ID:    stopMetricIDs[reason],
			Value: metrics.MetricValue(count - w.reported.stops[reason]),
		})
		w.reported.stops[reason] = count
	}
	w.reported.walks, w.reported.frames = walks, frames
	w.reported.defaultFrames = defaultFrames
	return result
}
