// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe reads process memory that may not be mapped. A faulting read
// yields zero instead of crashing the process.
package probe // import "go.opentelemetry.io/native-sampler/probe"

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/native-sampler/libpf/xsync"
	"go.opentelemetry.io/native-sampler/metrics"
)

// Probe performs guarded 64-bit loads. It is safe for concurrent use.
type Probe struct {
	// minAddr is the end of the null page region.
	minAddr uintptr
	// maxAddr is the end of the user address space. Loads above it fault
	// without reporting an address.
	maxAddr uintptr
}

var (
	instance xsync.Once[Probe]

	faults   atomic.Uint64
	reported atomic.Uint64
)

// Install sets up the process wide probe. Repeated calls return the same
// instance.
func Install() (*Probe, error) {
	return instance.GetOrInit(func() (Probe, error) {
		p := Probe{
			minAddr: uintptr(os.Getpagesize()),
			maxAddr: 1 << 48,
		}
		if runtime.GOARCH == "amd64" {
			p.maxAddr = 1 << 47
		}
		log.Debugf("Memory probe installed for [%#x, %#x)", p.minAddr, p.maxAddr)
		return p, nil
	})
}

// faultAddr is implemented by the runtime error of a memory fault.
type faultAddr interface {
	Addr() uintptr
}

// TryRead64 loads the word at addr. It returns false if the address is
// misaligned, in the null page, outside of user space, or not readable.
func (p *Probe) TryRead64(addr uintptr) (val uint64, ok bool) {
	if addr < p.minAddr || addr >= p.maxAddr-7 || addr&7 != 0 {
		return 0, false
	}

	prev := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(prev)
		if r := recover(); r != nil {
			fault, isFault := r.(faultAddr)
			if !isFault || fault.Addr() < addr || fault.Addr() >= addr+8 {
				panic(r)
			}
			faults.Add(1)
			val, ok = 0, false
		}
	}()
	return load64(addr), true
}

// Read64 loads the word at addr, or returns zero if it cannot be read.
func (p *Probe) Read64(addr uintptr) uint64 {
	val, _ := p.TryRead64(addr)
	return val
}

// Faults returns the number of reads that faulted since start.
func Faults() uint64 {
	return faults.Load()
}

// CollectMetrics reports the faults since the previous call.
func (p *Probe) CollectMetrics() []metrics.Metric {
	total := faults.Load()
	prev := reported.Swap(total)
	return []metrics.Metric{
		{ID: metrics.IDProbeFaults, Value: metrics.MetricValue(total - prev)},
	}
}

// load64 dereferences addr. Arbitrary addresses, including the current
// goroutine stack, are expected here.
//
//go:nocheckptr
//go:noinline
func load64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}
