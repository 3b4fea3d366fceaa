// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"os"
	"runtime/debug"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/native-sampler/metrics"
)

func TestInstallIsIdempotent(t *testing.T) {
	p1, err := Install()
	require.NoError(t, err)
	p2, err := Install()
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestReadValid(t *testing.T) {
	p, err := Install()
	require.NoError(t, err)

	words := []uint64{0x1122334455667788, 42}
	addr := uintptr(unsafe.Pointer(&words[0]))
	assert.Equal(t, uint64(0x1122334455667788), p.Read64(addr))
	val, ok := p.TryRead64(addr + 8)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), val)
}

func TestReadRejected(t *testing.T) {
	p, err := Install()
	require.NoError(t, err)
	before := Faults()

	tests := map[string]uintptr{
		"null":       0,
		"null page":  8,
		"misaligned": uintptr(os.Getpagesize()) + 3,
		"kernel":     ^uintptr(0) &^ 7,
	}
	for name, addr := range tests {
		t.Run(name, func(t *testing.T) {
			val, ok := p.TryRead64(addr)
			assert.False(t, ok)
			assert.Zero(t, val)
		})
	}
	assert.Equal(t, before, Faults())
}

func TestReadUnmapped(t *testing.T) {
	p, err := Install()
	require.NoError(t, err)

	mem, err := unix.Mmap(-1, 0, os.Getpagesize(), unix.PROT_NONE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	defer func() { _ = unix.Munmap(mem) }()

	addr := uintptr(unsafe.Pointer(&mem[0]))
	before := Faults()
	assert.Zero(t, p.Read64(addr))
	val, ok := p.TryRead64(addr + 64)
	assert.False(t, ok)
	assert.Zero(t, val)
	assert.Equal(t, before+2, Faults())

	// The previous fault mode is restored.
	assert.False(t, debug.SetPanicOnFault(false))
}

func TestCollectMetrics(t *testing.T) {
	p, err := Install()
	require.NoError(t, err)
	_ = p.CollectMetrics()

	mem, err := unix.Mmap(-1, 0, os.Getpagesize(), unix.PROT_NONE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	defer func() { _ = unix.Munmap(mem) }()
	p.Read64(uintptr(unsafe.Pointer(&mem[0])))

	m := p.CollectMetrics()
	require.Len(t, m, 1)
	assert.Equal(t, metrics.MetricID(metrics.IDProbeFaults), m[0].ID)
	assert.Equal(t, metrics.MetricValue(1), m[0].Value)
	assert.Equal(t, metrics.MetricValue(0), p.CollectMetrics()[0].Value)
}
