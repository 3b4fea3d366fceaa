// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.opentelemetry.io/native-sampler/libpf/xsync"
)

type rangeEntry struct {
	start, end uintptr
}

func TestRWMutexInvalidatesReference(t *testing.T) {
	entries := xsync.NewRWMutex([]rangeEntry{{start: 0x1000, end: 0x2000}})

	ref := entries.RLock()
	assert.Len(t, *ref, 1)
	entries.RUnlock(&ref)
	assert.Nil(t, ref)

	w := entries.WLock()
	*w = append(*w, rangeEntry{start: 0x3000, end: 0x4000})
	entries.WUnlock(&w)
	assert.Nil(t, w)

	ref = entries.RLock()
	defer entries.RUnlock(&ref)
	assert.Equal(t, []rangeEntry{{0x1000, 0x2000}, {0x3000, 0x4000}}, *ref)
}

func TestRWMutexConcurrentWriters(t *testing.T) {
	counter := xsync.NewRWMutex(0)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				p := counter.WLock()
				*p++
				counter.WUnlock(&p)
			}
		}()
	}
	wg.Wait()

	p := counter.RLock()
	defer counter.RUnlock(&p)
	assert.Equal(t, 1600, *p)
}

func TestRWMutexCrashOnUseAfterUnlock(t *testing.T) {
	m := xsync.NewRWMutex(uint64(0))
	p := m.WLock()
	*p = 123
	m.WUnlock(&p)

	assert.Panics(t, func() {
		*p = 345
	})
}
