// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.opentelemetry.io/native-sampler/libpf/xsync"

import (
	"sync"
	"sync/atomic"
)

// Once holds a value that is initialized at most once. A failed
// initialization leaves it empty, and the next GetOrInit retries.
//
// The zero value is ready to use.
type Once[T any] struct {
	done atomic.Bool
	mu   sync.Mutex
	data T
}

// GetOrInit returns the value, calling init first if no earlier call succeeded.
// Concurrent callers wait for the running init instead of starting their own.
func (l *Once[T]) GetOrInit(init func() (T, error)) (*T, error) {
	if l.done.Load() {
		return &l.data, nil
	}
	return l.initSlow(init)
}

func (l *Once[T]) initSlow(init func() (T, error)) (*T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done.Load() {
		return &l.data, nil
	}

	data, err := init()
	if err != nil {
		return nil, err
	}
	l.data = data
	l.done.Store(true)
	return &l.data, nil
}

// Get returns the value, or nil when no initialization has succeeded yet.
func (l *Once[T]) Get() *T {
	if !l.done.Load() {
		return nil
	}
	return &l.data
}
