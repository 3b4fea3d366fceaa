// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.opentelemetry.io/native-sampler/libpf/xsync"

import "sync"

// RWMutex couples a sync.RWMutex with the value it protects. The value can only
// be reached through RLock or WLock, so forgetting to take the lock does not
// compile.
//
//	type registry struct {
//		tables xsync.RWMutex[[]*BinaryTable]
//	}
//
//	func (r *registry) count() int {
//		tables := r.tables.RLock()
//		defer r.tables.RUnlock(&tables)
//		return len(*tables)
//	}
//
// The unlock functions nil out the caller's reference, so a use after unlock
// crashes in tests instead of racing silently.
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex returns a lock guarding the given initial value.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{guarded: guarded}
}

// RLock takes the read lock and returns a pointer to the guarded value.
// The caller must not write through it or keep it past RUnlock.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock releases the read lock and invalidates ref.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock takes the write lock and returns a pointer to the guarded value.
// The caller must not keep it past WUnlock.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock releases the write lock and invalidates ref.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
