// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pfunsafe views fixed size values as raw bytes without copying.
package pfunsafe // import "go.opentelemetry.io/native-sampler/libpf/pfunsafe"

import "unsafe"

// FromPointer returns the memory of *data as bytes. data must not be nil and
// must not contain pointers the caller expects to stay hidden.
func FromPointer[T any](data *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(data)), unsafe.Sizeof(*data))
}

// FromSlice returns the backing memory of data as bytes. It returns nil for
// an empty slice.
func FromSlice[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))),
		len(data)*int(unsafe.Sizeof(zero)))
}
