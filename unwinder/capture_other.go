// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !amd64

package unwinder // import "go.opentelemetry.io/native-sampler/unwinder"

// CaptureSelf is not available on this architecture.
func CaptureSelf(*Context) error {
	return ErrUnsupportedArch
}
