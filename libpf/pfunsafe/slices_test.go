// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfunsafe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromPointer(t *testing.T) {
	key := struct {
		dev   uint32
		inode uint32
	}{dev: 0x0803, inode: 0xcafe}
	assert.Equal(t, []byte{0x03, 0x08, 0, 0, 0xfe, 0xca, 0, 0}, FromPointer(&key))
	assert.Panics(t, func() {
		var p *uint64
		FromPointer(p)
	})
}

func TestFromSlice(t *testing.T) {
	chain := []uintptr{0x401000, 0x7f0000001234}
	expected := []byte{
		0x00, 0x10, 0x40, 0, 0, 0, 0, 0,
		0x34, 0x12, 0, 0, 0, 0x7f, 0, 0,
	}
	assert.Equal(t, expected, FromSlice(chain))

	// The bytes alias the slice.
	FromSlice(chain)[0] = 0xff
	assert.Equal(t, uintptr(0x4010ff), chain[0])

	assert.Nil(t, FromSlice([]uintptr(nil)))
	assert.Nil(t, FromSlice([]uintptr{}))
}
