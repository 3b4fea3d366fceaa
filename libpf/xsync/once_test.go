// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/native-sampler/libpf/xsync"
)

func TestOnceRetriesAfterError(t *testing.T) {
	var once xsync.Once[int]
	errInit := errors.New("not yet")

	assert.Nil(t, once.Get())

	_, err := once.GetOrInit(func() (int, error) { return 0, errInit })
	require.ErrorIs(t, err, errInit)
	assert.Nil(t, once.Get())

	v, err := once.GetOrInit(func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, *v)

	v, err = once.GetOrInit(func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, *v)
	assert.Equal(t, 42, *once.Get())
}

func TestOnceSingleInit(t *testing.T) {
	var once xsync.Once[string]
	var calls atomic.Int32

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := once.GetOrInit(func() (string, error) {
				calls.Add(1)
				return "installed", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "installed", *v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}
