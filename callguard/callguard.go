// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package callguard runs calls into code that is not async-signal-safe with
// the asynchronous signals of the current OS thread blocked, so that a
// sampling signal cannot interrupt them halfway.
package callguard // import "go.opentelemetry.io/native-sampler/callguard"

import (
	"fmt"
	"runtime"

	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// synchronous are raised by the faulting instruction itself. Linux kills the
// process when one of them arrives blocked, so they stay deliverable.
var synchronous = []unix.Signal{unix.SIGSEGV, unix.SIGBUS, unix.SIGFPE, unix.SIGILL, unix.SIGTRAP}

// blockedSet is the mask installed by Do.
var blockedSet = func() unix.Sigset_t {
	var set unix.Sigset_t
	for i := range set.Val {
		set.Val[i] = ^set.Val[i]
	}
	for _, sig := range synchronous {
		n := uint(sig) - 1
		set.Val[n/64] &^= 1 << (n % 64)
	}
	return set
}()

// Do runs fn on a locked OS thread with all asynchronous signals blocked and
// restores the previous mask afterwards.
func Do(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	set := blockedSet
	var old unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &set, &old); err != nil {
		return fmt.Errorf("failed to block signals: %w", err)
	}
	defer func() {
		if err := unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil); err != nil {
			log.Errorf("Failed to restore signal mask: %v", err)
		}
	}()
	return fn()
}

// EnumerateMappings lists the mappings of the current process. The listing
// runs under Do.
func EnumerateMappings() ([]*procfs.ProcMap, error) {
	var maps []*procfs.ProcMap
	err := Do(func() error {
		proc, err := procfs.Self()
		if err != nil {
			return err
		}
		maps, err = proc.ProcMaps()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate mappings: %w", err)
	}
	return maps, nil
}
