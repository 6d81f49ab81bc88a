// File: loop/affinity.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package loop

import (
	"runtime"

	"github.com/momentics/hioload-uws/internal/logging"
)

// WithCPU locks the goroutine running Run to its OS thread and pins that
// thread to the logical CPU cpu. A negative cpu leaves scheduling to the
// runtime. Pinning failures are logged and the loop runs unpinned.
func WithCPU(cpu int) Option {
	return func(l *Loop) { l.cpu = cpu }
}

// pinThread runs on the Run goroutine. The returned func undoes the lock.
func (l *Loop) pinThread() func() {
	if l.cpu < 0 {
		return func() {}
	}
	runtime.LockOSThread()
	if err := setAffinity(l.cpu); err != nil {
		logging.Warn().Err(err).Int("cpu", l.cpu).Msg("cannot pin event loop")
	} else {
		logging.Debug().Int("cpu", l.cpu).Msg("event loop pinned")
	}
	return runtime.UnlockOSThread
}
