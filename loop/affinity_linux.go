//go:build linux

// File: loop/affinity_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package loop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setAffinity pins the calling thread. tid 0 means the caller.
func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
	}
	return nil
}
