//go:build !linux

// File: loop/affinity_other.go
// Author: momentics <momentics@gmail.com>

package loop

import "errors"

func setAffinity(int) error {
	return errors.New("cpu affinity is not supported on this platform")
}
