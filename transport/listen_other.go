// File: transport/listen_other.go
//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"syscall"

	"github.com/momentics/hioload-uws/internal/logging"
)

func listenControl(opts ListenOptions) func(network, address string, c syscall.RawConn) error {
	if opts&^ListenAllowHalfOpen != 0 {
		logging.Debug().Int("options", int(opts)).Msg("listen socket options are not supported on this platform")
	}
	return nil
}
