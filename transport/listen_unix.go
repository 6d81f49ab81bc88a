// File: transport/listen_unix.go
//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func listenControl(opts ListenOptions) func(network, address string, c syscall.RawConn) error {
	if opts&(ListenExclusivePort|ListenReusePort|ListenIPv6Only|ListenReuseAddr) == 0 {
		return nil
	}
	return func(network, _ string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			s := int(fd)
			switch {
			case opts&ListenExclusivePort != 0:
				serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 0)
			case opts&ListenReuseAddr != 0:
				serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}
			if serr == nil && opts&ListenReusePort != 0 && opts&ListenExclusivePort == 0 {
				serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}
			if serr == nil && opts&ListenIPv6Only != 0 && network == "tcp6" {
				serr = unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
