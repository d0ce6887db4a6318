//go:build linux || darwin || freebsd || netbsd || openbsd

// File: transport/dialer_unix.go
// Author: momentics <momentics@gmail.com>

package transport

import (
	"strings"

	"golang.org/x/sys/unix"
)

func setSocketOptions(fd uintptr, network string, noDelay bool) error {
	if !strings.HasPrefix(network, "tcp") {
		return nil
	}
	if noDelay {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return err
		}
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
}
