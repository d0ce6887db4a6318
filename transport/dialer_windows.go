//go:build windows

// File: transport/dialer_windows.go
// Author: momentics <momentics@gmail.com>

package transport

import (
	"strings"

	"golang.org/x/sys/windows"
)

func setSocketOptions(fd uintptr, network string, noDelay bool) error {
	if !strings.HasPrefix(network, "tcp") || !noDelay {
		return nil
	}
	return windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_TCP, windows.TCP_NODELAY, 1)
}
