// File: transport/dialer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dialer shared by the HTTP transports and the native WebSocket transport.

package transport

import (
	"net"
	"syscall"
	"time"
)

// NewDialer returns a net.Dialer whose sockets get low-latency options
// applied before connect. noDelay disables Nagle's algorithm.
func NewDialer(timeout, keepAlive time.Duration, noDelay bool) *net.Dialer {
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: keepAlive,
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = setSocketOptions(fd, network, noDelay)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
}
