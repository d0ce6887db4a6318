// File: websocket/handle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package websocket

import (
	"net"
	"sync"
)

// handle is the single owner of a connection. release closes it exactly
// once; every later call returns nil.
type handle struct {
	conn      net.Conn
	once      sync.Once
	onRelease func()
}

func newHandle(conn net.Conn, onRelease func()) *handle {
	return &handle{conn: conn, onRelease: onRelease}
}

func (h *handle) release() (err error) {
	h.once.Do(func() {
		err = h.conn.Close()
		if h.onRelease != nil {
			h.onRelease()
		}
	})
	return err
}
