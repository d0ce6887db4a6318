// File: websocket/upgrader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server side of the handshake: validate, hijack, reply 101.

package websocket

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/protocol"
)

// Upgrader turns an incoming HTTP request into a server-role Channel.
type Upgrader struct {
	Channel ChannelOptions

	// CheckOrigin rejects cross-origin requests when it returns false.
	// Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Upgrade validates r, hijacks the connection and writes the 101 reply.
// On failure an HTTP error has already been written to w.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Channel, error) {
	hdr, err := protocol.UpgradeToWebSocket(r)
	if err != nil {
		if r.Header.Get(protocol.HeaderSecWebSocketVer) != protocol.RequiredWebSocketVersion {
			w.Header().Set(protocol.HeaderSecWebSocketVer, protocol.RequiredWebSocketVersion)
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}
	if u.CheckOrigin != nil && !u.CheckOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return nil, api.NewError(api.ErrCodeUpgradeFailed, "origin not allowed").
			WithContext("origin", r.Header.Get("Origin"))
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection cannot be hijacked", http.StatusInternalServerError)
		return nil, api.NewError(api.ErrCodeUpgradeFailed, "response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, api.WrapError(api.ErrCodeUpgradeFailed, "hijack", err)
	}
	// The server may have armed deadlines for the request; the channel
	// manages its own.
	_ = conn.SetDeadline(time.Time{})

	err = protocol.WriteHandshakeResponse(rw.Writer, hdr)
	if err == nil {
		err = rw.Writer.Flush()
	}
	if err != nil {
		conn.Close()
		return nil, api.WrapError(api.ErrCodeNetwork, "write handshake response", err)
	}

	opts := u.Channel
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger.Debug("upgraded",
		zap.String("remote", r.RemoteAddr),
		zap.String("path", r.URL.Path))
	return NewChannel(conn, rw.Reader, RoleServer, opts), nil
}
