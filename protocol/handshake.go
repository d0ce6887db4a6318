// File: protocol/handshake.go
// Package protocol implements HTTP→WebSocket handshake logic with strict validation.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client side: GenerateKey, BuildUpgradeRequest headers and
// ValidateUpgradeResponse. Server side: UpgradeToWebSocket and
// WriteHandshakeResponse.

package protocol

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/momentics/hioload-pipeline/api"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeHeadersSize  = 8192
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	RequiredWebSocketVersion = "13"
)

// GenerateKey returns a random base64 Sec-WebSocket-Key.
func GenerateKey() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("websocket key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b[:]), nil
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
// This implements the algorithm specified in RFC6455 Section 1.3.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// SetUpgradeHeaders adds the mandatory client handshake headers to h.
func SetUpgradeHeaders(h http.Header, key string) {
	h.Set(HeaderUpgrade, "websocket")
	h.Set(HeaderConnection, "Upgrade")
	h.Set(HeaderSecWebSocketKey, key)
	h.Set(HeaderSecWebSocketVer, RequiredWebSocketVersion)
}

// ValidateUpgradeResponse checks the server's reply to an upgrade request
// carrying key. Failures are reported as api.ErrUpgradeFailed.
func ValidateUpgradeResponse(resp *http.Response, key string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		e := api.NewError(api.ErrCodeUpgradeFailed, "server declined upgrade").
			WithContext("status", resp.StatusCode)
		if resp.Body != nil {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			if len(snippet) > 0 {
				e.WithContext("body", string(snippet))
			}
		}
		return e
	}
	if !headerContainsToken(resp.Header, HeaderUpgrade, "websocket") ||
		!headerContainsToken(resp.Header, HeaderConnection, "upgrade") {
		return api.NewError(api.ErrCodeUpgradeFailed, "invalid upgrade response headers").
			WithContext("upgrade", resp.Header.Get(HeaderUpgrade)).
			WithContext("connection", resp.Header.Get(HeaderConnection))
	}
	want := ComputeAcceptKey(key)
	if got := resp.Header.Get(HeaderSecWebSocketAccept); got != want {
		return api.NewError(api.ErrCodeUpgradeFailed, "handshake accept mismatch").
			WithContext("expected", want).WithContext("received", got)
	}
	return nil
}

// UpgradeToWebSocket performs the server-side handshake validation and
// returns the headers to send back with the 101 response.
func UpgradeToWebSocket(r *http.Request) (http.Header, error) {
	// Enforce maximum header size to mitigate header injection attacks.
	total := 0
	for k, vs := range r.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
		if total > MaxHandshakeHeadersSize {
			return nil, api.NewError(api.ErrCodeUpgradeFailed, "handshake headers too large")
		}
	}

	if r.Method != http.MethodGet {
		return nil, api.NewError(api.ErrCodeUpgradeFailed, "upgrade requires GET").
			WithContext("method", r.Method)
	}
	if !headerContainsToken(r.Header, HeaderConnection, "Upgrade") ||
		!headerContainsToken(r.Header, HeaderUpgrade, "websocket") {
		return nil, api.NewError(api.ErrCodeUpgradeFailed, "invalid WebSocket upgrade headers")
	}
	if r.Header.Get(HeaderSecWebSocketVer) != RequiredWebSocketVersion {
		return nil, api.NewError(api.ErrCodeUpgradeFailed, "unsupported WebSocket version; only '13' is supported").
			WithContext("version", r.Header.Get(HeaderSecWebSocketVer))
	}
	key := r.Header.Get(HeaderSecWebSocketKey)
	if key == "" {
		return nil, api.NewError(api.ErrCodeUpgradeFailed, "missing Sec-WebSocket-Key header")
	}

	resp := make(http.Header)
	resp.Set(HeaderUpgrade, "websocket")
	resp.Set(HeaderConnection, "Upgrade")
	resp.Set(HeaderSecWebSocketAccept, ComputeAcceptKey(key))
	return resp, nil
}

// WriteHandshakeResponse writes the 101 status line and hdr to w.
func WriteHandshakeResponse(w io.Writer, hdr http.Header) error {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	for k, vs := range hdr {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// headerContainsToken checks if headerName contains the given token, case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	for _, v := range h.Values(headerName) {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}
