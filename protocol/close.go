// File: protocol/close.go
// Author: momentics <momentics@gmail.com>
//
// Close frame payload: 2-byte big-endian status followed by a UTF-8 reason.

package protocol

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/momentics/hioload-pipeline/api"
)

// FormatClosePayload builds a close frame payload.
func FormatClosePayload(status uint16, reason string) ([]byte, error) {
	if len(reason) > MaxCloseReasonLength {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "close reason too long").
			WithContext("length", len(reason)).WithContext("limit", MaxCloseReasonLength)
	}
	if !utf8.ValidString(reason) {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "close reason is not valid UTF-8")
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, status)
	copy(buf[2:], reason)
	return buf, nil
}

// ParseClosePayload decodes a close frame payload. An empty payload means
// the peer sent no status, reported as CloseNoStatusRcvd.
func ParseClosePayload(p []byte) (uint16, string, error) {
	switch {
	case len(p) == 0:
		return CloseNoStatusRcvd, "", nil
	case len(p) == 1:
		return 0, "", protocolError("close payload of one byte")
	}
	status := binary.BigEndian.Uint16(p)
	reason := p[2:]
	if !utf8.Valid(reason) {
		return status, "", protocolError("close reason is not valid UTF-8").WithContext("status", status)
	}
	return status, string(reason), nil
}

// ValidCloseStatus reports whether status may be sent in a close frame.
// 1005, 1006 and 1015 are reserved for local reporting only.
func ValidCloseStatus(status uint16) bool {
	switch {
	case status >= 1000 && status <= 1003:
		return true
	case status >= 1007 && status <= 1014:
		return true
	case status >= 3000 && status <= 4999:
		return true
	}
	return false
}
