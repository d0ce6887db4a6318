// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

// frame_test.go covers the WebSocket frame codec: round trip, masking, limits.
package protocol_test

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/protocol"
)

func TestEncodeDecodeWSFrame(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 0xFFFF, 0x10000}
	for _, n := range sizes {
		for _, mask := range []bool{false, true} {
			payload := bytes.Repeat([]byte{'x'}, n)
			orig := append([]byte(nil), payload...)

			wire, err := protocol.AppendFrame(nil, true, protocol.OpcodeBinary, payload, mask)
			require.NoError(t, err)
			assert.Equal(t, orig, payload, "AppendFrame must not mask the caller's slice")

			f, err := protocol.ReadFrame(bytes.NewReader(wire), 0)
			require.NoError(t, err)
			assert.True(t, f.IsFinal)
			assert.Equal(t, byte(protocol.OpcodeBinary), f.Opcode)
			assert.Equal(t, mask, f.Masked)
			assert.Equal(t, int64(n), f.PayloadLen)
			assert.Equal(t, orig, f.Payload)
		}
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	wire, err := protocol.AppendFrame(nil, true, protocol.OpcodeText, make([]byte, 300), false)
	require.NoError(t, err)

	_, err = protocol.ReadFrame(bytes.NewReader(wire), 200)
	require.ErrorIs(t, err, api.ErrProtocol)
}

func TestReadFrameRejectsFragmentedControl(t *testing.T) {
	wire := []byte{protocol.OpcodePing, 0x00} // FIN clear
	_, err := protocol.ReadFrame(bytes.NewReader(wire), 0)
	require.ErrorIs(t, err, api.ErrProtocol)
}

func TestReadFrameRejectsReservedBits(t *testing.T) {
	wire := []byte{protocol.FinBit | 0x40 | protocol.OpcodeText, 0x00}
	_, err := protocol.ReadFrame(bytes.NewReader(wire), 0)
	require.ErrorIs(t, err, api.ErrProtocol)
}

func TestReadFrameRejectsUnknownOpcode(t *testing.T) {
	for _, op := range []byte{0x3, 0x7, 0xB, 0xF} {
		wire := []byte{protocol.FinBit | op, 0x00}
		_, err := protocol.ReadFrame(bytes.NewReader(wire), 0)
		require.ErrorIs(t, err, api.ErrProtocol, "opcode %#x", op)
		assert.False(t, protocol.IsKnownOpcode(op))
	}
}

func TestAppendFrameReservesHeaderRoom(t *testing.T) {
	payload := make([]byte, 70000)
	wire, err := protocol.AppendFrame(nil, true, protocol.OpcodeBinary, payload, true)
	require.NoError(t, err)
	assert.Equal(t, 2+8+4+len(payload), len(wire))
	assert.GreaterOrEqual(t, cap(wire), protocol.MaxFrameHeaderLen+len(payload))
}

func TestAppendFrameRejectsLargeControl(t *testing.T) {
	_, err := protocol.AppendFrame(nil, true, protocol.OpcodePing, make([]byte, 126), true)
	require.ErrorIs(t, err, api.ErrProtocol)
}

func TestClosePayloadRoundTrip(t *testing.T) {
	p, err := protocol.FormatClosePayload(protocol.CloseNormalClosure, "bye")
	require.NoError(t, err)

	status, reason, err := protocol.ParseClosePayload(p)
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), status)
	assert.Equal(t, "bye", reason)

	status, _, err = protocol.ParseClosePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.CloseNoStatusRcvd), status)

	_, err = protocol.FormatClosePayload(1000, strings.Repeat("r", protocol.MaxCloseReasonLength+1))
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestComputeAcceptKeyRFCExample(t *testing.T) {
	// RFC 6455 section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", protocol.ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestUpgradeToWebSocket(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	hdr, err := protocol.UpgradeToWebSocket(req)
	require.NoError(t, err)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", hdr.Get("Sec-WebSocket-Accept"))

	req.Header.Del("Sec-WebSocket-Key")
	_, err = protocol.UpgradeToWebSocket(req)
	require.ErrorIs(t, err, api.ErrUpgradeFailed)
}

func TestValidateUpgradeResponse(t *testing.T) {
	key, err := protocol.GenerateKey()
	require.NoError(t, err)

	var buf bytes.Buffer
	hdr := http.Header{}
	hdr.Set("Upgrade", "websocket")
	hdr.Set("Connection", "Upgrade")
	hdr.Set("Sec-WebSocket-Accept", protocol.ComputeAcceptKey(key))
	require.NoError(t, protocol.WriteHandshakeResponse(&buf, hdr))

	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	require.NoError(t, err)
	require.NoError(t, protocol.ValidateUpgradeResponse(resp, key))

	resp.Header.Set("Sec-WebSocket-Accept", "bogus")
	require.ErrorIs(t, protocol.ValidateUpgradeResponse(resp, key), api.ErrUpgradeFailed)

	resp.StatusCode = http.StatusForbidden
	resp.Body = http.NoBody
	require.ErrorIs(t, protocol.ValidateUpgradeResponse(resp, key), api.ErrUpgradeFailed)
}
