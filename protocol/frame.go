// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame encoding/decoding and masking logic.
//
// Frames are read straight off an io.Reader (normally a bufio.Reader that
// acts as the staging buffer) and written into caller-owned slices.

package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/momentics/hioload-pipeline/api"
)

// WSFrame represents a decoded WebSocket frame.
type WSFrame struct {
	IsFinal    bool  // FIN bit
	Opcode     byte  // Operation code
	Masked     bool  // Whether the frame was masked
	PayloadLen int64 // Actual payload length
	MaskKey    [4]byte
	Payload    []byte // unmasked
}

func protocolError(msg string) *api.Error {
	return api.NewError(api.ErrCodeProtocol, msg)
}

// ReadFrame parses one frame from r. Payloads larger than maxPayload are
// rejected before allocation; maxPayload <= 0 means MaxFramePayload.
// I/O failures are returned unwrapped so callers can classify them.
func ReadFrame(r io.Reader, maxPayload int64) (*WSFrame, error) {
	if maxPayload <= 0 {
		maxPayload = MaxFramePayload
	}
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	if hdr[0]&RsvBits != 0 {
		return nil, protocolError("reserved bits set without negotiated extension").
			WithContext("byte0", fmt.Sprintf("%#02x", hdr[0]))
	}
	isFin := hdr[0]&FinBit != 0
	opcode := hdr[0] & OpcodeBit
	if !IsKnownOpcode(opcode) {
		return nil, protocolError("unknown opcode").WithContext("opcode", opcode)
	}
	isMasked := hdr[1]&MaskBit != 0
	payloadLen := int64(hdr[1] & 0x7F)

	switch payloadLen {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		payloadLen = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		u := binary.BigEndian.Uint64(ext[:])
		if u>>63 != 0 {
			return nil, protocolError("payload length has most significant bit set")
		}
		payloadLen = int64(u)
	}

	if IsControl(opcode) {
		if !isFin {
			return nil, protocolError("fragmented control frame").WithContext("opcode", opcode)
		}
		if payloadLen > MaxControlPayloadLen {
			return nil, protocolError("control frame payload too large").
				WithContext("opcode", opcode).WithContext("length", payloadLen)
		}
	}
	if payloadLen > maxPayload {
		return nil, protocolError("frame payload exceeds maximum allowed size").
			WithContext("length", payloadLen).WithContext("limit", maxPayload)
	}

	var maskKey [4]byte
	if isMasked {
		if _, err := io.ReadFull(r, maskKey[:]); err != nil {
			return nil, err
		}
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if isMasked {
		maskBytes(payload, maskKey)
	}

	return &WSFrame{
		IsFinal:    isFin,
		Opcode:     opcode,
		Masked:     isMasked,
		PayloadLen: payloadLen,
		MaskKey:    maskKey,
		Payload:    payload,
	}, nil
}

// AppendFrame serializes one frame onto dst and returns the extended slice.
// When mask is true a fresh random key is used and payload is left untouched.
func AppendFrame(dst []byte, fin bool, opcode byte, payload []byte, mask bool) ([]byte, error) {
	if IsControl(opcode) && (len(payload) > MaxControlPayloadLen || !fin) {
		return nil, protocolError("invalid control frame").
			WithContext("opcode", opcode).WithContext("length", len(payload))
	}
	dst = slices.Grow(dst, MaxFrameHeaderLen+len(payload))
	var b0 byte
	if fin {
		b0 = FinBit
	}
	b0 |= opcode & OpcodeBit

	var maskBit byte
	if mask {
		maskBit = MaskBit
	}

	plen := len(payload)
	switch {
	case plen <= 125:
		dst = append(dst, b0, byte(plen)|maskBit)
	case plen <= 0xFFFF:
		dst = append(dst, b0, 126|maskBit, 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(plen))
	default:
		dst = append(dst, b0, 127|maskBit, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], uint64(plen))
	}

	if !mask {
		return append(dst, payload...), nil
	}

	key, err := NewMaskKey()
	if err != nil {
		return nil, err
	}
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	maskBytes(dst[start:], key)
	return dst, nil
}

// NewMaskKey returns a random masking key as required for client frames.
func NewMaskKey() ([4]byte, error) {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("mask key: %w", err)
	}
	return key, nil
}

// maskBytes applies XOR on buf using key.
func maskBytes(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i&3]
	}
}
