// File: api/websocket.go
// Author: momentics <momentics@gmail.com>
//
// Defines the logical WebSocket frame types and the Channel contract
// handed out by a successful upgrade.

package api

import "context"

// FrameType tags one logical frame exchanged over a Channel.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameText
	FrameBinary
	FrameTextFragment
	FrameBinaryFragment
	FrameClosed
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameTextFragment:
		return "text_fragment"
	case FrameBinaryFragment:
		return "binary_fragment"
	case FrameClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsFragment reports whether more frames of the same message follow.
func (t FrameType) IsFragment() bool {
	return t == FrameTextFragment || t == FrameBinaryFragment
}

// IsText reports whether the frame belongs to a UTF-8 message.
func (t FrameType) IsText() bool {
	return t == FrameText || t == FrameTextFragment
}

// Channel is the live full-duplex object produced by a WebSocket upgrade.
//
// One sender and one receiver may run concurrently. Two concurrent senders
// (or receivers) are serialized. Fragment ordering across SendFrame calls
// is the caller's responsibility.
type Channel interface {
	// SendFrame transmits one logical frame.
	SendFrame(ctx context.Context, frameType FrameType, payload []byte) error

	// ReceiveFrame blocks for the next logical frame. A FrameClosed result
	// moves the channel to ChannelClosing.
	ReceiveFrame(ctx context.Context) (FrameType, []byte, error)

	// CloseSocket runs the close handshake and verifies that the peer
	// echoes status. The connection is released afterwards.
	CloseSocket(ctx context.Context, status uint16, reason string) error

	// CloseInfo returns the peer's close status and reason, waiting for the
	// peer's close frame if it has not arrived yet.
	CloseInfo(ctx context.Context) (uint16, string, error)

	// Close releases the connection. It is idempotent.
	Close() error

	// State reports the current lifecycle state.
	State() ChannelState
}
