// File: websocket/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel is a full-duplex WebSocket session over one connection. Sends are
// serialized by sendMu and receives by recvMu, so one sender and one
// receiver can run at the same time. Lock order is recvMu before sendMu.

package websocket

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/control"
	"github.com/momentics/hioload-pipeline/protocol"
	"github.com/momentics/hioload-pipeline/session"
)

// Role selects the masking direction of a channel.
type Role int

const (
	// RoleClient masks outbound frames and expects unmasked inbound frames.
	RoleClient Role = iota
	// RoleServer is the reverse.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// DefaultReadBufferSize is the staging buffer size used when none is set.
const DefaultReadBufferSize = 4096

const (
	ioBufferSize = 4096
	// write buffers above this size are not retained between sends
	maxRetainedWriteBuffer = 64 << 10
)

var aLongTimeAgo = time.Unix(1, 0)

// ChannelOptions tunes a Channel.
type ChannelOptions struct {
	// ReadBufferSize is the staging buffer size. Frames with larger payloads
	// are delivered as a run of fragment frames.
	ReadBufferSize  int
	MaxFramePayload int64
	Logger          *zap.Logger
	Metrics         *control.Metrics
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.MaxFramePayload <= 0 {
		o.MaxFramePayload = protocol.MaxFramePayload
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type chunk struct {
	ft      api.FrameType
	payload []byte
}

// Channel implements api.Channel on top of a net.Conn.
type Channel struct {
	id   string
	role Role
	conn net.Conn
	h    *handle
	br   *bufio.Reader
	opts ChannelOptions
	log  *zap.Logger

	state     atomic.Int32
	closeSent atomic.Bool
	closeRecv atomic.Bool

	sendMu    sync.Mutex
	sendInMsg bool
	sendErr   error
	wbuf      []byte

	recvMu       sync.Mutex
	pending      *chunk
	backlog      *queue.Queue
	recvInMsg    bool
	recvText     bool
	recvErr      error
	closePayload []byte
	peerStatus   uint16
	peerReason   string

	framesSent atomic.Uint64
	framesRecv atomic.Uint64
	bytesSent  atomic.Uint64
	bytesRecv  atomic.Uint64
}

var _ api.Channel = (*Channel)(nil)

// NewChannel takes ownership of conn. br may carry bytes already read past
// the handshake; nil allocates a fresh reader.
func NewChannel(conn net.Conn, br *bufio.Reader, role Role, opts ChannelOptions) *Channel {
	opts = opts.withDefaults()
	if br == nil {
		br = bufio.NewReaderSize(conn, ioBufferSize)
	}
	c := &Channel{
		id:      uuid.NewString(),
		role:    role,
		conn:    conn,
		br:      br,
		opts:    opts,
		backlog: queue.New(),
	}
	c.log = opts.Logger.Named("channel").With(
		zap.String("channel", c.id),
		zap.Stringer("role", role))
	c.h = newHandle(conn, func() {
		if opts.Metrics != nil {
			opts.Metrics.OpenChannels.Dec()
		}
		c.log.Debug("connection released")
	})
	if opts.Metrics != nil {
		opts.Metrics.OpenChannels.Inc()
	}
	c.log.Debug("channel open", zap.Stringer("remote", conn.RemoteAddr()))
	return c
}

// ID returns the channel's unique id.
func (c *Channel) ID() string { return c.id }

// State implements api.Channel.
func (c *Channel) State() api.ChannelState {
	return api.ChannelState(c.state.Load())
}

// Stats returns traffic counters for data frames.
func (c *Channel) Stats() api.ChannelStats {
	return api.ChannelStats{
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesRecv.Load(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesRecv.Load(),
	}
}

// SendFrame implements api.Channel. Fragment frames open (or continue) a
// message; the next non-fragment frame finishes it.
func (c *Channel) SendFrame(ctx context.Context, ft api.FrameType, payload []byte) error {
	ctx = orBackground(ctx)
	if c.released() {
		return c.closedErr("send")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.released() {
		return c.closedErr("send")
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return err
	}
	if c.closeSent.Load() || c.closeRecv.Load() {
		return api.NewError(api.ErrCodeProtocol, "channel closing").
			WithContext("channel", c.id).WithContext("state", c.State().String())
	}
	opcode, fin, err := c.sendOpcode(ft)
	if err != nil {
		return err
	}
	if err := c.writeFrame(ctx, fin, opcode, payload); err != nil {
		return err
	}
	c.sendInMsg = !fin
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(payload)))
	c.observe("sent", ft, len(payload))
	return session.CheckCancelled(ctx)
}

func (c *Channel) sendOpcode(ft api.FrameType) (byte, bool, error) {
	var opcode byte
	switch ft {
	case api.FrameText, api.FrameTextFragment:
		opcode = protocol.OpcodeText
	case api.FrameBinary, api.FrameBinaryFragment:
		opcode = protocol.OpcodeBinary
	default:
		return 0, false, api.NewError(api.ErrCodeProtocol, "unsupported frame type for send").
			WithContext("type", ft.String())
	}
	if c.sendInMsg {
		opcode = protocol.OpcodeContinuation
	}
	return opcode, !ft.IsFragment(), nil
}

// writeFrame encodes and writes one wire frame. Caller holds sendMu.
func (c *Channel) writeFrame(ctx context.Context, fin bool, opcode byte, payload []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	buf, err := protocol.AppendFrame(c.wbuf[:0], fin, opcode, payload, c.role == RoleClient)
	if err != nil {
		return err
	}
	disarm := watch(ctx, c.conn.SetWriteDeadline)
	n, err := c.conn.Write(buf)
	disarm()
	if cap(buf) <= maxRetainedWriteBuffer {
		c.wbuf = buf
	} else {
		c.wbuf = nil
	}
	if err != nil {
		cause := err
		err = c.ioError(ctx, "write", err)
		if n > 0 {
			// A torn frame leaves the stream unusable.
			c.sendErr = c.desynced("write", err, cause)
		}
		return err
	}
	return nil
}

// ReceiveFrame implements api.Channel. Pings are answered and pongs are
// absorbed. A close frame yields FrameClosed with the raw close payload;
// later calls return it again.
func (c *Channel) ReceiveFrame(ctx context.Context) (api.FrameType, []byte, error) {
	ctx = orBackground(ctx)
	if c.released() {
		return api.FrameUnknown, nil, c.closedErr("receive")
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.released() {
		return api.FrameUnknown, nil, c.closedErr("receive")
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return api.FrameUnknown, nil, err
	}
	ft, payload, err := c.nextFrame(ctx)
	if err != nil {
		return api.FrameUnknown, nil, err
	}
	if err := session.CheckCancelled(ctx); err != nil {
		// Keep the frame for the next caller.
		c.pending = &chunk{ft: ft, payload: payload}
		return api.FrameUnknown, nil, err
	}
	return ft, payload, nil
}

// nextFrame returns the next logical frame. Caller holds recvMu.
func (c *Channel) nextFrame(ctx context.Context) (api.FrameType, []byte, error) {
	if p := c.pending; p != nil {
		c.pending = nil
		return p.ft, p.payload, nil
	}
	if c.backlog.Length() > 0 {
		ch := c.backlog.Remove().(chunk)
		return ch.ft, ch.payload, nil
	}
	if c.closeRecv.Load() {
		return api.FrameClosed, c.closePayload, nil
	}
	if c.recvErr != nil {
		return api.FrameUnknown, nil, c.recvErr
	}

	for {
		f, err := c.readFrame(ctx)
		if err != nil {
			return api.FrameUnknown, nil, err
		}
		switch f.Opcode {
		case protocol.OpcodePing:
			if err := c.pong(ctx, f.Payload); err != nil {
				return api.FrameUnknown, nil, err
			}
			continue
		case protocol.OpcodePong:
			continue
		case protocol.OpcodeClose:
			status, reason, err := protocol.ParseClosePayload(f.Payload)
			if err != nil {
				c.recvErr = err
				return api.FrameUnknown, nil, err
			}
			c.peerStatus, c.peerReason = status, reason
			c.closePayload = f.Payload
			c.closeRecv.Store(true)
			c.enterClosing()
			c.observe("received", api.FrameClosed, len(f.Payload))
			c.log.Debug("close frame received", zap.Uint16("status", status), zap.String("reason", reason))
			return api.FrameClosed, f.Payload, nil
		}

		ft, err := c.classify(f)
		if err != nil {
			c.recvErr = err
			return api.FrameUnknown, nil, err
		}
		c.framesRecv.Add(1)
		c.bytesRecv.Add(uint64(len(f.Payload)))
		c.observe("received", ft, len(f.Payload))
		return c.stage(ft, f.Payload)
	}
}

// classify maps a data frame to its logical type, tracking the modality of
// a fragmented message across continuation frames.
func (c *Channel) classify(f *protocol.WSFrame) (api.FrameType, error) {
	switch f.Opcode {
	case protocol.OpcodeText, protocol.OpcodeBinary:
		if c.recvInMsg {
			return api.FrameUnknown, api.NewError(api.ErrCodeProtocol, "data frame inside a fragmented message").
				WithContext("opcode", f.Opcode)
		}
		c.recvText = f.Opcode == protocol.OpcodeText
	case protocol.OpcodeContinuation:
		if !c.recvInMsg {
			return api.FrameUnknown, api.NewError(api.ErrCodeProtocol, "continuation frame without a message in progress")
		}
	default:
		return api.FrameUnknown, api.NewError(api.ErrCodeProtocol, "unknown opcode").
			WithContext("opcode", f.Opcode)
	}
	c.recvInMsg = !f.IsFinal
	return frameType(c.recvText, f.IsFinal), nil
}

// stage splits payloads larger than the staging buffer. All chunks but the
// last are fragments; the last keeps the frame's own type.
func (c *Channel) stage(ft api.FrameType, payload []byte) (api.FrameType, []byte, error) {
	size := c.opts.ReadBufferSize
	if len(payload) <= size {
		return ft, payload, nil
	}
	frag := frameType(ft.IsText(), false)
	first := payload[:size]
	for rest := payload[size:]; len(rest) > 0; {
		n := min(size, len(rest))
		t := frag
		if n == len(rest) {
			t = ft
		}
		c.backlog.Add(chunk{ft: t, payload: rest[:n:n]})
		rest = rest[n:]
	}
	return frag, first[:size:size], nil
}

func frameType(text, final bool) api.FrameType {
	switch {
	case text && final:
		return api.FrameText
	case text:
		return api.FrameTextFragment
	case final:
		return api.FrameBinary
	default:
		return api.FrameBinaryFragment
	}
}

// readFrame reads one wire frame. Caller holds recvMu.
func (c *Channel) readFrame(ctx context.Context) (*protocol.WSFrame, error) {
	cr := countingReader{r: c.br}
	disarm := watch(ctx, c.conn.SetReadDeadline)
	f, err := protocol.ReadFrame(&cr, c.opts.MaxFramePayload)
	disarm()
	if err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			c.recvErr = err
			c.log.Warn("protocol violation", zap.Error(err))
			return nil, err
		}
		cause := err
		err = c.ioError(ctx, "read", err)
		if cr.n > 0 || !errors.Is(err, api.ErrCancelled) {
			c.recvErr = c.desynced("read", err, cause)
		}
		return nil, err
	}
	if f.Masked != (c.role == RoleServer) {
		err := api.NewError(api.ErrCodeProtocol, "unexpected frame masking").
			WithContext("masked", f.Masked).WithContext("role", c.role.String())
		c.recvErr = err
		return nil, err
	}
	return f, nil
}

func (c *Channel) pong(ctx context.Context, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closeSent.Load() {
		return nil
	}
	return c.writeFrame(ctx, true, protocol.OpcodePong, payload)
}

// CloseSocket implements api.Channel. Argument errors leave the channel
// untouched; otherwise the connection is released before returning.
func (c *Channel) CloseSocket(ctx context.Context, status uint16, reason string) error {
	ctx = orBackground(ctx)
	if c.released() {
		return c.closedErr("close")
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return err
	}
	if !protocol.ValidCloseStatus(status) {
		return api.NewError(api.ErrCodeInvalidArgument, "close status may not be sent").
			WithContext("status", status)
	}
	payload, err := protocol.FormatClosePayload(status, reason)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.sendClose(ctx, payload); err != nil {
		return err
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return err
	}
	got, gotReason, err := c.CloseInfo(ctx)
	if err != nil {
		return err
	}
	c.log.Debug("close handshake complete",
		zap.Uint16("sent", status), zap.Uint16("received", got))
	if got != status {
		return api.NewError(api.ErrCodeProtocol, "peer echoed a different close status").
			WithContext("sent", status).
			WithContext("received", got).
			WithContext("reason", gotReason)
	}
	return nil
}

func (c *Channel) sendClose(ctx context.Context, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.released() {
		return c.closedErr("close")
	}
	if c.closeSent.Load() {
		return nil
	}
	if err := c.writeFrame(ctx, true, protocol.OpcodeClose, payload); err != nil {
		return err
	}
	c.closeSent.Store(true)
	c.enterClosing()
	return nil
}

// CloseInfo implements api.Channel. Data frames arriving before the peer's
// close frame are discarded.
func (c *Channel) CloseInfo(ctx context.Context) (uint16, string, error) {
	ctx = orBackground(ctx)
	if c.released() {
		return 0, "", c.closedErr("close info")
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.released() {
		return 0, "", c.closedErr("close info")
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return 0, "", err
	}
	c.pending = nil
	for !c.closeRecv.Load() {
		if _, _, err := c.nextFrame(ctx); err != nil {
			return 0, "", err
		}
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return 0, "", err
	}
	return c.peerStatus, c.peerReason, nil
}

// Close implements api.Channel. It is idempotent; operations blocked on the
// connection fail with ErrChannelClosed.
func (c *Channel) Close() error {
	c.state.Store(int32(api.ChannelClosed))
	if err := c.h.release(); err != nil {
		return api.WrapError(api.ErrCodeNetwork, "release connection", err).WithContext("channel", c.id)
	}
	return nil
}

func (c *Channel) released() bool {
	return c.State() == api.ChannelClosed
}

func (c *Channel) enterClosing() {
	c.state.CompareAndSwap(int32(api.ChannelOpen), int32(api.ChannelClosing))
}

func (c *Channel) closedErr(op string) error {
	return api.NewError(api.ErrCodeChannelClosed, "channel closed").
		WithContext("op", op).WithContext("channel", c.id)
}

func (c *Channel) ioError(ctx context.Context, op string, err error) error {
	if c.released() {
		return c.closedErr(op)
	}
	if cerr := session.CheckCancelled(ctx); cerr != nil {
		return cerr
	}
	msg := "connection " + op + " failed"
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		msg = "connection closed by peer"
	}
	return api.WrapError(api.ErrCodeNetwork, msg, err).
		WithContext("op", op).WithContext("channel", c.id)
}

// desynced turns the error of an interrupted partial read or write into
// the sticky error later calls report. A cancellation only describes the
// call it interrupted, so the stream itself is reported as a Network
// failure carrying the native cause.
func (c *Channel) desynced(op string, err, cause error) error {
	if api.CodeOf(err) != api.ErrCodeCancelled {
		return err
	}
	return api.WrapError(api.ErrCodeNetwork, "stream desynchronized by interrupted "+op, cause).
		WithContext("op", op).WithContext("channel", c.id)
}

func (c *Channel) observe(direction string, ft api.FrameType, n int) {
	m := c.opts.Metrics
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(direction, ft.String()).Inc()
	m.FrameBytes.WithLabelValues(direction).Add(float64(n))
}

// watch arms a connection deadline from ctx and expires it as soon as ctx
// is done, unblocking the native call in flight. The returned func disarms.
func watch(ctx context.Context, set func(time.Time) error) func() {
	d, _ := ctx.Deadline()
	_ = set(d)
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = set(aLongTimeAgo)
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
		_ = set(time.Time{})
	}
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
