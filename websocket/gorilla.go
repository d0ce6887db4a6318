// File: websocket/gorilla.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// GorillaTransport and GorillaChannel provide the api.Channel contract on
// top of github.com/gorilla/websocket. Received messages arrive whole since
// gorilla reassembles fragments; outbound fragments stream through a held
// NextWriter.

package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/control"
	"github.com/momentics/hioload-pipeline/protocol"
	"github.com/momentics/hioload-pipeline/session"
	"github.com/momentics/hioload-pipeline/transport"
)

// handshake headers gorilla sets itself and refuses to receive twice
var gorillaOwnedHeaders = []string{
	protocol.HeaderUpgrade,
	protocol.HeaderConnection,
	protocol.HeaderSecWebSocketKey,
	protocol.HeaderSecWebSocketVer,
	"Sec-WebSocket-Extensions",
}

// GorillaOptions configures GorillaTransport.
type GorillaOptions struct {
	HTTP             api.Transport
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	MaxMessageSize   int64
	Logger           *zap.Logger
	Metrics          *control.Metrics
}

// GorillaTransport implements api.WebSocketTransport with gorilla's dialer.
type GorillaTransport struct {
	http    api.Transport
	dialer  *gws.Dialer
	maxMsg  int64
	log     *zap.Logger
	metrics *control.Metrics
}

var _ api.WebSocketTransport = (*GorillaTransport)(nil)

// NewGorillaTransport builds a GorillaTransport from o.
func NewGorillaTransport(o GorillaOptions) *GorillaTransport {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	topts := transport.DefaultOptions()
	if o.HTTP == nil {
		topts.Logger = o.Logger
		o.HTTP = transport.NewHTTPTransport(topts)
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = protocol.MaxFramePayload
	}
	dialer := transport.NewDialer(topts.DialTimeout, topts.KeepAlive, topts.NoDelay)
	return &GorillaTransport{
		http: o.HTTP,
		dialer: &gws.Dialer{
			NetDialContext:   dialer.DialContext,
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  o.TLSConfig,
			HandshakeTimeout: o.HandshakeTimeout,
			ReadBufferSize:   o.ReadBufferSize,
			WriteBufferSize:  o.WriteBufferSize,
		},
		maxMsg:  o.MaxMessageSize,
		log:     o.Logger.Named("gorilla"),
		metrics: o.Metrics,
	}
}

// Send implements api.Transport.
func (t *GorillaTransport) Send(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
	if req.URL != nil && (req.URL.Scheme == "ws" || req.URL.Scheme == "wss") {
		req = req.Clone()
		req.URL.Scheme = httpScheme(req.URL.Scheme)
	}
	return t.http.Send(ctx, req)
}

// Upgrade implements api.WebSocketTransport.
func (t *GorillaTransport) Upgrade(ctx context.Context, req *api.Request) (api.Channel, error) {
	ctx = orBackground(ctx)
	if err := session.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	target, err := wsTarget(req.URL)
	if err != nil {
		t.observe("error")
		return nil, err
	}
	hdr := req.Header.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}
	for _, k := range gorillaOwnedHeaders {
		hdr.Del(k)
	}

	conn, resp, err := t.dialer.DialContext(ctx, target, hdr)
	if err != nil {
		t.observe("error")
		if cerr := session.CheckCancelled(ctx); cerr != nil {
			return nil, cerr
		}
		code := api.ErrCodeNetwork
		if resp != nil || errors.Is(err, gws.ErrBadHandshake) {
			code = api.ErrCodeUpgradeFailed
		}
		e := api.WrapError(code, "websocket handshake failed", err).
			WithContext("host", req.URL.Host)
		if resp != nil {
			e.WithContext("status", resp.StatusCode)
			if resp.Body != nil {
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				resp.Body.Close()
				if len(snippet) > 0 {
					e.WithContext("body", string(snippet))
				}
			}
		}
		return nil, e
	}
	if err := session.CheckCancelled(ctx); err != nil {
		conn.Close()
		t.observe("error")
		return nil, err
	}
	conn.SetReadLimit(t.maxMsg)
	t.observe("ok")
	return NewGorillaChannel(conn, t.log, t.metrics), nil
}

func (t *GorillaTransport) observe(outcome string) {
	if t.metrics != nil {
		t.metrics.Upgrades.WithLabelValues(outcome).Inc()
	}
}

func wsTarget(u *url.URL) (string, error) {
	if u == nil {
		return "", api.NewError(api.ErrCodeInvalidArgument, "missing url")
	}
	target := *u
	switch u.Scheme {
	case "http", "ws":
		target.Scheme = "ws"
	case "https", "wss":
		target.Scheme = "wss"
	default:
		return "", api.NewError(api.ErrCodeInvalidArgument, "unsupported scheme for websocket upgrade").
			WithContext("scheme", u.Scheme)
	}
	target.Fragment = ""
	return target.String(), nil
}

// GorillaChannel implements api.Channel over a *gws.Conn.
type GorillaChannel struct {
	id      string
	conn    *gws.Conn
	h       *handle
	log     *zap.Logger
	metrics *control.Metrics

	state     atomic.Int32
	closeSent atomic.Bool
	closeRecv atomic.Bool

	sendMu  sync.Mutex
	writer  io.WriteCloser
	sendErr error

	recvMu       sync.Mutex
	recvErr      error
	closePayload []byte
	peerStatus   uint16
	peerReason   string

	framesSent atomic.Uint64
	framesRecv atomic.Uint64
	bytesSent  atomic.Uint64
	bytesRecv  atomic.Uint64
}

var _ api.Channel = (*GorillaChannel)(nil)

// NewGorillaChannel takes ownership of conn. Peer close frames are recorded
// rather than echoed; the echo is sent by CloseSocket.
func NewGorillaChannel(conn *gws.Conn, log *zap.Logger, metrics *control.Metrics) *GorillaChannel {
	if log == nil {
		log = zap.NewNop()
	}
	c := &GorillaChannel{
		id:      uuid.NewString(),
		conn:    conn,
		metrics: metrics,
	}
	c.log = log.With(zap.String("channel", c.id))
	c.h = newHandle(conn.NetConn(), func() {
		if metrics != nil {
			metrics.OpenChannels.Dec()
		}
	})
	if metrics != nil {
		metrics.OpenChannels.Inc()
	}
	conn.SetCloseHandler(func(code int, text string) error {
		// Runs inside a read, so recvMu is held.
		c.peerStatus, c.peerReason = uint16(code), text
		if code == gws.CloseNoStatusReceived {
			c.closePayload = []byte{}
		} else {
			c.closePayload = gws.FormatCloseMessage(code, text)
		}
		c.closeRecv.Store(true)
		c.enterClosing()
		return nil
	})
	return c
}

// ID returns the channel's unique id.
func (c *GorillaChannel) ID() string { return c.id }

// State implements api.Channel.
func (c *GorillaChannel) State() api.ChannelState {
	return api.ChannelState(c.state.Load())
}

// Stats returns traffic counters.
func (c *GorillaChannel) Stats() api.ChannelStats {
	return api.ChannelStats{
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesRecv.Load(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesRecv.Load(),
	}
}

// SendFrame implements api.Channel.
func (c *GorillaChannel) SendFrame(ctx context.Context, ft api.FrameType, payload []byte) error {
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
	if c.sendErr != nil {
		return c.sendErr
	}
	var mt int
	switch ft {
	case api.FrameText, api.FrameTextFragment:
		mt = gws.TextMessage
	case api.FrameBinary, api.FrameBinaryFragment:
		mt = gws.BinaryMessage
	default:
		return api.NewError(api.ErrCodeProtocol, "unsupported frame type for send").
			WithContext("type", ft.String())
	}

	disarm := watch(ctx, c.conn.SetWriteDeadline)
	err := c.write(mt, ft.IsFragment(), payload)
	disarm()
	if err != nil {
		// gorilla does not recover from a failed write
		c.sendErr = c.ioError(ctx, "write", err)
		return c.sendErr
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(payload)))
	c.observe("sent", ft, len(payload))
	return session.CheckCancelled(ctx)
}

func (c *GorillaChannel) write(mt int, fragment bool, payload []byte) error {
	if c.writer == nil {
		if !fragment {
			return c.conn.WriteMessage(mt, payload)
		}
		w, err := c.conn.NextWriter(mt)
		if err != nil {
			return err
		}
		c.writer = w
	}
	if _, err := c.writer.Write(payload); err != nil {
		return err
	}
	if fragment {
		return nil
	}
	w := c.writer
	c.writer = nil
	return w.Close()
}

// ReceiveFrame implements api.Channel.
func (c *GorillaChannel) ReceiveFrame(ctx context.Context) (api.FrameType, []byte, error) {
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
	ft, payload, err := c.read(ctx)
	if err != nil {
		return api.FrameUnknown, nil, err
	}
	return ft, payload, session.CheckCancelled(ctx)
}

// read returns the next message. Caller holds recvMu.
func (c *GorillaChannel) read(ctx context.Context) (api.FrameType, []byte, error) {
	if c.closeRecv.Load() {
		return api.FrameClosed, c.closePayload, nil
	}
	if c.recvErr != nil {
		return api.FrameUnknown, nil, c.recvErr
	}
	disarm := watch(ctx, c.conn.SetReadDeadline)
	mt, data, err := c.conn.ReadMessage()
	disarm()
	if err != nil {
		var ce *gws.CloseError
		if errors.As(err, &ce) && c.closeRecv.Load() {
			c.observe("received", api.FrameClosed, len(c.closePayload))
			return api.FrameClosed, c.closePayload, nil
		}
		// gorilla read errors are permanent
		c.recvErr = c.ioError(ctx, "read", err)
		return api.FrameUnknown, nil, c.recvErr
	}
	ft := api.FrameBinary
	if mt == gws.TextMessage {
		ft = api.FrameText
	}
	c.framesRecv.Add(1)
	c.bytesRecv.Add(uint64(len(data)))
	c.observe("received", ft, len(data))
	return ft, data, nil
}

// CloseSocket implements api.Channel.
func (c *GorillaChannel) CloseSocket(ctx context.Context, status uint16, reason string) error {
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

	c.sendMu.Lock()
	if !c.closeSent.Load() {
		deadline, _ := ctx.Deadline()
		err = c.conn.WriteControl(gws.CloseMessage, payload, deadline)
		if err == nil {
			c.closeSent.Store(true)
			c.enterClosing()
		}
	}
	c.sendMu.Unlock()
	if err != nil {
		return c.ioError(ctx, "write close", err)
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return err
	}

	got, gotReason, err := c.CloseInfo(ctx)
	if err != nil {
		return err
	}
	if got != status {
		return api.NewError(api.ErrCodeProtocol, "peer echoed a different close status").
			WithContext("sent", status).
			WithContext("received", got).
			WithContext("reason", gotReason)
	}
	return nil
}

// CloseInfo implements api.Channel.
func (c *GorillaChannel) CloseInfo(ctx context.Context) (uint16, string, error) {
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
	for !c.closeRecv.Load() {
		if _, _, err := c.read(ctx); err != nil {
			return 0, "", err
		}
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return 0, "", err
	}
	return c.peerStatus, c.peerReason, nil
}

// Close implements api.Channel.
func (c *GorillaChannel) Close() error {
	c.state.Store(int32(api.ChannelClosed))
	if err := c.h.release(); err != nil {
		return api.WrapError(api.ErrCodeNetwork, "release connection", err).WithContext("channel", c.id)
	}
	return nil
}

func (c *GorillaChannel) released() bool {
	return c.State() == api.ChannelClosed
}

func (c *GorillaChannel) enterClosing() {
	c.state.CompareAndSwap(int32(api.ChannelOpen), int32(api.ChannelClosing))
}

func (c *GorillaChannel) closedErr(op string) error {
	return api.NewError(api.ErrCodeChannelClosed, "channel closed").
		WithContext("op", op).WithContext("channel", c.id)
}

func (c *GorillaChannel) ioError(ctx context.Context, op string, err error) error {
	if c.released() {
		return c.closedErr(op)
	}
	if cerr := session.CheckCancelled(ctx); cerr != nil {
		return cerr
	}
	if errors.Is(err, gws.ErrReadLimit) {
		return api.WrapError(api.ErrCodeProtocol, "message exceeds read limit", err).
			WithContext("channel", c.id)
	}
	var ce *gws.CloseError
	if errors.As(err, &ce) && ce.Code == gws.CloseProtocolError {
		return api.WrapError(api.ErrCodeProtocol, "peer reported protocol error", err).
			WithContext("channel", c.id)
	}
	return api.WrapError(api.ErrCodeNetwork, "connection "+op+" failed", err).
		WithContext("op", op).WithContext("channel", c.id)
}

func (c *GorillaChannel) observe(direction string, ft api.FrameType, n int) {
	if c.metrics == nil {
		return
	}
	c.metrics.Frames.WithLabelValues(direction, ft.String()).Inc()
	c.metrics.FrameBytes.WithLabelValues(direction).Add(float64(n))
}
