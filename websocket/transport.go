// File: websocket/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transport is the native client side: plain requests go to an inner HTTP
// transport, upgrades dial a raw connection and run the RFC 6455 handshake.

package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/control"
	"github.com/momentics/hioload-pipeline/protocol"
	"github.com/momentics/hioload-pipeline/session"
	"github.com/momentics/hioload-pipeline/transport"
)

// DefaultHandshakeTimeout bounds dial plus handshake when no option is set.
const DefaultHandshakeTimeout = 10 * time.Second

// Options configures Transport.
type Options struct {
	// HTTP serves Send. Defaults to transport.NewHTTPTransport.
	HTTP             api.Transport
	Dialer           *net.Dialer
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	Channel          ChannelOptions
	Logger           *zap.Logger
	Metrics          *control.Metrics
}

// Transport implements api.WebSocketTransport on raw connections.
type Transport struct {
	http    api.Transport
	dialer  *net.Dialer
	tls     *tls.Config
	timeout time.Duration
	chOpts  ChannelOptions
	log     *zap.Logger
	metrics *control.Metrics
}

var _ api.WebSocketTransport = (*Transport)(nil)

// NewTransport builds a Transport from o.
func NewTransport(o Options) *Transport {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HTTP == nil {
		topts := transport.DefaultOptions()
		topts.Logger = o.Logger
		o.HTTP = transport.NewHTTPTransport(topts)
	}
	if o.Dialer == nil {
		d := transport.DefaultOptions()
		o.Dialer = transport.NewDialer(d.DialTimeout, d.KeepAlive, d.NoDelay)
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Channel.Logger == nil {
		o.Channel.Logger = o.Logger
	}
	if o.Channel.Metrics == nil {
		o.Channel.Metrics = o.Metrics
	}
	return &Transport{
		http:    o.HTTP,
		dialer:  o.Dialer,
		tls:     o.TLSConfig,
		timeout: o.HandshakeTimeout,
		chOpts:  o.Channel,
		log:     o.Logger.Named("websocket"),
		metrics: o.Metrics,
	}
}

// Send implements api.Transport. ws and wss URLs are sent as http and https.
func (t *Transport) Send(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
	if req.URL != nil && (req.URL.Scheme == "ws" || req.URL.Scheme == "wss") {
		req = req.Clone()
		req.URL.Scheme = httpScheme(req.URL.Scheme)
	}
	return t.http.Send(ctx, req)
}

// Upgrade implements api.WebSocketTransport. The connection is closed on
// every failure path.
func (t *Transport) Upgrade(ctx context.Context, req *api.Request) (api.Channel, error) {
	ctx = orBackground(ctx)
	if err := session.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	target, err := dialTarget(req.URL)
	if err != nil {
		t.observe("error")
		return nil, err
	}

	scope := session.From(ctx).WithTimeout(t.timeout)
	defer scope.Release()

	conn, err := t.dial(scope, target)
	if err != nil {
		t.observe("error")
		return nil, t.upgradeError(ctx, "dial", req, err)
	}
	br, err := t.handshake(scope, conn, target, req)
	if err == nil {
		err = session.CheckCancelled(ctx)
	}
	if err != nil {
		conn.Close()
		t.observe("error")
		return nil, t.upgradeError(ctx, "handshake", req, err)
	}
	t.observe("ok")
	t.log.Debug("upgrade complete", zap.String("host", target.Host))
	return NewChannel(conn, br, RoleClient, t.chOpts), nil
}

func (t *Transport) dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" {
		return conn, nil
	}
	cfg := t.tls.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}
	// HTTP/2 has no upgrade mechanism for this handshake.
	cfg.NextProtos = []string{"http/1.1"}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

// handshake writes the upgrade request and validates the reply. The
// returned reader holds any frame bytes that arrived with the response.
func (t *Transport) handshake(ctx context.Context, conn net.Conn, u *url.URL, req *api.Request) (*bufio.Reader, error) {
	disarm := watch(ctx, conn.SetDeadline)
	defer disarm()

	key, err := protocol.GenerateKey()
	if err != nil {
		return nil, err
	}
	hreq := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     req.Header.Clone(),
		Host:       u.Host,
	}
	if hreq.Header == nil {
		hreq.Header = make(http.Header)
	}
	if host := hreq.Header.Get("Host"); host != "" {
		hreq.Host = host
		hreq.Header.Del("Host")
	}
	protocol.SetUpgradeHeaders(hreq.Header, key)
	if err := hreq.Write(conn); err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(conn, ioBufferSize)
	resp, err := http.ReadResponse(br, hreq)
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateUpgradeResponse(resp, key); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return br, nil
}

// upgradeError reports cancellation of the caller's scope as Cancelled.
// Rejections of the handshake reply stay UpgradeFailed; dial, TLS and
// handshake I/O failures, including the handshake timeout, are Network.
func (t *Transport) upgradeError(ctx context.Context, op string, req *api.Request, err error) error {
	if cerr := session.CheckCancelled(ctx); cerr != nil {
		return cerr
	}
	e, ok := err.(*api.Error)
	if !ok || e.Code != api.ErrCodeUpgradeFailed {
		e = api.WrapError(api.ErrCodeNetwork, "websocket "+op+" failed", err)
	}
	t.log.Debug("upgrade failed", zap.String("op", op), zap.Error(e))
	return e.WithContext("host", req.URL.Host)
}

func (t *Transport) observe(outcome string) {
	if t.metrics != nil {
		t.metrics.Upgrades.WithLabelValues(outcome).Inc()
	}
}

// dialTarget normalizes u to an http(s) URL with an explicit port.
func dialTarget(u *url.URL) (*url.URL, error) {
	if u == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "missing url")
	}
	target := *u
	target.Scheme = httpScheme(u.Scheme)
	switch target.Scheme {
	case "http", "https":
	default:
		return nil, api.NewError(api.ErrCodeInvalidArgument, "unsupported scheme for websocket upgrade").
			WithContext("scheme", u.Scheme)
	}
	if target.Port() == "" {
		port := "80"
		if target.Scheme == "https" {
			port = "443"
		}
		target.Host = net.JoinHostPort(target.Hostname(), port)
	}
	target.Fragment = ""
	return &target, nil
}

func httpScheme(s string) string {
	switch s {
	case "ws":
		return "http"
	case "wss":
		return "https"
	}
	return s
}
