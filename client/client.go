// File: client/client.go
// Package client assembles a ready-to-use pipeline from control.Config.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The policy order is fixed: request id, static headers, retry, then per
// attempt timeout, logging and metrics, terminated by the configured
// WebSocket-capable transport.

package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/control"
	"github.com/momentics/hioload-pipeline/pipeline"
	"github.com/momentics/hioload-pipeline/policy"
	"github.com/momentics/hioload-pipeline/transport"
	"github.com/momentics/hioload-pipeline/websocket"
)

// Options carries the runtime dependencies that do not belong in a config file.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the client's collectors. Nil disables metrics.
	Registerer prometheus.Registerer
	// Transport replaces the transport chosen from the config.
	Transport api.WebSocketTransport
	// Policies run innermost, right before the transport.
	Policies []api.Policy
}

// Client sends requests and opens WebSocket channels through one pipeline.
type Client struct {
	cfg      *control.Config
	pipeline *pipeline.Pipeline
	log      *zap.Logger
	metrics  *control.Metrics
	probes   *control.DebugProbes

	mu       sync.Mutex
	channels map[string]api.Channel
}

// New validates cfg and builds the client. A nil cfg means the defaults.
func New(cfg *control.Config, opts Options) (*Client, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var metrics *control.Metrics
	if opts.Registerer != nil {
		metrics = control.NewMetrics(opts.Registerer)
	}

	tr := opts.Transport
	if tr == nil {
		tr = newTransport(cfg, log, metrics)
	}

	retry := policy.RetryOptionsFrom(cfg.Retry)
	retry.Logger = log
	retry.Metrics = metrics
	policies := []api.Policy{
		policy.RequestID(),
		policy.HeadersFromMap(cfg.Headers, cfg.UserAgent),
		policy.Retry(retry),
		policy.Timeout(cfg.Retry.TryTimeout),
		policy.Logging(log),
		policy.Metrics(metrics),
	}
	policies = append(policies, opts.Policies...)

	c := &Client{
		cfg:      cfg,
		pipeline: pipeline.New(tr, policies...),
		log:      log.Named("client"),
		metrics:  metrics,
		probes:   control.NewDebugProbes(),
		channels: make(map[string]api.Channel),
	}
	c.probes.RegisterProbe("transport", func() any {
		return map[string]string{"http": cfg.Transport.Kind, "websocket": cfg.WebSocket.Kind}
	})
	c.probes.RegisterProbe("policies", func() any { return c.pipeline.Len() })
	c.probes.RegisterProbe("channels", c.channelStates)
	control.RegisterPlatformProbes(c.probes)
	return c, nil
}

func newTransport(cfg *control.Config, log *zap.Logger, metrics *control.Metrics) api.WebSocketTransport {
	topts := transport.DefaultOptions()
	topts.DialTimeout = cfg.Transport.DialTimeout
	topts.ResponseHeaderTimeout = cfg.Transport.ResponseHeaderTimeout
	topts.MaxResponseBytes = cfg.Transport.MaxResponseBytes
	topts.NoDelay = cfg.Transport.NoDelay
	topts.Logger = log

	var httpTr api.Transport
	switch cfg.Transport.Kind {
	case control.TransportResty:
		httpTr = transport.NewRestyTransport(topts)
	default:
		httpTr = transport.NewHTTPTransport(topts)
	}

	if cfg.WebSocket.Kind == control.WebSocketGorilla {
		return websocket.NewGorillaTransport(websocket.GorillaOptions{
			HTTP:             httpTr,
			HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
			ReadBufferSize:   cfg.WebSocket.ReadBufferSize,
			MaxMessageSize:   cfg.WebSocket.MaxFramePayload,
			Logger:           log,
			Metrics:          metrics,
		})
	}
	return websocket.NewTransport(websocket.Options{
		HTTP:             httpTr,
		Dialer:           transport.NewDialer(topts.DialTimeout, topts.KeepAlive, topts.NoDelay),
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		Channel: websocket.ChannelOptions{
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			MaxFramePayload: cfg.WebSocket.MaxFramePayload,
		},
		Logger:  log,
		Metrics: metrics,
	})
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *control.Config { return c.cfg }

// Pipeline exposes the underlying pipeline.
func (c *Client) Pipeline() *pipeline.Pipeline { return c.pipeline }

// Metrics returns the client's collectors, or nil when metrics are disabled.
func (c *Client) Metrics() *control.Metrics { return c.metrics }

// Do sends req through the pipeline.
func (c *Client) Do(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
	return c.pipeline.Send(ctx, req)
}

// Get is a convenience for a bodiless GET.
func (c *Client) Get(ctx context.Context, rawURL string) (*api.RawResponse, error) {
	req, err := api.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Post sends body with the given content type.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body io.ReadSeeker) (*api.RawResponse, error) {
	req, err := api.NewRequest(http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(ctx, req)
}

// Connect upgrades rawURL to a WebSocket channel. header may be nil.
func (c *Client) Connect(ctx context.Context, rawURL string, header http.Header) (api.Channel, error) {
	req, err := api.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	ch, err := c.pipeline.Upgrade(ctx, req)
	if err != nil {
		return nil, err
	}
	c.track(ch)
	return ch, nil
}

type identified interface{ ID() string }

func (c *Client) track(ch api.Channel) {
	id, ok := ch.(identified)
	if !ok {
		return
	}
	c.mu.Lock()
	c.channels[id.ID()] = ch
	c.mu.Unlock()
}

// channelStates reports live channels and forgets released ones.
func (c *Client) channelStates() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.channels))
	for id, ch := range c.channels {
		st := ch.State()
		if st == api.ChannelClosed {
			delete(c.channels, id)
			continue
		}
		out[id] = st.String()
	}
	return out
}

// DumpState returns diagnostic probes: transport kinds, policy count, the
// state of every channel still open and runtime platform facts.
func (c *Client) DumpState() map[string]any {
	return c.probes.DumpState()
}

// Close releases every channel opened through Connect.
func (c *Client) Close() error {
	c.mu.Lock()
	chans := make([]api.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.channels = make(map[string]api.Channel)
	c.mu.Unlock()
	for _, ch := range chans {
		_ = ch.Close()
	}
	return nil
}
