// File: transport/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared transport options and error classification.

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/session"
)

// DefaultMaxResponseBytes bounds buffered response bodies.
const DefaultMaxResponseBytes = 64 << 20

// Options configures the concrete HTTP transports.
type Options struct {
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
	MaxResponseBytes      int64
	NoDelay               bool
	TLSConfig             *tls.Config
	Logger                *zap.Logger
}

// DefaultOptions returns conservative defaults.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   10,
		MaxResponseBytes:      DefaultMaxResponseBytes,
		NoDelay:               true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = d.KeepAlive
	}
	if o.TLSHandshakeTimeout <= 0 {
		o.TLSHandshakeTimeout = d.TLSHandshakeTimeout
	}
	if o.IdleConnTimeout <= 0 {
		o.IdleConnTimeout = d.IdleConnTimeout
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = d.MaxResponseBytes
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// newRoundTripper builds the net/http transport shared by both variants.
func newRoundTripper(o Options) *http.Transport {
	dialer := NewDialer(o.DialTimeout, o.KeepAlive, o.NoDelay)
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       o.TLSConfig,
		TLSHandshakeTimeout:   o.TLSHandshakeTimeout,
		ResponseHeaderTimeout: o.ResponseHeaderTimeout,
		IdleConnTimeout:       o.IdleConnTimeout,
		MaxIdleConnsPerHost:   o.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// classify turns a native failure into the error taxonomy. Cancellation
// observed on ctx wins over whatever the native stack reported.
func classify(ctx context.Context, op string, req *api.Request, err error) error {
	if cerr := session.CheckCancelled(ctx); cerr != nil {
		return cerr
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return err
	}
	return api.WrapError(api.ErrCodeNetwork, op, err).
		WithContext("method", req.Method).
		WithContext("url", redactURL(req))
}

// readBody buffers at most limit bytes.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, api.NewError(api.ErrCodeProtocol, "response body exceeds limit").
			WithContext("limit", limit)
	}
	return body, nil
}

func redactURL(req *api.Request) string {
	if req.URL == nil {
		return ""
	}
	u := *req.URL
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "REDACTED"
	}
	return u.String()
}
