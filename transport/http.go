// File: transport/http.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTPTransport sends requests over the net/http stack.

package transport

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/session"
)

// HTTPTransport performs one request/response exchange per Send using
// net/http. Redirects are returned to the caller, not followed.
type HTTPTransport struct {
	client   *http.Client
	maxBytes int64
	log      *zap.Logger
}

var _ api.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds a transport from opts.
func NewHTTPTransport(opts Options) *HTTPTransport {
	opts = opts.withDefaults()
	return &HTTPTransport{
		client: &http.Client{
			Transport: newRoundTripper(opts),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBytes: opts.MaxResponseBytes,
		log:      opts.Logger.Named("http"),
	}
}

// Send implements api.Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
	if err := session.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	hreq, err := toHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(hreq)
	if cerr := session.CheckCancelled(ctx); cerr != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, cerr
	}
	if err != nil {
		return nil, classify(ctx, "http round trip", req, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body, t.maxBytes)
	if err != nil {
		return nil, classify(ctx, "read response body", req, err)
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	t.log.Debug("exchange complete",
		zap.String("method", req.Method),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)))
	return &api.RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// toHTTPRequest converts req without consuming anything but the body.
func toHTTPRequest(ctx context.Context, req *api.Request) (*http.Request, error) {
	var body io.Reader
	length := int64(0)
	if req.Body != nil {
		length = req.BodyLength()
		body = io.NopCloser(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeInvalidArgument, "build http request", err).
			WithContext("method", req.Method)
	}
	hreq.Header = req.Header.Clone()
	if hreq.Header == nil {
		hreq.Header = make(http.Header)
	}
	if host := hreq.Header.Get("Host"); host != "" {
		hreq.Host = host
	}
	if length >= 0 {
		hreq.ContentLength = length
	}
	if length == 0 {
		hreq.Body = http.NoBody
	}
	return hreq, nil
}
