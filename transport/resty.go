// File: transport/resty.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RestyTransport sends requests through go-resty. Resty's own retry and
// redirect handling is disabled; both belong to the policy layer.

package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/session"
)

var errNoResponse = errors.New("no response")

// RestyTransport is an api.Transport backed by a resty client.
type RestyTransport struct {
	client   *resty.Client
	maxBytes int64
	log      *zap.Logger
}

var _ api.Transport = (*RestyTransport)(nil)

// NewRestyTransport builds a transport from opts.
func NewRestyTransport(opts Options) *RestyTransport {
	opts = opts.withDefaults()
	c := resty.New().
		SetTransport(newRoundTripper(opts)).
		SetRetryCount(0).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})).
		SetLogger(opts.Logger.Named("resty").Sugar())
	return &RestyTransport{client: c, maxBytes: opts.MaxResponseBytes, log: opts.Logger.Named("resty")}
}

// Send implements api.Transport.
func (t *RestyTransport) Send(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
	if err := session.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	r := t.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaderMultiValues(req.Header)
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(req.Method, req.URL.String())
	if cerr := session.CheckCancelled(ctx); cerr != nil {
		if resp != nil && resp.RawBody() != nil {
			resp.RawBody().Close()
		}
		return nil, cerr
	}
	if err != nil || resp == nil || resp.RawResponse == nil {
		if err == nil {
			err = errNoResponse
		}
		return nil, classify(ctx, "resty execute", req, err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	body, err := readBody(raw, t.maxBytes)
	if err != nil {
		return nil, classify(ctx, "read response body", req, err)
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	t.log.Debug("exchange complete",
		zap.String("method", req.Method),
		zap.Int("status", resp.StatusCode()),
		zap.Int("bytes", len(body)))
	return &api.RawResponse{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       body,
	}, nil
}
