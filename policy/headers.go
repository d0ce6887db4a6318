// File: policy/headers.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package policy

import (
	"context"
	"net/http"

	"github.com/momentics/hioload-pipeline/api"
)

// Headers adds static headers to every request. Values the caller already
// set on the request are left alone.
func Headers(h http.Header) api.Policy {
	static := h.Clone()
	return api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		if req.Header == nil {
			req.Header = make(http.Header)
		}
		for k, vs := range static {
			if len(req.Header.Values(k)) > 0 {
				continue
			}
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return next(ctx, req)
	})
}

// HeadersFromMap is Headers for configuration-style single-valued maps.
func HeadersFromMap(m map[string]string, userAgent string) api.Policy {
	h := make(http.Header, len(m)+1)
	for k, v := range m {
		h.Set(k, v)
	}
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	return Headers(h)
}
