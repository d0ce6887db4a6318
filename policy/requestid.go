// File: policy/requestid.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package policy

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/momentics/hioload-pipeline/api"
)

// HeaderRequestID carries the client-generated request id.
const HeaderRequestID = "X-Request-Id"

// RequestID stamps each request with a fresh UUID unless the caller set one.
// Place it outside Retry so every attempt shares the id.
func RequestID() api.Policy {
	return api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		if req.Header == nil {
			req.Header = make(http.Header)
		}
		if req.Header.Get(HeaderRequestID) == "" {
			req.Header.Set(HeaderRequestID, uuid.NewString())
		}
		return next(ctx, req)
	})
}
