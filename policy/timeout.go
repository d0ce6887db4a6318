// File: policy/timeout.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package policy

import (
	"context"
	"errors"
	"time"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/session"
)

// Timeout bounds each pass through the rest of the chain by d. Placed
// inside Retry it limits single attempts: an attempt that runs out of time
// while the caller's context is still live fails with a retriable network
// error. A tighter parent deadline wins and is reported as Cancelled.
func Timeout(d time.Duration) api.Policy {
	return api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		if d <= 0 {
			return next(ctx, req)
		}
		scope := session.From(ctx).WithTimeout(d)
		defer scope.Release()
		resp, err := next(scope, req)
		if err != nil && errors.Is(err, api.ErrCancelled) && session.CheckCancelled(ctx) == nil {
			return nil, api.WrapError(api.ErrCodeNetwork, "attempt timed out", context.DeadlineExceeded).
				WithContext("timeout", d.String()).
				WithContext("method", req.Method)
		}
		return resp, err
	})
}
