// File: policy/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package policy

import (
	"context"
	"time"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/control"
)

// Metrics records request counts by outcome and request duration.
// A nil m yields a pass-through policy.
func Metrics(m *control.Metrics) api.Policy {
	return api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		if m == nil {
			return next(ctx, req)
		}
		start := time.Now()
		resp, err := next(ctx, req)
		status := 0
		if err == nil && resp != nil {
			status = resp.StatusCode
		}
		m.Requests.WithLabelValues(req.Method, control.Outcome(status)).Inc()
		m.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
		return resp, err
	})
}
