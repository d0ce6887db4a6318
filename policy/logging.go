// File: policy/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package policy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
)

// Logging logs every pass through the rest of the chain. Successful
// exchanges log at debug, failures and 5xx responses at warn. Query strings
// are dropped from the logged URL.
func Logging(log *zap.Logger) api.Policy {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("pipeline")
	return api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("url", redact(req)),
			zap.Duration("elapsed", time.Since(start)),
		}
		if id := req.Header.Get(HeaderRequestID); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		switch {
		case err != nil:
			log.Warn("exchange failed", append(fields,
				zap.Stringer("code", api.CodeOf(err)),
				zap.Error(err))...)
		case resp == nil:
			log.Debug("exchange complete", append(fields, zap.Bool("no_response", true))...)
		case resp.StatusCode >= 500:
			log.Warn("exchange complete", append(fields, zap.Int("status", resp.StatusCode))...)
		default:
			log.Debug("exchange complete", append(fields, zap.Int("status", resp.StatusCode))...)
		}
		return resp, err
	})
}

func redact(req *api.Request) string {
	if req.URL == nil {
		return ""
	}
	u := *req.URL
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
