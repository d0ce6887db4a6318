// File: policy/retry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package policy

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/control"
	"github.com/momentics/hioload-pipeline/session"
)

// DefaultRetryStatusCodes are the responses worth another attempt.
var DefaultRetryStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// RetryOptions tunes the retry policy. Zero Delay and MaxDelay take the
// defaults of control.DefaultConfig; nil StatusCodes means
// DefaultRetryStatusCodes.
type RetryOptions struct {
	// MaxRetries counts attempts after the first one. Zero or less means a
	// single attempt.
	MaxRetries  int
	Delay       time.Duration
	MaxDelay    time.Duration
	StatusCodes []int
	Logger      *zap.Logger
	Metrics     *control.Metrics
}

// RetryOptionsFrom converts the configuration section.
func RetryOptionsFrom(c control.RetryConfig) RetryOptions {
	return RetryOptions{
		MaxRetries:  c.MaxRetries,
		Delay:       c.Delay,
		MaxDelay:    c.MaxDelay,
		StatusCodes: c.StatusCodes,
	}
}

type retryPolicy struct {
	max      int
	delay    time.Duration
	maxDelay time.Duration
	codes    map[int]struct{}
	log      *zap.Logger
	metrics  *control.Metrics
}

// Retry re-invokes the rest of the chain after network failures and
// retriable status codes. Cancelled, Protocol and UpgradeFailed errors are
// returned at once. The request body is rewound before every attempt.
func Retry(o RetryOptions) api.Policy {
	d := control.DefaultConfig().Retry
	if o.Delay <= 0 {
		o.Delay = d.Delay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.MaxDelay < o.Delay {
		o.MaxDelay = o.Delay
	}
	if o.StatusCodes == nil {
		o.StatusCodes = DefaultRetryStatusCodes
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	codes := make(map[int]struct{}, len(o.StatusCodes))
	for _, c := range o.StatusCodes {
		codes[c] = struct{}{}
	}
	return &retryPolicy{
		max:      o.MaxRetries,
		delay:    o.Delay,
		maxDelay: o.MaxDelay,
		codes:    codes,
		log:      o.Logger.Named("retry"),
		metrics:  o.Metrics,
	}
}

func (p *retryPolicy) Process(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
	for attempt := 0; ; attempt++ {
		if err := req.RewindBody(); err != nil {
			return nil, err
		}
		resp, err := next(ctx, req)
		if attempt >= p.max || !p.shouldRetry(resp, err) {
			return resp, err
		}

		wait := p.backoff(attempt, resp)
		if left, ok := session.Remaining(ctx); ok && left <= wait {
			// The deadline would pass during the wait; hand back what we have.
			p.log.Debug("retry abandoned before deadline",
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
				zap.Duration("remaining", left))
			return resp, err
		}
		p.log.Debug("retrying",
			zap.String("method", req.Method),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		if p.metrics != nil {
			p.metrics.Retries.Inc()
		}
		if serr := session.Sleep(ctx, wait); serr != nil {
			return nil, serr
		}
	}
}

func (p *retryPolicy) shouldRetry(resp *api.RawResponse, err error) bool {
	if err != nil {
		return api.IsRetriable(err)
	}
	if resp == nil {
		return false
	}
	_, ok := p.codes[resp.StatusCode]
	return ok
}

// backoff returns the wait before attempt+1: exponential with up to 25%
// jitter, capped at maxDelay. A Retry-After header on 429/503 overrides it.
func (p *retryPolicy) backoff(attempt int, resp *api.RawResponse) time.Duration {
	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		if d, ok := retryAfter(resp.Header); ok {
			return min(d, p.maxDelay)
		}
	}
	d := p.delay
	for i := 0; i < attempt && d < p.maxDelay; i++ {
		d *= 2
	}
	if d > p.maxDelay {
		d = p.maxDelay
	}
	if j := int64(d / 4); j > 0 {
		d += time.Duration(rand.Int63n(j))
	}
	return min(d, p.maxDelay)
}

func retryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}
