package policy_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/control"
	"github.com/momentics/hioload-pipeline/pipeline"
	"github.com/momentics/hioload-pipeline/policy"
	"github.com/momentics/hioload-pipeline/session"
)

// scripted replays outcomes in order and records each request it sees.
type scripted struct {
	outcomes []func() (*api.RawResponse, error)
	calls    int
	bodies   []string
	headers  []http.Header
}

func (s *scripted) Send(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
	if err := session.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	i := s.calls
	s.calls++
	s.headers = append(s.headers, req.Header.Clone())
	if req.Body != nil {
		var sb strings.Builder
		buf := make([]byte, 64)
		for {
			n, err := req.Body.Read(buf)
			sb.Write(buf[:n])
			if err != nil {
				break
			}
		}
		s.bodies = append(s.bodies, sb.String())
	}
	if i >= len(s.outcomes) {
		return ok()
	}
	return s.outcomes[i]()
}

func ok() (*api.RawResponse, error) {
	return &api.RawResponse{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("done")}, nil
}

func netErr() (*api.RawResponse, error) {
	return nil, api.WrapError(api.ErrCodeNetwork, "connection reset", errors.New("ECONNRESET"))
}

func status(code int, h http.Header) func() (*api.RawResponse, error) {
	return func() (*api.RawResponse, error) {
		if h == nil {
			h = http.Header{}
		}
		return &api.RawResponse{StatusCode: code, Header: h}, nil
	}
}

func fastRetry(max int) api.Policy {
	return policy.Retry(policy.RetryOptions{MaxRetries: max, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
}

func newReq(t *testing.T, body string) *api.Request {
	t.Helper()
	var (
		req *api.Request
		err error
	)
	if body == "" {
		req, err = api.NewRequest(http.MethodGet, "https://example.test/items?sig=secret", nil)
	} else {
		req, err = api.NewRequestBytes(http.MethodPut, "https://example.test/items?sig=secret", []byte(body))
	}
	require.NoError(t, err)
	return req
}

func TestRetrySucceedsAfterTwoTransientFailures(t *testing.T) {
	tr := &scripted{outcomes: []func() (*api.RawResponse, error){netErr, netErr, ok}}
	p := pipeline.New(tr, fastRetry(3))

	resp, err := p.Send(session.Background(), newReq(t, ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, tr.calls)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	tr := &scripted{outcomes: []func() (*api.RawResponse, error){netErr, netErr, netErr, netErr, netErr}}
	p := pipeline.New(tr, fastRetry(2))

	_, err := p.Send(session.Background(), newReq(t, ""))
	require.ErrorIs(t, err, api.ErrNetwork)
	assert.Equal(t, 3, tr.calls)
}

func TestRetryNeverRetriesTerminalErrors(t *testing.T) {
	for _, code := range []api.ErrorCode{api.ErrCodeProtocol, api.ErrCodeUpgradeFailed, api.ErrCodeCancelled} {
		t.Run(code.String(), func(t *testing.T) {
			fail := func() (*api.RawResponse, error) { return nil, api.NewError(code, "boom") }
			tr := &scripted{outcomes: []func() (*api.RawResponse, error){fail, ok}}
			_, err := pipeline.New(tr, fastRetry(3)).Send(session.Background(), newReq(t, ""))
			require.Error(t, err)
			assert.Equal(t, code, api.CodeOf(err))
			assert.Equal(t, 1, tr.calls)
		})
	}
}

func TestRetryStatusCodes(t *testing.T) {
	tr := &scripted{outcomes: []func() (*api.RawResponse, error){
		status(http.StatusServiceUnavailable, nil),
		status(http.StatusTooManyRequests, http.Header{"Retry-After": {"0"}}),
		ok,
	}}
	resp, err := pipeline.New(tr, fastRetry(3)).Send(session.Background(), newReq(t, ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, tr.calls)

	// Non-retriable statuses are returned as-is.
	tr = &scripted{outcomes: []func() (*api.RawResponse, error){status(http.StatusNotFound, nil)}}
	resp, err = pipeline.New(tr, fastRetry(3)).Send(session.Background(), newReq(t, ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, tr.calls)
}

func TestRetryRewindsBody(t *testing.T) {
	tr := &scripted{outcomes: []func() (*api.RawResponse, error){netErr, ok}}
	_, err := pipeline.New(tr, fastRetry(3)).Send(session.Background(), newReq(t, "payload"))
	require.NoError(t, err)
	assert.Equal(t, []string{"payload", "payload"}, tr.bodies)
}

func TestRetryWaitIsCancellable(t *testing.T) {
	tr := &scripted{outcomes: []func() (*api.RawResponse, error){netErr, netErr, netErr}}
	p := pipeline.New(tr, policy.Retry(policy.RetryOptions{MaxRetries: 3, Delay: time.Hour, MaxDelay: time.Hour}))

	ctx := session.Background().WithCancel()
	defer ctx.Release()
	time.AfterFunc(20*time.Millisecond, ctx.Cancel)

	start := time.Now()
	_, err := p.Send(ctx, newReq(t, ""))
	require.ErrorIs(t, err, api.ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, tr.calls)
}

func TestRetryDoesNotSleepPastDeadline(t *testing.T) {
	tr := &scripted{outcomes: []func() (*api.RawResponse, error){netErr, netErr}}
	p := pipeline.New(tr, policy.Retry(policy.RetryOptions{MaxRetries: 3, Delay: time.Minute}))

	ctx := session.Background().WithTimeout(time.Second)
	defer ctx.Release()

	start := time.Now()
	_, err := p.Send(ctx, newReq(t, ""))
	require.ErrorIs(t, err, api.ErrNetwork)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, tr.calls)
}

func TestRequestIDKeepsCallerValue(t *testing.T) {
	tr := &scripted{outcomes: []func() (*api.RawResponse, error){netErr, ok}}
	p := pipeline.New(tr, policy.RequestID(), fastRetry(1))

	_, err := p.Send(session.Background(), newReq(t, ""))
	require.NoError(t, err)
	require.Len(t, tr.headers, 2)
	id := tr.headers[0].Get(policy.HeaderRequestID)
	assert.Len(t, id, 36)
	assert.Equal(t, id, tr.headers[1].Get(policy.HeaderRequestID))

	req := newReq(t, "")
	req.Header.Set(policy.HeaderRequestID, "mine")
	_, err = p.Send(session.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "mine", tr.headers[2].Get(policy.HeaderRequestID))
}

func TestHeadersDoNotOverrideRequest(t *testing.T) {
	tr := &scripted{}
	p := pipeline.New(tr, policy.HeadersFromMap(map[string]string{"Api-Version": "2022-08-01", "X-Tenant": "a"}, "hioload-test/1"))

	req := newReq(t, "")
	req.Header.Set("X-Tenant", "b")
	_, err := p.Send(session.Background(), req)
	require.NoError(t, err)
	h := tr.headers[0]
	assert.Equal(t, "2022-08-01", h.Get("Api-Version"))
	assert.Equal(t, "b", h.Get("X-Tenant"))
	assert.Equal(t, "hioload-test/1", h.Get("User-Agent"))
}

func TestTimeoutBoundsAttempt(t *testing.T) {
	slow := api.TransportFunc(func(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
		<-ctx.Done()
		return nil, session.CheckCancelled(ctx)
	})
	start := time.Now()
	_, err := pipeline.New(slow, policy.Timeout(20*time.Millisecond)).Send(session.Background(), newReq(t, ""))
	require.ErrorIs(t, err, api.ErrNetwork)
	assert.True(t, api.IsRetriable(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	// A tighter caller deadline is reported as cancellation.
	ctx := session.Background().WithTimeout(10 * time.Millisecond)
	defer ctx.Release()
	_, err = pipeline.New(slow, policy.Timeout(time.Hour)).Send(ctx, newReq(t, ""))
	require.ErrorIs(t, err, api.ErrCancelled)
}

func TestRetryRetriesTimedOutAttempts(t *testing.T) {
	calls := 0
	tr := api.TransportFunc(func(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, session.CheckCancelled(ctx)
		}
		return ok()
	})
	p := pipeline.New(tr, fastRetry(2), policy.Timeout(20*time.Millisecond))
	resp, err := p.Send(session.Background(), newReq(t, ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestLoggingRedactsQuery(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tr := &scripted{outcomes: []func() (*api.RawResponse, error){netErr}}
	_, err := pipeline.New(tr, policy.Logging(zap.New(core))).Send(session.Background(), newReq(t, ""))
	require.Error(t, err)

	entries := logs.FilterMessage("exchange failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "https://example.test/items", fields["url"])
	assert.Equal(t, "network", fields["code"])
}

func TestMetricsPolicy(t *testing.T) {
	m := control.NewMetrics(prometheus.NewRegistry())
	tr := &scripted{outcomes: []func() (*api.RawResponse, error){netErr, ok}}
	p := pipeline.New(tr, fastRetry(1), policy.Metrics(m))

	_, err := p.Send(session.Background(), newReq(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("GET", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("GET", "2xx")))
}

func TestLoggingToleratesShortCircuitWithoutResponse(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	req, err := api.NewRequest(http.MethodGet, "http://example.test/", nil)
	require.NoError(t, err)

	resp, err := policy.Logging(zap.New(core)).Process(session.Background(), req,
		func(context.Context, *api.Request) (*api.RawResponse, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, true, logs.All()[0].ContextMap()["no_response"])
}

func TestHeaderPoliciesInitializeMissingHeader(t *testing.T) {
	u, err := url.Parse("http://example.test/")
	require.NoError(t, err)
	req := &api.Request{Method: http.MethodGet, URL: u}

	var seen http.Header
	chain := func(ctx context.Context, r *api.Request) (*api.RawResponse, error) {
		return policy.HeadersFromMap(map[string]string{"X-Tenant": "blue"}, "").Process(ctx, r,
			func(_ context.Context, r *api.Request) (*api.RawResponse, error) {
				seen = r.Header.Clone()
				return ok()
			})
	}
	_, err = policy.RequestID().Process(session.Background(), req, chain)
	require.NoError(t, err)
	assert.Equal(t, "blue", seen.Get("X-Tenant"))
	assert.NotEmpty(t, seen.Get(policy.HeaderRequestID))
}
