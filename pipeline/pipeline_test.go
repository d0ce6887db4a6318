package pipeline_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/pipeline"
	"github.com/momentics/hioload-pipeline/session"
)

func tracer(name string, trace *[]string) api.Policy {
	return api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		*trace = append(*trace, name+">")
		resp, err := next(ctx, req)
		*trace = append(*trace, "<"+name)
		return resp, err
	})
}

func okTransport(calls *int) api.Transport {
	return api.TransportFunc(func(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
		*calls++
		return &api.RawResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	})
}

func request(t *testing.T) *api.Request {
	t.Helper()
	req, err := api.NewRequest(http.MethodGet, "http://example.test/", nil)
	require.NoError(t, err)
	return req
}

func TestPolicyOrder(t *testing.T) {
	var trace []string
	calls := 0
	p := pipeline.New(okTransport(&calls), tracer("a", &trace), nil, tracer("b", &trace))
	assert.Equal(t, 2, p.Len())

	_, err := p.Send(session.Background(), request(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "<b", "<a"}, trace)
	assert.Equal(t, 1, calls)
}

func TestShortCircuit(t *testing.T) {
	calls := 0
	cached := api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		return &api.RawResponse{StatusCode: http.StatusNotModified}, nil
	})
	resp, err := pipeline.New(okTransport(&calls), cached).Send(session.Background(), request(t))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Zero(t, calls)
}

func TestSendChecksCancellationFirst(t *testing.T) {
	calls := 0
	var trace []string
	p := pipeline.New(okTransport(&calls), tracer("a", &trace))

	ctx := session.Background().WithDeadline(time.Now().Add(-time.Second))
	defer ctx.Release()
	_, err := p.Send(ctx, request(t))
	require.ErrorIs(t, err, api.ErrCancelled)
	assert.Empty(t, trace)
	assert.Zero(t, calls)

	_, err = p.Send(session.Background(), nil)
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestUpgradeRequiresWebSocketTransport(t *testing.T) {
	calls := 0
	_, err := pipeline.New(okTransport(&calls)).Upgrade(session.Background(), request(t))
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

type fakeChannel struct {
	api.Channel
	closed int
}

func (c *fakeChannel) Close() error {
	c.closed++
	return nil
}

type fakeWS struct {
	api.Transport
	made     []*fakeChannel
}

func (f *fakeWS) Upgrade(ctx context.Context, req *api.Request) (api.Channel, error) {
	ch := &fakeChannel{}
	f.made = append(f.made, ch)
	return ch, nil
}

func TestUpgradeRunsPoliciesAndReturnsChannel(t *testing.T) {
	ws := &fakeWS{}
	var seen int
	p := pipeline.New(ws, api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		req.Header.Set("Authorization", "Bearer t")
		resp, err := next(ctx, req)
		if resp != nil {
			seen = resp.StatusCode
		}
		return resp, err
	}))

	ch, err := p.Upgrade(session.Background(), request(t))
	require.NoError(t, err)
	require.Len(t, ws.made, 1)
	assert.Same(t, ws.made[0], ch)
	assert.Equal(t, http.StatusSwitchingProtocols, seen)
}

func TestUpgradeClosesSupersededChannels(t *testing.T) {
	ws := &fakeWS{}
	twice := api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		if _, err := next(ctx, req); err != nil {
			return nil, err
		}
		return next(ctx, req)
	})
	ch, err := pipeline.New(ws, twice).Upgrade(session.Background(), request(t))
	require.NoError(t, err)
	require.Len(t, ws.made, 2)
	assert.Equal(t, 1, ws.made[0].closed)
	assert.Zero(t, ws.made[1].closed)
	assert.Same(t, ws.made[1], ch)
}

func TestUpgradeShortCircuitAndFailure(t *testing.T) {
	ws := &fakeWS{}
	deny := api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		return &api.RawResponse{StatusCode: http.StatusForbidden}, nil
	})
	_, err := pipeline.New(ws, deny).Upgrade(session.Background(), request(t))
	require.ErrorIs(t, err, api.ErrUpgradeFailed)
	assert.Empty(t, ws.made)

	// A policy failing after the upgrade succeeded must not leak the channel.
	fail := api.PolicyFunc(func(ctx context.Context, req *api.Request, next api.NextFunc) (*api.RawResponse, error) {
		if _, err := next(ctx, req); err != nil {
			return nil, err
		}
		return nil, api.NewError(api.ErrCodeProtocol, "rejected")
	})
	_, err = pipeline.New(ws, fail).Upgrade(session.Background(), request(t))
	require.ErrorIs(t, err, api.ErrProtocol)
	require.Len(t, ws.made, 1)
	assert.Equal(t, 1, ws.made[0].closed)
}
