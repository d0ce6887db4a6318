// File: pipeline/pipeline.go
// Package pipeline composes policies around a terminal transport.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Pipeline is built once per client configuration and shared read-only by
// concurrent callers. Policies apply in order: the first in the slice is the
// outermost, the transport is innermost.

package pipeline

import (
	"context"
	"net/http"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/session"
)

// Pipeline is an ordered chain of policies terminated by a transport.
type Pipeline struct {
	policies  []api.Policy
	transport api.Transport
}

// New builds a pipeline. The policies slice is copied; later edits by the
// caller do not affect the pipeline.
func New(transport api.Transport, policies ...api.Policy) *Pipeline {
	ps := make([]api.Policy, 0, len(policies))
	for _, p := range policies {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return &Pipeline{policies: ps, transport: transport}
}

// Transport returns the terminal transport.
func (p *Pipeline) Transport() api.Transport {
	return p.transport
}

// Len returns the number of policies.
func (p *Pipeline) Len() int {
	return len(p.policies)
}

// Send runs req through every policy and the transport.
func (p *Pipeline) Send(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
	if req == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "nil request")
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	return p.chain(0, p.transport.Send)(ctx, req)
}

// Upgrade runs req through every policy and terminates in the transport's
// Upgrade. Policies observe a synthesized 101 response for the upgrade step;
// the resulting channel is returned to the caller.
func (p *Pipeline) Upgrade(ctx context.Context, req *api.Request) (api.Channel, error) {
	if req == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "nil request")
	}
	wst, ok := p.transport.(api.WebSocketTransport)
	if !ok {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "transport does not support websocket upgrade")
	}
	if err := session.CheckCancelled(ctx); err != nil {
		return nil, err
	}

	var ch api.Channel
	terminal := func(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
		// A retrying policy may reach the terminal step again; only the last
		// successful channel is kept.
		if ch != nil {
			_ = ch.Close()
			ch = nil
		}
		c, err := wst.Upgrade(ctx, req)
		if err != nil {
			return nil, err
		}
		ch = c
		return &api.RawResponse{StatusCode: http.StatusSwitchingProtocols, Header: make(http.Header)}, nil
	}

	_, err := p.chain(0, terminal)(ctx, req)
	if err != nil {
		if ch != nil {
			_ = ch.Close()
		}
		return nil, err
	}
	if ch == nil {
		// A policy short-circuited the upgrade.
		return nil, api.NewError(api.ErrCodeUpgradeFailed, "upgrade short-circuited by policy")
	}
	return ch, nil
}

// chain returns the NextFunc that runs policies[i:] and then terminal.
func (p *Pipeline) chain(i int, terminal api.NextFunc) api.NextFunc {
	if i == len(p.policies) {
		return terminal
	}
	policy := p.policies[i]
	next := p.chain(i+1, terminal)
	return func(ctx context.Context, req *api.Request) (*api.RawResponse, error) {
		return policy.Process(ctx, req, next)
	}
}
