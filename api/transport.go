// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Transport and Policy contracts. A Pipeline is an ordered list of
// Policies terminated by exactly one Transport.

package api

import "context"

// Transport performs one native network exchange for one request.
// Retrying is never a transport concern.
type Transport interface {
	// Send transmits req and returns the buffered response.
	// It fails with ErrNetwork on I/O failure and ErrCancelled when ctx is done.
	Send(ctx context.Context, req *Request) (*RawResponse, error)
}

// WebSocketTransport is a Transport that can also upgrade a request into
// a full-duplex Channel.
type WebSocketTransport interface {
	Transport

	// Upgrade performs the HTTP upgrade handshake and hands back exclusive
	// ownership of the connection. No connection survives a failed upgrade.
	Upgrade(ctx context.Context, req *Request) (Channel, error)
}

// NextFunc invokes the remainder of a policy chain.
type NextFunc func(ctx context.Context, req *Request) (*RawResponse, error)

// Policy wraps the remainder of the chain. It may call next zero times
// (short-circuit), once, or several times (retry).
type Policy interface {
	Process(ctx context.Context, req *Request, next NextFunc) (*RawResponse, error)
}

// PolicyFunc adapts an ordinary function to the Policy interface.
type PolicyFunc func(ctx context.Context, req *Request, next NextFunc) (*RawResponse, error)

// Process calls f.
func (f PolicyFunc) Process(ctx context.Context, req *Request, next NextFunc) (*RawResponse, error) {
	return f(ctx, req, next)
}

// TransportFunc adapts an ordinary function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*RawResponse, error)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, req *Request) (*RawResponse, error) {
	return f(ctx, req)
}
