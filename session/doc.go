// Package session
// Author: momentics <momentics@gmail.com>
//
// Cancellation and deadline scopes for every blocking operation in the
// pipeline, transports and WebSocket channels.
//
// A Context is one node in an immutable tree. Each node may carry a deadline,
// an explicit cancellation flag and a key/value attachment; its effective
// state is the most restrictive of itself and all of its ancestors. Children
// are created with a fixed parent and never mutate it.
//
// Blocking operations call CheckCancelled immediately before and immediately
// after every native I/O call, so a cancellation requested while the call was
// in flight is reported instead of swallowed.
package session
