// File: session/context.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Context scopes with deadline, explicit cancellation and attachments.

package session

import (
	"context"
	"errors"
	"time"

	"github.com/momentics/hioload-pipeline/api"
)

// errExplicitCancel is the cause recorded by Context.Cancel.
var errExplicitCancel = errors.New("cancelled by caller")

// errReleased is the cause recorded when a scope is released after use.
var errReleased = errors.New("scope released")

// Context is one scope in a cancellation tree. It satisfies context.Context,
// so it can be handed to net/http, dialers and third-party clients unchanged.
type Context struct {
	context.Context

	cancel context.CancelCauseFunc
	stop   context.CancelFunc
}

// Background returns a root scope that is never cancelled on its own.
func Background() *Context {
	return From(context.Background())
}

// From wraps an arbitrary context.Context as a scope. The result has no
// cancellation flag of its own; use WithCancel to add one.
func From(ctx context.Context) *Context {
	if c, ok := ctx.(*Context); ok {
		return c
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{Context: ctx}
}

// WithCancel derives a child that can be cancelled with Cancel.
func (c *Context) WithCancel() *Context {
	ctx, cancel := context.WithCancelCause(c.Context)
	return &Context{Context: ctx, cancel: cancel}
}

// WithDeadline derives a cancellable child that expires at d. If the parent
// expires earlier, the parent's deadline stays in effect.
func (c *Context) WithDeadline(d time.Time) *Context {
	inner, cancel := context.WithCancelCause(c.Context)
	ctx, stop := context.WithDeadline(inner, d)
	return &Context{Context: ctx, cancel: cancel, stop: stop}
}

// WithTimeout is WithDeadline(time.Now().Add(d)).
func (c *Context) WithTimeout(d time.Duration) *Context {
	return c.WithDeadline(time.Now().Add(d))
}

// WithValue derives a child carrying key/value. It shares the parent's
// cancellation state.
func (c *Context) WithValue(key, value any) *Context {
	return &Context{Context: context.WithValue(c.Context, key, value)}
}

// Cancel sets the cancellation flag on this scope and all of its descendants.
// It is a no-op for scopes created by From or WithValue.
func (c *Context) Cancel() {
	if c.cancel != nil {
		c.cancel(errExplicitCancel)
	}
}

// Release frees the resources held by this scope. Call it when the
// operation owning the scope completes; the scope reads as cancelled afterwards.
func (c *Context) Release() {
	if c.stop != nil {
		c.stop()
	}
	if c.cancel != nil {
		c.cancel(errReleased)
	}
}

// CheckCancelled fails with api.ErrCancelled when this scope or an ancestor
// was cancelled or its deadline has passed.
func (c *Context) CheckCancelled() error {
	return CheckCancelled(c.Context)
}

// CheckCancelled is the check point used before and after blocking calls.
// It returns nil for a live context and an *api.Error with code
// ErrCodeCancelled otherwise. The error wraps context.Canceled or
// context.DeadlineExceeded.
func CheckCancelled(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	err := ctx.Err()
	if err == nil {
		// The deadline timer may not have fired yet.
		d, ok := ctx.Deadline()
		if !ok || time.Now().Before(d) {
			return nil
		}
		err = context.DeadlineExceeded
	}
	e := api.WrapError(api.ErrCodeCancelled, "operation cancelled", err)
	if errors.Is(err, context.DeadlineExceeded) {
		e.WithContext("reason", "deadline")
		if d, ok := ctx.Deadline(); ok {
			e.WithContext("deadline", d.Format(time.RFC3339Nano))
		}
	} else {
		e.WithContext("reason", "cancelled")
	}
	if cause := context.Cause(ctx); cause != nil && cause != err {
		e.WithContext("cause", cause.Error())
	}
	return e
}

// Remaining returns the time left until ctx's effective deadline.
// ok is false when no deadline is set.
func Remaining(ctx context.Context) (left time.Duration, ok bool) {
	if ctx == nil {
		return 0, false
	}
	d, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return time.Until(d), true
}

// Sleep blocks for d or until ctx is done, whichever comes first.
// It returns the CheckCancelled error when ctx ended the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := CheckCancelled(ctx); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return CheckCancelled(ctx)
	}
}
