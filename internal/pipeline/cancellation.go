package pipeline

import (
	"context"
	"sync/atomic"
)

// Cancellation couples a derived context with an explicit "this was a
// user cancel, not a timeout or shutdown" flag, so Run can tell a
// cancelled transition apart from a failed one when the underlying tool
// call returns the same context-cancelled error for both.
type Cancellation struct {
	ctx       context.Context
	cancel    context.CancelFunc
	requested atomic.Bool
}

func NewCancellation(parent context.Context) *Cancellation {
	ctx, cancel := context.WithCancel(parent)
	return &Cancellation{ctx: ctx, cancel: cancel}
}

func (c *Cancellation) Context() context.Context { return c.ctx }

// Cancel requests cooperative cancellation: the job level cooperates by
// observing ctx.Done, while the external tool process is forced to exit.
func (c *Cancellation) Cancel() {
	c.requested.Store(true)
	c.cancel()
}

func (c *Cancellation) Requested() bool { return c.requested.Load() }

// Release cancels the derived context without marking it a user
// cancellation, for use when the pipeline itself is done with the
// context (success or failure) and wants to free its resources.
func (c *Cancellation) Release() { c.cancel() }
