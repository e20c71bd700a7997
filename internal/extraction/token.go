package extraction

import (
	"context"
	"errors"
	"time"

	"recipereader/internal/platform/clock"
)

var (
	errCancelledByUser = errors.New("extraction cancelled")
	errTimedOut        = errors.New("extraction timed out")
	errReleased        = errors.New("extraction finished")
)

// Token is the single cancellation source for one extraction call. An
// explicit Cancel and the timeout both cancel the same context; the timeout
// timer is stopped as soon as that context ends, whatever ended it.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  clock.Timer
}

// NewToken derives a token from parent that cancels itself after timeout.
// A zero timeout disables the timer.
func NewToken(parent context.Context, timeout time.Duration) *Token {
	return NewTokenWithClock(parent, timeout, clock.System{})
}

// NewTokenWithClock is NewToken with an explicit clock.
func NewTokenWithClock(parent context.Context, timeout time.Duration, c clock.Clock) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	t := &Token{ctx: ctx, cancel: cancel}

	if timeout > 0 {
		t.timer = c.AfterFunc(timeout, func() { cancel(errTimedOut) })
		context.AfterFunc(ctx, func() { t.timer.Stop() })
	}

	return t
}

// Context returns the context to pass to the HTTP call.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Cancel aborts the call.
func (t *Token) Cancel() {
	t.cancel(errCancelledByUser)
}

// Cancelled reports whether the call was aborted, by the caller, the parent
// context or the timeout. Calls finished through Release are not cancelled.
func (t *Token) Cancelled() bool {
	if t.ctx.Err() == nil {
		return false
	}
	return !errors.Is(context.Cause(t.ctx), errReleased)
}

// Release frees the token once the call has completed. It is safe to call
// more than once and on every exit path.
func (t *Token) Release() {
	t.cancel(errReleased)
}
