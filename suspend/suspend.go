// Package suspend provides the one primitive the scheduler needs to drive
// callbacks that may suspend mid-execution: a computation that runs on its
// own goroutine but only ever progresses when its driver explicitly resumes
// it, so a single controlling goroutine retains full authority over when
// user code runs. This stands in for the source processor's generator-based
// coroutine stepping (coroutine.send(None)), the one piece of that design
// Go cannot express without a second goroutine.
package suspend

import (
	"context"
	"reflect"
	"time"
)

// Token describes what a suspended Computation is waiting for: either a
// virtual-time deadline (DelayUntil) or an externally observed channel
// (AwaitExternal). Exactly one of the two is set.
type Token struct {
	// Due is set for a DelayUntil suspension: resume at or after this time.
	Due time.Time
	// External holds the channel value passed to AwaitExternal, or the zero
	// Value if this is a DelayUntil token. The driver uses reflect.Select to
	// wait on an arbitrary number of these alongside its own timers, since a
	// compile-time select cannot range over a dynamic channel set.
	External reflect.Value
}

// IsExternal reports whether the token describes an AwaitExternal wait.
func (t Token) IsExternal() bool { return t.External.IsValid() }

// Yielder is handed to the function running inside a Computation so it can
// suspend. Calling either method blocks the computation's goroutine until
// the driver calls Resume or ResumeWithValue.
type Yielder struct {
	yield     chan<- Token
	resume    <-chan struct{}
	resumeVal <-chan any
}

// DelayUntil suspends the computation until the driver resumes it after
// advancing virtual time to (at least) t.
func (y *Yielder) DelayUntil(t time.Time) {
	y.yield <- Token{Due: t}
	<-y.resume
}

// AwaitExternal suspends the computation until a value is received on ch
// (any receive-only channel type) and returns that value. The driver
// performs the actual receive via reflection so it can wait on many
// computations' external channels at once; AwaitExternal hands the received
// value back to the caller once resumed.
func (y *Yielder) AwaitExternal(ch any) any {
	y.yield <- Token{External: reflect.ValueOf(ch)}
	return <-y.resumeVal
}

// Computation is a single suspendable unit of work started by Start. At most
// one of its driver's goroutines may be "inside" it at a time: the function
// body runs only between a Resume/ResumeWithValue call and the next yield or
// return.
type Computation struct {
	yield     chan Token
	resume    chan struct{}
	resumeVal chan any
	done      chan error

	finalErr error
}

// Start launches fn on its own goroutine. fn runs immediately until its
// first suspension (via the supplied Yielder) or until it returns.
func Start(fn func(y *Yielder) error) *Computation {
	c := &Computation{
		yield:     make(chan Token),
		resume:    make(chan struct{}),
		resumeVal: make(chan any),
		done:      make(chan error, 1),
	}
	y := &Yielder{yield: c.yield, resume: c.resume, resumeVal: c.resumeVal}
	go func() {
		defer close(c.done)
		c.done <- fn(y)
	}()
	return c
}

// Await blocks until the computation either suspends again (returning its
// Token and ok=true) or finishes (returning ok=false; call Err after this to
// retrieve the final error, which is nil on success).
func (c *Computation) Await() (Token, bool) {
	select {
	case tok := <-c.yield:
		return tok, true
	case err := <-c.done:
		c.finalErr = err
		return Token{}, false
	}
}

// Resume signals a computation suspended on DelayUntil that it may continue
// running. Callers must only call Resume after a prior Await returned a
// non-external token, and must never call Resume/ResumeWithValue
// concurrently with another on the same Computation (the scheduler enforces
// "at most one callback in flight").
func (c *Computation) Resume() {
	c.resume <- struct{}{}
}

// ResumeWithValue signals a computation suspended on AwaitExternal that it
// may continue, handing it the value received from its external channel.
func (c *Computation) ResumeWithValue(v any) {
	c.resumeVal <- v
}

// Err returns the computation's final error once Await has reported it
// finished (ok=false). It is nil on successful completion and nil if the
// computation has not finished yet.
func (c *Computation) Err() error {
	return c.finalErr
}

type yielderKey struct{}

// ContextWithYielder attaches y to ctx so code running inside the
// computation fn was started with can reach it ambiently, the way a
// request-scoped value is threaded through a call chain. Start's caller is
// expected to derive fn's context with this before invoking user code.
func ContextWithYielder(ctx context.Context, y *Yielder) context.Context {
	return context.WithValue(ctx, yielderKey{}, y)
}

// YielderFromContext retrieves the Yielder attached by ContextWithYielder.
func YielderFromContext(ctx context.Context) (*Yielder, bool) {
	y, ok := ctx.Value(yielderKey{}).(*Yielder)
	return y, ok
}
