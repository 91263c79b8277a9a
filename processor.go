// Package vtsched is the public surface of the virtual-time event-stream
// processor: Run, ProcessStream, Timer, CallLater, Sleep, Now, and
// AwaitExternal. Everything else in this module (clock, schedq, suspend,
// stream, engine) is plumbing this package assembles; callers only ever
// import this package and stream.
package vtsched

import (
	"context"
	"errors"
	"time"

	"github.com/lumenstream/vtsched/engine"
	"github.com/lumenstream/vtsched/schedq"
	"github.com/lumenstream/vtsched/suspend"
)

type processorKey struct{}

// processor is the ambient handle installed on every stream's context by
// Run, giving Now/Sleep/CallLater/AwaitExternal something to resolve
// against without a process-wide global.
type processor struct {
	eng *engine.Engine
}

func contextWithProcessor(ctx context.Context, p *processor) context.Context {
	return context.WithValue(ctx, processorKey{}, p)
}

func processorFromContext(ctx context.Context) (*processor, bool) {
	p, ok := ctx.Value(processorKey{}).(*processor)
	return p, ok
}

// Now returns the current virtual time of the Run invocation ctx belongs
// to. Calling Now outside a Run is a programming error and panics, the way
// dereferencing a context with a missing required value would.
func Now(ctx context.Context) time.Time {
	p, ok := processorFromContext(ctx)
	if !ok {
		panic(&ContractViolation{Err: errors.New("vtsched: Now called outside a Run")})
	}
	return p.eng.Now()
}

// Sleep suspends the calling stream or deferred call until now()+delay (or,
// if delay is an absolute time.Time, until that instant). delay accepts the
// same permissive shapes as CallLater: nil, a float64/int (seconds), a
// time.Duration, or a time.Time.
func Sleep(ctx context.Context, delay any) error {
	p, ok := processorFromContext(ctx)
	if !ok {
		return &ContractViolation{Err: errors.New("vtsched: Sleep called outside a Run")}
	}
	y, ok := suspend.YielderFromContext(ctx)
	if !ok {
		return &ContractViolation{Err: errors.New("vtsched: Sleep called outside a suspendable computation")}
	}
	due, err := schedq.ResolveDelay(p.eng.Now(), delay)
	if err != nil {
		return &ContractViolation{Err: err}
	}
	y.DelayUntil(due)
	return nil
}

// CallLater registers fn to run once virtual time reaches now()+delay (or
// the absolute instant delay names). fn runs as its own suspendable
// computation: it may call Sleep, CallLater, or AwaitExternal itself, and
// if it does, the engine keeps driving it exactly like any other stream.
func CallLater(ctx context.Context, delay any, fn func(ctx context.Context) error) error {
	p, ok := processorFromContext(ctx)
	if !ok {
		return &ContractViolation{Err: errors.New("vtsched: CallLater called outside a Run")}
	}
	due, err := schedq.ResolveDelay(p.eng.Now(), delay)
	if err != nil {
		return &ContractViolation{Err: err}
	}
	p.eng.CallLater(due, engine.StreamFunc(fn))
	return nil
}

// AwaitExternal suspends the calling computation until a value is received
// on ch (any receive-only channel type, including a closed one) and returns
// it. This is how a callback integrates its own asynchronous I/O — a
// network read, a future from another library — with the scheduler's
// single-controller dispatch discipline: the engine, not a native Go
// select, decides exactly when the resumed code runs.
func AwaitExternal(ctx context.Context, ch any) any {
	y, ok := suspend.YielderFromContext(ctx)
	if !ok {
		panic(&ContractViolation{Err: errors.New("vtsched: AwaitExternal called outside a suspendable computation")})
	}
	return y.AwaitExternal(ch)
}
