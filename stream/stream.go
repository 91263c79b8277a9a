// Package stream implements the per-stream cooperative driver: it pulls
// past events synchronously, ingests live events from an asynchronous
// source, and invokes the caller's callback while honoring its suspension
// points. It has no knowledge of virtual time, the deferred-call queue, or
// any other stream — that coordination belongs to the engine that drives
// every Driver's Computation.
package stream

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/lumenstream/vtsched/suspend"
)

// Event is a single (event_time, payload) pair, the unit of stream content.
type Event struct {
	Time    time.Time
	Payload any
}

// UnpackMode controls how a callback receives its payload.
type UnpackMode int

const (
	// Default passes the payload as a single value.
	Default UnpackMode = iota
	// UnpackArgs splats a []any payload into positional components.
	UnpackArgs
	// UnpackKwargs splats a map[string]any payload into named components.
	UnpackKwargs
)

// Callback is the default callback shape: the payload arrives as a single
// value. ctx carries the ambient processor so the callback may call Sleep,
// CallLater, or Now on it.
type Callback func(ctx context.Context, eventTime time.Time, payload any) error

// ArgsCallback is the callback shape for UnpackArgs: payload must be a
// []any, splatted into args.
type ArgsCallback func(ctx context.Context, eventTime time.Time, args []any) error

// KwargsCallback is the callback shape for UnpackKwargs: payload must be a
// map[string]any, splatted into kwargs.
type KwargsCallback func(ctx context.Context, eventTime time.Time, kwargs map[string]any) error

// LiveEvent is a single item delivered by a LiveSource: either an Event, or
// a terminal Err. A LiveEvent is never both; Err, when set, ends the stream.
type LiveEvent struct {
	Event Event
	Err   error
}

// LiveSource is an asynchronous, potentially-infinite source of events. It
// is the Go idiom for "a goroutine feeds a channel, closes it at EOF":
// Events starts producing as soon as it is called and stops when ctx is
// canceled or the source is exhausted, at which point the channel closes.
// A single channel (rather than a separate data and error channel) lets the
// driver wait on it through the same suspend.Yielder.AwaitExternal call the
// engine uses to multiplex every stream's external wait, preserving the
// invariant that the engine alone decides when a stream's goroutine runs.
type LiveSource interface {
	Events(ctx context.Context) <-chan LiveEvent
}

// Definition describes one stream: its callback, its past and live sources,
// and its lifecycle hooks. It is the Go analogue of EventStreamDefinition.
type Definition struct {
	// Callback holds a Callback, ArgsCallback, or KwargsCallback value,
	// matching Unpack.
	Callback any
	Unpack   UnpackMode

	// Past is a finite, strictly non-decreasing, restartable iterator of
	// past-dated events. A nil Past is treated as empty.
	Past iter.Seq[Event]
	// Live is an optional asynchronous source of future events.
	Live LiveSource

	// OnStart, if set, runs once before the first past event is pulled.
	OnStart func()
	// OnLiveStart, if set, runs once when Past is exhausted, before Live is
	// consumed.
	OnLiveStart func()
}

// ContractError marks a driver-level failure as a contract violation
// (ordering, unpacking-mode mismatch, missing ambient wiring) rather than a
// callback or source failure. stream has no notion of the vtsched error
// taxonomy itself; this is the sentinel shape the vtsched package looks for
// at the boundary where a driver's error becomes a ContractViolation.
type ContractError struct {
	Err error
}

func (e *ContractError) Error() string { return e.Err.Error() }
func (e *ContractError) Unwrap() error { return e.Err }

// SourceError marks a failure as coming from a past iterator or live
// source, not from the callback itself, for the vtsched package's
// SourceFailure classification at the same boundary.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string { return e.Err.Error() }
func (e *SourceError) Unwrap() error { return e.Err }

// invoke dispatches to the right callback shape for the configured unpack
// mode, returning a ContractError if the payload doesn't match what the
// mode requires.
func (d Definition) invoke(ctx context.Context, ev Event) error {
	switch d.Unpack {
	case UnpackArgs:
		fn, ok := d.Callback.(ArgsCallback)
		if !ok {
			return &ContractError{Err: fmt.Errorf("stream: UnpackArgs requires an ArgsCallback, got %T", d.Callback)}
		}
		args, ok := ev.Payload.([]any)
		if !ok {
			return &ContractError{Err: fmt.Errorf("stream: UnpackArgs requires a []any payload, got %T", ev.Payload)}
		}
		return fn(ctx, ev.Time, args)
	case UnpackKwargs:
		fn, ok := d.Callback.(KwargsCallback)
		if !ok {
			return &ContractError{Err: fmt.Errorf("stream: UnpackKwargs requires a KwargsCallback, got %T", d.Callback)}
		}
		kwargs, ok := ev.Payload.(map[string]any)
		if !ok {
			return &ContractError{Err: fmt.Errorf("stream: UnpackKwargs requires a map[string]any payload, got %T", ev.Payload)}
		}
		return fn(ctx, ev.Time, kwargs)
	default:
		fn, ok := d.Callback.(Callback)
		if !ok {
			return &ContractError{Err: fmt.Errorf("stream: expected a Callback, got %T", d.Callback)}
		}
		return fn(ctx, ev.Time, ev.Payload)
	}
}

// StrictOrdering, when true, makes Driver raise an error on a non-increasing
// consecutive past timestamp instead of only requiring non-decreasing
// order (see SPEC_FULL §9 on simultaneous-event detection).
type Options struct {
	StartTime      *time.Time
	EndTime        *time.Time
	StrictOrdering bool
}

// Driver runs one stream's full lifecycle as a single suspendable
// computation: on_start, every past event (each preceded by a DelayUntil
// suspension so the engine can advance virtual time to it), on_live_start,
// then every live event, each invoked as it arrives.
type Driver struct {
	Def  Definition
	Opts Options
}

// Run executes the driver body. It is meant to be registered with the
// engine as an ordinary func(context.Context) error: the engine derives
// ctx with a suspend.Yielder attached before invoking it, and Run recovers
// that Yielder from ctx to make its DelayUntil/AwaitExternal suspensions.
func (d Driver) Run(ctx context.Context) error {
	y, ok := suspend.YielderFromContext(ctx)
	if !ok {
		return &ContractError{Err: fmt.Errorf("stream: Run called without a suspend.Yielder in context")}
	}

	if d.Def.OnStart != nil {
		d.Def.OnStart()
	}

	var lastTime time.Time
	var haveLast bool

	if d.Def.Past != nil {
		for ev := range d.Def.Past {
			if d.Opts.StartTime != nil && ev.Time.Before(*d.Opts.StartTime) {
				continue
			}
			if d.Opts.EndTime != nil && !ev.Time.Before(*d.Opts.EndTime) {
				break
			}
			if d.Opts.StrictOrdering && haveLast && !ev.Time.After(lastTime) {
				return &ContractError{Err: fmt.Errorf("stream: non-increasing event time %v after %v", ev.Time, lastTime)}
			}
			lastTime, haveLast = ev.Time, true

			y.DelayUntil(ev.Time)
			if err := d.Def.invoke(ctx, ev); err != nil {
				return err
			}
		}
	}

	if d.Def.OnLiveStart != nil {
		d.Def.OnLiveStart()
	}

	if d.Def.Live != nil {
		events := d.Def.Live.Events(ctx)
		for {
			v := y.AwaitExternal(events)
			le, ok := v.(LiveEvent)
			if !ok {
				// Channel closed: reflect.Select reports a closed channel as
				// the type's zero value, which for LiveEvent is the zero
				// struct rather than a type-assertion failure, so treat a
				// non-LiveEvent (including a raw nil from a closed channel
				// signaled by the engine) as end of stream.
				return nil
			}
			if le.Err != nil {
				return &SourceError{Err: le.Err}
			}
			if err := d.Def.invoke(ctx, le.Event); err != nil {
				return err
			}
		}
	}
	return nil
}
