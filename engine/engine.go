// Package engine implements the scheduler/runner core: the event loop that
// chooses the next due work item across every active stream and the
// deferred-call queue, drives the virtual clock, and waits on external
// asynchronous resources when nothing is due. It has no notion of the
// public call_later/sleep/process_stream surface — that ambient API lives
// in the root vtsched package and talks to the Engine only through the
// context-carried Yielder and Engine's own exported methods.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumenstream/vtsched/clock"
	"github.com/lumenstream/vtsched/internal/logging"
	"github.com/lumenstream/vtsched/internal/observability"
	"github.com/lumenstream/vtsched/schedq"
	"github.com/lumenstream/vtsched/suspend"
)

// StreamFunc is a computation the engine can drive: a stream driver, a
// call_later callable, or a dynamically spawned driver adopted mid-run. It
// recovers its suspend.Yielder from ctx (the engine attaches one before
// invoking it) to make DelayUntil/AwaitExternal suspensions.
type StreamFunc func(ctx context.Context) error

// Registration pairs a StreamFunc with the caller-assigned ID that should
// identify it in error messages, logs, and metrics — letting the vtsched
// package's own stream identity (assigned at ProcessStream time) survive
// into the engine's bookkeeping instead of the engine minting a second,
// unrelated ID.
type Registration struct {
	ID string
	Fn StreamFunc
}

// Invariant is a caller-supplied health check evaluated after every
// dispatch. It returns ok=false and a message to fail the run with a
// contract violation.
type Invariant func(*Engine) (bool, string)

// Options configures an Engine.
type Options struct {
	EndTime        *time.Time
	Tolerance      time.Duration
	StrictOrdering bool
	Logger         logging.Logger
	Tracer         trace.Tracer
	Metrics        *observability.SchedulerCollector
	Invariants     []Invariant
}

type entry struct {
	id       string
	order    int
	comp     *suspend.Computation
	tok      suspend.Token
	hasTok   bool
	finished bool
}

// Engine is the scheduler/runner. It owns the virtual clock, the
// deferred-call queue, and the registry of active computations, and is the
// only component that ever advances virtual time.
type Engine struct {
	clock *clock.Clock
	queue *schedq.Queue
	opts  Options

	entries   []*entry
	nextOrder int

	strictErr error // sticky: a tracked non-ContractViolation programming error, if any
}

// New returns an Engine whose virtual clock begins at start.
func New(start time.Time, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	return &Engine{
		clock: clock.New(start),
		queue: schedq.New(),
		opts:  opts,
	}
}

// Now returns the engine's current virtual time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// IsLive reports whether the engine has completed the history->live handover.
func (e *Engine) IsLive() bool { return e.clock.IsLive() }

// ActiveStreams reports how many registered computations have not yet
// finished (used by invariants and diagnostics).
func (e *Engine) ActiveStreams() int {
	n := 0
	for _, ent := range e.entries {
		if !ent.finished {
			n++
		}
	}
	return n
}

// PendingCalls reports the deferred-call queue depth.
func (e *Engine) PendingCalls() int { return e.queue.Len() }

// CallLater enqueues fn to run once virtual time reaches due. fn is
// normalized into its own suspendable computation the moment it is
// dispatched, so it may itself call Sleep/CallLater/AwaitExternal through
// the ambient context the engine gives it.
func (e *Engine) CallLater(due time.Time, fn StreamFunc) {
	e.queue.Push(schedq.Call{Due: due, Run: func(ctx context.Context) error { return fn(ctx) }})
	if e.opts.Metrics != nil {
		e.opts.Metrics.SetDeferredQueueDepth(e.queue.Len())
	}
}

// addStream starts fn as a new tracked computation and captures its first
// suspension or completion. A blank id is assigned a fresh one, used for
// dynamically spawned computations (deferred calls, streams adopted
// mid-run) that have no caller-assigned identity.
func (e *Engine) addStream(ctx context.Context, id string, fn StreamFunc) error {
	if id == "" {
		id = uuid.NewString()
	}
	ent := &entry{id: id, order: e.nextOrder}
	e.nextOrder++
	ent.comp = suspend.Start(func(y *suspend.Yielder) error {
		return fn(suspend.ContextWithYielder(ctx, y))
	})
	e.entries = append(e.entries, ent)
	return e.awaitEntry(ent)
}

// awaitEntry blocks until ent's computation either suspends again or
// finishes, updating ent's state accordingly. A finished computation that
// returned a non-nil error is reported as a *StreamError carrying ent's ID,
// which Run returns.
func (e *Engine) awaitEntry(ent *entry) error {
	tok, ok := ent.comp.Await()
	if !ok {
		ent.finished = true
		ent.hasTok = false
		if err := ent.comp.Err(); err != nil {
			return &StreamError{StreamID: ent.id, Err: err}
		}
		return nil
	}
	ent.tok = tok
	ent.hasTok = true
	return nil
}

// Run drives streams to completion: it starts every driver in streams (in
// order, establishing their registration priority), then loops dispatching
// due work until every stream has finished and the deferred queue is empty,
// or ctx is canceled, or opts.EndTime is reached.
func (e *Engine) Run(ctx context.Context, streams []Registration) error {
	for _, reg := range streams {
		if err := e.addStream(ctx, reg.ID, reg.Fn); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.opts.EndTime != nil && !e.clock.Now().Before(*e.opts.EndTime) {
			return nil
		}
		if e.allDone() {
			return nil
		}
		if err := e.step(ctx); err != nil {
			return err
		}
		e.pruneFinished()
		if err := e.checkInvariants(); err != nil {
			return err
		}
	}
}

func (e *Engine) allDone() bool {
	if e.queue.Len() > 0 {
		return false
	}
	for _, ent := range e.entries {
		if !ent.finished {
			return false
		}
	}
	return true
}

// pruneFinished drops finished entries from the registry: a finished
// computation is torn down (SPEC_FULL §3 Lifecycles) and no longer
// participates in nextDue, dispatchDue, or wait.
func (e *Engine) pruneFinished() {
	live := e.entries[:0]
	for _, ent := range e.entries {
		if !ent.finished {
			live = append(live, ent)
		}
	}
	e.entries = live
}

// nextDue returns the earliest due time among every active stream's
// pending DelayUntil suspension and the deferred-call heap's head.
func (e *Engine) nextDue() (time.Time, bool) {
	have := false
	var next time.Time
	for _, ent := range e.entries {
		if ent.finished || !ent.hasTok || ent.tok.IsExternal() {
			continue
		}
		if !have || ent.tok.Due.Before(next) {
			next, have = ent.tok.Due, true
		}
	}
	if due, ok := e.queue.PeekDue(); ok {
		if !have || due.Before(next) {
			next, have = due, true
		}
	}
	return next, have
}

// step performs one engine iteration: it advances virtual time per the
// clock discipline and either dispatches due work or waits for more.
func (e *Engine) step(ctx context.Context) error {
	tNext, hasNext := e.nextDue()
	live := e.clock.IsLive()

	if !hasNext {
		if !live {
			e.clock.GoLive()
			if e.opts.Metrics != nil {
				e.opts.Metrics.IncLiveTransitions()
			}
			return nil
		}
		return e.wait(ctx, nil)
	}

	if !live {
		if e.opts.EndTime != nil && !tNext.Before(*e.opts.EndTime) {
			// Nothing is due before EndTime: advance to it without dispatching.
			e.clock.JumpTo(*e.opts.EndTime)
			return nil
		}
		e.clock.JumpTo(tNext)
		return e.dispatchDue(ctx, tNext)
	}

	if !tNext.After(e.clock.Now()) {
		return e.dispatchDue(ctx, tNext)
	}
	return e.wait(ctx, &tNext)
}

// dispatchDue runs every stream entry and deferred call due at t, in order:
// streams by registration index, then deferred calls FIFO (spec.md §4.4:
// deferred calls fire after that instant's stream dispatch).
func (e *Engine) dispatchDue(ctx context.Context, t time.Time) error {
	for _, ent := range e.entries {
		if ent.finished || !ent.hasTok || ent.tok.IsExternal() || !ent.tok.Due.Equal(t) {
			continue
		}
		if err := e.resumeEntry(ctx, ent); err != nil {
			return err
		}
	}

	var calls []schedq.Call
	if due, ok := e.queue.PeekDue(); ok && !due.After(t) {
		calls = e.queue.PopAllDue()
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.SetDeferredQueueDepth(e.queue.Len())
	}
	for _, call := range calls {
		if err := e.dispatchCall(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resumeEntry(ctx context.Context, ent *entry) error {
	end := e.measure(ctx, "stream_dispatch", ent.id)
	defer end()
	ent.comp.Resume()
	return e.awaitEntry(ent)
}

// dispatchCall normalizes a deferred call into its own computation and
// drives it to its first suspension or completion. If it suspends, it
// joins the active entry registry exactly like a dynamically adopted
// stream (spec.md §4.3 "dynamic streams").
func (e *Engine) dispatchCall(ctx context.Context, call schedq.Call) error {
	end := e.measure(ctx, "deferred_call", "")
	defer end()
	return e.addStream(ctx, "", func(ctx context.Context) error { return call.Run(ctx) })
}

func (e *Engine) measure(ctx context.Context, spanName, streamID string) func() {
	stop := e.clock.Measure()
	var span trace.Span
	if e.opts.Tracer != nil {
		_, span = e.opts.Tracer.Start(ctx, spanName)
	}
	start := time.Now()
	return func() {
		stop()
		if span != nil {
			span.End()
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.ObserveDispatch(time.Since(start))
			if e.clock.IsLive() {
				e.opts.Metrics.SetClockSkew(e.clock.Now().Sub(time.Now()))
			}
		}
		if streamID != "" {
			e.opts.Logger.Debug(ctx, "dispatched", logging.StreamID(streamID), logging.VirtualTime(e.clock.Now()))
		}
	}
}

// wait blocks until an externally-awaiting entry's channel fires, a timer
// for deadline elapses, or ctx is canceled. A nil deadline waits
// indefinitely on externals alone (the engine has no scheduled work left
// but live streams are still awaiting data).
func (e *Engine) wait(ctx context.Context, deadline *time.Time) error {
	var cases []reflect.SelectCase
	var waiting []*entry

	for _, ent := range e.entries {
		if ent.finished || !ent.hasTok || !ent.tok.IsExternal() {
			continue
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: ent.tok.External})
		waiting = append(waiting, ent)
	}

	doneIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	timerIdx := -1
	if deadline != nil {
		d := time.Until(*deadline)
		if d < 0 {
			d = 0
		}
		timerIdx = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(time.After(d))})
	}

	if len(cases) == 1 && timerIdx == -1 {
		// Nothing external to wait on and no deadline: the run has stalled
		// with only ctx to watch for cancellation.
		<-ctx.Done()
		return ctx.Err()
	}

	chosen, recv, recvOK := reflect.Select(cases)
	switch {
	case chosen == doneIdx:
		return ctx.Err()
	case timerIdx != -1 && chosen == timerIdx:
		return nil
	default:
		ent := waiting[chosen]
		var v any
		if recvOK {
			v = recv.Interface()
		}
		end := e.measure(ctx, "external_resume", ent.id)
		defer end()
		ent.comp.ResumeWithValue(v)
		return e.awaitEntry(ent)
	}
}

func (e *Engine) checkInvariants() error {
	for _, inv := range e.opts.Invariants {
		if ok, msg := inv(e); !ok {
			return fmt.Errorf("engine: invariant violated: %s", msg)
		}
	}
	return nil
}

// ErrNotRunning is returned by ambient accessors called outside an active
// Engine.Run (surfaced by the vtsched package as a ContractViolation).
var ErrNotRunning = errors.New("engine: called outside a Run")

// StreamError reports that a stream's computation finished with an error:
// either the stream's own callback failed, or one of its sources did. The
// vtsched package distinguishes the two by inspecting the wrapped error's
// type and re-wraps this as a CallbackFailure or SourceFailure.
type StreamError struct {
	StreamID string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("engine: stream %s: %v", e.StreamID, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
