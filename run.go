package vtsched

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lumenstream/vtsched/engine"
	"github.com/lumenstream/vtsched/internal/logging"
	"github.com/lumenstream/vtsched/internal/observability"
	"github.com/lumenstream/vtsched/internal/rtconfig"
)

// RunOptions bundles everything Run needs beyond the stream list itself.
// Use the With* functions to build one rather than constructing it
// directly, so future fields don't break callers.
type RunOptions struct {
	StartTime      *time.Time
	EndTime        *time.Time
	Tolerance      time.Duration
	StrictOrdering bool
	Logger         logging.Logger
	Tracer         trace.Tracer
	Metrics        *observability.SchedulerCollector
	Invariants     []Invariant
}

// Option configures a RunOptions.
type Option func(*RunOptions)

// WithStartTime pins the virtual clock's starting instant instead of
// defaulting to wall-clock now.
func WithStartTime(t time.Time) Option { return func(o *RunOptions) { o.StartTime = &t } }

// WithEndTime bounds the run: it terminates once now() reaches t.
func WithEndTime(t time.Time) Option { return func(o *RunOptions) { o.EndTime = &t } }

// WithTolerance records the slack tolerated between a dispatch's due time
// and the virtual time observed when it runs. Run hands it to the engine,
// which does not act on it; BoundedLiveSkew takes its own tolerance
// argument and does not read this value.
func WithTolerance(d time.Duration) Option { return func(o *RunOptions) { o.Tolerance = d } }

// WithStrictOrdering makes every ProcessStream-constructed driver in this
// Run raise a ContractViolation on non-increasing consecutive past
// timestamps, instead of only requiring non-decreasing order.
func WithStrictOrdering() Option { return func(o *RunOptions) { o.StrictOrdering = true } }

// WithLogger sets the structured logger every component logs through.
func WithLogger(l logging.Logger) Option { return func(o *RunOptions) { o.Logger = l } }

// WithTracer sets the tracer used to emit one span per dispatch.
func WithTracer(t trace.Tracer) Option { return func(o *RunOptions) { o.Tracer = t } }

// WithMetrics attaches a Prometheus collector for dispatch duration, queue
// depth, live-transition counts, and clock skew.
func WithMetrics(m *observability.SchedulerCollector) Option {
	return func(o *RunOptions) { o.Metrics = m }
}

// WithInvariants registers processor-state invariants, checked after every
// dispatch; the first violation ends the Run with a ContractViolation.
func WithInvariants(invs ...Invariant) Option {
	return func(o *RunOptions) { o.Invariants = append(o.Invariants, invs...) }
}

// FromEnv builds RunOptions from VTSCHED_* environment variables (logging,
// scheduler tolerance, and strict ordering), mirroring
// internal/logging.NewFromEnv's ambient configuration pattern. Tracing and
// metrics variables have no effect here: Tracer and Metrics stay unset. It
// does not touch StartTime, EndTime, or Invariants — those remain explicit
// per-Run choices.
func FromEnv() RunOptions {
	cfg := rtconfig.FromEnv()
	return RunOptions{
		Tolerance:      cfg.Scheduler.Tolerance,
		StrictOrdering: cfg.Scheduler.StrictOrdering,
		Logger:         logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, AddSource: cfg.Logging.AddSource}),
	}
}

// Run installs the ambient processor and drives every stream in streams to
// completion (SPEC_FULL §4.4/§4.5). It returns when every stream has
// finished and the deferred-call queue is empty, when ctx is canceled, or
// when opts' EndTime is reached — whichever happens first.
func Run(ctx context.Context, streams []Stream, opts ...Option) error {
	var o RunOptions
	for _, apply := range opts {
		apply(&o)
	}
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}

	start := time.Now()
	if o.StartTime != nil {
		start = *o.StartTime
	}

	eng := engine.New(start, engine.Options{
		EndTime:        o.EndTime,
		Tolerance:      o.Tolerance,
		StrictOrdering: o.StrictOrdering,
		Logger:         o.Logger,
		Tracer:         o.Tracer,
		Metrics:        o.Metrics,
		Invariants:     o.Invariants,
	})

	ctx, runID := logging.EnsureRunID(ctx)
	o.Logger.Info(ctx, "run starting", logging.String("run_id", runID), logging.Int("stream_count", len(streams)))

	p := &processor{eng: eng}
	ctx = contextWithProcessor(ctx, p)

	regs := make([]engine.Registration, len(streams))
	for i, s := range streams {
		regs[i] = engine.Registration{ID: s.ID, Fn: s.bind(o.StrictOrdering)}
	}

	err := eng.Run(ctx, regs)
	if err != nil {
		err = classifyRunErr(err)
		o.Logger.Error(ctx, "run failed", logging.String("error", err.Error()))
	} else {
		o.Logger.Info(ctx, "run completed", logging.VirtualTime(eng.Now()))
	}
	return err
}

// classifyRunErr gives every error Run can return a vtsched taxonomy type,
// except context cancellation, which is returned as is. Every stream
// failure leaves the engine as a *engine.StreamError. Stream.bind already
// classifies errors from ProcessStream/Timer bodies, so such an error is
// unwrapped back to its classified form; a call_later callable registered
// directly (not through ProcessStream or Timer) has no classifyStreamErr
// wrapping of its own, so its failure becomes a CallbackFailure. The only
// other errors the engine returns are invariant violations, which become a
// ContractViolation.
func classifyRunErr(err error) error {
	if se, ok := err.(*engine.StreamError); ok {
		switch se.Err.(type) {
		case *ContractViolation, *CallbackFailure, *SourceFailure:
			return se.Err
		}
		return &CallbackFailure{StreamID: se.StreamID, Err: se.Err}
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	return &ContractViolation{Err: err}
}
