package vtsched

import (
	"context"

	"github.com/google/uuid"

	"github.com/lumenstream/vtsched/stream"
)

// Stream is a registered, runnable stream: the result of ProcessStream or
// Timer, ready to be handed to Run. Its ID is assigned at construction time
// so it is stable across the whole Run, appearing in every error, log
// line, and metric the stream produces.
type Stream struct {
	ID     string
	driver stream.Driver
	// custom, when set, replaces driver as the stream's body (used by
	// Timer, which isn't a stream.Driver at all).
	custom func(ctx context.Context) error
}

// ProcessStream constructs a stream driver per SPEC_FULL §4.3: it pulls
// past events synchronously from def.Past, then ingests def.Live, invoking
// def.Callback for each event under the declared unpacking mode and
// honoring def.OnStart/def.OnLiveStart.
func ProcessStream(def stream.Definition, opts stream.Options) Stream {
	return Stream{
		ID:     uuid.NewString(),
		driver: stream.Driver{Def: def, Opts: opts},
	}
}

// bind produces the engine-facing function for this stream, applying
// globalStrict as an additional (OR'd) strict-ordering requirement on top
// of whatever the stream's own construction already requested — enabling
// strict ordering can only turn a previously-silent case into an error,
// never the reverse, so combining the two this way is always sound.
func (s Stream) bind(globalStrict bool) func(ctx context.Context) error {
	if s.custom != nil {
		return s.custom
	}
	d := s.driver
	d.Opts.StrictOrdering = d.Opts.StrictOrdering || globalStrict
	id := s.ID
	return func(ctx context.Context) error {
		if err := d.Run(ctx); err != nil {
			return classifyStreamErr(id, err)
		}
		return nil
	}
}

// classifyStreamErr wraps a driver error as a ContractViolation,
// SourceFailure, or CallbackFailure. stream.Driver doesn't distinguish
// these itself (it has no notion of the vtsched error taxonomy), so the
// boundary where its error crosses into the public API is where the
// classification happens: a type switch against the driver's own sentinel
// shapes, falling back to CallbackFailure for anything else (a plain
// callback error is the overwhelmingly common case).
func classifyStreamErr(id string, err error) error {
	switch e := err.(type) {
	case *ContractViolation:
		if e.StreamID == "" {
			e.StreamID = id
		}
		return e
	case *stream.ContractError:
		return &ContractViolation{StreamID: id, Err: e.Err}
	case *stream.SourceError:
		return &SourceFailure{StreamID: id, Err: e.Err}
	default:
		return &CallbackFailure{StreamID: id, Err: err}
	}
}
