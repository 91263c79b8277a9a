package vtsched

import "fmt"

// ContractViolation reports a misuse of the scheduler's contract: past
// events out of order, a callback signature that disagrees with its
// declared unpacking mode, or an ambient call (Now, Sleep, CallLater) made
// outside an active Run. It is always fatal to the Run it occurred in.
type ContractViolation struct {
	StreamID string
	Err      error
}

func (e *ContractViolation) Error() string {
	if e.StreamID == "" {
		return fmt.Sprintf("contract violation: %v", e.Err)
	}
	return fmt.Sprintf("contract violation on stream %s: %v", e.StreamID, e.Err)
}

func (e *ContractViolation) Unwrap() error { return e.Err }

// CallbackFailure reports that a user callback returned an error. Run
// surfaces it synchronously and tears down; no retry is attempted.
type CallbackFailure struct {
	StreamID string
	Err      error
}

func (e *CallbackFailure) Error() string {
	return fmt.Sprintf("callback failed on stream %s: %v", e.StreamID, e.Err)
}

func (e *CallbackFailure) Unwrap() error { return e.Err }

// SourceFailure reports that a past iterator or live source raised. It is
// handled identically to CallbackFailure (surfaced synchronously, fatal to
// the owning stream's Run) but kept as a distinct type so callers can tell
// a misbehaving source apart from a misbehaving callback via errors.As.
type SourceFailure struct {
	StreamID string
	Err      error
}

func (e *SourceFailure) Error() string {
	return fmt.Sprintf("source failed on stream %s: %v", e.StreamID, e.Err)
}

func (e *SourceFailure) Unwrap() error { return e.Err }
