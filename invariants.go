package vtsched

import (
	"time"

	"github.com/lumenstream/vtsched/engine"
)

// Invariant is a caller-registered health check evaluated after every
// dispatch during Run, grounded on the same "named check + violation
// message" shape betrace-hq-betrace's simulation.InvariantChecker uses for
// its trace-rule invariants, adapted here to processor-state invariants.
type Invariant = engine.Invariant

// NamedInvariant pairs an Invariant with a label so a violation can report
// which check failed.
type NamedInvariant struct {
	Name      string
	Invariant Invariant
}

// InvariantChecker bundles a set of NamedInvariants into one engine.Invariant,
// reporting the first failing check's name in the violation message.
type InvariantChecker struct {
	checks []NamedInvariant
}

// NewInvariantChecker builds a checker with the given named invariants.
func NewInvariantChecker(checks ...NamedInvariant) *InvariantChecker {
	return &InvariantChecker{checks: checks}
}

// Register adds another named invariant to the checker.
func (c *InvariantChecker) Register(name string, inv Invariant) {
	c.checks = append(c.checks, NamedInvariant{Name: name, Invariant: inv})
}

// AsInvariant returns the checker as a single engine.Invariant suitable for
// RunOptions.Invariants.
func (c *InvariantChecker) AsInvariant() Invariant {
	return func(e *engine.Engine) (bool, string) {
		for _, nc := range c.checks {
			if ok, msg := nc.Invariant(e); !ok {
				return false, nc.Name + ": " + msg
			}
		}
		return true, ""
	}
}

// MonotonicVirtualTime fails if virtual time is ever observed to move
// backwards between checks — a defensive check against a clock bug rather
// than anything a caller could trigger, since Engine itself enforces this.
func MonotonicVirtualTime() NamedInvariant {
	var last time.Time
	var have bool
	return NamedInvariant{
		Name: "monotonic_virtual_time",
		Invariant: func(e *engine.Engine) (bool, string) {
			now := e.Now()
			if have && now.Before(last) {
				return false, "virtual time moved backwards"
			}
			last, have = now, true
			return true, ""
		},
	}
}

// BoundedLiveSkew fails if, once live, virtual time drifts from wall-clock
// by more than tolerance. The bound is this function's own argument;
// RunOptions.Tolerance is not consulted.
func BoundedLiveSkew(tolerance time.Duration) NamedInvariant {
	return NamedInvariant{
		Name: "bounded_live_skew",
		Invariant: func(e *engine.Engine) (bool, string) {
			if !e.IsLive() {
				return true, ""
			}
			skew := e.Now().Sub(time.Now())
			if skew < 0 {
				skew = -skew
			}
			if skew > tolerance {
				return false, "virtual time has drifted from wall-clock beyond tolerance"
			}
			return true, ""
		},
	}
}
