package suspend

import (
	"errors"
	"testing"
	"time"
)

func TestComputationRunsUntilFirstSuspension(t *testing.T) {
	var ran bool
	c := Start(func(y *Yielder) error {
		ran = true
		y.DelayUntil(time.Unix(100, 0))
		return nil
	})

	tok, ok := c.Await()
	if !ok {
		t.Fatalf("expected computation to suspend, got finished with err %v", c.Err())
	}
	if !ran {
		t.Fatalf("computation body did not run before first suspension")
	}
	if !tok.Due.Equal(time.Unix(100, 0)) {
		t.Fatalf("Due = %v, want %v", tok.Due, time.Unix(100, 0))
	}
}

func TestComputationResumesOnlyAfterResume(t *testing.T) {
	order := make([]string, 0, 4)
	c := Start(func(y *Yielder) error {
		order = append(order, "before-sleep")
		y.DelayUntil(time.Unix(1, 0))
		order = append(order, "after-sleep")
		return nil
	})

	if _, ok := c.Await(); !ok {
		t.Fatalf("expected first suspension")
	}
	if len(order) != 1 {
		t.Fatalf("body ran past first suspension before Resume: %v", order)
	}

	c.Resume()
	if _, ok := c.Await(); ok {
		t.Fatalf("expected computation to finish")
	}
	if c.Err() != nil {
		t.Fatalf("unexpected error: %v", c.Err())
	}
	if len(order) != 2 || order[1] != "after-sleep" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}

func TestComputationPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	c := Start(func(y *Yielder) error {
		return wantErr
	})

	if _, ok := c.Await(); ok {
		t.Fatalf("expected immediate completion")
	}
	if c.Err() != wantErr {
		t.Fatalf("Err() = %v, want %v", c.Err(), wantErr)
	}
}

func TestAwaitExternal(t *testing.T) {
	trigger := make(chan int, 1)
	var got any
	c := Start(func(y *Yielder) error {
		got = y.AwaitExternal(trigger)
		return nil
	})

	tok, ok := c.Await()
	if !ok || !tok.IsExternal() {
		t.Fatalf("expected external suspension, got tok=%+v ok=%v", tok, ok)
	}

	trigger <- 42
	c.ResumeWithValue(42)
	if _, ok := c.Await(); ok {
		t.Fatalf("expected computation to finish after external wake")
	}
	if got != 42 {
		t.Fatalf("AwaitExternal returned %v, want 42", got)
	}
}
