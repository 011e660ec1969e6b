package hooks

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestPriorityOrderWithTiesByRegistration(t *testing.T) {
	p := NewPipeline()
	var order []string
	add := func(name string, priority int) {
		p.Register(BeforeExecution, name, priority, func(_ context.Context, pl Payload) (Payload, error) {
			order = append(order, name)
			return pl, nil
		})
	}
	add("second", 10)
	add("first", 1)
	add("third", 10) // same priority as second, registered later

	if _, err := p.RunBefore(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPayloadTransformsAccumulate(t *testing.T) {
	p := NewPipeline()
	p.Register(BeforeExecution, "annotate", 1, func(_ context.Context, pl Payload) (Payload, error) {
		pl["count"] = 1
		return pl, nil
	})
	p.Register(BeforeExecution, "increment", 2, func(_ context.Context, pl Payload) (Payload, error) {
		pl["count"] = pl["count"].(int) + 1
		return pl, nil
	})

	out, err := p.RunBefore(context.Background(), Payload{"task": "T1"})
	if err != nil {
		t.Fatal(err)
	}
	if out["count"] != 2 || out["task"] != "T1" {
		t.Errorf("payload = %v", out)
	}
}

func TestBeforeFailureAborts(t *testing.T) {
	p := NewPipeline()
	ran := false
	p.Register(BeforeExecution, "gate", 1, func(_ context.Context, pl Payload) (Payload, error) {
		return nil, errors.New("budget exhausted")
	})
	p.Register(BeforeExecution, "later", 2, func(_ context.Context, pl Payload) (Payload, error) {
		ran = true
		return pl, nil
	})

	_, err := p.RunBefore(context.Background(), nil)
	if err == nil {
		t.Fatal("expected abort error")
	}
	if ran {
		t.Error("handler after the failing one still ran")
	}
}

func TestAfterFailureContinues(t *testing.T) {
	p := NewPipeline()
	ran := false
	p.Register(AfterExecution, "flaky", 1, func(_ context.Context, pl Payload) (Payload, error) {
		return nil, errors.New("metrics sink down")
	})
	p.Register(AfterExecution, "cleanup", 2, func(_ context.Context, pl Payload) (Payload, error) {
		ran = true
		return pl, nil
	})

	if _, err := p.RunAfter(context.Background(), nil); err != nil {
		t.Fatalf("afterExecution must swallow handler errors, got %v", err)
	}
	if !ran {
		t.Error("pipeline stopped after a non-critical failure")
	}
}

func TestOnErrorReceivesCauseAndRethrows(t *testing.T) {
	p := NewPipeline()
	var seen error
	p.Register(OnError, "observer", 1, func(_ context.Context, pl Payload) (Payload, error) {
		seen, _ = pl["error"].(error)
		return pl, nil
	})
	p.Register(OnError, "broken", 2, func(_ context.Context, pl Payload) (Payload, error) {
		return nil, fmt.Errorf("handler exploded")
	})
	ranLast := false
	p.Register(OnError, "last", 3, func(_ context.Context, pl Payload) (Payload, error) {
		ranLast = true
		return pl, nil
	})

	cause := errors.New("orchestration failed")
	err := p.RunOnError(context.Background(), nil, cause)
	if !errors.Is(seen, cause) {
		t.Errorf("cause not delivered: %v", seen)
	}
	if err == nil || err.Error() == cause.Error() {
		t.Errorf("handler failure not re-raised: %v", err)
	}
	if !ranLast {
		t.Error("remaining handlers skipped after a failure")
	}
}

func TestEmptyPipelinePassesThrough(t *testing.T) {
	p := NewPipeline()
	out, err := p.RunBefore(context.Background(), Payload{"k": "v"})
	if err != nil || out["k"] != "v" {
		t.Errorf("out=%v err=%v", out, err)
	}
	if err := p.RunOnError(context.Background(), nil, errors.New("x")); err != nil {
		t.Errorf("empty onError returned %v", err)
	}
}
